package models

import (
	"time"
)

// ExecutionStatus is the lifecycle state of an execution.
// Completed, Failed and Cancelled are terminal.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusWaiting   ExecutionStatus = "waiting"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	default:
		return false
	}
}

// TokenCause records how a token came to exist.
type TokenCause string

const (
	TokenCauseStart    TokenCause = "start"
	TokenCauseEdge     TokenCause = "edge"
	TokenCauseFork     TokenCause = "fork"
	TokenCauseJoin     TokenCause = "join"
	TokenCauseBoundary TokenCause = "boundary"
)

// Token marks one active position in the node graph of an execution.
// Parallel branches hold one token each.
type Token struct {
	ID        string     `json:"id"`
	NodeID    string     `json:"node_id"`
	Cause     TokenCause `json:"cause"`
	EdgeID    string     `json:"edge_id,omitempty"` // edge taken to arrive here
	Scope     string     `json:"scope,omitempty"`   // enclosing subprocess node id, empty at top level
	CreatedAt time.Time  `json:"created_at"`
}

// ExecutionFailure describes why a terminal Failed execution failed.
type ExecutionFailure struct {
	NodeID  string `json:"node_id"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Execution is the materialized current-state projection of one process
// instance. It is updated transactionally alongside every history append so
// status queries never replay the log.
type Execution struct {
	ID           string            `json:"id"`
	DefinitionID string            `json:"definition_id"`
	Version      int               `json:"version"`
	Status       ExecutionStatus   `json:"status"`
	Tokens       []Token           `json:"tokens"`
	ParentID     string            `json:"parent_id,omitempty"`    // call activity parent
	ParentNode   string            `json:"parent_node,omitempty"`  // call activity node in the parent
	Failure      *ExecutionFailure `json:"failure,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// HumanTaskStatus tracks the lifecycle of a user task record.
type HumanTaskStatus string

const (
	HumanTaskStatusOpen      HumanTaskStatus = "open"
	HumanTaskStatusCompleted HumanTaskStatus = "completed"
	HumanTaskStatusCancelled HumanTaskStatus = "cancelled"
)

// HumanTask is the external work record created when a token reaches a user
// task. The execution suspends until the task is completed through the
// signal API or the task API.
type HumanTask struct {
	ID              string          `json:"id"`
	ExecutionID     string          `json:"execution_id"`
	NodeID          string          `json:"node_id"`
	Name            string          `json:"name"`
	Assignee        string          `json:"assignee,omitempty"`
	CandidateGroups []string        `json:"candidate_groups,omitempty"`
	FormSpec        map[string]any  `json:"form_spec,omitempty"`
	SignalName      string          `json:"signal_name"`
	Status          HumanTaskStatus `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CompletedBy     string          `json:"completed_by,omitempty"`
}
