// Package models defines the core domain models for durable process execution.
package models

import (
	"time"
)

// NodeType identifies the behavior of a node in a process graph.
type NodeType string

const (
	NodeTypeStartEvent        NodeType = "start_event"
	NodeTypeEndEvent          NodeType = "end_event"
	NodeTypeServiceTask       NodeType = "service_task"
	NodeTypeUserTask          NodeType = "user_task"
	NodeTypeScriptTask        NodeType = "script_task"
	NodeTypeSendTask          NodeType = "send_task"
	NodeTypeExclusiveGateway  NodeType = "exclusive_gateway"
	NodeTypeParallelGateway   NodeType = "parallel_gateway"
	NodeTypeInclusiveGateway  NodeType = "inclusive_gateway"
	NodeTypeBoundaryEvent     NodeType = "boundary_event"
	NodeTypeIntermediateEvent NodeType = "intermediate_event"
	NodeTypeSubprocess        NodeType = "subprocess"
	NodeTypeCallActivity      NodeType = "call_activity"
)

// IsTask reports whether the node dispatches work through the activity dispatcher
// or creates a human task. Tokens wait inside task nodes until an outcome arrives.
func (t NodeType) IsTask() bool {
	switch t {
	case NodeTypeServiceTask, NodeTypeScriptTask, NodeTypeSendTask, NodeTypeUserTask:
		return true
	default:
		return false
	}
}

// IsGateway reports whether the node branches or merges control flow.
func (t NodeType) IsGateway() bool {
	switch t {
	case NodeTypeExclusiveGateway, NodeTypeParallelGateway, NodeTypeInclusiveGateway:
		return true
	default:
		return false
	}
}

// EventTrigger identifies what fires a boundary or intermediate event.
type EventTrigger string

const (
	EventTriggerTimer  EventTrigger = "timer"
	EventTriggerError  EventTrigger = "error"
	EventTriggerSignal EventTrigger = "signal"
)

// TimerDefinition configures a timer trigger. Exactly one field is set:
// Duration holds an ISO-8601 duration ("PT10M"), Cycle holds a cron
// expression for repeating timers.
type TimerDefinition struct {
	Duration string `json:"duration,omitempty"`
	Cycle    string `json:"cycle,omitempty"`
}

// AgentConfig carries the periscope:AIAgentConfiguration extension of a
// service task. Either AgentID references a deployed agent, or AgentType
// plus Prompt describe an inline one.
type AgentConfig struct {
	AgentID   string `json:"agent_id,omitempty"`
	AgentType string `json:"agent_type,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	Model     string `json:"model,omitempty"`
}

// TaskConfig carries the periscope:TaskDefinition extension of a user task.
type TaskConfig struct {
	Assignee        string         `json:"assignee,omitempty"`
	CandidateGroups []string       `json:"candidate_groups,omitempty"`
	FormSpec        map[string]any `json:"form_spec,omitempty"`
	SignalName      string         `json:"signal_name,omitempty"`
}

// Node is one element of a process graph. Type selects the variant; the
// optional fields below apply only to the variants that use them.
type Node struct {
	ID   string   `json:"id"   validate:"required"`
	Type NodeType `json:"type" validate:"required"`
	Name string   `json:"name"`

	// ActivityKind and Config drive dispatch for task nodes
	// (aiagent, script, webhook, email, usertask).
	ActivityKind string         `json:"activity_kind,omitempty"`
	Config       map[string]any `json:"config,omitempty"`

	Agent *AgentConfig `json:"agent,omitempty"` // service tasks
	Task  *TaskConfig  `json:"task,omitempty"`  // user tasks

	// FunctionRef names the sandboxed function of a script task.
	FunctionRef string `json:"function_ref,omitempty"`

	// InputMapping and OutputMapping move values between process variables
	// and activity inputs/results. Keys are target names, values are
	// template expressions or result field paths.
	InputMapping  map[string]string `json:"input_mapping,omitempty"`
	OutputMapping map[string]string `json:"output_mapping,omitempty"`

	// AttachedTo and Trigger apply to boundary events; Trigger alone to
	// intermediate events. CancelActivity aborts the host task when the
	// boundary fires.
	AttachedTo     string           `json:"attached_to,omitempty"`
	Trigger        EventTrigger     `json:"trigger,omitempty"`
	Timer          *TimerDefinition `json:"timer,omitempty"`
	SignalName     string           `json:"signal_name,omitempty"`
	CancelActivity bool             `json:"cancel_activity,omitempty"`

	// ErrorCode tags error end events and selects error boundary handlers.
	ErrorCode string `json:"error_code,omitempty"`

	// Nodes and Edges hold the nested graph of a subprocess.
	Nodes []Node `json:"nodes,omitempty"`
	Edges []Edge `json:"edges,omitempty"`

	// CalleeID references the definition started by a call activity.
	CalleeID string `json:"callee_id,omitempty"`

	Retry         *RetryPolicy  `json:"retry,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	TaskQueue     string        `json:"task_queue,omitempty"`
	EndEventError bool          `json:"end_event_error,omitempty"`
}

// Edge is a directed sequence flow between two nodes. Guard is an optional
// boolean expression evaluated against the variable snapshot; IsDefault
// marks the fallback edge of an exclusive or inclusive gateway.
type Edge struct {
	ID        string `json:"id"   validate:"required"`
	From      string `json:"from" validate:"required"`
	To        string `json:"to"   validate:"required"`
	Guard     string `json:"guard,omitempty"`
	IsDefault bool   `json:"is_default,omitempty"`
}

// ProcessDefinition is one immutable version of a deployed process graph.
// Definitions are never mutated after deploy; a redeploy under the same ID
// creates the next version.
type ProcessDefinition struct {
	ID           string                `json:"id"      validate:"required"`
	Version      int                   `json:"version" validate:"required,min=1"`
	Name         string                `json:"name"`
	Nodes        []Node                `json:"nodes"   validate:"required,min=1"`
	Edges        []Edge                `json:"edges"`
	Variables    []VariableDeclaration `json:"variables"`
	TaskQueue    string                `json:"task_queue"`
	DeployedAt   time.Time             `json:"deployed_at"`
	SourceFormat string                `json:"source_format,omitempty"` // e.g. "bpmn"
}

// NodeByID returns the node with the given id, searching subprocess graphs too.
func (d *ProcessDefinition) NodeByID(id string) (*Node, bool) {
	return findNode(d.Nodes, id)
}

func findNode(nodes []Node, id string) (*Node, bool) {
	for i := range nodes {
		if nodes[i].ID == id {
			return &nodes[i], true
		}

		if nodes[i].Type == NodeTypeSubprocess {
			if n, ok := findNode(nodes[i].Nodes, id); ok {
				return n, true
			}
		}
	}

	return nil, false
}

// Outgoing returns the outgoing edges of a node in declaration order.
// Declaration order is load-bearing for exclusive gateways.
func (d *ProcessDefinition) Outgoing(nodeID string) []Edge {
	return outgoing(d.Edges, d.Nodes, nodeID)
}

// Incoming returns the incoming edges of a node in declaration order.
func (d *ProcessDefinition) Incoming(nodeID string) []Edge {
	return incoming(d.Edges, d.Nodes, nodeID)
}

func outgoing(edges []Edge, nodes []Node, nodeID string) []Edge {
	var out []Edge

	for _, e := range edges {
		if e.From == nodeID {
			out = append(out, e)
		}
	}

	if out == nil {
		for i := range nodes {
			if nodes[i].Type == NodeTypeSubprocess {
				if sub := outgoing(nodes[i].Edges, nodes[i].Nodes, nodeID); sub != nil {
					return sub
				}
			}
		}
	}

	return out
}

func incoming(edges []Edge, nodes []Node, nodeID string) []Edge {
	var in []Edge

	for _, e := range edges {
		if e.To == nodeID {
			in = append(in, e)
		}
	}

	if in == nil {
		for i := range nodes {
			if nodes[i].Type == NodeTypeSubprocess {
				if sub := incoming(nodes[i].Edges, nodes[i].Nodes, nodeID); sub != nil {
					return sub
				}
			}
		}
	}

	return in
}

// BoundaryEvents returns the boundary events attached to hostID.
func (d *ProcessDefinition) BoundaryEvents(hostID string) []Node {
	var out []Node

	var walk func(nodes []Node)
	walk = func(nodes []Node) {
		for _, n := range nodes {
			if n.Type == NodeTypeBoundaryEvent && n.AttachedTo == hostID {
				out = append(out, n)
			}

			if n.Type == NodeTypeSubprocess {
				walk(n.Nodes)
			}
		}
	}
	walk(d.Nodes)

	return out
}

// StartEvent returns the single start event of the top-level graph.
func (d *ProcessDefinition) StartEvent() (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].Type == NodeTypeStartEvent {
			return &d.Nodes[i], true
		}
	}

	return nil, false
}
