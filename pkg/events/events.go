// Package events defines the messages exchanged between the API surface and
// the execution workers.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/periscope-dev/engine/pkg/models"
)

type EventType string

// Kafka topics.
const CommandTopic = "periscope.execution.commands"       // commands consumed by workers
const NotificationTopic = "periscope.execution.lifecycle" // lifecycle notifications for observers

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Commands. The metadata key carries the execution id so one
	// execution's commands stay on one partition, in order.
	ExecutionStartRequestedEvent EventType = "execution.start_requested"
	SignalDeliveredEvent         EventType = "signal.delivered"
	CancellationRequestedEvent   EventType = "execution.cancel_requested"
	ActivityOutcomeReportedEvent EventType = "activity.outcome_reported"

	// Lifecycle notifications.
	ExecutionCompletedEvent     EventType = "execution.completed"
	ExecutionFailedEvent        EventType = "execution.failed"
	ExecutionCancelledEvent     EventType = "execution.cancelled"
	ChildExecutionFinishedEvent EventType = "execution.child_finished"
)

type BaseEvent struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	ExecutionID string         `json:"execution_id"`
	WorkerID    string         `json:"worker_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, executionID string) BaseEvent {
	return BaseEvent{
		ID:          uuid.New().String(),
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		ExecutionID: executionID,
		Metadata:    make(map[string]any),
	}
}

// ExecutionStartRequested asks a worker to start an execution. The execution
// id is allocated by the caller so the response can be returned before the
// worker picks the command up.
type ExecutionStartRequested struct {
	BaseEvent

	DefinitionID string         `json:"definition_id"`
	Version      int            `json:"version"` // 0 pins the latest deployed version
	Inputs       map[string]any `json:"inputs,omitempty"`
	Initiator    string         `json:"initiator,omitempty"`
}

func (e ExecutionStartRequested) GetType() EventType {
	return ExecutionStartRequestedEvent
}

// SignalDelivered carries a named signal toward a waiting execution.
type SignalDelivered struct {
	BaseEvent

	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (e SignalDelivered) GetType() EventType {
	return SignalDeliveredEvent
}

// CancellationRequested asks a worker to cancel a running execution.
type CancellationRequested struct {
	BaseEvent

	Reason      string `json:"reason,omitempty"`
	RequestedBy string `json:"requested_by,omitempty"`
}

func (e CancellationRequested) GetType() EventType {
	return CancellationRequestedEvent
}

// ActivityOutcomeReported carries the result of one activity attempt back to
// the scheduler, either from the in-process dispatcher of another worker or
// from an external worker through the API.
type ActivityOutcomeReported struct {
	BaseEvent

	NodeID  string         `json:"node_id"`
	Attempt int            `json:"attempt"`
	Outcome models.Outcome `json:"outcome"`
}

func (e ActivityOutcomeReported) GetType() EventType {
	return ActivityOutcomeReportedEvent
}

// ExecutionCompleted announces a terminal successful execution.
type ExecutionCompleted struct {
	BaseEvent

	DefinitionID string         `json:"definition_id"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	DurationMs   int64          `json:"duration_ms"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

// ExecutionFailed announces a terminal failed execution.
type ExecutionFailed struct {
	BaseEvent

	DefinitionID string `json:"definition_id"`
	NodeID       string `json:"node_id,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

// ExecutionCancelled announces a cancelled execution.
type ExecutionCancelled struct {
	BaseEvent

	DefinitionID string `json:"definition_id"`
	Reason       string `json:"reason,omitempty"`
	CancelledBy  string `json:"cancelled_by,omitempty"`
}

func (e ExecutionCancelled) GetType() EventType {
	return ExecutionCancelledEvent
}

// ChildExecutionFinished tells the worker holding a parent execution that a
// call activity child reached a terminal state. The metadata key is the
// parent execution id so the notification lands with whichever worker owns
// the parent.
type ChildExecutionFinished struct {
	BaseEvent

	ParentID   string                 `json:"parent_id"`
	ParentNode string                 `json:"parent_node"`
	Status     models.ExecutionStatus `json:"status"`
	Outputs    map[string]any         `json:"outputs,omitempty"`
	ErrorKind  string                 `json:"error_kind,omitempty"`
}

func (e ChildExecutionFinished) GetType() EventType {
	return ChildExecutionFinishedEvent
}
