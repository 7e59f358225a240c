package models

import (
	"time"
)

// HistoryKind identifies one event kind in the durable log.
type HistoryKind string

const (
	HistoryExecutionStarted   HistoryKind = "execution.started"
	HistoryExecutionCompleted HistoryKind = "execution.completed"
	HistoryExecutionFailed    HistoryKind = "execution.failed"
	HistoryExecutionCancelled HistoryKind = "execution.cancelled"

	HistoryTokenCreated  HistoryKind = "token.created"
	HistoryTokenMoved    HistoryKind = "token.moved"
	HistoryTokenConsumed HistoryKind = "token.consumed"

	HistoryVariableSet HistoryKind = "variable.set"

	HistoryActivityScheduled HistoryKind = "activity.scheduled"
	HistoryActivityCompleted HistoryKind = "activity.completed"
	HistoryRetryScheduled    HistoryKind = "activity.retry_scheduled"

	HistoryTimerScheduled HistoryKind = "timer.scheduled"
	HistoryTimerFired     HistoryKind = "timer.fired"

	HistorySignalReceived HistoryKind = "signal.received"

	HistoryHumanTaskCreated   HistoryKind = "human_task.created"
	HistoryHumanTaskCompleted HistoryKind = "human_task.completed"

	HistoryInclusiveActivated HistoryKind = "gateway.inclusive_activated"
	HistoryBoundaryTriggered  HistoryKind = "boundary.triggered"

	HistoryChildStarted  HistoryKind = "child.started"
	HistoryChildFinished HistoryKind = "child.finished"
)

// HistoryEntry is one append-only record of the durable event log. Seq is
// strictly increasing and gapless per execution and is the replay ordering
// key. Entries are never mutated or deleted while the execution is retained.
type HistoryEntry struct {
	ExecutionID string         `json:"execution_id"`
	Seq         int64          `json:"seq"`
	Kind        HistoryKind    `json:"kind"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// NewHistoryEntry builds an unsequenced entry; the log assigns Seq on append.
func NewHistoryEntry(executionID string, kind HistoryKind, payload map[string]any) HistoryEntry {
	return HistoryEntry{
		ExecutionID: executionID,
		Kind:        kind,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}
}

// PayloadString reads a string field from the payload, tolerating absence.
func (e HistoryEntry) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}

	s, _ := e.Payload[key].(string)

	return s
}

// PayloadInt reads an integer field from the payload. JSON decoding turns
// numbers into float64, so both representations are accepted.
func (e HistoryEntry) PayloadInt(key string) int {
	if e.Payload == nil {
		return 0
	}

	switch v := e.Payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// PayloadBool reads a boolean field from the payload.
func (e HistoryEntry) PayloadBool(key string) bool {
	if e.Payload == nil {
		return false
	}

	b, _ := e.Payload[key].(bool)

	return b
}
