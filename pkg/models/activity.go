package models

import (
	"fmt"
	"time"
)

// OutcomeKind classifies the result of one activity attempt.
type OutcomeKind string

const (
	OutcomeSucceeded OutcomeKind = "succeeded"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeTimedOut  OutcomeKind = "timed_out"
)

// Outcome is the terminal report of one activity attempt.
type Outcome struct {
	Kind      OutcomeKind    `json:"kind"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
}

// ActivityTask is one dispatch attempt of a task node. Retried attempts
// create a new task sharing the correlation id; the idempotency key
// (execution, node, attempt) prevents duplicate dispatch on recovery.
type ActivityTask struct {
	ID            string         `json:"id"`
	CorrelationID string         `json:"correlation_id"`
	ExecutionID   string         `json:"execution_id"`
	NodeID        string         `json:"node_id"`
	Attempt       int            `json:"attempt"`
	Kind          string         `json:"kind"`
	Queue         string         `json:"queue"`
	Config        map[string]any `json:"config,omitempty"`
	Input         map[string]any `json:"input,omitempty"`
	ScheduledAt   time.Time      `json:"scheduled_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Outcome       *Outcome       `json:"outcome,omitempty"`
	Timeout       time.Duration  `json:"timeout,omitempty"`
}

// IdempotencyKey returns the stable dispatch key for this attempt.
func (t ActivityTask) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s:%d", t.ExecutionID, t.NodeID, t.Attempt)
}

// DefaultActivityTimeout bounds start-to-close time of an attempt unless the
// node configures its own.
const DefaultActivityTimeout = 10 * time.Minute

// Task queue classes of the documented capacity tiering.
const (
	QueueDefault  = "default"
	QueueAI       = "ai"
	QueuePriority = "priority"
)

// RetryPolicy governs redispatch of failed retryable attempts.
// Attempt 1 runs immediately; attempt k is delayed by
// min(initial * coefficient^(k-2), maximum) from attempt k-1's failure.
type RetryPolicy struct {
	InitialInterval time.Duration `json:"initial_interval"`
	MaximumInterval time.Duration `json:"maximum_interval"`
	MaximumAttempts int           `json:"maximum_attempts"`
	Coefficient     float64       `json:"coefficient"`
}

// DefaultRetryPolicy applies to task nodes without an explicit policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Second,
		MaximumInterval: time.Minute,
		MaximumAttempts: 3,
		Coefficient:     2.0,
	}
}

// NextDelay returns the delay before the attempt following failedAttempt,
// or false when attempts are exhausted.
func (p RetryPolicy) NextDelay(failedAttempt int) (time.Duration, bool) {
	if failedAttempt >= p.MaximumAttempts {
		return 0, false
	}

	delay := p.InitialInterval
	for i := 2; i <= failedAttempt; i++ {
		delay = time.Duration(float64(delay) * p.Coefficient)
		if delay >= p.MaximumInterval {
			delay = p.MaximumInterval

			break
		}
	}

	if delay > p.MaximumInterval {
		delay = p.MaximumInterval
	}

	return delay, true
}
