// Package web provides the HTTP API for definitions, executions, signals
// and human tasks.
package web

// SignalRequest carries the payload of a delivered signal.
type SignalRequest struct {
	Payload map[string]any `json:"payload"`
}

// CancelRequest carries the reason for cancelling an execution.
type CancelRequest struct {
	Reason      string `json:"reason"`
	RequestedBy string `json:"requested_by"`
}

// CompleteTaskRequest carries the outcome of a human task.
type CompleteTaskRequest struct {
	CompletedBy string         `json:"completed_by"`
	Payload     map[string]any `json:"payload"`
}
