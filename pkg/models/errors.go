package models

import (
	"errors"
	"fmt"
)

// Engine error taxonomy. Structural errors surface directly to API callers
// and are never retried; activity-level failures go through retry policy.
var (
	// ErrMissingRequiredInput indicates a required input variable was absent
	// at start time with no declared default.
	ErrMissingRequiredInput = errors.New("missing required input")

	// ErrImmutableVariableViolation indicates a second write to an
	// immutable variable.
	ErrImmutableVariableViolation = errors.New("immutable variable violation")

	// ErrTypeOrConstraintViolation indicates a variable write failed type
	// coercion or constraint checks.
	ErrTypeOrConstraintViolation = errors.New("type or constraint violation")

	// ErrNoMatchingGatewayEdge indicates no gateway guard matched and no
	// default edge exists. Raised at dispatch time, not deploy time,
	// because guards may reference runtime-only variables.
	ErrNoMatchingGatewayEdge = errors.New("no matching gateway edge")

	// ErrUnreachableEndEvent indicates a definition whose reachable paths
	// can never arrive at an end event. Checked at deploy.
	ErrUnreachableEndEvent = errors.New("unreachable end event")

	// ErrExpressionRejected indicates a guard expression used a construct
	// outside the whitelisted grammar. The evaluator fails closed.
	ErrExpressionRejected = errors.New("expression rejected")

	// ErrNoMatchingWaitingNode indicates a signal arrived for an execution
	// with no node waiting on that signal name.
	ErrNoMatchingWaitingNode = errors.New("no matching waiting node")

	// ErrVariableNotFound indicates a lookup of an undeclared or unset
	// variable.
	ErrVariableNotFound = errors.New("variable not found")

	// ErrExecutionTerminal indicates a mutation against a terminal execution.
	ErrExecutionTerminal = errors.New("execution already terminal")
)

// EngineError wraps taxonomy errors with execution and node context.
type EngineError struct {
	ExecutionID string
	NodeID      string
	Err         error
	Message     string
}

func (e *EngineError) Error() string {
	where := e.ExecutionID
	if e.NodeID != "" {
		where = fmt.Sprintf("%s node %s", e.ExecutionID, e.NodeID)
	}

	if e.Message != "" {
		return fmt.Sprintf("execution %s: %s (%v)", where, e.Message, e.Err)
	}

	return fmt.Sprintf("execution %s: %v", where, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError builds a contextual engine error.
func NewEngineError(executionID, nodeID string, err error, message string) *EngineError {
	return &EngineError{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Err:         err,
		Message:     message,
	}
}

// ValidationSeverity grades definition validation issues.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one structured finding from definition ingestion.
// An ingestion with any error-severity issue never partially deploys.
type ValidationIssue struct {
	ElementID   string             `json:"element_id,omitempty"`
	ElementType string             `json:"element_type,omitempty"`
	Code        string             `json:"code"`
	Severity    ValidationSeverity `json:"severity"`
	Message     string             `json:"message"`
	Suggestion  string             `json:"suggestion,omitempty"`
}

// ValidationError aggregates the issues of a rejected definition.
type ValidationError struct {
	DefinitionID string
	Issues       []ValidationIssue
}

func (e *ValidationError) Error() string {
	n := 0

	for _, issue := range e.Issues {
		if issue.Severity == SeverityError {
			n++
		}
	}

	return fmt.Sprintf("definition %s rejected with %d validation errors", e.DefinitionID, n)
}

// HasErrors reports whether any issue has error severity.
func (e *ValidationError) HasErrors() bool {
	for _, issue := range e.Issues {
		if issue.Severity == SeverityError {
			return true
		}
	}

	return false
}
