// Package services provides the application layer between the HTTP API
// and the engine and persistence.
package services

import (
	"errors"
	"fmt"

	"github.com/periscope-dev/engine/pkg/models"
)

// Business logic errors. Validation errors map to 400 responses,
// conflicts to 409.
var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrEmptyDefinitionID = errors.New("definition ID cannot be empty")
	ErrUnsupportedFormat = errors.New("unsupported definition format")
	ErrDefinitionInvalid = errors.New("definition failed validation")
	ErrNoStartEvent      = errors.New("definition has no start event")
	ErrNoEndEvent        = errors.New("definition has no end event")
	ErrDanglingEdge      = errors.New("edge references unknown node")

	ErrTaskNotOpen = errors.New("human task is not open")
)

// ServiceError wraps service-level errors with operation context.
type ServiceError struct {
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrEmptyDefinitionID) ||
		errors.Is(err, ErrUnsupportedFormat) ||
		errors.Is(err, ErrDefinitionInvalid) ||
		errors.Is(err, ErrNoStartEvent) ||
		errors.Is(err, ErrNoEndEvent) ||
		errors.Is(err, ErrDanglingEdge) ||
		errors.Is(err, models.ErrUnreachableEndEvent)
}

// IsConflictError checks if an error should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrTaskNotOpen)
}

// NewValidationError creates a validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
