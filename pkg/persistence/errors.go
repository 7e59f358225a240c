// Package persistence provides standardized error types for storage operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrDefinitionNotFound indicates no definition exists for the id (and
	// version, when pinned).
	ErrDefinitionNotFound = errors.New("definition not found")

	// ErrDefinitionAlreadyExists indicates an (id, version) pair was
	// deployed twice. Definitions are immutable; redeploys take a new version.
	ErrDefinitionAlreadyExists = errors.New("definition version already exists")

	// ErrExecutionNotFound indicates an execution was not found by id.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrHumanTaskNotFound indicates a human task was not found by id.
	ErrHumanTaskNotFound = errors.New("human task not found")

	// ErrSequenceConflict indicates a concurrent append raced on the same
	// execution. The per-execution lease should make this unreachable; it
	// is surfaced rather than resolved because a gapped or reordered log is
	// unrecoverable.
	ErrSequenceConflict = errors.New("history sequence conflict")
)

// StoreError wraps storage errors with operation context.
type StoreError struct {
	Op  string // operation being performed, e.g. "Append", "ByID"
	Key string // definition/execution id if applicable
	Err error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Key, e.Err)
	}

	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewStoreError creates a storage error with context.
func NewStoreError(op, key string, err error) *StoreError {
	return &StoreError{Op: op, Key: key, Err: err}
}

// IsDefinitionNotFound checks if an error indicates a missing definition.
func IsDefinitionNotFound(err error) bool {
	return errors.Is(err, ErrDefinitionNotFound)
}

// IsExecutionNotFound checks if an error indicates a missing execution.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

// IsHumanTaskNotFound checks if an error indicates a missing human task.
func IsHumanTaskNotFound(err error) bool {
	return errors.Is(err, ErrHumanTaskNotFound)
}
