package protocol

import (
	"errors"
	"fmt"
)

// TerminalError marks an activity failure that retrying cannot fix, such as
// a rejected configuration or a 4xx response. The scheduler fails the node
// immediately instead of consuming attempts.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("terminal: %v", e.Err)
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// Terminal wraps err as non-retryable.
func Terminal(err error) error {
	if err == nil {
		return nil
	}

	return &TerminalError{Err: err}
}

// IsTerminal reports whether err was marked non-retryable.
func IsTerminal(err error) bool {
	var terminal *TerminalError

	return errors.As(err, &terminal)
}
