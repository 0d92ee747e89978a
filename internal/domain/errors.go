package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is the lookup sentinel; NotFoundError matches it through Is.
var ErrNotFound = errors.New("not found")

// ValidationError reports a graph or payload integrity violation.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string { return e.Reason }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) ValidationError {
	return ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an unknown agent, run, node or order id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConcurrencyError reports a second run started while one is active for the
// same agent.
type ConcurrencyError struct {
	AgentID string
	RunID   string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("agent %s already has run %s in progress", e.AgentID, e.RunID)
}

// TransportError reports a failed call to an external capability system.
type TransportError struct {
	System string
	Err    error
}

func (e TransportError) Error() string {
	return fmt.Sprintf("could not reach %s system: %v", e.System, e.Err)
}

func (e TransportError) Unwrap() error { return e.Err }
