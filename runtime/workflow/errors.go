package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound indicates the session id is unknown or expired.
	ErrSessionNotFound = errors.New("workflow session not found")
	// ErrInvalidTransition indicates the session exists but rejected the
	// requested change.
	ErrInvalidTransition = errors.New("invalid workflow transition")
)

// TransitionError describes a rejected update. It matches
// ErrInvalidTransition with errors.Is.
type TransitionError struct {
	// SessionID is the workflow session id.
	SessionID string
	// Reason explains the rejection.
	Reason string
}

func newTransitionError(id, format string, args ...any) *TransitionError {
	return &TransitionError{SessionID: id, Reason: fmt.Sprintf(format, args...)}
}

// Error implements error.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: session %s: %s", ErrInvalidTransition, e.SessionID, e.Reason)
}

// Is reports whether target is ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
