package negotiation

import (
	"errors"
	"fmt"
)

var (
	ErrMedia            = errors.New("local media unavailable")
	ErrTimeout          = errors.New("negotiation timed out")
	ErrRoleAssigned     = errors.New("role already assigned")
	ErrNotInitialized   = errors.New("session not initialized")
	ErrInitialized      = errors.New("session already initialized")
	ErrConnectionFailed = errors.New("connection failed")
	ErrClosed           = errors.New("session closed")
)

// Error tags a negotiation failure with the step that produced it.
type Error struct {
	Op      string
	Err     error
	Details string
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func WrapError(op string, err error, details string) *Error {
	return &Error{Op: op, Err: err, Details: details}
}
