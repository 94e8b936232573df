package session

import (
	"errors"
	"fmt"
)

// ErrValidation marks failures that make every later read meaningless.
var ErrValidation = errors.New("session validation failed")

// FatalError names the bootstrap invariant that did not hold.
type FatalError struct {
	Invariant string
	Err       error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Invariant, e.Err)
}

func (e *FatalError) Unwrap() []error {
	return []error{ErrValidation, e.Err}
}

func fatal(invariant string, format string, args ...any) *FatalError {
	return &FatalError{Invariant: invariant, Err: fmt.Errorf(format, args...)}
}
