package core

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a run id is unknown to the registry, or a
// config reference does not resolve. Query paths surface it as a 404, never
// as a crash.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a caller attempts an out-of-order
// or post-terminal state mutation. Correct executor usage never triggers it;
// if it surfaces, the run is aborted and marked failed.
var ErrInvalidTransition = errors.New("invalid transition")

// StepError wraps a failure raised by a step's work function. It is the
// expected failure mode: the run is marked failed, remaining steps stay
// pending, and cleanup is still attempted.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
