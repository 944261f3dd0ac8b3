package agent

import (
	"errors"
	"fmt"
)

// ErrIterationLimit ends a run whose model kept requesting tools until
// the iteration ceiling. The model never converged; no dependency failed.
var ErrIterationLimit = errors.New("IterationLimitExceeded")

// ErrCancelled ends a run whose context was cancelled between iterations.
var ErrCancelled = errors.New("Cancelled")

// TaskInputError rejects a submission before the loop starts. No
// activity events are emitted for a rejected submission.
type TaskInputError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *TaskInputError) Error() string {
	return fmt.Sprintf("invalid task input: %s %s", e.Field, e.Reason)
}

// InferenceError records a failed model call. It is fatal to the run
// and is never retried by the loop.
type InferenceError struct {
	Iteration int
	Err       error
}

// Error implements the error interface.
func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed at iteration %d: %v", e.Iteration, e.Err)
}

// Unwrap returns the provider error.
func (e *InferenceError) Unwrap() error { return e.Err }
