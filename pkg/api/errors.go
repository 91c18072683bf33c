package api

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownWorkflowType is returned when a trigger names a type the
	// catalog does not contain.
	ErrUnknownWorkflowType = errors.New("unknown workflow type")

	// ErrInvalidPayload is returned when a trigger payload fails validation.
	ErrInvalidPayload = errors.New("invalid workflow payload")

	// ErrNotFound is returned for unknown instance ids, and for instances
	// that are already terminal when a signal or cancel arrives.
	ErrNotFound = errors.New("workflow instance not found")

	// ErrInstanceTerminal is returned when a signal or cancel targets an
	// instance that already completed, failed or was cancelled. It matches
	// ErrNotFound under errors.Is.
	ErrInstanceTerminal = fmt.Errorf("%w: instance is terminal", ErrNotFound)

	// ErrSignalMismatch is returned when the instance exists but is not
	// waiting on the delivered event name.
	ErrSignalMismatch = errors.New("workflow instance is not waiting on this event")

	// ErrAlreadyActive is returned when a submission already has a running
	// or waiting instance of the same type.
	ErrAlreadyActive = errors.New("an active workflow instance already exists for this submission")

	// ErrVersionConflict is returned by stores when an update was based on
	// a stale version of the instance.
	ErrVersionConflict = errors.New("workflow instance was modified concurrently")

	// ErrCancelled is returned to a workflow function when its instance was
	// cancelled while it was executing.
	ErrCancelled = errors.New("workflow instance cancelled")

	// ErrDuplicateStep is returned when a workflow uses the same step name
	// twice within one execution.
	ErrDuplicateStep = errors.New("duplicate step name")
)

// StepExecutionError reports a step whose side effect kept failing after
// every retry attempt.
type StepExecutionError struct {
	Step     string
	Attempts int
	Err      error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %q failed after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}

// IsStepExecutionError reports whether err wraps a *StepExecutionError.
func IsStepExecutionError(err error) bool {
	var se *StepExecutionError
	return errors.As(err, &se)
}

// waitForEventError is returned by Run.WaitForEvent to unwind the workflow
// function once the instance has been parked.
type waitForEventError struct {
	Name string
}

func (e *waitForEventError) Error() string {
	return "waiting for event: " + e.Name
}

// NewWaitForEventError is used by engine implementations of Run.
func NewWaitForEventError(name string) error {
	return &waitForEventError{Name: name}
}

// IsWaitForEventError returns (eventName, true) if err indicates that the
// workflow suspended on an event.
func IsWaitForEventError(err error) (string, bool) {
	var w *waitForEventError
	if errors.As(err, &w) {
		return w.Name, true
	}
	return "", false
}
