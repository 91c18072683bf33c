// Package api contains the core building blocks shared by the reviewflow
// engine, the workflow catalog, and the control surface. It defines the
// persisted shape of a workflow instance, the contract a workflow function
// is written against, the error taxonomy, and the observer hooks.
//
// Most users interact with the higher-level reviewflow package, which
// re-exports selected types and constructors from this package.
//
// # Workflow functions
//
// A workflow is a plain Go function that receives a Run. Every side effect
// goes through Run.Step, and every suspension goes through
// Run.WaitForEvent:
//
//	func review(ctx context.Context, run api.Run) (any, error) {
//	    if _, err := run.Step(ctx, "initialize", markSubmitted); err != nil {
//	        return nil, err
//	    }
//	    ev, err := run.WaitForEvent(ctx, "approval-decision", 7*24*time.Hour)
//	    if err != nil {
//	        return nil, err
//	    }
//	    ...
//	}
//
// The engine replays the function from the top every time the instance is
// driven forward. Steps whose names are already in the step log return the
// recorded result without running again, which is what makes side effects
// happen once even when an instance is replayed after a crash.
//
// Workflow functions must:
//
//   - Be deterministic: the same step log yields the same sequence of calls.
//   - Return errors from Step and WaitForEvent unchanged, so the engine can
//     recognise suspension and cancellation.
//   - Keep step names unique within one execution.
//
// # Errors
//
// Structural errors (ErrUnknownWorkflowType, ErrNotFound, ErrSignalMismatch,
// ErrAlreadyActive) are returned to the caller synchronously. Step failures
// are retried by the engine and only surface as *StepExecutionError once the
// retry policy is exhausted. A wait that times out is not an error: the
// workflow receives an Event with TimedOut set.
//
// # Observability
//
// Observer receives lifecycle callbacks. LoggingObserver writes structured
// slog records and BasicMetrics keeps in-process counters; both can be
// combined with NewCompositeObserver.
package api
