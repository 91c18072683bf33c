package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/petrijr/reviewflow/internal/otelhelper"
	"github.com/petrijr/reviewflow/pkg/api"
)

// run is the api.Run handed to a workflow function for one execution pass.
// It is used by a single goroutine while the engine holds the instance lock.
type run struct {
	e    *engineImpl
	inst *api.WorkflowInstance

	seen      map[stepKey]bool
	suspended string
}

type stepKey struct {
	kind api.StepKind
	name string
}

var _ api.Run = (*run)(nil)

func newRun(e *engineImpl, inst *api.WorkflowInstance) *run {
	return &run{
		e:    e,
		inst: inst,
		seen: make(map[stepKey]bool),
	}
}

func (r *run) InstanceID() string       { return r.inst.ID }
func (r *run) Type() api.WorkflowType   { return r.inst.Type }
func (r *run) Payload() json.RawMessage { return r.inst.Payload }

func (r *run) Step(ctx context.Context, name string, fn api.StepFunc) (json.RawMessage, error) {
	return r.StepWithRetry(ctx, name, r.e.retry, fn)
}

func (r *run) StepWithRetry(ctx context.Context, name string, policy api.RetryPolicy, fn api.StepFunc) (json.RawMessage, error) {
	if r.suspended != "" {
		return nil, api.NewWaitForEventError(r.suspended)
	}
	if err := r.markSeen(api.KindStep, name); err != nil {
		return nil, err
	}
	if rec, ok := r.inst.LookupStep(api.KindStep, name); ok {
		return rec.Result, nil
	}

	if err := r.checkNotCancelled(ctx); err != nil {
		return nil, err
	}

	val, attempts, err := r.execute(ctx, name, policy, fn)
	if err != nil {
		r.e.record(ctx, r.inst, api.EventStepFailed, name, err.Error())
		return nil, &api.StepExecutionError{Step: name, Attempts: attempts, Err: err}
	}

	raw, err := json.Marshal(val)
	if err != nil {
		return nil, &api.StepExecutionError{Step: name, Attempts: attempts, Err: fmt.Errorf("encode result: %w", err)}
	}

	r.inst.StepLog = append(r.inst.StepLog, api.StepRecord{
		Name:        name,
		Kind:        api.KindStep,
		Result:      raw,
		CompletedAt: r.e.now(),
	})
	if err := r.persist(ctx); err != nil {
		return nil, err
	}
	r.e.record(ctx, r.inst, api.EventStepCompleted, name, "")
	return raw, nil
}

// execute calls fn until it succeeds or the policy is exhausted, sleeping
// with exponential backoff between attempts.
func (r *run) execute(ctx context.Context, name string, policy api.RetryPolicy, fn api.StepFunc) (any, int, error) {
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	backoff := policy.InitialBackoff
	multiplier := policy.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		stepCtx, span := otelhelper.StartSpan(ctx, r.e.tracer, "step."+name,
			attribute.String(otelhelper.InstanceIDKey, r.inst.ID),
			attribute.String(otelhelper.WorkflowTypeKey, string(r.inst.Type)),
			attribute.String(otelhelper.StepNameKey, name),
			attribute.Int(otelhelper.StepAttemptKey, attempt),
		)

		start := time.Now()
		r.e.observer.OnStepStart(stepCtx, r.inst, name, attempt)
		val, err := fn(stepCtx)
		r.e.observer.OnStepCompleted(stepCtx, r.inst, name, attempt, err, time.Since(start))

		if err == nil {
			span.End()
			return val, attempt, nil
		}
		otelhelper.SetError(span, err, attribute.Int(otelhelper.StepAttemptKey, attempt))
		span.End()
		lastErr = err

		if attempt == maxAttempts {
			break
		}

		if backoff > 0 {
			delay := backoff
			if policy.MaxBackoff > 0 && delay > policy.MaxBackoff {
				delay = policy.MaxBackoff
			}
			if err := r.e.sleep(ctx, delay); err != nil {
				return nil, attempt, err
			}
			backoff = time.Duration(float64(backoff) * multiplier)
		}
	}
	return nil, maxAttempts, lastErr
}

func (r *run) WaitForEvent(ctx context.Context, name string, timeout time.Duration) (api.Event, error) {
	if r.suspended != "" {
		return api.Event{}, api.NewWaitForEventError(r.suspended)
	}
	if err := r.markSeen(api.KindEvent, name); err != nil {
		return api.Event{}, err
	}
	if rec, ok := r.inst.LookupStep(api.KindEvent, name); ok {
		var ev api.Event
		if err := json.Unmarshal(rec.Result, &ev); err != nil {
			return api.Event{}, fmt.Errorf("decode recorded event %q: %w", name, err)
		}
		return ev, nil
	}

	r.inst.Status = api.StatusWaiting
	r.inst.PendingWait = &api.PendingWait{
		EventName: name,
		Deadline:  r.e.now().Add(timeout),
	}
	if err := r.persist(ctx); err != nil {
		return api.Event{}, err
	}
	r.suspended = name

	r.e.record(ctx, r.inst, api.EventWorkflowWaiting, "", name)
	r.e.observer.OnWorkflowWaiting(ctx, r.inst, name)
	return api.Event{}, api.NewWaitForEventError(name)
}

func (r *run) markSeen(kind api.StepKind, name string) error {
	k := stepKey{kind, name}
	if r.seen[k] {
		return fmt.Errorf("%w: %s %q", api.ErrDuplicateStep, kind, name)
	}
	r.seen[k] = true
	return nil
}

// checkNotCancelled reloads the instance so a concurrent Cancel is observed
// before the next side effect runs.
func (r *run) checkNotCancelled(ctx context.Context) error {
	cur, err := r.e.instances.GetInstance(ctx, r.inst.ID)
	if err != nil {
		return err
	}
	if cur.Status == api.StatusCancelled {
		r.inst = cur
		return api.ErrCancelled
	}
	return nil
}

// persist writes r.inst with an optimistic version check.
func (r *run) persist(ctx context.Context) error {
	r.inst.UpdatedAt = r.e.now()
	err := r.e.instances.UpdateInstance(ctx, r.inst)
	if errors.Is(err, api.ErrVersionConflict) {
		cur, gerr := r.e.instances.GetInstance(ctx, r.inst.ID)
		if gerr == nil && cur.Status == api.StatusCancelled {
			r.inst = cur
			return api.ErrCancelled
		}
	}
	return err
}
