package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/reviewflow/internal/otelhelper"
	"github.com/petrijr/reviewflow/internal/persistence"
	"github.com/petrijr/reviewflow/pkg/api"
)

// engineImpl drives workflow functions by replaying them against the
// persisted step log. Execution is synchronous: Create and Resume return
// once the instance suspends, completes or fails.
type engineImpl struct {
	catalog   api.Catalog
	instances persistence.InstanceStore
	events    persistence.EventStore

	observer api.Observer
	logger   *slog.Logger
	tracer   trace.Tracer
	retry    api.RetryPolicy
	now      func() time.Time
	newID    func() string
	sleep    func(ctx context.Context, d time.Duration) error

	locks *instanceLocks
}

// Config describes how to construct an engine.
type Config struct {
	Catalog     api.Catalog
	Persistence persistence.Persistence
	Observer    api.Observer
	Logger      *slog.Logger
	Tracer      trace.Tracer

	// Retry is the default policy for Run.Step. Zero means
	// api.DefaultRetryPolicy.
	Retry api.RetryPolicy

	// Clock and IDFunc are overridable for tests.
	Clock  func() time.Time
	IDFunc func() string

	// Sleep waits between retry attempts. The default honours ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewInMemoryEngine(catalog api.Catalog) api.Engine {
	return NewEngineWithConfig(Config{
		Catalog:     catalog,
		Persistence: persistence.NewInMemory(),
	})
}

func NewSQLiteEngine(db *sql.DB, catalog api.Catalog) (api.Engine, error) {
	p, err := persistence.NewSQLite(db)
	if err != nil {
		return nil, err
	}
	return NewEngineWithConfig(Config{Catalog: catalog, Persistence: p}), nil
}

func NewPostgresEngine(ctx context.Context, pool *pgxpool.Pool, catalog api.Catalog) (api.Engine, error) {
	p, err := persistence.NewPostgres(ctx, pool)
	if err != nil {
		return nil, err
	}
	return NewEngineWithConfig(Config{Catalog: catalog, Persistence: p}), nil
}

// NewRedisEngine creates an engine that keeps instances and history in Redis.
func NewRedisEngine(client *redis.Client, catalog api.Catalog) api.Engine {
	return NewEngineWithConfig(Config{
		Catalog:     catalog,
		Persistence: persistence.NewRedis(client, "reviewflow:"),
	})
}

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	return newEngine(cfg)
}

func newEngine(cfg Config) *engineImpl {
	e := &engineImpl{
		catalog:   cfg.Catalog,
		instances: cfg.Persistence.Instances,
		events:    cfg.Persistence.Events,
		observer:  cfg.Observer,
		logger:    cfg.Logger,
		tracer:    cfg.Tracer,
		retry:     cfg.Retry,
		now:       cfg.Clock,
		newID:     cfg.IDFunc,
		sleep:     cfg.Sleep,
		locks:     newInstanceLocks(),
	}
	if e.catalog == nil {
		e.catalog = NewRegistry()
	}
	if e.instances == nil {
		e.instances = persistence.NewInMemoryStore()
	}
	if e.events == nil {
		e.events = persistence.NoopEventStore{}
	}
	if e.observer == nil {
		e.observer = api.NoopObserver{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("module", "engine")
	if e.tracer == nil {
		e.tracer = otelhelper.Tracer("reviewflow/engine")
	}
	if e.retry.MaxAttempts == 0 {
		e.retry = api.DefaultRetryPolicy
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if e.sleep == nil {
		e.sleep = sleepContext
	}
	return e
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *engineImpl) Create(ctx context.Context, typ string, payload json.RawMessage) (*api.WorkflowInstance, error) {
	def, ok := e.catalog.Lookup(typ)
	if !ok {
		return nil, fmt.Errorf("%w: %q", api.ErrUnknownWorkflowType, typ)
	}

	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", api.ErrInvalidPayload)
	}
	if def.ValidatePayload != nil {
		if err := def.ValidatePayload(payload); err != nil {
			if errors.Is(err, api.ErrInvalidPayload) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", api.ErrInvalidPayload, err)
		}
	}

	id := api.NewInstanceID(def.Type, e.newID())
	subject := id
	if def.SubjectKey != nil {
		key, err := def.SubjectKey(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", api.ErrInvalidPayload, err)
		}
		subject = key
	}

	now := e.now()
	inst := &api.WorkflowInstance{
		ID:         id,
		Type:       def.Type,
		SubjectKey: subject,
		Payload:    payload,
		Status:     api.StatusRunning,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	unlock := e.locks.lock(id)
	defer unlock()

	if existing, err := e.createInstance(ctx, inst); err != nil {
		return existing, err
	}

	e.record(ctx, inst, api.EventWorkflowStarted, "", inst.SubjectKey)
	e.observer.OnWorkflowStart(ctx, inst)

	return e.drive(ctx, def, inst)
}

// createInstance persists inst. When the subject already has an active
// instance it returns that instance alongside ErrAlreadyActive.
func (e *engineImpl) createInstance(ctx context.Context, inst *api.WorkflowInstance) (*api.WorkflowInstance, error) {
	// The active instance can finish between the failed insert and the
	// lookup, so retry a few times before giving up.
	for range 3 {
		err := e.instances.CreateInstance(ctx, inst)
		if !errors.Is(err, api.ErrAlreadyActive) {
			return nil, err
		}
		existing, ferr := e.instances.FindActive(ctx, inst.Type, inst.SubjectKey)
		if ferr == nil {
			return existing, fmt.Errorf("%w: %s", api.ErrAlreadyActive, existing.ID)
		}
		if !errors.Is(ferr, api.ErrNotFound) {
			return nil, ferr
		}
	}
	return nil, api.ErrAlreadyActive
}

func (e *engineImpl) Resume(ctx context.Context, id string, ev api.Event) (*api.WorkflowInstance, error) {
	return e.resume(ctx, id, ev, e.now())
}

func (e *engineImpl) resume(ctx context.Context, id string, ev api.Event, now time.Time) (*api.WorkflowInstance, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	inst, err := e.loadActive(ctx, id)
	if err != nil {
		return nil, err
	}

	pw := inst.PendingWait
	if inst.Status != api.StatusWaiting || pw == nil {
		return nil, fmt.Errorf("%w: %s is %s", api.ErrSignalMismatch, id, inst.Status)
	}
	if pw.EventName != ev.Name {
		return nil, fmt.Errorf("%w: %s is waiting on %q, got %q", api.ErrSignalMismatch, id, pw.EventName, ev.Name)
	}
	if ev.TimedOut && !pw.Expired(now) {
		return nil, fmt.Errorf("%w: %s wait on %q has not expired", api.ErrSignalMismatch, id, ev.Name)
	}

	def, ok := e.catalog.Lookup(string(inst.Type))
	if !ok {
		return nil, fmt.Errorf("%w: %q", api.ErrUnknownWorkflowType, inst.Type)
	}

	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = now
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}

	inst.StepLog = append(inst.StepLog, api.StepRecord{
		Name:        ev.Name,
		Kind:        api.KindEvent,
		Result:      raw,
		CompletedAt: now,
	})
	inst.PendingWait = nil
	inst.Status = api.StatusRunning
	inst.UpdatedAt = now

	if err := e.instances.UpdateInstance(ctx, inst); err != nil {
		if errors.Is(err, api.ErrVersionConflict) {
			// Another process resumed or cancelled it first.
			if _, lerr := e.loadActive(ctx, id); lerr != nil {
				return nil, lerr
			}
			return nil, fmt.Errorf("%w: %s was resumed concurrently", api.ErrSignalMismatch, id)
		}
		return nil, err
	}

	if ev.TimedOut {
		e.record(ctx, inst, api.EventWaitExpired, "", ev.Name)
	} else {
		e.record(ctx, inst, api.EventSignalReceived, "", ev.Name)
	}
	e.record(ctx, inst, api.EventWorkflowResumed, "", ev.Name)

	return e.drive(ctx, def, inst)
}

// loadActive fetches id and rejects terminal instances.
func (e *engineImpl) loadActive(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	inst, err := e.instances.GetInstance(ctx, id)
	if err != nil {
		if errors.Is(err, api.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", api.ErrNotFound, id)
		}
		return nil, err
	}
	if inst.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", api.ErrInstanceTerminal, id, inst.Status)
	}
	return inst, nil
}

// Cancel does not take the instance lock: it must be able to flip the status
// while a step is in flight. The executing run observes the change through
// its next version check.
func (e *engineImpl) Cancel(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	for {
		inst, err := e.loadActive(ctx, id)
		if err != nil {
			return nil, err
		}

		inst.Status = api.StatusCancelled
		inst.PendingWait = nil
		inst.UpdatedAt = e.now()

		err = e.instances.UpdateInstance(ctx, inst)
		if errors.Is(err, api.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		e.record(ctx, inst, api.EventWorkflowCancelled, "", "")
		e.logger.InfoContext(ctx, "workflow cancelled", "instance_id", id, "workflow", inst.Type)
		return inst, nil
	}
}

func (e *engineImpl) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	inst, err := e.instances.GetInstance(ctx, id)
	if err != nil {
		if errors.Is(err, api.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", api.ErrNotFound, id)
		}
		return nil, err
	}
	return inst, nil
}

func (e *engineImpl) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.WorkflowInstance, error) {
	return e.instances.ListInstances(ctx, persistence.InstanceFilter{
		Type:       opts.Type,
		Status:     opts.Status,
		SubjectKey: opts.SubjectKey,
	})
}

func (e *engineImpl) History(ctx context.Context, id string) ([]api.WorkflowEvent, error) {
	if _, err := e.GetInstance(ctx, id); err != nil {
		return nil, err
	}
	return e.events.ListEvents(ctx, id)
}

// sweepExpiredPayload is the payload of the synthetic timeout event.
var sweepExpiredPayload = json.RawMessage(`{"reason":"deadline exceeded"}`)

func (e *engineImpl) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := e.instances.ListExpiredWaits(ctx, now)
	if err != nil {
		return 0, err
	}

	var (
		resumed int
		errs    []error
	)
	for _, inst := range expired {
		ev := api.Event{
			Name:       inst.PendingWait.EventName,
			Payload:    sweepExpiredPayload,
			ReceivedAt: now,
			TimedOut:   true,
		}
		_, err := e.resume(ctx, inst.ID, ev, now)
		switch {
		case err == nil:
			resumed++
		case api.IsStepExecutionError(err):
			// The timeout was delivered; the branch it took failed.
			resumed++
			e.logger.WarnContext(ctx, "timeout branch failed", "instance_id", inst.ID, "error", err)
		case errors.Is(err, api.ErrNotFound), errors.Is(err, api.ErrSignalMismatch):
			// A signal or cancel got there first.
			e.logger.DebugContext(ctx, "sweep lost race", "instance_id", inst.ID, "error", err)
		default:
			errs = append(errs, fmt.Errorf("sweep %s: %w", inst.ID, err))
		}
	}
	return resumed, errors.Join(errs...)
}

func (e *engineImpl) Recover(ctx context.Context) (int, error) {
	stuck, err := e.instances.ListInstances(ctx, persistence.InstanceFilter{Status: api.StatusRunning})
	if err != nil {
		return 0, err
	}

	var (
		recovered int
		errs      []error
	)
	for _, candidate := range stuck {
		ok, err := e.recoverOne(ctx, candidate.ID)
		if ok {
			recovered++
		}
		if err != nil && !api.IsStepExecutionError(err) {
			errs = append(errs, fmt.Errorf("recover %s: %w", candidate.ID, err))
		}
	}
	return recovered, errors.Join(errs...)
}

func (e *engineImpl) recoverOne(ctx context.Context, id string) (bool, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	inst, err := e.instances.GetInstance(ctx, id)
	if err != nil {
		return false, err
	}
	if inst.Status != api.StatusRunning {
		return false, nil
	}
	def, ok := e.catalog.Lookup(string(inst.Type))
	if !ok {
		return false, fmt.Errorf("%w: %q", api.ErrUnknownWorkflowType, inst.Type)
	}

	e.logger.InfoContext(ctx, "recovering instance", "instance_id", id, "workflow", inst.Type, "steps", len(inst.StepLog))
	_, err = e.drive(ctx, def, inst)
	return true, err
}

// drive replays def against inst until it suspends, completes or fails.
// The caller must hold the instance lock.
func (e *engineImpl) drive(ctx context.Context, def api.Definition, inst *api.WorkflowInstance) (*api.WorkflowInstance, error) {
	// A client disconnect must not strand a half-executed instance.
	ctx = context.WithoutCancel(ctx)

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "workflow.execute",
		attribute.String(otelhelper.InstanceIDKey, inst.ID),
		attribute.String(otelhelper.WorkflowTypeKey, string(inst.Type)),
		attribute.String(otelhelper.SubjectKey, inst.SubjectKey),
	)
	defer span.End()

	r := newRun(e, inst)
	out, runErr := def.Run(ctx, r)
	inst = r.inst

	if r.suspended != "" {
		return inst, nil
	}
	if name, ok := api.IsWaitForEventError(runErr); ok {
		// Parking failed to persist; treat like any other failure below.
		runErr = fmt.Errorf("suspend on %q: %w", name, runErr)
	}

	switch {
	case errors.Is(runErr, api.ErrCancelled):
		return inst, nil
	case errors.Is(runErr, api.ErrVersionConflict):
		otelhelper.SetError(span, runErr)
		return inst, runErr
	case runErr != nil:
		otelhelper.SetError(span, runErr)
		return e.fail(ctx, inst, runErr)
	}

	output, err := json.Marshal(out)
	if err != nil {
		return e.fail(ctx, inst, fmt.Errorf("encode output: %w", err))
	}
	inst.Output = output
	inst.Status = api.StatusCompleted
	inst.UpdatedAt = e.now()

	if err := r.persist(ctx); err != nil {
		if errors.Is(err, api.ErrCancelled) {
			return r.inst, nil
		}
		return inst, err
	}

	e.record(ctx, inst, api.EventWorkflowCompleted, "", "")
	e.observer.OnWorkflowCompleted(ctx, inst)
	return inst, nil
}

func (e *engineImpl) fail(ctx context.Context, inst *api.WorkflowInstance, cause error) (*api.WorkflowInstance, error) {
	inst.Status = api.StatusFailed
	inst.PendingWait = nil
	inst.Error = cause.Error()
	inst.UpdatedAt = e.now()

	if err := e.instances.UpdateInstance(ctx, inst); err != nil {
		if errors.Is(err, api.ErrVersionConflict) {
			if cur, gerr := e.instances.GetInstance(ctx, inst.ID); gerr == nil && cur.Status == api.StatusCancelled {
				return cur, nil
			}
		}
		return inst, errors.Join(cause, err)
	}

	e.record(ctx, inst, api.EventWorkflowFailed, "", inst.Error)
	e.observer.OnWorkflowFailed(ctx, inst, cause)
	return inst, cause
}

// record appends to the history store. History is best-effort: a failed
// append is logged and never fails the workflow.
func (e *engineImpl) record(ctx context.Context, inst *api.WorkflowInstance, typ api.EventType, step, detail string) {
	err := e.events.AppendEvent(ctx, api.WorkflowEvent{
		InstanceID:   inst.ID,
		At:           e.now(),
		Type:         typ,
		WorkflowType: inst.Type,
		Step:         step,
		Detail:       detail,
	})
	if err != nil {
		e.logger.WarnContext(ctx, "append history event failed",
			"instance_id", inst.ID, "event", typ, "error", err)
	}
}
