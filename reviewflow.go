package reviewflow

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/petrijr/reviewflow/internal/catalog"
	"github.com/petrijr/reviewflow/internal/engine"
	"github.com/petrijr/reviewflow/internal/submission"
	"github.com/petrijr/reviewflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	Catalog              = api.Catalog
	Definition           = api.Definition
	WorkflowInstance     = api.WorkflowInstance
	WorkflowType         = api.WorkflowType
	WorkflowEvent        = api.WorkflowEvent
	InstanceListOptions  = api.InstanceListOptions
	Event                = api.Event
	Status               = api.Status
	RetryPolicy          = api.RetryPolicy
	StepExecutionError   = api.StepExecutionError
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	// SubmissionStore is the database the review steps write statuses to.
	SubmissionStore = submission.Store
	// Enqueuer is the queue surface the review steps publish through.
	Enqueuer = catalog.Enqueuer
	Decision = catalog.Decision
	Payment  = catalog.Payment
	Result   = catalog.Result
)

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewMemorySubmissions = submission.NewMemoryStore
)

const (
	StatusRunning   = api.StatusRunning
	StatusWaiting   = api.StatusWaiting
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed
	StatusCancelled = api.StatusCancelled

	TypeContentReview     = api.TypeContentReview
	TypeListingReview     = api.TypeListingReview
	TypeVerification      = api.TypeVerification
	TypeExpertApplication = api.TypeExpertApplication

	EventApprovalDecision = catalog.EventApprovalDecision
	EventPaymentCompleted = catalog.EventPaymentCompleted
)

var (
	ErrUnknownWorkflowType = api.ErrUnknownWorkflowType
	ErrInvalidPayload      = api.ErrInvalidPayload
	ErrNotFound            = api.ErrNotFound
	ErrSignalMismatch      = api.ErrSignalMismatch
	ErrAlreadyActive       = api.ErrAlreadyActive
)

// NewCatalog returns the four review workflows wired to subs and q.
func NewCatalog(subs SubmissionStore, q Enqueuer) Catalog {
	return catalog.New(catalog.Deps{Submissions: subs, Queue: q})
}

// Engine constructors.
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
func NewInMemoryEngine(cat Catalog) Engine {
	return engine.NewInMemoryEngine(cat)
}

// NewSQLiteEngine returns an Engine that persists instances and history in
// a SQLite database.
func NewSQLiteEngine(db *sql.DB, cat Catalog) (Engine, error) {
	return engine.NewSQLiteEngine(db, cat)
}

// NewPostgresEngine returns an Engine that persists instances in PostgreSQL.
func NewPostgresEngine(ctx context.Context, pool *pgxpool.Pool, cat Catalog) (Engine, error) {
	return engine.NewPostgresEngine(ctx, pool, cat)
}

// NewRedisEngine returns an Engine that persists instances in Redis.
func NewRedisEngine(client *redis.Client, cat Catalog) Engine {
	return engine.NewRedisEngine(client, cat)
}

// Convenience helpers that just forward to the underlying Engine.

// Trigger starts a review of the named type.
func Trigger(ctx context.Context, eng Engine, name string, payload any) (*WorkflowInstance, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return eng.Create(ctx, name, raw)
}

// Decide delivers a reviewer's decision to a waiting review.
func Decide(ctx context.Context, eng Engine, id string, d Decision) (*WorkflowInstance, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return eng.Resume(ctx, id, Event{Name: EventApprovalDecision, Payload: raw})
}

// GetInstance fetches an instance by ID.
func GetInstance(ctx context.Context, eng Engine, id string) (*WorkflowInstance, error) {
	return eng.GetInstance(ctx, id)
}

// ListInstances lists workflow instances according to the given options.
func ListInstances(ctx context.Context, eng Engine, opts InstanceListOptions) ([]*WorkflowInstance, error) {
	return eng.ListInstances(ctx, opts)
}

// OutputOf decodes the Result of a completed review.
func OutputOf(inst *WorkflowInstance) (Result, error) {
	var r Result
	if len(inst.Output) == 0 {
		return r, nil
	}
	err := json.Unmarshal(inst.Output, &r)
	return r, err
}
