package reviewflow

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/petrijr/reviewflow/internal/dispatch"
	"github.com/petrijr/reviewflow/internal/engine"
	"github.com/petrijr/reviewflow/internal/taskqueue"
	"github.com/petrijr/reviewflow/pkg/queue"
	workerpkg "github.com/petrijr/reviewflow/pkg/worker"
)

// Bundle wires together an Engine, a task queue that receives the review
// steps' jobs and notifications, and a Worker that delivers signals queued
// on the same queue.
type Bundle struct {
	Engine      Engine
	Submissions SubmissionStore
	Queue       *queue.Client
	Signals     *dispatch.Dispatcher
	Worker      *workerpkg.Worker

	tasks taskqueue.Queue
}

// NewSQLiteBundle constructs a durable Engine + Queue + Worker combo sharing
// the same SQLite database. Workflow instances and queued messages are
// persisted in the provided *sql.DB.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:reviewflow.db?_journal=WAL")
//	bundle, err := reviewflow.NewSQLiteBundle(db, subs, worker.Config{MaxAttempts: 3})
//	inst, err := reviewflow.Trigger(ctx, bundle.Engine, "content", payload)
//	err = bundle.EnqueueSignal(ctx, inst.ID, reviewflow.EventApprovalDecision, decision)
//	_, err = bundle.Worker.ProcessOne(ctx)
func NewSQLiteBundle(db *sql.DB, subs SubmissionStore, cfg workerpkg.Config) (*Bundle, error) {
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	client := newQueueClient(q, cfg)
	cat := NewCatalog(subs, client)

	eng, err := NewSQLiteEngine(db, cat)
	if err != nil {
		return nil, err
	}
	return newBundle(eng, cat, subs, client, q, cfg), nil
}

// NewInMemoryBundle is NewSQLiteBundle without durability, for tests and
// local development.
func NewInMemoryBundle(subs SubmissionStore, cfg workerpkg.Config) *Bundle {
	q := taskqueue.NewInMemoryQueue(1024)
	client := newQueueClient(q, cfg)
	cat := NewCatalog(subs, client)
	return newBundle(engine.NewInMemoryEngine(cat), cat, subs, client, q, cfg)
}

func newBundle(eng Engine, cat Catalog, subs SubmissionStore, client *queue.Client, q taskqueue.Queue, cfg workerpkg.Config) *Bundle {
	signals := dispatch.New(eng, cat, cfg.Logger)
	return &Bundle{
		Engine:      eng,
		Submissions: subs,
		Queue:       client,
		Signals:     signals,
		Worker:      workerpkg.NewWithConfig(q, taskqueue.TopicSignals, workerpkg.SignalHandler(signals, cfg.Logger), cfg),
		tasks:       q,
	}
}

func newQueueClient(q taskqueue.Queue, cfg workerpkg.Config) *queue.Client {
	var opts []queue.Option
	if cfg.Logger != nil {
		opts = append(opts, queue.WithLogger(cfg.Logger))
	}
	return queue.NewClient(queue.NewQueueProducer(q), opts...)
}

// EnqueueSignal queues event for workflowID; the bundle's Worker delivers it.
func (b *Bundle) EnqueueSignal(ctx context.Context, workflowID, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return b.Queue.EnqueueSignal(ctx, workflowID, event, raw, queue.IdempotencyKey(workflowID, event))
}

// PendingJobs returns the number of undelivered award-points jobs.
func (b *Bundle) PendingJobs() int { return b.tasks.Len(taskqueue.TopicJobs) }

// PendingNotifications returns the number of undelivered notifications.
func (b *Bundle) PendingNotifications() int { return b.tasks.Len(taskqueue.TopicNotifications) }
