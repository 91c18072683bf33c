package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gofiber/fiber/v3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"github.com/petrijr/reviewflow/internal/catalog"
	"github.com/petrijr/reviewflow/internal/config"
	"github.com/petrijr/reviewflow/internal/dispatch"
	"github.com/petrijr/reviewflow/internal/engine"
	"github.com/petrijr/reviewflow/internal/httpapi"
	"github.com/petrijr/reviewflow/internal/otelhelper"
	"github.com/petrijr/reviewflow/internal/persistence"
	"github.com/petrijr/reviewflow/internal/submission"
	"github.com/petrijr/reviewflow/internal/sweep"
	"github.com/petrijr/reviewflow/internal/taskqueue"
	"github.com/petrijr/reviewflow/pkg/api"
	"github.com/petrijr/reviewflow/pkg/queue"
	"github.com/petrijr/reviewflow/pkg/worker"
)

const shutdownTimeout = 10 * time.Second

// app owns every long-lived component of the daemon.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	engine  api.Engine
	metrics *api.BasicMetrics
	subs    submission.Store
	queue   *queue.Client
	signals *dispatch.Dispatcher
	sweeper *sweep.Sweeper
	worker  *worker.Worker
	server  *httpapi.Server

	// tasks is set for the memory and sqlite queue backends, subscriber for
	// the watermill ones.
	tasks      taskqueue.Queue
	subscriber message.Subscriber

	sqlite map[string]*sql.DB
	pools  map[string]*pgxpool.Pool
	redis  *redis.Client

	pings   []func(ctx context.Context) error
	closers []func(ctx context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: &api.BasicMetrics{},
		sqlite:  map[string]*sql.DB{},
		pools:   map[string]*pgxpool.Pool{},
	}
	built := false
	defer func() {
		if !built {
			a.Close(context.WithoutCancel(ctx))
		}
	}()

	var tracer trace.Tracer
	if cfg.Tracing.Enabled {
		t, shutdown, err := otelhelper.NewTracer(ctx, cfg.Tracing.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		tracer = t
		a.closers = append(a.closers, shutdown)
	}

	p, err := a.persistence(ctx)
	if err != nil {
		return nil, err
	}
	if a.subs, err = a.submissions(ctx); err != nil {
		return nil, err
	}
	producer, err := a.producer()
	if err != nil {
		return nil, err
	}
	a.queue = queue.NewClient(producer, queue.WithLogger(logger))

	cat := catalog.New(catalog.Deps{Submissions: a.subs, Queue: a.queue})
	a.engine = engine.NewEngineWithConfig(engine.Config{
		Catalog:     cat,
		Persistence: p,
		Observer:    api.NewCompositeObserver(api.NewLoggingObserver(logger), a.metrics),
		Logger:      logger,
		Tracer:      tracer,
		Retry: api.RetryPolicy{
			MaxAttempts:       cfg.Retry.MaxAttempts,
			InitialBackoff:    cfg.Retry.InitialBackoff(),
			MaxBackoff:        cfg.Retry.MaxBackoff(),
			BackoffMultiplier: cfg.Retry.Multiplier,
		},
	})
	a.signals = dispatch.New(a.engine, cat, logger)

	if cfg.Worker.Enabled {
		if a.worker, err = a.signalWorker(); err != nil {
			return nil, err
		}
	}
	if cfg.Sweep.Enabled {
		a.sweeper = sweep.New(a.engine, sweep.WithSchedule(cfg.Sweep.Schedule), sweep.WithLogger(logger))
	}

	deps := httpapi.Deps{
		Engine:      a.engine,
		Signals:     a.signals,
		Submissions: a.subs,
		Ready:       a.ready,
		Logger:      logger,
		AccessLog:   cfg.Server.AccessLog,
	}
	if a.worker != nil {
		deps.DeferredPayments = a.queue
	}
	a.server = httpapi.New(deps)
	built = true
	return a, nil
}

func (a *app) openSQLite(path string) (*sql.DB, error) {
	if db, ok := a.sqlite[path]; ok {
		return db, nil
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	a.sqlite[path] = db
	a.pings = append(a.pings, db.PingContext)
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })
	return db, nil
}

func (a *app) openPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if pool, ok := a.pools[dsn]; ok {
		return pool, nil
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	a.pools[dsn] = pool
	a.pings = append(a.pings, pool.Ping)
	a.closers = append(a.closers, func(context.Context) error { pool.Close(); return nil })
	return pool, nil
}

func (a *app) redisClient() *redis.Client {
	if a.redis == nil {
		client := redis.NewClient(&redis.Options{Addr: a.cfg.Store.RedisAddr})
		a.redis = client
		a.pings = append(a.pings, func(ctx context.Context) error { return client.Ping(ctx).Err() })
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	}
	return a.redis
}

func (a *app) persistence(ctx context.Context) (persistence.Persistence, error) {
	switch a.cfg.Store.Backend {
	case "memory":
		return persistence.NewInMemory(), nil
	case "sqlite":
		db, err := a.openSQLite(a.cfg.Store.SQLitePath)
		if err != nil {
			return persistence.Persistence{}, err
		}
		return persistence.NewSQLite(db)
	case "redis":
		return persistence.NewRedis(a.redisClient(), a.cfg.Store.RedisPrefix), nil
	case "postgres":
		pool, err := a.openPostgres(ctx, a.cfg.Store.PostgresDSN)
		if err != nil {
			return persistence.Persistence{}, err
		}
		return persistence.NewPostgres(ctx, pool)
	default:
		return persistence.Persistence{}, fmt.Errorf("unknown store backend %q", a.cfg.Store.Backend)
	}
}

func (a *app) submissions(ctx context.Context) (submission.Store, error) {
	if a.cfg.Submissions.Backend != "postgres" {
		return submission.NewMemoryStore(), nil
	}
	pool, err := a.openPostgres(ctx, a.cfg.SubmissionsDSN())
	if err != nil {
		return nil, err
	}
	store := submission.NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("submissions schema: %w", err)
	}
	return store, nil
}

func (a *app) producer() (queue.Producer, error) {
	qc := a.cfg.Queue
	switch qc.Backend {
	case "memory":
		a.tasks = taskqueue.NewInMemoryQueue(qc.Capacity)
		return queue.NewQueueProducer(a.tasks), nil
	case "sqlite":
		db, err := a.openSQLite(qc.SQLitePath)
		if err != nil {
			return nil, err
		}
		q, err := taskqueue.NewSQLiteQueue(db)
		if err != nil {
			return nil, err
		}
		a.tasks = q
		return queue.NewQueueProducer(q), nil
	case "gochannel":
		pubsub := queue.NewGoChannel(a.logger)
		a.subscriber = pubsub
		a.closers = append(a.closers, func(context.Context) error { return pubsub.Close() })
		return queue.NewWatermillProducer(pubsub), nil
	case "kafka":
		pub, err := queue.NewKafkaPublisher(qc.KafkaBrokers, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return pub.Close() })
		if a.cfg.Worker.Enabled {
			sub, err := queue.NewKafkaSubscriber(qc.KafkaBrokers, qc.KafkaGroup, a.logger)
			if err != nil {
				return nil, err
			}
			a.subscriber = sub
			a.closers = append(a.closers, func(context.Context) error { return sub.Close() })
		}
		return queue.NewWatermillProducer(pub), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", qc.Backend)
	}
}

func (a *app) signalWorker() (*worker.Worker, error) {
	var deduper worker.Deduper
	switch a.cfg.Worker.DedupeBackend {
	case "redis":
		deduper = worker.NewRedisDeduper(a.redisClient(), a.cfg.Store.RedisPrefix+"dedupe:", a.cfg.Worker.DedupeTTL())
	default:
		deduper = worker.NewMemoryDeduper()
	}
	return worker.NewWithConfig(a.tasks, taskqueue.TopicSignals, worker.SignalHandler(a.signals, a.logger), worker.Config{
		MaxAttempts: a.cfg.Worker.MaxAttempts,
		Backoff:     a.cfg.Retry.InitialBackoff(),
		Deduper:     deduper,
		Logger:      a.logger,
	}), nil
}

func (a *app) ready(ctx context.Context) error {
	var errs []error
	for _, ping := range a.pings {
		errs = append(errs, ping(ctx))
	}
	return errors.Join(errs...)
}

// SweepOnce runs a single expired-wait sweep.
func (a *app) SweepOnce(ctx context.Context) (int, error) {
	return sweep.New(a.engine, sweep.WithLogger(a.logger)).RunOnce(ctx)
}

// Run starts the background components and serves the control API until
// ctx is cancelled, then shuts everything down.
func (a *app) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.Bind)
	if err != nil {
		a.Close(context.WithoutCancel(ctx))
		return fmt.Errorf("listen %s: %w", a.cfg.Server.Bind, err)
	}
	return a.serve(ctx, ln)
}

func (a *app) serve(ctx context.Context, ln net.Listener) error {
	bgCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		a.Close(context.WithoutCancel(ctx))
	}()

	if a.sweeper != nil {
		if err := a.sweeper.Start(bgCtx); err != nil {
			return err
		}
		defer func() {
			stopCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer stop()
			if err := a.sweeper.Stop(stopCtx); err != nil {
				a.logger.Warn("sweeper did not stop in time", "error", err)
			}
		}()
	}

	if a.worker != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			if a.subscriber != nil {
				err = a.worker.Consume(bgCtx, a.subscriber)
			} else {
				err = a.worker.Run(bgCtx)
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("signal worker stopped", "error", err)
			}
		}()
	}

	fiberApp := a.server.App()
	errCh := make(chan error, 1)
	go func() {
		errCh <- fiberApp.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true})
	}()
	a.logger.InfoContext(ctx, "reviewflowd listening", "addr", ln.Addr().String(),
		"store", a.cfg.Store.Backend, "queue", a.cfg.Queue.Backend)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer stop()
	if err := fiberApp.ShutdownWithContext(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http: %w", err)
	}
	snap := a.metrics.Snapshot()
	a.logger.Info("reviewflowd stopped",
		"workflows_started", snap.WorkflowsStarted, "workflows_completed", snap.WorkflowsCompleted)
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.WarnContext(ctx, "close failed", "error", err)
		}
	}
	a.closers = nil
}
