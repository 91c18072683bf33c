// Package sweep periodically resumes workflow instances whose waits have
// expired.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs the sweep every 30 seconds.
const DefaultSchedule = "@every 30s"

// Target is the part of the engine the sweeper drives.
type Target interface {
	SweepExpired(ctx context.Context, now time.Time) (int, error)
	Recover(ctx context.Context) (int, error)
}

// Sweeper runs Target.SweepExpired on a cron schedule. A tick that is still
// running when the next one fires is skipped.
type Sweeper struct {
	target   Target
	schedule string
	now      func() time.Time
	logger   *slog.Logger

	cron   *cron.Cron
	cancel context.CancelFunc
}

type Option func(*Sweeper)

// WithSchedule sets the cron spec, e.g. "@every 1m" or "*/5 * * * *".
func WithSchedule(spec string) Option { return func(s *Sweeper) { s.schedule = spec } }

func WithClock(now func() time.Time) Option { return func(s *Sweeper) { s.now = now } }

func WithLogger(logger *slog.Logger) Option { return func(s *Sweeper) { s.logger = logger } }

func New(target Target, opts ...Option) *Sweeper {
	s := &Sweeper{
		target:   target,
		schedule: DefaultSchedule,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("module", "sweep", "schedule", s.schedule)
	return s
}

// Validate checks the schedule without starting anything.
func (s *Sweeper) Validate() error {
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	return nil
}

// RunOnce performs a single sweep at the current time.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	n, err := s.target.SweepExpired(ctx, s.now())
	if n > 0 {
		s.logger.InfoContext(ctx, "expired waits resumed", "count", n)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "sweep failed", "error", err)
	}
	return n, err
}

// Start recovers instances left running by a previous process and then
// schedules the sweep. It returns once the schedule is installed.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.cron != nil {
		return errors.New("sweeper already started")
	}
	if err := s.Validate(); err != nil {
		return err
	}

	n, err := s.target.Recover(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "recovery failed", "error", err)
	} else if n > 0 {
		s.logger.InfoContext(ctx, "recovered running instances", "count", n)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	logger := cronLogger{s.logger}
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(logger),
		cron.Recover(logger),
	))
	if _, err := c.AddFunc(s.schedule, func() { _, _ = s.RunOnce(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule sweep: %w", err)
	}

	s.cron = c
	s.cancel = cancel
	c.Start()
	s.logger.InfoContext(ctx, "sweeper started")
	return nil
}

// Stop unschedules the sweep and waits for a running tick to finish or for
// ctx to expire.
func (s *Sweeper) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	done := s.cron.Stop()
	defer s.cancel()

	select {
	case <-done.Done():
		s.logger.InfoContext(ctx, "sweeper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
