package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/petrijr/reviewflow/internal/taskqueue"
	"github.com/petrijr/reviewflow/pkg/api"
	"github.com/petrijr/reviewflow/pkg/queue"
)

// Handler processes one queue message.
type Handler interface {
	Handle(ctx context.Context, m *taskqueue.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, m *taskqueue.Message) error

func (f HandlerFunc) Handle(ctx context.Context, m *taskqueue.Message) error { return f(ctx, m) }

// Config controls retries and deduplication.
type Config struct {
	// MaxAttempts is the number of handler attempts per message. Zero means 1.
	MaxAttempts int
	// Backoff is the delay before the second attempt; it doubles afterwards.
	Backoff time.Duration
	// Deduper drops messages whose idempotency key was already handled.
	// Nil uses an in-process MemoryDeduper.
	Deduper Deduper
	Logger  *slog.Logger
}

// Worker pulls messages for one topic from a Queue and hands them to a Handler.
type Worker struct {
	queue   taskqueue.Queue
	topic   taskqueue.Topic
	handler Handler
	cfg     Config
	logger  *slog.Logger
}

// New creates a new Worker with default settings.
func New(q taskqueue.Queue, topic taskqueue.Topic, h Handler) *Worker {
	return NewWithConfig(q, topic, h, Config{})
}

func NewWithConfig(q taskqueue.Queue, topic taskqueue.Topic, h Handler, cfg Config) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Deduper == nil {
		cfg.Deduper = NewMemoryDeduper()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:   q,
		topic:   topic,
		handler: h,
		cfg:     cfg,
		logger:  logger.With("module", "worker", "topic", string(topic)),
	}
}

// ProcessOne pulls a single message from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no message was obtained (ctx cancelled or dequeue error)
//   - processed == true: a message was taken off the queue; err reports whether
//     the handler eventually succeeded. Duplicates count as processed.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	m, err := w.queue.Dequeue(ctx, w.topic)
	if err != nil {
		return false, err
	}
	if m == nil {
		return false, nil
	}
	return true, w.process(ctx, m)
}

// Run calls ProcessOne until ctx is cancelled. Handler failures are logged
// and do not stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		processed, err := w.ProcessOne(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if !processed {
				return err
			}
			w.logger.ErrorContext(ctx, "message handling failed", "error", err)
		}
	}
}

// Consume reads messages for the worker's topic from a watermill subscriber
// until ctx is cancelled. Successfully handled messages are acked, failures
// are nacked for redelivery.
func (w *Worker) Consume(ctx context.Context, sub message.Subscriber) error {
	messages, err := sub.Subscribe(ctx, string(w.topic))
	if err != nil {
		return err
	}
	for msg := range messages {
		m, err := taskqueue.DecodeMessage(msg.Payload)
		if err != nil {
			// Poison message: redelivery would fail the same way.
			w.logger.ErrorContext(ctx, "dropping undecodable message", "message_id", msg.UUID, "error", err)
			msg.Ack()
			continue
		}
		if err := w.process(ctx, m); err != nil {
			w.logger.ErrorContext(ctx, "message handling failed", "message_id", m.ID, "error", err)
			msg.Nack()
			continue
		}
		msg.Ack()
	}
	return nil
}

func (w *Worker) process(ctx context.Context, m *taskqueue.Message) error {
	if m.IdempotencyKey != "" {
		first, err := w.cfg.Deduper.Claim(ctx, m.IdempotencyKey)
		if err != nil {
			return fmt.Errorf("claim %s: %w", m.IdempotencyKey, err)
		}
		if !first {
			w.logger.DebugContext(ctx, "duplicate message skipped", "type", m.Type, "key", m.IdempotencyKey)
			return nil
		}
	}

	err := w.handleWithRetry(ctx, m)
	if err != nil && m.IdempotencyKey != "" {
		// Let a redelivery try again.
		if rerr := w.cfg.Deduper.Release(ctx, m.IdempotencyKey); rerr != nil {
			w.logger.WarnContext(ctx, "release idempotency key failed", "key", m.IdempotencyKey, "error", rerr)
		}
	}
	return err
}

func (w *Worker) handleWithRetry(ctx context.Context, m *taskqueue.Message) error {
	backoff := w.cfg.Backoff
	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		lastErr = w.handler.Handle(ctx, m)
		if lastErr == nil {
			return nil
		}
		w.logger.WarnContext(ctx, "handler attempt failed",
			"type", m.Type, "message_id", m.ID, "attempt", attempt, "error", lastErr)

		if attempt == w.cfg.MaxAttempts || backoff <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("%s message %s failed after %d attempts: %w", m.Type, m.ID, w.cfg.MaxAttempts, lastErr)
}

// Signaler delivers an event to a waiting workflow instance.
type Signaler interface {
	Signal(ctx context.Context, workflowID, event string, payload json.RawMessage) (*api.WorkflowInstance, error)
}

// SignalHandler handles messages on the signals topic by dispatching them
// to s. Signals for missing, terminal or not-waiting instances are dropped,
// as are signals with invalid payloads: retrying them cannot succeed.
func SignalHandler(s Signaler, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return HandlerFunc(func(ctx context.Context, m *taskqueue.Message) error {
		if m.Type != queue.MessageTypeSignal {
			return fmt.Errorf("unexpected message type %q on signals topic", m.Type)
		}
		var req queue.SignalRequest
		if err := json.Unmarshal(m.Payload, &req); err != nil {
			return fmt.Errorf("decode signal request: %w", err)
		}

		_, err := s.Signal(ctx, req.WorkflowID, req.Event, req.Payload)
		if errors.Is(err, api.ErrNotFound) || errors.Is(err, api.ErrSignalMismatch) || errors.Is(err, api.ErrInvalidPayload) {
			logger.WarnContext(ctx, "queued signal dropped",
				"workflow_id", req.WorkflowID, "event", req.Event, "error", err)
			return nil
		}
		if api.IsStepExecutionError(err) {
			// The event was delivered; the step after it failed.
			return nil
		}
		return err
	})
}
