// Package queue is the producer side of the job and notification streams.
// Workflow steps enqueue through a Client; the messages are consumed by
// external workers (see package worker).
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/reviewflow/internal/taskqueue"
)

// Producer delivers a fully built message to a transport.
type Producer interface {
	Publish(ctx context.Context, m taskqueue.Message) error
}

// Client builds queue messages and hands them to a Producer.
type Client struct {
	producer Producer
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func NewClient(p Producer, opts ...Option) *Client {
	c := &Client{
		producer: p,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("module", "queue")
	return c
}

// IdempotencyKey is the key attached to every message produced by a
// workflow step: the workflow instance id and the message type.
func IdempotencyKey(workflowID, messageType string) string {
	return workflowID + ":" + messageType
}

// EnqueueJob appends a job message to the jobs topic.
func (c *Client) EnqueueJob(ctx context.Context, jobType string, payload any, idempotencyKey string) error {
	return c.enqueue(ctx, taskqueue.TopicJobs, jobType, payload, idempotencyKey)
}

// EnqueueNotification appends a message to the notifications topic.
func (c *Client) EnqueueNotification(ctx context.Context, notificationType string, payload any, idempotencyKey string) error {
	return c.enqueue(ctx, taskqueue.TopicNotifications, notificationType, payload, idempotencyKey)
}

// SignalRequest is the payload of a message on the signals topic.
type SignalRequest struct {
	WorkflowID string          `json:"workflowId"`
	Event      string          `json:"event"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// EnqueueSignal defers delivery of an event to a waiting instance, for
// producers such as payment webhooks that must not block on the engine.
func (c *Client) EnqueueSignal(ctx context.Context, workflowID, event string, payload json.RawMessage, idempotencyKey string) error {
	return c.enqueue(ctx, taskqueue.TopicSignals, MessageTypeSignal, SignalRequest{
		WorkflowID: workflowID,
		Event:      event,
		Payload:    payload,
	}, idempotencyKey)
}

// MessageTypeSignal is the type of every message on the signals topic.
const MessageTypeSignal = "signal"

func (c *Client) enqueue(ctx context.Context, topic taskqueue.Topic, typ string, payload any, key string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", typ, err)
	}

	m := taskqueue.Message{
		ID:             c.newID(),
		Topic:          topic,
		Type:           typ,
		Payload:        raw,
		Timestamp:      c.now(),
		IdempotencyKey: key,
	}
	err = c.producer.Publish(ctx, m)
	if errors.Is(err, taskqueue.ErrDuplicate) {
		// A replayed step produced the same message again.
		c.logger.DebugContext(ctx, "duplicate message dropped", "topic", topic, "type", typ, "key", key)
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s on %s: %w", typ, topic, err)
	}
	return nil
}

// QueueProducer publishes into a taskqueue.Queue (the SQLite outbox or the
// in-memory queue).
type QueueProducer struct {
	queue taskqueue.Queue
}

var _ Producer = (*QueueProducer)(nil)

func NewQueueProducer(q taskqueue.Queue) *QueueProducer {
	return &QueueProducer{queue: q}
}

func (p *QueueProducer) Publish(ctx context.Context, m taskqueue.Message) error {
	return p.queue.Enqueue(ctx, m)
}
