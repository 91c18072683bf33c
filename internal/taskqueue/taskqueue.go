package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Topic names a logical stream of messages.
type Topic string

const (
	TopicJobs          Topic = "jobs"
	TopicNotifications Topic = "notifications"
	TopicSignals       Topic = "signals"
)

// Message is one queued unit of work for an external consumer.
type Message struct {
	ID    string `json:"id"`
	Topic Topic  `json:"topic"`

	// Type tells the consumer what to do, e.g. "send-email" or "award-points".
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`

	// IdempotencyKey lets consumers drop duplicates produced by a replayed
	// step. Empty keys are never deduplicated.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// ErrDuplicate is returned by Enqueue when a message with the same
// idempotency key was accepted before.
var ErrDuplicate = errors.New("taskqueue: duplicate idempotency key")

// ErrQueueFull is returned by bounded queues when a topic has no room left.
var ErrQueueFull = errors.New("taskqueue: topic is full")

// Queue is a simple async message queue interface.
type Queue interface {
	// Enqueue adds a message to its topic. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, m Message) error

	// Dequeue removes and returns the next message on topic, blocking until
	// one is available or the context is cancelled.
	Dequeue(ctx context.Context, topic Topic) (*Message, error)

	// Len returns the approximate number of undelivered messages on topic.
	Len(topic Topic) int
}
