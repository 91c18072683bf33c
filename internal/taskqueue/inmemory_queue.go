package taskqueue

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryQueue is a Queue implementation backed by one buffered channel per
// topic. It is safe for concurrent use.
type InMemoryQueue struct {
	capacity int

	mu     sync.Mutex
	topics map[Topic]chan Message
	keys   map[string]struct{}
}

// NewInMemoryQueue creates a new queue with the given per-topic capacity.
// For tests and small deployments, a modest capacity (e.g. 1024) is fine.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryQueue{
		capacity: capacity,
		topics:   make(map[Topic]chan Message),
		keys:     make(map[string]struct{}),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) channel(topic Topic) chan Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.topics[topic]
	if !ok {
		ch = make(chan Message, q.capacity)
		q.topics[topic] = ch
	}
	return ch
}

// Enqueue never blocks: a full topic fails with ErrQueueFull so the caller's
// retry policy applies.
func (q *InMemoryQueue) Enqueue(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.IdempotencyKey != "" {
		q.mu.Lock()
		if _, dup := q.keys[m.IdempotencyKey]; dup {
			q.mu.Unlock()
			return ErrDuplicate
		}
		q.keys[m.IdempotencyKey] = struct{}{}
		q.mu.Unlock()
	}

	select {
	case q.channel(m.Topic) <- m:
		return nil
	default:
		if m.IdempotencyKey != "" {
			q.mu.Lock()
			delete(q.keys, m.IdempotencyKey)
			q.mu.Unlock()
		}
		return fmt.Errorf("%w: %s holds %d messages", ErrQueueFull, m.Topic, q.capacity)
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context, topic Topic) (*Message, error) {
	select {
	case m := <-q.channel(topic):
		return &m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *InMemoryQueue) Len(topic Topic) int {
	return len(q.channel(topic))
}
