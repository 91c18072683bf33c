package taskqueue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemoryQueue_EnqueueDequeueOrder(t *testing.T) {
	q := NewInMemoryQueue(0)
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		if err := q.Enqueue(ctx, Message{ID: id, Topic: TopicJobs, Type: "award-points"}); err != nil {
			t.Fatalf("Enqueue %s failed: %v", id, err)
		}
	}
	if err := q.Enqueue(ctx, Message{ID: "n", Topic: TopicNotifications, Type: "send-email"}); err != nil {
		t.Fatalf("Enqueue notification failed: %v", err)
	}

	if q.Len(TopicJobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", q.Len(TopicJobs))
	}
	if q.Len(TopicNotifications) != 1 {
		t.Fatalf("expected 1 notification, got %d", q.Len(TopicNotifications))
	}

	for _, want := range []string{"1", "2", "3"} {
		got, err := q.Dequeue(ctx, TopicJobs)
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if got.ID != want {
			t.Fatalf("expected %q, got %q", want, got.ID)
		}
	}

	if q.Len(TopicJobs) != 0 {
		t.Fatalf("expected Len 0 after dequeues, got %d", q.Len(TopicJobs))
	}
}

func TestInMemoryQueue_DropsDuplicateKeys(t *testing.T) {
	q := NewInMemoryQueue(8)
	ctx := context.Background()

	m := Message{Topic: TopicJobs, Type: "award-points", IdempotencyKey: "sub-1:award-points"}
	if err := q.Enqueue(ctx, m); err != nil {
		t.Fatalf("first Enqueue failed: %v", err)
	}
	if err := q.Enqueue(ctx, m); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	// Unkeyed messages are never deduplicated.
	for range 2 {
		if err := q.Enqueue(ctx, Message{Topic: TopicJobs, Type: "award-points"}); err != nil {
			t.Fatalf("unkeyed Enqueue failed: %v", err)
		}
	}
	if q.Len(TopicJobs) != 3 {
		t.Fatalf("expected 3 messages, got %d", q.Len(TopicJobs))
	}
}

func TestInMemoryQueue_DequeueHonorsContextCancellation(t *testing.T) {
	q := NewInMemoryQueue(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// No messages enqueued, Dequeue should return ctx error.
	_, err := q.Dequeue(ctx, TopicJobs)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestInMemoryQueue_FullTopicFailsFast(t *testing.T) {
	q := NewInMemoryQueue(1)
	if err := q.Enqueue(context.Background(), Message{Topic: TopicJobs}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	m := Message{Topic: TopicJobs, IdempotencyKey: "k"}
	done := make(chan error, 1)
	go func() { done <- q.Enqueue(context.Background(), m) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrQueueFull) {
			t.Fatalf("expected ErrQueueFull, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full topic")
	}

	// Other topics keep their own capacity.
	if err := q.Enqueue(context.Background(), Message{Topic: TopicNotifications}); err != nil {
		t.Fatalf("Enqueue on another topic failed: %v", err)
	}

	if _, err := q.Dequeue(context.Background(), TopicJobs); err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if err := q.Enqueue(context.Background(), m); err != nil {
		t.Fatalf("retry after a full topic failed: %v", err)
	}
}

func TestInMemoryQueue_EnqueueHonorsCancelledContext(t *testing.T) {
	q := NewInMemoryQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := Message{Topic: TopicJobs, IdempotencyKey: "k"}
	if err := q.Enqueue(ctx, m); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected Canceled, got %v", err)
	}
	if err := q.Enqueue(context.Background(), m); err != nil {
		t.Fatalf("key must not be claimed by a cancelled Enqueue: %v", err)
	}
}
