package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/reviewflow/internal/taskqueue"
	"github.com/petrijr/reviewflow/pkg/api"
	"github.com/petrijr/reviewflow/pkg/queue"
)

// sliceQueue is a Queue without its own key deduplication, standing in for
// at-least-once transports.
type sliceQueue struct {
	mu   sync.Mutex
	msgs []taskqueue.Message
}

func (q *sliceQueue) Enqueue(ctx context.Context, m taskqueue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, m)
	return nil
}

func (q *sliceQueue) Dequeue(ctx context.Context, topic taskqueue.Topic) (*taskqueue.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.msgs {
		if m.Topic == topic {
			q.msgs = append(q.msgs[:i], q.msgs[i+1:]...)
			return &m, nil
		}
	}
	return nil, context.DeadlineExceeded
}

func (q *sliceQueue) Len(topic taskqueue.Topic) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, m := range q.msgs {
		if m.Topic == topic {
			n++
		}
	}
	return n
}

func job(key string) taskqueue.Message {
	return taskqueue.Message{ID: key + "-id", Topic: taskqueue.TopicJobs, Type: "award-points", IdempotencyKey: key}
}

func TestWorker_SkipsDuplicateKeys(t *testing.T) {
	ctx := context.Background()
	q := &sliceQueue{}
	for _, m := range []taskqueue.Message{job("sub-1:award-points"), job("sub-1:award-points"), job("sub-2:award-points")} {
		_ = q.Enqueue(ctx, m)
	}

	var handled []string
	w := New(q, taskqueue.TopicJobs, HandlerFunc(func(ctx context.Context, m *taskqueue.Message) error {
		handled = append(handled, m.IdempotencyKey)
		return nil
	}))

	for range 3 {
		processed, err := w.ProcessOne(ctx)
		if err != nil || !processed {
			t.Fatalf("ProcessOne = %v, %v", processed, err)
		}
	}

	if len(handled) != 2 || handled[0] != "sub-1:award-points" || handled[1] != "sub-2:award-points" {
		t.Fatalf("unexpected handled keys: %v", handled)
	}
}

func TestWorker_RetriesHandler(t *testing.T) {
	ctx := context.Background()
	q := &sliceQueue{}
	_ = q.Enqueue(ctx, job("k"))

	var calls int32
	w := NewWithConfig(q, taskqueue.TopicJobs, HandlerFunc(func(ctx context.Context, m *taskqueue.Message) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("points service unavailable")
		}
		return nil
	}), Config{MaxAttempts: 3, Backoff: time.Millisecond})

	processed, err := w.ProcessOne(ctx)
	if err != nil || !processed {
		t.Fatalf("ProcessOne = %v, %v", processed, err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestWorker_FailedMessageReleasesKey(t *testing.T) {
	ctx := context.Background()
	q := &sliceQueue{}
	_ = q.Enqueue(ctx, job("k"))
	_ = q.Enqueue(ctx, job("k"))

	fail := true
	var calls int
	w := NewWithConfig(q, taskqueue.TopicJobs, HandlerFunc(func(ctx context.Context, m *taskqueue.Message) error {
		calls++
		if fail {
			return errors.New("smtp down")
		}
		return nil
	}), Config{MaxAttempts: 2})

	processed, err := w.ProcessOne(ctx)
	if !processed || err == nil {
		t.Fatalf("expected processed failure, got %v, %v", processed, err)
	}

	fail = false
	if _, err := w.ProcessOne(ctx); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 2 failed attempts and 1 redelivery, got %d calls", calls)
	}
}

func TestWorker_ProcessOneHonorsContextCancellation(t *testing.T) {
	q := taskqueue.NewInMemoryQueue(1)
	w := New(q, taskqueue.TopicJobs, HandlerFunc(func(ctx context.Context, m *taskqueue.Message) error { return nil }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	processed, err := w.ProcessOne(ctx)
	if processed || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected no processing and DeadlineExceeded, got %v, %v", processed, err)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	q := taskqueue.NewInMemoryQueue(4)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	w := New(q, taskqueue.TopicNotifications, HandlerFunc(func(ctx context.Context, m *taskqueue.Message) error {
		close(done)
		return nil
	}))

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	if err := q.Enqueue(context.Background(), taskqueue.Message{Topic: taskqueue.TopicNotifications, Type: "notify-reviewers"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	<-done
	cancel()

	if err := <-errCh; err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

type fakeSignaler struct {
	err  error
	got  []string
	body json.RawMessage
}

func (s *fakeSignaler) Signal(ctx context.Context, workflowID, event string, payload json.RawMessage) (*api.WorkflowInstance, error) {
	s.got = append(s.got, workflowID+"/"+event)
	s.body = payload
	return nil, s.err
}

func signalMessage(t *testing.T) *taskqueue.Message {
	t.Helper()
	raw, err := json.Marshal(queue.SignalRequest{
		WorkflowID: "verification_1",
		Event:      "payment-completed",
		Payload:    json.RawMessage(`{"amount":4900}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	return &taskqueue.Message{Topic: taskqueue.TopicSignals, Type: queue.MessageTypeSignal, Payload: raw}
}

func TestSignalHandler(t *testing.T) {
	ctx := context.Background()

	s := &fakeSignaler{}
	if err := SignalHandler(s, nil).Handle(ctx, signalMessage(t)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(s.got) != 1 || s.got[0] != "verification_1/payment-completed" || string(s.body) != `{"amount":4900}` {
		t.Fatalf("unexpected dispatch: %v %s", s.got, s.body)
	}

	for _, dropped := range []error{api.ErrNotFound, api.ErrSignalMismatch, api.ErrInvalidPayload, &api.StepExecutionError{Step: "record-payment", Attempts: 1, Err: errors.New("x")}} {
		s := &fakeSignaler{err: dropped}
		if err := SignalHandler(s, nil).Handle(ctx, signalMessage(t)); err != nil {
			t.Fatalf("expected %v to be dropped, got %v", dropped, err)
		}
	}

	boom := errors.New("store down")
	if err := SignalHandler(&fakeSignaler{err: boom}, nil).Handle(ctx, signalMessage(t)); !errors.Is(err, boom) {
		t.Fatalf("expected transient error to propagate, got %v", err)
	}

	wrong := signalMessage(t)
	wrong.Type = "award-points"
	if err := SignalHandler(&fakeSignaler{}, nil).Handle(ctx, wrong); err == nil {
		t.Fatalf("expected error for wrong message type")
	}
}

func TestWorker_ConsumeFromWatermill(t *testing.T) {
	pubSub := queue.NewGoChannel(nil)
	t.Cleanup(func() { _ = pubSub.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handled := make(chan string, 4)
	w := New(nil, taskqueue.TopicJobs, HandlerFunc(func(ctx context.Context, m *taskqueue.Message) error {
		handled <- m.IdempotencyKey
		return nil
	}))

	consumeDone := make(chan error, 1)
	go func() { consumeDone <- w.Consume(ctx, pubSub) }()

	producer := queue.NewWatermillProducer(pubSub)
	for _, key := range []string{"a:award-points", "a:award-points", "b:award-points"} {
		m := job(key)
		m.ID = key + time.Now().Format(time.RFC3339Nano)
		if err := producer.Publish(ctx, m); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	// The persistent GoChannel replays messages published before Subscribe.
	// Delivery order is not guaranteed.
	var got []string
	for len(got) < 2 {
		select {
		case key := <-handled:
			got = append(got, key)
		case <-ctx.Done():
			t.Fatalf("timed out, handled %v", got)
		}
	}
	sort.Strings(got)
	if got[0] != "a:award-points" || got[1] != "b:award-points" {
		t.Fatalf("unexpected handled keys: %v", got)
	}

	select {
	case extra := <-handled:
		t.Fatalf("duplicate handled: %s", extra)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	if err := <-consumeDone; err != nil {
		t.Fatalf("Consume returned %v", err)
	}
}
