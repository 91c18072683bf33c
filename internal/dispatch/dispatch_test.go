package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/reviewflow/internal/catalog"
	"github.com/petrijr/reviewflow/internal/engine"
	"github.com/petrijr/reviewflow/internal/persistence"
	"github.com/petrijr/reviewflow/internal/submission"
	"github.com/petrijr/reviewflow/internal/taskqueue"
	"github.com/petrijr/reviewflow/pkg/api"
	"github.com/petrijr/reviewflow/pkg/queue"
)

func newDispatcher(t *testing.T) (*Dispatcher, api.Engine, *bytes.Buffer) {
	t.Helper()
	cat := catalog.New(catalog.Deps{
		Submissions: submission.NewMemoryStore(),
		Queue:       queue.NewClient(queue.NewQueueProducer(taskqueue.NewInMemoryQueue(64))),
	})
	eng := engine.NewEngineWithConfig(engine.Config{
		Catalog:     cat,
		Persistence: persistence.NewInMemory(),
		Sleep:       func(ctx context.Context, d time.Duration) error { return nil },
	})
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return New(eng, cat, logger), eng, &logs
}

// recordingEngine counts store lookups and resumes.
type recordingEngine struct {
	api.Engine
	lookups int
	resumed []string
	inst    *api.WorkflowInstance
}

func (e *recordingEngine) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	e.lookups++
	if e.inst == nil || e.inst.ID != id {
		return nil, api.ErrNotFound
	}
	return e.inst, nil
}

func (e *recordingEngine) Resume(ctx context.Context, id string, ev api.Event) (*api.WorkflowInstance, error) {
	e.resumed = append(e.resumed, id+"/"+ev.Name)
	return e.inst, nil
}

func TestRoute_TaggedIDSkipsStore(t *testing.T) {
	eng := &recordingEngine{}
	d := New(eng, engine.NewRegistry().MustRegister(api.Definition{
		Type: api.TypeListingReview,
		Run:  func(ctx context.Context, run api.Run) (any, error) { return nil, nil },
	}), nil)

	typ, err := d.Route(context.Background(), "listing_review_0b4c")
	require.NoError(t, err)
	assert.Equal(t, api.TypeListingReview, typ)
	assert.Zero(t, eng.lookups)
}

func TestRoute_FallsBackToStore(t *testing.T) {
	eng := &recordingEngine{inst: &api.WorkflowInstance{ID: "legacy-42", Type: api.TypeContentReview, Status: api.StatusWaiting}}
	d := New(eng, engine.NewRegistry(), nil)
	ctx := context.Background()

	typ, err := d.Route(ctx, "legacy-42")
	require.NoError(t, err)
	assert.Equal(t, api.TypeContentReview, typ)
	assert.Equal(t, 1, eng.lookups)

	_, err = d.Signal(ctx, "legacy-42", "custom-event", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"legacy-42/custom-event"}, eng.resumed)

	_, err = d.Route(ctx, "unknown_tag_1")
	require.ErrorIs(t, err, api.ErrNotFound)
}

func TestSignal_DeliversDecision(t *testing.T) {
	d, eng, _ := newDispatcher(t)
	ctx := context.Background()

	inst, err := eng.Create(ctx, "content_review", json.RawMessage(`{"contentId":"c1","userId":"u1"}`))
	require.NoError(t, err)

	done, err := d.Signal(ctx, inst.ID, catalog.EventApprovalDecision, json.RawMessage(`{"approved":true,"reviewerId":"mod-1"}`))
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, done.Status)
}

func TestSignal_Errors(t *testing.T) {
	d, eng, logs := newDispatcher(t)
	ctx := context.Background()

	_, err := d.Signal(ctx, "content_review_missing", catalog.EventApprovalDecision, json.RawMessage(`{"approved":true}`))
	require.ErrorIs(t, err, api.ErrNotFound)

	inst, err := eng.Create(ctx, "verification", json.RawMessage(`{"requestId":"r1","userId":"u1"}`))
	require.NoError(t, err)

	_, err = d.Signal(ctx, inst.ID, catalog.EventApprovalDecision, json.RawMessage(`{"approved":true}`))
	require.ErrorIs(t, err, api.ErrSignalMismatch)
	assert.Contains(t, logs.String(), "signal does not match pending wait")
	assert.Contains(t, logs.String(), "level=WARN")

	_, err = d.Signal(ctx, inst.ID, catalog.EventPaymentCompleted, json.RawMessage(`{"paymentIntentId":"pi_1"}`))
	require.ErrorIs(t, err, ErrInvalidSignal)
	require.ErrorIs(t, err, api.ErrInvalidPayload)

	_, err = d.Signal(ctx, inst.ID, catalog.EventPaymentCompleted, json.RawMessage(`not json`))
	require.ErrorIs(t, err, ErrInvalidSignal)

	cur, err := eng.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, api.StatusWaiting, cur.Status, "rejected signals leave the wait in place")
}

func TestSignalPayment(t *testing.T) {
	d, eng, _ := newDispatcher(t)
	ctx := context.Background()

	inst, err := eng.Create(ctx, "business-verification", json.RawMessage(`{"requestId":"r7","userId":"u1"}`))
	require.NoError(t, err)

	_, err = d.SignalPayment(ctx, inst.ID, catalog.Payment{PaymentIntentID: "pi_9", Amount: 0, Currency: "usd"})
	require.ErrorIs(t, err, ErrInvalidSignal)
	_, err = d.SignalPayment(ctx, inst.ID, catalog.Payment{PaymentIntentID: "pi_9", Amount: 4900, Currency: "USD"})
	require.ErrorIs(t, err, ErrInvalidSignal)

	waiting, err := d.SignalPayment(ctx, inst.ID, catalog.Payment{PaymentIntentID: "pi_9", Amount: 4900, Currency: "usd"})
	require.NoError(t, err)
	assert.Equal(t, catalog.EventApprovalDecision, waiting.PendingWait.EventName)

	_, err = d.SignalPayment(ctx, inst.ID, catalog.Payment{PaymentIntentID: "pi_9", Amount: 4900, Currency: "usd"})
	require.ErrorIs(t, err, api.ErrSignalMismatch, "a redelivered webhook does not pay twice")
}

func TestSignal_IncompleteDecisionKeepsWaiting(t *testing.T) {
	d, eng, _ := newDispatcher(t)
	ctx := context.Background()

	inst, err := eng.Create(ctx, "content_review", json.RawMessage(`{"contentId":"c9","userId":"u1"}`))
	require.NoError(t, err)

	for _, body := range []string{`{}`, `null`, `{"approve":true}`} {
		_, err := d.Signal(ctx, inst.ID, catalog.EventApprovalDecision, json.RawMessage(body))
		require.ErrorIs(t, err, ErrInvalidSignal, body)
		require.ErrorIs(t, err, api.ErrInvalidPayload, body)
	}

	cur, err := eng.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, api.StatusWaiting, cur.Status)
	assert.Equal(t, catalog.EventApprovalDecision, cur.PendingWait.EventName)
	assert.Empty(t, cur.Output)
}
