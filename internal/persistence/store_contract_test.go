package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/reviewflow/pkg/api"
)

var testNow = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestInstance(id string, typ api.WorkflowType, subject string) *api.WorkflowInstance {
	return &api.WorkflowInstance{
		ID:         id,
		Type:       typ,
		SubjectKey: subject,
		Payload:    json.RawMessage(`{"contentId":"` + subject + `"}`),
		Status:     api.StatusRunning,
		CreatedAt:  testNow,
		UpdatedAt:  testNow,
	}
}

// runInstanceStoreContract exercises the behavior every InstanceStore must
// share. newStore must return an empty store.
func runInstanceStoreContract(t *testing.T, newStore func(t *testing.T) InstanceStore) {
	t.Run("CreateGetRoundTrip", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		inst := newTestInstance("content_review_a1", api.TypeContentReview, "c1")
		inst.StepLog = []api.StepRecord{{
			Name: "initialize", Kind: api.KindStep,
			Result: json.RawMessage(`{"status":"pending"}`), CompletedAt: testNow,
		}}
		require.NoError(t, store.CreateInstance(ctx, inst))

		got, err := store.GetInstance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, inst.Type, got.Type)
		assert.Equal(t, "c1", got.SubjectKey)
		assert.Equal(t, api.StatusRunning, got.Status)
		assert.JSONEq(t, string(inst.Payload), string(got.Payload))
		require.Len(t, got.StepLog, 1)
		assert.Equal(t, "initialize", got.StepLog[0].Name)
		assert.JSONEq(t, `{"status":"pending"}`, string(got.StepLog[0].Result))
		assert.True(t, got.CreatedAt.Equal(testNow))
		assert.Nil(t, got.PendingWait)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := newStore(t).GetInstance(context.Background(), "nope_1")
		require.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("UpdateBumpsVersionAndRejectsStaleCopies", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		inst := newTestInstance("listing_review_b1", api.TypeListingReview, "l1")
		require.NoError(t, store.CreateInstance(ctx, inst))

		stale := inst.Clone()

		inst.Status = api.StatusWaiting
		inst.PendingWait = &api.PendingWait{EventName: "approval-decision", Deadline: testNow.Add(time.Hour)}
		require.NoError(t, store.UpdateInstance(ctx, inst))
		assert.Equal(t, int64(1), inst.Version)

		stale.Status = api.StatusCancelled
		require.ErrorIs(t, store.UpdateInstance(ctx, stale), ErrVersionConflict)

		got, err := store.GetInstance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, api.StatusWaiting, got.Status)
		assert.Equal(t, int64(1), got.Version)
		require.NotNil(t, got.PendingWait)
		assert.Equal(t, "approval-decision", got.PendingWait.EventName)
		assert.True(t, got.PendingWait.Deadline.Equal(testNow.Add(time.Hour)))
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		inst := newTestInstance("content_review_zz", api.TypeContentReview, "zz")
		err := newStore(t).UpdateInstance(context.Background(), inst)
		require.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("AtMostOneActivePerSubject", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		first := newTestInstance("content_review_c1", api.TypeContentReview, "c1")
		require.NoError(t, store.CreateInstance(ctx, first))

		dup := newTestInstance("content_review_c2", api.TypeContentReview, "c1")
		require.ErrorIs(t, store.CreateInstance(ctx, dup), ErrAlreadyActive)

		// A different type for the same subject id is independent.
		other := newTestInstance("listing_review_c3", api.TypeListingReview, "c1")
		require.NoError(t, store.CreateInstance(ctx, other))

		active, err := store.FindActive(ctx, api.TypeContentReview, "c1")
		require.NoError(t, err)
		assert.Equal(t, first.ID, active.ID)

		first.Status = api.StatusCompleted
		require.NoError(t, store.UpdateInstance(ctx, first))

		_, err = store.FindActive(ctx, api.TypeContentReview, "c1")
		require.ErrorIs(t, err, ErrInstanceNotFound)

		again := newTestInstance("content_review_c4", api.TypeContentReview, "c1")
		require.NoError(t, store.CreateInstance(ctx, again))
	})

	t.Run("ConcurrentCreatesAdmitOne", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		const n = 8
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := range n {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				inst := newTestInstance(api.NewInstanceID(api.TypeVerification, string(rune('a'+i))), api.TypeVerification, "v1")
				errs <- store.CreateInstance(ctx, inst)
			}(i)
		}
		wg.Wait()
		close(errs)

		var ok, dup int
		for err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrAlreadyActive):
				dup++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, ok)
		assert.Equal(t, n-1, dup)
	})

	t.Run("ListInstancesFilters", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		a := newTestInstance("content_review_l1", api.TypeContentReview, "s1")
		b := newTestInstance("content_review_l2", api.TypeContentReview, "s2")
		c := newTestInstance("listing_review_l3", api.TypeListingReview, "s3")
		for _, inst := range []*api.WorkflowInstance{a, b, c} {
			require.NoError(t, store.CreateInstance(ctx, inst))
		}
		b.Status = api.StatusCompleted
		require.NoError(t, store.UpdateInstance(ctx, b))

		all, err := store.ListInstances(ctx, InstanceFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		content, err := store.ListInstances(ctx, InstanceFilter{Type: api.TypeContentReview})
		require.NoError(t, err)
		assert.Len(t, content, 2)

		running, err := store.ListInstances(ctx, InstanceFilter{Type: api.TypeContentReview, Status: api.StatusRunning})
		require.NoError(t, err)
		require.Len(t, running, 1)
		assert.Equal(t, a.ID, running[0].ID)

		bySubject, err := store.ListInstances(ctx, InstanceFilter{SubjectKey: "s3"})
		require.NoError(t, err)
		require.Len(t, bySubject, 1)
		assert.Equal(t, c.ID, bySubject[0].ID)
	})

	t.Run("ListExpiredWaits", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		park := func(id, subject string, deadline time.Time) {
			inst := newTestInstance(id, api.TypeContentReview, subject)
			require.NoError(t, store.CreateInstance(ctx, inst))
			inst.Status = api.StatusWaiting
			inst.PendingWait = &api.PendingWait{EventName: "approval-decision", Deadline: deadline}
			require.NoError(t, store.UpdateInstance(ctx, inst))
		}
		park("content_review_w1", "w1", testNow.Add(-2*time.Hour))
		park("content_review_w2", "w2", testNow.Add(-time.Hour))
		park("content_review_w3", "w3", testNow.Add(time.Hour))

		expired, err := store.ListExpiredWaits(ctx, testNow)
		require.NoError(t, err)
		require.Len(t, expired, 2)
		assert.Equal(t, "content_review_w1", expired[0].ID)
		assert.Equal(t, "content_review_w2", expired[1].ID)

		// Resuming clears the wait so it is no longer reported.
		w1, err := store.GetInstance(ctx, "content_review_w1")
		require.NoError(t, err)
		w1.Status = api.StatusRunning
		w1.PendingWait = nil
		require.NoError(t, store.UpdateInstance(ctx, w1))

		expired, err = store.ListExpiredWaits(ctx, testNow)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, "content_review_w2", expired[0].ID)
	})
}

// runEventStoreContract checks ordering and isolation of history.
func runEventStoreContract(t *testing.T, store EventStore) {
	ctx := context.Background()

	events := []api.WorkflowEvent{
		{InstanceID: "content_review_h1", At: testNow, Type: api.EventWorkflowStarted, WorkflowType: api.TypeContentReview},
		{InstanceID: "content_review_h1", At: testNow.Add(time.Second), Type: api.EventStepCompleted, Step: "initialize"},
		{InstanceID: "content_review_h2", At: testNow, Type: api.EventWorkflowStarted},
		{InstanceID: "content_review_h1", At: testNow.Add(2 * time.Second), Type: api.EventWorkflowWaiting, Detail: "approval-decision"},
	}
	for _, ev := range events {
		require.NoError(t, store.AppendEvent(ctx, ev))
	}

	got, err := store.ListEvents(ctx, "content_review_h1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, api.EventWorkflowStarted, got[0].Type)
	assert.Equal(t, api.TypeContentReview, got[0].WorkflowType)
	assert.Equal(t, "initialize", got[1].Step)
	assert.Equal(t, "approval-decision", got[2].Detail)
	assert.True(t, got[2].At.Equal(testNow.Add(2*time.Second)))

	none, err := store.ListEvents(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}
