package persistence

import (
	"context"
	"testing"

	"github.com/petrijr/reviewflow/pkg/api"
)

func TestInMemoryStore_Contract(t *testing.T) {
	runInstanceStoreContract(t, func(t *testing.T) InstanceStore {
		return NewInMemoryStore()
	})
}

func TestInMemoryEventStore_Contract(t *testing.T) {
	runEventStoreContract(t, NewInMemoryEventStore())
}

func TestInMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	inst := newTestInstance("content_review_cp", api.TypeContentReview, "cp")
	if err := store.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}

	// Mutating the caller's copy must not leak into the store.
	inst.Status = api.StatusFailed

	got, err := store.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if got.Status != api.StatusRunning {
		t.Fatalf("expected stored status running, got %s", got.Status)
	}

	got.StepLog = append(got.StepLog, api.StepRecord{Name: "x"})
	again, _ := store.GetInstance(ctx, inst.ID)
	if len(again.StepLog) != 0 {
		t.Fatalf("expected empty step log, got %d entries", len(again.StepLog))
	}
}
