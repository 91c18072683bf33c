package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petrijr/reviewflow/internal/persistence"
	"github.com/petrijr/reviewflow/pkg/api"
)

const testType api.WorkflowType = "test_review"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// effects counts side effects so tests can assert exactly-once execution.
type effects struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]int // remaining failures per step
}

func newEffects() *effects {
	return &effects{calls: make(map[string]int), fail: make(map[string]int)}
}

func (f *effects) hit(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	if f.fail[name] > 0 {
		f.fail[name]--
		return errors.New(name + " unavailable")
	}
	return nil
}

func (f *effects) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *effects) failNext(name string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[name] = n
}

func effectStep(fx *effects, name string, result any) api.StepFunc {
	return func(ctx context.Context) (any, error) {
		if err := fx.hit(name); err != nil {
			return nil, err
		}
		return result, nil
	}
}

type testPayload struct {
	ID string `json:"id"`
}

// reviewDefinition is a small two-phase review: initialize, wait for a
// decision, then approve, reject or expire.
func reviewDefinition(fx *effects) api.Definition {
	return api.Definition{
		Type:    testType,
		Aliases: []string{"test-review"},
		SubjectKey: func(payload json.RawMessage) (string, error) {
			var p testPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return "", err
			}
			if p.ID == "" {
				return "", errors.New("id is required")
			}
			return p.ID, nil
		},
		Run: func(ctx context.Context, run api.Run) (any, error) {
			if _, err := run.Step(ctx, "initialize", effectStep(fx, "initialize", "pending")); err != nil {
				return nil, err
			}
			ev, err := run.WaitForEvent(ctx, "decision", time.Hour)
			if err != nil {
				return nil, err
			}
			if ev.TimedOut {
				if _, err := run.Step(ctx, "expire", effectStep(fx, "expire", "expired")); err != nil {
					return nil, err
				}
				return map[string]string{"outcome": "expired"}, nil
			}
			var d struct {
				Approved bool `json:"approved"`
			}
			if err := ev.Decode(&d); err != nil {
				return nil, err
			}
			if d.Approved {
				if _, err := run.Step(ctx, "approve", effectStep(fx, "approve", "approved")); err != nil {
					return nil, err
				}
				return map[string]string{"outcome": "approved"}, nil
			}
			if _, err := run.Step(ctx, "reject", effectStep(fx, "reject", "rejected")); err != nil {
				return nil, err
			}
			return map[string]string{"outcome": "rejected"}, nil
		},
	}
}

type testEnv struct {
	eng   *engineImpl
	clock *fakeClock
	fx    *effects
	store persistence.InstanceStore
	// sleeps records backoff delays instead of sleeping.
	sleeps []time.Duration
}

type envFactory func(t *testing.T) persistence.Persistence

func inMemoryPersistence(t *testing.T) persistence.Persistence {
	t.Helper()
	return persistence.NewInMemory()
}

func sqlitePersistence(t *testing.T) persistence.Persistence {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	p, err := persistence.NewSQLite(db)
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	return p
}

var backends = map[string]envFactory{
	"in-memory": inMemoryPersistence,
	"sqlite":    sqlitePersistence,
}

func newTestEnv(t *testing.T, factory envFactory, extra ...api.Definition) *testEnv {
	t.Helper()

	env := &testEnv{clock: newFakeClock(), fx: newEffects()}
	reg := NewRegistry().MustRegister(reviewDefinition(env.fx))
	reg.MustRegister(extra...)

	p := factory(t)
	env.store = p.Instances
	env.eng = newEngine(Config{
		Catalog:     reg,
		Persistence: p,
		Clock:       env.clock.Now,
		Retry: api.RetryPolicy{
			MaxAttempts:       3,
			InitialBackoff:    10 * time.Millisecond,
			MaxBackoff:        15 * time.Millisecond,
			BackoffMultiplier: 2,
		},
		Sleep: func(ctx context.Context, d time.Duration) error {
			env.sleeps = append(env.sleeps, d)
			return nil
		},
	})
	return env
}

func forEachBackend(t *testing.T, fn func(t *testing.T, factory envFactory)) {
	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			fn(t, factory)
		})
	}
}

func decision(approved bool) api.Event {
	return api.Event{Name: "decision", Payload: json.RawMessage(`{"approved":` + boolJSON(approved) + `}`)}
}

func boolJSON(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func outcome(t *testing.T, inst *api.WorkflowInstance) string {
	t.Helper()
	var out struct {
		Outcome string `json:"outcome"`
	}
	if err := json.Unmarshal(inst.Output, &out); err != nil {
		t.Fatalf("decode output %q: %v", inst.Output, err)
	}
	return out.Outcome
}
