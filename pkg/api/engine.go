package api

import (
	"context"
	"encoding/json"
	"time"
)

// Engine is the durable execution API used by the dispatcher, the sweep,
// and the control surface.
type Engine interface {
	// Create allocates a new instance of the named type (or alias),
	// persists it as running and drives it synchronously up to its first
	// suspension point or completion.
	//
	// If the submission already has an active instance, the existing
	// instance is returned together with ErrAlreadyActive.
	Create(ctx context.Context, typ string, payload json.RawMessage) (*WorkflowInstance, error)

	// Resume delivers ev to a waiting instance and drives it forward.
	// It fails with ErrNotFound if the instance is unknown or terminal and
	// with ErrSignalMismatch if the instance is not waiting on ev.Name.
	Resume(ctx context.Context, id string, ev Event) (*WorkflowInstance, error)

	// Cancel forces a non-terminal instance into StatusCancelled. Side
	// effects that already ran are not rolled back.
	Cancel(ctx context.Context, id string) (*WorkflowInstance, error)

	// GetInstance looks up a workflow instance by ID.
	GetInstance(ctx context.Context, id string) (*WorkflowInstance, error)

	// ListInstances returns workflow instances matching the given options.
	ListInstances(ctx context.Context, opts InstanceListOptions) ([]*WorkflowInstance, error)

	// History returns the audit trail recorded for an instance.
	History(ctx context.Context, id string) ([]WorkflowEvent, error)

	// SweepExpired resumes every waiting instance whose deadline is at or
	// before now with a synthetic timeout event. It returns the number of
	// instances it resumed.
	SweepExpired(ctx context.Context, now time.Time) (int, error)

	// Recover replays instances left in StatusRunning, typically after a
	// process crash. It is intended to be called on startup. It returns
	// the number of instances it drove forward.
	Recover(ctx context.Context) (int, error)
}

// Catalog resolves workflow type names to definitions.
type Catalog interface {
	Lookup(name string) (Definition, bool)
	Types() []WorkflowType
}
