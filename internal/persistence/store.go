package persistence

import (
	"context"
	"time"

	"github.com/petrijr/reviewflow/pkg/api"
)

var (
	// ErrInstanceNotFound is returned when a workflow instance is not found.
	ErrInstanceNotFound = api.ErrNotFound

	// ErrVersionConflict is returned by UpdateInstance when the stored
	// version no longer matches the caller's copy.
	ErrVersionConflict = api.ErrVersionConflict

	// ErrAlreadyActive is returned by CreateInstance when the subject already
	// has a running or waiting instance of the same type.
	ErrAlreadyActive = api.ErrAlreadyActive
)

// InstanceFilter is used to select instances from the store.
// Empty string / zero status mean "no filter" for that field.
type InstanceFilter struct {
	Type       api.WorkflowType
	Status     api.Status
	SubjectKey string
}

func (f InstanceFilter) matches(inst *api.WorkflowInstance) bool {
	if f.Type != "" && inst.Type != f.Type {
		return false
	}
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	if f.SubjectKey != "" && inst.SubjectKey != f.SubjectKey {
		return false
	}
	return true
}

// InstanceStore handles storage of workflow instances.
//
// All implementations enforce two rules atomically:
//
//   - CreateInstance refuses a second active instance for the same
//     (Type, SubjectKey) with ErrAlreadyActive.
//   - UpdateInstance only succeeds when inst.Version equals the stored
//     version. On success the store increments inst.Version in place.
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst *api.WorkflowInstance) error
	UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error)

	// FindActive returns the running or waiting instance for a subject, or
	// ErrInstanceNotFound.
	FindActive(ctx context.Context, typ api.WorkflowType, subjectKey string) (*api.WorkflowInstance, error)

	// ListExpiredWaits returns waiting instances whose deadline is at or
	// before now, oldest deadline first.
	ListExpiredWaits(ctx context.Context, now time.Time) ([]*api.WorkflowInstance, error)
}
