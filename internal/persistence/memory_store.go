package persistence

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/petrijr/reviewflow/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe InstanceStore backed by maps.
// Instances are cloned on the way in and out so callers never share state
// with the store.
type InMemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*api.WorkflowInstance
	active    map[activeKey]string
}

type activeKey struct {
	typ     api.WorkflowType
	subject string
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances: make(map[string]*api.WorkflowInstance),
		active:    make(map[activeKey]string),
	}
}

var _ InstanceStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) CreateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; ok {
		return ErrVersionConflict
	}
	key := activeKey{inst.Type, inst.SubjectKey}
	if inst.Status.IsActive() {
		if _, ok := s.active[key]; ok {
			return ErrAlreadyActive
		}
		s.active[key] = inst.ID
	}

	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *InMemoryStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.instances[inst.ID]
	if !ok {
		return ErrInstanceNotFound
	}
	if cur.Version != inst.Version {
		return ErrVersionConflict
	}

	inst.Version++
	s.instances[inst.ID] = inst.Clone()

	key := activeKey{inst.Type, inst.SubjectKey}
	if !inst.Status.IsActive() && s.active[key] == inst.ID {
		delete(s.active, key)
	}
	return nil
}

func (s *InMemoryStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return inst.Clone(), nil
}

func (s *InMemoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.WorkflowInstance
	for _, inst := range s.instances {
		if filter.matches(inst) {
			result = append(result, inst.Clone())
		}
	}
	slices.SortFunc(result, func(a, b *api.WorkflowInstance) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return result, nil
}

func (s *InMemoryStore) FindActive(ctx context.Context, typ api.WorkflowType, subjectKey string) (*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.active[activeKey{typ, subjectKey}]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return s.instances[id].Clone(), nil
}

func (s *InMemoryStore) ListExpiredWaits(ctx context.Context, now time.Time) ([]*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.WorkflowInstance
	for _, inst := range s.instances {
		if inst.Status == api.StatusWaiting && inst.PendingWait.Expired(now) {
			result = append(result, inst.Clone())
		}
	}
	slices.SortFunc(result, func(a, b *api.WorkflowInstance) int {
		return a.PendingWait.Deadline.Compare(b.PendingWait.Deadline)
	})
	return result, nil
}
