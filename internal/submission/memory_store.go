package submission

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-process setups.
type MemoryStore struct {
	mu      sync.RWMutex
	rows    map[Table]map[string]Record
	items   map[string]ReviewItem
	history []Record
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:  make(map[Table]map[string]Record),
		items: make(map[string]ReviewItem),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, table Table, id, status, feedback string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, ok := s.rows[table]
	if !ok {
		rows = make(map[string]Record)
		s.rows[table] = rows
	}
	rec := rows[id]
	rec.Table = table
	rec.ID = id
	rec.Status = status
	if feedback != "" {
		rec.Feedback = feedback
	}
	rec.UpdatedAt = s.now()
	rows[id] = rec
	s.history = append(s.history, rec)
	return nil
}

func (s *MemoryStore) UpsertReviewItem(ctx context.Context, item ReviewItem) error {
	if err := checkTable(item.Table); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = s.now()
	}
	s.items[item.WorkflowID] = item
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, table Table, id string) (Record, error) {
	if err := checkTable(table); err != nil {
		return Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rows[table][id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s/%s", ErrNotFound, table, id)
	}
	return rec, nil
}

func (s *MemoryStore) ListReviewItems(ctx context.Context, status string) ([]ReviewItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ReviewItem, 0, len(s.items))
	for _, item := range s.items {
		if status == "" || item.Status == status {
			out = append(out, item)
		}
	}
	slices.SortFunc(out, func(a, b ReviewItem) int {
		if c := a.UpdatedAt.Compare(b.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.WorkflowID, b.WorkflowID)
	})
	return out, nil
}

// StatusHistory returns every status write to table/id in order. Tests use
// it to assert a side effect happened exactly once.
func (s *MemoryStore) StatusHistory(table Table, id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, rec := range s.history {
		if rec.Table == table && rec.ID == id {
			out = append(out, rec.Status)
		}
	}
	return out
}
