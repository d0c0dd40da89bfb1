// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	activity []*Activity
	closed   bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{}
}

// RecordActivity stores a copy of a.
func (m *MockStore) RecordActivity(_ context.Context, a *Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *a
	m.activity = append(m.activity, &c)
	return nil
}

// GetActivity retrieves an activity record by ID.
func (m *MockStore) GetActivity(_ context.Context, id string) (*Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.activity {
		if a.ID == id {
			c := *a
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

// ListActivity returns matching records, newest first.
func (m *MockStore) ListActivity(_ context.Context, p ListActivityParams) ([]*Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Activity
	// Iterate backwards so equal timestamps keep newest-inserted first.
	for i := len(m.activity) - 1; i >= 0; i-- {
		a := m.activity[i]
		if p.EntityID != "" && a.EntityID != p.EntityID {
			continue
		}
		if p.Kind != "" && a.Kind != p.Kind {
			continue
		}
		c := *a
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if limit := p.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockStore) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Ensure MockStore implements Store
var _ Store = (*MockStore)(nil)
