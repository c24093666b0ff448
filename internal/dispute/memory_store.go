package dispute

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory report store for demo/development mode.
type MemoryStore struct {
	reports map[string]*Report
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory report store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reports: make(map[string]*Report)}
}

func (m *MemoryStore) Create(_ context.Context, r *Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.reports[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, ErrReportNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, r *Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reports[r.ID]; !ok {
		return ErrReportNotFound
	}
	cp := *r
	m.reports[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOpenByHandshake(_ context.Context, handshakeID string) (*Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.reports {
		if r.HandshakeID == handshakeID && r.Status == ReportPending {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrReportNotFound
}

func (m *MemoryStore) ListByHandshake(_ context.Context, handshakeID string) ([]*Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Report
	for _, r := range m.reports {
		if r.HandshakeID == handshakeID {
			cp := *r
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) ListOpen(_ context.Context, limit int) ([]*Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Report
	for _, r := range m.reports {
		if r.Status == ReportPending {
			cp := *r
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
