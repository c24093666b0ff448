package handshake

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory handshake store for demo/development mode.
type MemoryStore struct {
	handshakes map[string]*Handshake
	mu         sync.RWMutex
}

// NewMemoryStore creates a new in-memory handshake store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		handshakes: make(map[string]*Handshake),
	}
}

func (m *MemoryStore) Create(_ context.Context, h *Handshake) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *h
	m.handshakes[h.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Handshake, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handshakes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *h
	return &cp, nil
}

// Update applies compare-and-swap on (ID, Revision): the write only lands
// when the stored revision still matches the one the caller read, and the
// stored record then carries Revision+1.
func (m *MemoryStore) Update(_ context.Context, h *Handshake) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.handshakes[h.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Revision != h.Revision {
		return ErrStaleRevision
	}
	cp := *h
	cp.Revision = h.Revision + 1
	m.handshakes[h.ID] = &cp
	h.Revision = cp.Revision
	return nil
}

func (m *MemoryStore) GetActive(_ context.Context, serviceID, requesterID string) (*Handshake, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, h := range m.handshakes {
		if h.ServiceID == serviceID && h.RequesterID == requesterID && !h.IsTerminal() {
			cp := *h
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListByParty(_ context.Context, actorID string, limit int) ([]*Handshake, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Handshake
	for _, h := range m.handshakes {
		if h.ProviderID == actorID || h.RequesterID == actorID {
			cp := *h
			result = append(result, &cp)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByService(_ context.Context, serviceID string, limit int) ([]*Handshake, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Handshake
	for _, h := range m.handshakes {
		if h.ServiceID == serviceID {
			cp := *h
			result = append(result, &cp)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
