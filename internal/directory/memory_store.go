package directory

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu       sync.RWMutex
	listings map[string]*Listing
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{listings: make(map[string]*Listing)}
}

func (s *MemoryStore) Create(_ context.Context, l *Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *l
	s.listings[l.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) Update(_ context.Context, l *Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listings[l.ID]; !ok {
		return ErrListingNotFound
	}
	cp := *l
	s.listings[l.ID] = &cp
	return nil
}

func (s *MemoryStore) List(_ context.Context, category string, activeOnly bool, limit int) ([]*Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Listing
	for _, l := range s.listings {
		if activeOnly && !l.Active {
			continue
		}
		if category != "" && l.Category != category {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListByProvider(_ context.Context, providerID string) ([]*Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Listing
	for _, l := range s.listings {
		if l.ProviderID != providerID {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
