package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/tmarkov/timebank/internal/hours"
	"github.com/tmarkov/timebank/internal/idgen"
	"github.com/tmarkov/timebank/internal/validation"
)

const defaultSlotHours = "1.00"

// Service manages the listing catalog.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// Create publishes a new listing for providerID.
func (s *Service) Create(ctx context.Context, providerID string, req CreateRequest) (*Listing, error) {
	title := validation.SanitizeString(req.Title, 200)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidListing)
	}

	slot := req.HoursPerSlot
	if slot == "" {
		slot = defaultSlotHours
	}
	v, ok := hours.Parse(slot)
	if !ok {
		return nil, fmt.Errorf("%w: malformed hours_per_slot %q", ErrInvalidListing, req.HoursPerSlot)
	}
	if v.Sign() <= 0 {
		return nil, fmt.Errorf("%w: hours_per_slot must be positive", ErrInvalidListing)
	}

	capacity := req.Capacity
	if capacity <= 0 {
		capacity = 1
	}

	now := time.Now().UTC()
	l := &Listing{
		ID:           idgen.WithPrefix("svc_"),
		ProviderID:   providerID,
		Title:        title,
		Category:     validation.SanitizeString(req.Category, 100),
		Description:  validation.SanitizeString(req.Description, 2000),
		HoursPerSlot: hours.Format(v),
		Capacity:     capacity,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, l); err != nil {
		return nil, fmt.Errorf("create listing: %w", err)
	}
	return l, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Listing, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, category string, limit int) ([]*Listing, error) {
	return s.store.List(ctx, category, true, limit)
}

func (s *Service) ListByProvider(ctx context.Context, providerID string) ([]*Listing, error) {
	return s.store.ListByProvider(ctx, providerID)
}

// SetActive toggles whether the listing accepts new interest. Only the
// provider who owns the listing may change it.
func (s *Service) SetActive(ctx context.Context, id, actorID string, active bool) (*Listing, error) {
	l, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.ProviderID != actorID {
		return nil, fmt.Errorf("%w: only the provider may change a listing", ErrInvalidListing)
	}
	l.Active = active
	l.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Lookup reports the provider and availability of a listing. It is the
// read-only view the negotiation flow depends on.
func (s *Service) Lookup(ctx context.Context, serviceID string) (string, bool, error) {
	l, err := s.store.Get(ctx, serviceID)
	if err != nil {
		return "", false, err
	}
	return l.ProviderID, l.Active, nil
}
