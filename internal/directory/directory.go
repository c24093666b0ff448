// Package directory holds the service-listing catalog: what each member
// offers, who provides it, and whether it is currently accepting interest.
// The negotiation flow consumes it read-only through Lookup.
package directory

import (
	"context"
	"errors"
	"time"
)

var (
	ErrListingNotFound = errors.New("listing not found")
	ErrInvalidListing  = errors.New("invalid listing")
)

// Listing is one offered service in the community catalog.
type Listing struct {
	ID           string    `json:"id"`
	ProviderID   string    `json:"provider_id"`
	Title        string    `json:"title"`
	Category     string    `json:"category,omitempty"`
	Description  string    `json:"description,omitempty"`
	HoursPerSlot string    `json:"hours_per_slot"`
	Capacity     int       `json:"capacity"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CreateRequest is the payload for publishing a new listing.
type CreateRequest struct {
	Title        string `json:"title" binding:"required"`
	Category     string `json:"category"`
	Description  string `json:"description"`
	HoursPerSlot string `json:"hours_per_slot"`
	Capacity     int    `json:"capacity"`
}

// Store persists listings.
type Store interface {
	Create(ctx context.Context, l *Listing) error
	Get(ctx context.Context, id string) (*Listing, error)
	Update(ctx context.Context, l *Listing) error
	List(ctx context.Context, category string, activeOnly bool, limit int) ([]*Listing, error)
	ListByProvider(ctx context.Context, providerID string) ([]*Listing, error)
}
