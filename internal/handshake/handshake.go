// Package handshake implements the exchange negotiation protocol between
// a service provider and a requester.
//
// Flow:
//  1. Requester expresses interest in a listing (balance checked read-only)
//  2. Provider accepts (hours escrowed from the requester) or denies
//  3. Either party proposes exact location/duration/time; the other side
//     approves or requests changes
//  4. After approval, both parties independently confirm completion;
//     when the confirmation quorum is met, settlement fires exactly once
//  5. Either party may report an issue at any non-terminal point, which
//     freezes the handshake until an admin resolves the report
package handshake

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("handshake not found")
	ErrInvalidStatus   = errors.New("invalid status for this operation")
	ErrUnauthorized    = errors.New("not authorized for this operation")
	ErrStaleRevision   = errors.New("handshake was modified concurrently")
	ErrDuplicateActive = errors.New("an active handshake already exists for this service and requester")
	ErrDisputeOpen     = errors.New("handshake has an open report")
	ErrHoursTooSmall   = errors.New("provisioned hours below minimum")
	ErrSelfInterest    = errors.New("provider cannot request their own service")
	ErrApprovalPending = errors.New("exact details not yet approved by the counterparty")
	ErrListingInactive = errors.New("service listing is not active")

	// ErrInsufficientHours surfaces the read-only balance check at
	// interest time; the ledger enforces the same at escrow time.
	ErrInsufficientHours = errors.New("insufficient hour balance for this request")
)

// Status represents the state of a handshake.
type Status string

const (
	StatusPending          Status = "pending"
	StatusAccepted         Status = "accepted"
	StatusInitiated        Status = "initiated"
	StatusChangesRequested Status = "changes_requested"
	StatusCompleted        Status = "completed"
	StatusDenied           Status = "denied"
	StatusCancelled        Status = "cancelled"
	StatusReported         Status = "reported"
	StatusPaused           Status = "paused"
)

// Handshake is one negotiation instance between exactly one requester and
// one provider over one service listing. Terminal records are retained
// forever as immutable history.
type Handshake struct {
	ID          string `json:"id"`
	ServiceID   string `json:"serviceId"`
	RequesterID string `json:"requesterId"`
	ProviderID  string `json:"providerId"` // derived from the listing

	Status Status `json:"status"`

	// ProvisionedHours is the agreed duration in TimeBank hours. Mutable
	// until settlement; frozen the instant Status becomes completed.
	ProvisionedHours string `json:"provisionedHours"`
	// EscrowedHours is what is currently held from the requester.
	// "0.00" before accept and after any terminal state.
	EscrowedHours string `json:"escrowedHours"`

	// Exact details, filled in during the initiated phase.
	ExactLocation string     `json:"exactLocation,omitempty"`
	ExactDuration string     `json:"exactDuration,omitempty"`
	ScheduledTime *time.Time `json:"scheduledTime,omitempty"`

	// Who proposed the current exact-details revision.
	ProviderInitiated  bool `json:"providerInitiated"`
	RequesterInitiated bool `json:"requesterInitiated"`
	// DetailsApproved is set when the non-initiating party approved the
	// current revision, and cleared on every re-proposal.
	DetailsApproved bool `json:"detailsApproved"`

	// Completion confirmations, each settable only by its own party.
	ProviderConfirmed bool `json:"providerConfirmed"`
	ReceiverConfirmed bool `json:"receiverConfirmed"`

	// PriorStatus is the status a reported/paused handshake returns to
	// when its report is dismissed.
	PriorStatus Status `json:"priorStatus,omitempty"`

	Message      string `json:"message,omitempty"`
	CancelReason string `json:"cancelReason,omitempty"`

	// Revision is the optimistic-concurrency marker; every successful
	// write increments it.
	Revision int `json:"revision"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// IsTerminal returns true if the handshake is in a final state.
func (h *Handshake) IsTerminal() bool {
	switch h.Status {
	case StatusCompleted, StatusDenied, StatusCancelled:
		return true
	}
	return false
}

// PartyOf classifies an actor relative to the handshake.
func (h *Handshake) PartyOf(actorID string) Party {
	switch actorID {
	case h.ProviderID:
		return PartyProvider
	case h.RequesterID:
		return PartyRequester
	}
	return PartyNone
}

// Party identifies which side of a handshake an actor is on.
type Party string

const (
	PartyProvider  Party = "provider"
	PartyRequester Party = "requester"
	PartyNone      Party = ""
)

// ExpressInterestRequest contains the parameters for expressing interest.
type ExpressInterestRequest struct {
	ServiceID string `json:"serviceId" binding:"required"`
	Hours     string `json:"hours" binding:"required"`
	Message   string `json:"message"`
}

// ProposeDetailsRequest contains the exact-details proposal.
type ProposeDetailsRequest struct {
	ExactLocation string `json:"exactLocation"`
	ExactDuration string `json:"exactDuration"`
	ScheduledTime string `json:"scheduledTime"` // RFC3339
}

// ConfirmRequest contains the parameters for confirming completion.
// Hours, when set, revises provisioned hours and resets both
// confirmation flags.
type ConfirmRequest struct {
	Hours string `json:"hours"`
}

// CancelReq contains the parameters for cancelling a handshake.
type CancelReq struct {
	Reason string `json:"reason"`
}

// Store persists handshakes. Update performs compare-and-swap on
// (ID, Revision): it fails with ErrStaleRevision when the stored revision
// no longer matches the one the caller read.
type Store interface {
	Create(ctx context.Context, h *Handshake) error
	Get(ctx context.Context, id string) (*Handshake, error)
	Update(ctx context.Context, h *Handshake) error

	// GetActive returns the non-terminal handshake for a (service,
	// requester) pair, or ErrNotFound.
	GetActive(ctx context.Context, serviceID, requesterID string) (*Handshake, error)

	ListByParty(ctx context.Context, actorID string, limit int) ([]*Handshake, error)
	ListByService(ctx context.Context, serviceID string, limit int) ([]*Handshake, error)
}

// LedgerService is what the handshake protocol needs from the ledger.
type LedgerService interface {
	CanSpend(ctx context.Context, userID, amount string) (bool, error)
	Provision(ctx context.Context, userID, amount, handshakeID, serviceID string) error
	ReleaseProvision(ctx context.Context, userID, amount, handshakeID string) error
	Settle(ctx context.Context, requesterID, providerID, amount, handshakeID, serviceID string) error
	Compensate(ctx context.Context, requesterID, beneficiaryID, amount, handshakeID, description string) error
}

// ListingProvider resolves a service listing to its provider.
type ListingProvider interface {
	Lookup(ctx context.Context, serviceID string) (providerID string, active bool, err error)
}

// DisputeChecker reports whether a handshake has an open report. Used to
// exclude disputed handshakes from settlement.
type DisputeChecker interface {
	HasOpenReport(ctx context.Context, handshakeID string) (bool, error)
}

// Notifier receives fire-and-forget transition events. Delivery failure
// never fails the originating operation.
type Notifier interface {
	Emit(event string, h *Handshake)
}
