package handshake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tmarkov/timebank/internal/hours"
	"github.com/tmarkov/timebank/internal/idgen"
	"github.com/tmarkov/timebank/internal/ledger"
	"github.com/tmarkov/timebank/internal/logging"
	"github.com/tmarkov/timebank/internal/metrics"
	"github.com/tmarkov/timebank/internal/syncutil"
)

const zeroHours = "0.00"

// Service implements the negotiation protocol business logic.
type Service struct {
	store    Store
	ledger   LedgerService
	listings ListingProvider
	disputes DisputeChecker
	notifier Notifier
	minHours string
	locks    syncutil.ShardedMutex // per-handshake ID locks
}

// NewService creates a new handshake service.
func NewService(store Store, ledger LedgerService, listings ListingProvider) *Service {
	return &Service{
		store:    store,
		ledger:   ledger,
		listings: listings,
		minHours: hours.Format(hours.MinProvision),
	}
}

// WithDisputeChecker excludes handshakes with an open report from
// settlement.
func (s *Service) WithDisputeChecker(dc DisputeChecker) *Service {
	s.disputes = dc
	return s
}

// WithNotifier adds transition event emission.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithMinHours overrides the minimum provisioned hours.
func (s *Service) WithMinHours(min string) *Service {
	if _, ok := hours.Parse(min); ok {
		s.minHours = min
	}
	return s
}

// ExpressInterest creates a pending handshake for (service, requester).
// The requester's balance is checked read-only; nothing is escrowed until
// the provider accepts.
func (s *Service) ExpressInterest(ctx context.Context, requesterID string, req ExpressInterestRequest) (*Handshake, error) {
	h, ok := normalizeHours(req.Hours)
	if !ok || !hoursAtLeast(h, s.minHours) {
		return nil, ErrHoursTooSmall
	}

	providerID, active, err := s.listings.Lookup(ctx, req.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("listing lookup: %w", err)
	}
	if !active {
		return nil, ErrListingInactive
	}
	if providerID == requesterID {
		return nil, ErrSelfInterest
	}

	// Duplicate interest is rejected, not merged.
	if existing, err := s.store.GetActive(ctx, req.ServiceID, requesterID); err == nil && existing != nil {
		metrics.GuardViolationsTotal.Inc()
		return existing, ErrDuplicateActive
	}

	canSpend, err := s.ledger.CanSpend(ctx, requesterID, h)
	if err != nil {
		return nil, fmt.Errorf("balance check: %w", err)
	}
	if !canSpend {
		return nil, ErrInsufficientHours
	}

	now := time.Now()
	hs := &Handshake{
		ID:               idgen.WithPrefix("hs_"),
		ServiceID:        req.ServiceID,
		RequesterID:      requesterID,
		ProviderID:       providerID,
		Status:           StatusPending,
		ProvisionedHours: h,
		EscrowedHours:    zeroHours,
		Message:          req.Message,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.store.Create(ctx, hs); err != nil {
		return nil, fmt.Errorf("failed to create handshake: %w", err)
	}

	metrics.HandshakesCreatedTotal.Inc()
	s.emit("handshake.requested", hs)
	return hs, nil
}

// Accept moves a pending handshake to accepted and escrows the
// provisioned hours from the requester. Provider only. An insufficient
// balance fails the accept.
func (s *Service) Accept(ctx context.Context, id, actorID string) (*Handshake, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	h, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if h.PartyOf(actorID) != PartyProvider {
		return s.guardFail(h, ErrUnauthorized)
	}
	if h.Status != StatusPending {
		return s.guardFail(h, ErrInvalidStatus)
	}

	if err := s.ledger.Provision(ctx, h.RequesterID, h.ProvisionedHours, h.ID, h.ServiceID); err != nil {
		return nil, fmt.Errorf("escrow: %w", err)
	}

	h.Status = StatusAccepted
	h.EscrowedHours = h.ProvisionedHours
	h.UpdatedAt = time.Now()

	if err := s.store.Update(ctx, h); err != nil {
		// The write lost; undo the escrow so hours are not stranded.
		if relErr := s.ledger.ReleaseProvision(ctx, h.RequesterID, h.ProvisionedHours, h.ID); relErr != nil {
			logging.L(ctx).Error("failed to release escrow after lost accept",
				"handshake_id", h.ID, "error", relErr)
		}
		return nil, err
	}

	s.transition(h, "handshake.accepted")
	return h, nil
}

// Deny moves a pending handshake to denied. Provider only.
func (s *Service) Deny(ctx context.Context, id, actorID string) (*Handshake, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	h, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if h.PartyOf(actorID) != PartyProvider {
		return s.guardFail(h, ErrUnauthorized)
	}
	if h.Status != StatusPending {
		return s.guardFail(h, ErrInvalidStatus)
	}

	h.Status = StatusDenied
	h.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, h); err != nil {
		return nil, err
	}

	s.transition(h, "handshake.denied")
	return h, nil
}

// Cancel moves a negotiating handshake to cancelled and releases any
// escrow back to the requester. Either party.
func (s *Service) Cancel(ctx context.Context, id, actorID, reason string) (*Handshake, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	h, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if h.PartyOf(actorID) == PartyNone {
		return s.guardFail(h, ErrUnauthorized)
	}
	switch h.Status {
	case StatusPending, StatusAccepted, StatusInitiated, StatusChangesRequested:
	default:
		return s.guardFail(h, ErrInvalidStatus)
	}

	if err := s.releaseEscrow(ctx, h); err != nil {
		return nil, err
	}

	h.Status = StatusCancelled
	h.CancelReason = reason
	h.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, h); err != nil {
		return nil, err
	}

	s.transition(h, "handshake.cancelled")
	return h, nil
}

// ProposeDetails records an exact location/duration/time proposal and
// marks the proposer. Either party, from accepted, initiated or
// changes_requested. Every proposal invalidates prior approval and both
// completion confirmations.
func (s *Service) ProposeDetails(ctx context.Context, id, actorID string, req ProposeDetailsRequest) (*Handshake, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	h, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	party := h.PartyOf(actorID)
	if party == PartyNone {
		return s.guardFail(h, ErrUnauthorized)
	}
	switch h.Status {
	case StatusAccepted, StatusInitiated, StatusChangesRequested:
	default:
		return s.guardFail(h, ErrInvalidStatus)
	}

	var scheduled *time.Time
	if req.ScheduledTime != "" {
		t, err := time.Parse(time.RFC3339, req.ScheduledTime)
		if err != nil {
			return nil, fmt.Errorf("invalid scheduledTime: %w", err)
		}
		scheduled = &t
	}

	h.Status = StatusInitiated
	h.ExactLocation = req.ExactLocation
	h.ExactDuration = req.ExactDuration
	h.ScheduledTime = scheduled
	h.ProviderInitiated = party == PartyProvider
	h.RequesterInitiated = party == PartyRequester
	h.DetailsApproved = false
	h.ProviderConfirmed = false
	h.ReceiverConfirmed = false
	h.UpdatedAt = time.Now()

	if err := s.store.Update(ctx, h); err != nil {
		return nil, err
	}

	s.transition(h, "handshake.details_proposed")
	return h, nil
}

// Approve records the counterparty's approval of the current
// exact-details revision. Only the party who did not propose may approve.
func (s *Service) Approve(ctx context.Context, id, actorID string) (*Handshake, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	h, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if h.Status != StatusInitiated {
		return s.guardFail(h, ErrInvalidStatus)
	}
	if !s.isCounterparty(h, actorID) {
		return s.guardFail(h, ErrUnauthorized)
	}

	h.DetailsApproved = true
	h.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, h); err != nil {
		return nil, err
	}

	s.transition(h, "handshake.approved")
	return h, nil
}

// RequestChanges rejects the current exact-details revision, moving the
// handshake to changes_requested until a new proposal arrives. Only the
// non-proposing party.
func (s *Service) RequestChanges(ctx context.Context, id, actorID string) (*Handshake, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	h, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if h.Status != StatusInitiated {
		return s.guardFail(h, ErrInvalidStatus)
	}
	if !s.isCounterparty(h, actorID) {
		return s.guardFail(h, ErrUnauthorized)
	}

	h.Status = StatusChangesRequested
	h.DetailsApproved = false
	h.ProviderConfirmed = false
	h.ReceiverConfirmed = false
	h.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, h); err != nil {
		return nil, err
	}

	s.transition(h, "handshake.changes_requested")
	return h, nil
}

// Confirm records a party's completion confirmation. A supplied hours
// value revises provisioned hours, re-sizes the escrow, and resets both
// confirmation flags (a change in terms invalidates prior consent). When
// the quorum over both parties completes, settlement fires exactly once
// and the handshake becomes completed. Confirming an already-completed
// handshake is an idempotent no-op.
func (s *Service) Confirm(ctx context.Context, id, actorID string, req ConfirmRequest) (*Handshake, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	h, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	party := h.PartyOf(actorID)
	if party == PartyNone {
		return s.guardFail(h, ErrUnauthorized)
	}

	// Lost race against a concurrent confirm: already settled, succeed.
	if h.Status == StatusCompleted {
		return h, nil
	}
	if h.Status == StatusReported || h.Status == StatusPaused {
		return s.guardFail(h, ErrDisputeOpen)
	}
	if h.Status != StatusInitiated {
		return s.guardFail(h, ErrInvalidStatus)
	}
	if !h.DetailsApproved {
		return s.guardFail(h, ErrApprovalPending)
	}

	// Hour revision: overwrite provisioned hours, re-size the escrow,
	// and reset BOTH confirmation flags. If a later write loses, the
	// escrow must be sized back to match the stored record.
	undoResize := func() {}
	if req.Hours != "" {
		newHours, ok := normalizeHours(req.Hours)
		if !ok || !hoursAtLeast(newHours, s.minHours) {
			return nil, ErrHoursTooSmall
		}
		if newHours != h.ProvisionedHours {
			prevProvisioned, prevEscrow := h.ProvisionedHours, h.EscrowedHours
			if err := s.resizeEscrow(ctx, h, newHours); err != nil {
				return nil, err
			}
			undoResize = func() {
				if err := s.resizeEscrow(ctx, h, prevEscrow); err != nil {
					logging.L(ctx).Error("failed to restore escrow after lost confirm",
						"handshake_id", h.ID, "error", err)
				}
				h.ProvisionedHours = prevProvisioned
			}
			h.ProvisionedHours = newHours
			h.ProviderConfirmed = false
			h.ReceiverConfirmed = false
		}
	}

	switch party {
	case PartyProvider:
		h.ProviderConfirmed = true
	case PartyRequester:
		h.ReceiverConfirmed = true
	}
	h.UpdatedAt = time.Now()

	if !quorumOf(h).Complete() {
		if err := s.store.Update(ctx, h); err != nil {
			undoResize()
			return nil, err
		}
		s.transition(h, "handshake.confirmed")
		return h, nil
	}

	// Quorum met: settle exactly once.
	if s.disputes != nil {
		open, err := s.disputes.HasOpenReport(ctx, h.ID)
		if err != nil {
			undoResize()
			return nil, fmt.Errorf("dispute check: %w", err)
		}
		if open {
			undoResize()
			return s.guardFail(h, ErrDisputeOpen)
		}
	}

	if err := s.ledger.Settle(ctx, h.RequesterID, h.ProviderID, h.ProvisionedHours, h.ID, h.ServiceID); err != nil {
		if !errors.Is(err, ledger.ErrAlreadySettled) {
			undoResize()
			return nil, fmt.Errorf("settlement: %w", err)
		}
		// A concurrent confirm already settled; converge on completed.
	}

	now := time.Now()
	h.Status = StatusCompleted
	h.EscrowedHours = zeroHours
	h.CompletedAt = &now
	h.UpdatedAt = now
	if err := s.store.Update(ctx, h); err != nil {
		return nil, err
	}

	s.transition(h, "handshake.completed")
	return h, nil
}

// MarkReported freezes a non-terminal handshake under a filed report,
// remembering the status it can revert to on dismissal. Called by the
// dispute resolver with the reporting party as actor.
func (s *Service) MarkReported(ctx context.Context, id, actorID string) (*Handshake, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	h, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if h.PartyOf(actorID) == PartyNone {
		return s.guardFail(h, ErrUnauthorized)
	}
	if h.IsTerminal() || h.Status == StatusReported || h.Status == StatusPaused {
		return s.guardFail(h, ErrInvalidStatus)
	}

	h.PriorStatus = h.Status
	h.Status = StatusReported
	h.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, h); err != nil {
		return nil, err
	}

	s.transition(h, "handshake.reported")
	return h, nil
}

// MarkPaused moves a reported handshake to paused pending investigation.
// Actor authorization (admin) is the dispute resolver's concern.
func (s *Service) MarkPaused(ctx context.Context, id string) (*Handshake, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	h, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if h.Status != StatusReported {
		return s.guardFail(h, ErrInvalidStatus)
	}

	h.Status = StatusPaused
	h.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, h); err != nil {
		return nil, err
	}

	s.transition(h, "handshake.paused")
	return h, nil
}

// ResolveCancel administratively cancels a reported/paused handshake,
// directing any escrowed hours to the non-offending party via a
// compensating adjustment. The handshake never becomes completed on this
// path.
func (s *Service) ResolveCancel(ctx context.Context, id, beneficiaryID, reason string) (*Handshake, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	h, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if h.Status != StatusReported && h.Status != StatusPaused {
		return s.guardFail(h, ErrInvalidStatus)
	}
	if h.PartyOf(beneficiaryID) == PartyNone {
		return s.guardFail(h, ErrUnauthorized)
	}

	if escrowed, ok := hours.Parse(h.EscrowedHours); ok && escrowed.Sign() > 0 {
		desc := "dispute resolution: " + reason
		if err := s.ledger.Compensate(ctx, h.RequesterID, beneficiaryID, h.EscrowedHours, h.ID, desc); err != nil {
			return nil, fmt.Errorf("compensation: %w", err)
		}
		h.EscrowedHours = zeroHours
	}

	h.Status = StatusCancelled
	h.CancelReason = reason
	h.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, h); err != nil {
		return nil, err
	}

	s.transition(h, "handshake.cancelled")
	return h, nil
}

// ResolveRevert returns a reported/paused handshake to the status it held
// before the report was filed.
func (s *Service) ResolveRevert(ctx context.Context, id string) (*Handshake, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	h, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if h.Status != StatusReported && h.Status != StatusPaused {
		return s.guardFail(h, ErrInvalidStatus)
	}

	h.Status = h.PriorStatus
	h.PriorStatus = ""
	h.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, h); err != nil {
		return nil, err
	}

	s.transition(h, "handshake.reinstated")
	return h, nil
}

// Get returns a handshake by ID.
func (s *Service) Get(ctx context.Context, id string) (*Handshake, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns handshakes where the actor is provider or requester.
func (s *Service) ListByParty(ctx context.Context, actorID string, limit int) ([]*Handshake, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, actorID, limit)
}

// ListByService returns handshakes over a listing.
func (s *Service) ListByService(ctx context.Context, serviceID string, limit int) ([]*Handshake, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByService(ctx, serviceID, limit)
}

// --- helpers ---

// isCounterparty reports whether the actor is the party who did NOT
// propose the current exact-details revision.
func (s *Service) isCounterparty(h *Handshake, actorID string) bool {
	switch h.PartyOf(actorID) {
	case PartyProvider:
		return h.RequesterInitiated
	case PartyRequester:
		return h.ProviderInitiated
	}
	return false
}

// releaseEscrow refunds any escrowed hours to the requester. Must be
// called under the handshake lock.
func (s *Service) releaseEscrow(ctx context.Context, h *Handshake) error {
	escrowed, ok := hours.Parse(h.EscrowedHours)
	if !ok || escrowed.Sign() <= 0 {
		return nil
	}
	if err := s.ledger.ReleaseProvision(ctx, h.RequesterID, h.EscrowedHours, h.ID); err != nil {
		return fmt.Errorf("escrow release: %w", err)
	}
	h.EscrowedHours = zeroHours
	return nil
}

// resizeEscrow replaces the current escrow with one for newHours: the old
// provision is refunded, then the new amount provisioned. If the new
// provision fails (insufficient balance), the old escrow is restored.
func (s *Service) resizeEscrow(ctx context.Context, h *Handshake, newHours string) error {
	old := h.EscrowedHours
	if v, ok := hours.Parse(old); ok && v.Sign() > 0 {
		if err := s.ledger.ReleaseProvision(ctx, h.RequesterID, old, h.ID); err != nil {
			return fmt.Errorf("escrow release: %w", err)
		}
	}
	if err := s.ledger.Provision(ctx, h.RequesterID, newHours, h.ID, h.ServiceID); err != nil {
		if v, ok := hours.Parse(old); ok && v.Sign() > 0 {
			if reErr := s.ledger.Provision(ctx, h.RequesterID, old, h.ID, h.ServiceID); reErr != nil {
				logging.L(ctx).Error("failed to restore escrow after resize failure",
					"handshake_id", h.ID, "error", reErr)
			}
		}
		return fmt.Errorf("escrow resize: %w", err)
	}
	h.EscrowedHours = newHours
	return nil
}

// guardFail records a rejected transition and hands back the current
// authoritative record so the caller can resynchronize.
func (s *Service) guardFail(h *Handshake, err error) (*Handshake, error) {
	metrics.GuardViolationsTotal.Inc()
	return h, err
}

func (s *Service) transition(h *Handshake, event string) {
	metrics.HandshakeTransitionsTotal.WithLabelValues(string(h.Status)).Inc()
	s.emit(event, h)
}

func (s *Service) emit(event string, h *Handshake) {
	if s.notifier != nil {
		s.notifier.Emit(event, h)
	}
}

// normalizeHours parses and reformats an hour amount to its canonical
// 2-decimal form.
func normalizeHours(s string) (string, bool) {
	v, ok := hours.Parse(s)
	if !ok || v.Sign() <= 0 {
		return "", false
	}
	return hours.Format(v), true
}

func hoursAtLeast(s, min string) bool {
	v, ok := hours.Parse(s)
	if !ok {
		return false
	}
	m, ok := hours.Parse(min)
	if !ok {
		return false
	}
	return v.Cmp(m) >= 0
}
