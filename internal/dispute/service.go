package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tmarkov/timebank/internal/handshake"
	"github.com/tmarkov/timebank/internal/idgen"
	"github.com/tmarkov/timebank/internal/logging"
	"github.com/tmarkov/timebank/internal/metrics"
)

// Service implements dispute business logic.
type Service struct {
	store      Store
	handshakes HandshakeResolver
}

// NewService creates a new dispute service.
func NewService(store Store, handshakes HandshakeResolver) *Service {
	return &Service{store: store, handshakes: handshakes}
}

// File opens a report against a handshake and freezes it. Only one open
// report may exist per handshake; a second filing is rejected while the
// first is pending.
func (s *Service) File(ctx context.Context, reporterID string, req FileRequest) (*Report, error) {
	if req.IssueType == "" {
		req.IssueType = IssueOther
	}

	if _, err := s.store.GetOpenByHandshake(ctx, req.HandshakeID); err == nil {
		return nil, ErrOpenReportExists
	} else if !errors.Is(err, ErrReportNotFound) {
		return nil, err
	}

	// Freeze the handshake first; its guards also validate that the
	// reporter is a party and the handshake is non-terminal.
	if _, err := s.handshakes.MarkReported(ctx, req.HandshakeID, reporterID); err != nil {
		if errors.Is(err, handshake.ErrInvalidStatus) {
			return nil, ErrNotReportable
		}
		return nil, err
	}

	r := &Report{
		ID:          idgen.WithPrefix("rpt_"),
		HandshakeID: req.HandshakeID,
		ReporterID:  reporterID,
		IssueType:   req.IssueType,
		Status:      ReportPending,
		Description: req.Description,
		CreatedAt:   time.Now(),
	}
	if err := s.store.Create(ctx, r); err != nil {
		// Unfreeze; a handshake must never sit in reported without a
		// report row an admin can act on.
		if _, revErr := s.handshakes.ResolveRevert(ctx, req.HandshakeID); revErr != nil {
			logging.L(ctx).Error("failed to unfreeze handshake after lost report write",
				"handshake_id", req.HandshakeID, "error", revErr)
		}
		return nil, fmt.Errorf("failed to create report: %w", err)
	}

	metrics.ReportsFiledTotal.Inc()
	return r, nil
}

// Pause moves the reported handshake to paused pending investigation.
// Admin only (enforced by the route).
func (s *Service) Pause(ctx context.Context, reportID string) (*Report, error) {
	r, err := s.store.Get(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if r.Status != ReportPending {
		return nil, ErrAlreadyResolved
	}
	if _, err := s.handshakes.MarkPaused(ctx, r.HandshakeID); err != nil {
		return nil, err
	}
	return r, nil
}

// Resolve closes a pending report. confirm cancels the handshake with a
// compensating adjustment directing any escrow to the reporting party;
// dismiss reverts the handshake to its pre-report status.
func (s *Service) Resolve(ctx context.Context, reportID, adminID string, req ResolveRequest) (*Report, error) {
	r, err := s.store.Get(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if r.Status != ReportPending {
		return nil, ErrAlreadyResolved
	}

	switch req.Action {
	case ActionConfirm:
		reason := req.Notes
		if reason == "" {
			reason = r.IssueType + " confirmed"
		}
		if _, err := s.handshakes.ResolveCancel(ctx, r.HandshakeID, r.ReporterID, reason); err != nil {
			return nil, err
		}
		r.Status = ReportResolved
	case ActionDismiss:
		if _, err := s.handshakes.ResolveRevert(ctx, r.HandshakeID); err != nil {
			return nil, err
		}
		r.Status = ReportDismissed
	default:
		return nil, ErrInvalidAction
	}

	now := time.Now()
	r.ResolvedBy = adminID
	r.ResolutionNotes = req.Notes
	r.ResolvedAt = &now
	if err := s.store.Update(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to update report: %w", err)
	}

	metrics.ReportsResolvedTotal.WithLabelValues(req.Action).Inc()
	return r, nil
}

// Get returns a report by ID.
func (s *Service) Get(ctx context.Context, id string) (*Report, error) {
	return s.store.Get(ctx, id)
}

// ListByHandshake returns all reports filed against a handshake.
func (s *Service) ListByHandshake(ctx context.Context, handshakeID string) ([]*Report, error) {
	return s.store.ListByHandshake(ctx, handshakeID)
}

// ListOpen returns pending reports for the admin queue.
func (s *Service) ListOpen(ctx context.Context, limit int) ([]*Report, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListOpen(ctx, limit)
}

// HasOpenReport reports whether a pending report exists for a handshake.
// Implements the settlement exclusion check.
func (s *Service) HasOpenReport(ctx context.Context, handshakeID string) (bool, error) {
	_, err := s.store.GetOpenByHandshake(ctx, handshakeID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrReportNotFound) {
		return false, nil
	}
	return false, err
}

// Compile-time assertion that Service can gate settlement.
var _ handshake.DisputeChecker = (*Service)(nil)
