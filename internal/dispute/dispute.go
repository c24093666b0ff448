// Package dispute handles reports filed against handshakes and their
// administrative resolution.
//
// While a report is pending the referenced handshake is frozen: it is
// excluded from quorum settlement and normal transitions until an admin
// confirms the report (cancel + compensating adjustment) or dismisses it
// (revert to the pre-report status).
package dispute

import (
	"context"
	"errors"
	"time"

	"github.com/tmarkov/timebank/internal/handshake"
)

var (
	ErrReportNotFound   = errors.New("report not found")
	ErrOpenReportExists = errors.New("an open report already exists for this handshake")
	ErrAlreadyResolved  = errors.New("report already resolved")
	ErrNotReportable    = errors.New("handshake cannot be reported in its current status")
	ErrInvalidAction    = errors.New("resolution action must be confirm or dismiss")
)

// ReportStatus represents the state of a report.
type ReportStatus string

const (
	ReportPending   ReportStatus = "pending"
	ReportResolved  ReportStatus = "resolved"
	ReportDismissed ReportStatus = "dismissed"
)

// Issue types. no_show is the primary case; the field is free-form
// beyond these so new categories need no schema change.
const (
	IssueNoShow  = "no_show"
	IssueConduct = "conduct"
	IssueOther   = "other"
)

// Resolution actions.
const (
	ActionConfirm = "confirm"
	ActionDismiss = "dismiss"
)

// Report is a dispute opened against exactly one handshake.
type Report struct {
	ID          string       `json:"id"`
	HandshakeID string       `json:"handshakeId"`
	ReporterID  string       `json:"reporterId"`
	IssueType   string       `json:"issueType"`
	Status      ReportStatus `json:"status"`
	Description string       `json:"description,omitempty"`

	ResolvedBy      string     `json:"resolvedBy,omitempty"`
	ResolutionNotes string     `json:"resolutionNotes,omitempty"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// FileRequest contains the parameters for filing a report.
type FileRequest struct {
	HandshakeID string `json:"handshakeId" binding:"required"`
	IssueType   string `json:"issueType" binding:"required"`
	Description string `json:"description"`
}

// ResolveRequest contains the parameters for resolving a report.
type ResolveRequest struct {
	Action string `json:"action" binding:"required"` // confirm | dismiss
	Notes  string `json:"notes"`
}

// Store persists reports.
type Store interface {
	Create(ctx context.Context, r *Report) error
	Get(ctx context.Context, id string) (*Report, error)
	Update(ctx context.Context, r *Report) error

	// GetOpenByHandshake returns the pending report for a handshake, or
	// ErrReportNotFound.
	GetOpenByHandshake(ctx context.Context, handshakeID string) (*Report, error)

	ListByHandshake(ctx context.Context, handshakeID string) ([]*Report, error)
	ListOpen(ctx context.Context, limit int) ([]*Report, error)
}

// HandshakeResolver is what the dispute path needs from the handshake
// state machine.
type HandshakeResolver interface {
	MarkReported(ctx context.Context, id, actorID string) (*handshake.Handshake, error)
	MarkPaused(ctx context.Context, id string) (*handshake.Handshake, error)
	ResolveCancel(ctx context.Context, id, beneficiaryID, reason string) (*handshake.Handshake, error)
	ResolveRevert(ctx context.Context, id string) (*handshake.Handshake, error)
}
