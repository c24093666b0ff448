package handshake

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists handshakes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed handshake store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the handshakes table if it does not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS handshakes (
			id TEXT PRIMARY KEY,
			service_id TEXT NOT NULL,
			requester_id TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			status TEXT NOT NULL,
			provisioned_hours TEXT NOT NULL,
			escrowed_hours TEXT NOT NULL DEFAULT '0.00',
			exact_location TEXT,
			exact_duration TEXT,
			scheduled_time TIMESTAMPTZ,
			provider_initiated BOOLEAN NOT NULL DEFAULT FALSE,
			requester_initiated BOOLEAN NOT NULL DEFAULT FALSE,
			details_approved BOOLEAN NOT NULL DEFAULT FALSE,
			provider_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
			receiver_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
			prior_status TEXT,
			message TEXT,
			cancel_reason TEXT,
			revision INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_handshakes_service_requester
			ON handshakes(service_id, requester_id);
		CREATE INDEX IF NOT EXISTS idx_handshakes_provider ON handshakes(provider_id);
		CREATE INDEX IF NOT EXISTS idx_handshakes_requester ON handshakes(requester_id);
	`)
	return err
}

// handshakeColumns is the SELECT column list for handshakes.
const handshakeColumns = `id, service_id, requester_id, provider_id, status,
	provisioned_hours, escrowed_hours,
	exact_location, exact_duration, scheduled_time,
	provider_initiated, requester_initiated, details_approved,
	provider_confirmed, receiver_confirmed,
	prior_status, message, cancel_reason, revision,
	created_at, updated_at, completed_at`

func (p *PostgresStore) Create(ctx context.Context, h *Handshake) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO handshakes (
			id, service_id, requester_id, provider_id, status,
			provisioned_hours, escrowed_hours,
			exact_location, exact_duration, scheduled_time,
			provider_initiated, requester_initiated, details_approved,
			provider_confirmed, receiver_confirmed,
			prior_status, message, cancel_reason, revision,
			created_at, updated_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7,
			$8, $9, $10,
			$11, $12, $13,
			$14, $15,
			$16, $17, $18, $19,
			$20, $21, $22
		)`,
		h.ID, h.ServiceID, h.RequesterID, h.ProviderID, string(h.Status),
		h.ProvisionedHours, h.EscrowedHours,
		nullStr(h.ExactLocation), nullStr(h.ExactDuration), nullTime(h.ScheduledTime),
		h.ProviderInitiated, h.RequesterInitiated, h.DetailsApproved,
		h.ProviderConfirmed, h.ReceiverConfirmed,
		nullStr(string(h.PriorStatus)), nullStr(h.Message), nullStr(h.CancelReason), h.Revision,
		h.CreatedAt, h.UpdatedAt, nullTime(h.CompletedAt),
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Handshake, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+handshakeColumns+` FROM handshakes WHERE id = $1`, id)

	h, err := scanHandshake(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return h, err
}

// Update applies compare-and-swap on (id, revision). A lost race surfaces
// ErrStaleRevision rather than silently overwriting the newer record.
func (p *PostgresStore) Update(ctx context.Context, h *Handshake) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE handshakes SET
			status = $1, provisioned_hours = $2, escrowed_hours = $3,
			exact_location = $4, exact_duration = $5, scheduled_time = $6,
			provider_initiated = $7, requester_initiated = $8, details_approved = $9,
			provider_confirmed = $10, receiver_confirmed = $11,
			prior_status = $12, cancel_reason = $13,
			revision = revision + 1,
			updated_at = $14, completed_at = $15
		WHERE id = $16 AND revision = $17`,
		string(h.Status), h.ProvisionedHours, h.EscrowedHours,
		nullStr(h.ExactLocation), nullStr(h.ExactDuration), nullTime(h.ScheduledTime),
		h.ProviderInitiated, h.RequesterInitiated, h.DetailsApproved,
		h.ProviderConfirmed, h.ReceiverConfirmed,
		nullStr(string(h.PriorStatus)), nullStr(h.CancelReason),
		h.UpdatedAt, nullTime(h.CompletedAt),
		h.ID, h.Revision,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a missing record from a lost CAS race.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM handshakes WHERE id = $1)`, h.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStaleRevision
	}
	h.Revision++
	return nil
}

func (p *PostgresStore) GetActive(ctx context.Context, serviceID, requesterID string) (*Handshake, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+handshakeColumns+` FROM handshakes
		WHERE service_id = $1 AND requester_id = $2
		  AND status NOT IN ('completed', 'denied', 'cancelled')
		LIMIT 1`,
		serviceID, requesterID)

	h, err := scanHandshake(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return h, err
}

func (p *PostgresStore) ListByParty(ctx context.Context, actorID string, limit int) ([]*Handshake, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+handshakeColumns+` FROM handshakes
		WHERE provider_id = $1 OR requester_id = $1
		ORDER BY created_at DESC LIMIT $2`,
		actorID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanHandshakes(rows)
}

func (p *PostgresStore) ListByService(ctx context.Context, serviceID string, limit int) ([]*Handshake, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+handshakeColumns+` FROM handshakes
		WHERE service_id = $1
		ORDER BY created_at DESC LIMIT $2`,
		serviceID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanHandshakes(rows)
}

// --- scanners ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanHandshake(sc scanner) (*Handshake, error) {
	h := &Handshake{}
	var (
		status        string
		exactLocation sql.NullString
		exactDuration sql.NullString
		scheduledTime sql.NullTime
		priorStatus   sql.NullString
		message       sql.NullString
		cancelReason  sql.NullString
		completedAt   sql.NullTime
	)

	err := sc.Scan(
		&h.ID, &h.ServiceID, &h.RequesterID, &h.ProviderID, &status,
		&h.ProvisionedHours, &h.EscrowedHours,
		&exactLocation, &exactDuration, &scheduledTime,
		&h.ProviderInitiated, &h.RequesterInitiated, &h.DetailsApproved,
		&h.ProviderConfirmed, &h.ReceiverConfirmed,
		&priorStatus, &message, &cancelReason, &h.Revision,
		&h.CreatedAt, &h.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	h.Status = Status(status)
	h.ExactLocation = exactLocation.String
	h.ExactDuration = exactDuration.String
	h.PriorStatus = Status(priorStatus.String)
	h.Message = message.String
	h.CancelReason = cancelReason.String
	if scheduledTime.Valid {
		h.ScheduledTime = &scheduledTime.Time
	}
	if completedAt.Valid {
		h.CompletedAt = &completedAt.Time
	}

	return h, nil
}

func scanHandshakes(rows *sql.Rows) ([]*Handshake, error) {
	var result []*Handshake
	for rows.Next() {
		h, err := scanHandshake(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
