package dispute

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists reports in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed report store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the reports table if it does not exist. The partial
// unique index enforces one open report per handshake at the storage
// layer.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS reports (
			id TEXT PRIMARY KEY,
			handshake_id TEXT NOT NULL,
			reporter_id TEXT NOT NULL,
			issue_type TEXT NOT NULL,
			status TEXT NOT NULL,
			description TEXT,
			resolved_by TEXT,
			resolution_notes TEXT,
			resolved_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_reports_one_open
			ON reports(handshake_id) WHERE status = 'pending';
		CREATE INDEX IF NOT EXISTS idx_reports_handshake ON reports(handshake_id);
	`)
	return err
}

const reportColumns = `id, handshake_id, reporter_id, issue_type, status,
	description, resolved_by, resolution_notes, resolved_at, created_at`

func (p *PostgresStore) Create(ctx context.Context, r *Report) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reports (
			id, handshake_id, reporter_id, issue_type, status,
			description, resolved_by, resolution_notes, resolved_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.HandshakeID, r.ReporterID, r.IssueType, string(r.Status),
		nullStr(r.Description), nullStr(r.ResolvedBy), nullStr(r.ResolutionNotes),
		nullTime(r.ResolvedAt), r.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Report, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE id = $1`, id)

	r, err := scanReport(row)
	if err == sql.ErrNoRows {
		return nil, ErrReportNotFound
	}
	return r, err
}

func (p *PostgresStore) Update(ctx context.Context, r *Report) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE reports SET
			status = $1, resolved_by = $2, resolution_notes = $3, resolved_at = $4
		WHERE id = $5`,
		string(r.Status), nullStr(r.ResolvedBy), nullStr(r.ResolutionNotes),
		nullTime(r.ResolvedAt), r.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrReportNotFound
	}
	return nil
}

func (p *PostgresStore) GetOpenByHandshake(ctx context.Context, handshakeID string) (*Report, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM reports
		WHERE handshake_id = $1 AND status = 'pending' LIMIT 1`, handshakeID)

	r, err := scanReport(row)
	if err == sql.ErrNoRows {
		return nil, ErrReportNotFound
	}
	return r, err
}

func (p *PostgresStore) ListByHandshake(ctx context.Context, handshakeID string) ([]*Report, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+reportColumns+` FROM reports
		WHERE handshake_id = $1 ORDER BY created_at DESC`, handshakeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanReports(rows)
}

func (p *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*Report, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+reportColumns+` FROM reports
		WHERE status = 'pending' ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanReports(rows)
}

// --- scanners ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReport(sc scanner) (*Report, error) {
	r := &Report{}
	var (
		status          string
		description     sql.NullString
		resolvedBy      sql.NullString
		resolutionNotes sql.NullString
		resolvedAt      sql.NullTime
	)

	err := sc.Scan(
		&r.ID, &r.HandshakeID, &r.ReporterID, &r.IssueType, &status,
		&description, &resolvedBy, &resolutionNotes, &resolvedAt, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = ReportStatus(status)
	r.Description = description.String
	r.ResolvedBy = resolvedBy.String
	r.ResolutionNotes = resolutionNotes.String
	if resolvedAt.Valid {
		r.ResolvedAt = &resolvedAt.Time
	}
	return r, nil
}

func scanReports(rows *sql.Rows) ([]*Report, error) {
	var result []*Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
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
