package directory

import (
	"context"
	"database/sql"
)

// PostgresStore persists listings in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed listing store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the listings table if it does not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS listings (
			id TEXT PRIMARY KEY,
			provider_id TEXT NOT NULL,
			title TEXT NOT NULL,
			category TEXT,
			description TEXT,
			hours_per_slot TEXT NOT NULL DEFAULT '1.00',
			capacity INTEGER NOT NULL DEFAULT 1,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_listings_provider ON listings(provider_id);
		CREATE INDEX IF NOT EXISTS idx_listings_category ON listings(category) WHERE active;
	`)
	return err
}

const listingColumns = `id, provider_id, title, category, description,
	hours_per_slot, capacity, active, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, l *Listing) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO listings (
			id, provider_id, title, category, description,
			hours_per_slot, capacity, active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		l.ID, l.ProviderID, l.Title, nullStr(l.Category), nullStr(l.Description),
		l.HoursPerSlot, l.Capacity, l.Active, l.CreatedAt, l.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Listing, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)

	l, err := scanListing(row)
	if err == sql.ErrNoRows {
		return nil, ErrListingNotFound
	}
	return l, err
}

func (p *PostgresStore) Update(ctx context.Context, l *Listing) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE listings SET
			title = $1, category = $2, description = $3,
			hours_per_slot = $4, capacity = $5, active = $6, updated_at = $7
		WHERE id = $8`,
		l.Title, nullStr(l.Category), nullStr(l.Description),
		l.HoursPerSlot, l.Capacity, l.Active, l.UpdatedAt, l.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrListingNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, category string, activeOnly bool, limit int) ([]*Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE 1=1`
	args := []any{}
	if activeOnly {
		query += ` AND active`
	}
	if category != "" {
		args = append(args, category)
		query += ` AND category = $1`
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		args = append(args, limit)
		if category != "" {
			query += ` LIMIT $2`
		} else {
			query += ` LIMIT $1`
		}
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanListings(rows)
}

func (p *PostgresStore) ListByProvider(ctx context.Context, providerID string) ([]*Listing, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+listingColumns+` FROM listings
		 WHERE provider_id = $1 ORDER BY created_at DESC`, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanListings(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanListing(row scanner) (*Listing, error) {
	var l Listing
	var category, description sql.NullString
	err := row.Scan(
		&l.ID, &l.ProviderID, &l.Title, &category, &description,
		&l.HoursPerSlot, &l.Capacity, &l.Active, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.Category = category.String
	l.Description = description.String
	return &l, nil
}

func scanListings(rows *sql.Rows) ([]*Listing, error) {
	var out []*Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
