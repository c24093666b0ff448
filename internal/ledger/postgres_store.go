package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/tmarkov/timebank/internal/hours"
	"github.com/tmarkov/timebank/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables. Idempotent; the canonical schema
// lives in migrations/, this covers fresh dev databases.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS user_balances (
			user_id      VARCHAR(64) PRIMARY KEY,
			available    NUMERIC(12,2) NOT NULL DEFAULT 0,
			escrowed     NUMERIC(12,2) NOT NULL DEFAULT 0,
			halted       BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_available_nonneg CHECK (available >= 0),
			CONSTRAINT chk_escrowed_nonneg  CHECK (escrowed >= 0)
		);

		CREATE TABLE IF NOT EXISTS ledger_entries (
			id            VARCHAR(36) PRIMARY KEY,
			user_id       VARCHAR(64) NOT NULL,
			type          VARCHAR(20) NOT NULL,
			amount        NUMERIC(12,2) NOT NULL,
			balance_after NUMERIC(12,2) NOT NULL,
			description   TEXT,
			handshake_id  VARCHAR(36),
			service_id    VARCHAR(36),
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS settlements (
			handshake_id VARCHAR(36) PRIMARY KEY,
			settled_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_user ON ledger_entries(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_ledger_handshake ON ledger_entries(handshake_id);
	`)
	return err
}

func (p *PostgresStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	bal := &Balance{UserID: userID}

	err := p.db.QueryRowContext(ctx, `
		SELECT available, escrowed, halted, updated_at
		FROM user_balances WHERE user_id = $1
	`, userID).Scan(&bal.Available, &bal.Escrowed, &bal.Halted, &bal.UpdatedAt)

	if err == sql.ErrNoRows {
		return &Balance{
			UserID:    userID,
			Available: "0.00",
			Escrowed:  "0.00",
			UpdatedAt: time.Now(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

// appendTx inserts an entry with balance_after computed from the locked
// balance row, and updates available. The caller must hold the row lock.
func appendTx(ctx context.Context, tx *sql.Tx, userID string, typ EntryType, amount, handshakeID, serviceID, description string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE user_balances
		SET available = available + $1::NUMERIC(12,2), updated_at = NOW()
		WHERE user_id = $2
	`, amount, userID)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, type, amount, balance_after, description, handshake_id, service_id)
		SELECT $1, $2, $3, $4::NUMERIC(12,2), available, $5, NULLIF($6,''), NULLIF($7,'')
		FROM user_balances WHERE user_id = $2
	`, idgen.WithPrefix("ent_"), userID, string(typ), amount, description, handshakeID, serviceID)
	return err
}

// lockBalance locks the balance row, creating it when absent.
func lockBalance(ctx context.Context, tx *sql.Tx, userID string) (available, escrowed string, err error) {
	_, err = tx.ExecContext(ctx, `
		INSERT INTO user_balances (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return "", "", err
	}
	err = tx.QueryRowContext(ctx, `
		SELECT available, escrowed FROM user_balances WHERE user_id = $1 FOR UPDATE
	`, userID).Scan(&available, &escrowed)
	return available, escrowed, err
}

func (p *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Grant(ctx context.Context, userID, amount, description string) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		if _, _, err := lockBalance(ctx, tx, userID); err != nil {
			return err
		}
		return appendTx(ctx, tx, userID, TypeAdjustment, amount, "", "", description)
	})
}

func (p *PostgresStore) Provision(ctx context.Context, userID, amount, handshakeID, serviceID string) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		avail, _, err := lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		if !gte(avail, amount) {
			return ErrInsufficientBalance
		}
		if err := appendTx(ctx, tx, userID, TypeProvision, hours.Neg(amount), handshakeID, serviceID, "hours_provisioned"); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE user_balances SET escrowed = escrowed + $1::NUMERIC(12,2) WHERE user_id = $2
		`, amount, userID)
		return err
	})
}

func (p *PostgresStore) ReleaseProvision(ctx context.Context, userID, amount, handshakeID string) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		_, escrowed, err := lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		if !gte(escrowed, amount) {
			return ErrInsufficientBalance
		}
		if err := appendTx(ctx, tx, userID, TypeRefund, amount, handshakeID, "", "provision_released"); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE user_balances SET escrowed = escrowed - $1::NUMERIC(12,2) WHERE user_id = $2
		`, amount, userID)
		return err
	})
}

func (p *PostgresStore) Settle(ctx context.Context, requesterID, providerID, amount, handshakeID, serviceID string) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		// The settlements primary key is the idempotence guard: the
		// second concurrent settlement attempt fails here and nothing
		// else in its transaction survives.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO settlements (handshake_id) VALUES ($1)
		`, handshakeID); err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadySettled
			}
			return err
		}

		_, escrowed, err := lockBalance(ctx, tx, requesterID)
		if err != nil {
			return err
		}
		if !gte(escrowed, amount) {
			return ErrInsufficientBalance
		}

		// Requester: escrow consumed, paired zero-amount transfer keeps
		// the chain gap-free on both sides of the exchange.
		if err := appendTx(ctx, tx, requesterID, TypeTransfer, "0.00", handshakeID, serviceID, "escrow_settled:"+amount); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE user_balances SET escrowed = escrowed - $1::NUMERIC(12,2) WHERE user_id = $2
		`, amount, requesterID); err != nil {
			return err
		}

		// Provider: credited in full.
		if _, _, err := lockBalance(ctx, tx, providerID); err != nil {
			return err
		}
		return appendTx(ctx, tx, providerID, TypeTransfer, amount, handshakeID, serviceID, "exchange_settled")
	})
}

func (p *PostgresStore) Compensate(ctx context.Context, requesterID, beneficiaryID, amount, handshakeID, description string) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		_, escrowed, err := lockBalance(ctx, tx, requesterID)
		if err != nil {
			return err
		}
		if !gte(escrowed, amount) {
			return ErrInsufficientBalance
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE user_balances SET escrowed = escrowed - $1::NUMERIC(12,2) WHERE user_id = $2
		`, amount, requesterID); err != nil {
			return err
		}

		if beneficiaryID == requesterID {
			return appendTx(ctx, tx, requesterID, TypeAdjustment, amount, handshakeID, "", description)
		}

		if err := appendTx(ctx, tx, requesterID, TypeAdjustment, "0.00", handshakeID, "", "escrow_forfeited:"+amount); err != nil {
			return err
		}
		if _, _, err := lockBalance(ctx, tx, beneficiaryID); err != nil {
			return err
		}
		return appendTx(ctx, tx, beneficiaryID, TypeAdjustment, amount, handshakeID, "", description)
	})
}

const entryColumns = `id, user_id, type, amount, balance_after,
	COALESCE(description, ''), COALESCE(handshake_id, ''), COALESCE(service_id, ''), created_at`

func (p *PostgresStore) History(ctx context.Context, userID string, limit int, before time.Time, beforeID string) ([]*Entry, error) {
	var rows *sql.Rows
	var err error

	if before.IsZero() {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+entryColumns+` FROM ledger_entries
			WHERE user_id = $1
			ORDER BY created_at DESC, id DESC LIMIT $2
		`, userID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+entryColumns+` FROM ledger_entries
			WHERE user_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC LIMIT $4
		`, userID, before, beforeID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func (p *PostgresStore) ChainEntries(ctx context.Context, userID string) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at ASC, id ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func (p *PostgresStore) HasSettlement(ctx context.Context, handshakeID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM settlements WHERE handshake_id = $1)
	`, handshakeID).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) SetHalted(ctx context.Context, userID string, halted bool) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO user_balances (user_id, halted) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET halted = $2, updated_at = NOW()
	`, userID, halted)
	return err
}

func (p *PostgresStore) IsHalted(ctx context.Context, userID string) (bool, error) {
	var halted bool
	err := p.db.QueryRowContext(ctx, `
		SELECT halted FROM user_balances WHERE user_id = $1
	`, userID).Scan(&halted)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return halted, err
}

func (p *PostgresStore) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT user_id FROM user_balances ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var typ string
		if err := rows.Scan(&e.ID, &e.UserID, &typ, &e.Amount, &e.BalanceAfter,
			&e.Description, &e.HandshakeID, &e.ServiceID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EntryType(typ)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// gte compares two hour strings.
func gte(a, b string) bool {
	av, okA := hours.Parse(a)
	bv, okB := hours.Parse(b)
	if !okA || !okB {
		return false
	}
	return av.Cmp(bv) >= 0
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
