// Package ledger tracks TimeBank-hour balances as an append-only chain.
//
// Every balance-affecting event is an immutable Entry carrying the signed
// amount and the owner's balance immediately after it. The per-user chain
//
//	entry[i].BalanceAfter == entry[i-1].BalanceAfter + entry[i].Amount
//
// is the sole source of truth for balances; nothing else may write them.
// A broken chain is fatal for that user: writes halt until an admin
// repairs the chain and clears the halt.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/tmarkov/timebank/internal/hours"
	"github.com/tmarkov/timebank/internal/logging"
	"github.com/tmarkov/timebank/internal/metrics"
)

var (
	ErrInsufficientBalance = errors.New("insufficient hour balance")
	ErrUserNotFound        = errors.New("user not found")
	ErrInvalidAmount       = errors.New("invalid hour amount")
	ErrChainBroken         = errors.New("ledger chain invariant violated")
	ErrWritesHalted        = errors.New("ledger writes halted for this user")
	ErrAlreadySettled      = errors.New("handshake already settled")
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	TypeProvision  EntryType = "provision"  // hours escrowed for a handshake
	TypeTransfer   EntryType = "transfer"   // settlement between the two parties
	TypeRefund     EntryType = "refund"     // escrow released back
	TypeAdjustment EntryType = "adjustment" // admin compensation, signup grant
)

// Entry is one immutable, append-only ledger row.
type Entry struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Type         EntryType `json:"type"`
	Amount       string    `json:"amount"` // signed, hours with 2 decimals
	BalanceAfter string    `json:"balanceAfter"`
	Description  string    `json:"description,omitempty"`
	HandshakeID  string    `json:"handshakeId,omitempty"`
	ServiceID    string    `json:"serviceId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Balance is a user's current position, derived from the chain.
type Balance struct {
	UserID    string    `json:"userId"`
	Available string    `json:"available"` // spendable hours; latest BalanceAfter
	Escrowed  string    `json:"escrowed"`  // hours provisioned into active handshakes
	Halted    bool      `json:"halted,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists ledger data. Each mutating call appends entries and
// updates the derived balance in one atomic unit, computing BalanceAfter
// from the previous chain head.
type Store interface {
	GetBalance(ctx context.Context, userID string) (*Balance, error)

	// Grant appends a positive adjustment (signup grant, admin credit).
	Grant(ctx context.Context, userID, amount, description string) error

	// Provision moves hours from available into escrow for a handshake.
	Provision(ctx context.Context, userID, amount, handshakeID, serviceID string) error

	// ReleaseProvision returns escrowed hours to available.
	ReleaseProvision(ctx context.Context, userID, amount, handshakeID string) error

	// Settle consumes the requester's escrow and credits the provider,
	// appending the paired transfer entries atomically. At most one
	// settlement may exist per handshake; a second call returns
	// ErrAlreadySettled.
	Settle(ctx context.Context, requesterID, providerID, amount, handshakeID, serviceID string) error

	// Compensate resolves a disputed handshake's escrow: the requester's
	// escrow is consumed and the beneficiary receives a compensating
	// adjustment. beneficiary may be the requester (refund) or the
	// counterparty (forfeit).
	Compensate(ctx context.Context, requesterID, beneficiaryID, amount, handshakeID, description string) error

	// History returns entries for a user, newest first, created strictly
	// before the cursor position when one is given.
	History(ctx context.Context, userID string, limit int, before time.Time, beforeID string) ([]*Entry, error)

	// ChainEntries returns the full chain for a user, oldest first.
	ChainEntries(ctx context.Context, userID string) ([]*Entry, error)

	// HasSettlement reports whether transfer entries exist for a handshake.
	HasSettlement(ctx context.Context, handshakeID string) (bool, error)

	SetHalted(ctx context.Context, userID string, halted bool) error
	IsHalted(ctx context.Context, userID string) (bool, error)
	ListUsers(ctx context.Context) ([]string, error)
}

// Ledger manages hour balances on top of a Store.
type Ledger struct {
	store Store
}

// New creates a new ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// GetBalance returns a user's current balance.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	return l.store.GetBalance(ctx, userID)
}

// CanSpend reports whether a user has at least amount hours available.
// This is the read-only check used when interest is expressed, before
// any escrow exists.
func (l *Ledger) CanSpend(ctx context.Context, userID, amount string) (bool, error) {
	want, ok := hours.Parse(amount)
	if !ok || want.Sign() <= 0 {
		return false, ErrInvalidAmount
	}
	bal, err := l.store.GetBalance(ctx, userID)
	if err != nil {
		return false, err
	}
	avail, _ := hours.Parse(bal.Available)
	return avail.Cmp(want) >= 0, nil
}

// Grant credits a user with a positive adjustment entry.
func (l *Ledger) Grant(ctx context.Context, userID, amount, description string) error {
	v, ok := hours.Parse(amount)
	if !ok || v.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := l.checkHalt(ctx, userID); err != nil {
		return err
	}
	return l.store.Grant(ctx, userID, amount, description)
}

// Provision escrows hours from a requester for a handshake.
func (l *Ledger) Provision(ctx context.Context, userID, amount, handshakeID, serviceID string) error {
	v, ok := hours.Parse(amount)
	if !ok || v.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := l.checkHalt(ctx, userID); err != nil {
		return err
	}
	return l.store.Provision(ctx, userID, amount, handshakeID, serviceID)
}

// ReleaseProvision returns escrowed hours to a requester.
func (l *Ledger) ReleaseProvision(ctx context.Context, userID, amount, handshakeID string) error {
	v, ok := hours.Parse(amount)
	if !ok || v.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := l.checkHalt(ctx, userID); err != nil {
		return err
	}
	return l.store.ReleaseProvision(ctx, userID, amount, handshakeID)
}

// Settle performs the one-time settlement for a handshake: the
// requester's escrow is consumed and the provider is credited. The store
// guarantees at most one settlement per handshake, which makes retries
// after the quorum safe.
func (l *Ledger) Settle(ctx context.Context, requesterID, providerID, amount, handshakeID, serviceID string) error {
	v, ok := hours.Parse(amount)
	if !ok || v.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := l.checkHalt(ctx, requesterID); err != nil {
		return err
	}
	if err := l.checkHalt(ctx, providerID); err != nil {
		return err
	}
	if err := l.store.Settle(ctx, requesterID, providerID, amount, handshakeID, serviceID); err != nil {
		return err
	}
	metrics.SettlementsTotal.Inc()
	if f, ok := hoursFloat(amount); ok {
		metrics.SettledHours.Observe(f)
	}
	return nil
}

// Compensate resolves a disputed handshake's escrow in favor of the
// non-offending party.
func (l *Ledger) Compensate(ctx context.Context, requesterID, beneficiaryID, amount, handshakeID, description string) error {
	v, ok := hours.Parse(amount)
	if !ok || v.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := l.checkHalt(ctx, requesterID); err != nil {
		return err
	}
	if beneficiaryID != requesterID {
		if err := l.checkHalt(ctx, beneficiaryID); err != nil {
			return err
		}
	}
	return l.store.Compensate(ctx, requesterID, beneficiaryID, amount, handshakeID, description)
}

// History returns ledger entries for a user, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int, before time.Time, beforeID string) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, userID, limit, before, beforeID)
}

// HasSettlement reports whether a handshake has already been settled.
func (l *Ledger) HasSettlement(ctx context.Context, handshakeID string) (bool, error) {
	return l.store.HasSettlement(ctx, handshakeID)
}

// VerifyChain replays a user's chain and checks the BalanceAfter
// invariant. On a break it halts further writes for that user and returns
// ErrChainBroken; the halt is never lifted automatically.
func (l *Ledger) VerifyChain(ctx context.Context, userID string) error {
	entries, err := l.store.ChainEntries(ctx, userID)
	if err != nil {
		return err
	}

	running := big.NewInt(0)
	for i, e := range entries {
		amt, ok := hours.Parse(e.Amount)
		if !ok {
			return l.breakChain(ctx, userID, fmt.Sprintf("entry %s has unparseable amount %q", e.ID, e.Amount))
		}
		after, ok := hours.Parse(e.BalanceAfter)
		if !ok {
			return l.breakChain(ctx, userID, fmt.Sprintf("entry %s has unparseable balance_after %q", e.ID, e.BalanceAfter))
		}
		running.Add(running, amt)
		if running.Cmp(after) != 0 {
			return l.breakChain(ctx, userID,
				fmt.Sprintf("entry %d (%s): balance_after %s, expected %s", i, e.ID, e.BalanceAfter, hours.Format(running)))
		}
	}

	// The chain head must agree with the derived balance.
	bal, err := l.store.GetBalance(ctx, userID)
	if err != nil {
		return err
	}
	avail, _ := hours.Parse(bal.Available)
	if avail.Cmp(running) != 0 {
		return l.breakChain(ctx, userID,
			fmt.Sprintf("derived balance %s disagrees with chain head %s", bal.Available, hours.Format(running)))
	}
	return nil
}

// ClearHalt lifts a write halt after manual repair. Admin only.
func (l *Ledger) ClearHalt(ctx context.Context, userID string) error {
	return l.store.SetHalted(ctx, userID, false)
}

// Users returns every user with a ledger presence.
func (l *Ledger) Users(ctx context.Context) ([]string, error) {
	return l.store.ListUsers(ctx)
}

func (l *Ledger) checkHalt(ctx context.Context, userID string) error {
	halted, err := l.store.IsHalted(ctx, userID)
	if err != nil {
		return err
	}
	if halted {
		return ErrWritesHalted
	}
	return nil
}

func (l *Ledger) breakChain(ctx context.Context, userID, detail string) error {
	logging.L(ctx).Error("ledger chain broken", "user_id", userID, "detail", detail)
	metrics.ChainBreaksTotal.Inc()
	if err := l.store.SetHalted(ctx, userID, true); err != nil {
		logging.L(ctx).Error("failed to halt ledger writes", "user_id", userID, "error", err)
	}
	return fmt.Errorf("%w: %s", ErrChainBroken, detail)
}

func hoursFloat(s string) (float64, bool) {
	v, ok := hours.Parse(s)
	if !ok {
		return 0, false
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), big.NewFloat(100)).Float64()
	return f, true
}
