package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tmarkov/timebank/internal/hours"
	"github.com/tmarkov/timebank/internal/idgen"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	balances    map[string]*Balance
	entries     []*Entry
	settlements map[string]bool // handshakeID -> settled
	halted      map[string]bool
	mu          sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:    make(map[string]*Balance),
		entries:     make([]*Entry, 0),
		settlements: make(map[string]bool),
		halted:      make(map[string]bool),
	}
}

func (m *MemoryStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[userID]; ok {
		cp := *bal
		cp.Halted = m.halted[userID]
		return &cp, nil
	}
	return &Balance{
		UserID:    userID,
		Available: "0.00",
		Escrowed:  "0.00",
		UpdatedAt: time.Now(),
	}, nil
}

// balanceLocked returns (creating if needed) the mutable balance record.
func (m *MemoryStore) balanceLocked(userID string) *Balance {
	bal, ok := m.balances[userID]
	if !ok {
		bal = &Balance{
			UserID:    userID,
			Available: "0.00",
			Escrowed:  "0.00",
		}
		m.balances[userID] = bal
	}
	return bal
}

// appendLocked appends an entry, computing BalanceAfter from the user's
// current available balance plus the entry amount, and applies the new
// available balance.
func (m *MemoryStore) appendLocked(bal *Balance, typ EntryType, amount, handshakeID, serviceID, description string) {
	avail, _ := hours.Parse(bal.Available)
	amt, _ := hours.Parse(amount)
	avail.Add(avail, amt)
	bal.Available = hours.Format(avail)
	bal.UpdatedAt = time.Now()

	m.entries = append(m.entries, &Entry{
		ID:           idgen.WithPrefix("ent_"),
		UserID:       bal.UserID,
		Type:         typ,
		Amount:       hours.Format(amt),
		BalanceAfter: bal.Available,
		Description:  description,
		HandshakeID:  handshakeID,
		ServiceID:    serviceID,
		CreatedAt:    time.Now(),
	})
}

func (m *MemoryStore) Grant(ctx context.Context, userID, amount, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balanceLocked(userID)
	m.appendLocked(bal, TypeAdjustment, amount, "", "", description)
	return nil
}

func (m *MemoryStore) Provision(ctx context.Context, userID, amount, handshakeID, serviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balanceLocked(userID)
	avail, _ := hours.Parse(bal.Available)
	amt, _ := hours.Parse(amount)
	if avail.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}

	m.appendLocked(bal, TypeProvision, hours.Neg(amount), handshakeID, serviceID, "hours_provisioned")

	esc, _ := hours.Parse(bal.Escrowed)
	esc.Add(esc, amt)
	bal.Escrowed = hours.Format(esc)
	return nil
}

func (m *MemoryStore) ReleaseProvision(ctx context.Context, userID, amount, handshakeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[userID]
	if !ok {
		return ErrUserNotFound
	}

	esc, _ := hours.Parse(bal.Escrowed)
	amt, _ := hours.Parse(amount)
	if esc.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}

	m.appendLocked(bal, TypeRefund, amount, handshakeID, "", "provision_released")

	esc.Sub(esc, amt)
	bal.Escrowed = hours.Format(esc)
	return nil
}

func (m *MemoryStore) Settle(ctx context.Context, requesterID, providerID, amount, handshakeID, serviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.settlements[handshakeID] {
		return ErrAlreadySettled
	}

	reqBal, ok := m.balances[requesterID]
	if !ok {
		return ErrUserNotFound
	}

	esc, _ := hours.Parse(reqBal.Escrowed)
	amt, _ := hours.Parse(amount)
	if esc.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}

	// Requester side: escrow consumed, no available change. The paired
	// zero-amount transfer keeps the per-user chain gap-free while
	// recording the settlement on both sides.
	esc.Sub(esc, amt)
	reqBal.Escrowed = hours.Format(esc)
	m.appendLocked(reqBal, TypeTransfer, "0.00", handshakeID, serviceID, "escrow_settled:"+amount)

	// Provider side: credited in full.
	provBal := m.balanceLocked(providerID)
	m.appendLocked(provBal, TypeTransfer, amount, handshakeID, serviceID, "exchange_settled")

	m.settlements[handshakeID] = true
	return nil
}

func (m *MemoryStore) Compensate(ctx context.Context, requesterID, beneficiaryID, amount, handshakeID, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	reqBal, ok := m.balances[requesterID]
	if !ok {
		return ErrUserNotFound
	}

	esc, _ := hours.Parse(reqBal.Escrowed)
	amt, _ := hours.Parse(amount)
	if esc.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}

	esc.Sub(esc, amt)
	reqBal.Escrowed = hours.Format(esc)

	if beneficiaryID == requesterID {
		// Refund back to the requester's available balance.
		m.appendLocked(reqBal, TypeAdjustment, amount, handshakeID, "", description)
		return nil
	}

	// Escrow forfeited by the requester, credited to the counterparty.
	m.appendLocked(reqBal, TypeAdjustment, "0.00", handshakeID, "", "escrow_forfeited:"+amount)
	benBal := m.balanceLocked(beneficiaryID)
	m.appendLocked(benBal, TypeAdjustment, amount, handshakeID, "", description)
	return nil
}

func (m *MemoryStore) History(ctx context.Context, userID string, limit int, before time.Time, beforeID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.entries[i]
		if e.UserID != userID {
			continue
		}
		if !before.IsZero() {
			if e.CreatedAt.After(before) {
				continue
			}
			if e.CreatedAt.Equal(before) && e.ID >= beforeID {
				continue
			}
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) ChainEntries(ctx context.Context, userID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.UserID == userID {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) HasSettlement(ctx context.Context, handshakeID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settlements[handshakeID], nil
}

func (m *MemoryStore) SetHalted(ctx context.Context, userID string, halted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.halted[userID] = halted
	return nil
}

func (m *MemoryStore) IsHalted(ctx context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.halted[userID], nil
}

func (m *MemoryStore) ListUsers(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]string, 0, len(m.balances))
	for id := range m.balances {
		users = append(users, id)
	}
	sort.Strings(users)
	return users, nil
}

// TamperEntry overwrites an entry's BalanceAfter in place. Test hook for
// chain verification; never used outside tests.
func (m *MemoryStore) TamperEntry(index int, balanceAfter string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index >= 0 && index < len(m.entries) {
		m.entries[index].BalanceAfter = balanceAfter
	}
}

var _ Store = (*MemoryStore)(nil)
