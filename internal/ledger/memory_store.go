package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/tradewire/p2p-escrow/internal/idgen"
	"github.com/tradewire/p2p-escrow/internal/money"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
// All mutating operations take the single write lock, so each movement is
// atomic with respect to concurrent callers.
type MemoryStore struct {
	mu        sync.RWMutex
	available map[string]*big.Int
	escrowed  map[string]*big.Int
	locked    map[string]*big.Int // remaining escrow per trade
	entries   []*Entry
	updated   map[string]time.Time
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		available: make(map[string]*big.Int),
		escrowed:  make(map[string]*big.Int),
		locked:    make(map[string]*big.Int),
		updated:   make(map[string]time.Time),
	}
}

func (m *MemoryStore) GetBalance(ctx context.Context, actorID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Read without the lazy-init helpers: those mutate the maps and this
	// method only holds the read lock.
	av, esc := m.available[actorID], m.escrowed[actorID]
	return &Balance{
		ActorID:   actorID,
		Available: money.Format(av),
		Escrowed:  money.Format(esc),
		UpdatedAt: m.updated[actorID],
	}, nil
}

func (m *MemoryStore) Deposit(ctx context.Context, actorID, amount, reference string) error {
	amt, ok := money.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.avail(actorID).Add(m.avail(actorID), amt)
	m.append(&Entry{Direction: DirDeposit, ToActor: actorID, Amount: amount, Reference: reference})
	m.touch(actorID)
	return nil
}

func (m *MemoryStore) Lock(ctx context.Context, tradeID, sellerID, amount string) error {
	amt, ok := money.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	avail := m.avail(sellerID)
	if avail.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}

	avail.Sub(avail, amt)
	m.esc(sellerID).Add(m.esc(sellerID), amt)
	m.lockedFor(tradeID).Add(m.lockedFor(tradeID), amt)
	m.append(&Entry{TradeID: tradeID, Direction: DirLock, FromActor: sellerID, ToActor: sellerID, Amount: amount})
	m.touch(sellerID)
	return nil
}

func (m *MemoryStore) Release(ctx context.Context, tradeID, buyerID, amount, feeAmount, platformAccount string) error {
	amt, ok := money.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}
	fee, ok := money.Parse(feeAmount)
	if !ok {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sellerID, err := m.debitEscrow(tradeID, amt)
	if err != nil {
		return err
	}

	payout := new(big.Int).Sub(amt, fee)
	m.avail(buyerID).Add(m.avail(buyerID), payout)
	m.append(&Entry{TradeID: tradeID, Direction: DirReleaseToBuyer, FromActor: sellerID, ToActor: buyerID, Amount: money.Format(payout)})
	if fee.Sign() > 0 {
		m.avail(platformAccount).Add(m.avail(platformAccount), fee)
		m.append(&Entry{TradeID: tradeID, Direction: DirFeeDeduction, FromActor: sellerID, ToActor: platformAccount, Amount: money.Format(fee)})
		m.touch(platformAccount)
	}
	m.touch(sellerID)
	m.touch(buyerID)
	return nil
}

func (m *MemoryStore) Return(ctx context.Context, tradeID, sellerID, amount string) error {
	amt, ok := money.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.debitEscrow(tradeID, amt); err != nil {
		return err
	}

	m.avail(sellerID).Add(m.avail(sellerID), amt)
	m.append(&Entry{TradeID: tradeID, Direction: DirReturnToSeller, FromActor: sellerID, ToActor: sellerID, Amount: amount})
	m.touch(sellerID)
	return nil
}

func (m *MemoryStore) Split(ctx context.Context, tradeID, buyerID, sellerID, buyerAmount, sellerAmount string) error {
	ba, ok := money.Parse(buyerAmount)
	if !ok {
		return ErrInvalidAmount
	}
	sa, ok := money.Parse(sellerAmount)
	if !ok {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	total := new(big.Int).Add(ba, sa)
	if _, err := m.debitEscrow(tradeID, total); err != nil {
		return err
	}

	if ba.Sign() > 0 {
		m.avail(buyerID).Add(m.avail(buyerID), ba)
		m.append(&Entry{TradeID: tradeID, Direction: DirPartialSplit, FromActor: sellerID, ToActor: buyerID, Amount: money.Format(ba)})
	}
	if sa.Sign() > 0 {
		m.avail(sellerID).Add(m.avail(sellerID), sa)
		m.append(&Entry{TradeID: tradeID, Direction: DirPartialSplit, FromActor: sellerID, ToActor: sellerID, Amount: money.Format(sa)})
	}
	m.touch(buyerID)
	m.touch(sellerID)
	return nil
}

func (m *MemoryStore) TradeEntries(ctx context.Context, tradeID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.TradeID == tradeID {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) History(ctx context.Context, actorID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.entries[i]
		if e.FromActor == actorID || e.ToActor == actorID {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) ActorEntries(ctx context.Context, actorID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.FromActor == actorID || e.ToActor == actorID {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) AllActors(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	actors := make([]string, 0, len(m.available))
	for id := range m.available {
		actors = append(actors, id)
	}
	return actors, nil
}

// debitEscrow reduces the remaining escrow for a trade, failing if the trade
// does not hold enough. This is the structural guard against releasing the
// same escrow twice. Returns the seller whose escrowed balance was debited.
// Caller must hold m.mu.
func (m *MemoryStore) debitEscrow(tradeID string, amt *big.Int) (string, error) {
	remaining := m.lockedFor(tradeID)
	if remaining.Cmp(amt) < 0 {
		return "", ErrInsufficientEscrowBalance
	}

	sellerID := ""
	for _, e := range m.entries {
		if e.TradeID == tradeID && e.Direction == DirLock {
			sellerID = e.FromActor
			break
		}
	}
	if sellerID == "" {
		return "", ErrInsufficientEscrowBalance
	}

	remaining.Sub(remaining, amt)
	m.esc(sellerID).Sub(m.esc(sellerID), amt)
	return sellerID, nil
}

func (m *MemoryStore) avail(actorID string) *big.Int {
	if m.available[actorID] == nil {
		m.available[actorID] = big.NewInt(0)
	}
	return m.available[actorID]
}

func (m *MemoryStore) esc(actorID string) *big.Int {
	if m.escrowed[actorID] == nil {
		m.escrowed[actorID] = big.NewInt(0)
	}
	return m.escrowed[actorID]
}

func (m *MemoryStore) lockedFor(tradeID string) *big.Int {
	if m.locked[tradeID] == nil {
		m.locked[tradeID] = big.NewInt(0)
	}
	return m.locked[tradeID]
}

func (m *MemoryStore) append(e *Entry) {
	e.ID = idgen.WithPrefix("led_")
	e.CreatedAt = time.Now()
	m.entries = append(m.entries, e)
}

func (m *MemoryStore) touch(actorID string) {
	m.updated[actorID] = time.Now()
}
