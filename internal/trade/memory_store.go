package trade

import (
	"context"
	"sync"
	"time"

	"github.com/tradewire/p2p-escrow/internal/audit"
	"github.com/tradewire/p2p-escrow/internal/ledger"
)

// MemoryStore is an in-memory trade store for demo/development mode. The
// single write lock makes each Create/Apply atomic with its ledger movement
// and activity record; cross-store consistency beyond that relies on the
// service's per-trade serialization.
type MemoryStore struct {
	mu       sync.RWMutex
	trades   map[string]*Trade
	ledger   ledger.Store
	activity audit.Store
}

// NewMemoryStore creates a new in-memory trade store.
func NewMemoryStore(ledgerStore ledger.Store, activity audit.Store) *MemoryStore {
	return &MemoryStore{
		trades:   make(map[string]*Trade),
		ledger:   ledgerStore,
		activity: activity,
	}
}

func (m *MemoryStore) Create(ctx context.Context, t *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ledger.Lock(ctx, t.ID, t.SellerID, t.Amount); err != nil {
		return err
	}

	cp := copyTrade(t)
	m.trades[t.ID] = cp

	return m.activity.Append(ctx, &audit.Entry{
		TradeID: t.ID,
		ActorID: t.Creator(),
		Action:  audit.ActionTradeCreated,
	})
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	return copyTrade(t), nil
}

func (m *MemoryStore) Apply(ctx context.Context, mu *Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.trades[mu.Trade.ID]
	if !ok {
		return ErrTradeNotFound
	}
	if current.Version != mu.Trade.Version {
		return ErrConcurrentModification
	}

	if mu.Escrow != nil {
		if err := m.applyMove(ctx, mu.Trade, mu.Escrow); err != nil {
			return err
		}
	}

	next := copyTrade(mu.Trade)
	next.Version = current.Version + 1
	m.trades[next.ID] = next

	return m.activity.Append(ctx, &audit.Entry{
		TradeID: next.ID,
		ActorID: mu.ActivityActor,
		Action:  mu.ActivityAction,
		Detail:  mu.ActivityDetail,
	})
}

func (m *MemoryStore) applyMove(ctx context.Context, t *Trade, move *EscrowMove) error {
	switch move.Kind {
	case MoveRelease:
		return m.ledger.Release(ctx, t.ID, t.BuyerID, move.Amount, orZero(move.Fee), move.FeeAccount)
	case MoveReturn:
		return m.ledger.Return(ctx, t.ID, t.SellerID, move.Amount)
	case MoveSplit:
		return m.ledger.Split(ctx, t.ID, t.BuyerID, t.SellerID, move.BuyerAmount, move.SellerAmount)
	}
	return nil
}

func (m *MemoryStore) ListByActor(ctx context.Context, actorID string, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for _, t := range m.trades {
		if t.IsParticipant(actorID) {
			result = append(result, copyTrade(t))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for _, t := range m.trades {
		if t.Status == StatusPending && t.PaymentConfirmedAt == nil && t.ExpiresAt.Before(before) {
			result = append(result, copyTrade(t))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListAwaitingAutoRelease(ctx context.Context, confirmedBefore time.Time, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for _, t := range m.trades {
		if t.Status == StatusPaymentSent && t.PaymentConfirmedAt != nil && t.PaymentConfirmedAt.Before(confirmedBefore) {
			result = append(result, copyTrade(t))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ActorStats(ctx context.Context, actorID string, since time.Time) (*ActorStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &ActorStats{}
	for _, t := range m.trades {
		for _, e := range t.Timeline {
			if e.ActorID != actorID || e.Timestamp.Before(since) {
				continue
			}
			switch e.Event {
			case EventTradeCreated:
				stats.TradesCreated++
			case EventTradeCancelled:
				stats.TradesCancelled++
			case EventDisputeOpened:
				stats.DisputesOpened++
			}
		}
	}
	return stats, nil
}

// copyTrade deep-copies a trade so callers never share the stored timeline
// backing array.
func copyTrade(t *Trade) *Trade {
	cp := *t
	cp.Timeline = make([]TimelineEvent, len(t.Timeline))
	copy(cp.Timeline, t.Timeline)
	if t.PaymentConfirmedAt != nil {
		ts := *t.PaymentConfirmedAt
		cp.PaymentConfirmedAt = &ts
	}
	return &cp
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
