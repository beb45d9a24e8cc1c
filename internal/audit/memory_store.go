package audit

import (
	"context"
	"sync"
	"time"

	"github.com/tradewire/p2p-escrow/internal/idgen"
)

// MemoryStore is an in-memory activity log store for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemoryStore creates a new in-memory activity log store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	cp.ID = idgen.WithPrefix("act_")
	cp.CreatedAt = time.Now()
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryStore) ListByTrade(ctx context.Context, tradeID string, limit int) ([]*Entry, error) {
	return m.list(func(e *Entry) bool { return e.TradeID == tradeID }, limit), nil
}

func (m *MemoryStore) ListByActor(ctx context.Context, actorID string, limit int) ([]*Entry, error) {
	return m.list(func(e *Entry) bool { return e.ActorID == actorID }, limit), nil
}

func (m *MemoryStore) list(match func(*Entry) bool, limit int) []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if match(m.entries[i]) {
			cp := *m.entries[i]
			result = append(result, &cp)
		}
	}
	return result
}
