package offers

import (
	"context"
	"sync"
)

// MemoryRegistry is an in-memory offer catalog for demo/development mode and
// tests.
type MemoryRegistry struct {
	mu     sync.RWMutex
	offers map[string]*Offer
}

// NewMemoryRegistry creates a new in-memory offer registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{offers: make(map[string]*Offer)}
}

// Put adds or replaces an offer.
func (m *MemoryRegistry) Put(offer *Offer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *offer
	m.offers[offer.ID] = &cp
}

func (m *MemoryRegistry) Get(ctx context.Context, offerID string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	offer, ok := m.offers[offerID]
	if !ok {
		return nil, ErrOfferNotFound
	}
	cp := *offer
	cp.PaymentMethods = append([]string(nil), offer.PaymentMethods...)
	return &cp, nil
}

// MemoryPaymentMethods is an in-memory payment method catalog.
type MemoryPaymentMethods struct {
	mu      sync.RWMutex
	methods map[string]*PaymentMethod
}

// NewMemoryPaymentMethods creates a new in-memory payment method registry.
func NewMemoryPaymentMethods() *MemoryPaymentMethods {
	return &MemoryPaymentMethods{methods: make(map[string]*PaymentMethod)}
}

// Put adds or replaces a payment method.
func (m *MemoryPaymentMethods) Put(pm *PaymentMethod) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *pm
	m.methods[pm.ID] = &cp
}

func (m *MemoryPaymentMethods) Get(ctx context.Context, id string) (*PaymentMethod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pm, ok := m.methods[id]
	if !ok {
		return nil, ErrPaymentMethodNotFound
	}
	cp := *pm
	return &cp, nil
}
