package catalog

import (
	"context"
	"sync"

	"github.com/bnomei/kart-go/internal/domain"
)

// Memory is an in-process catalog for embedding and tests. It doubles as
// the stock store: products without a stock record are unmanaged.
type Memory struct {
	mu       sync.RWMutex
	order    []string
	products map[string]domain.Product
	stocks   map[string]int
}

func NewMemory() *Memory {
	return &Memory{
		products: make(map[string]domain.Product),
		stocks:   make(map[string]int),
	}
}

func (m *Memory) Product(_ context.Context, id string) (*domain.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	return &p, nil
}

func (m *Memory) Products(_ context.Context) ([]*domain.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Product, 0, len(m.order))
	for _, id := range m.order {
		p := m.products[id]
		out = append(out, &p)
	}
	return out, nil
}

func (m *Memory) Upsert(_ context.Context, p domain.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[p.ID]; !ok {
		m.order = append(m.order, p.ID)
	}
	m.products[p.ID] = p
	return nil
}

// Stock reports the recorded stock; ok is false for unmanaged products.
func (m *Memory) Stock(_ context.Context, productID string) (int, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	qty, ok := m.stocks[productID]
	return qty, ok, nil
}

// SetStock records a stock level, making the product managed.
func (m *Memory) SetStock(_ context.Context, productID string, qty int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stocks[productID] = qty
	return nil
}
