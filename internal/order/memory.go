package order

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/bnomei/kart-go/internal/domain"
)

// Memory is an in-process Repository for embedding and tests. The mutex
// makes invoice assignment and insert one atomic step.
type Memory struct {
	mu          sync.RWMutex
	nextInvoice int64
	orders      []*domain.Order
	byPayment   map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{byPayment: make(map[string]struct{})}
}

func (m *Memory) Create(_ context.Context, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if order.PaymentID != "" {
		if _, dup := m.byPayment[order.PaymentID]; dup {
			return ErrDuplicateOrder
		}
	}

	m.nextInvoice++
	order.InvoiceNumber = m.nextInvoice
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}

	stored := *order
	stored.Lines = append([]domain.OrderLine(nil), order.Lines...)
	m.orders = append(m.orders, &stored)
	if order.PaymentID != "" {
		m.byPayment[order.PaymentID] = struct{}{}
	}
	return nil
}

func (m *Memory) ByID(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.orders {
		if o.ID == id {
			out := *o
			return &out, nil
		}
	}
	return nil, ErrOrderNotFound
}

func (m *Memory) ByInvoice(_ context.Context, invoiceNumber int64) (*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.orders {
		if o.InvoiceNumber == invoiceNumber {
			out := *o
			return &out, nil
		}
	}
	return nil, ErrOrderNotFound
}

func (m *Memory) List(_ context.Context) ([]*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Order, 0, len(m.orders))
	for _, o := range m.orders {
		c := *o
		out = append(out, &c)
	}
	return out, nil
}

func (m *Memory) ListByCustomer(_ context.Context, customerID string) ([]*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Order
	for _, o := range m.orders {
		if o.CustomerID == customerID {
			c := *o
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *Memory) HasPurchase(_ context.Context, customerID, productID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.orders {
		if o.CustomerID != customerID || !o.PaymentComplete {
			continue
		}
		for _, line := range o.Lines {
			if line.ProductID == productID {
				return true, nil
			}
		}
	}
	return false, nil
}
