// Package order turns normalized completion payloads into persisted
// orders with monotonic invoice numbers.
package order

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/bnomei/kart-go/internal/domain"
)

var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrDuplicateOrder = errors.New("order with this payment id already exists")
)

// Repository persists completed orders. Create assigns the next invoice
// number atomically with the insert: numbers are never reused, gaps are
// tolerated, duplicates are impossible.
type Repository interface {
	Create(ctx context.Context, order *domain.Order) error
	ByID(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	ByInvoice(ctx context.Context, invoiceNumber int64) (*domain.Order, error)
	List(ctx context.Context) ([]*domain.Order, error)
	ListByCustomer(ctx context.Context, customerID string) ([]*domain.Order, error)
	HasPurchase(ctx context.Context, customerID, productID string) (bool, error)
}
