package order

import (
	"context"
	"fmt"
	"time"

	"github.com/bnomei/kart-go/internal/domain"
	"github.com/bnomei/kart-go/internal/obs"
	"github.com/bnomei/kart-go/internal/queue"
)

// Assembler turns a provider's normalized completion payload into a
// persisted Order. Internal-only fields of the payload (raw customer
// object, provider uuids) are stripped; only the customer snapshot's id
// and email survive on the order.
type Assembler struct {
	repo    Repository
	enabled bool
	queue   queue.Queue
	hooks   []func(*domain.Order)
	clock   func() time.Time
}

func NewAssembler(repo Repository, enabled bool) *Assembler {
	return &Assembler{
		repo:    repo,
		enabled: enabled,
		clock:   time.Now,
	}
}

// WithQueue enqueues a publish job for every created order.
func (a *Assembler) WithQueue(q queue.Queue) *Assembler {
	a.queue = q
	return a
}

// OnOrderCreated registers an invalidation hook (license index, caches)
// fired after every successful creation.
func (a *Assembler) OnOrderCreated(fn func(*domain.Order)) {
	a.hooks = append(a.hooks, fn)
}

// Repository exposes the backing store for read paths (licenses, history).
func (a *Assembler) Repository() Repository {
	return a.repo
}

// buildLine normalizes one result item. The law total = subtotal -
// discount + tax is enforced here rather than trusted from the provider.
func buildLine(item domain.ResultItem) domain.OrderLine {
	subtotal := item.Subtotal
	if subtotal == 0 {
		subtotal = item.Price * float64(item.Quantity)
	}
	productID := ""
	if len(item.Key) > 0 {
		productID = item.Key[0]
	}
	return domain.OrderLine{
		ProductID:  productID,
		Variant:    item.Variant,
		Price:      item.Price,
		Quantity:   item.Quantity,
		Subtotal:   subtotal,
		Tax:        item.Tax,
		Discount:   item.Discount,
		Total:      subtotal - item.Discount + item.Tax,
		LicenseKey: item.LicenseKey,
	}
}

// CreateOrder persists the order. It returns (nil, nil) when order
// recording is administratively disabled: a valid "feature off" signal,
// not a failure.
func (a *Assembler) CreateOrder(ctx context.Context, result *domain.CheckoutResult, customer *domain.Customer) (*domain.Order, error) {
	if !a.enabled {
		return nil, nil
	}

	email := result.Email
	customerID := result.Customer.ID
	customerName := result.Customer.Name
	if customer != nil {
		if customer.Email != "" {
			email = customer.Email
		}
		if customer.ID != "" {
			customerID = customer.ID
		}
		if customer.Name != "" {
			customerName = customer.Name
		}
	}

	lines := make([]domain.OrderLine, 0, len(result.Items))
	for _, item := range result.Items {
		lines = append(lines, buildLine(item))
	}

	now := a.clock()
	paidDate := result.PaidDate
	if paidDate.IsZero() {
		paidDate = now
	}

	order := &domain.Order{
		CustomerID:      customerID,
		CustomerName:    customerName,
		Email:           email,
		PaidDate:        paidDate,
		PaymentMethod:   result.PaymentMethod,
		PaymentComplete: result.PaymentComplete,
		PaymentID:       result.PaymentID,
		InvoiceURL:      result.InvoiceURL,
		Lines:           lines,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := a.repo.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("persist order: %w", err)
	}

	if a.queue != nil {
		job, err := queue.NewPublishOrder(order.ID.String())
		if err == nil {
			err = a.queue.Enqueue(ctx, job)
		}
		if err != nil {
			obs.Logger.Warn("order publish enqueue failed", "order_id", order.ID.String(), "error", err)
		}
	}

	for _, fn := range a.hooks {
		fn(order)
	}
	return order, nil
}
