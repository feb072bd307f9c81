package provider

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bnomei/kart-go/internal/domain"
)

// Invoice is the offline back-end: no upstream API, the customer pays by
// bank transfer after the fact. Orders land with PaymentComplete false
// until marked paid manually. Pending cart lines live in memory between
// Checkout and Completed; a restart drops them and the completion becomes
// an ignorable non-event, same as an expired session.
type Invoice struct {
	orders  PurchaseChecker
	returns string
	clock   func() time.Time

	mu      sync.Mutex
	pending map[string][]Line
}

func NewInvoice(cfg Config) *Invoice {
	return &Invoice{
		orders:  cfg.Orders,
		returns: cfg.ReturnURL,
		clock:   time.Now,
		pending: make(map[string][]Line),
	}
}

func (i *Invoice) Name() string { return string(KindInvoice) }

func (i *Invoice) Checkout(ctx context.Context, req CheckoutRequest) (string, string, error) {
	sessionID := uuid.NewString()

	i.mu.Lock()
	i.pending[sessionID] = append([]Line(nil), req.Lines...)
	i.mu.Unlock()

	return sessionID, i.returns + "?session_id=" + url.QueryEscape(sessionID), nil
}

func (i *Invoice) Completed(ctx context.Context, sess Session, params url.Values) (*domain.CheckoutResult, domain.CheckoutStatus, error) {
	if params.Get("session_id") != sess.SessionID {
		return nil, domain.CheckoutStatusNone, nil
	}

	i.mu.Lock()
	lines, found := i.pending[sess.SessionID]
	delete(i.pending, sess.SessionID)
	i.mu.Unlock()
	if !found {
		return nil, domain.CheckoutStatusNone, nil
	}

	result := &domain.CheckoutResult{
		Email:           sess.Customer.Email,
		Customer:        sess.Customer,
		PaidDate:        i.clock().UTC(),
		PaymentMethod:   i.Name(),
		PaymentComplete: false,
		PaymentID:       sess.SessionID,
	}
	for _, line := range lines {
		subtotal := line.Price * float64(line.Quantity)
		tax := subtotal * line.TaxRate / 100
		result.Items = append(result.Items, domain.ResultItem{
			Key:      []string{line.ProductID},
			Quantity: line.Quantity,
			Price:    line.Price,
			Subtotal: subtotal,
			Tax:      tax,
			Total:    subtotal + tax,
		})
	}
	return result, domain.CheckoutStatusCompleted, nil
}

func (i *Invoice) FetchProducts(ctx context.Context) ([]domain.VirtualProduct, error) {
	return nil, nil
}

func (i *Invoice) OwnsProduct(ctx context.Context, productID string, customer domain.Customer) (bool, error) {
	return historyOwns(ctx, i.orders, productID, customer)
}
