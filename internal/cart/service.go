// Package cart implements the quantity-keyed line-item cart over the
// product catalog, including checkout eligibility, stock holds and
// completion.
package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bnomei/kart-go/internal/catalog"
	"github.com/bnomei/kart-go/internal/domain"
	"github.com/bnomei/kart-go/internal/obs"
	"github.com/bnomei/kart-go/internal/queue"
	"github.com/bnomei/kart-go/internal/session"
	"github.com/bnomei/kart-go/internal/stock"
)

// OrderCreator turns a provider's normalized completion payload into a
// persisted order. A nil order with nil error means order recording is
// administratively disabled.
type OrderCreator interface {
	CreateOrder(ctx context.Context, result *domain.CheckoutResult, customer *domain.Customer) (*domain.Order, error)
}

// Service operates one cart identified by namespace and owner. The owner
// token doubles as the stock-hold token. A nil ledger disables stock
// semantics (wishlists).
type Service struct {
	namespace string
	owner     string
	store     session.Store
	catalog   catalog.Catalog
	ledger    *stock.Ledger
	jobs      queue.Queue
	clock     func() time.Time
	ttl       time.Duration
}

func NewService(namespace, owner string, store session.Store, cat catalog.Catalog, ledger *stock.Ledger) *Service {
	return &Service{
		namespace: namespace,
		owner:     owner,
		store:     store,
		catalog:   cat,
		ledger:    ledger,
		clock:     time.Now,
	}
}

// WithClock swaps the time source; used by tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithTTL expires persisted carts after the given duration (session carts).
func (s *Service) WithTTL(ttl time.Duration) *Service {
	s.ttl = ttl
	return s
}

// WithQueue enables enqueueing reconciliation jobs for completed orders
// whose follow-up writes fail.
func (s *Service) WithQueue(q queue.Queue) *Service {
	s.jobs = q
	return s
}

// Owner returns the owner token the service is bound to.
func (s *Service) Owner() string {
	return s.owner
}

func (s *Service) key() string {
	return fmt.Sprintf("%s:%s", s.namespace, s.owner)
}

func (s *Service) load(ctx context.Context) (*domain.Cart, error) {
	data, err := s.store.Get(ctx, s.key())
	if errors.Is(err, session.ErrNotFound) {
		now := s.clock()
		return &domain.Cart{ID: s.key(), Owner: s.owner, CreatedAt: now, UpdatedAt: now}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cart: %w", err)
	}

	var c domain.Cart
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal cart: %w", err)
	}
	return &c, nil
}

func (s *Service) save(ctx context.Context, c *domain.Cart) error {
	c.UpdatedAt = s.clock()
	if len(c.Lines) == 0 {
		return s.store.Remove(ctx, s.key())
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal cart: %w", err)
	}
	if err := s.store.Set(ctx, s.key(), data, s.ttl); err != nil {
		return fmt.Errorf("save cart: %w", err)
	}
	return nil
}

// Cart returns the current cart state.
func (s *Service) Cart(ctx context.Context) (*domain.Cart, error) {
	return s.load(ctx)
}

// resolve looks the product up by its raw reference. Missing products
// resolve to nil without error: cart operations on them are permissive
// no-ops.
func (s *Service) resolve(ctx context.Context, productID string) (*domain.Product, error) {
	if productID == "" {
		return nil, nil
	}
	p, err := s.catalog.Product(ctx, productID)
	if errors.Is(err, catalog.ErrProductNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve product: %w", err)
	}
	return p, nil
}

func clampMax(qty, max int) int {
	if max > 0 && qty > max {
		return max
	}
	return qty
}

// Add increments the line for the product by amount (creating it when
// absent) and persists immediately. It returns the new quantity, or 0 when
// the product cannot be resolved.
func (s *Service) Add(ctx context.Context, productID string, amount int) (int, error) {
	if amount <= 0 {
		amount = 1
	}
	p, err := s.resolve(ctx, productID)
	if err != nil || p == nil {
		return 0, err
	}

	c, err := s.load(ctx)
	if err != nil {
		return 0, err
	}

	qty := amount
	if i := c.Find(p.ID); i >= 0 {
		qty = c.Lines[i].Quantity + amount
	}
	qty = clampMax(qty, p.MaxAmountPerOrder)
	c.SetQuantity(p.ID, qty, s.clock())

	if err := s.save(ctx, c); err != nil {
		return 0, err
	}
	return qty, nil
}

// Remove decrements the line by amount, deleting it at zero. Absent lines
// and unresolvable products are no-ops returning 0.
func (s *Service) Remove(ctx context.Context, productID string, amount int) (int, error) {
	if amount <= 0 {
		amount = 1
	}
	p, err := s.resolve(ctx, productID)
	if err != nil || p == nil {
		return 0, err
	}

	c, err := s.load(ctx)
	if err != nil {
		return 0, err
	}

	i := c.Find(p.ID)
	if i < 0 {
		return 0, nil
	}

	qty := c.SetQuantity(p.ID, c.Lines[i].Quantity-amount, s.clock())
	if err := s.save(ctx, c); err != nil {
		return 0, err
	}
	return qty, nil
}

// SetQuantity sets the line quantity directly, clamped to
// [0, maxAmountPerOrder].
func (s *Service) SetQuantity(ctx context.Context, productID string, qty int) (int, error) {
	p, err := s.resolve(ctx, productID)
	if err != nil || p == nil {
		return 0, err
	}

	c, err := s.load(ctx)
	if err != nil {
		return 0, err
	}

	if qty < 0 {
		qty = 0
	}
	qty = clampMax(qty, p.MaxAmountPerOrder)
	c.SetQuantity(p.ID, qty, s.clock())

	if err := s.save(ctx, c); err != nil {
		return 0, err
	}
	return qty, nil
}

// Quantity is the sum of all line quantities.
func (s *Service) Quantity(ctx context.Context) (int, error) {
	c, err := s.load(ctx)
	if err != nil {
		return 0, err
	}
	return c.Quantity(), nil
}

// Count is the number of distinct lines.
func (s *Service) Count(ctx context.Context) (int, error) {
	c, err := s.load(ctx)
	if err != nil {
		return 0, err
	}
	return c.Count(), nil
}

// Has reports whether the cart holds a line for the product, by resolved
// canonical id.
func (s *Service) Has(ctx context.Context, productID string) (bool, error) {
	p, err := s.resolve(ctx, productID)
	if err != nil || p == nil {
		return false, err
	}
	c, err := s.load(ctx)
	if err != nil {
		return false, err
	}
	return c.Find(p.ID) >= 0, nil
}

// Clear empties the cart.
func (s *Service) Clear(ctx context.Context) error {
	return s.store.Remove(ctx, s.key())
}

// Merge adds the lines of another cart (a customer's persisted cart) into
// this one, summing quantities for shared products, and persists the
// result. Writing the merged cart back to the customer record is the
// caller's responsibility.
func (s *Service) Merge(ctx context.Context, other *domain.Cart) error {
	if other == nil || len(other.Lines) == 0 {
		return nil
	}
	c, err := s.load(ctx)
	if err != nil {
		return err
	}
	for _, line := range other.Lines {
		qty := line.Quantity
		if i := c.Find(line.ProductID); i >= 0 {
			qty += c.Lines[i].Quantity
		}
		c.SetQuantity(line.ProductID, qty, s.clock())
	}
	return s.save(ctx, c)
}

// Subtotal is the sum of quantity times live product price over all lines.
// Always recomputed so price changes are reflected immediately; lines
// whose product vanished contribute nothing.
func (s *Service) Subtotal(ctx context.Context) (float64, error) {
	c, err := s.load(ctx)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, line := range c.Lines {
		p, err := s.resolve(ctx, line.ProductID)
		if err != nil {
			return 0, err
		}
		if p == nil {
			continue
		}
		total += float64(line.Quantity) * p.Price
	}
	return total, nil
}

// Tax is the sum of line taxes at each product's live tax rate.
func (s *Service) Tax(ctx context.Context) (float64, error) {
	c, err := s.load(ctx)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, line := range c.Lines {
		p, err := s.resolve(ctx, line.ProductID)
		if err != nil {
			return 0, err
		}
		if p == nil {
			continue
		}
		total += float64(line.Quantity) * p.Price * p.TaxRate / 100
	}
	return total, nil
}

// Sum is an alias for Subtotal kept for the cart API surface.
func (s *Service) Sum(ctx context.Context) (float64, error) {
	return s.Subtotal(ctx)
}

// SumTax is Sum plus Tax.
func (s *Service) SumTax(ctx context.Context) (float64, error) {
	sum, err := s.Subtotal(ctx)
	if err != nil {
		return 0, err
	}
	tax, err := s.Tax(ctx)
	if err != nil {
		return 0, err
	}
	return sum + tax, nil
}

// eligibleMax is the largest quantity the line may carry at checkout:
// min(maxAmountPerOrder, stock minus other carts' holds). A negative
// result means 0.
func (s *Service) eligibleMax(ctx context.Context, p *domain.Product, qty int) (int, error) {
	max := qty
	if p.MaxAmountPerOrder > 0 && max > p.MaxAmountPerOrder {
		max = p.MaxAmountPerOrder
	}
	if s.ledger != nil {
		avail, managed, err := s.ledger.Available(ctx, p.ID, s.owner)
		if err != nil {
			return 0, err
		}
		if managed && max > avail {
			max = avail
		}
	}
	if max < 0 {
		max = 0
	}
	return max, nil
}

// CanCheckout reports whether the cart is non-empty and every line fits
// within live stock minus other carts' holds and the per-order maximum.
func (s *Service) CanCheckout(ctx context.Context) (bool, error) {
	c, err := s.load(ctx)
	if err != nil {
		return false, err
	}
	if len(c.Lines) == 0 {
		return false, nil
	}
	for _, line := range c.Lines {
		p, err := s.resolve(ctx, line.ProductID)
		if err != nil {
			return false, err
		}
		if p == nil {
			return false, nil
		}
		max, err := s.eligibleMax(ctx, p, line.Quantity)
		if err != nil {
			return false, err
		}
		if line.Quantity > max {
			return false, nil
		}
	}
	return true, nil
}

// Fix clamps every line down to its checkout-eligible maximum, removing
// lines that clamp to zero. Idempotent.
func (s *Service) Fix(ctx context.Context) error {
	c, err := s.load(ctx)
	if err != nil {
		return err
	}

	changed := false
	fixed := make([]domain.CartLine, 0, len(c.Lines))
	for _, line := range c.Lines {
		p, err := s.resolve(ctx, line.ProductID)
		if err != nil {
			return err
		}
		if p == nil {
			changed = true
			continue
		}
		max, err := s.eligibleMax(ctx, p, line.Quantity)
		if err != nil {
			return err
		}
		if line.Quantity > max {
			line.Quantity = max
			changed = true
		}
		if line.Quantity > 0 {
			fixed = append(fixed, line)
		} else {
			changed = true
		}
	}
	if !changed {
		return nil
	}
	c.Lines = fixed
	return s.save(ctx, c)
}

// HoldStock reserves every line's quantity for this cart's token during a
// checkout redirect window.
func (s *Service) HoldStock(ctx context.Context, ttl time.Duration) error {
	if s.ledger == nil {
		return nil
	}
	c, err := s.load(ctx)
	if err != nil {
		return err
	}
	for _, line := range c.Lines {
		if err := s.ledger.Hold(ctx, line.ProductID, s.owner, line.Quantity, ttl); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseStock drops this cart's holds.
func (s *Service) ReleaseStock(ctx context.Context) error {
	if s.ledger == nil {
		return nil
	}
	c, err := s.load(ctx)
	if err != nil {
		return err
	}
	for _, line := range c.Lines {
		if err := s.ledger.Release(ctx, line.ProductID, s.owner); err != nil {
			return err
		}
	}
	return nil
}

// Complete persists the order for a provider's normalized completion
// payload, decrements stock per purchased line, releases holds, clears
// the cart and returns the redirect destination. Failures after the
// provider already confirmed payment are logged for reconciliation, never
// raised: money has changed hands.
func (s *Service) Complete(ctx context.Context, result *domain.CheckoutResult, customer *domain.Customer, orders OrderCreator, redirect string) (string, error) {
	order, err := orders.CreateOrder(ctx, result, customer)
	if err != nil {
		return "", fmt.Errorf("create order: %w", err)
	}
	if order == nil {
		obs.Logger.Info("order recording disabled, checkout completed without order",
			"payment_id", result.PaymentID)
	}

	if s.ledger != nil {
		for _, item := range result.Items {
			if len(item.Key) == 0 {
				continue
			}
			productID := item.Key[0]
			if err := s.ledger.Adjust(ctx, productID, -item.Quantity); err != nil {
				obs.Logger.Warn("reconcile",
					"reason", "stock decrement failed after payment",
					"product_id", productID,
					"quantity", item.Quantity,
					"payment_id", result.PaymentID,
					"error", err)
				s.flagForReconciliation(ctx, order)
			}
			if err := s.ledger.Release(ctx, productID, s.owner); err != nil {
				obs.Logger.Warn("hold release failed", "product_id", productID, "error", err)
			}
		}
	}

	if err := s.Clear(ctx); err != nil {
		obs.Logger.Warn("reconcile",
			"reason", "cart clear failed after payment",
			"owner", s.owner,
			"error", err)
	}
	return redirect, nil
}

// flagForReconciliation records the order for a later totals check when a
// post-payment write did not land.
func (s *Service) flagForReconciliation(ctx context.Context, order *domain.Order) {
	if s.jobs == nil || order == nil {
		return
	}
	job, err := queue.NewRecalculateInvoice(order.ID.String())
	if err == nil {
		err = s.jobs.Enqueue(ctx, job)
	}
	if err != nil {
		obs.Logger.Warn("enqueue invoice recalculation", "order_id", order.ID, "error", err)
	}
}
