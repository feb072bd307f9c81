// Package shop wires the cart, catalog, stock, providers, orders and
// licenses into one explicit context object. Everything is threaded
// through this struct; there is no process-wide shop state.
package shop

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/bnomei/kart-go/internal/cart"
	"github.com/bnomei/kart-go/internal/catalog"
	"github.com/bnomei/kart-go/internal/config"
	"github.com/bnomei/kart-go/internal/domain"
	"github.com/bnomei/kart-go/internal/license"
	"github.com/bnomei/kart-go/internal/money"
	"github.com/bnomei/kart-go/internal/obs"
	"github.com/bnomei/kart-go/internal/order"
	"github.com/bnomei/kart-go/internal/provider"
	"github.com/bnomei/kart-go/internal/queue"
	"github.com/bnomei/kart-go/internal/session"
	"github.com/bnomei/kart-go/internal/stock"
)

const (
	cartNamespace     = "cart"
	wishlistNamespace = "wishlist"
)

var (
	ErrCannotCheckout = errors.New("cart is not eligible for checkout")
	ErrUnknownCache   = errors.New("unknown cache name")
)

// OrderPublisher pushes completed orders to downstream consumers.
type OrderPublisher interface {
	PublishOrder(ctx context.Context, order *domain.Order) error
}

// Shop is the dependency context handed to every operation.
type Shop struct {
	Catalog       catalog.Catalog
	Ledger        *stock.Ledger
	Store         session.Store
	Providers     map[provider.Kind]provider.Provider
	Sessions      *provider.Sessions
	Orders        *order.Assembler
	Licenses      *license.Service
	Queue         queue.Queue
	Publisher     OrderPublisher     // nil when no event sink is configured
	CustomerCarts cart.CustomerCarts // nil when customer persistence is off
	Clock         func() time.Time
	Config        config.Config
}

type Options struct {
	Catalog       catalog.Catalog
	Ledger        *stock.Ledger
	Store         session.Store
	Providers     map[provider.Kind]provider.Provider
	Orders        *order.Assembler
	Licenses      *license.Service
	Queue         queue.Queue
	Publisher     OrderPublisher
	CustomerCarts cart.CustomerCarts
	Clock         func() time.Time
	Config        config.Config
}

func New(opts Options) *Shop {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	s := &Shop{
		Catalog:       opts.Catalog,
		Ledger:        opts.Ledger,
		Store:         opts.Store,
		Providers:     opts.Providers,
		Sessions:      provider.NewSessions(opts.Store, opts.Config.HoldTTL),
		Orders:        opts.Orders,
		Licenses:      opts.Licenses,
		Queue:         opts.Queue,
		Publisher:     opts.Publisher,
		CustomerCarts: opts.CustomerCarts,
		Clock:         clock,
		Config:        opts.Config,
	}
	if s.Orders != nil && s.Licenses != nil {
		s.Orders.OnOrderCreated(func(*domain.Order) {
			s.Licenses.Invalidate(context.Background())
		})
	}
	return s
}

// Cart returns the cart service for one owner.
func (s *Shop) Cart(owner string) *cart.Service {
	return cart.NewService(cartNamespace, owner, s.Store, s.Catalog, s.Ledger).
		WithClock(s.Clock).
		WithQueue(s.Queue)
}

// Wishlist is a second cart namespace with no checkout path.
func (s *Shop) Wishlist(owner string) *cart.Service {
	return cart.NewService(wishlistNamespace, owner, s.Store, s.Catalog, nil).WithClock(s.Clock)
}

func (s *Shop) Provider(kind provider.Kind) (provider.Provider, error) {
	p, ok := s.Providers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", provider.ErrUnknownProvider, kind)
	}
	return p, nil
}

// AddToCart and friends are thin shortcuts over the per-owner service.

func (s *Shop) AddToCart(ctx context.Context, owner, productID string, amount int) (int, error) {
	return s.Cart(owner).Add(ctx, productID, amount)
}

func (s *Shop) RemoveFromCart(ctx context.Context, owner, productID string, amount int) (int, error) {
	return s.Cart(owner).Remove(ctx, productID, amount)
}

func (s *Shop) ClearCart(ctx context.Context, owner string) error {
	return s.Cart(owner).Clear(ctx)
}

// MergeCustomerCart folds the persisted customer cart into the current
// session cart on login, then writes the merged state back.
func (s *Shop) MergeCustomerCart(ctx context.Context, owner, customerID string) error {
	if s.CustomerCarts == nil {
		return nil
	}
	stored, err := s.CustomerCarts.Get(ctx, customerID)
	if err != nil && !errors.Is(err, cart.ErrCartNotFound) {
		return fmt.Errorf("load customer cart: %w", err)
	}

	svc := s.Cart(owner)
	if stored != nil {
		if err := svc.Merge(ctx, stored); err != nil {
			return fmt.Errorf("merge customer cart: %w", err)
		}
	}

	merged, err := svc.Cart(ctx)
	if err != nil {
		return fmt.Errorf("read merged cart: %w", err)
	}
	merged.Owner = customerID
	if err := s.CustomerCarts.Upsert(ctx, merged); err != nil {
		return fmt.Errorf("persist customer cart: %w", err)
	}
	return nil
}

// checkoutRequest snapshots the cart for a provider.
func (s *Shop) checkoutRequest(ctx context.Context, svc *cart.Service, customer domain.Customer) (provider.CheckoutRequest, string, error) {
	c, err := svc.Cart(ctx)
	if err != nil {
		return provider.CheckoutRequest{}, "", err
	}

	req := provider.CheckoutRequest{
		Customer:  customer,
		CartHash:  money.CartHash(c.Lines),
		ReturnURL: s.Config.ReturnURL,
		CancelURL: s.Config.CancelURL,
	}
	for _, line := range c.Lines {
		p, err := s.Catalog.Product(ctx, line.ProductID)
		if err != nil {
			if errors.Is(err, catalog.ErrProductNotFound) {
				continue
			}
			return provider.CheckoutRequest{}, "", err
		}
		req.Lines = append(req.Lines, provider.Line{
			ProductID: p.ID,
			Title:     p.Title,
			Price:     p.Price,
			TaxRate:   p.TaxRate,
			Quantity:  line.Quantity,
		})
	}
	return req, req.CartHash, nil
}

// Checkout runs the outbound leg: eligibility gate, stock hold, provider
// session, redirect.
func (s *Shop) Checkout(ctx context.Context, owner string, kind provider.Kind, customer domain.Customer) (string, error) {
	p, err := s.Provider(kind)
	if err != nil {
		return "", err
	}

	svc := s.Cart(owner)
	can, err := svc.CanCheckout(ctx)
	if err != nil {
		return "", fmt.Errorf("checkout eligibility: %w", err)
	}
	if !can {
		return "", ErrCannotCheckout
	}

	req, hash, err := s.checkoutRequest(ctx, svc, customer)
	if err != nil {
		return "", fmt.Errorf("snapshot cart: %w", err)
	}

	if err := svc.HoldStock(ctx, s.Config.HoldTTL); err != nil {
		return "", fmt.Errorf("hold stock: %w", err)
	}

	sessionID, redirect, err := p.Checkout(ctx, req)
	if err != nil {
		if releaseErr := svc.ReleaseStock(ctx); releaseErr != nil {
			obs.Logger.Warn("release holds after failed checkout", "owner", owner, "error", releaseErr)
		}
		return "", err
	}

	sess := provider.Session{
		Provider:  p.Name(),
		SessionID: sessionID,
		CartHash:  hash,
		Status:    domain.CheckoutStatusPending,
		Customer:  customer,
		CreatedAt: s.Clock().UTC(),
	}
	if err := s.Sessions.Save(ctx, owner, sess); err != nil {
		return "", err
	}
	return redirect, nil
}

// CompleteCheckout runs the return leg. An unverifiable or still-pending
// outcome is a non-event: the session stays, the customer lands on the
// cancel URL. A verified terminal outcome clears the session whether the
// payment succeeded or was rejected.
func (s *Shop) CompleteCheckout(ctx context.Context, owner string, kind provider.Kind, params url.Values) (string, error) {
	p, err := s.Provider(kind)
	if err != nil {
		return "", err
	}

	sess, err := s.Sessions.Load(ctx, owner)
	if err != nil {
		return "", err
	}
	if sess.Provider != p.Name() {
		return s.Config.CancelURL, nil
	}

	svc := s.Cart(owner)
	c, err := svc.Cart(ctx)
	if err != nil {
		return "", fmt.Errorf("load cart: %w", err)
	}
	if money.CartHash(c.Lines) != sess.CartHash {
		obs.Logger.Info("cart changed since checkout started, completion ignored",
			"owner", owner, "provider", p.Name())
		return s.Config.CancelURL, nil
	}

	result, outcome, err := p.Completed(ctx, *sess, params)
	if err != nil {
		return "", fmt.Errorf("verify completion: %w", err)
	}
	if !sess.Status.CanTransitionTo(outcome) {
		return s.Config.CancelURL, nil
	}
	if outcome == domain.CheckoutStatusRejected || result == nil {
		obs.Logger.Info("checkout rejected", "owner", owner, "provider", p.Name())
		if err := s.Sessions.Clear(ctx, owner); err != nil {
			obs.Logger.Warn("clear checkout session", "owner", owner, "error", err)
		}
		if err := svc.ReleaseStock(ctx); err != nil {
			obs.Logger.Warn("release holds after rejection", "owner", owner, "error", err)
		}
		return s.Config.CancelURL, nil
	}

	redirect, err := svc.Complete(ctx, result, &sess.Customer, s.Orders, s.Config.ReturnURL)
	if err != nil {
		return "", err
	}
	if err := s.Sessions.Clear(ctx, owner); err != nil {
		obs.Logger.Warn("clear checkout session", "owner", owner, "error", err)
	}
	return redirect, nil
}

// OwnsProduct reports whether the customer already owns the product,
// through the provider's fulfillment records or the local order history.
func (s *Shop) OwnsProduct(ctx context.Context, kind provider.Kind, productID string, customer domain.Customer) (bool, error) {
	p, err := s.Provider(kind)
	if err != nil {
		return false, err
	}
	return p.OwnsProduct(ctx, productID, customer)
}

// IngestProducts pulls the provider's remote catalog into the local one.
func (s *Shop) IngestProducts(ctx context.Context, kind provider.Kind) (int, error) {
	p, err := s.Provider(kind)
	if err != nil {
		return 0, err
	}
	ingestor, ok := s.Catalog.(catalog.Ingestor)
	if !ok {
		return 0, errors.New("catalog does not accept ingestion")
	}

	raw, err := p.FetchProducts(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch products from %s: %w", p.Name(), err)
	}
	return catalog.Ingest(ctx, ingestor, raw)
}

type prefixFlusher interface {
	FlushPrefix(ctx context.Context, prefix string) (int, error)
}

// cachePrefixes maps admin flush names onto store key prefixes.
var cachePrefixes = map[string]string{
	"carts":    cartNamespace + ":",
	"wishlist": wishlistNamespace + ":",
	"holds":    "stock:holds:",
	"licenses": "licenses:",
	"sessions": "provider:session:",
	"all":      "",
}

// Flush clears one named cache bucket and reports how many entries went.
func (s *Shop) Flush(ctx context.Context, name string) (int, error) {
	prefix, found := cachePrefixes[name]
	if !found {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCache, name)
	}
	flusher, ok := s.Store.(prefixFlusher)
	if !ok {
		return 0, errors.New("store does not support flushing")
	}
	removed, err := flusher.FlushPrefix(ctx, prefix)
	if err != nil {
		return removed, fmt.Errorf("flush %s: %w", name, err)
	}
	obs.Logger.Info("cache flushed", "cache", name, "removed", removed)
	return removed, nil
}

// ProcessJobs drains the queue once, dispatching each job kind to its
// handler.
func (s *Shop) ProcessJobs(ctx context.Context) (int, error) {
	if s.Queue == nil {
		return 0, nil
	}
	return s.Queue.Drain(ctx, s.handleJob)
}

func (s *Shop) handleJob(ctx context.Context, job queue.Job) error {
	switch job.Kind {
	case queue.KindUpdateStock:
		payload, err := job.UpdateStock()
		if err != nil {
			return err
		}
		return s.Ledger.Apply(ctx, payload.ProductID, payload.Delta)

	case queue.KindRecalculateInvoice:
		payload, err := job.RecalculateInvoice()
		if err != nil {
			return err
		}
		return s.recalculateInvoice(ctx, payload.OrderID)

	case queue.KindPublishOrder:
		payload, err := job.PublishOrder()
		if err != nil {
			return err
		}
		return s.publishOrder(ctx, payload.OrderID)

	default:
		return fmt.Errorf("unhandled job kind %q", job.Kind)
	}
}

// recalculateInvoice re-runs the totals law over a stored order and flags
// violations for manual reconciliation. Money already moved, so nothing
// is mutated here.
func (s *Shop) recalculateInvoice(ctx context.Context, orderID string) error {
	if s.Orders == nil {
		return nil
	}
	id, err := uuid.Parse(orderID)
	if err != nil {
		return fmt.Errorf("parse order id %q: %w", orderID, err)
	}
	o, err := s.Orders.Repository().ByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load order %s: %w", orderID, err)
	}
	for _, line := range o.Lines {
		want := line.Subtotal - line.Discount + line.Tax
		if diff := line.Total - want; diff > 0.005 || diff < -0.005 {
			obs.Logger.Warn("reconcile",
				"reason", "order line totals inconsistent",
				"order_id", orderID,
				"product_id", line.ProductID,
				"total", line.Total,
				"expected", want)
		}
	}
	return nil
}

func (s *Shop) publishOrder(ctx context.Context, orderID string) error {
	if s.Publisher == nil || s.Orders == nil {
		return nil
	}
	id, err := uuid.Parse(orderID)
	if err != nil {
		return fmt.Errorf("parse order id %q: %w", orderID, err)
	}
	o, err := s.Orders.Repository().ByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load order %s: %w", orderID, err)
	}
	return s.Publisher.PublishOrder(ctx, o)
}
