package shop

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnomei/kart-go/internal/cart"
	"github.com/bnomei/kart-go/internal/catalog"
	"github.com/bnomei/kart-go/internal/config"
	"github.com/bnomei/kart-go/internal/domain"
	"github.com/bnomei/kart-go/internal/license"
	"github.com/bnomei/kart-go/internal/order"
	"github.com/bnomei/kart-go/internal/provider"
	"github.com/bnomei/kart-go/internal/queue"
	"github.com/bnomei/kart-go/internal/session"
	"github.com/bnomei/kart-go/internal/stock"
)

// fakeProvider confirms payment for whatever was in the checkout request.
type fakeProvider struct {
	mu       sync.Mutex
	lines    []provider.Line
	customer domain.Customer
	license  string
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Checkout(_ context.Context, req provider.CheckoutRequest) (string, string, error) {
	f.mu.Lock()
	f.lines = append([]provider.Line(nil), req.Lines...)
	f.customer = req.Customer
	f.mu.Unlock()
	return "sess-1", "https://pay.fake.test/sess-1", nil
}

func (f *fakeProvider) Completed(_ context.Context, sess provider.Session, params url.Values) (*domain.CheckoutResult, domain.CheckoutStatus, error) {
	if params.Get("session_id") != sess.SessionID {
		return nil, domain.CheckoutStatusNone, nil
	}
	if params.Get("status") == "failed" {
		return nil, domain.CheckoutStatusRejected, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	result := &domain.CheckoutResult{
		Email:           f.customer.Email,
		Customer:        f.customer,
		PaidDate:        time.Now().UTC(),
		PaymentMethod:   f.Name(),
		PaymentComplete: true,
		PaymentID:       "pay-1",
	}
	for _, line := range f.lines {
		subtotal := line.Price * float64(line.Quantity)
		result.Items = append(result.Items, domain.ResultItem{
			Key:        []string{line.ProductID},
			Quantity:   line.Quantity,
			Price:      line.Price,
			Subtotal:   subtotal,
			Total:      subtotal,
			LicenseKey: f.license,
		})
	}
	return result, domain.CheckoutStatusCompleted, nil
}

func (f *fakeProvider) FetchProducts(context.Context) ([]domain.VirtualProduct, error) {
	return []domain.VirtualProduct{
		{ID: "remote-1", Title: "Remote One", Price: 5},
		{ID: "remote-2", Title: "Remote Two", Price: 7},
	}, nil
}

func (f *fakeProvider) OwnsProduct(context.Context, string, domain.Customer) (bool, error) {
	return false, nil
}

func newTestShop(t *testing.T, fake *fakeProvider) (*Shop, *catalog.Memory) {
	t.Helper()
	cat := catalog.NewMemory()
	store := session.NewMemory()
	ledger := stock.NewLedger(cat, store)
	repo := order.NewMemory()
	assembler := order.NewAssembler(repo, true)

	return New(Options{
		Catalog:   cat,
		Ledger:    ledger,
		Store:     store,
		Providers: map[provider.Kind]provider.Provider{"fake": fake},
		Orders:    assembler,
		Licenses:  license.NewService(repo, store),
		Config: config.Config{
			Currency:  "EUR",
			ReturnURL: "https://shop.test/thanks",
			CancelURL: "https://shop.test/cancel",
			HoldTTL:   5 * time.Minute,
		},
	}), cat
}

// The full journey: blocked by stock, unblocked, paid, settled.
func TestCheckoutEndToEnd(t *testing.T) {
	ctx := context.Background()
	fake := &fakeProvider{license: "LIC-1"}
	s, cat := newTestShop(t, fake)

	require.NoError(t, cat.Upsert(ctx, domain.Product{ID: "a", Title: "Product A", Price: 10}))
	require.NoError(t, cat.SetStock(ctx, "a", 1))

	customer := domain.Customer{ID: "cus-1", Email: "e@example.com", Name: "Eve"}

	qty, err := s.AddToCart(ctx, "owner-1", "a", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, qty)

	// Two units wanted, one in stock.
	_, err = s.Checkout(ctx, "owner-1", "fake", customer)
	assert.ErrorIs(t, err, ErrCannotCheckout)

	require.NoError(t, cat.SetStock(ctx, "a", 2))

	redirect, err := s.Checkout(ctx, "owner-1", "fake", customer)
	require.NoError(t, err)
	assert.Equal(t, "https://pay.fake.test/sess-1", redirect)

	// Unverifiable return parameters are a non-event.
	redirect, err = s.CompleteCheckout(ctx, "owner-1", "fake",
		url.Values{"session_id": []string{"tampered"}})
	require.NoError(t, err)
	assert.Equal(t, "https://shop.test/cancel", redirect)

	// The session survived, so the real return still lands.
	redirect, err = s.CompleteCheckout(ctx, "owner-1", "fake",
		url.Values{"session_id": []string{"sess-1"}})
	require.NoError(t, err)
	assert.Equal(t, "https://shop.test/thanks", redirect)

	remaining, managed, err := s.Ledger.Stock(ctx, "a", true)
	require.NoError(t, err)
	assert.True(t, managed)
	assert.Equal(t, 0, remaining)

	count, err := s.Cart("owner-1").Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	orders, err := s.Orders.Repository().List(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, int64(1), orders[0].InvoiceNumber)
	assert.Equal(t, "pay-1", orders[0].PaymentID)

	res, err := s.Licenses.Validate(ctx, "LIC-1")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, "Eve", res.Meta.CustomerName)
}

func TestCompleteCheckoutIgnoresMutatedCart(t *testing.T) {
	ctx := context.Background()
	fake := &fakeProvider{}
	s, cat := newTestShop(t, fake)

	require.NoError(t, cat.Upsert(ctx, domain.Product{ID: "a", Price: 10}))
	_, err := s.AddToCart(ctx, "owner-1", "a", 1)
	require.NoError(t, err)

	_, err = s.Checkout(ctx, "owner-1", "fake", domain.Customer{ID: "cus-1"})
	require.NoError(t, err)

	// Cart mutated mid-redirect.
	_, err = s.AddToCart(ctx, "owner-1", "a", 1)
	require.NoError(t, err)

	redirect, err := s.CompleteCheckout(ctx, "owner-1", "fake",
		url.Values{"session_id": []string{"sess-1"}})
	require.NoError(t, err)
	assert.Equal(t, "https://shop.test/cancel", redirect)

	orders, err := s.Orders.Repository().List(ctx)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestCompleteCheckoutClearsSessionOnRejection(t *testing.T) {
	ctx := context.Background()
	fake := &fakeProvider{}
	s, cat := newTestShop(t, fake)

	require.NoError(t, cat.Upsert(ctx, domain.Product{ID: "a", Price: 10}))
	require.NoError(t, cat.SetStock(ctx, "a", 3))
	_, err := s.AddToCart(ctx, "owner-1", "a", 1)
	require.NoError(t, err)

	_, err = s.Checkout(ctx, "owner-1", "fake", domain.Customer{ID: "cus-1"})
	require.NoError(t, err)

	// A verified but failed payment is terminal: the session must not
	// survive for a later replay.
	redirect, err := s.CompleteCheckout(ctx, "owner-1", "fake",
		url.Values{"session_id": []string{"sess-1"}, "status": []string{"failed"}})
	require.NoError(t, err)
	assert.Equal(t, "https://shop.test/cancel", redirect)

	_, err = s.Sessions.Load(ctx, "owner-1")
	assert.ErrorIs(t, err, provider.ErrNoSession)

	_, err = s.CompleteCheckout(ctx, "owner-1", "fake",
		url.Values{"session_id": []string{"sess-1"}})
	assert.ErrorIs(t, err, provider.ErrNoSession)

	orders, err := s.Orders.Repository().List(ctx)
	require.NoError(t, err)
	assert.Empty(t, orders)

	// The rejection also freed the hold.
	available, managed, err := s.Ledger.Available(ctx, "a", "other-cart")
	require.NoError(t, err)
	assert.True(t, managed)
	assert.Equal(t, 3, available)
}

func TestIngestProducts(t *testing.T) {
	ctx := context.Background()
	fake := &fakeProvider{}
	s, cat := newTestShop(t, fake)

	n, err := s.IngestProducts(ctx, "fake")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	p, err := cat.Product(ctx, "remote-1")
	require.NoError(t, err)
	assert.Equal(t, "Remote One", p.Title)
}

func TestFlush(t *testing.T) {
	ctx := context.Background()
	fake := &fakeProvider{}
	s, cat := newTestShop(t, fake)

	require.NoError(t, cat.Upsert(ctx, domain.Product{ID: "a", Price: 10}))
	_, err := s.AddToCart(ctx, "owner-1", "a", 1)
	require.NoError(t, err)
	_, err = s.AddToCart(ctx, "owner-2", "a", 1)
	require.NoError(t, err)

	removed, err := s.Flush(ctx, "carts")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	count, err := s.Cart("owner-1").Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	_, err = s.Flush(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownCache)
}

func TestProcessJobsUpdatesStock(t *testing.T) {
	ctx := context.Background()
	fake := &fakeProvider{}
	s, cat := newTestShop(t, fake)

	require.NoError(t, cat.Upsert(ctx, domain.Product{ID: "a", Price: 10}))
	require.NoError(t, cat.SetStock(ctx, "a", 5))

	q, err := queue.NewDir(t.TempDir())
	require.NoError(t, err)
	s.Queue = q

	job, err := queue.NewUpdateStock("a", -3)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, job))

	processed, err := s.ProcessJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	remaining, _, err := s.Ledger.Stock(ctx, "a", false)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)
}

type capturingPublisher struct {
	mu     sync.Mutex
	orders []*domain.Order
}

func (c *capturingPublisher) PublishOrder(_ context.Context, o *domain.Order) error {
	c.mu.Lock()
	c.orders = append(c.orders, o)
	c.mu.Unlock()
	return nil
}

func TestProcessJobsPublishesOrders(t *testing.T) {
	ctx := context.Background()
	fake := &fakeProvider{}
	s, cat := newTestShop(t, fake)

	pub := &capturingPublisher{}
	s.Publisher = pub
	q, err := queue.NewDir(t.TempDir())
	require.NoError(t, err)
	s.Queue = q
	s.Orders = s.Orders.WithQueue(q)

	require.NoError(t, cat.Upsert(ctx, domain.Product{ID: "a", Price: 10}))
	_, err = s.AddToCart(ctx, "owner-1", "a", 1)
	require.NoError(t, err)

	_, err = s.Checkout(ctx, "owner-1", "fake", domain.Customer{ID: "cus-1"})
	require.NoError(t, err)
	_, err = s.CompleteCheckout(ctx, "owner-1", "fake",
		url.Values{"session_id": []string{"sess-1"}})
	require.NoError(t, err)

	processed, err := s.ProcessJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.orders, 1)
	assert.Equal(t, "pay-1", pub.orders[0].PaymentID)
}

func TestWishlistIsSeparateFromCart(t *testing.T) {
	ctx := context.Background()
	fake := &fakeProvider{}
	s, cat := newTestShop(t, fake)

	require.NoError(t, cat.Upsert(ctx, domain.Product{ID: "a", Price: 10}))

	_, err := s.Wishlist("owner-1").Add(ctx, "a", 1)
	require.NoError(t, err)

	count, err := s.Cart("owner-1").Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	count, err = s.Wishlist("owner-1").Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

type memoryCustomerCarts struct {
	mu    sync.Mutex
	carts map[string]*domain.Cart
}

func (m *memoryCustomerCarts) Get(_ context.Context, owner string) (*domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.carts[owner]
	if !ok {
		return nil, cart.ErrCartNotFound
	}
	return c, nil
}

func (m *memoryCustomerCarts) Upsert(_ context.Context, c *domain.Cart) error {
	m.mu.Lock()
	m.carts[c.Owner] = c
	m.mu.Unlock()
	return nil
}

func (m *memoryCustomerCarts) Delete(_ context.Context, owner string) error {
	m.mu.Lock()
	delete(m.carts, owner)
	m.mu.Unlock()
	return nil
}

func TestMergeCustomerCartOnLogin(t *testing.T) {
	ctx := context.Background()
	fake := &fakeProvider{}
	s, cat := newTestShop(t, fake)

	require.NoError(t, cat.Upsert(ctx, domain.Product{ID: "a", Price: 10}))
	require.NoError(t, cat.Upsert(ctx, domain.Product{ID: "b", Price: 20}))

	persisted := &memoryCustomerCarts{carts: map[string]*domain.Cart{
		"cus-1": {Owner: "cus-1", Lines: []domain.CartLine{{ProductID: "b", Quantity: 2}}},
	}}
	s.CustomerCarts = persisted

	_, err := s.AddToCart(ctx, "anon-1", "a", 1)
	require.NoError(t, err)

	require.NoError(t, s.MergeCustomerCart(ctx, "anon-1", "cus-1"))

	qty, err := s.Cart("anon-1").Quantity(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, qty)

	persisted.mu.Lock()
	defer persisted.mu.Unlock()
	merged := persisted.carts["cus-1"]
	require.NotNil(t, merged)
	assert.Len(t, merged.Lines, 2)
}
