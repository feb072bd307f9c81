package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnomei/kart-go/internal/domain"
	"github.com/bnomei/kart-go/internal/session"
)

type stubPurchases struct {
	owned map[string]bool
}

func (s *stubPurchases) HasPurchase(_ context.Context, customerID, productID string) (bool, error) {
	return s.owned[customerID+"/"+productID], nil
}

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry()

	p, err := reg.Resolve(KindInvoice, Config{ReturnURL: "/thanks"})
	require.NoError(t, err)
	assert.Equal(t, "invoice", p.Name())

	_, err = reg.Resolve(Kind("bitcoin"), Config{})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestSessionsRoundTrip(t *testing.T) {
	ctx := context.Background()
	sessions := NewSessions(session.NewMemory(), time.Hour)

	_, err := sessions.Load(ctx, "owner-1")
	assert.ErrorIs(t, err, ErrNoSession)

	sess := Session{
		Provider:  "stripe",
		SessionID: "cs_123",
		CartHash:  "abc",
		Customer:  domain.Customer{ID: "cus-1", Email: "a@example.com"},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, sessions.Save(ctx, "owner-1", sess))

	loaded, err := sessions.Load(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "cs_123", loaded.SessionID)
	assert.Equal(t, "abc", loaded.CartHash)

	require.NoError(t, sessions.Clear(ctx, "owner-1"))
	_, err = sessions.Load(ctx, "owner-1")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestStripeCheckout(t *testing.T) {
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		require.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		w.Write([]byte(`{"id":"cs_1","url":"https://checkout.stripe.test/cs_1"}`))
	}))
	defer srv.Close()

	p := NewStripe(Config{
		Secret: "sk_test", APIBase: srv.URL, Currency: "EUR",
		ReturnURL: "https://shop.test/return", CancelURL: "https://shop.test/cancel",
	})
	id, redirect, err := p.Checkout(context.Background(), CheckoutRequest{
		Lines:     []Line{{ProductID: "ebook", Title: "Ebook", Price: 12.50, Quantity: 2}},
		Customer:  domain.Customer{Email: "a@example.com"},
		ReturnURL: "https://shop.test/return",
		CancelURL: "https://shop.test/cancel",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_1", id)
	assert.Equal(t, "https://checkout.stripe.test/cs_1", redirect)
	assert.Equal(t, "1250", gotForm.Get("line_items[0][price_data][unit_amount]"))
	assert.Equal(t, "2", gotForm.Get("line_items[0][quantity]"))
	assert.Equal(t, "eur", gotForm.Get("line_items[0][price_data][currency]"))
	assert.Equal(t, "ebook", gotForm.Get("metadata[item_0]"))
}

func TestStripeCheckoutUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"no such price"}}`, http.StatusPaymentRequired)
	}))
	defer srv.Close()

	p := NewStripe(Config{Secret: "sk_test", APIBase: srv.URL, Currency: "EUR"})
	_, _, err := p.Checkout(context.Background(), CheckoutRequest{
		Lines: []Line{{ProductID: "ebook", Price: 1, Quantity: 1}},
	})

	var checkoutErr *CheckoutError
	require.ErrorAs(t, err, &checkoutErr)
	assert.Equal(t, http.StatusPaymentRequired, checkoutErr.Status)
	assert.Equal(t, "stripe", checkoutErr.Provider)
}

func TestStripeCompleted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/checkout/sessions/cs_1", r.URL.Path)
		w.Write([]byte(`{
			"id": "cs_1",
			"payment_status": "paid",
			"payment_intent": "pi_9",
			"created": 1756684800,
			"customer_details": {"email": "b@example.com", "name": "Bea"},
			"metadata": {"item_0": "ebook"},
			"line_items": {"data": [
				{"quantity": 2, "amount_total": 2975, "amount_tax": 475,
				 "price": {"unit_amount": 1250, "product": "prod_x"}}
			]}
		}`))
	}))
	defer srv.Close()

	p := NewStripe(Config{Secret: "sk_test", APIBase: srv.URL, Currency: "EUR"})
	sess := Session{Provider: "stripe", SessionID: "cs_1", Customer: domain.Customer{ID: "cus-1"}}

	// Mismatched session id is ignorable, not fatal.
	result, outcome, err := p.Completed(context.Background(), sess, url.Values{"session_id": []string{"cs_other"}})
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, domain.CheckoutStatusNone, outcome)

	result, outcome, err = p.Completed(context.Background(), sess, url.Values{"session_id": []string{"cs_1"}})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, domain.CheckoutStatusCompleted, outcome)
	assert.True(t, result.PaymentComplete)
	assert.Equal(t, "pi_9", result.PaymentID)
	assert.Equal(t, "b@example.com", result.Email)
	assert.Equal(t, "cus-1", result.Customer.ID)
	require.Len(t, result.Items, 1)
	assert.Equal(t, []string{"ebook", "prod_x"}, result.Items[0].Key)
	assert.InDelta(t, 12.50, result.Items[0].Price, 0.001)
	assert.InDelta(t, 25.00, result.Items[0].Subtotal, 0.001)
	assert.InDelta(t, 4.75, result.Items[0].Tax, 0.001)
	assert.InDelta(t, 29.75, result.Items[0].Total, 0.001)
}

func TestStripeCompletedUnpaid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"cs_1","status":"expired","payment_status":"unpaid"}`))
	}))
	defer srv.Close()

	p := NewStripe(Config{Secret: "sk_test", APIBase: srv.URL})
	sess := Session{SessionID: "cs_1"}

	// The session is verified, the payment definitively did not happen.
	result, outcome, err := p.Completed(context.Background(), sess, url.Values{"session_id": []string{"cs_1"}})
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, domain.CheckoutStatusRejected, outcome)
}

func TestStripeCompletedStillOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"cs_1","status":"open","payment_status":"unpaid"}`))
	}))
	defer srv.Close()

	p := NewStripe(Config{Secret: "sk_test", APIBase: srv.URL})
	sess := Session{SessionID: "cs_1"}

	result, outcome, err := p.Completed(context.Background(), sess, url.Values{"session_id": []string{"cs_1"}})
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, domain.CheckoutStatusPending, outcome)
}

func TestLemonSqueezyCompletedRequiresCheckoutID(t *testing.T) {
	var fetched int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetched++
		require.Equal(t, "/v1/orders/55", r.URL.Path)
		w.Write([]byte(`{
			"data": {"id": "55", "attributes": {
				"status": "paid", "user_email": "f@example.com", "identifier": "ord-55",
				"first_order_item": {"product_id": 9, "price": 1000, "quantity": 1},
				"subtotal": 1000, "tax": 190, "total": 1190
			}}
		}`))
	}))
	defer srv.Close()

	p := NewLemonSqueezy(Config{Secret: "ls_key", APIBase: srv.URL})
	sess := Session{Provider: "lemonsqueezy", SessionID: "chk-1"}

	// An order id alone must not complete anything.
	result, outcome, err := p.Completed(context.Background(), sess, url.Values{"order_id": []string{"55"}})
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, domain.CheckoutStatusNone, outcome)
	assert.Zero(t, fetched)

	result, outcome, err = p.Completed(context.Background(), sess, url.Values{
		"order_id":    []string{"55"},
		"checkout_id": []string{"chk-other"},
	})
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, domain.CheckoutStatusNone, outcome)
	assert.Zero(t, fetched)

	result, outcome, err = p.Completed(context.Background(), sess, url.Values{
		"order_id":    []string{"55"},
		"checkout_id": []string{"chk-1"},
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, domain.CheckoutStatusCompleted, outcome)
	assert.Equal(t, "ord-55", result.PaymentID)
}

func TestLemonSqueezyFetchProductsPagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page[number]") {
		case "1":
			w.Write([]byte(`{
				"meta": {"page": {"currentPage": 1, "lastPage": 2}},
				"data": [{"id": "10", "attributes": {"name": "One", "price": 1000}}]
			}`))
		case "2":
			w.Write([]byte(`{
				"meta": {"page": {"currentPage": 2, "lastPage": 2}},
				"data": [{"id": "11", "attributes": {"name": "Two", "price": 2000}}]
			}`))
		default:
			t.Fatalf("unexpected page %q", r.URL.Query().Get("page[number]"))
		}
	}))
	defer srv.Close()

	p := NewLemonSqueezy(Config{Secret: "ls_key", APIBase: srv.URL})
	products, err := p.FetchProducts(context.Background())
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "One", products[0].Title)
	assert.InDelta(t, 20.00, products[1].Price, 0.001)
}

func TestLemonSqueezyFetchProductsUndecodablePageEndsStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page[number]") == "1" {
			w.Write([]byte(`{
				"meta": {"page": {"currentPage": 1, "lastPage": 9}},
				"data": [{"id": "10", "attributes": {"name": "One", "price": 1000}}]
			}`))
			return
		}
		w.Write([]byte(`<html>rate limited</html>`))
	}))
	defer srv.Close()

	p := NewLemonSqueezy(Config{Secret: "ls_key", APIBase: srv.URL})
	products, err := p.FetchProducts(context.Background())
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "10", products[0].ID)
}

func TestMollieCompletedCartHashMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"id": "tr_1", "status": "paid",
			"metadata": {"cart_hash": "stale-hash", "items": []}
		}`))
	}))
	defer srv.Close()

	p := NewMollie(Config{Secret: "m_key", APIBase: srv.URL, Currency: "EUR"})
	sess := Session{SessionID: "tr_1", CartHash: "current-hash"}

	// The payment is real but describes another cart; keep the session.
	result, outcome, err := p.Completed(context.Background(), sess, url.Values{"id": []string{"tr_1"}})
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, domain.CheckoutStatusNone, outcome)
}

func TestMollieCompletedTerminalFailureRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id": "tr_1", "status": "expired"}`))
	}))
	defer srv.Close()

	p := NewMollie(Config{Secret: "m_key", APIBase: srv.URL, Currency: "EUR"})
	sess := Session{SessionID: "tr_1", CartHash: "current-hash"}

	result, outcome, err := p.Completed(context.Background(), sess, url.Values{"id": []string{"tr_1"}})
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, domain.CheckoutStatusRejected, outcome)
}

func TestMollieCompletedOpenPaymentStaysPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id": "tr_1", "status": "open"}`))
	}))
	defer srv.Close()

	p := NewMollie(Config{Secret: "m_key", APIBase: srv.URL, Currency: "EUR"})
	sess := Session{SessionID: "tr_1", CartHash: "current-hash"}

	result, outcome, err := p.Completed(context.Background(), sess, url.Values{"id": []string{"tr_1"}})
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, domain.CheckoutStatusPending, outcome)
}

func TestMollieFetchProductsFollowsNextLinks(t *testing.T) {
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/products":
			w.Write([]byte(`{
				"_embedded": {"products": [{"id": "p1", "name": "First", "amount": {"value": "9.99"}}]},
				"_links": {"next": {"href": "` + srvURL + `/v2/products-page-2"}}
			}`))
		case "/v2/products-page-2":
			w.Write([]byte(`{
				"_embedded": {"products": [{"id": "p2", "name": "Second", "amount": {"value": "19.99"}}]},
				"_links": {"next": {"href": ""}}
			}`))
		default:
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
	}))
	defer srv.Close()
	srvURL = srv.URL

	p := NewMollie(Config{Secret: "m_key", APIBase: srv.URL, Currency: "EUR"})
	products, err := p.FetchProducts(context.Background())
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.InDelta(t, 9.99, products[0].Price, 0.001)
	assert.InDelta(t, 19.99, products[1].Price, 0.001)
}

func TestGumroadOwnsProductViaSales(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/sales", r.URL.Path)
		require.Equal(t, "c@example.com", r.URL.Query().Get("email"))
		w.Write([]byte(`{
			"success": true,
			"sales": [{"product_id": "ebook", "email": "c@example.com", "refunded": false}],
			"next_page_key": ""
		}`))
	}))
	defer srv.Close()

	p := NewGumroad(Config{Secret: "g_token", APIBase: srv.URL})
	owns, err := p.OwnsProduct(context.Background(), "ebook",
		domain.Customer{ID: "cus-1", Email: "c@example.com"})
	require.NoError(t, err)
	assert.True(t, owns)
}

func TestGumroadOwnsProductFallsBackToHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": true, "sales": [], "next_page_key": ""}`))
	}))
	defer srv.Close()

	orders := &stubPurchases{owned: map[string]bool{"cus-1/ebook": true}}
	p := NewGumroad(Config{Secret: "g_token", APIBase: srv.URL, Orders: orders})

	owns, err := p.OwnsProduct(context.Background(), "ebook",
		domain.Customer{ID: "cus-1", Email: "c@example.com"})
	require.NoError(t, err)
	assert.True(t, owns)

	owns, err = p.OwnsProduct(context.Background(), "other",
		domain.Customer{ID: "cus-1", Email: "c@example.com"})
	require.NoError(t, err)
	assert.False(t, owns)
}

func TestInvoiceRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := NewInvoice(Config{ReturnURL: "https://shop.test/thanks"})

	id, redirect, err := p.Checkout(ctx, CheckoutRequest{
		Lines:    []Line{{ProductID: "ebook", Price: 10, TaxRate: 19, Quantity: 2}},
		Customer: domain.Customer{ID: "cus-1", Email: "d@example.com"},
	})
	require.NoError(t, err)
	assert.Contains(t, redirect, "session_id="+id)

	sess := Session{Provider: "invoice", SessionID: id, Customer: domain.Customer{ID: "cus-1", Email: "d@example.com"}}

	// Wrong session id is ignored and keeps the pending lines intact.
	result, outcome, err := p.Completed(ctx, sess, url.Values{"session_id": []string{"bogus"}})
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, domain.CheckoutStatusNone, outcome)

	result, outcome, err = p.Completed(ctx, sess, url.Values{"session_id": []string{id}})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, domain.CheckoutStatusCompleted, outcome)
	assert.False(t, result.PaymentComplete)
	assert.Equal(t, id, result.PaymentID)
	require.Len(t, result.Items, 1)
	assert.InDelta(t, 20.00, result.Items[0].Subtotal, 0.001)
	assert.InDelta(t, 3.80, result.Items[0].Tax, 0.001)
	assert.InDelta(t, 23.80, result.Items[0].Total, 0.001)

	// A second completion finds nothing pending.
	result, outcome, err = p.Completed(ctx, sess, url.Values{"session_id": []string{id}})
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, domain.CheckoutStatusNone, outcome)
}
