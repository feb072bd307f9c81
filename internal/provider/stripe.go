package provider

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bnomei/kart-go/internal/domain"
)

const stripeAPIBase = "https://api.stripe.com"

// Stripe drives Stripe Checkout Sessions. Stripe speaks form-encoded
// requests and integer minor-unit amounts.
type Stripe struct {
	api      *apiClient
	orders   PurchaseChecker
	currency string
	returns  string
	cancels  string
}

func NewStripe(cfg Config) *Stripe {
	base := cfg.APIBase
	if base == "" {
		base = stripeAPIBase
	}
	return &Stripe{
		api:      newAPIClient(base, cfg.Client, bearer(cfg.Secret)),
		orders:   cfg.Orders,
		currency: strings.ToLower(cfg.Currency),
		returns:  cfg.ReturnURL,
		cancels:  cfg.CancelURL,
	}
}

func (s *Stripe) Name() string { return string(KindStripe) }

type stripeSession struct {
	ID              string `json:"id"`
	URL             string `json:"url"`
	Status          string `json:"status"`
	PaymentStatus   string `json:"payment_status"`
	PaymentIntent   string `json:"payment_intent"`
	CustomerEmail   string `json:"customer_email"`
	CustomerDetails struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"customer_details"`
	AmountTotal int64 `json:"amount_total"`
	Created     int64 `json:"created"`
	LineItems   struct {
		Data []struct {
			Quantity    int64 `json:"quantity"`
			AmountTotal int64 `json:"amount_total"`
			AmountTax   int64 `json:"amount_tax"`
			Price       struct {
				UnitAmount int64  `json:"unit_amount"`
				Product    string `json:"product"`
			} `json:"price"`
		} `json:"data"`
	} `json:"line_items"`
	// Metadata carries the catalog product id per position; Stripe's
	// own product ids are opaque to the shop.
	Metadata map[string]string `json:"metadata"`
}

func (s *Stripe) Checkout(ctx context.Context, req CheckoutRequest) (string, string, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", req.ReturnURL+"?session_id={CHECKOUT_SESSION_ID}")
	form.Set("cancel_url", req.CancelURL)
	if req.Customer.Email != "" {
		form.Set("customer_email", req.Customer.Email)
	}
	for i, line := range req.Lines {
		p := fmt.Sprintf("line_items[%d]", i)
		form.Set(p+"[quantity]", strconv.Itoa(line.Quantity))
		form.Set(p+"[price_data][currency]", s.currency)
		form.Set(p+"[price_data][unit_amount]", strconv.FormatInt(int64(line.Price*100+0.5), 10))
		form.Set(p+"[price_data][product_data][name]", line.Title)
		form.Set(fmt.Sprintf("metadata[item_%d]", i), line.ProductID)
	}

	var sess stripeSession
	status, err := s.api.postForm(ctx, "/v1/checkout/sessions", form, &sess)
	if err != nil {
		return "", "", err
	}
	if !ok(status) {
		return "", "", &CheckoutError{Provider: s.Name(), Status: status}
	}
	return sess.ID, sess.URL, nil
}

func (s *Stripe) Completed(ctx context.Context, sess Session, params url.Values) (*domain.CheckoutResult, domain.CheckoutStatus, error) {
	returned := params.Get("session_id")
	if returned == "" || returned != sess.SessionID {
		return nil, domain.CheckoutStatusNone, nil
	}

	var remote stripeSession
	query := url.Values{"expand[]": []string{"line_items"}}
	status, err := s.api.getJSON(ctx, "/v1/checkout/sessions/"+url.PathEscape(returned), query, &remote)
	if err != nil {
		return nil, domain.CheckoutStatusNone, err
	}
	if !ok(status) {
		return nil, domain.CheckoutStatusNone, nil
	}
	if remote.PaymentStatus != "paid" {
		// The session is verified; an open one may still settle, anything
		// else is a definitive rejection.
		if remote.Status == "open" {
			return nil, domain.CheckoutStatusPending, nil
		}
		return nil, domain.CheckoutStatusRejected, nil
	}

	email := remote.CustomerDetails.Email
	if email == "" {
		email = remote.CustomerEmail
	}

	result := &domain.CheckoutResult{
		Email: email,
		Customer: domain.Customer{
			ID:    sess.Customer.ID,
			Email: email,
			Name:  remote.CustomerDetails.Name,
		},
		PaidDate:        time.Unix(remote.Created, 0).UTC(),
		PaymentMethod:   s.Name(),
		PaymentComplete: true,
		PaymentID:       remote.PaymentIntent,
	}
	for i, item := range remote.LineItems.Data {
		productID := remote.Metadata[fmt.Sprintf("item_%d", i)]
		subtotal := cents(item.AmountTotal - item.AmountTax)
		result.Items = append(result.Items, domain.ResultItem{
			Key:      []string{productID, item.Price.Product},
			Quantity: int(item.Quantity),
			Price:    cents(item.Price.UnitAmount),
			Subtotal: subtotal,
			Tax:      cents(item.AmountTax),
			Total:    cents(item.AmountTotal),
		})
	}
	return result, domain.CheckoutStatusCompleted, nil
}

type stripeProductPage struct {
	Data []struct {
		ID           string   `json:"id"`
		Name         string   `json:"name"`
		Description  string   `json:"description"`
		Images       []string `json:"images"`
		DefaultPrice struct {
			UnitAmount int64 `json:"unit_amount"`
		} `json:"default_price"`
		Metadata map[string]string `json:"metadata"`
	} `json:"data"`
	HasMore bool `json:"has_more"`
}

// FetchProducts walks /v1/products with cursor pagination: has_more plus
// starting_after on the last seen id.
func (s *Stripe) FetchProducts(ctx context.Context) ([]domain.VirtualProduct, error) {
	var products []domain.VirtualProduct
	after := ""
	for {
		query := url.Values{
			"limit":    []string{"100"},
			"active":   []string{"true"},
			"expand[]": []string{"data.default_price"},
		}
		if after != "" {
			query.Set("starting_after", after)
		}

		var page stripeProductPage
		status, err := s.api.getJSON(ctx, "/v1/products", query, &page)
		if err != nil || !ok(status) {
			break
		}
		if len(page.Data) == 0 {
			break
		}
		for _, p := range page.Data {
			products = append(products, domain.VirtualProduct{
				ID:          p.ID,
				Title:       p.Name,
				Description: p.Description,
				Price:       cents(p.DefaultPrice.UnitAmount),
				Gallery:     p.Images,
				Tags:        splitList(p.Metadata["tags"]),
				Categories:  splitList(p.Metadata["categories"]),
			})
		}
		if !page.HasMore {
			break
		}
		after = page.Data[len(page.Data)-1].ID
	}
	return products, nil
}

// OwnsProduct has no fulfillment shortcut on Stripe; order history is the
// only path.
func (s *Stripe) OwnsProduct(ctx context.Context, productID string, customer domain.Customer) (bool, error) {
	return historyOwns(ctx, s.orders, productID, customer)
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
