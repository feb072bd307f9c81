package provider

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bnomei/kart-go/internal/domain"
)

const mollieAPIBase = "https://api.mollie.com"

// Mollie has no payment status in its redirect, so Completed polls the
// payment object instead of trusting return parameters.
type Mollie struct {
	api      *apiClient
	orders   PurchaseChecker
	currency string
	returns  string
}

func NewMollie(cfg Config) *Mollie {
	base := cfg.APIBase
	if base == "" {
		base = mollieAPIBase
	}
	return &Mollie{
		api:      newAPIClient(base, cfg.Client, bearer(cfg.Secret)),
		orders:   cfg.Orders,
		currency: strings.ToUpper(cfg.Currency),
		returns:  cfg.ReturnURL,
	}
}

func (m *Mollie) Name() string { return string(KindMollie) }

type molliePayment struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Description string `json:"description"`
	Amount      struct {
		Value string `json:"value"`
	} `json:"amount"`
	PaidAt   time.Time `json:"paidAt"`
	Metadata struct {
		CartHash string `json:"cart_hash"`
		Items    []struct {
			ProductID string  `json:"product_id"`
			Price     float64 `json:"price"`
			Quantity  int     `json:"quantity"`
			Tax       float64 `json:"tax"`
		} `json:"items"`
	} `json:"metadata"`
	Links struct {
		Checkout struct {
			Href string `json:"href"`
		} `json:"checkout"`
	} `json:"_links"`
}

func (m *Mollie) Checkout(ctx context.Context, req CheckoutRequest) (string, string, error) {
	var total float64
	items := make([]map[string]any, 0, len(req.Lines))
	for _, line := range req.Lines {
		total += line.Price * float64(line.Quantity)
		items = append(items, map[string]any{
			"product_id": line.ProductID,
			"price":      line.Price,
			"quantity":   line.Quantity,
			"tax":        line.Price * float64(line.Quantity) * line.TaxRate / 100,
		})
	}
	body := map[string]any{
		"amount": map[string]string{
			"currency": m.currency,
			"value":    fmt.Sprintf("%.2f", total),
		},
		"description": "Order",
		"redirectUrl": req.ReturnURL,
		"metadata": map[string]any{
			"cart_hash": req.CartHash,
			"items":     items,
		},
	}

	var payment molliePayment
	status, err := m.api.postJSON(ctx, "/v2/payments", body, &payment)
	if err != nil {
		return "", "", err
	}
	if !ok(status) {
		return "", "", &CheckoutError{Provider: m.Name(), Status: status}
	}
	return payment.ID, payment.Links.Checkout.Href, nil
}

func (m *Mollie) Completed(ctx context.Context, sess Session, params url.Values) (*domain.CheckoutResult, domain.CheckoutStatus, error) {
	paymentID := params.Get("id")
	if paymentID == "" {
		paymentID = sess.SessionID
	}
	if paymentID == "" || paymentID != sess.SessionID {
		return nil, domain.CheckoutStatusNone, nil
	}

	var payment molliePayment
	status, err := m.api.getJSON(ctx, "/v2/payments/"+url.PathEscape(paymentID), nil, &payment)
	if err != nil {
		return nil, domain.CheckoutStatusNone, err
	}
	if !ok(status) {
		return nil, domain.CheckoutStatusNone, nil
	}
	switch payment.Status {
	case "paid":
	case "open", "pending", "authorized":
		return nil, domain.CheckoutStatusPending, nil
	default:
		// canceled, expired, failed.
		return nil, domain.CheckoutStatusRejected, nil
	}
	if payment.Metadata.CartHash != sess.CartHash {
		return nil, domain.CheckoutStatusNone, nil
	}

	result := &domain.CheckoutResult{
		Email:           sess.Customer.Email,
		Customer:        sess.Customer,
		PaidDate:        payment.PaidAt,
		PaymentMethod:   m.Name(),
		PaymentComplete: true,
		PaymentID:       payment.ID,
	}
	for _, item := range payment.Metadata.Items {
		subtotal := item.Price * float64(item.Quantity)
		result.Items = append(result.Items, domain.ResultItem{
			Key:      []string{item.ProductID},
			Quantity: item.Quantity,
			Price:    item.Price,
			Subtotal: subtotal,
			Tax:      item.Tax,
			Total:    subtotal + item.Tax,
		})
	}
	return result, domain.CheckoutStatusCompleted, nil
}

type mollieProductPage struct {
	Embedded struct {
		Products []struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			Description string `json:"description"`
			Amount      struct {
				Value string `json:"value"`
			} `json:"amount"`
		} `json:"products"`
	} `json:"_embedded"`
	Links struct {
		Next struct {
			Href string `json:"href"`
		} `json:"next"`
	} `json:"_links"`
}

// FetchProducts follows _links.next until it is absent.
func (m *Mollie) FetchProducts(ctx context.Context) ([]domain.VirtualProduct, error) {
	var products []domain.VirtualProduct
	path := "/v2/products"
	query := url.Values{"limit": []string{"50"}}
	for path != "" {
		var page mollieProductPage
		status, err := m.api.getJSON(ctx, path, query, &page)
		if err != nil || !ok(status) {
			break
		}
		if len(page.Embedded.Products) == 0 {
			break
		}
		for _, p := range page.Embedded.Products {
			products = append(products, domain.VirtualProduct{
				ID:          p.ID,
				Title:       p.Name,
				Description: p.Description,
				Price:       parseMajorUnits(p.Amount.Value),
			})
		}
		path = nextPath(m.api.base, page.Links.Next.Href)
		query = nil
	}
	return products, nil
}

func (m *Mollie) OwnsProduct(ctx context.Context, productID string, customer domain.Customer) (bool, error) {
	return historyOwns(ctx, m.orders, productID, customer)
}

// nextPath strips the API base from an absolute _links.next href. An
// href pointing elsewhere ends pagination.
func nextPath(base, href string) string {
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, base) {
		return strings.TrimPrefix(href, base)
	}
	return ""
}
