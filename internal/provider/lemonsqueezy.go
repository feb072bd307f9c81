package provider

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/bnomei/kart-go/internal/domain"
)

const lemonSqueezyAPIBase = "https://api.lemonsqueezy.com"

// LemonSqueezy speaks JSON:API with page[number] pagination.
type LemonSqueezy struct {
	api     *apiClient
	orders  PurchaseChecker
	returns string
}

func NewLemonSqueezy(cfg Config) *LemonSqueezy {
	base := cfg.APIBase
	if base == "" {
		base = lemonSqueezyAPIBase
	}
	return &LemonSqueezy{
		api:     newAPIClient(base, cfg.Client, bearer(cfg.Secret)),
		orders:  cfg.Orders,
		returns: cfg.ReturnURL,
	}
}

func (l *LemonSqueezy) Name() string { return string(KindLemonSqueezy) }

type lsCheckoutResponse struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			URL string `json:"url"`
		} `json:"attributes"`
	} `json:"data"`
}

func (l *LemonSqueezy) Checkout(ctx context.Context, req CheckoutRequest) (string, string, error) {
	items := make([]map[string]any, 0, len(req.Lines))
	for _, line := range req.Lines {
		items = append(items, map[string]any{
			"id":       line.ProductID,
			"name":     line.Title,
			"price":    int64(line.Price*100 + 0.5),
			"quantity": line.Quantity,
		})
	}
	body := map[string]any{
		"data": map[string]any{
			"type": "checkouts",
			"attributes": map[string]any{
				"checkout_data": map[string]any{
					"email": req.Customer.Email,
					"name":  req.Customer.Name,
					"custom": map[string]any{
						"cart_hash": req.CartHash,
						"items":     items,
					},
				},
				"product_options": map[string]any{
					"redirect_url": req.ReturnURL,
				},
			},
		},
	}

	var resp lsCheckoutResponse
	status, err := l.api.postJSON(ctx, "/v1/checkouts", body, &resp)
	if err != nil {
		return "", "", err
	}
	if !ok(status) {
		return "", "", &CheckoutError{Provider: l.Name(), Status: status}
	}
	return resp.Data.ID, resp.Data.Attributes.URL, nil
}

type lsOrderResponse struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			Status     string `json:"status"`
			UserEmail  string `json:"user_email"`
			UserName   string `json:"user_name"`
			Identifier string `json:"identifier"`
			UrlsObj    struct {
				Receipt string `json:"receipt"`
			} `json:"urls"`
			CreatedAt      time.Time `json:"created_at"`
			FirstOrderItem struct {
				ProductID int64 `json:"product_id"`
				Price     int64 `json:"price"`
				Quantity  int   `json:"quantity"`
			} `json:"first_order_item"`
			Subtotal int64 `json:"subtotal"`
			Tax      int64 `json:"tax"`
			Discount int64 `json:"discount_total"`
			Total    int64 `json:"total"`
		} `json:"attributes"`
	} `json:"data"`
}

func (l *LemonSqueezy) Completed(ctx context.Context, sess Session, params url.Values) (*domain.CheckoutResult, domain.CheckoutStatus, error) {
	orderID := params.Get("order_id")
	if orderID == "" {
		return nil, domain.CheckoutStatusNone, nil
	}
	// The order id alone is caller-supplied and proves nothing; the
	// checkout id must match the stored session before the payload is
	// trusted.
	if params.Get("checkout_id") != sess.SessionID {
		return nil, domain.CheckoutStatusNone, nil
	}

	var resp lsOrderResponse
	status, err := l.api.getJSON(ctx, "/v1/orders/"+url.PathEscape(orderID), nil, &resp)
	if err != nil {
		return nil, domain.CheckoutStatusNone, err
	}
	if !ok(status) {
		return nil, domain.CheckoutStatusNone, nil
	}
	attrs := resp.Data.Attributes
	if attrs.Status != "paid" {
		if attrs.Status == "pending" {
			return nil, domain.CheckoutStatusPending, nil
		}
		return nil, domain.CheckoutStatusRejected, nil
	}

	item := attrs.FirstOrderItem
	return &domain.CheckoutResult{
		Email: attrs.UserEmail,
		Customer: domain.Customer{
			ID:    sess.Customer.ID,
			Email: attrs.UserEmail,
			Name:  attrs.UserName,
		},
		PaidDate:        attrs.CreatedAt,
		PaymentMethod:   l.Name(),
		PaymentComplete: true,
		InvoiceURL:      attrs.UrlsObj.Receipt,
		PaymentID:       attrs.Identifier,
		Items: []domain.ResultItem{{
			Key:      []string{strconv.FormatInt(item.ProductID, 10)},
			Quantity: item.Quantity,
			Price:    cents(item.Price),
			Subtotal: cents(attrs.Subtotal),
			Tax:      cents(attrs.Tax),
			Discount: cents(attrs.Discount),
			Total:    cents(attrs.Total),
		}},
	}, domain.CheckoutStatusCompleted, nil
}

type lsProductPage struct {
	Meta struct {
		Page struct {
			CurrentPage int `json:"currentPage"`
			LastPage    int `json:"lastPage"`
		} `json:"page"`
	} `json:"meta"`
	Data []struct {
		ID         string `json:"id"`
		Attributes struct {
			Name        string `json:"name"`
			Description string `json:"description"`
			Price       int64  `json:"price"`
			ThumbURL    string `json:"thumb_url"`
		} `json:"attributes"`
	} `json:"data"`
}

// FetchProducts pages through /v1/products until meta reports the last
// page.
func (l *LemonSqueezy) FetchProducts(ctx context.Context) ([]domain.VirtualProduct, error) {
	var products []domain.VirtualProduct
	for page := 1; ; page++ {
		query := url.Values{
			"page[number]": []string{strconv.Itoa(page)},
			"page[size]":   []string{"100"},
		}
		var resp lsProductPage
		status, err := l.api.getJSON(ctx, "/v1/products", query, &resp)
		if err != nil || !ok(status) {
			break
		}
		for _, p := range resp.Data {
			vp := domain.VirtualProduct{
				ID:          p.ID,
				Title:       p.Attributes.Name,
				Description: p.Attributes.Description,
				Price:       cents(p.Attributes.Price),
			}
			if p.Attributes.ThumbURL != "" {
				vp.Gallery = []string{p.Attributes.ThumbURL}
			}
			products = append(products, vp)
		}
		if resp.Meta.Page.LastPage == 0 || page >= resp.Meta.Page.LastPage {
			break
		}
	}
	return products, nil
}

func (l *LemonSqueezy) OwnsProduct(ctx context.Context, productID string, customer domain.Customer) (bool, error) {
	return historyOwns(ctx, l.orders, productID, customer)
}
