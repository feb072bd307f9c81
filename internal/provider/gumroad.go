package provider

import (
	"context"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/bnomei/kart-go/internal/domain"
)

const gumroadAPIBase = "https://api.gumroad.com"

// Gumroad takes form-encoded posts and exposes its sales log, which gives
// OwnsProduct a fulfillment shortcut the other back-ends lack.
type Gumroad struct {
	api     *apiClient
	token   string
	orders  PurchaseChecker
	returns string
}

func NewGumroad(cfg Config) *Gumroad {
	base := cfg.APIBase
	if base == "" {
		base = gumroadAPIBase
	}
	return &Gumroad{
		api:     newAPIClient(base, cfg.Client, nil),
		token:   cfg.Secret,
		orders:  cfg.Orders,
		returns: cfg.ReturnURL,
	}
}

func (g *Gumroad) Name() string { return string(KindGumroad) }

type gumroadProductResponse struct {
	Success bool `json:"success"`
	Product struct {
		ShortURL string `json:"short_url"`
	} `json:"product"`
	Products []struct {
		ID           string   `json:"id"`
		Name         string   `json:"name"`
		Description  string   `json:"description"`
		PriceCents   int64    `json:"price"`
		Tags         []string `json:"tags"`
		PreviewURL   string   `json:"preview_url"`
		CustomFields []string `json:"custom_fields"`
	} `json:"products"`
}

// Checkout redirects to the hosted product page; Gumroad has no
// multi-line checkout session, so the first cart line wins.
func (g *Gumroad) Checkout(ctx context.Context, req CheckoutRequest) (string, string, error) {
	if len(req.Lines) == 0 {
		return "", "", &CheckoutError{Provider: g.Name(), Status: 0}
	}
	line := req.Lines[0]

	form := url.Values{"access_token": []string{g.token}}
	var resp gumroadProductResponse
	status, err := g.api.postForm(ctx, "/v2/products/"+url.PathEscape(line.ProductID)+"/verify", form, &resp)
	if err != nil {
		return "", "", err
	}
	if !ok(status) || !resp.Success {
		return "", "", &CheckoutError{Provider: g.Name(), Status: status}
	}

	sessionID := uuid.NewString()
	redirect := resp.Product.ShortURL + "?referrer=" + url.QueryEscape(req.ReturnURL+"?session_id="+sessionID)
	return sessionID, redirect, nil
}

type gumroadSaleResponse struct {
	Success bool `json:"success"`
	Sale    struct {
		ID         string    `json:"id"`
		ProductID  string    `json:"product_id"`
		Email      string    `json:"email"`
		FullName   string    `json:"full_name"`
		PriceCents int64     `json:"price"`
		Quantity   int       `json:"quantity"`
		CreatedAt  time.Time `json:"created_at"`
		Refunded   bool      `json:"refunded"`
		LicenseKey string    `json:"license_key"`
	} `json:"sale"`
}

func (g *Gumroad) Completed(ctx context.Context, sess Session, params url.Values) (*domain.CheckoutResult, domain.CheckoutStatus, error) {
	if params.Get("session_id") != sess.SessionID {
		return nil, domain.CheckoutStatusNone, nil
	}
	saleID := params.Get("sale_id")
	if saleID == "" {
		return nil, domain.CheckoutStatusNone, nil
	}

	form := url.Values{"access_token": []string{g.token}}
	var resp gumroadSaleResponse
	status, err := g.api.postForm(ctx, "/v2/sales/"+url.PathEscape(saleID), form, &resp)
	if err != nil {
		return nil, domain.CheckoutStatusNone, err
	}
	if !ok(status) || !resp.Success {
		return nil, domain.CheckoutStatusNone, nil
	}
	if resp.Sale.Refunded {
		return nil, domain.CheckoutStatusRejected, nil
	}

	sale := resp.Sale
	quantity := sale.Quantity
	if quantity == 0 {
		quantity = 1
	}
	total := cents(sale.PriceCents)
	return &domain.CheckoutResult{
		Email: sale.Email,
		Customer: domain.Customer{
			ID:    sess.Customer.ID,
			Email: sale.Email,
			Name:  sale.FullName,
		},
		PaidDate:        sale.CreatedAt,
		PaymentMethod:   g.Name(),
		PaymentComplete: true,
		PaymentID:       sale.ID,
		Items: []domain.ResultItem{{
			Key:        []string{sale.ProductID},
			Quantity:   quantity,
			Price:      total / float64(quantity),
			Subtotal:   total,
			Total:      total,
			LicenseKey: sale.LicenseKey,
		}},
	}, domain.CheckoutStatusCompleted, nil
}

// FetchProducts is a single unpaginated call on Gumroad.
func (g *Gumroad) FetchProducts(ctx context.Context) ([]domain.VirtualProduct, error) {
	query := url.Values{"access_token": []string{g.token}}
	var resp gumroadProductResponse
	status, err := g.api.getJSON(ctx, "/v2/products", query, &resp)
	if err != nil || !ok(status) || !resp.Success {
		return nil, err
	}

	products := make([]domain.VirtualProduct, 0, len(resp.Products))
	for _, p := range resp.Products {
		vp := domain.VirtualProduct{
			ID:          p.ID,
			Title:       p.Name,
			Description: p.Description,
			Price:       cents(p.PriceCents),
			Tags:        p.Tags,
		}
		if p.PreviewURL != "" {
			vp.Gallery = []string{p.PreviewURL}
		}
		products = append(products, vp)
	}
	return products, nil
}

type gumroadSalesPage struct {
	Success bool `json:"success"`
	Sales   []struct {
		ProductID string `json:"product_id"`
		Email     string `json:"email"`
		Refunded  bool   `json:"refunded"`
	} `json:"sales"`
	NextPageKey string `json:"next_page_key"`
}

// OwnsProduct checks Gumroad's sales log for the customer's email, then
// falls back to local order history. The fulfillment record alone is not
// trusted when the email is empty.
func (g *Gumroad) OwnsProduct(ctx context.Context, productID string, customer domain.Customer) (bool, error) {
	if customer.Email != "" {
		pageKey := ""
		for {
			query := url.Values{
				"access_token": []string{g.token},
				"email":        []string{customer.Email},
			}
			if pageKey != "" {
				query.Set("page_key", pageKey)
			}
			var page gumroadSalesPage
			status, err := g.api.getJSON(ctx, "/v2/sales", query, &page)
			if err != nil || !ok(status) || !page.Success {
				break
			}
			for _, sale := range page.Sales {
				if sale.ProductID == productID && !sale.Refunded {
					return true, nil
				}
			}
			if page.NextPageKey == "" {
				break
			}
			pageKey = page.NextPageKey
		}
	}
	return historyOwns(ctx, g.orders, productID, customer)
}
