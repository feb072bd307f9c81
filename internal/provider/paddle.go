package provider

import (
	"context"
	"net/url"
	"time"

	"github.com/bnomei/kart-go/internal/domain"
)

const paddleAPIBase = "https://api.paddle.com"

// Paddle uses transaction objects and cursor pagination via a next URL.
type Paddle struct {
	api     *apiClient
	orders  PurchaseChecker
	returns string
}

func NewPaddle(cfg Config) *Paddle {
	base := cfg.APIBase
	if base == "" {
		base = paddleAPIBase
	}
	return &Paddle{
		api:     newAPIClient(base, cfg.Client, bearer(cfg.Secret)),
		orders:  cfg.Orders,
		returns: cfg.ReturnURL,
	}
}

func (p *Paddle) Name() string { return string(KindPaddle) }

type paddleTransaction struct {
	Data struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		Checkout struct {
			URL string `json:"url"`
		} `json:"checkout"`
		CustomerEmail string    `json:"customer_email"`
		BilledAt      time.Time `json:"billed_at"`
		InvoiceNumber string    `json:"invoice_number"`
		Items         []struct {
			Quantity int `json:"quantity"`
			Price    struct {
				ProductID string `json:"product_id"`
				UnitPrice struct {
					Amount string `json:"amount"`
				} `json:"unit_price"`
			} `json:"price"`
		} `json:"items"`
		Details struct {
			Totals struct {
				Subtotal string `json:"subtotal"`
				Tax      string `json:"tax"`
				Discount string `json:"discount"`
				Total    string `json:"total"`
			} `json:"totals"`
		} `json:"details"`
	} `json:"data"`
}

func (p *Paddle) Checkout(ctx context.Context, req CheckoutRequest) (string, string, error) {
	items := make([]map[string]any, 0, len(req.Lines))
	for _, line := range req.Lines {
		items = append(items, map[string]any{
			"quantity": line.Quantity,
			"price": map[string]any{
				"product_id":  line.ProductID,
				"description": line.Title,
				"unit_price": map[string]any{
					"amount": formatCents(line.Price),
				},
			},
		})
	}
	body := map[string]any{
		"items": items,
		"checkout": map[string]any{
			"url": req.ReturnURL,
		},
		"custom_data": map[string]any{
			"cart_hash": req.CartHash,
		},
	}

	var resp paddleTransaction
	status, err := p.api.postJSON(ctx, "/transactions", body, &resp)
	if err != nil {
		return "", "", err
	}
	if !ok(status) {
		return "", "", &CheckoutError{Provider: p.Name(), Status: status}
	}
	return resp.Data.ID, resp.Data.Checkout.URL, nil
}

func (p *Paddle) Completed(ctx context.Context, sess Session, params url.Values) (*domain.CheckoutResult, domain.CheckoutStatus, error) {
	txnID := params.Get("_ptxn")
	if txnID == "" {
		txnID = params.Get("transaction_id")
	}
	if txnID == "" || txnID != sess.SessionID {
		return nil, domain.CheckoutStatusNone, nil
	}

	var resp paddleTransaction
	status, err := p.api.getJSON(ctx, "/transactions/"+url.PathEscape(txnID), nil, &resp)
	if err != nil {
		return nil, domain.CheckoutStatusNone, err
	}
	if !ok(status) {
		return nil, domain.CheckoutStatusNone, nil
	}
	data := resp.Data
	if data.Status != "completed" && data.Status != "paid" {
		switch data.Status {
		case "canceled", "past_due":
			return nil, domain.CheckoutStatusRejected, nil
		default:
			// draft, ready, billed: the transaction is still in flight.
			return nil, domain.CheckoutStatusPending, nil
		}
	}

	email := data.CustomerEmail
	if email == "" {
		email = sess.Customer.Email
	}
	result := &domain.CheckoutResult{
		Email: email,
		Customer: domain.Customer{
			ID:    sess.Customer.ID,
			Email: email,
			Name:  sess.Customer.Name,
		},
		PaidDate:        data.BilledAt,
		PaymentMethod:   p.Name(),
		PaymentComplete: true,
		PaymentID:       data.ID,
	}

	totals := data.Details.Totals
	subtotal := parseDecimalCents(totals.Subtotal)
	tax := parseDecimalCents(totals.Tax)
	discount := parseDecimalCents(totals.Discount)
	total := parseDecimalCents(totals.Total)
	for i, item := range data.Items {
		ri := domain.ResultItem{
			Key:      []string{item.Price.ProductID},
			Quantity: item.Quantity,
			Price:    parseDecimalCents(item.Price.UnitPrice.Amount),
		}
		// Paddle reports totals per transaction, not per item; attach
		// them to the first position.
		if i == 0 {
			ri.Subtotal = subtotal
			ri.Tax = tax
			ri.Discount = discount
			ri.Total = total
		}
		result.Items = append(result.Items, ri)
	}
	return result, domain.CheckoutStatusCompleted, nil
}

type paddleProductPage struct {
	Data []struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
		ImageURL    string `json:"image_url"`
		CustomData  struct {
			Price float64 `json:"price"`
		} `json:"custom_data"`
	} `json:"data"`
	Meta struct {
		Pagination struct {
			Next    string `json:"next"`
			HasMore bool   `json:"has_more"`
		} `json:"pagination"`
	} `json:"meta"`
}

// FetchProducts follows the cursor in meta.pagination until has_more goes
// false.
func (p *Paddle) FetchProducts(ctx context.Context) ([]domain.VirtualProduct, error) {
	var products []domain.VirtualProduct
	after := ""
	for {
		query := url.Values{"per_page": []string{"100"}}
		if after != "" {
			query.Set("after", after)
		}
		var page paddleProductPage
		status, err := p.api.getJSON(ctx, "/products", query, &page)
		if err != nil || !ok(status) {
			break
		}
		if len(page.Data) == 0 {
			break
		}
		for _, item := range page.Data {
			vp := domain.VirtualProduct{
				ID:          item.ID,
				Title:       item.Name,
				Description: item.Description,
				Price:       item.CustomData.Price,
			}
			if item.ImageURL != "" {
				vp.Gallery = []string{item.ImageURL}
			}
			products = append(products, vp)
		}
		if !page.Meta.Pagination.HasMore {
			break
		}
		after = page.Data[len(page.Data)-1].ID
	}
	return products, nil
}

func (p *Paddle) OwnsProduct(ctx context.Context, productID string, customer domain.Customer) (bool, error) {
	return historyOwns(ctx, p.orders, productID, customer)
}
