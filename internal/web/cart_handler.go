package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bnomei/kart-go/internal/catalog"
	"github.com/bnomei/kart-go/internal/money"
	"github.com/bnomei/kart-go/internal/shop"
)

type CartHandler struct {
	shop *shop.Shop
}

func NewCartHandler(s *shop.Shop) *CartHandler {
	return &CartHandler{shop: s}
}

type CartItemRequestDTO struct {
	ProductID string `json:"product_id"`
	Amount    int    `json:"amount"`
}

type CartLineDTO struct {
	ProductID string  `json:"product_id"`
	Title     string  `json:"title"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
	Subtotal  float64 `json:"subtotal"`
}

type CartResponseDTO struct {
	Lines       []CartLineDTO `json:"lines"`
	Quantity    int           `json:"quantity"`
	Count       int           `json:"count"`
	Subtotal    float64       `json:"subtotal"`
	Tax         float64       `json:"tax"`
	Total       float64       `json:"total"`
	Formatted   string        `json:"formatted_total"`
	CanCheckout bool          `json:"can_checkout"`
}

func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	svc := h.shop.Cart(ownerFromContext(ctx))

	c, err := svc.Cart(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "cart_unavailable", "could not load cart")
		return
	}

	resp := CartResponseDTO{Lines: []CartLineDTO{}}
	for _, line := range c.Lines {
		p, err := h.shop.Catalog.Product(ctx, line.ProductID)
		if err != nil {
			if errors.Is(err, catalog.ErrProductNotFound) {
				continue
			}
			respondError(w, http.StatusInternalServerError, "catalog_unavailable", "could not resolve products")
			return
		}
		resp.Lines = append(resp.Lines, CartLineDTO{
			ProductID: p.ID,
			Title:     p.Title,
			Quantity:  line.Quantity,
			Price:     p.Price,
			Subtotal:  p.Price * float64(line.Quantity),
		})
		resp.Quantity += line.Quantity
		resp.Count++
	}

	if resp.Subtotal, err = svc.Subtotal(ctx); err != nil {
		respondError(w, http.StatusInternalServerError, "cart_unavailable", "could not total cart")
		return
	}
	if resp.Tax, err = svc.Tax(ctx); err != nil {
		respondError(w, http.StatusInternalServerError, "cart_unavailable", "could not total cart")
		return
	}
	resp.Total = resp.Subtotal + resp.Tax
	resp.Formatted = money.Format(resp.Total, h.shop.Config.Currency)

	if resp.CanCheckout, err = svc.CanCheckout(ctx); err != nil {
		respondError(w, http.StatusInternalServerError, "cart_unavailable", "could not check eligibility")
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *CartHandler) decodeItem(w http.ResponseWriter, r *http.Request) (CartItemRequestDTO, bool) {
	var req CartItemRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return req, false
	}
	if req.ProductID == "" {
		respondError(w, http.StatusBadRequest, "invalid_product_id", "product_id is required")
		return req, false
	}
	if req.Amount == 0 {
		req.Amount = 1
	}
	if req.Amount < 0 || req.Amount > 99 {
		respondError(w, http.StatusBadRequest, "invalid_amount", "amount must be between 1 and 99")
		return req, false
	}
	return req, true
}

func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	req, valid := h.decodeItem(w, r)
	if !valid {
		return
	}

	qty, err := h.shop.AddToCart(r.Context(), ownerFromContext(r.Context()), req.ProductID, req.Amount)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "cart_unavailable", "could not add to cart")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"product_id": req.ProductID,
		"quantity":   qty,
	})
}

func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	req, valid := h.decodeItem(w, r)
	if !valid {
		return
	}

	qty, err := h.shop.RemoveFromCart(r.Context(), ownerFromContext(r.Context()), req.ProductID, req.Amount)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "cart_unavailable", "could not remove from cart")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"product_id": req.ProductID,
		"quantity":   qty,
	})
}

func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	if err := h.shop.ClearCart(r.Context(), ownerFromContext(r.Context())); err != nil {
		respondError(w, http.StatusInternalServerError, "cart_unavailable", "could not clear cart")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FixCart clamps every line down to what checkout would accept.
func (h *CartHandler) FixCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	svc := h.shop.Cart(ownerFromContext(ctx))
	if err := svc.Fix(ctx); err != nil {
		respondError(w, http.StatusInternalServerError, "cart_unavailable", "could not fix cart")
		return
	}
	h.GetCart(w, r)
}
