package web

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bnomei/kart-go/internal/domain"
	"github.com/bnomei/kart-go/internal/provider"
	"github.com/bnomei/kart-go/internal/shop"
)

type CheckoutHandler struct {
	shop *shop.Shop
}

func NewCheckoutHandler(s *shop.Shop) *CheckoutHandler {
	return &CheckoutHandler{shop: s}
}

// Begin starts the outbound leg and sends the browser to the payment
// page. Customer identity arrives from the external auth layer as query
// parameters here; guards stay outside this surface.
func (h *CheckoutHandler) Begin(w http.ResponseWriter, r *http.Request) {
	kind := provider.Kind(chi.URLParam(r, "provider"))
	customer := domain.Customer{
		ID:    r.URL.Query().Get("customer_id"),
		Email: r.URL.Query().Get("email"),
		Name:  r.URL.Query().Get("name"),
	}

	redirect, err := h.shop.Checkout(r.Context(), ownerFromContext(r.Context()), kind, customer)
	if err != nil {
		h.respondCheckoutError(w, err)
		return
	}
	http.Redirect(w, r, redirect, http.StatusSeeOther)
}

// Return handles the browser coming back from the payment page.
func (h *CheckoutHandler) Return(w http.ResponseWriter, r *http.Request) {
	kind := provider.Kind(chi.URLParam(r, "provider"))

	redirect, err := h.shop.CompleteCheckout(r.Context(), ownerFromContext(r.Context()), kind, r.URL.Query())
	if err != nil {
		if errors.Is(err, provider.ErrNoSession) {
			http.Redirect(w, r, h.shop.Config.CancelURL, http.StatusSeeOther)
			return
		}
		h.respondCheckoutError(w, err)
		return
	}
	http.Redirect(w, r, redirect, http.StatusSeeOther)
}

// Webhook is the out-of-band completion leg. The owner rides in the
// payload because no browser cookie is present.
func (h *CheckoutHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	kind := provider.Kind(chi.URLParam(r, "provider"))
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "unreadable webhook payload")
		return
	}
	owner := r.Form.Get("owner")
	if owner == "" {
		owner = ownerFromContext(r.Context())
	}
	if owner == "" {
		respondError(w, http.StatusBadRequest, "missing_owner", "no cart owner in webhook payload")
		return
	}

	redirect, err := h.shop.CompleteCheckout(r.Context(), owner, kind, r.Form)
	if err != nil {
		if errors.Is(err, provider.ErrNoSession) {
			respondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		h.respondCheckoutError(w, err)
		return
	}

	status := "completed"
	if redirect == h.shop.Config.CancelURL {
		status = "ignored"
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (h *CheckoutHandler) respondCheckoutError(w http.ResponseWriter, err error) {
	var checkoutErr *provider.CheckoutError
	switch {
	case errors.Is(err, shop.ErrCannotCheckout):
		respondError(w, http.StatusConflict, "cannot_checkout", "cart is not eligible for checkout")
	case errors.Is(err, provider.ErrUnknownProvider):
		respondError(w, http.StatusNotFound, "unknown_provider", "no such payment provider")
	case errors.As(err, &checkoutErr):
		respondError(w, http.StatusBadGateway, "payment_api_error", checkoutErr.Error())
	default:
		respondError(w, http.StatusInternalServerError, "checkout_failed", "checkout failed")
	}
}
