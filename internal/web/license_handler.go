package web

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bnomei/kart-go/internal/license"
	"github.com/bnomei/kart-go/internal/shop"
)

type LicenseHandler struct {
	shop *shop.Shop
}

func NewLicenseHandler(s *shop.Shop) *LicenseHandler {
	return &LicenseHandler{shop: s}
}

// Validate always answers 200 with a result body; an unknown key is a
// negative result, not an HTTP error.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		respondError(w, http.StatusBadRequest, "missing_key", "key query parameter is required")
		return
	}

	result, err := h.shop.Licenses.Validate(r.Context(), key)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "validation_unavailable", "could not validate license key")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.shop.Licenses.Activate)
}

func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.shop.Licenses.Deactivate)
}

func (h *LicenseHandler) toggle(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, key string) (*license.Activation, error)) {
	key := chi.URLParam(r, "key")

	activation, err := op(r.Context(), key)
	if err != nil {
		if errors.Is(err, license.ErrLicenseNotFound) {
			respondError(w, http.StatusNotFound, "unknown_license", "license key not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "activation_unavailable", "could not update activation")
		return
	}
	respondJSON(w, http.StatusOK, activation)
}
