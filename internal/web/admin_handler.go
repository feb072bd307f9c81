package web

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bnomei/kart-go/internal/provider"
	"github.com/bnomei/kart-go/internal/shop"
)

// AdminHandler exposes the operational surface: cache flushes, catalog
// ingestion, queue draining. Authentication sits in front of it,
// outside this package.
type AdminHandler struct {
	shop *shop.Shop
}

func NewAdminHandler(s *shop.Shop) *AdminHandler {
	return &AdminHandler{shop: s}
}

func (h *AdminHandler) Flush(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "cache")

	removed, err := h.shop.Flush(r.Context(), name)
	if err != nil {
		if errors.Is(err, shop.ErrUnknownCache) {
			respondError(w, http.StatusNotFound, "unknown_cache", "no such cache")
			return
		}
		respondError(w, http.StatusInternalServerError, "flush_failed", "could not flush cache")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"cache":   name,
		"removed": removed,
	})
}

func (h *AdminHandler) IngestProducts(w http.ResponseWriter, r *http.Request) {
	kind := provider.Kind(chi.URLParam(r, "provider"))

	ingested, err := h.shop.IngestProducts(r.Context(), kind)
	if err != nil {
		if errors.Is(err, provider.ErrUnknownProvider) {
			respondError(w, http.StatusNotFound, "unknown_provider", "no such payment provider")
			return
		}
		respondError(w, http.StatusInternalServerError, "ingest_failed", "could not ingest products")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"provider": string(kind),
		"ingested": ingested,
	})
}

func (h *AdminHandler) DrainQueue(w http.ResponseWriter, r *http.Request) {
	processed, err := h.shop.ProcessJobs(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "drain_failed", "queue drain failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"processed": processed,
	})
}
