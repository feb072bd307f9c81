// Package web is the HTTP edge over the shop context. Auth and guards
// stay external; handlers translate requests into shop operations and
// shop results into JSON or redirects.
package web

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bnomei/kart-go/internal/shop"
)

func NewRouter(s *shop.Shop) http.Handler {
	cartHandler := NewCartHandler(s)
	checkoutHandler := NewCheckoutHandler(s)
	licenseHandler := NewLicenseHandler(s)
	adminHandler := NewAdminHandler(s)

	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(middleware.Compress(5))
	r.Use(OwnerMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/cart", func(r chi.Router) {
			r.Get("/", cartHandler.GetCart)
			r.Post("/items", cartHandler.AddItem)
			r.Post("/items/remove", cartHandler.RemoveItem)
			r.Post("/fix", cartHandler.FixCart)
			r.Delete("/", cartHandler.ClearCart)
		})
		r.Route("/licenses", func(r chi.Router) {
			r.Get("/validate", licenseHandler.Validate)
			r.Post("/{key}/activate", licenseHandler.Activate)
			r.Post("/{key}/deactivate", licenseHandler.Deactivate)
		})
	})

	r.Route("/checkout/{provider}", func(r chi.Router) {
		r.Get("/", checkoutHandler.Begin)
		r.Get("/return", checkoutHandler.Return)
	})
	r.Post("/webhooks/{provider}", checkoutHandler.Webhook)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/flush/{cache}", adminHandler.Flush)
		r.Post("/ingest/{provider}", adminHandler.IngestProducts)
		r.Post("/queue/drain", adminHandler.DrainQueue)
	})

	return r
}
