package web

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const ownerCookie = "kart_session"

type ownerContextKey struct{}

// OwnerMiddleware resolves the cart owner for a request: an existing
// session cookie wins, otherwise a fresh id is minted and set. Customer
// authentication stays external; the owner token only scopes the cart.
func OwnerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := ""
		if cookie, err := r.Cookie(ownerCookie); err == nil && cookie.Value != "" {
			owner = cookie.Value
		}
		if owner == "" {
			owner = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     ownerCookie,
				Value:    owner,
				Path:     "/",
				MaxAge:   int((30 * 24 * time.Hour).Seconds()),
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}
		ctx := context.WithValue(r.Context(), ownerContextKey{}, owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func ownerFromContext(ctx context.Context) string {
	if owner, ok := ctx.Value(ownerContextKey{}).(string); ok {
		return owner
	}
	return ""
}
