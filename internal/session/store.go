// Package session provides the opaque key/value store the shop core uses
// for cart persistence, provider session state and short-lived caches.
package session

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("key not found")

// Store is the session/store collaborator. Keys are opaque strings; a ttl
// of zero means no expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
}
