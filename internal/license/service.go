// Package license indexes order lines by license key for post-purchase
// entitlement validation.
package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/bnomei/kart-go/internal/domain"
	"github.com/bnomei/kart-go/internal/order"
	"github.com/bnomei/kart-go/internal/session"
)

const indexKey = "licenses:index"

var ErrLicenseNotFound = errors.New("license key not found")

type indexEntry struct {
	OrderID       string    `json:"order_id"`
	InvoiceNumber int64     `json:"invoice_number"`
	ProductID     string    `json:"product_id"`
	CustomerName  string    `json:"customer_name"`
	CustomerEmail string    `json:"customer_email"`
	CreatedAt     time.Time `json:"created_at"`
}

// KeyInfo mirrors common license-validation API conventions.
type KeyInfo struct {
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
}

type Meta struct {
	OrderID       string `json:"order_id"`
	CustomerName  string `json:"customer_name"`
	CustomerEmail string `json:"customer_email"`
}

// ValidationResult is the structured outcome of Validate. An unknown key
// is a valid "invalid" result, not an error.
type ValidationResult struct {
	Valid      bool     `json:"valid"`
	Error      string   `json:"error,omitempty"`
	LicenseKey *KeyInfo `json:"license_key,omitempty"`
	Meta       *Meta    `json:"meta,omitempty"`
}

// Activation tracks usage of one license key without touching the
// original order line.
type Activation struct {
	Key    string `json:"key"`
	Uses   int    `json:"uses"`
	Active bool   `json:"active"`
}

// Service maintains the reverse index licenseKey -> order. The full
// order scan is expensive, so the index is cached and rebuilt under
// singleflight; creation of a new order must call Invalidate, a TTL
// alone would serve stale "invalid" results right after a purchase.
type Service struct {
	repo  order.Repository
	cache session.Store
	sfg   singleflight.Group
}

func NewService(repo order.Repository, cache session.Store) *Service {
	return &Service{repo: repo, cache: cache}
}

// Invalidate drops the cached index; the next read rebuilds it.
func (s *Service) Invalidate(ctx context.Context) {
	_ = s.cache.Remove(ctx, indexKey)
}

func (s *Service) index(ctx context.Context) (map[string]indexEntry, error) {
	data, err := s.cache.Get(ctx, indexKey)
	if err == nil {
		var idx map[string]indexEntry
		if err2 := json.Unmarshal(data, &idx); err2 == nil {
			return idx, nil
		}
		// Unreadable cache entry: fall through to a rebuild.
	} else if !errors.Is(err, session.ErrNotFound) {
		return nil, fmt.Errorf("license index cache: %w", err)
	}

	v, err, _ := s.sfg.Do(indexKey, func() (interface{}, error) {
		return s.rebuild(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]indexEntry), nil
}

func (s *Service) rebuild(ctx context.Context) (map[string]indexEntry, error) {
	orders, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan orders for license index: %w", err)
	}

	idx := make(map[string]indexEntry)
	for _, o := range orders {
		for _, line := range o.Lines {
			if line.LicenseKey == "" {
				continue
			}
			idx[line.LicenseKey] = indexEntry{
				OrderID:       o.ID.String(),
				InvoiceNumber: o.InvoiceNumber,
				ProductID:     line.ProductID,
				CustomerName:  o.CustomerName,
				CustomerEmail: o.Email,
				CreatedAt:     o.CreatedAt,
			}
		}
	}

	data, err := json.Marshal(idx)
	if err != nil {
		return nil, fmt.Errorf("marshal license index: %w", err)
	}
	if err := s.cache.Set(ctx, indexKey, data, 0); err != nil {
		return nil, fmt.Errorf("cache license index: %w", err)
	}
	return idx, nil
}

// Validate looks the key up. It only errors on lower-level storage
// failures, never for "not found".
func (s *Service) Validate(ctx context.Context, key string) (*ValidationResult, error) {
	idx, err := s.index(ctx)
	if err != nil {
		return nil, err
	}

	entry, ok := idx[key]
	if !ok {
		return &ValidationResult{
			Valid: false,
			Error: "license key not found",
		}, nil
	}

	return &ValidationResult{
		Valid:      true,
		LicenseKey: &KeyInfo{Key: key, CreatedAt: entry.CreatedAt},
		Meta: &Meta{
			OrderID:       entry.OrderID,
			CustomerName:  entry.CustomerName,
			CustomerEmail: entry.CustomerEmail,
		},
	}, nil
}

// Order returns the order the key belongs to.
func (s *Service) Order(ctx context.Context, key string) (*domain.Order, error) {
	idx, err := s.index(ctx)
	if err != nil {
		return nil, err
	}
	entry, ok := idx[key]
	if !ok {
		return nil, ErrLicenseNotFound
	}
	id, err := uuid.Parse(entry.OrderID)
	if err != nil {
		return nil, fmt.Errorf("corrupt license index entry for %s: %w", key, err)
	}
	return s.repo.ByID(ctx, id)
}

// Customer returns the buyer metadata for the key.
func (s *Service) Customer(ctx context.Context, key string) (*Meta, error) {
	idx, err := s.index(ctx)
	if err != nil {
		return nil, err
	}
	entry, ok := idx[key]
	if !ok {
		return nil, ErrLicenseNotFound
	}
	return &Meta{
		OrderID:       entry.OrderID,
		CustomerName:  entry.CustomerName,
		CustomerEmail: entry.CustomerEmail,
	}, nil
}

func activationKey(key string) string {
	return fmt.Sprintf("licenses:activation:%s", key)
}

func (s *Service) activation(ctx context.Context, key string) (*Activation, error) {
	data, err := s.cache.Get(ctx, activationKey(key))
	if errors.Is(err, session.ErrNotFound) {
		return &Activation{Key: key}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read activation: %w", err)
	}
	var a Activation
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("unmarshal activation: %w", err)
	}
	return &a, nil
}

func (s *Service) saveActivation(ctx context.Context, a *Activation) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal activation: %w", err)
	}
	if err := s.cache.Set(ctx, activationKey(a.Key), data, 0); err != nil {
		return fmt.Errorf("write activation: %w", err)
	}
	return nil
}

// Activate bumps the usage counter and marks the key active. Unknown keys
// are rejected.
func (s *Service) Activate(ctx context.Context, key string) (*Activation, error) {
	idx, err := s.index(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := idx[key]; !ok {
		return nil, ErrLicenseNotFound
	}

	a, err := s.activation(ctx, key)
	if err != nil {
		return nil, err
	}
	a.Uses++
	a.Active = true
	if err := s.saveActivation(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Deactivate marks the key inactive, keeping the usage counter.
func (s *Service) Deactivate(ctx context.Context, key string) (*Activation, error) {
	idx, err := s.index(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := idx[key]; !ok {
		return nil, ErrLicenseNotFound
	}

	a, err := s.activation(ctx, key)
	if err != nil {
		return nil, err
	}
	a.Active = false
	if err := s.saveActivation(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}
