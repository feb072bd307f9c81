// Package catalog provides read access to the product catalog and
// ingestion of provider-fetched virtual products.
package catalog

import (
	"context"
	"errors"

	"github.com/bnomei/kart-go/internal/domain"
)

var ErrProductNotFound = errors.New("product not found")

// Catalog is the read side consumed by carts and checkout.
// Consumers define this interface, not the storage implementation.
type Catalog interface {
	Product(ctx context.Context, id string) (*domain.Product, error)
	Products(ctx context.Context) ([]*domain.Product, error)
}

// Ingestor accepts products mapped from a provider catalog.
type Ingestor interface {
	Upsert(ctx context.Context, p domain.Product) error
}
