package catalog

import (
	"context"
	"fmt"

	"github.com/bnomei/kart-go/internal/domain"
	"github.com/bnomei/kart-go/internal/money"
)

// BuildVirtual maps a provider catalog record into a Product. The mapping
// is explicit field by field; provider-specific shapes are normalized by
// the provider before this point.
func BuildVirtual(raw domain.VirtualProduct) domain.Product {
	return domain.Product{
		ID:          money.Sanitize(raw.ID),
		Title:       raw.Title,
		Description: raw.Description,
		Price:       raw.Price,
		TaxRate:     raw.TaxRate,
		Tags:        raw.Tags,
		Categories:  raw.Categories,
		Gallery:     raw.Gallery,
	}
}

// Ingest upserts every fetched record into the catalog, skipping records
// that map to an empty id.
func Ingest(ctx context.Context, dst Ingestor, raw []domain.VirtualProduct) (int, error) {
	n := 0
	for _, r := range raw {
		p := BuildVirtual(r)
		if p.ID == "" {
			continue
		}
		if err := dst.Upsert(ctx, p); err != nil {
			return n, fmt.Errorf("upsert product %s: %w", p.ID, err)
		}
		n++
	}
	return n, nil
}
