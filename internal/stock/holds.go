package stock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bnomei/kart-go/internal/domain"
	"github.com/bnomei/kart-go/internal/session"
)

func holdKey(productID string) string {
	return fmt.Sprintf("stock:holds:%s", productID)
}

// readHolds loads the hold list for a product with expired entries
// filtered out. There is no background sweep; expiry is lazy.
func (l *Ledger) readHolds(ctx context.Context, productID string) ([]domain.StockHold, bool, error) {
	data, err := l.holds.Get(ctx, holdKey(productID))
	if errors.Is(err, session.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read holds: %w", err)
	}

	var all []domain.StockHold
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, false, fmt.Errorf("unmarshal holds: %w", err)
	}

	now := l.clock()
	live := all[:0]
	for _, h := range all {
		if !h.Expired(now) {
			live = append(live, h)
		}
	}
	return live, len(live) != len(all), nil
}

func (l *Ledger) writeHolds(ctx context.Context, productID string, holds []domain.StockHold) error {
	key := holdKey(productID)
	if len(holds) == 0 {
		return l.holds.Remove(ctx, key)
	}
	data, err := json.Marshal(holds)
	if err != nil {
		return fmt.Errorf("marshal holds: %w", err)
	}

	// Bucket TTL outlives the longest hold; individual entries expire by
	// their own timestamp on read.
	var ttl time.Duration
	now := l.clock()
	for _, h := range holds {
		if d := h.ExpiresAt.Sub(now); d > ttl {
			ttl = d
		}
	}
	if err := l.holds.Set(ctx, key, data, ttl); err != nil {
		return fmt.Errorf("write holds: %w", err)
	}
	return nil
}

// Hold registers (or replaces) the reservation for a cart token.
func (l *Ledger) Hold(ctx context.Context, productID, token string, qty int, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	holds, _, err := l.readHolds(ctx, productID)
	if err != nil {
		return err
	}

	expiresAt := l.clock().Add(ttl)
	replaced := false
	for i := range holds {
		if holds[i].Token == token {
			holds[i].Quantity = qty
			holds[i].ExpiresAt = expiresAt
			replaced = true
			break
		}
	}
	if !replaced {
		holds = append(holds, domain.StockHold{Token: token, Quantity: qty, ExpiresAt: expiresAt})
	}
	return l.writeHolds(ctx, productID, holds)
}

// Release removes the reservation for a cart token, if any.
func (l *Ledger) Release(ctx context.Context, productID, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	holds, _, err := l.readHolds(ctx, productID)
	if err != nil {
		return err
	}

	kept := holds[:0]
	for _, h := range holds {
		if h.Token != token {
			kept = append(kept, h)
		}
	}
	return l.writeHolds(ctx, productID, kept)
}

// HeldFor sums live holds for a product, excluding the given token.
// Expired entries are pruned under the same mutex Hold and Release take.
func (l *Ledger) HeldFor(ctx context.Context, productID, excludeToken string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	holds, pruned, err := l.readHolds(ctx, productID)
	if err != nil {
		return 0, err
	}
	if pruned {
		if err := l.writeHolds(ctx, productID, holds); err != nil {
			return 0, err
		}
	}

	total := 0
	for _, h := range holds {
		if h.Token != excludeToken {
			total += h.Quantity
		}
	}
	return total, nil
}
