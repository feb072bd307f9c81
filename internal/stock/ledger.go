// Package stock implements the authoritative per-product stock ledger with
// hold/release semantics and an infinite-stock sentinel for unmanaged
// products.
package stock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bnomei/kart-go/internal/obs"
	"github.com/bnomei/kart-go/internal/queue"
	"github.com/bnomei/kart-go/internal/session"
)

// Store is the persistence the ledger writes through. A product whose ok
// result is false has no stock record and is treated as unconstrained.
type Store interface {
	Stock(ctx context.Context, productID string) (int, bool, error)
	SetStock(ctx context.Context, productID string, qty int) error
}

// Ledger serializes stock mutations per process and keeps hold bookkeeping
// in a short-lived store bucket. With a queue attached, Adjust defers the
// write instead of applying it inline; the drain side calls Apply.
type Ledger struct {
	mu    sync.Mutex
	store Store
	holds session.Store
	clock func() time.Time
	floor int

	deferred bool
	queue    queue.Queue
}

func NewLedger(store Store, holds session.Store) *Ledger {
	return &Ledger{
		store: store,
		holds: holds,
		clock: time.Now,
	}
}

// WithClock swaps the time source; used by tests driving hold expiry.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// SetFloor sets the level below which only the administrative Set may
// drive stock. Purchases may still go negative; see Apply.
func (l *Ledger) SetFloor(floor int) {
	l.floor = floor
}

// Defer routes Adjust calls through the queue for eventual application
// under heavy concurrent write load.
func (l *Ledger) Defer(q queue.Queue) {
	l.deferred = true
	l.queue = q
}

// Stock returns the recorded stock for a product. The second result is
// false for unmanaged products (the infinite sentinel). With withHolds the
// sum of live holds across all carts is subtracted.
func (l *Ledger) Stock(ctx context.Context, productID string, withHolds bool) (int, bool, error) {
	qty, managed, err := l.store.Stock(ctx, productID)
	if err != nil {
		return 0, false, fmt.Errorf("read stock: %w", err)
	}
	if !managed {
		return 0, false, nil
	}
	if withHolds {
		held, err := l.HeldFor(ctx, productID, "")
		if err != nil {
			return 0, false, err
		}
		qty -= held
	}
	return qty, true, nil
}

// Available is the quantity a cart identified by token may still buy:
// recorded stock minus live holds belonging to other carts. Unmanaged
// products report ok false and any amount is available.
func (l *Ledger) Available(ctx context.Context, productID, token string) (int, bool, error) {
	qty, managed, err := l.store.Stock(ctx, productID)
	if err != nil {
		return 0, false, fmt.Errorf("read stock: %w", err)
	}
	if !managed {
		return 0, false, nil
	}
	held, err := l.HeldFor(ctx, productID, token)
	if err != nil {
		return 0, false, err
	}
	return qty - held, true, nil
}

// Adjust changes stock by delta. In deferred mode the change is enqueued;
// deferred application keeps "no lost decrements" at the cost of eventual
// consistency.
func (l *Ledger) Adjust(ctx context.Context, productID string, delta int) error {
	if l.deferred && l.queue != nil {
		job, err := queue.NewUpdateStock(productID, delta)
		if err != nil {
			return err
		}
		return l.queue.Enqueue(ctx, job)
	}
	return l.Apply(ctx, productID, delta)
}

// Apply performs the serialized read-modify-write. Unmanaged products are
// untouched. Results below the floor are applied anyway and flagged:
// overselling after a confirmed payment is a business event, not an error.
func (l *Ledger) Apply(ctx context.Context, productID string, delta int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	qty, managed, err := l.store.Stock(ctx, productID)
	if err != nil {
		return fmt.Errorf("read stock: %w", err)
	}
	if !managed {
		return nil
	}

	next := qty + delta
	if next < l.floor {
		obs.Logger.Warn("oversell",
			"product_id", productID,
			"stock", qty,
			"delta", delta,
			"result", next,
			"floor", l.floor)
	}
	if err := l.store.SetStock(ctx, productID, next); err != nil {
		return fmt.Errorf("write stock: %w", err)
	}
	return nil
}

// Set is the administrative override; it bypasses the floor policy.
func (l *Ledger) Set(ctx context.Context, productID string, qty int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.SetStock(ctx, productID, qty); err != nil {
		return fmt.Errorf("write stock: %w", err)
	}
	return nil
}
