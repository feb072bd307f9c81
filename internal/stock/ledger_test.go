package stock

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnomei/kart-go/internal/catalog"
	"github.com/bnomei/kart-go/internal/domain"
	"github.com/bnomei/kart-go/internal/queue"
	"github.com/bnomei/kart-go/internal/session"
)

func newTestLedger(t *testing.T) (*Ledger, *catalog.Memory, *time.Time) {
	t.Helper()
	now := time.Now()
	cat := catalog.NewMemory()
	holds := session.NewMemoryWithClock(func() time.Time { return now })
	l := NewLedger(cat, holds).WithClock(func() time.Time { return now })
	return l, cat, &now
}

func TestStockUnmanagedIsInfinite(t *testing.T) {
	ctx := context.Background()
	l, cat, _ := newTestLedger(t)
	require.NoError(t, cat.Upsert(ctx, domain.Product{ID: "p1"}))

	_, managed, err := l.Stock(ctx, "p1", false)
	require.NoError(t, err)
	assert.False(t, managed)

	// Adjust on an unmanaged product is a no-op, not an error.
	require.NoError(t, l.Adjust(ctx, "p1", -5))
	_, managed, err = l.Stock(ctx, "p1", false)
	require.NoError(t, err)
	assert.False(t, managed)
}

func TestAdjustAppliesDelta(t *testing.T) {
	ctx := context.Background()
	l, cat, _ := newTestLedger(t)
	require.NoError(t, cat.SetStock(ctx, "p1", 10))

	require.NoError(t, l.Adjust(ctx, "p1", -3))
	qty, managed, err := l.Stock(ctx, "p1", false)
	require.NoError(t, err)
	assert.True(t, managed)
	assert.Equal(t, 7, qty)
}

func TestAdjustToleratesOversell(t *testing.T) {
	ctx := context.Background()
	l, cat, _ := newTestLedger(t)
	require.NoError(t, cat.SetStock(ctx, "p1", 1))

	// Quantity may go negative after a confirmed payment; it is flagged,
	// not blocked.
	require.NoError(t, l.Adjust(ctx, "p1", -3))
	qty, _, err := l.Stock(ctx, "p1", false)
	require.NoError(t, err)
	assert.Equal(t, -2, qty)
}

func TestHoldsReduceAvailabilityForOtherTokens(t *testing.T) {
	ctx := context.Background()
	l, cat, now := newTestLedger(t)
	require.NoError(t, cat.SetStock(ctx, "p1", 5))

	require.NoError(t, l.Hold(ctx, "p1", "cart-a", 2, time.Minute))

	// The holder's own reservation does not count against it.
	avail, managed, err := l.Available(ctx, "p1", "cart-a")
	require.NoError(t, err)
	assert.True(t, managed)
	assert.Equal(t, 5, avail)

	avail, _, err = l.Available(ctx, "p1", "cart-b")
	require.NoError(t, err)
	assert.Equal(t, 3, avail)

	qty, _, err := l.Stock(ctx, "p1", true)
	require.NoError(t, err)
	assert.Equal(t, 3, qty)

	// Expiry restores availability without any sweep.
	*now = now.Add(2 * time.Minute)
	avail, _, err = l.Available(ctx, "p1", "cart-b")
	require.NoError(t, err)
	assert.Equal(t, 5, avail)
}

func TestReleaseRestoresAvailability(t *testing.T) {
	ctx := context.Background()
	l, cat, _ := newTestLedger(t)
	require.NoError(t, cat.SetStock(ctx, "p1", 5))

	require.NoError(t, l.Hold(ctx, "p1", "cart-a", 4, time.Minute))
	require.NoError(t, l.Release(ctx, "p1", "cart-a"))

	avail, _, err := l.Available(ctx, "p1", "cart-b")
	require.NoError(t, err)
	assert.Equal(t, 5, avail)
}

func TestHoldReplacesSameToken(t *testing.T) {
	ctx := context.Background()
	l, cat, _ := newTestLedger(t)
	require.NoError(t, cat.SetStock(ctx, "p1", 10))

	require.NoError(t, l.Hold(ctx, "p1", "cart-a", 2, time.Minute))
	require.NoError(t, l.Hold(ctx, "p1", "cart-a", 5, time.Minute))

	held, err := l.HeldFor(ctx, "p1", "")
	require.NoError(t, err)
	assert.Equal(t, 5, held)
}

func TestHeldForPruneKeepsConcurrentHolds(t *testing.T) {
	ctx := context.Background()
	l, cat, _ := newTestLedger(t)
	require.NoError(t, cat.SetStock(ctx, "p1", 100))

	// Each round plants an already-expired entry, then races the pruning
	// read against a fresh reservation. The rewrite must never drop the
	// new hold.
	for i := 0; i < 20; i++ {
		require.NoError(t, l.Hold(ctx, "p1", "stale", 1, -time.Minute))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := l.HeldFor(ctx, "p1", "")
			assert.NoError(t, err)
		}()
		token := fmt.Sprintf("cart-%d", i)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Hold(ctx, "p1", token, 1, time.Minute))
		}()
		wg.Wait()
	}

	held, err := l.HeldFor(ctx, "p1", "")
	require.NoError(t, err)
	assert.Equal(t, 20, held)
}

func TestDeferredAdjustGoesThroughQueue(t *testing.T) {
	ctx := context.Background()
	l, cat, _ := newTestLedger(t)
	require.NoError(t, cat.SetStock(ctx, "p1", 10))

	q, err := queue.NewDir(t.TempDir())
	require.NoError(t, err)
	l.Defer(q)

	require.NoError(t, l.Adjust(ctx, "p1", -4))

	// Not applied until the queue drains.
	qty, _, err := l.Stock(ctx, "p1", false)
	require.NoError(t, err)
	assert.Equal(t, 10, qty)

	n, err := q.Drain(ctx, func(ctx context.Context, job queue.Job) error {
		p, err := job.UpdateStock()
		if err != nil {
			return err
		}
		return l.Apply(ctx, p.ProductID, p.Delta)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	qty, _, err = l.Stock(ctx, "p1", false)
	require.NoError(t, err)
	assert.Equal(t, 6, qty)
}
