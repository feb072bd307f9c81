package order

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bnomei/kart-go/internal/domain"
)

func setupTestDB(t *testing.T) (*Postgres, func()) {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)

	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	creds := &Credentials{
		Host:              host,
		Port:              port.Int(),
		User:              "testuser",
		Password:          "testpass",
		DBName:            "testdb",
		MigrationsDirPath: "./migrations",
	}

	repo, err := NewPostgres(creds)
	require.NoError(t, err)

	err = repo.RunMigrations(creds)
	require.NoError(t, err)

	cleanup := func() {
		repo.Close()
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}
	return repo, cleanup
}

func TestPostgresCreateAndFetch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	order := &domain.Order{
		CustomerID:      "cust-1",
		CustomerName:    "Buyer One",
		Email:           "buyer@example.com",
		PaidDate:        time.Now().UTC(),
		PaymentMethod:   "stripe",
		PaymentComplete: true,
		PaymentID:       "pay-1",
		Lines: []domain.OrderLine{
			{ProductID: "p1", Price: 25, Quantity: 3, Subtotal: 75, Tax: 15, Discount: 5, Total: 85, LicenseKey: "LK-1"},
		},
	}

	require.NoError(t, repo.Create(ctx, order))
	assert.Equal(t, int64(1), order.InvoiceNumber)

	got, err := repo.ByInvoice(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)
	require.Len(t, got.Lines, 1)
	assert.Equal(t, "LK-1", got.Lines[0].LicenseKey)
	assert.InDelta(t, 85.0, got.Total(), 1e-9)

	byID, err := repo.ByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), byID.InvoiceNumber)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Buyer One", all[0].CustomerName)
	require.Len(t, all[0].Lines, 1)

	byCustomer, err := repo.ListByCustomer(ctx, "cust-1")
	require.NoError(t, err)
	require.Len(t, byCustomer, 1)
	assert.Equal(t, order.ID, byCustomer[0].ID)
}

func TestPostgresInvoiceNumbersIncrease(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	var last int64
	for i := 0; i < 3; i++ {
		o := &domain.Order{PaidDate: time.Now().UTC()}
		require.NoError(t, repo.Create(ctx, o))
		assert.Greater(t, o.InvoiceNumber, last)
		last = o.InvoiceNumber
	}
}

func TestPostgresDuplicatePaymentID(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	first := &domain.Order{PaymentID: "pay-dup", PaidDate: time.Now().UTC()}
	require.NoError(t, repo.Create(ctx, first))

	second := &domain.Order{PaymentID: "pay-dup", PaidDate: time.Now().UTC()}
	err := repo.Create(ctx, second)
	assert.ErrorIs(t, err, ErrDuplicateOrder)
}

func TestPostgresHasPurchase(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	order := &domain.Order{
		CustomerID:      "cust-1",
		PaymentComplete: true,
		PaymentID:       "pay-own",
		PaidDate:        time.Now().UTC(),
		Lines:           []domain.OrderLine{{ProductID: "p1", Quantity: 1}},
	}
	require.NoError(t, repo.Create(ctx, order))

	owned, err := repo.HasPurchase(ctx, "cust-1", "p1")
	require.NoError(t, err)
	assert.True(t, owned)

	owned, err = repo.HasPurchase(ctx, "cust-1", "p2")
	require.NoError(t, err)
	assert.False(t, owned)
}
