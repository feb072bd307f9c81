package order

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/bnomei/kart-go/internal/domain"
)

type Credentials struct {
	Host              string
	Port              int
	User              string
	Password          string
	DBName            string
	MigrationsDirPath string
}

// Postgres is the durable Repository. Lines are stored as a JSONB column;
// the invoice counter lives in its own single-row table and is bumped in
// the same transaction as the order insert.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(cred *Credentials) (*Postgres, error) {
	psqlconn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cred.Host,
		cred.Port,
		cred.User,
		cred.Password,
		cred.DBName)

	db, err := sql.Open("postgres", psqlconn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if e2 := db.Ping(); e2 != nil {
		return nil, fmt.Errorf("failed to ping database: %w", e2)
	}

	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(10)
	return &Postgres{db: db}, nil
}

func (r *Postgres) RunMigrations(cred *Credentials) error {
	driver, err := postgres.WithInstance(r.db, &postgres.Config{
		MigrationsTable: "orders_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", cred.MigrationsDirPath),
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if e2 := m.Up(); e2 != nil && !errors.Is(e2, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", e2)
	}

	return nil
}

func (r *Postgres) Create(ctx context.Context, order *domain.Order) error {
	linesJSON, err := json.Marshal(order.Lines)
	if err != nil {
		return fmt.Errorf("failed to marshal order lines: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin order transaction: %w", err)
	}
	defer tx.Rollback()

	// Counter bump and insert commit together, so a crash in between
	// cannot hand the same invoice number out twice.
	var invoiceNumber int64
	err = tx.QueryRowContext(ctx,
		`UPDATE invoice_counter SET value = value + 1 WHERE id = 1 RETURNING value`,
	).Scan(&invoiceNumber)
	if err != nil {
		return fmt.Errorf("next invoice number: %w", err)
	}

	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	order.InvoiceNumber = invoiceNumber

	query := `INSERT INTO orders
	          (id, invoice_number, customer_id, customer_name, email, paid_date, payment_method, payment_complete, payment_id, invoice_url, lines, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())`

	_, insertErr := tx.ExecContext(ctx, query,
		order.ID,
		order.InvoiceNumber,
		order.CustomerID,
		order.CustomerName,
		order.Email,
		order.PaidDate,
		order.PaymentMethod,
		order.PaymentComplete,
		order.PaymentID,
		order.InvoiceURL,
		linesJSON)

	if insertErr != nil {
		var pqErr *pq.Error
		if errors.As(insertErr, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateOrder
		}
		return fmt.Errorf("insert order: %w", insertErr)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit order: %w", err)
	}
	return nil
}

const selectColumns = `id, invoice_number, customer_id, customer_name, email, paid_date, payment_method, payment_complete, payment_id, invoice_url, lines, created_at, updated_at`

func (r *Postgres) scanOrder(row *sql.Row) (*domain.Order, error) {
	var order domain.Order
	var linesJSON []byte
	err := row.Scan(
		&order.ID,
		&order.InvoiceNumber,
		&order.CustomerID,
		&order.CustomerName,
		&order.Email,
		&order.PaidDate,
		&order.PaymentMethod,
		&order.PaymentComplete,
		&order.PaymentID,
		&order.InvoiceURL,
		&linesJSON,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	if err := json.Unmarshal(linesJSON, &order.Lines); err != nil {
		return nil, fmt.Errorf("unmarshal order lines: %w", err)
	}
	return &order, nil
}

func (r *Postgres) ByID(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	query := `SELECT ` + selectColumns + ` FROM orders WHERE id = $1`
	return r.scanOrder(r.db.QueryRowContext(ctx, query, id))
}

func (r *Postgres) ByInvoice(ctx context.Context, invoiceNumber int64) (*domain.Order, error) {
	query := `SELECT ` + selectColumns + ` FROM orders WHERE invoice_number = $1`
	return r.scanOrder(r.db.QueryRowContext(ctx, query, invoiceNumber))
}

func (r *Postgres) list(ctx context.Context, query string, args ...interface{}) ([]*domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		var order domain.Order
		var linesJSON []byte
		if err := rows.Scan(
			&order.ID,
			&order.InvoiceNumber,
			&order.CustomerID,
			&order.CustomerName,
			&order.Email,
			&order.PaidDate,
			&order.PaymentMethod,
			&order.PaymentComplete,
			&order.PaymentID,
			&order.InvoiceURL,
			&linesJSON,
			&order.CreatedAt,
			&order.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		if err := json.Unmarshal(linesJSON, &order.Lines); err != nil {
			return nil, fmt.Errorf("unmarshal order lines: %w", err)
		}
		orders = append(orders, &order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return orders, nil
}

func (r *Postgres) List(ctx context.Context) ([]*domain.Order, error) {
	query := `SELECT ` + selectColumns + ` FROM orders ORDER BY invoice_number`
	return r.list(ctx, query)
}

func (r *Postgres) ListByCustomer(ctx context.Context, customerID string) ([]*domain.Order, error) {
	query := `SELECT ` + selectColumns + ` FROM orders WHERE customer_id = $1 ORDER BY invoice_number`
	return r.list(ctx, query, customerID)
}

func (r *Postgres) HasPurchase(ctx context.Context, customerID, productID string) (bool, error) {
	query := `SELECT EXISTS (
	            SELECT 1 FROM orders
	            WHERE customer_id = $1
	              AND payment_complete
	              AND lines @> $2::jsonb)`

	needle, err := json.Marshal([]map[string]string{{"product_id": productID}})
	if err != nil {
		return false, fmt.Errorf("marshal purchase filter: %w", err)
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, query, customerID, needle).Scan(&exists); err != nil {
		return false, fmt.Errorf("query purchase: %w", err)
	}
	return exists, nil
}

func (r *Postgres) Close() error {
	return r.db.Close()
}
