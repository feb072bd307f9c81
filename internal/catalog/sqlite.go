package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "modernc.org/sqlite"

	"github.com/bnomei/kart-go/internal/domain"
)

// Repository is a sqlite-backed catalog. The stock column is nullable;
// NULL means the product is unmanaged (infinite stock).
type Repository struct {
	db *sql.DB
}

func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if e2 := db.Ping(); e2 != nil {
		return nil, fmt.Errorf("failed to ping database: %w", e2)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) RunMigrations(migrationsPath string) error {
	driver, err := sqlite.WithInstance(r.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", migrationsPath),
		"sqlite",
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

const productColumns = `id, title, description, price, tax_rate, max_amount_per_order, tags, categories, gallery`

// String lists (tags, categories, gallery) are stored as JSON text; NULL
// reads back as an absent list.
func scanProduct(scan func(dest ...any) error) (*domain.Product, error) {
	var p domain.Product
	var tags, categories, gallery sql.NullString
	if err := scan(
		&p.ID,
		&p.Title,
		&p.Description,
		&p.Price,
		&p.TaxRate,
		&p.MaxAmountPerOrder,
		&tags,
		&categories,
		&gallery,
	); err != nil {
		return nil, err
	}
	for _, col := range []struct {
		src sql.NullString
		dst *[]string
	}{
		{tags, &p.Tags},
		{categories, &p.Categories},
		{gallery, &p.Gallery},
	} {
		if !col.src.Valid || col.src.String == "" {
			continue
		}
		if err := json.Unmarshal([]byte(col.src.String), col.dst); err != nil {
			return nil, fmt.Errorf("unmarshal product list column: %w", err)
		}
	}
	return &p, nil
}

func packList(list []string) (any, error) {
	if len(list) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("marshal product list column: %w", err)
	}
	return string(data), nil
}

func (r *Repository) Product(ctx context.Context, id string) (*domain.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	p, err := scanProduct(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query product by id: %w", err)
	}

	return p, nil
}

func (r *Repository) Products(ctx context.Context) ([]*domain.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products ORDER BY title`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var products []*domain.Product
	for rows.Next() {
		p, err := scanProduct(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan product row: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return products, nil
}

func (r *Repository) Upsert(ctx context.Context, p domain.Product) error {
	query := `INSERT INTO products (id, title, description, price, tax_rate, max_amount_per_order, tags, categories, gallery)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT(id) DO UPDATE SET
	            title = excluded.title,
	            description = excluded.description,
	            price = excluded.price,
	            tax_rate = excluded.tax_rate,
	            max_amount_per_order = excluded.max_amount_per_order,
	            tags = excluded.tags,
	            categories = excluded.categories,
	            gallery = excluded.gallery`

	tags, err := packList(p.Tags)
	if err != nil {
		return err
	}
	categories, err := packList(p.Categories)
	if err != nil {
		return err
	}
	gallery, err := packList(p.Gallery)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, query,
		p.ID, p.Title, p.Description, p.Price, p.TaxRate, p.MaxAmountPerOrder,
		tags, categories, gallery,
	); err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

// Stock reports the recorded stock; ok is false when the product has no
// stock record (NULL column or missing row).
func (r *Repository) Stock(ctx context.Context, productID string) (int, bool, error) {
	query := `SELECT stock FROM products WHERE id = ?`

	var stock sql.NullInt64
	err := r.db.QueryRowContext(ctx, query, productID).Scan(&stock)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query stock: %w", err)
	}
	if !stock.Valid {
		return 0, false, nil
	}
	return int(stock.Int64), true, nil
}

// SetStock writes a stock level, making the product managed.
func (r *Repository) SetStock(ctx context.Context, productID string, qty int) error {
	query := `UPDATE products SET stock = ? WHERE id = ?`

	res, err := r.db.ExecContext(ctx, query, qty, productID)
	if err != nil {
		return fmt.Errorf("update stock: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrProductNotFound
	}
	return nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}
