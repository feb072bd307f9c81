package domain

import (
	"time"

	"github.com/google/uuid"
)

// OrderLine is one purchased position. Immutable once the order is persisted.
type OrderLine struct {
	ProductID  string  `json:"product_id"`
	Variant    string  `json:"variant,omitempty"`
	Price      float64 `json:"price"`
	Quantity   int     `json:"quantity"`
	Subtotal   float64 `json:"subtotal"`
	Tax        float64 `json:"tax"`
	Discount   float64 `json:"discount"`
	Total      float64 `json:"total"`
	LicenseKey string  `json:"license_key,omitempty"`
}

// Order is the canonical completed-order record, independent of which
// payment provider produced it.
type Order struct {
	ID              uuid.UUID   `json:"id"`
	InvoiceNumber   int64       `json:"invoice_number"`
	CustomerID      string      `json:"customer_id"`
	CustomerName    string      `json:"customer_name"`
	Email           string      `json:"email"`
	PaidDate        time.Time   `json:"paid_date"`
	PaymentMethod   string      `json:"payment_method"`
	PaymentComplete bool        `json:"payment_complete"`
	PaymentID       string      `json:"payment_id"`
	InvoiceURL      string      `json:"invoice_url,omitempty"`
	Lines           []OrderLine `json:"lines"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Sum is the aggregate of line subtotals. Totals are always derived from
// the persisted lines, never stored, so they cannot drift.
func (o *Order) Sum() float64 {
	var v float64
	for i := range o.Lines {
		v += o.Lines[i].Subtotal
	}
	return v
}

// Tax is the aggregate of line taxes.
func (o *Order) Tax() float64 {
	var v float64
	for i := range o.Lines {
		v += o.Lines[i].Tax
	}
	return v
}

// Discount is the aggregate of line discounts.
func (o *Order) Discount() float64 {
	var v float64
	for i := range o.Lines {
		v += o.Lines[i].Discount
	}
	return v
}

// Total is sum - discount + tax, equivalently the aggregate of line totals.
func (o *Order) Total() float64 {
	return o.Sum() - o.Discount() + o.Tax()
}
