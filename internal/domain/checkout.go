package domain

import "time"

// Customer is the snapshot of the buying user handed to providers and
// recorded on completed orders.
type Customer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// CheckoutStatus tracks one checkout attempt. Abandonment has no explicit
// transition; the pending session simply expires.
type CheckoutStatus string

const (
	CheckoutStatusNone      CheckoutStatus = "NONE"
	CheckoutStatusPending   CheckoutStatus = "PENDING"
	CheckoutStatusCompleted CheckoutStatus = "COMPLETED"
	CheckoutStatusRejected  CheckoutStatus = "REJECTED"
)

// CanTransitionTo reports whether the status may move to next.
func (s CheckoutStatus) CanTransitionTo(next CheckoutStatus) bool {
	switch s {
	case CheckoutStatusNone:
		return next == CheckoutStatusPending
	case CheckoutStatusPending:
		return next == CheckoutStatusCompleted || next == CheckoutStatusRejected
	default:
		return false
	}
}

func (s CheckoutStatus) IsTerminal() bool {
	return s == CheckoutStatusCompleted || s == CheckoutStatusRejected
}

func (s CheckoutStatus) String() string {
	return string(s)
}

// ResultItem is one purchased position in a provider's normalized
// completion payload. Key carries the product reference(s) the provider
// reported; the first entry is the canonical catalog id.
type ResultItem struct {
	Key        []string `json:"key"`
	Variant    string   `json:"variant,omitempty"`
	Quantity   int      `json:"quantity"`
	Price      float64  `json:"price"`
	Total      float64  `json:"total"`
	Subtotal   float64  `json:"subtotal"`
	Tax        float64  `json:"tax"`
	Discount   float64  `json:"discount"`
	LicenseKey string   `json:"license_key,omitempty"`
}

// CheckoutResult is the canonical shape every provider normalizes its
// completion payload into. Order assembly consumes it without knowing
// which provider produced it.
type CheckoutResult struct {
	Email           string       `json:"email"`
	Customer        Customer     `json:"customer"`
	PaidDate        time.Time    `json:"paid_date"`
	PaymentMethod   string       `json:"payment_method,omitempty"`
	PaymentComplete bool         `json:"payment_complete"`
	InvoiceURL      string       `json:"invoice_url,omitempty"`
	PaymentID       string       `json:"payment_id"`
	Items           []ResultItem `json:"items"`
}
