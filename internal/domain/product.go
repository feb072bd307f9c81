package domain

// Product is a catalog entry as seen by the shop core. Stock is managed
// separately by the stock ledger; a product without a stock record is
// treated as unconstrained.
type Product struct {
	ID                string   `json:"id"`
	Title             string   `json:"title"`
	Description       string   `json:"description,omitempty"`
	Price             float64  `json:"price"`
	TaxRate           float64  `json:"tax_rate"` // percent, e.g. 19.0
	MaxAmountPerOrder int      `json:"max_amount_per_order"`
	Tags              []string `json:"tags,omitempty"`
	Categories        []string `json:"categories,omitempty"`
	Gallery           []string `json:"gallery,omitempty"`
}

// VirtualProduct is a catalog record fetched from a payment provider's
// own product API, before it is mapped into a Product.
type VirtualProduct struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Price       float64  `json:"price"`
	TaxRate     float64  `json:"tax_rate"`
	Tags        []string `json:"tags"`
	Categories  []string `json:"categories"`
	Gallery     []string `json:"gallery"`
	Downloads   []string `json:"downloads"`
}
