package domain

import "time"

// CartLine is a quantity-keyed line item. Identity is the canonical
// catalog id of the resolved product.
type CartLine struct {
	ProductID string    `json:"product_id" bson:"product_id"`
	Quantity  int       `json:"quantity" bson:"quantity"`
	AddedAt   time.Time `json:"added_at" bson:"added_at"`
}

// Cart is an ordered collection of lines owned by a session token or a
// customer namespace. Line keys are unique; insertion order is preserved.
type Cart struct {
	ID        string     `json:"id" bson:"_id,omitempty"`
	Owner     string     `json:"owner" bson:"owner"`
	Lines     []CartLine `json:"lines" bson:"lines"`
	CreatedAt time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" bson:"updated_at"`
}

// Find returns the index of the line for productID, or -1.
func (c *Cart) Find(productID string) int {
	for i := range c.Lines {
		if c.Lines[i].ProductID == productID {
			return i
		}
	}
	return -1
}

// Quantity is the sum of all line quantities.
func (c *Cart) Quantity() int {
	total := 0
	for i := range c.Lines {
		total += c.Lines[i].Quantity
	}
	return total
}

// Count is the number of distinct lines.
func (c *Cart) Count() int {
	return len(c.Lines)
}

// SetQuantity sets the quantity for productID, appending a new line when
// absent and removing the line when quantity drops to zero or below.
// It returns the resulting quantity.
func (c *Cart) SetQuantity(productID string, quantity int, now time.Time) int {
	i := c.Find(productID)
	if quantity <= 0 {
		if i >= 0 {
			c.Lines = append(c.Lines[:i], c.Lines[i+1:]...)
		}
		return 0
	}
	if i >= 0 {
		c.Lines[i].Quantity = quantity
		return quantity
	}
	c.Lines = append(c.Lines, CartLine{ProductID: productID, Quantity: quantity, AddedAt: now})
	return quantity
}

// StockHold is a temporary, expiring reservation of stock quantity tied to
// one cart's checkout attempt.
type StockHold struct {
	Token     string    `json:"token"`
	Quantity  int       `json:"quantity"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the hold is past its TTL at the given time.
func (h StockHold) Expired(now time.Time) bool {
	return !now.Before(h.ExpiresAt)
}
