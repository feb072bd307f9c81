// Package money holds formatting and hashing leaf utilities.
package money

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/bnomei/kart-go/internal/domain"
)

// Format renders an amount with the symbol of the given ISO 4217 code,
// e.g. Format(12.5, "EUR") -> "€ 12.50". Unknown codes fall back to a
// plain prefix.
func Format(amount float64, code string) string {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return fmt.Sprintf("%s %.2f", code, amount)
	}
	p := message.NewPrinter(language.English)
	return p.Sprintf("%v", currency.Symbol(unit.Amount(amount)))
}

// Sanitize strips characters that are unsafe as store keys or external
// product references, keeping [a-zA-Z0-9._-].
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CartHash is a stable digest over a cart's (product, quantity) pairs.
// Providers record it at checkout time and refuse completion when the
// cart changed in between.
func CartHash(lines []domain.CartLine) string {
	pairs := make([]string, 0, len(lines))
	for _, l := range lines {
		pairs = append(pairs, fmt.Sprintf("%s:%d", l.ProductID, l.Quantity))
	}
	sort.Strings(pairs)
	sum := sha256.Sum256([]byte(strings.Join(pairs, "\n")))
	return hex.EncodeToString(sum[:])
}
