// Package core holds the dashboard's domain types and money helpers.
//
// Amounts are carried as decimals end to end; conversion to text happens only
// for display.
package core

import (
	"strings"

	"github.com/shopspring/decimal"
)

// FormatCurrency renders an amount as USD with two fraction digits and
// thousands separators, e.g. "$1,234.50" or "-$12.00".
func FormatCurrency(amount decimal.Decimal) string {
	rounded := amount.Round(2)
	neg := rounded.IsNegative()
	s := rounded.Abs().StringFixed(2)

	intPart, frac, _ := strings.Cut(s, ".")
	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	b.WriteByte('$')
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	b.WriteByte('.')
	b.WriteString(frac)
	return b.String()
}

// FormatOptionalCurrency formats a balance that the institution may not report.
func FormatOptionalCurrency(amount *decimal.Decimal) string {
	if amount == nil {
		return ""
	}
	return FormatCurrency(*amount)
}
