// Package money provides exact decimal parsing, formatting and splitting
// for custodial crypto amounts.
//
// Amounts are shopspring decimals truncated to the precision of their
// currency (8 places for BTC, 18 for ETH, 6 for USDT). Splits never create
// or destroy value: the remainder of every split goes to the second share.
package money

import (
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultPlaces is used for currencies without an explicit precision.
const DefaultPlaces = 8

var places = map[string]int32{
	"BTC":  8,
	"LTC":  8,
	"ETH":  18,
	"USDT": 6,
}

var hundred = decimal.NewFromInt(100)

// Places returns the number of fractional digits tracked for currency.
func Places(currency string) int32 {
	if p, ok := places[strings.ToUpper(currency)]; ok {
		return p
	}
	return DefaultPlaces
}

// Parse converts a decimal string to an amount in the given currency.
// Returns (zero, false) on invalid or negative input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts and exponent notation are rejected
//   - Fractional digits beyond the currency precision are truncated
func Parse(s, currency string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, true
	}
	if strings.HasPrefix(s, "-") || strings.ContainsAny(s, "eE") {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d.Truncate(Places(currency)), true
}

// ParsePositive is Parse that also rejects zero.
func ParsePositive(s, currency string) (decimal.Decimal, bool) {
	d, ok := Parse(s, currency)
	if !ok || !d.IsPositive() {
		return decimal.Zero, false
	}
	return d, true
}

// Format renders d with exactly the currency's number of decimals.
func Format(d decimal.Decimal, currency string) string {
	return d.StringFixed(Places(currency))
}

// Percent returns pct percent of d, truncated to the currency precision.
func Percent(d, pct decimal.Decimal, currency string) decimal.Decimal {
	return d.Mul(pct).Div(hundred).Truncate(Places(currency))
}

// Split divides gross into a first share of firstPct percent and the
// remainder. first + rest == gross always holds.
func Split(gross, firstPct decimal.Decimal, currency string) (first, rest decimal.Decimal) {
	first = Percent(gross, firstPct, currency)
	return first, gross.Sub(first)
}

// WithFee applies the platform fee to a requested amount: the buyer pays
// the requested amount plus feePct percent of it.
func WithFee(requested, feePct decimal.Decimal, currency string) (fee, gross decimal.Decimal) {
	fee = Percent(requested, feePct, currency)
	return fee, requested.Add(fee)
}
