// Package money defines the two platform currencies and fixed-scale
// decimal parsing for amounts.
//
// Amounts travel everywhere as strings: fiat at 2 decimal places, the
// stablecoin at 8. Parsing truncates excess precision rather than
// rounding so a value can never grow past what the caller sent.
package money

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount   = errors.New("money: invalid amount")
	ErrInvalidCurrency = errors.New("money: invalid currency")
)

// Currency identifies one of the two balances a user holds.
type Currency string

const (
	Fiat   Currency = "fiat"
	Stable Currency = "stable"
)

const (
	FiatScale   = 2
	StableScale = 8
)

// ValidCurrency reports whether s names a known currency.
func ValidCurrency(s string) bool {
	return s == string(Fiat) || s == string(Stable)
}

// ScaleOf returns the number of decimal places kept for a currency.
func ScaleOf(c Currency) int32 {
	if c == Fiat {
		return FiatScale
	}
	return StableScale
}

// Parse converts an amount string into a decimal at the currency's scale.
// Rejects negatives and scientific notation; excess precision is truncated.
func Parse(c Currency, s string) (decimal.Decimal, error) {
	if !ValidCurrency(string(c)) {
		return decimal.Zero, ErrInvalidCurrency
	}
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' {
			return decimal.Zero, ErrInvalidAmount
		}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if d.IsNegative() {
		return decimal.Zero, ErrInvalidAmount
	}
	return d.Truncate(ScaleOf(c)), nil
}

// ParsePositive is Parse restricted to strictly positive amounts.
func ParsePositive(c Currency, s string) (decimal.Decimal, error) {
	d, err := Parse(c, s)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// Format renders a decimal at the currency's fixed scale.
func Format(c Currency, d decimal.Decimal) string {
	return d.StringFixed(ScaleOf(c))
}

// Zero returns the zero amount at the currency's scale.
func Zero(c Currency) string {
	return Format(c, decimal.Zero)
}

// FiatValue computes the fiat leg of a trade: stable amount times rate,
// truncated to the fiat scale.
func FiatValue(stableAmount, rate decimal.Decimal) decimal.Decimal {
	return stableAmount.Mul(rate).Truncate(FiatScale)
}
