package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	d, err := Parse(Fiat, "1550.259")
	require.NoError(t, err)
	assert.Equal(t, "1550.25", Format(Fiat, d), "fiat truncates to 2 places")

	d, err = Parse(Stable, "0.123456789")
	require.NoError(t, err)
	assert.Equal(t, "0.12345678", Format(Stable, d), "stable truncates to 8 places")

	_, err = Parse(Stable, "-5")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = Parse(Stable, "1e5")
	assert.ErrorIs(t, err, ErrInvalidAmount, "scientific notation rejected")

	_, err = Parse(Stable, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = Parse(Currency("gold"), "1")
	assert.ErrorIs(t, err, ErrInvalidCurrency)
}

func TestParsePositive(t *testing.T) {
	_, err := ParsePositive(Fiat, "0")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = ParsePositive(Fiat, "0.001")
	assert.ErrorIs(t, err, ErrInvalidAmount, "truncates to zero at fiat scale")

	d, err := ParsePositive(Fiat, "0.01")
	require.NoError(t, err)
	assert.Equal(t, "0.01", Format(Fiat, d))
}

func TestFiatValue(t *testing.T) {
	amount := decimal.RequireFromString("2.5")
	rate := decimal.RequireFromString("1550.75")
	assert.Equal(t, "3876.87", Format(Fiat, FiatValue(amount, rate)))
}

func TestZero(t *testing.T) {
	assert.Equal(t, "0.00", Zero(Fiat))
	assert.Equal(t, "0.00000000", Zero(Stable))
}
