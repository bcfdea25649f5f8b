package money

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/folio/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinorUnitRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		currency string
		minor    int64
	}{
		{name: "usd cents", amount: "12.34", currency: "USD", minor: 1234},
		{name: "usd whole", amount: "100", currency: "usd", minor: 10000},
		{name: "eur single decimal", amount: "0.5", currency: "EUR", minor: 50},
		{name: "jpy zero decimal", amount: "1500", currency: "JPY", minor: 1500},
		{name: "krw zero decimal", amount: "25000", currency: "KRW", minor: 25000},
		{name: "kwd three decimals", amount: "1.234", currency: "KWD", minor: 1234},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amount := decimal.RequireFromString(tt.amount)

			minor, err := ToMinorUnits(amount, tt.currency)
			require.NoError(t, err)
			assert.Equal(t, tt.minor, minor)

			back := FromMinorUnits(minor, tt.currency)
			assert.True(t, back.Equal(amount), "round trip %s != %s", back, amount)
		})
	}
}

func TestToMinorUnitsRejectsExcessPrecision(t *testing.T) {
	_, err := ToMinorUnits(decimal.RequireFromString("1500.5"), "JPY")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = ToMinorUnits(decimal.RequireFromString("12.345"), "USD")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestParseMajorIsCurrencyAware(t *testing.T) {
	usd, err := ParseMajor("10.00", "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), usd)

	jpy, err := ParseMajor("1000", "JPY")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), jpy)

	_, err = ParseMajor("ten", "USD")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestSum(t *testing.T) {
	total, err := Sum(New(1000, "USD"), New(250, "usd"), New(5, "USD"))
	require.NoError(t, err)
	assert.Equal(t, int64(1255), total.Minor)

	_, err = Sum(New(1000, "USD"), New(1000, "JPY"))
	var mismatch *apperr.CurrencyMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "USD", mismatch.Expected)
	assert.Equal(t, "JPY", mismatch.Got)

	_, err = Sum()
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestAddDetectsOverflow(t *testing.T) {
	_, err := New(math.MaxInt64, "USD").Add(New(1, "USD"))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	diff, err := New(100, "USD").Sub(New(250, "USD"))
	require.NoError(t, err)
	assert.Equal(t, int64(-150), diff.Minor)
}

func TestApplyTax(t *testing.T) {
	tests := []struct {
		name     string
		subtotal Amount
		rate     string
		want     int64
	}{
		{name: "exact", subtotal: New(10000, "USD"), rate: "0.0825", want: 825},
		{name: "rounds down below half", subtotal: New(999, "USD"), rate: "0.0825", want: 82},
		{name: "rounds half up", subtotal: New(10, "USD"), rate: "0.05", want: 1},
		{name: "zero decimal currency", subtotal: New(1000, "JPY"), rate: "0.10", want: 100},
		{name: "zero rate", subtotal: New(1234, "EUR"), rate: "0", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tax, err := ApplyTax(tt.subtotal, decimal.RequireFromString(tt.rate))
			require.NoError(t, err)
			assert.Equal(t, tt.want, tax.Minor)
			assert.Equal(t, tt.subtotal.Currency, tax.Currency)
		})
	}

	_, err := ApplyTax(New(100, "USD"), decimal.RequireFromString("-0.1"))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "USD 50.00", Format(New(5000, "USD")))
	assert.Equal(t, "JPY 5000", Format(New(5000, "JPY")))
	assert.Equal(t, "KWD 1.500", Format(New(1500, "KWD")))
}

func TestMulQuantity(t *testing.T) {
	total, err := MulQuantity(1250, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3750), total)

	_, err = MulQuantity(math.MaxInt64/2, 3)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestNormalizeCurrency(t *testing.T) {
	code, err := NormalizeCurrency(" usd ")
	require.NoError(t, err)
	assert.Equal(t, "USD", code)

	_, err = NormalizeCurrency("US")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = NormalizeCurrency("U$D")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.True(t, IsZeroDecimal("jpy"))
}
