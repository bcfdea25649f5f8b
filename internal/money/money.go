// Package money keeps every monetary value in integer minor units and only
// converts to decimals at presentation and provider boundaries.
package money

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/folio/internal/apperr"
)

var (
	maxMinor = decimal.NewFromInt(math.MaxInt64)
	minMinor = decimal.NewFromInt(math.MinInt64)
)

// Amount is a value in the smallest denomination of Currency.
type Amount struct {
	Minor    int64  `json:"amount"`
	Currency string `json:"currency"`
}

func New(minor int64, currency string) Amount {
	return Amount{Minor: minor, Currency: strings.ToUpper(strings.TrimSpace(currency))}
}

func Zero(currency string) Amount {
	return New(0, currency)
}

func (a Amount) IsZero() bool { return a.Minor == 0 }

func (a Amount) Decimal() decimal.Decimal {
	return FromMinorUnits(a.Minor, a.Currency)
}

func (a Amount) String() string {
	return Format(a)
}

// Add returns a+b; it fails on mixed currencies or int64 overflow.
func (a Amount) Add(b Amount) (Amount, error) {
	if err := sameCurrency(a, b); err != nil {
		return Amount{}, err
	}
	sum, ok := addInt64(a.Minor, b.Minor)
	if !ok {
		return Amount{}, apperr.Validation("amount", "overflow", "amount overflows minor-unit range")
	}
	return Amount{Minor: sum, Currency: a.Currency}, nil
}

// Sub returns a-b; it fails on mixed currencies or int64 overflow.
func (a Amount) Sub(b Amount) (Amount, error) {
	if err := sameCurrency(a, b); err != nil {
		return Amount{}, err
	}
	if b.Minor == math.MinInt64 {
		return Amount{}, apperr.Validation("amount", "overflow", "amount overflows minor-unit range")
	}
	diff, ok := addInt64(a.Minor, -b.Minor)
	if !ok {
		return Amount{}, apperr.Validation("amount", "overflow", "amount overflows minor-unit range")
	}
	return Amount{Minor: diff, Currency: a.Currency}, nil
}

// ToMinorUnits converts a decimal major-unit amount to minor units. Amounts
// carrying more precision than the currency allows are rejected, never rounded.
func ToMinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	shifted := amount.Shift(Exponent(currency))
	if !shifted.IsInteger() {
		return 0, apperr.Validation("amount", "invalid_precision", "amount has more decimal places than "+strings.ToUpper(currency)+" allows")
	}
	if shifted.GreaterThan(maxMinor) || shifted.LessThan(minMinor) {
		return 0, apperr.Validation("amount", "overflow", "amount overflows minor-unit range")
	}
	return shifted.IntPart(), nil
}

// FromMinorUnits converts minor units back to a decimal major-unit amount.
func FromMinorUnits(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -Exponent(currency))
}

// ParseMajor parses a provider decimal string such as "10.00" into minor units.
func ParseMajor(value string, currency string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return 0, apperr.Validation("amount", "invalid_amount", "amount is not a decimal number")
	}
	return ToMinorUnits(d, currency)
}

// FormatMajor renders minor units as a fixed-point major-unit string.
func FormatMajor(minor int64, currency string) string {
	return FromMinorUnits(minor, currency).StringFixed(Exponent(currency))
}

func Format(a Amount) string {
	return a.Currency + " " + FormatMajor(a.Minor, a.Currency)
}

// Sum adds amounts that must all share one currency.
func Sum(amounts ...Amount) (Amount, error) {
	if len(amounts) == 0 {
		return Amount{}, apperr.Validation("amounts", "empty", "at least one amount is required")
	}
	total := Amount{Currency: amounts[0].Currency}
	for _, a := range amounts {
		next, err := total.Add(a)
		if err != nil {
			return Amount{}, err
		}
		total = next
	}
	return total, nil
}

// ApplyTax returns the tax owed on subtotal at rate (0.0825 for 8.25%),
// rounded half away from zero to the currency's minor unit.
func ApplyTax(subtotal Amount, rate decimal.Decimal) (Amount, error) {
	if rate.IsNegative() {
		return Amount{}, apperr.Validation("tax_rate", "invalid_tax_rate", "tax rate must not be negative")
	}
	tax := decimal.NewFromInt(subtotal.Minor).Mul(rate).Round(0)
	if tax.GreaterThan(maxMinor) || tax.LessThan(minMinor) {
		return Amount{}, apperr.Validation("amount", "overflow", "amount overflows minor-unit range")
	}
	return Amount{Minor: tax.IntPart(), Currency: subtotal.Currency}, nil
}

// MulQuantity returns unitPrice × quantity with overflow detection.
func MulQuantity(unitPrice int64, quantity int64) (int64, error) {
	if unitPrice == 0 || quantity == 0 {
		return 0, nil
	}
	product := unitPrice * quantity
	if product/quantity != unitPrice {
		return 0, apperr.Validation("quantity", "overflow", "line total overflows minor-unit range")
	}
	return product, nil
}

func sameCurrency(a, b Amount) error {
	if !strings.EqualFold(a.Currency, b.Currency) {
		return apperr.CurrencyMismatch(a.Currency, b.Currency)
	}
	return nil
}

func addInt64(a, b int64) (int64, bool) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, false
	}
	return a + b, true
}
