package money

import (
	"strings"

	"github.com/smallbiznis/folio/internal/apperr"
)

const defaultExponent int32 = 2

// ISO 4217 minor-unit exponents that differ from the two-decimal default.
var exponents = map[string]int32{
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0, "KMF": 0,
	"KRW": 0, "PYG": 0, "RWF": 0, "UGX": 0, "UYI": 0, "VND": 0, "VUV": 0,
	"XAF": 0, "XOF": 0, "XPF": 0,
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
}

// Exponent returns the number of minor-unit digits for the currency.
func Exponent(currency string) int32 {
	if exp, ok := exponents[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		return exp
	}
	return defaultExponent
}

// IsZeroDecimal reports whether the currency has no minor unit.
func IsZeroDecimal(currency string) bool {
	return Exponent(currency) == 0
}

// NormalizeCurrency upper-cases a three-letter currency code.
func NormalizeCurrency(currency string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(currency))
	if len(code) != 3 {
		return "", apperr.Validation("currency", "invalid_currency", "currency must be a three-letter ISO code")
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", apperr.Validation("currency", "invalid_currency", "currency must be a three-letter ISO code")
		}
	}
	return code, nil
}
