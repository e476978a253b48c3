package normalize

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseAmount parses a monetary amount without going through float64.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return d, nil
}

// RoundMinor rounds to the currency's minor unit (half away from zero).
func RoundMinor(d decimal.Decimal, minorUnits int32) decimal.Decimal {
	return d.Round(minorUnits)
}

// MinorUnits returns the ISO 4217 exponent for the currencies we bill in.
// Unknown currencies default to 2.
func MinorUnits(currency string) int32 {
	switch strings.ToUpper(currency) {
	case "BHD", "KWD", "OMR", "JOD":
		return 3
	case "JPY", "KRW":
		return 0
	default:
		return 2
	}
}
