package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// DefaultCurrency is used when a funnel does not name one.
const DefaultCurrency = "USD"

// Scale returns the number of minor-unit digits for an ISO 4217 code. Unknown codes use 2.
func Scale(code string) int32 {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return 2
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale)
}

// Round rounds an amount to the currency's minor unit.
func Round(amount decimal.Decimal, code string) decimal.Decimal {
	return amount.Round(Scale(code))
}

// ToMinor converts an amount to integer minor units, e.g. cents.
func ToMinor(amount decimal.Decimal, code string) int64 {
	scale := Scale(code)
	return amount.Round(scale).Shift(scale).IntPart()
}

// FromMinor converts minor units back to a decimal amount.
func FromMinor(minor int64, code string) decimal.Decimal {
	return decimal.New(minor, -Scale(code))
}

// Format renders an amount with the currency's fixed number of decimals.
func Format(amount decimal.Decimal, code string) string {
	return amount.StringFixed(Scale(code))
}

// Display renders an amount for human-readable notes, e.g. "$12.50".
func Display(amount decimal.Decimal, code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" || code == DefaultCurrency {
		return "$" + Format(amount, DefaultCurrency)
	}
	return fmt.Sprintf("%s %s", Format(amount, code), code)
}
