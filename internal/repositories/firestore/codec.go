package firestore

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Money is stored as fixed-point strings so Firestore never rounds it through float64.

func decimalString(d decimal.Decimal) string {
	return d.String()
}

func decimalPtrString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

// decimalReader parses stored strings and keeps the first failure.
type decimalReader struct {
	err error
}

func (r *decimalReader) value(field, raw string) decimal.Decimal {
	if raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		r.err = errors.Join(r.err, fmt.Errorf("%s: %w", field, err))
		return decimal.Zero
	}
	return d
}

func (r *decimalReader) pointer(field string, raw *string) *decimal.Decimal {
	if raw == nil {
		return nil
	}
	d := r.value(field, *raw)
	return &d
}
