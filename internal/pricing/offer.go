// Package pricing implements the offer pricing model and the cart total calculator. Everything
// here is pure: callers resolve catalog prices and funnel configuration before calling in.
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/holisticpeople/funnel-checkout/internal/domain"
)

var (
	// ErrInvalidLine is returned for lines that violate quantity or role constraints.
	ErrInvalidLine = errors.New("pricing: invalid line")

	hundred = decimal.NewFromInt(100)
	cent    = decimal.New(1, -2)
)

const (
	maxSingleQuantity = 10
	minSingleQuantity = 1
)

// PricedLine is a cart line with its resolved unit prices and totals.
type PricedLine struct {
	Line                domain.CartLine
	Product             domain.Product
	RegularPrice        decimal.Decimal
	FirstUnitPrice      decimal.Decimal
	SubsequentUnitPrice *decimal.Decimal
	TieredUnits         int
	Subtotal            decimal.Decimal
	Total               decimal.Decimal
	ItemDiscountPercent decimal.Decimal
}

// Breakdown converts the priced line to the reporting shape.
func (p PricedLine) Breakdown() domain.LineBreakdown {
	return domain.LineBreakdown{
		SKU:                 p.Line.SKU,
		Name:                p.Product.Name,
		Quantity:            p.Line.Quantity,
		RegularPrice:        p.RegularPrice,
		UnitPrice:           p.FirstUnitPrice,
		SubsequentUnitPrice: p.SubsequentUnitPrice,
		TieredUnits:         p.TieredUnits,
		Subtotal:            p.Subtotal,
		Total:               p.Total,
		ItemDiscountPercent: p.ItemDiscountPercent,
		ExcludeFromGlobal:   p.Line.ExcludeFromGlobalDiscount,
		Label:               p.Line.Label,
	}
}

// firstTierPrice is the price of unit zero: the admin override when present, otherwise the
// catalog price less any line discount.
func firstTierPrice(line domain.CartLine, catalogPrice decimal.Decimal) decimal.Decimal {
	if line.UnitPriceOverride != nil {
		return floorZero(*line.UnitPriceOverride)
	}
	price := catalogPrice
	if pct := line.ItemDiscountPercent; pct != nil && pct.IsPositive() {
		price = catalogPrice.Mul(hundred.Sub(clampPercent(*pct))).Div(hundred)
	} else if fixed := line.ItemDiscountFixed; fixed != nil && fixed.IsPositive() {
		price = catalogPrice.Sub(*fixed)
	}
	return floorZero(price)
}

// tieredUnits returns how many units price at the first tier when the line is tiered, or -1
// when every unit shares the first-tier price.
func tieredUnits(line domain.CartLine) int {
	if line.Role != domain.LineRoleMust || line.SubsequentUnitPriceOverride == nil || line.MinQuantity < 1 {
		return -1
	}
	return line.MinQuantity
}

// UnitPrice returns the price of the unit at unitIndex (0-based) for the line.
func UnitPrice(line domain.CartLine, catalogPrice decimal.Decimal, unitIndex int) decimal.Decimal {
	first := firstTierPrice(line, catalogPrice)
	tier := tieredUnits(line)
	if tier < 0 || unitIndex < tier {
		return first
	}
	return floorZero(*line.SubsequentUnitPriceOverride)
}

// LineTotal sums the unit prices across the line quantity.
func LineTotal(line domain.CartLine, catalogPrice decimal.Decimal) decimal.Decimal {
	if line.Quantity <= 0 {
		return decimal.Zero
	}
	first := firstTierPrice(line, catalogPrice)
	tier := tieredUnits(line)
	if tier < 0 || line.Quantity <= tier {
		return first.Mul(decimal.NewFromInt(int64(line.Quantity)))
	}
	subsequent := floorZero(*line.SubsequentUnitPriceOverride)
	return first.Mul(decimal.NewFromInt(int64(tier))).
		Add(subsequent.Mul(decimal.NewFromInt(int64(line.Quantity - tier))))
}

// PriceLine prices a line against its catalog product. The catalog's current price (sale price
// when set) feeds the first tier, while the regular price drives the subtotal and the implied
// discount percent.
func PriceLine(line domain.CartLine, product domain.Product) PricedLine {
	regular := product.RegularPrice
	catalog := product.CurrentPrice()
	if line.ItemDiscountPercent != nil && line.ItemDiscountPercent.IsPositive() {
		catalog = regular
	}
	priced := PricedLine{
		Line:           line,
		Product:        product,
		RegularPrice:   regular,
		FirstUnitPrice: firstTierPrice(line, catalog),
		TieredUnits:    tieredUnits(line),
		Total:          LineTotal(line, catalog),
	}
	if priced.TieredUnits >= 0 {
		sub := floorZero(*line.SubsequentUnitPriceOverride)
		priced.SubsequentUnitPrice = &sub
	} else {
		priced.TieredUnits = 0
	}
	if line.Quantity > 0 {
		priced.Subtotal = regular.Mul(decimal.NewFromInt(int64(line.Quantity)))
	}
	priced.ItemDiscountPercent = effectiveDiscountPercent(line, regular, priced.FirstUnitPrice)
	return priced
}

// effectiveDiscountPercent is the explicit item percent, or the percent implied by a first
// unit price that differs from the regular price.
func effectiveDiscountPercent(line domain.CartLine, regular, charged decimal.Decimal) decimal.Decimal {
	if line.ItemDiscountPercent != nil && line.ItemDiscountPercent.IsPositive() {
		return clampPercent(*line.ItemDiscountPercent)
	}
	if !regular.IsPositive() || charged.Sub(regular).Abs().LessThanOrEqual(cent) {
		return decimal.Zero
	}
	return decimal.NewFromInt(1).Sub(charged.Div(regular)).Mul(hundred).Round(2)
}

// ValidateLines enforces quantity constraints for the offer kind.
func ValidateLines(kind domain.OfferKind, lines []domain.CartLine) error {
	active := 0
	for _, line := range lines {
		if line.SKU == "" {
			return fmt.Errorf("%w: sku is required", ErrInvalidLine)
		}
		if line.Quantity < 0 {
			return fmt.Errorf("%w: %s quantity must not be negative", ErrInvalidLine, line.SKU)
		}
		if line.Quantity > 0 {
			active++
		}
		switch kind {
		case domain.OfferKindSingle:
			if line.Quantity < minSingleQuantity || line.Quantity > maxSingleQuantity {
				return fmt.Errorf("%w: %s quantity must be between %d and %d", ErrInvalidLine, line.SKU, minSingleQuantity, maxSingleQuantity)
			}
		case domain.OfferKindCustomizableKit:
			if line.Role == domain.LineRoleMust && line.Quantity < max(1, line.MinQuantity) {
				return fmt.Errorf("%w: %s is required at quantity %d or more", ErrInvalidLine, line.SKU, max(1, line.MinQuantity))
			}
			if line.MaxQuantity > 0 && line.Quantity > line.MaxQuantity {
				return fmt.Errorf("%w: %s quantity exceeds %d", ErrInvalidLine, line.SKU, line.MaxQuantity)
			}
		}
	}
	if active == 0 {
		return fmt.Errorf("%w: no items selected", ErrInvalidLine)
	}
	if kind == domain.OfferKindSingle && len(lines) != 1 {
		return fmt.Errorf("%w: single offers carry exactly one sku", ErrInvalidLine)
	}
	return nil
}

func floorZero(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}

func clampPercent(pct decimal.Decimal) decimal.Decimal {
	if pct.IsNegative() {
		return decimal.Zero
	}
	if pct.GreaterThan(hundred) {
		return hundred
	}
	return pct
}
