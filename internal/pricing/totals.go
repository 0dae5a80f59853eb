package pricing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/holisticpeople/funnel-checkout/internal/domain"
)

// DefaultPointsPerDollar is the redemption rate when none is configured.
const DefaultPointsPerDollar = 10

// ErrUnknownSKU is returned when a line references a product missing from the catalog input.
var ErrUnknownSKU = errors.New("pricing: unknown sku")

// TotalsInput carries every value the calculator depends on. Nothing is read from ambient
// configuration.
type TotalsInput struct {
	Currency              string
	Lines                 []domain.CartLine
	Products              map[string]domain.Product
	Address               domain.Address
	SelectedRate          *domain.ShippingRate
	PointsToRedeem        int64
	PointsPerDollar       int64
	GlobalDiscountPercent decimal.Decimal
	OfferDiscount         domain.DiscountPolicy
	AdminTotalOverride    *decimal.Decimal
	FreeShippingCountries []string
}

// Calculate produces the totals breakdown for a cart.
func Calculate(in TotalsInput) (domain.TotalsBreakdown, error) {
	code := strings.ToUpper(strings.TrimSpace(in.Currency))
	if code == "" {
		code = DefaultCurrency
	}
	out := domain.TotalsBreakdown{Currency: code}

	subtotal := decimal.Zero
	linesTotal := decimal.Zero
	eligible := decimal.Zero
	for _, line := range in.Lines {
		if line.Quantity < 0 {
			return domain.TotalsBreakdown{}, fmt.Errorf("%w: %s quantity must not be negative", ErrInvalidLine, line.SKU)
		}
		product, ok := in.Products[line.SKU]
		if !ok {
			return domain.TotalsBreakdown{}, fmt.Errorf("%w: %s", ErrUnknownSKU, line.SKU)
		}
		priced := PriceLine(line, product)
		out.Lines = append(out.Lines, roundLine(priced.Breakdown(), code))
		if line.Quantity == 0 {
			continue
		}
		subtotal = subtotal.Add(priced.Subtotal)
		linesTotal = linesTotal.Add(priced.Total)
		if !line.ExcludeFromGlobalDiscount {
			eligible = eligible.Add(priced.Total)
		}
	}

	var productTotal decimal.Decimal
	if in.AdminTotalOverride != nil {
		productTotal = floorZero(*in.AdminTotalOverride)
		out.AdminOverride = true
	} else {
		pct := clampPercent(in.GlobalDiscountPercent)
		if pct.IsPositive() {
			out.GlobalDiscountPercent = pct
			out.GlobalDiscount = eligible.Mul(pct).Div(hundred)
		}
		afterGlobal := floorZero(linesTotal.Sub(out.GlobalDiscount))
		out.OfferDiscount = offerDiscount(in.OfferDiscount, afterGlobal)
		productTotal = floorZero(afterGlobal.Sub(out.OfferDiscount))
	}
	out.Subtotal = Round(subtotal, code)
	out.ProductTotal = Round(productTotal, code)
	out.DiscountTotal = out.Subtotal.Sub(out.ProductTotal)
	productTotal = out.ProductTotal

	rate := in.PointsPerDollar
	if rate <= 0 {
		rate = DefaultPointsPerDollar
	}
	if in.PointsToRedeem > 0 && productTotal.IsPositive() {
		value := decimal.NewFromInt(in.PointsToRedeem).Div(decimal.NewFromInt(rate))
		if value.GreaterThan(productTotal) {
			value = productTotal
		}
		out.PointsDiscount = value
		out.PointsRedeemed = value.Mul(decimal.NewFromInt(rate)).Ceil().IntPart()
		if out.PointsRedeemed > in.PointsToRedeem {
			out.PointsRedeemed = in.PointsToRedeem
		}
	}

	switch {
	case isFreeShippingCountry(in.FreeShippingCountries, in.Address.Country):
		out.FreeShipping = true
	case in.SelectedRate != nil && in.SelectedRate.IsFree():
		out.FreeShipping = true
	case in.SelectedRate != nil:
		out.ShippingTotal = floorZero(in.SelectedRate.Total())
	default:
		out.ShippingPending = true
	}

	out.GlobalDiscount = Round(out.GlobalDiscount, code)
	out.OfferDiscount = Round(out.OfferDiscount, code)
	out.PointsDiscount = Round(out.PointsDiscount, code)
	out.ShippingTotal = Round(out.ShippingTotal, code)

	// Summed from rounded parts so the displayed breakdown adds up to the charged amount.
	grand := out.ProductTotal.Sub(out.PointsDiscount).Add(out.ShippingTotal)
	out.GrandTotal = floorZero(grand)
	out.AmountMinor = ToMinor(out.GrandTotal, code)
	return out, nil
}

func offerDiscount(policy domain.DiscountPolicy, base decimal.Decimal) decimal.Decimal {
	if !policy.Value.IsPositive() || !base.IsPositive() {
		return decimal.Zero
	}
	var discount decimal.Decimal
	switch policy.Kind {
	case domain.DiscountPercent:
		discount = base.Mul(clampPercent(policy.Value)).Div(hundred)
	case domain.DiscountFixed:
		discount = policy.Value
	default:
		return decimal.Zero
	}
	if discount.GreaterThan(base) {
		return base
	}
	return discount
}

func isFreeShippingCountry(countries []string, country string) bool {
	country = strings.TrimSpace(country)
	if country == "" {
		return false
	}
	for _, c := range countries {
		if strings.EqualFold(strings.TrimSpace(c), country) {
			return true
		}
	}
	return false
}

func roundLine(line domain.LineBreakdown, code string) domain.LineBreakdown {
	line.RegularPrice = Round(line.RegularPrice, code)
	line.UnitPrice = Round(line.UnitPrice, code)
	line.Subtotal = Round(line.Subtotal, code)
	line.Total = Round(line.Total, code)
	if line.SubsequentUnitPrice != nil {
		rounded := Round(*line.SubsequentUnitPrice, code)
		line.SubsequentUnitPrice = &rounded
	}
	return line
}
