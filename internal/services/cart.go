package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/mail"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/holisticpeople/funnel-checkout/internal/domain"
	"github.com/holisticpeople/funnel-checkout/internal/platform/textutil"
	"github.com/holisticpeople/funnel-checkout/internal/pricing"
	"github.com/holisticpeople/funnel-checkout/internal/repositories"
)

const maxCartLines = 50

var clientMetadataLimits = textutil.MapLimits{MaxEntries: 20, MaxKeyLength: 40, MaxValueLength: 500}

// cartPricer resolves a CartCommand against funnel, catalog and points state and runs the
// calculator. The card and wallet flows share it so both authorize the same amount.
type cartPricer struct {
	catalog         CatalogService
	points          repositories.PointsRepository
	shipping        ShippingService
	currency        string
	pointsPerDollar int64
}

type pricedCart struct {
	funnel   domain.FunnelConfig
	offer    *domain.Offer
	lines    []domain.CartLine
	rate     *domain.ShippingRate
	products map[string]domain.Product
	totals   domain.TotalsBreakdown
}

func (p cartPricer) price(ctx context.Context, funnel domain.FunnelConfig, cmd CartCommand) (pricedCart, error) {
	lines, offer, err := resolveLines(funnel, cmd)
	if err != nil {
		return pricedCart{}, err
	}
	products, err := p.catalog.Products(ctx, lineSKUs(lines))
	if err != nil {
		return pricedCart{}, err
	}

	points := max(cmd.PointsToRedeem, 0)
	if email := strings.TrimSpace(cmd.Contact.Email); points > 0 && email != "" && p.points != nil {
		balance, err := p.points.Balance(ctx, email)
		if err != nil {
			return pricedCart{}, fmt.Errorf("load points balance: %w", err)
		}
		points = min(points, max(balance, 0))
	}
	rate, err := p.quotedRate(ctx, funnel, cmd, lines)
	if err != nil {
		return pricedCart{}, err
	}

	in := pricing.TotalsInput{
		Currency:              p.currency,
		Lines:                 lines,
		Products:              products,
		Address:               cmd.Address,
		SelectedRate:          rate,
		PointsToRedeem:        points,
		PointsPerDollar:       p.pointsPerDollar,
		GlobalDiscountPercent: funnel.GlobalDiscountPercent,
		FreeShippingCountries: funnel.FreeShippingCountries,
	}
	if offer != nil {
		in.OfferDiscount = offer.Discount
		in.AdminTotalOverride = offer.AdminTotalOverride
	}

	totals, err := pricing.Calculate(in)
	if err != nil {
		if errors.Is(err, pricing.ErrInvalidLine) || errors.Is(err, pricing.ErrUnknownSKU) {
			return pricedCart{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
		}
		return pricedCart{}, err
	}
	return pricedCart{funnel: funnel, offer: offer, lines: lines, rate: rate, products: products, totals: totals}, nil
}

// quotedRate swaps the buyer's selected rate for the carrier quote it names, so the charged
// shipping cost always comes from the rate gateway. The free-shipping sentinel is honoured only
// for the funnel's free-shipping countries.
func (p cartPricer) quotedRate(ctx context.Context, funnel domain.FunnelConfig, cmd CartCommand, lines []domain.CartLine) (*domain.ShippingRate, error) {
	selected := cmd.SelectedRate
	if selected == nil {
		return nil, nil
	}
	if funnel.IsFreeShippingCountry(cmd.Address.Country) {
		return &domain.ShippingRate{ServiceCode: domain.FreeShippingServiceCode, ServiceName: freeShippingName}, nil
	}
	if selected.IsFree() {
		return nil, invalidInput("free shipping is not available for %s", cmd.Address.Country)
	}
	if p.shipping == nil {
		return nil, fmt.Errorf("%w: shipping rates are not configured", ErrCheckoutUnavailable)
	}
	quoted, err := p.shipping.Quote(ctx, RatesCommand{FunnelID: funnel.ID, Address: cmd.Address, Lines: lines}, *selected)
	if err != nil {
		return nil, err
	}
	return &quoted, nil
}

// resolveLines merges the buyer's selection with the configured offer. Configured offers own
// prices, roles and bounds; the buyer only chooses quantities where the offer kind allows it.
// Without an offer the buyer picks SKUs and quantities and every line prices from the catalog.
func resolveLines(funnel domain.FunnelConfig, cmd CartCommand) ([]domain.CartLine, *domain.Offer, error) {
	if len(cmd.Lines) == 0 {
		return nil, nil, invalidInput("items are required")
	}
	if len(cmd.Lines) > maxCartLines {
		return nil, nil, invalidInput("at most %d items per cart", maxCartLines)
	}
	selected := make(map[string]int, len(cmd.Lines))
	for _, line := range cmd.Lines {
		sku := strings.TrimSpace(line.SKU)
		if sku == "" {
			return nil, nil, invalidInput("item sku is required")
		}
		selected[sku] += line.Quantity
	}

	offer, ok := funnel.Offer(cmd.OfferID)
	if !ok {
		if strings.TrimSpace(cmd.OfferID) != "" {
			return nil, nil, invalidInput("unknown offer %s", cmd.OfferID)
		}
		lines := make([]domain.CartLine, 0, len(cmd.Lines))
		for _, line := range cmd.Lines {
			lines = append(lines, domain.CartLine{
				SKU:      strings.TrimSpace(line.SKU),
				Quantity: line.Quantity,
				Label:    strings.TrimSpace(line.Label),
			})
		}
		if err := pricing.ValidateLines("", lines); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
		}
		return lines, nil, nil
	}

	lines := make([]domain.CartLine, 0, len(offer.Lines))
	for _, configured := range offer.Lines {
		line := configured
		qty, chosen := selected[line.SKU]
		delete(selected, line.SKU)
		if offer.Kind != domain.OfferKindFixedBundle {
			if chosen {
				line.Quantity = qty
			} else if offer.Kind == domain.OfferKindCustomizableKit && line.Role == domain.LineRoleOptional {
				line.Quantity = 0
			}
		}
		lines = append(lines, line)
	}
	if len(selected) > 0 {
		extra := slices.Sorted(maps.Keys(selected))
		return nil, nil, invalidInput("sku %s is not part of offer %s", strings.Join(extra, ", "), offer.ID)
	}
	if err := pricing.ValidateLines(offer.Kind, lines); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
	}
	return lines, &offer, nil
}

// validateCheckout applies the pre-payment checks shared by the card and wallet flows.
func validateCheckout(cmd CartCommand) error {
	if len(cmd.Lines) == 0 {
		return invalidInput("items are required")
	}
	email := strings.TrimSpace(cmd.Contact.Email)
	if email == "" {
		return invalidInput("valid customer email required")
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return invalidInput("valid customer email required")
	}
	if !cmd.Address.Complete() {
		return invalidInput("shipping address is incomplete")
	}
	return nil
}

// requireChargeable rejects totals that cannot be authorized.
func requireChargeable(totals domain.TotalsBreakdown) error {
	if totals.ShippingPending {
		return invalidInput("a shipping rate must be selected")
	}
	if totals.AmountMinor <= 0 || !totals.GrandTotal.GreaterThan(decimal.Zero) {
		return invalidInput("amount must be greater than zero")
	}
	return nil
}

func newDraft(funnel ActiveFunnel, cart pricedCart, cmd CartCommand, processor domain.Processor) domain.Draft {
	draft := domain.Draft{
		FunnelID:       funnel.Config.ID,
		FunnelName:     funnel.Config.Name,
		Processor:      processor,
		ProcessorMode:  funnel.Mode,
		Status:         domain.DraftStatusPending,
		Contact:        normalizeContact(cmd.Contact),
		Address:        cmd.Address,
		Lines:          cart.lines,
		SelectedRate:   cart.rate,
		Totals:         cart.totals,
		Currency:       cart.totals.Currency,
		AmountMinor:    cart.totals.AmountMinor,
		ClientMetadata: textutil.NormalizeStringMap(cmd.Metadata, clientMetadataLimits),
	}
	if cart.offer != nil {
		draft.OfferID = cart.offer.ID
	}
	return draft
}

func normalizeContact(contact domain.Contact) domain.Contact {
	contact.Email = strings.ToLower(strings.TrimSpace(contact.Email))
	contact.FirstName = strings.TrimSpace(contact.FirstName)
	contact.LastName = strings.TrimSpace(contact.LastName)
	contact.Phone = strings.TrimSpace(contact.Phone)
	return contact
}

func chooseFirstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
