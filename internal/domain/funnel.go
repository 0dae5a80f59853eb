package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FunnelMode gates payment setup for a funnel.
type FunnelMode string

const (
	// FunnelModeOff disables checkout; callers are redirected.
	FunnelModeOff FunnelMode = "off"
	// FunnelModeTest routes payments to processor sandboxes.
	FunnelModeTest FunnelMode = "test"
	// FunnelModeLive routes payments to live processor credentials.
	FunnelModeLive FunnelMode = "live"
)

// ParseFunnelMode normalises stored mode strings. Unknown values fail closed to off.
func ParseFunnelMode(raw string) FunnelMode {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "live", "production", "prod":
		return FunnelModeLive
	case "test", "sandbox", "staging":
		return FunnelModeTest
	default:
		return FunnelModeOff
	}
}

// ProcessorMode selects which credential set every processor call of a checkout uses.
type ProcessorMode string

const (
	ProcessorModeTest ProcessorMode = "test"
	ProcessorModeLive ProcessorMode = "live"
)

// ProcessorMode resolves the processor credential set for the funnel mode. The second value is
// false when the funnel is off.
func (m FunnelMode) ProcessorMode() (ProcessorMode, bool) {
	switch m {
	case FunnelModeLive:
		return ProcessorModeLive, true
	case FunnelModeTest:
		return ProcessorModeTest, true
	default:
		return "", false
	}
}

// Processor identifies the payment processor family used for an order.
type Processor string

const (
	ProcessorCard   Processor = "stripe"
	ProcessorWallet Processor = "paypal"
)

// FunnelConfig is the per-funnel configuration consumed by checkout. It is loaded once per
// request and passed explicitly to the calculator and orchestrators.
type FunnelConfig struct {
	ID                    string
	Slug                  string
	Name                  string
	Mode                  FunnelMode
	RedirectURL           string
	GlobalDiscountPercent decimal.Decimal
	FreeShippingCountries []string
	Offers                []Offer
	UpsellOffers          []UpsellOffer
	UpdatedAt             time.Time
}

// Offer returns the configured offer with the given id.
func (f FunnelConfig) Offer(id string) (Offer, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Offer{}, false
	}
	for _, offer := range f.Offers {
		if offer.ID == id {
			return offer, true
		}
	}
	return Offer{}, false
}

// IsFreeShippingCountry reports whether the ISO country code ships free for this funnel.
func (f FunnelConfig) IsFreeShippingCountry(country string) bool {
	country = strings.ToUpper(strings.TrimSpace(country))
	if country == "" {
		return false
	}
	for _, c := range f.FreeShippingCountries {
		if strings.EqualFold(strings.TrimSpace(c), country) {
			return true
		}
	}
	return false
}

// UpsellOffer describes a post-purchase add-on configured on a funnel.
type UpsellOffer struct {
	SKU             string
	Headline        string
	Description     string
	Quantity        int
	DiscountPercent decimal.Decimal
}

// Product is the catalog record used for pricing and parcel derivation.
type Product struct {
	SKU          string
	Name         string
	RegularPrice decimal.Decimal
	SalePrice    *decimal.Decimal
	WeightOunces decimal.Decimal
	ImageURL     string
	Active       bool
}

// CurrentPrice returns the sale price when one is set, else the regular price.
func (p Product) CurrentPrice() decimal.Decimal {
	if p.SalePrice != nil && p.SalePrice.GreaterThanOrEqual(decimal.Zero) {
		return *p.SalePrice
	}
	return p.RegularPrice
}

// PointsBalance tracks a customer's loyalty points keyed by email.
type PointsBalance struct {
	CustomerEmail string
	Points        int64
	UpdatedAt     time.Time
}
