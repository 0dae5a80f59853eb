package domain

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// LineRole marks how a kit component is priced and validated.
type LineRole string

const (
	LineRoleMust     LineRole = "must"
	LineRoleOptional LineRole = "optional"
)

// NormalizeLineRole maps historical role names onto the canonical roles.
func NormalizeLineRole(raw string) LineRole {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "must", "required", "must_have", "must-have":
		return LineRoleMust
	default:
		return LineRoleOptional
	}
}

// CartLine is one selected purchasable unit.
type CartLine struct {
	SKU                         string
	Quantity                    int
	Role                        LineRole
	MinQuantity                 int
	MaxQuantity                 int
	UnitPriceOverride           *decimal.Decimal
	SubsequentUnitPriceOverride *decimal.Decimal
	ItemDiscountPercent         *decimal.Decimal
	ItemDiscountFixed           *decimal.Decimal
	ExcludeFromGlobalDiscount   bool
	Label                       string
}

// OfferKind enumerates the offer variants.
type OfferKind string

const (
	OfferKindSingle          OfferKind = "single"
	OfferKindFixedBundle     OfferKind = "fixed_bundle"
	OfferKindCustomizableKit OfferKind = "customizable_kit"
)

// DiscountKind enumerates offer-level discount policies.
type DiscountKind string

const (
	DiscountNone    DiscountKind = "none"
	DiscountPercent DiscountKind = "percent"
	DiscountFixed   DiscountKind = "fixed"
)

// DiscountPolicy is applied on top of line level pricing.
type DiscountPolicy struct {
	Kind  DiscountKind
	Value decimal.Decimal
}

// Offer is a purchasable configuration selected by the buyer.
type Offer struct {
	ID                 string
	Name               string
	Kind               OfferKind
	Lines              []CartLine
	Discount           DiscountPolicy
	AdminTotalOverride *decimal.Decimal
}

// Address is a shipping destination.
type Address struct {
	FirstName  string
	LastName   string
	Company    string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
	Phone      string
}

// Complete reports whether the address carries the fields carriers require.
func (a Address) Complete() bool {
	return strings.TrimSpace(a.Country) != "" &&
		strings.TrimSpace(a.PostalCode) != "" &&
		strings.TrimSpace(a.City) != "" &&
		strings.TrimSpace(a.Line1) != ""
}

// Contact holds the buyer identity captured at checkout.
type Contact struct {
	Email     string
	FirstName string
	LastName  string
	Phone     string
}

// FullName joins first and last names.
func (c Contact) FullName() string {
	return strings.TrimSpace(strings.TrimSpace(c.FirstName) + " " + strings.TrimSpace(c.LastName))
}

// FreeShippingServiceCode is the sentinel service code for free shipping.
const FreeShippingServiceCode = "free_shipping"

// ShippingRate is a carrier-quoted option.
type ShippingRate struct {
	CarrierCode  string
	ServiceCode  string
	ServiceName  string
	ShipmentCost decimal.Decimal
	OtherCost    decimal.Decimal
}

// IsFree reports whether the rate is the free-shipping sentinel.
func (r ShippingRate) IsFree() bool {
	return strings.EqualFold(strings.TrimSpace(r.ServiceCode), FreeShippingServiceCode)
}

// Total returns the shipment cost plus surcharges.
func (r ShippingRate) Total() decimal.Decimal {
	return r.ShipmentCost.Add(r.OtherCost)
}

// LineBreakdown itemizes one priced cart line.
type LineBreakdown struct {
	SKU                 string
	Name                string
	Quantity            int
	RegularPrice        decimal.Decimal
	UnitPrice           decimal.Decimal
	SubsequentUnitPrice *decimal.Decimal
	TieredUnits         int
	Subtotal            decimal.Decimal
	Total               decimal.Decimal
	ItemDiscountPercent decimal.Decimal
	ExcludeFromGlobal   bool
	Label               string
}

// TotalsBreakdown is the calculator output. It is recomputed on every input change.
type TotalsBreakdown struct {
	Currency              string
	Lines                 []LineBreakdown
	Subtotal              decimal.Decimal
	GlobalDiscountPercent decimal.Decimal
	GlobalDiscount        decimal.Decimal
	OfferDiscount         decimal.Decimal
	DiscountTotal         decimal.Decimal
	ProductTotal          decimal.Decimal
	PointsRedeemed        int64
	PointsDiscount        decimal.Decimal
	ShippingTotal         decimal.Decimal
	ShippingPending       bool
	FreeShipping          bool
	AdminOverride         bool
	GrandTotal            decimal.Decimal
	AmountMinor           int64
}

// DraftStatus tracks the one-shot consumption of a draft.
type DraftStatus string

const (
	DraftStatusPending   DraftStatus = "pending"
	DraftStatusConsuming DraftStatus = "consuming"
)

// Draft is the ephemeral pre-payment snapshot of a checkout.
type Draft struct {
	ID             string
	FunnelID       string
	FunnelName     string
	OfferID        string
	Processor      Processor
	ProcessorMode  ProcessorMode
	Status         DraftStatus
	Contact        Contact
	Address        Address
	Lines          []CartLine
	SelectedRate   *ShippingRate
	Totals         TotalsBreakdown
	Currency       string
	AmountMinor    int64
	CustomerID     string
	CorrelationID  string
	ClientMetadata map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      time.Time
}

// DraftIDPrefix marks draft identifiers.
const DraftIDPrefix = "drf_"

// NewDraftID returns a sortable, unique draft id.
func NewDraftID() string {
	return DraftIDPrefix + strings.ToLower(ulid.Make().String())
}
