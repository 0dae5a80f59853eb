// Package services implements the funnel checkout orchestration: pricing requests, shipping
// rate shopping, the card and wallet capture flows, order assembly, and one-click upsells.
package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/holisticpeople/funnel-checkout/internal/domain"
	"github.com/holisticpeople/funnel-checkout/internal/payments"
	"github.com/holisticpeople/funnel-checkout/internal/shipping"
)

type SystemHealthReport = domain.SystemHealthReport

// EventLogger is the structured logging hook every service accepts.
type EventLogger func(ctx context.Context, event string, fields map[string]any)

// CardGateway abstracts payments.Manager. Every call names the processor mode of the checkout.
type CardGateway interface {
	EnsureCustomer(ctx context.Context, mode domain.ProcessorMode, email, name string) (string, error)
	CreateIntent(ctx context.Context, mode domain.ProcessorMode, req payments.IntentRequest) (payments.Intent, error)
	GetIntent(ctx context.Context, mode domain.ProcessorMode, id string) (payments.Intent, error)
	UpdateDescription(ctx context.Context, mode domain.ProcessorMode, id, description string) error
	ChargeOffSession(ctx context.Context, mode domain.ProcessorMode, req payments.OffSessionRequest) (payments.Intent, error)
	ResolvePaymentMethod(ctx context.Context, mode domain.ProcessorMode, customerID, preferred string) (string, error)
	PublishableKey(mode domain.ProcessorMode) (string, error)
}

// WalletGateway abstracts payments.PayPalClient.
type WalletGateway interface {
	CreateOrder(ctx context.Context, mode domain.ProcessorMode, req payments.WalletOrderRequest) (payments.WalletOrder, error)
	CaptureOrder(ctx context.Context, mode domain.ProcessorMode, orderID string) (payments.WalletCapture, error)
	RefundCapture(ctx context.Context, mode domain.ProcessorMode, captureID string) error
}

// RateProvider abstracts shipping.Client.
type RateProvider interface {
	GetRates(ctx context.Context, req shipping.RateRequest) ([]domain.ShippingRate, error)
}

// OrderEventPublisher abstracts jobs.OrderEventPublisher.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event domain.OrderEvent) (string, error)
}

// FunnelService resolves funnel configuration and its processor mode.
type FunnelService interface {
	// Resolve loads the funnel and fails with *FunnelDisabledError when its mode is off.
	Resolve(ctx context.Context, funnelID string) (ActiveFunnel, error)
	// Config loads the funnel without gating on its mode.
	Config(ctx context.Context, funnelID string) (domain.FunnelConfig, error)
	Status(ctx context.Context, funnelID string) (FunnelStatus, error)
}

// CatalogService reads product prices.
type CatalogService interface {
	Prices(ctx context.Context, skus []string) ([]ProductPrice, error)
	// Products returns every requested product or an invalid-input error naming the missing SKUs.
	Products(ctx context.Context, skus []string) (map[string]domain.Product, error)
}

// ShippingService shops carrier rates for a cart. Quote returns the shopped rate matching the
// selected carrier and service code, re-quoting when the cached quotes expired.
type ShippingService interface {
	Rates(ctx context.Context, cmd RatesCommand) ([]domain.ShippingRate, error)
	Quote(ctx context.Context, cmd RatesCommand, selected domain.ShippingRate) (domain.ShippingRate, error)
}

// CheckoutService exposes the card capture flow.
type CheckoutService interface {
	Totals(ctx context.Context, cmd CartCommand) (domain.TotalsBreakdown, error)
	CreateIntent(ctx context.Context, cmd CartCommand) (IntentResult, error)
	Complete(ctx context.Context, cmd CompleteCommand) (CompletionResult, error)
	OrderSummary(ctx context.Context, query OrderSummaryQuery) (OrderSummary, error)
}

// WalletCheckoutService exposes the redirect wallet capture flow.
type WalletCheckoutService interface {
	CreateOrder(ctx context.Context, cmd CartCommand) (WalletOrderResult, error)
	CaptureOrder(ctx context.Context, cmd CaptureCommand) (CompletionResult, error)
}

// OrderAssembler turns consumed drafts into orders and appends upsell lines.
type OrderAssembler interface {
	CreateFromDraft(ctx context.Context, draft domain.Draft, meta ProcessorMeta) (domain.Order, error)
	// AppendItems re-prices items against the current catalog and appends them while the
	// caller holds the order's append lock. It returns the amount added.
	AppendItems(ctx context.Context, orderID string, items []UpsellItem, charge UpsellCharge) (domain.Order, decimal.Decimal, error)
}

// UpsellService exposes the post-purchase one-click flow.
type UpsellService interface {
	Charge(ctx context.Context, cmd UpsellChargeCommand) (UpsellResult, error)
	Offers(ctx context.Context, query UpsellOffersQuery) ([]UpsellOfferView, error)
}

// OrderNumberIssuer hands out human-facing order numbers.
type OrderNumberIssuer interface {
	Next(ctx context.Context) (string, error)
}

// SystemService reports service health.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// ActiveFunnel is a funnel whose mode allows payments.
type ActiveFunnel struct {
	Config domain.FunnelConfig
	Mode   domain.ProcessorMode
}

// FunnelStatus is the public view of a funnel's availability.
type FunnelStatus struct {
	FunnelID      string
	Name          string
	Mode          domain.FunnelMode
	Enabled       bool
	RedirectURL   string
	ProcessorMode domain.ProcessorMode
	OfferIDs      []string
	UpdatedAt     time.Time
}

// ProductPrice is the catalog price view returned to the sales page.
type ProductPrice struct {
	SKU          string
	Name         string
	RegularPrice decimal.Decimal
	SalePrice    *decimal.Decimal
	Price        decimal.Decimal
	Currency     string
	ImageURL     string
	Active       bool
}

// RatesCommand asks for shipping options for a cart.
type RatesCommand struct {
	FunnelID string
	Address  domain.Address
	Lines    []domain.CartLine
}

// CartCommand is the shared input of totals, card intents and wallet orders. Lines carry the
// buyer's SKUs and quantities only; prices, discounts and total overrides come from the catalog
// and the configured offer.
type CartCommand struct {
	FunnelID       string
	OfferID        string
	Lines          []domain.CartLine
	Contact        domain.Contact
	Address        domain.Address
	SelectedRate   *domain.ShippingRate
	PointsToRedeem int64
	Metadata       map[string]string
	Locale         string
}

// IntentResult is returned to the browser to confirm the card payment.
type IntentResult struct {
	ClientSecret   string
	PublishableKey string
	DraftID        string
	IntentID       string
	AmountMinor    int64
	Amount         decimal.Decimal
	Currency       string
	Totals         domain.TotalsBreakdown
}

// CompleteCommand finalises a card checkout.
type CompleteCommand struct {
	DraftID  string
	IntentID string
}

// CaptureCommand finalises an approved wallet order.
type CaptureCommand struct {
	WalletOrderID string
}

// CompletionResult identifies the created order and carries the upsell token.
type CompletionResult struct {
	OrderID       string
	OrderNumber   string
	TransactionID string
	UpsellToken   string
	Order         domain.Order
}

// WalletOrderResult is returned to the browser to redirect the buyer for approval.
type WalletOrderResult struct {
	WalletOrderID string
	ApproveURL    string
	DraftID       string
	Amount        decimal.Decimal
	Currency      string
}

// OrderSummaryQuery looks an order up by id or processor transaction id. When both are set the
// transaction must match the order.
type OrderSummaryQuery struct {
	OrderID       string
	TransactionID string
}

// OrderSummaryItem is one receipt line.
type OrderSummaryItem struct {
	SKU      string
	Name     string
	Quantity int
	Price    decimal.Decimal
	Subtotal decimal.Decimal
	Total    decimal.Decimal
	ImageURL string
	Upsell   bool
}

// OrderSummary is the itemised receipt for the thank-you page.
type OrderSummary struct {
	OrderID        string
	OrderNumber    string
	Status         domain.OrderStatus
	Currency       string
	Items          []OrderSummaryItem
	ItemsDiscount  decimal.Decimal
	FeesTotal      decimal.Decimal
	PointsRedeemed int64
	PointsValue    decimal.Decimal
	ShippingTotal  decimal.Decimal
	UpsellTotal    decimal.Decimal
	GrandTotal     decimal.Decimal
}

// ProcessorMeta records how an order was paid.
type ProcessorMeta struct {
	Processor       domain.Processor
	Mode            domain.ProcessorMode
	TransactionID   string
	ChargeID        string
	CustomerID      string
	PaymentMethodID string
	PayerID         string
	PayerEmail      string
}

// UpsellItem is one add-on requested after purchase. DiscountPercent is ignored for SKUs the
// funnel configures as upsell offers; the configured percent applies instead.
type UpsellItem struct {
	SKU             string
	Quantity        int
	DiscountPercent *decimal.Decimal
}

// UpsellCharge identifies the off-session charge being appended and the lock holder.
type UpsellCharge struct {
	TransactionID string
	ChargeID      string
	Holder        string
}

// UpsellChargeCommand requests a one-click add-on charge.
type UpsellChargeCommand struct {
	ParentOrderID string
	Token         string
	Items         []UpsellItem
}

// UpsellResult reports an appended upsell.
type UpsellResult struct {
	OrderID       string
	TransactionID string
	Amount        decimal.Decimal
	Currency      string
	Order         domain.Order
}

// UpsellOffersQuery lists the upsells still available for an order.
type UpsellOffersQuery struct {
	OrderID string
	Token   string
}

// UpsellOfferView is an upsell offer priced for display.
type UpsellOfferView struct {
	SKU             string
	Name            string
	Headline        string
	Description     string
	ImageURL        string
	Quantity        int
	RegularPrice    decimal.Decimal
	OfferPrice      decimal.Decimal
	DiscountPercent decimal.Decimal
	Currency        string
}

