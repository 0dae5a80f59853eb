package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus captures fulfillment/payment progress. Only status, notes, and appended lines
// change after creation.
type OrderStatus string

const (
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusRefunded   OrderStatus = "refunded"
)

// FeeKind distinguishes discount and fee lines for downstream reporting.
type FeeKind string

const (
	FeeKindOfferSavings      FeeKind = "offer_savings"
	FeeKindPackageAdjustment FeeKind = "package_adjustment"
	FeeKindGlobalDiscount    FeeKind = "global_discount"
	FeeKindPoints            FeeKind = "points_redemption"
	FeeKindCoupon            FeeKind = "coupon"
)

// OrderLine snapshots a purchased line with the price actually charged.
type OrderLine struct {
	ID                  string
	SKU                 string
	Name                string
	Quantity            int
	RegularPrice        decimal.Decimal
	UnitPrice           decimal.Decimal
	Subtotal            decimal.Decimal
	Total               decimal.Decimal
	ItemDiscountPercent decimal.Decimal
	ExcludeFromGlobal   bool
	Upsell              bool
	UpsellTransactionID string
	AddedAt             time.Time
}

// FeeLine is a named discount (negative) or surcharge (positive) line.
type FeeLine struct {
	Kind   FeeKind
	Name   string
	Amount decimal.Decimal
	Points int64
}

// ShippingLine snapshots the rate charged at order creation.
type ShippingLine struct {
	CarrierCode string
	ServiceCode string
	ServiceName string
	Total       decimal.Decimal
}

// PaymentMeta records processor correlation data for an order.
type PaymentMeta struct {
	Processor            Processor
	Mode                 ProcessorMode
	TransactionID        string
	ChargeID             string
	CustomerID           string
	PaymentMethodID      string
	PayerID              string
	UpsellTransactionIDs []string
}

// OrderNote is an append-only annotation.
type OrderNote struct {
	Message   string
	CreatedAt time.Time
}

// OrderTotals mirrors the totals charged, plus appended upsell amounts.
type OrderTotals struct {
	Subtotal       decimal.Decimal
	DiscountTotal  decimal.Decimal
	PointsDiscount decimal.Decimal
	PointsRedeemed int64
	ShippingTotal  decimal.Decimal
	UpsellTotal    decimal.Decimal
	GrandTotal     decimal.Decimal
}

// AppendLock serializes upsell appends against one order.
type AppendLock struct {
	Holder    string
	ExpiresAt time.Time
}

// Order is the persisted result of a confirmed payment.
type Order struct {
	ID         string
	Number     string
	DraftID    string
	FunnelID   string
	FunnelName string
	OfferID    string
	Status     OrderStatus
	Currency   string
	Contact    Contact
	Address    Address
	Lines      []OrderLine
	Fees       []FeeLine
	Shipping   *ShippingLine
	Payment    PaymentMeta
	Totals     OrderTotals
	Notes      []OrderNote
	Lock       *AppendLock
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// HasSKU reports whether any line already carries the SKU.
func (o Order) HasSKU(sku string) bool {
	for _, line := range o.Lines {
		if line.SKU == sku {
			return true
		}
	}
	return false
}

// FeesTotal sums all fee lines.
func (o Order) FeesTotal() decimal.Decimal {
	total := decimal.Zero
	for _, fee := range o.Fees {
		total = total.Add(fee.Amount)
	}
	return total
}

// OrderEventType names events published after order writes.
type OrderEventType string

const (
	OrderEventCreated        OrderEventType = "order.created"
	OrderEventUpsellAppended OrderEventType = "order.upsell_appended"
)

// OrderEvent is the message published for downstream fulfilment and analytics.
type OrderEvent struct {
	Type          OrderEventType `json:"type"`
	OrderID       string         `json:"orderId"`
	OrderNumber   string         `json:"orderNumber"`
	FunnelID      string         `json:"funnelId"`
	DraftID       string         `json:"draftId,omitempty"`
	Processor     string         `json:"processor"`
	Mode          string         `json:"mode"`
	TransactionID string         `json:"transactionId"`
	Currency      string         `json:"currency"`
	Amount        string         `json:"amount"`
	SKUs          []string       `json:"skus"`
	OccurredAt    time.Time      `json:"occurredAt"`
}
