package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/holisticpeople/funnel-checkout/internal/domain"
	"github.com/holisticpeople/funnel-checkout/internal/platform/telemetry"
	"github.com/holisticpeople/funnel-checkout/internal/pricing"
	"github.com/holisticpeople/funnel-checkout/internal/repositories"
)

const (
	orderIDPrefix     = "ord_"
	maxUpsellQuantity = 10
)

var adjustmentTolerance = decimal.New(1, -2)

// OrderAssemblerDeps wires the dependencies required by the order assembler.
type OrderAssemblerDeps struct {
	Orders    repositories.OrderRepository
	Numbers   OrderNumberIssuer
	Catalog   CatalogService
	Publisher OrderEventPublisher
	Metrics   *telemetry.CheckoutMetrics
	Clock     func() time.Time
	Logger    EventLogger
}

type orderAssembler struct {
	orders    repositories.OrderRepository
	numbers   OrderNumberIssuer
	catalog   CatalogService
	publisher OrderEventPublisher
	metrics   *telemetry.CheckoutMetrics
	now       func() time.Time
	logger    EventLogger
	policy    *bluemonday.Policy
}

var _ OrderAssembler = (*orderAssembler)(nil)

// NewOrderAssembler constructs an OrderAssembler validating required dependencies.
func NewOrderAssembler(deps OrderAssemblerDeps) (OrderAssembler, error) {
	if deps.Orders == nil {
		return nil, errors.New("order assembler: order repository is required")
	}
	if deps.Numbers == nil {
		return nil, errors.New("order assembler: order number issuer is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("order assembler: catalog service is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &orderAssembler{
		orders:    deps.Orders,
		numbers:   deps.Numbers,
		catalog:   deps.Catalog,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
		policy: bluemonday.StrictPolicy(),
	}, nil
}

// CreateFromDraft writes the order for a consumed draft. Lines, fees and totals come from the
// draft's priced snapshot so the order matches the amount charged.
func (a *orderAssembler) CreateFromDraft(ctx context.Context, draft domain.Draft, meta ProcessorMeta) (domain.Order, error) {
	if strings.TrimSpace(draft.ID) == "" {
		return domain.Order{}, invalidInput("draft id is required")
	}
	if strings.TrimSpace(meta.TransactionID) == "" {
		return domain.Order{}, invalidInput("transaction id is required")
	}

	number, err := a.numbers.Next(ctx)
	if err != nil {
		return domain.Order{}, fmt.Errorf("allocate order number: %w", err)
	}

	now := a.now()
	totals := draft.Totals
	currency := chooseFirstNonEmpty(totals.Currency, draft.Currency, pricing.DefaultCurrency)
	funnelName := a.sanitize(draft.FunnelName)

	order := domain.Order{
		ID:         newOrderID(),
		Number:     number,
		DraftID:    draft.ID,
		FunnelID:   draft.FunnelID,
		FunnelName: funnelName,
		OfferID:    draft.OfferID,
		Status:     domain.OrderStatusProcessing,
		Currency:   currency,
		Contact:    draft.Contact,
		Address:    draft.Address,
		Payment: domain.PaymentMeta{
			Processor:       firstSet(meta.Processor, draft.Processor),
			Mode:            firstSet(meta.Mode, draft.ProcessorMode),
			TransactionID:   meta.TransactionID,
			ChargeID:        meta.ChargeID,
			CustomerID:      chooseFirstNonEmpty(meta.CustomerID, draft.CustomerID),
			PaymentMethodID: meta.PaymentMethodID,
			PayerID:         meta.PayerID,
		},
		Totals: domain.OrderTotals{
			Subtotal:       totals.Subtotal,
			DiscountTotal:  totals.DiscountTotal,
			PointsDiscount: totals.PointsDiscount,
			PointsRedeemed: totals.PointsRedeemed,
			ShippingTotal:  totals.ShippingTotal,
			UpsellTotal:    decimal.Zero,
			GrandTotal:     totals.GrandTotal,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	linesTotal := decimal.Zero
	for _, line := range totals.Lines {
		if line.Quantity <= 0 {
			continue
		}
		order.Lines = append(order.Lines, domain.OrderLine{
			ID:                  newLineID(),
			SKU:                 line.SKU,
			Name:                chooseFirstNonEmpty(line.Label, line.Name, line.SKU),
			Quantity:            line.Quantity,
			RegularPrice:        line.RegularPrice,
			UnitPrice:           unitPriceOf(line, currency),
			Subtotal:            line.Subtotal,
			Total:               line.Total,
			ItemDiscountPercent: line.ItemDiscountPercent,
			ExcludeFromGlobal:   line.ExcludeFromGlobal,
			AddedAt:             now,
		})
		linesTotal = linesTotal.Add(line.Total)
	}
	if len(order.Lines) == 0 {
		return domain.Order{}, invalidInput("draft %s has no purchasable lines", draft.ID)
	}
	order.Fees = buildFees(totals, linesTotal)

	if rate := draft.SelectedRate; rate != nil || totals.FreeShipping {
		shippingLine := &domain.ShippingLine{Total: totals.ShippingTotal}
		if rate != nil {
			shippingLine.CarrierCode = rate.CarrierCode
			shippingLine.ServiceCode = rate.ServiceCode
			shippingLine.ServiceName = rate.ServiceName
		}
		if totals.FreeShipping && shippingLine.ServiceCode == "" {
			shippingLine.ServiceCode = domain.FreeShippingServiceCode
			shippingLine.ServiceName = freeShippingName
		}
		order.Shipping = shippingLine
	}

	order.Notes = append(order.Notes, domain.OrderNote{
		Message:   a.sanitize(fmt.Sprintf("Funnel: %s", chooseFirstNonEmpty(funnelName, draft.FunnelID))),
		CreatedAt: now,
	})
	if order.Payment.Mode == domain.ProcessorModeTest {
		order.Notes = append(order.Notes, domain.OrderNote{Message: "Paid with test credentials", CreatedAt: now})
	}

	var deduction *repositories.PointsDeduction
	if totals.PointsRedeemed > 0 && draft.Contact.Email != "" {
		deduction = &repositories.PointsDeduction{CustomerEmail: draft.Contact.Email, Points: totals.PointsRedeemed}
	}

	created, err := a.orders.Create(ctx, order, deduction)
	if err != nil {
		return domain.Order{}, fmt.Errorf("create order: %w", err)
	}

	grand, _ := created.Totals.GrandTotal.Float64()
	a.metrics.OrderCreated(ctx, created.FunnelID, string(created.Payment.Processor), grand)
	a.logger(ctx, "order.created", map[string]any{
		"orderId":       created.ID,
		"orderNumber":   created.Number,
		"draftId":       draft.ID,
		"funnelId":      created.FunnelID,
		"processor":     string(created.Payment.Processor),
		"transactionId": created.Payment.TransactionID,
		"grandTotal":    pricing.Format(created.Totals.GrandTotal, currency),
	})
	a.publish(ctx, orderEvent(domain.OrderEventCreated, created, created.Totals.GrandTotal, now))
	return created, nil
}

func (a *orderAssembler) AppendItems(ctx context.Context, orderID string, items []UpsellItem, charge UpsellCharge) (domain.Order, decimal.Decimal, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, decimal.Zero, invalidInput("order id is required")
	}
	if strings.TrimSpace(charge.TransactionID) == "" || strings.TrimSpace(charge.Holder) == "" {
		return domain.Order{}, decimal.Zero, invalidInput("upsell transaction and lock holder are required")
	}

	products, err := a.catalog.Products(ctx, upsellSKUs(items))
	if err != nil {
		return domain.Order{}, decimal.Zero, err
	}

	now := a.now()
	var (
		added    decimal.Decimal
		appended bool
	)
	updated, err := a.orders.Append(ctx, orderID, charge.Holder, func(order *domain.Order) error {
		priced, total, err := priceUpsellItems(items, products, order.Currency)
		if err != nil {
			return err
		}
		added = total
		if slices.Contains(order.Payment.UpsellTransactionIDs, charge.TransactionID) {
			return nil
		}
		names := make([]string, 0, len(priced))
		for _, p := range priced {
			order.Lines = append(order.Lines, domain.OrderLine{
				ID:                  newLineID(),
				SKU:                 p.Line.SKU,
				Name:                p.Product.Name,
				Quantity:            p.Line.Quantity,
				RegularPrice:        pricing.Round(p.RegularPrice, order.Currency),
				UnitPrice:           pricing.Round(p.FirstUnitPrice, order.Currency),
				Subtotal:            pricing.Round(p.Subtotal, order.Currency),
				Total:               pricing.Round(p.Total, order.Currency),
				ItemDiscountPercent: p.ItemDiscountPercent,
				Upsell:              true,
				UpsellTransactionID: charge.TransactionID,
				AddedAt:             now,
			})
			names = append(names, fmt.Sprintf("%s x%d", p.Product.Name, p.Line.Quantity))
		}
		appended = true
		order.Payment.UpsellTransactionIDs = append(order.Payment.UpsellTransactionIDs, charge.TransactionID)
		order.Totals.UpsellTotal = order.Totals.UpsellTotal.Add(total)
		order.Totals.GrandTotal = order.Totals.GrandTotal.Add(total)
		order.Notes = append(order.Notes, domain.OrderNote{
			Message: a.sanitize(fmt.Sprintf("One-click upsell: %s for %s (transaction %s)",
				strings.Join(names, ", "), pricing.Display(total, order.Currency), charge.TransactionID)),
			CreatedAt: now,
		})
		return nil
	})
	if err != nil {
		return domain.Order{}, decimal.Zero, err
	}
	if appended {
		a.logger(ctx, "order.upsell_appended", map[string]any{
			"orderId":       updated.ID,
			"transactionId": charge.TransactionID,
			"amount":        pricing.Format(added, updated.Currency),
		})
		event := orderEvent(domain.OrderEventUpsellAppended, updated, added, now)
		event.TransactionID = charge.TransactionID
		event.SKUs = upsellSKUsFor(updated, charge.TransactionID)
		a.publish(ctx, event)
	}
	return updated, added, nil
}

func (a *orderAssembler) publish(ctx context.Context, event domain.OrderEvent) {
	if a.publisher == nil {
		return
	}
	if _, err := a.publisher.PublishOrderEvent(ctx, event); err != nil {
		a.logger(ctx, "order.event_publish_failed", map[string]any{
			"orderId": event.OrderID,
			"type":    string(event.Type),
			"error":   err.Error(),
		})
	}
}

func (a *orderAssembler) sanitize(value string) string {
	return strings.TrimSpace(a.policy.Sanitize(value))
}

// buildFees itemises the difference between the summed line totals and the charged product
// total, plus the points credit.
func buildFees(totals domain.TotalsBreakdown, linesTotal decimal.Decimal) []domain.FeeLine {
	var fees []domain.FeeLine
	if totals.AdminOverride {
		diff := totals.ProductTotal.Sub(linesTotal)
		if diff.Abs().GreaterThan(adjustmentTolerance) {
			fee := domain.FeeLine{Kind: domain.FeeKindOfferSavings, Name: "Offer Savings", Amount: diff}
			if diff.IsPositive() {
				fee.Kind = domain.FeeKindPackageAdjustment
				fee.Name = "Package Adjustment"
			}
			fees = append(fees, fee)
		}
	} else {
		if totals.GlobalDiscount.IsPositive() {
			fees = append(fees, domain.FeeLine{
				Kind:   domain.FeeKindGlobalDiscount,
				Name:   fmt.Sprintf("Global discount (%s%%)", totals.GlobalDiscountPercent.String()),
				Amount: totals.GlobalDiscount.Neg(),
			})
		}
		if totals.OfferDiscount.IsPositive() {
			fees = append(fees, domain.FeeLine{
				Kind:   domain.FeeKindOfferSavings,
				Name:   "Offer Savings",
				Amount: totals.OfferDiscount.Neg(),
			})
		}
	}
	if totals.PointsDiscount.IsPositive() {
		fees = append(fees, domain.FeeLine{
			Kind:   domain.FeeKindPoints,
			Name:   "Points redemption",
			Amount: totals.PointsDiscount.Neg(),
			Points: totals.PointsRedeemed,
		})
	}
	return fees
}

// priceUpsellItems prices add-ons against current catalog prices with their item discount.
func priceUpsellItems(items []UpsellItem, products map[string]domain.Product, currency string) ([]pricing.PricedLine, decimal.Decimal, error) {
	if len(items) == 0 {
		return nil, decimal.Zero, invalidInput("items are required")
	}
	priced := make([]pricing.PricedLine, 0, len(items))
	total := decimal.Zero
	for _, item := range items {
		sku := strings.TrimSpace(item.SKU)
		product, ok := products[sku]
		if !ok {
			return nil, decimal.Zero, invalidInput("unknown sku %s", sku)
		}
		qty := item.Quantity
		if qty <= 0 {
			qty = 1
		}
		if qty > maxUpsellQuantity {
			return nil, decimal.Zero, invalidInput("%s quantity exceeds %d", sku, maxUpsellQuantity)
		}
		line := domain.CartLine{SKU: sku, Quantity: qty, ItemDiscountPercent: item.DiscountPercent}
		p := pricing.PriceLine(line, product)
		priced = append(priced, p)
		total = total.Add(pricing.Round(p.Total, currency))
	}
	return priced, total, nil
}

func upsellSKUs(items []UpsellItem) []string {
	skus := make([]string, 0, len(items))
	for _, item := range items {
		skus = append(skus, item.SKU)
	}
	return normalizeSKUs(skus)
}

func orderEvent(kind domain.OrderEventType, order domain.Order, amount decimal.Decimal, at time.Time) domain.OrderEvent {
	skus := make([]string, 0, len(order.Lines))
	for _, line := range order.Lines {
		if kind == domain.OrderEventUpsellAppended && !line.Upsell {
			continue
		}
		skus = append(skus, line.SKU)
	}
	return domain.OrderEvent{
		Type:          kind,
		OrderID:       order.ID,
		OrderNumber:   order.Number,
		FunnelID:      order.FunnelID,
		DraftID:       order.DraftID,
		Processor:     string(order.Payment.Processor),
		Mode:          string(order.Payment.Mode),
		TransactionID: order.Payment.TransactionID,
		Currency:      order.Currency,
		Amount:        pricing.Format(amount, order.Currency),
		SKUs:          skus,
		OccurredAt:    at,
	}
}

func upsellSKUsFor(order domain.Order, transactionID string) []string {
	var skus []string
	for _, line := range order.Lines {
		if line.Upsell && line.UpsellTransactionID == transactionID {
			skus = append(skus, line.SKU)
		}
	}
	return skus
}

func unitPriceOf(line domain.LineBreakdown, currency string) decimal.Decimal {
	if line.Quantity <= 0 {
		return line.UnitPrice
	}
	return pricing.Round(line.Total.Div(decimal.NewFromInt(int64(line.Quantity))), currency)
}

func firstSet[T ~string](values ...T) T {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func newOrderID() string {
	return orderIDPrefix + strings.ToLower(ulid.Make().String())
}

func newLineID() string {
	return "ln_" + strings.ToLower(ulid.Make().String())
}
