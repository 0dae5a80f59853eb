package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/holisticpeople/funnel-checkout/internal/domain"
	"github.com/holisticpeople/funnel-checkout/internal/payments"
	"github.com/holisticpeople/funnel-checkout/internal/platform/telemetry"
	"github.com/holisticpeople/funnel-checkout/internal/pricing"
	"github.com/holisticpeople/funnel-checkout/internal/repositories"
)

const (
	defaultUpsellLockTTL = 2 * time.Minute
	maxUpsellItems       = 10
)

var hundred = decimal.NewFromInt(100)

// UpsellServiceDeps wires the dependencies required by the upsell service.
type UpsellServiceDeps struct {
	Orders    repositories.OrderRepository
	Funnels   FunnelService
	Catalog   CatalogService
	Cards     CardGateway
	Assembler OrderAssembler
	Tokens    *UpsellTokens
	Metrics   *telemetry.CheckoutMetrics
	BrandName string
	LockTTL   time.Duration
	Clock     func() time.Time
	Logger    EventLogger
}

type upsellService struct {
	orders    repositories.OrderRepository
	funnels   FunnelService
	catalog   CatalogService
	cards     CardGateway
	assembler OrderAssembler
	tokens    *UpsellTokens
	metrics   *telemetry.CheckoutMetrics
	brand     string
	lockTTL   time.Duration
	now       func() time.Time
	logger    EventLogger
}

var _ UpsellService = (*upsellService)(nil)

// NewUpsellService constructs an UpsellService validating required dependencies.
func NewUpsellService(deps UpsellServiceDeps) (UpsellService, error) {
	if deps.Orders == nil {
		return nil, errors.New("upsell service: order repository is required")
	}
	if deps.Funnels == nil {
		return nil, errors.New("upsell service: funnel service is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("upsell service: catalog service is required")
	}
	if deps.Cards == nil {
		return nil, errors.New("upsell service: card gateway is required")
	}
	if deps.Assembler == nil {
		return nil, errors.New("upsell service: order assembler is required")
	}
	if deps.Tokens == nil {
		return nil, errors.New("upsell service: upsell token signer is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	lockTTL := deps.LockTTL
	if lockTTL <= 0 {
		lockTTL = defaultUpsellLockTTL
	}

	return &upsellService{
		orders:    deps.Orders,
		funnels:   deps.Funnels,
		catalog:   deps.Catalog,
		cards:     deps.Cards,
		assembler: deps.Assembler,
		tokens:    deps.Tokens,
		metrics:   deps.Metrics,
		brand:     chooseFirstNonEmpty(strings.TrimSpace(deps.BrandName), defaultBrandName),
		lockTTL:   lockTTL,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Charge bills the saved card of the parent order off-session and appends the items to it.
// The token is verified before any processor call.
func (s *upsellService) Charge(ctx context.Context, cmd UpsellChargeCommand) (UpsellResult, error) {
	if strings.TrimSpace(cmd.ParentOrderID) == "" {
		return UpsellResult{}, invalidInput("parent order id is required")
	}
	if len(cmd.Items) == 0 {
		return UpsellResult{}, invalidInput("items are required")
	}
	if len(cmd.Items) > maxUpsellItems {
		return UpsellResult{}, invalidInput("at most %d upsell items", maxUpsellItems)
	}

	order, err := s.authorizedOrder(ctx, cmd.ParentOrderID, cmd.Token)
	if err != nil {
		return UpsellResult{}, err
	}
	if order.Payment.Processor != domain.ProcessorCard {
		return UpsellResult{}, invalidInput("one-click upsell requires an order paid by card")
	}
	customerID := strings.TrimSpace(order.Payment.CustomerID)
	if customerID == "" {
		return UpsellResult{}, invalidInput("order has no saved customer")
	}
	mode := order.Payment.Mode

	paymentMethod, err := s.cards.ResolvePaymentMethod(ctx, mode, customerID, order.Payment.PaymentMethodID)
	if err != nil {
		if errors.Is(err, payments.ErrNoPaymentMethod) {
			return UpsellResult{}, invalidInput("no saved payment method for order %s", order.ID)
		}
		return UpsellResult{}, err
	}

	funnel, err := s.funnelFor(ctx, order.FunnelID)
	if err != nil {
		return UpsellResult{}, err
	}
	items, err := resolveUpsellItems(funnel, cmd.Items)
	if err != nil {
		return UpsellResult{}, err
	}
	products, err := s.catalog.Products(ctx, upsellSKUs(items))
	if err != nil {
		return UpsellResult{}, err
	}
	_, total, err := priceUpsellItems(items, products, order.Currency)
	if err != nil {
		return UpsellResult{}, err
	}
	amountMinor := pricing.ToMinor(total, order.Currency)
	if amountMinor <= 0 {
		return UpsellResult{}, invalidInput("upsell amount must be greater than zero")
	}

	holder := strings.ToLower(ulid.Make().String())
	if err := s.orders.AcquireAppendLock(ctx, order.ID, holder, s.lockTTL, s.now()); err != nil {
		if repositories.IsConflict(err) {
			return UpsellResult{}, fmt.Errorf("%w: order %s", ErrUpsellInProgress, order.ID)
		}
		return UpsellResult{}, fmt.Errorf("acquire append lock: %w", err)
	}
	defer func() {
		if err := s.orders.ReleaseAppendLock(context.WithoutCancel(ctx), order.ID, holder); err != nil {
			s.logger(ctx, "upsell.lock_release_failed", map[string]any{"orderId": order.ID, "error": err.Error()})
		}
	}()

	callCtx, done := observeGateway(ctx, s.metrics, "stripe", "charge_off_session")
	intent, err := s.cards.ChargeOffSession(callCtx, mode, payments.OffSessionRequest{
		AmountMinor:     amountMinor,
		Currency:        order.Currency,
		CustomerID:      customerID,
		PaymentMethodID: paymentMethod,
		Description:     fmt.Sprintf("%s - Order %s upsell", s.brand, order.Number),
		Metadata: map[string]string{
			"parent_order_id": order.ID,
			"order_number":    order.Number,
			"funnel_id":       order.FunnelID,
		},
		IdempotencyKey: upsellIdempotencyKey(order.ID, items),
	})
	done(err)
	if err != nil {
		var outcome *payments.ChargeOutcomeError
		if errors.As(err, &outcome) {
			s.metrics.UpsellCharged(ctx, order.FunnelID, string(outcome.Outcome))
			s.metrics.PaymentFailed(ctx, string(domain.ProcessorCard), string(outcome.Outcome))
			return UpsellResult{}, fmt.Errorf("%w: %w", ErrPaymentNotSucceeded, err)
		}
		s.metrics.UpsellCharged(ctx, order.FunnelID, "error")
		return UpsellResult{}, err
	}
	if intent.Status != payments.IntentSucceeded {
		s.metrics.UpsellCharged(ctx, order.FunnelID, string(intent.Status))
		return UpsellResult{}, fmt.Errorf("%w: intent status %s", ErrPaymentNotSucceeded, intent.Status)
	}

	updated, added, err := s.assembler.AppendItems(ctx, order.ID, items, UpsellCharge{
		TransactionID: intent.ID,
		ChargeID:      intent.LatestChargeID,
		Holder:        holder,
	})
	if err != nil {
		s.logger(ctx, "upsell.append_failed", map[string]any{
			"orderId":     order.ID,
			"intentId":    intent.ID,
			"amountMinor": amountMinor,
			"error":       err.Error(),
		})
		s.metrics.UpsellCharged(ctx, order.FunnelID, "append_failed")
		return UpsellResult{}, err
	}
	if !added.Equal(total) {
		s.logger(ctx, "upsell.amount_mismatch", map[string]any{
			"orderId":  order.ID,
			"intentId": intent.ID,
			"charged":  pricing.Format(total, order.Currency),
			"appended": pricing.Format(added, order.Currency),
		})
	}

	description := fmt.Sprintf("%s - Order %s upsell (%s)", s.brand, updated.Number, strings.Join(upsellSKUs(items), ", "))
	if err := s.cards.UpdateDescription(ctx, mode, intent.ID, description); err != nil {
		s.logger(ctx, "upsell.description_failed", map[string]any{"intentId": intent.ID, "error": err.Error()})
	}

	s.metrics.UpsellCharged(ctx, order.FunnelID, "succeeded")
	s.logger(ctx, "upsell.charged", map[string]any{
		"orderId":  order.ID,
		"intentId": intent.ID,
		"amount":   pricing.Format(total, order.Currency),
	})

	return UpsellResult{
		OrderID:       updated.ID,
		TransactionID: intent.ID,
		Amount:        total,
		Currency:      updated.Currency,
		Order:         updated,
	}, nil
}

// Offers lists the funnel's upsells that the order does not already contain.
func (s *upsellService) Offers(ctx context.Context, query UpsellOffersQuery) ([]UpsellOfferView, error) {
	if strings.TrimSpace(query.OrderID) == "" {
		return nil, invalidInput("order id is required")
	}
	order, err := s.authorizedOrder(ctx, query.OrderID, query.Token)
	if err != nil {
		return nil, err
	}
	funnel, err := s.funnelFor(ctx, order.FunnelID)
	if err != nil {
		return nil, err
	}

	var candidates []domain.UpsellOffer
	for _, offer := range funnel.UpsellOffers {
		if offer.SKU != "" && !order.HasSKU(offer.SKU) {
			candidates = append(candidates, offer)
		}
	}
	if len(candidates) == 0 {
		return []UpsellOfferView{}, nil
	}
	skus := make([]string, 0, len(candidates))
	for _, offer := range candidates {
		skus = append(skus, offer.SKU)
	}
	prices, err := s.catalog.Prices(ctx, skus)
	if err != nil {
		return nil, err
	}
	bySKU := make(map[string]ProductPrice, len(prices))
	for _, price := range prices {
		bySKU[price.SKU] = price
	}

	views := make([]UpsellOfferView, 0, len(candidates))
	for _, offer := range candidates {
		price, ok := bySKU[offer.SKU]
		if !ok || !price.Active {
			continue
		}
		pct := clampPercent(offer.DiscountPercent)
		views = append(views, UpsellOfferView{
			SKU:             offer.SKU,
			Name:            price.Name,
			Headline:        offer.Headline,
			Description:     offer.Description,
			ImageURL:        price.ImageURL,
			Quantity:        max(offer.Quantity, 1),
			RegularPrice:    price.Price,
			OfferPrice:      pricing.Round(price.Price.Mul(hundred.Sub(pct)).Div(hundred), order.Currency),
			DiscountPercent: pct,
			Currency:        order.Currency,
		})
	}
	return views, nil
}

func (s *upsellService) authorizedOrder(ctx context.Context, orderID, token string) (domain.Order, error) {
	order, err := s.orders.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.Order{}, fmt.Errorf("%w: order %s", ErrCheckoutNotFound, orderID)
		}
		return domain.Order{}, err
	}
	if err := s.tokens.Verify(token, order.ID, order.Payment.TransactionID); err != nil {
		s.logger(ctx, "upsell.unauthorized", map[string]any{"orderId": order.ID, "error": err.Error()})
		return domain.Order{}, err
	}
	return order, nil
}

// funnelFor loads the parent order's funnel. A funnel removed after purchase has no configured
// upsells; its mode is not checked because the order was already paid.
func (s *upsellService) funnelFor(ctx context.Context, funnelID string) (domain.FunnelConfig, error) {
	funnel, err := s.funnels.Config(ctx, funnelID)
	if err != nil {
		if errors.Is(err, ErrCheckoutNotFound) {
			return domain.FunnelConfig{ID: funnelID}, nil
		}
		return domain.FunnelConfig{}, err
	}
	return funnel, nil
}

// resolveUpsellItems prices each item from the funnel's configured upsell offers. Only the
// advertised SKUs can be charged and the configured discount always applies.
func resolveUpsellItems(funnel domain.FunnelConfig, items []UpsellItem) ([]UpsellItem, error) {
	configured := make(map[string]domain.UpsellOffer, len(funnel.UpsellOffers))
	for _, offer := range funnel.UpsellOffers {
		configured[offer.SKU] = offer
	}
	out := make([]UpsellItem, 0, len(items))
	for _, item := range items {
		item.SKU = strings.TrimSpace(item.SKU)
		if item.SKU == "" {
			return nil, invalidInput("item sku is required")
		}
		if item.Quantity < 0 {
			return nil, invalidInput("%s quantity must not be negative", item.SKU)
		}
		offer, ok := configured[item.SKU]
		if !ok {
			return nil, invalidInput("%s is not an upsell offer of funnel %s", item.SKU, funnel.ID)
		}
		pct := clampPercent(offer.DiscountPercent)
		item.DiscountPercent = &pct
		if item.Quantity == 0 {
			item.Quantity = offer.Quantity
		}
		if item.Quantity <= 0 {
			item.Quantity = 1
		}
		out = append(out, item)
	}
	return out, nil
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

// upsellIdempotencyKey is stable for the same order and item selection, so a resubmitted click
// reuses the processor's earlier charge.
func upsellIdempotencyKey(orderID string, items []UpsellItem) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		pct := "0"
		if item.DiscountPercent != nil {
			pct = item.DiscountPercent.String()
		}
		parts = append(parts, fmt.Sprintf("%s:%d:%s", item.SKU, item.Quantity, pct))
	}
	slices.Sort(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return fmt.Sprintf("upsell:%s:%s", orderID, hex.EncodeToString(sum[:8]))
}
