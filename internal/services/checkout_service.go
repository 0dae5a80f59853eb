package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/holisticpeople/funnel-checkout/internal/domain"
	"github.com/holisticpeople/funnel-checkout/internal/payments"
	"github.com/holisticpeople/funnel-checkout/internal/platform/telemetry"
	"github.com/holisticpeople/funnel-checkout/internal/pricing"
	"github.com/holisticpeople/funnel-checkout/internal/repositories"
)

const (
	defaultDraftTTL  = 2 * time.Hour
	defaultBrandName = "HolisticPeople"
)

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Funnels         FunnelService
	Catalog         CatalogService
	Shipping        ShippingService
	Drafts          repositories.DraftRepository
	Orders          repositories.OrderRepository
	Points          repositories.PointsRepository
	Cards           CardGateway
	Assembler       OrderAssembler
	Tokens          *UpsellTokens
	Metrics         *telemetry.CheckoutMetrics
	BrandName       string
	Currency        string
	PointsPerDollar int64
	DraftTTL        time.Duration
	Clock           func() time.Time
	Logger          EventLogger
}

type checkoutService struct {
	funnels   FunnelService
	catalog   CatalogService
	drafts    repositories.DraftRepository
	orders    repositories.OrderRepository
	cards     CardGateway
	assembler OrderAssembler
	tokens    *UpsellTokens
	metrics   *telemetry.CheckoutMetrics
	pricer    cartPricer
	brand     string
	draftTTL  time.Duration
	now       func() time.Time
	logger    EventLogger
}

var _ CheckoutService = (*checkoutService)(nil)

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Funnels == nil {
		return nil, errors.New("checkout service: funnel service is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("checkout service: catalog service is required")
	}
	if deps.Drafts == nil {
		return nil, errors.New("checkout service: draft repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order repository is required")
	}
	if deps.Cards == nil {
		return nil, errors.New("checkout service: card gateway is required")
	}
	if deps.Assembler == nil {
		return nil, errors.New("checkout service: order assembler is required")
	}
	if deps.Tokens == nil {
		return nil, errors.New("checkout service: upsell token signer is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	ttl := deps.DraftTTL
	if ttl <= 0 {
		ttl = defaultDraftTTL
	}

	return &checkoutService{
		funnels:   deps.Funnels,
		catalog:   deps.Catalog,
		drafts:    deps.Drafts,
		orders:    deps.Orders,
		cards:     deps.Cards,
		assembler: deps.Assembler,
		tokens:    deps.Tokens,
		metrics:   deps.Metrics,
		pricer:    newCartPricer(deps.Catalog, deps.Points, deps.Shipping, deps.Currency, deps.PointsPerDollar),
		brand:     chooseFirstNonEmpty(strings.TrimSpace(deps.BrandName), defaultBrandName),
		draftTTL:  ttl,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func newCartPricer(catalog CatalogService, points repositories.PointsRepository, shipping ShippingService, currency string, pointsPerDollar int64) cartPricer {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = pricing.DefaultCurrency
	}
	if pointsPerDollar <= 0 {
		pointsPerDollar = pricing.DefaultPointsPerDollar
	}
	return cartPricer{catalog: catalog, points: points, shipping: shipping, currency: currency, pointsPerDollar: pointsPerDollar}
}

// Totals prices the cart for display. It does not gate on the funnel mode.
func (s *checkoutService) Totals(ctx context.Context, cmd CartCommand) (domain.TotalsBreakdown, error) {
	funnel, err := s.funnels.Config(ctx, cmd.FunnelID)
	if err != nil {
		return domain.TotalsBreakdown{}, err
	}
	cart, err := s.pricer.price(ctx, funnel, cmd)
	if err != nil {
		return domain.TotalsBreakdown{}, err
	}
	return cart.totals, nil
}

// CreateIntent snapshots the checkout into a draft and opens a card payment intent for it.
func (s *checkoutService) CreateIntent(ctx context.Context, cmd CartCommand) (IntentResult, error) {
	if err := validateCheckout(cmd); err != nil {
		return IntentResult{}, err
	}
	funnel, err := s.funnels.Resolve(ctx, cmd.FunnelID)
	if err != nil {
		return IntentResult{}, err
	}
	cart, err := s.pricer.price(ctx, funnel.Config, cmd)
	if err != nil {
		return IntentResult{}, err
	}
	if err := requireChargeable(cart.totals); err != nil {
		return IntentResult{}, err
	}

	contact := normalizeContact(cmd.Contact)
	callCtx, done := observeGateway(ctx, s.metrics, "stripe", "ensure_customer")
	customerID, err := s.cards.EnsureCustomer(callCtx, funnel.Mode, contact.Email, contact.FullName())
	done(err)
	if err != nil {
		return IntentResult{}, err
	}

	draft := newDraft(funnel, cart, cmd, domain.ProcessorCard)
	draft.CustomerID = customerID
	draft.ExpiresAt = s.now().Add(s.draftTTL)
	draft, err = s.drafts.Create(ctx, draft)
	if err != nil {
		return IntentResult{}, fmt.Errorf("create draft: %w", err)
	}

	callCtx, done = observeGateway(ctx, s.metrics, "stripe", "create_intent")
	intent, err := s.cards.CreateIntent(callCtx, funnel.Mode, payments.IntentRequest{
		AmountMinor:       cart.totals.AmountMinor,
		Currency:          cart.totals.Currency,
		CustomerID:        customerID,
		Description:       s.description(funnel.Config),
		ReceiptEmail:      contact.Email,
		SaveForOffSession: true,
		Metadata: map[string]string{
			"order_draft_id": draft.ID,
			"funnel_id":      funnel.Config.ID,
			"funnel_name":    funnel.Config.Name,
		},
		IdempotencyKey: "draft:" + draft.ID,
	})
	done(err)
	if err != nil {
		s.discardDraft(ctx, draft.ID, err)
		return IntentResult{}, err
	}
	if err := s.drafts.AttachCorrelation(ctx, draft.ID, intent.ID); err != nil {
		s.discardDraft(ctx, draft.ID, err)
		return IntentResult{}, fmt.Errorf("attach intent to draft: %w", err)
	}

	publishable, err := s.cards.PublishableKey(funnel.Mode)
	if err != nil {
		return IntentResult{}, err
	}

	s.metrics.IntentCreated(ctx, funnel.Config.ID, string(domain.ProcessorCard), string(funnel.Mode))
	s.logger(ctx, "checkout.intent_created", map[string]any{
		"draftId":     draft.ID,
		"intentId":    intent.ID,
		"funnelId":    funnel.Config.ID,
		"mode":        string(funnel.Mode),
		"amountMinor": cart.totals.AmountMinor,
	})

	return IntentResult{
		ClientSecret:   intent.ClientSecret,
		PublishableKey: publishable,
		DraftID:        draft.ID,
		IntentID:       intent.ID,
		AmountMinor:    cart.totals.AmountMinor,
		Amount:         cart.totals.GrandTotal,
		Currency:       cart.totals.Currency,
		Totals:         cart.totals,
	}, nil
}

// Complete turns a draft whose intent succeeded into an order. The draft claim guarantees one
// order per draft; once consumed the draft is gone and later calls report not found.
func (s *checkoutService) Complete(ctx context.Context, cmd CompleteCommand) (CompletionResult, error) {
	draftID := strings.TrimSpace(cmd.DraftID)
	intentID := strings.TrimSpace(cmd.IntentID)
	if draftID == "" || intentID == "" {
		return CompletionResult{}, invalidInput("draft id and payment intent id are required")
	}

	draft, found, err := s.drafts.Get(ctx, draftID)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("load draft: %w", err)
	}
	if !found {
		return CompletionResult{}, fmt.Errorf("%w: draft %s", ErrCheckoutNotFound, draftID)
	}
	if draft.CorrelationID != intentID {
		return CompletionResult{}, fmt.Errorf("%w: payment intent does not belong to draft", ErrCheckoutForbidden)
	}

	callCtx, done := observeGateway(ctx, s.metrics, "stripe", "get_intent")
	intent, err := s.cards.GetIntent(callCtx, draft.ProcessorMode, intentID)
	done(err)
	if err != nil {
		return CompletionResult{}, err
	}
	if intent.Status != payments.IntentSucceeded {
		s.metrics.PaymentFailed(ctx, string(domain.ProcessorCard), string(intent.Status))
		return CompletionResult{}, fmt.Errorf("%w: intent status %s", ErrPaymentNotSucceeded, intent.Status)
	}
	if intent.AmountMinor != draft.AmountMinor {
		s.metrics.PaymentFailed(ctx, string(domain.ProcessorCard), "amount_mismatch")
		s.logger(ctx, "checkout.amount_mismatch", map[string]any{
			"draftId":      draft.ID,
			"intentId":     intent.ID,
			"draftAmount":  draft.AmountMinor,
			"intentAmount": intent.AmountMinor,
		})
		return CompletionResult{}, fmt.Errorf("%w: intent amount %d does not match draft amount %d", ErrPaymentNotSucceeded, intent.AmountMinor, draft.AmountMinor)
	}

	claimed, err := s.drafts.Claim(ctx, draftID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return CompletionResult{}, fmt.Errorf("%w: draft %s already consumed", ErrCheckoutNotFound, draftID)
		}
		return CompletionResult{}, fmt.Errorf("claim draft: %w", err)
	}

	order, err := s.assembler.CreateFromDraft(ctx, claimed, ProcessorMeta{
		Processor:       domain.ProcessorCard,
		Mode:            claimed.ProcessorMode,
		TransactionID:   intent.ID,
		ChargeID:        intent.LatestChargeID,
		CustomerID:      chooseFirstNonEmpty(intent.CustomerID, claimed.CustomerID),
		PaymentMethodID: intent.PaymentMethodID,
	})
	if err != nil {
		if releaseErr := s.drafts.Release(ctx, draftID); releaseErr != nil {
			err = errors.Join(err, releaseErr)
		}
		s.logger(ctx, "checkout.assembly_failed", map[string]any{
			"draftId":  draftID,
			"intentId": intent.ID,
			"chargeId": intent.LatestChargeID,
			"error":    err.Error(),
		})
		return CompletionResult{}, err
	}

	if err := s.drafts.Delete(ctx, draftID); err != nil {
		s.logger(ctx, "checkout.draft_delete_failed", map[string]any{"draftId": draftID, "error": err.Error()})
	}
	description := fmt.Sprintf("%s - Order %s", s.description(funnelOf(claimed)), order.Number)
	if err := s.cards.UpdateDescription(ctx, claimed.ProcessorMode, intent.ID, description); err != nil {
		s.logger(ctx, "checkout.description_failed", map[string]any{"intentId": intent.ID, "error": err.Error()})
	}
	return s.completion(order)
}

func (s *checkoutService) OrderSummary(ctx context.Context, query OrderSummaryQuery) (OrderSummary, error) {
	orderID := strings.TrimSpace(query.OrderID)
	txn := strings.TrimSpace(query.TransactionID)
	var (
		order domain.Order
		err   error
	)
	switch {
	case orderID != "":
		order, err = s.orders.Get(ctx, orderID)
	case txn != "":
		order, err = s.orders.FindByTransactionID(ctx, txn)
	default:
		return OrderSummary{}, invalidInput("order_id or pi_id is required")
	}
	if err != nil {
		if repositories.IsNotFound(err) {
			return OrderSummary{}, fmt.Errorf("%w: order", ErrCheckoutNotFound)
		}
		return OrderSummary{}, err
	}
	if txn != "" && order.Payment.TransactionID != txn {
		return OrderSummary{}, fmt.Errorf("%w: invalid authorization", ErrCheckoutForbidden)
	}
	summary := buildSummary(order)
	s.attachImages(ctx, &summary)
	return summary, nil
}

func (s *checkoutService) attachImages(ctx context.Context, summary *OrderSummary) {
	skus := make([]string, 0, len(summary.Items))
	for _, item := range summary.Items {
		skus = append(skus, item.SKU)
	}
	prices, err := s.catalog.Prices(ctx, skus)
	if err != nil {
		s.logger(ctx, "checkout.summary_images_failed", map[string]any{"orderId": summary.OrderID, "error": err.Error()})
		return
	}
	images := make(map[string]string, len(prices))
	for _, price := range prices {
		images[price.SKU] = price.ImageURL
	}
	for i := range summary.Items {
		summary.Items[i].ImageURL = images[summary.Items[i].SKU]
	}
}

func (s *checkoutService) completion(order domain.Order) (CompletionResult, error) {
	token, err := s.tokens.Issue(order.ID, order.Payment.TransactionID)
	if err != nil {
		return CompletionResult{}, err
	}
	return CompletionResult{
		OrderID:       order.ID,
		OrderNumber:   order.Number,
		TransactionID: order.Payment.TransactionID,
		UpsellToken:   token,
		Order:         order,
	}, nil
}

func (s *checkoutService) discardDraft(ctx context.Context, draftID string, cause error) {
	if err := s.drafts.Delete(ctx, draftID); err != nil {
		s.logger(ctx, "checkout.draft_delete_failed", map[string]any{"draftId": draftID, "error": err.Error()})
	}
	s.logger(ctx, "checkout.intent_failed", map[string]any{"draftId": draftID, "error": cause.Error()})
}

func (s *checkoutService) description(funnel domain.FunnelConfig) string {
	return fmt.Sprintf("%s - %s", s.brand, chooseFirstNonEmpty(funnel.Name, funnel.ID))
}

func funnelOf(draft domain.Draft) domain.FunnelConfig {
	return domain.FunnelConfig{ID: draft.FunnelID, Name: draft.FunnelName}
}

func buildSummary(order domain.Order) OrderSummary {
	summary := OrderSummary{
		OrderID:        order.ID,
		OrderNumber:    order.Number,
		Status:         order.Status,
		Currency:       order.Currency,
		FeesTotal:      order.FeesTotal(),
		PointsRedeemed: order.Totals.PointsRedeemed,
		PointsValue:    order.Totals.PointsDiscount,
		ShippingTotal:  order.Totals.ShippingTotal,
		UpsellTotal:    order.Totals.UpsellTotal,
		GrandTotal:     order.Totals.GrandTotal,
	}
	discount := decimal.Zero
	for _, line := range order.Lines {
		summary.Items = append(summary.Items, OrderSummaryItem{
			SKU:      line.SKU,
			Name:     line.Name,
			Quantity: line.Quantity,
			Price:    line.UnitPrice,
			Subtotal: line.Subtotal,
			Total:    line.Total,
			Upsell:   line.Upsell,
		})
		discount = discount.Add(line.Subtotal.Sub(line.Total))
	}
	for _, fee := range order.Fees {
		if fee.Kind != domain.FeeKindPoints && fee.Amount.IsNegative() {
			discount = discount.Add(fee.Amount.Abs())
		}
	}
	summary.ItemsDiscount = pricing.Round(discount, order.Currency)
	return summary
}
