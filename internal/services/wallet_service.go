package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/holisticpeople/funnel-checkout/internal/domain"
	"github.com/holisticpeople/funnel-checkout/internal/payments"
	"github.com/holisticpeople/funnel-checkout/internal/platform/telemetry"
	"github.com/holisticpeople/funnel-checkout/internal/pricing"
	"github.com/holisticpeople/funnel-checkout/internal/repositories"
)

// WalletCheckoutServiceDeps wires the dependencies required by the wallet checkout service.
type WalletCheckoutServiceDeps struct {
	Funnels         FunnelService
	Catalog         CatalogService
	Shipping        ShippingService
	Drafts          repositories.DraftRepository
	Points          repositories.PointsRepository
	Wallet          WalletGateway
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

type walletCheckoutService struct {
	funnels   FunnelService
	drafts    repositories.DraftRepository
	wallet    WalletGateway
	assembler OrderAssembler
	tokens    *UpsellTokens
	metrics   *telemetry.CheckoutMetrics
	pricer    cartPricer
	brand     string
	draftTTL  time.Duration
	now       func() time.Time
	logger    EventLogger
}

var _ WalletCheckoutService = (*walletCheckoutService)(nil)

// NewWalletCheckoutService constructs a WalletCheckoutService validating required dependencies.
func NewWalletCheckoutService(deps WalletCheckoutServiceDeps) (WalletCheckoutService, error) {
	if deps.Funnels == nil {
		return nil, errors.New("wallet checkout service: funnel service is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("wallet checkout service: catalog service is required")
	}
	if deps.Drafts == nil {
		return nil, errors.New("wallet checkout service: draft repository is required")
	}
	if deps.Wallet == nil {
		return nil, errors.New("wallet checkout service: wallet gateway is required")
	}
	if deps.Assembler == nil {
		return nil, errors.New("wallet checkout service: order assembler is required")
	}
	if deps.Tokens == nil {
		return nil, errors.New("wallet checkout service: upsell token signer is required")
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

	return &walletCheckoutService{
		funnels:   deps.Funnels,
		drafts:    deps.Drafts,
		wallet:    deps.Wallet,
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

// CreateOrder snapshots the checkout into a draft and opens a wallet order the buyer approves
// on the processor's site.
func (s *walletCheckoutService) CreateOrder(ctx context.Context, cmd CartCommand) (WalletOrderResult, error) {
	if err := validateCheckout(cmd); err != nil {
		return WalletOrderResult{}, err
	}
	funnel, err := s.funnels.Resolve(ctx, cmd.FunnelID)
	if err != nil {
		return WalletOrderResult{}, err
	}
	cart, err := s.pricer.price(ctx, funnel.Config, cmd)
	if err != nil {
		return WalletOrderResult{}, err
	}
	if err := requireChargeable(cart.totals); err != nil {
		return WalletOrderResult{}, err
	}

	draft := newDraft(funnel, cart, cmd, domain.ProcessorWallet)
	draft.ExpiresAt = s.now().Add(s.draftTTL)
	draft, err = s.drafts.Create(ctx, draft)
	if err != nil {
		return WalletOrderResult{}, fmt.Errorf("create draft: %w", err)
	}

	callCtx, done := observeGateway(ctx, s.metrics, "paypal", "create_order")
	order, err := s.wallet.CreateOrder(callCtx, funnel.Mode, payments.WalletOrderRequest{
		DraftID:     draft.ID,
		Amount:      pricing.Format(cart.totals.GrandTotal, cart.totals.Currency),
		Currency:    cart.totals.Currency,
		Description: fmt.Sprintf("%s - %s", s.brand, chooseFirstNonEmpty(funnel.Config.Name, funnel.Config.ID)),
		Locale:      cmd.Locale,
	})
	done(err)
	if err != nil {
		s.discardDraft(ctx, draft.ID, err)
		return WalletOrderResult{}, err
	}
	if err := s.drafts.AttachCorrelation(ctx, draft.ID, order.ID); err != nil {
		s.discardDraft(ctx, draft.ID, err)
		return WalletOrderResult{}, fmt.Errorf("attach wallet order to draft: %w", err)
	}

	s.metrics.IntentCreated(ctx, funnel.Config.ID, string(domain.ProcessorWallet), string(funnel.Mode))
	s.logger(ctx, "wallet.order_created", map[string]any{
		"draftId":       draft.ID,
		"walletOrderId": order.ID,
		"funnelId":      funnel.Config.ID,
		"mode":          string(funnel.Mode),
	})

	return WalletOrderResult{
		WalletOrderID: order.ID,
		ApproveURL:    order.ApproveURL,
		DraftID:       draft.ID,
		Amount:        cart.totals.GrandTotal,
		Currency:      cart.totals.Currency,
	}, nil
}

// CaptureOrder captures an approved wallet order and assembles the order. If assembly fails
// after money moved, the capture is refunded.
func (s *walletCheckoutService) CaptureOrder(ctx context.Context, cmd CaptureCommand) (CompletionResult, error) {
	walletOrderID := strings.TrimSpace(cmd.WalletOrderID)
	if walletOrderID == "" {
		return CompletionResult{}, invalidInput("wallet order id is required")
	}

	draft, found, err := s.drafts.FindByCorrelationID(ctx, walletOrderID)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("load draft: %w", err)
	}
	if !found {
		return CompletionResult{}, fmt.Errorf("%w: no draft for wallet order %s", ErrCheckoutNotFound, walletOrderID)
	}

	claimed, err := s.drafts.Claim(ctx, draft.ID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return CompletionResult{}, fmt.Errorf("%w: draft %s already consumed", ErrCheckoutNotFound, draft.ID)
		}
		return CompletionResult{}, fmt.Errorf("claim draft: %w", err)
	}

	callCtx, done := observeGateway(ctx, s.metrics, "paypal", "capture_order")
	capture, err := s.wallet.CaptureOrder(callCtx, claimed.ProcessorMode, walletOrderID)
	done(err)
	if err != nil {
		s.release(ctx, claimed.ID)
		var outcome *payments.ChargeOutcomeError
		if errors.As(err, &outcome) {
			s.metrics.PaymentFailed(ctx, string(domain.ProcessorWallet), string(outcome.Outcome))
			return CompletionResult{}, fmt.Errorf("%w: %v", ErrPaymentNotSucceeded, err)
		}
		return CompletionResult{}, err
	}
	if !capture.Completed() {
		s.release(ctx, claimed.ID)
		s.metrics.PaymentFailed(ctx, string(domain.ProcessorWallet), strings.ToLower(capture.Status))
		return CompletionResult{}, fmt.Errorf("%w: capture status %s", ErrPaymentNotSucceeded, capture.Status)
	}

	order, err := s.assembler.CreateFromDraft(ctx, claimed, ProcessorMeta{
		Processor:     domain.ProcessorWallet,
		Mode:          claimed.ProcessorMode,
		TransactionID: capture.CaptureID,
		ChargeID:      walletOrderID,
		PayerID:       capture.PayerID,
		PayerEmail:    capture.PayerEmail,
	})
	if err != nil {
		refundErr := s.wallet.RefundCapture(ctx, claimed.ProcessorMode, capture.CaptureID)
		fields := map[string]any{
			"draftId":       claimed.ID,
			"walletOrderId": walletOrderID,
			"captureId":     capture.CaptureID,
			"error":         err.Error(),
			"refunded":      refundErr == nil,
		}
		if refundErr != nil {
			fields["refundError"] = refundErr.Error()
		}
		s.logger(ctx, "wallet.assembly_failed", fields)
		s.release(ctx, claimed.ID)
		return CompletionResult{}, err
	}

	if err := s.drafts.Delete(ctx, claimed.ID); err != nil {
		s.logger(ctx, "wallet.draft_delete_failed", map[string]any{"draftId": claimed.ID, "error": err.Error()})
	}
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

func (s *walletCheckoutService) release(ctx context.Context, draftID string) {
	if err := s.drafts.Release(ctx, draftID); err != nil {
		s.logger(ctx, "wallet.draft_release_failed", map[string]any{"draftId": draftID, "error": err.Error()})
	}
}

func (s *walletCheckoutService) discardDraft(ctx context.Context, draftID string, cause error) {
	if err := s.drafts.Delete(ctx, draftID); err != nil {
		s.logger(ctx, "wallet.draft_delete_failed", map[string]any{"draftId": draftID, "error": err.Error()})
	}
	s.logger(ctx, "wallet.order_failed", map[string]any{"draftId": draftID, "error": cause.Error()})
}
