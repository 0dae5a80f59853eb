package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/holisticpeople/funnel-checkout/internal/domain"
	"github.com/holisticpeople/funnel-checkout/internal/payments"
)

func newTestCheckoutService(t *testing.T, env *testEnv, cards *stubCards) CheckoutService {
	t.Helper()
	svc, err := NewCheckoutService(CheckoutServiceDeps{
		Funnels:   env.funnels,
		Catalog:   env.catalog,
		Shipping:  env.shipping,
		Drafts:    env.store.Drafts(),
		Orders:    env.store.Orders(),
		Points:    env.store.Points(),
		Cards:     cards,
		Assembler: env.assembler,
		Tokens:    env.tokens,
		BrandName: "Acme",
		Clock:     fixedClock,
	})
	if err != nil {
		t.Fatalf("checkout service: %v", err)
	}
	return svc
}

func TestNewCheckoutServiceRequiresDependencies(t *testing.T) {
	if _, err := NewCheckoutService(CheckoutServiceDeps{}); err == nil {
		t.Fatal("expected error for missing dependencies")
	}
}

func TestCheckoutCreateIntentSnapshotsDraft(t *testing.T) {
	env := newTestEnv(t)
	cards := &stubCards{}
	svc := newTestCheckoutService(t, env, cards)

	result, err := svc.CreateIntent(context.Background(), testCart())
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if result.AmountMinor != 8599 {
		t.Fatalf("expected 8599 minor units, got %d", result.AmountMinor)
	}
	if result.PublishableKey != "pk_test" || result.ClientSecret != "pi_123_secret" {
		t.Fatalf("unexpected browser payload %+v", result)
	}
	if len(cards.intents) != 1 {
		t.Fatalf("expected one intent request, got %d", len(cards.intents))
	}
	req := cards.intents[0]
	if req.IdempotencyKey != "draft:"+result.DraftID {
		t.Fatalf("unexpected idempotency key %q", req.IdempotencyKey)
	}
	if !req.SaveForOffSession || req.CustomerID != "cus_test" {
		t.Fatalf("expected saved card for customer, got %+v", req)
	}
	if req.Metadata["order_draft_id"] != result.DraftID || req.Metadata["funnel_id"] != "summer" {
		t.Fatalf("unexpected metadata %+v", req.Metadata)
	}
	if req.Description != "Acme - Summer Sale" {
		t.Fatalf("unexpected description %q", req.Description)
	}

	draft, found, err := env.store.Drafts().Get(context.Background(), result.DraftID)
	if err != nil || !found {
		t.Fatalf("expected stored draft, found=%v err=%v", found, err)
	}
	if draft.CorrelationID != "pi_123" || draft.ProcessorMode != domain.ProcessorModeTest {
		t.Fatalf("unexpected draft correlation %+v", draft)
	}
	if draft.Contact.Email != "buyer@example.com" {
		t.Fatalf("expected normalised email, got %q", draft.Contact.Email)
	}
	if !draft.ExpiresAt.After(fixedNow) {
		t.Fatalf("expected expiry after now, got %s", draft.ExpiresAt)
	}
}

func TestCheckoutCompleteCreatesExactlyOneOrder(t *testing.T) {
	env := newTestEnv(t)
	cards := &stubCards{}
	svc := newTestCheckoutService(t, env, cards)
	ctx := context.Background()

	intent, err := svc.CreateIntent(ctx, testCart())
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	cmd := CompleteCommand{DraftID: intent.DraftID, IntentID: intent.IntentID}

	first, err := svc.Complete(ctx, cmd)
	if err != nil {
		t.Fatalf("first complete: %v", err)
	}
	if first.OrderNumber != "FC-000001" {
		t.Fatalf("unexpected order number %q", first.OrderNumber)
	}
	if !first.Order.Totals.GrandTotal.Equal(dec("85.99")) {
		t.Fatalf("unexpected grand total %s", first.Order.Totals.GrandTotal)
	}
	if first.Order.Payment.PaymentMethodID != "pm_card" || first.Order.Payment.ChargeID != "ch_1" {
		t.Fatalf("unexpected payment meta %+v", first.Order.Payment)
	}
	if err := env.tokens.Verify(first.UpsellToken, first.OrderID, "pi_123"); err != nil {
		t.Fatalf("expected valid upsell token: %v", err)
	}
	if got := cards.descriptions["pi_123"]; got != "Acme - Summer Sale - Order FC-000001" {
		t.Fatalf("unexpected intent description %q", got)
	}

	_, err = svc.Complete(ctx, cmd)
	if !errors.Is(err, ErrCheckoutNotFound) {
		t.Fatalf("expected not found on second complete, got %v", err)
	}

	next, err := env.numbers.Next(ctx)
	if err != nil {
		t.Fatalf("next order number: %v", err)
	}
	if next != "FC-000002" {
		t.Fatalf("expected one order number consumed, next is %q", next)
	}
	if types := env.publisher.types(); len(types) != 1 || types[0] != domain.OrderEventCreated {
		t.Fatalf("expected one order.created event, got %v", types)
	}
}

func TestCheckoutConcurrentCompleteHasOneWinner(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestCheckoutService(t, env, &stubCards{})
	ctx := context.Background()

	intent, err := svc.CreateIntent(ctx, testCart())
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		notFound  int
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Complete(ctx, CompleteCommand{DraftID: intent.DraftID, IntentID: intent.IntentID})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrCheckoutNotFound):
				notFound++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 || notFound != callers-1 {
		t.Fatalf("expected 1 success and %d not found, got %d and %d", callers-1, successes, notFound)
	}
}

func TestCheckoutCreateIntentRejectsDisabledFunnel(t *testing.T) {
	env := newTestEnv(t)
	funnel := testFunnel()
	funnel.Mode = domain.FunnelModeOff
	env.store.PutFunnel(funnel)
	cards := &stubCards{}
	svc := newTestCheckoutService(t, env, cards)

	_, err := svc.CreateIntent(context.Background(), testCart())
	var disabled *FunnelDisabledError
	if !errors.As(err, &disabled) {
		t.Fatalf("expected funnel disabled error, got %v", err)
	}
	if disabled.RedirectURL != "https://example.com/closed" {
		t.Fatalf("unexpected redirect %q", disabled.RedirectURL)
	}
	if len(cards.intents) != 0 {
		t.Fatal("expected no processor call for a disabled funnel")
	}
}

func TestCheckoutCreateIntentFailureDiscardsDraft(t *testing.T) {
	env := newTestEnv(t)
	var draftID string
	cards := &stubCards{
		createIntentFn: func(_ context.Context, _ domain.ProcessorMode, req payments.IntentRequest) (payments.Intent, error) {
			draftID = req.Metadata["order_draft_id"]
			return payments.Intent{}, &payments.GatewayError{Processor: "stripe", Op: "create_intent", Message: "boom"}
		},
	}
	svc := newTestCheckoutService(t, env, cards)

	if _, err := svc.CreateIntent(context.Background(), testCart()); err == nil {
		t.Fatal("expected processor error")
	}
	if draftID == "" {
		t.Fatal("expected draft id in metadata")
	}
	if _, found, _ := env.store.Drafts().Get(context.Background(), draftID); found {
		t.Fatal("expected draft to be deleted after intent failure")
	}
}

func TestCheckoutCreateIntentRequiresShippingRate(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestCheckoutService(t, env, &stubCards{})
	cmd := testCart()
	cmd.SelectedRate = nil

	if _, err := svc.CreateIntent(context.Background(), cmd); !errors.Is(err, ErrCheckoutInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestCheckoutCreateIntentRejectsForeignSKU(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestCheckoutService(t, env, &stubCards{})
	cmd := testCart()
	cmd.Lines = append(cmd.Lines, domain.CartLine{SKU: "SKU-EXTRA", Quantity: 1})

	if _, err := svc.CreateIntent(context.Background(), cmd); !errors.Is(err, ErrCheckoutInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestCheckoutCompleteRequiresSucceededIntent(t *testing.T) {
	env := newTestEnv(t)
	status := payments.IntentRequiresAction
	cards := &stubCards{
		getIntentFn: func(_ context.Context, _ domain.ProcessorMode, id string) (payments.Intent, error) {
			return payments.Intent{ID: id, Status: status, AmountMinor: 8599, LatestChargeID: "ch_1"}, nil
		},
	}
	svc := newTestCheckoutService(t, env, cards)
	ctx := context.Background()

	intent, err := svc.CreateIntent(ctx, testCart())
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	cmd := CompleteCommand{DraftID: intent.DraftID, IntentID: intent.IntentID}
	if _, err := svc.Complete(ctx, cmd); !errors.Is(err, ErrPaymentNotSucceeded) {
		t.Fatalf("expected payment not succeeded, got %v", err)
	}

	status = payments.IntentSucceeded
	if _, err := svc.Complete(ctx, cmd); err != nil {
		t.Fatalf("expected draft to remain completable: %v", err)
	}
}

func TestCheckoutCompleteRejectsForeignIntent(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestCheckoutService(t, env, &stubCards{})
	ctx := context.Background()

	intent, err := svc.CreateIntent(ctx, testCart())
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	_, err = svc.Complete(ctx, CompleteCommand{DraftID: intent.DraftID, IntentID: "pi_other"})
	if !errors.Is(err, ErrCheckoutForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestCheckoutCompleteDeductsRedeemedPoints(t *testing.T) {
	env := newTestEnv(t)
	env.store.SetPoints("buyer@example.com", 120)
	svc := newTestCheckoutService(t, env, &stubCards{})
	ctx := context.Background()

	cmd := testCart()
	cmd.PointsToRedeem = 500
	intent, err := svc.CreateIntent(ctx, cmd)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if intent.Totals.PointsRedeemed != 120 || !intent.Totals.PointsDiscount.Equal(dec("12")) {
		t.Fatalf("expected redemption clamped to balance, got %d / %s", intent.Totals.PointsRedeemed, intent.Totals.PointsDiscount)
	}

	done, err := svc.Complete(ctx, CompleteCommand{DraftID: intent.DraftID, IntentID: intent.IntentID})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	balance, err := env.store.Points().Balance(ctx, "buyer@example.com")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("expected balance 0, got %d", balance)
	}
	var pointsFee *domain.FeeLine
	for i := range done.Order.Fees {
		if done.Order.Fees[i].Kind == domain.FeeKindPoints {
			pointsFee = &done.Order.Fees[i]
		}
	}
	if pointsFee == nil || pointsFee.Points != 120 || !pointsFee.Amount.Equal(dec("-12")) {
		t.Fatalf("unexpected points fee %+v", pointsFee)
	}
}

func TestCheckoutTotalsDoesNotRequireShipping(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestCheckoutService(t, env, &stubCards{})
	cmd := testCart()
	cmd.SelectedRate = nil
	cmd.Contact = domain.Contact{}

	totals, err := svc.Totals(context.Background(), cmd)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if !totals.ShippingPending {
		t.Fatal("expected shipping to be pending")
	}
	if !totals.GrandTotal.Equal(dec("80")) {
		t.Fatalf("unexpected grand total %s", totals.GrandTotal)
	}
}

func TestCheckoutOrderSummaryChecksTransaction(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestCheckoutService(t, env, &stubCards{})
	ctx := context.Background()

	intent, err := svc.CreateIntent(ctx, testCart())
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	done, err := svc.Complete(ctx, CompleteCommand{DraftID: intent.DraftID, IntentID: intent.IntentID})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	if _, err := svc.OrderSummary(ctx, OrderSummaryQuery{OrderID: done.OrderID, TransactionID: "pi_other"}); !errors.Is(err, ErrCheckoutForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	summary, err := svc.OrderSummary(ctx, OrderSummaryQuery{TransactionID: "pi_123"})
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.OrderID != done.OrderID || len(summary.Items) != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	item := summary.Items[0]
	if item.ImageURL != "https://cdn.example.com/a.png" || item.Quantity != 2 || !item.Price.Equal(dec("40")) {
		t.Fatalf("unexpected summary item %+v", item)
	}
	if !summary.ShippingTotal.Equal(dec("5.99")) || !summary.GrandTotal.Equal(dec("85.99")) {
		t.Fatalf("unexpected summary totals %+v", summary)
	}

	if _, err := svc.OrderSummary(ctx, OrderSummaryQuery{}); !errors.Is(err, ErrCheckoutInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestCheckoutCreateIntentIgnoresClientLinePricing(t *testing.T) {
	env := newTestEnv(t)
	cards := &stubCards{}
	svc := newTestCheckoutService(t, env, cards)

	cmd := testCart()
	cmd.OfferID = ""
	cmd.Lines = []domain.CartLine{{
		SKU:                         "SKU-A",
		Quantity:                    5,
		Role:                        domain.LineRoleMust,
		MinQuantity:                 1,
		UnitPriceOverride:           decPtr("0.01"),
		SubsequentUnitPriceOverride: decPtr("0.01"),
		ItemDiscountPercent:         decPtr("99"),
	}}

	result, err := svc.CreateIntent(context.Background(), cmd)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if result.AmountMinor != 20599 || cards.intents[0].AmountMinor != 20599 {
		t.Fatalf("expected catalog pricing of 20599, got %d", result.AmountMinor)
	}
}

func TestCheckoutCreateIntentChargesQuotedShipping(t *testing.T) {
	cases := []struct {
		name   string
		rate   domain.ShippingRate
		amount int64
		err    error
	}{
		{name: "tampered cost", rate: domain.ShippingRate{CarrierCode: "stamps_com", ServiceCode: "usps_priority", ShipmentCost: dec("0.01")}, amount: 8599},
		{name: "case differs", rate: domain.ShippingRate{CarrierCode: "STAMPS_COM", ServiceCode: "USPS_Priority"}, amount: 8599},
		{name: "free sentinel", rate: domain.ShippingRate{ServiceCode: domain.FreeShippingServiceCode, ShipmentCost: dec("30")}, err: ErrCheckoutInvalidInput},
		{name: "never quoted", rate: domain.ShippingRate{CarrierCode: "ups_walleted", ServiceCode: "ups_ground", ShipmentCost: dec("1")}, err: ErrCheckoutInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			cards := &stubCards{}
			svc := newTestCheckoutService(t, env, cards)
			cmd := testCart()
			cmd.SelectedRate = &tc.rate

			result, err := svc.CreateIntent(context.Background(), cmd)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("expected %v, got %v", tc.err, err)
				}
				if len(cards.intents) != 0 {
					t.Fatal("expected no processor call")
				}
				return
			}
			if err != nil {
				t.Fatalf("create intent: %v", err)
			}
			if result.AmountMinor != tc.amount || !result.Totals.ShippingTotal.Equal(dec("5.99")) {
				t.Fatalf("expected quoted shipping, got %d %s", result.AmountMinor, result.Totals.ShippingTotal)
			}
			draft, _, err := env.store.Drafts().Get(context.Background(), result.DraftID)
			if err != nil {
				t.Fatalf("get draft: %v", err)
			}
			if draft.SelectedRate == nil || draft.SelectedRate.ServiceName != "USPS Priority" {
				t.Fatalf("expected the quoted rate on the draft, got %+v", draft.SelectedRate)
			}
		})
	}
}

func TestCheckoutCreateIntentFreeShippingCountry(t *testing.T) {
	env := newTestEnv(t)
	funnel := testFunnel()
	funnel.FreeShippingCountries = []string{"CA"}
	env.store.PutFunnel(funnel)
	cards := &stubCards{}
	svc := newTestCheckoutService(t, env, cards)

	cmd := testCart()
	cmd.Address.Country = "CA"
	cmd.SelectedRate = &domain.ShippingRate{ServiceCode: domain.FreeShippingServiceCode}
	result, err := svc.CreateIntent(context.Background(), cmd)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if result.AmountMinor != 8000 || !result.Totals.FreeShipping {
		t.Fatalf("expected free shipping, got %d %+v", result.AmountMinor, result.Totals)
	}
	if env.rates.calls != 0 {
		t.Fatalf("expected no carrier call for a free-shipping country, got %d", env.rates.calls)
	}
}

func TestCheckoutCreateIntentWithoutRateProvider(t *testing.T) {
	env := newTestEnv(t)
	svc, err := NewCheckoutService(CheckoutServiceDeps{
		Funnels:   env.funnels,
		Catalog:   env.catalog,
		Drafts:    env.store.Drafts(),
		Orders:    env.store.Orders(),
		Cards:     &stubCards{},
		Assembler: env.assembler,
		Tokens:    env.tokens,
		Clock:     fixedClock,
	})
	if err != nil {
		t.Fatalf("checkout service: %v", err)
	}
	if _, err := svc.CreateIntent(context.Background(), testCart()); !errors.Is(err, ErrCheckoutUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestCheckoutCompleteRejectsAmountMismatch(t *testing.T) {
	env := newTestEnv(t)
	cards := &stubCards{
		getIntentFn: func(_ context.Context, _ domain.ProcessorMode, id string) (payments.Intent, error) {
			return payments.Intent{ID: id, Status: payments.IntentSucceeded, AmountMinor: 100, LatestChargeID: "ch_1"}, nil
		},
	}
	svc := newTestCheckoutService(t, env, cards)
	ctx := context.Background()

	intent, err := svc.CreateIntent(ctx, testCart())
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	_, err = svc.Complete(ctx, CompleteCommand{DraftID: intent.DraftID, IntentID: intent.IntentID})
	if !errors.Is(err, ErrPaymentNotSucceeded) {
		t.Fatalf("expected payment not succeeded, got %v", err)
	}
	if _, found, _ := env.store.Drafts().Get(ctx, intent.DraftID); !found {
		t.Fatal("expected draft to stay unclaimed")
	}
	if types := env.publisher.types(); len(types) != 0 {
		t.Fatalf("expected no order events, got %v", types)
	}
}
