package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/holisticpeople/funnel-checkout/internal/domain"
	"github.com/holisticpeople/funnel-checkout/internal/payments"
	"github.com/holisticpeople/funnel-checkout/internal/repositories/memory"
	"github.com/holisticpeople/funnel-checkout/internal/shipping"
)

var fixedNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func decPtr(v string) *decimal.Decimal {
	d := dec(v)
	return &d
}

func fixedClock() time.Time { return fixedNow }

type testEnv struct {
	store     *memory.Store
	funnels   FunnelService
	catalog   CatalogService
	numbers   OrderNumberIssuer
	assembler OrderAssembler
	shipping  ShippingService
	rates     *stubRates
	tokens    *UpsellTokens
	publisher *stubPublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.NewStore(memory.WithClock(fixedClock))
	store.PutProduct(domain.Product{SKU: "SKU-A", Name: "Alpha Greens", RegularPrice: dec("40"), WeightOunces: dec("8"), ImageURL: "https://cdn.example.com/a.png", Active: true})
	store.PutProduct(domain.Product{SKU: "SKU-B", Name: "Beta Drops", RegularPrice: dec("25"), SalePrice: decPtr("20"), WeightOunces: dec("2"), Active: true})
	store.PutProduct(domain.Product{SKU: "SKU-UP", Name: "Booster", RegularPrice: dec("30"), WeightOunces: dec("4"), ImageURL: "https://cdn.example.com/up.png", Active: true})
	store.PutProduct(domain.Product{SKU: "SKU-EXTRA", Name: "Extra", RegularPrice: dec("10"), Active: true})
	store.PutFunnel(testFunnel())

	funnels, err := NewFunnelService(FunnelServiceDeps{Funnels: store.Funnels(), Clock: fixedClock})
	if err != nil {
		t.Fatalf("funnel service: %v", err)
	}
	catalog, err := NewCatalogService(CatalogServiceDeps{Products: store.Products(), Currency: "USD"})
	if err != nil {
		t.Fatalf("catalog service: %v", err)
	}
	numbers, err := NewOrderNumberIssuer(OrderNumberDeps{Sequences: store.Sequences()})
	if err != nil {
		t.Fatalf("order numbers: %v", err)
	}
	publisher := &stubPublisher{}
	assembler, err := NewOrderAssembler(OrderAssemblerDeps{
		Orders:    store.Orders(),
		Numbers:   numbers,
		Catalog:   catalog,
		Publisher: publisher,
		Clock:     fixedClock,
	})
	if err != nil {
		t.Fatalf("order assembler: %v", err)
	}
	rates := &stubRates{fn: func(_ context.Context, req shipping.RateRequest) ([]domain.ShippingRate, error) {
		if req.CarrierCode != "stamps_com" {
			return nil, nil
		}
		return []domain.ShippingRate{testRate()}, nil
	}}
	shippingSvc, err := NewShippingService(ShippingServiceDeps{Rates: rates, Catalog: catalog, Funnels: funnels, Clock: fixedClock})
	if err != nil {
		t.Fatalf("shipping service: %v", err)
	}
	tokens, err := NewUpsellTokens("test-secret", time.Hour, fixedClock)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	return &testEnv{
		store:     store,
		funnels:   funnels,
		catalog:   catalog,
		numbers:   numbers,
		assembler: assembler,
		shipping:  shippingSvc,
		rates:     rates,
		tokens:    tokens,
		publisher: publisher,
	}
}

func testFunnel() domain.FunnelConfig {
	return domain.FunnelConfig{
		ID:          "summer",
		Name:        "Summer Sale",
		Mode:        domain.FunnelModeTest,
		RedirectURL: "https://example.com/closed",
		Offers: []domain.Offer{
			{
				ID:    "single-a",
				Kind:  domain.OfferKindSingle,
				Lines: []domain.CartLine{{SKU: "SKU-A", Quantity: 1, MinQuantity: 1, MaxQuantity: 10}},
			},
			{
				ID:   "bundle",
				Kind: domain.OfferKindFixedBundle,
				Lines: []domain.CartLine{
					{SKU: "SKU-A", Quantity: 2},
					{SKU: "SKU-B", Quantity: 1},
				},
				AdminTotalOverride: decPtr("90"),
			},
		},
		UpsellOffers: []domain.UpsellOffer{
			{SKU: "SKU-UP", Headline: "Add a booster", Quantity: 1, DiscountPercent: dec("20")},
		},
	}
}

func testContact() domain.Contact {
	return domain.Contact{Email: "Buyer@Example.com", FirstName: "Ada", LastName: "Lovelace"}
}

func testAddress() domain.Address {
	return domain.Address{FirstName: "Ada", LastName: "Lovelace", Line1: "1 Main St", City: "Austin", State: "TX", PostalCode: "78701", Country: "US"}
}

func testRate() domain.ShippingRate {
	return domain.ShippingRate{CarrierCode: "stamps_com", ServiceCode: "usps_priority", ServiceName: "USPS Priority", ShipmentCost: dec("5.99")}
}

func testCart() CartCommand {
	rate := testRate()
	return CartCommand{
		FunnelID:     "summer",
		OfferID:      "single-a",
		Lines:        []domain.CartLine{{SKU: "SKU-A", Quantity: 2}},
		Contact:      testContact(),
		Address:      testAddress(),
		SelectedRate: &rate,
	}
}

type stubCards struct {
	mu sync.Mutex

	ensureCustomerFn func(ctx context.Context, mode domain.ProcessorMode, email, name string) (string, error)
	createIntentFn   func(ctx context.Context, mode domain.ProcessorMode, req payments.IntentRequest) (payments.Intent, error)
	getIntentFn      func(ctx context.Context, mode domain.ProcessorMode, id string) (payments.Intent, error)
	chargeFn         func(ctx context.Context, mode domain.ProcessorMode, req payments.OffSessionRequest) (payments.Intent, error)
	resolvePMFn      func(ctx context.Context, mode domain.ProcessorMode, customerID, preferred string) (string, error)

	intents      []payments.IntentRequest
	charges      []payments.OffSessionRequest
	descriptions map[string]string
}

func (s *stubCards) EnsureCustomer(ctx context.Context, mode domain.ProcessorMode, email, name string) (string, error) {
	if s.ensureCustomerFn != nil {
		return s.ensureCustomerFn(ctx, mode, email, name)
	}
	return "cus_test", nil
}

func (s *stubCards) CreateIntent(ctx context.Context, mode domain.ProcessorMode, req payments.IntentRequest) (payments.Intent, error) {
	s.mu.Lock()
	s.intents = append(s.intents, req)
	s.mu.Unlock()
	if s.createIntentFn != nil {
		return s.createIntentFn(ctx, mode, req)
	}
	return payments.Intent{
		ID:           "pi_123",
		ClientSecret: "pi_123_secret",
		Status:       payments.IntentRequiresPaymentMethod,
		AmountMinor:  req.AmountMinor,
		Currency:     req.Currency,
		CustomerID:   req.CustomerID,
	}, nil
}

func (s *stubCards) GetIntent(ctx context.Context, mode domain.ProcessorMode, id string) (payments.Intent, error) {
	if s.getIntentFn != nil {
		return s.getIntentFn(ctx, mode, id)
	}
	return payments.Intent{ID: id, Status: payments.IntentSucceeded, AmountMinor: s.lastIntentAmount(), CustomerID: "cus_test", PaymentMethodID: "pm_card", LatestChargeID: "ch_1"}, nil
}

func (s *stubCards) lastIntentAmount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.intents) == 0 {
		return 0
	}
	return s.intents[len(s.intents)-1].AmountMinor
}

func (s *stubCards) UpdateDescription(_ context.Context, _ domain.ProcessorMode, id, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.descriptions == nil {
		s.descriptions = map[string]string{}
	}
	s.descriptions[id] = description
	return nil
}

func (s *stubCards) ChargeOffSession(ctx context.Context, mode domain.ProcessorMode, req payments.OffSessionRequest) (payments.Intent, error) {
	s.mu.Lock()
	s.charges = append(s.charges, req)
	s.mu.Unlock()
	if s.chargeFn != nil {
		return s.chargeFn(ctx, mode, req)
	}
	return payments.Intent{ID: "pi_upsell", Status: payments.IntentSucceeded, AmountMinor: req.AmountMinor, LatestChargeID: "ch_upsell"}, nil
}

func (s *stubCards) ResolvePaymentMethod(ctx context.Context, mode domain.ProcessorMode, customerID, preferred string) (string, error) {
	if s.resolvePMFn != nil {
		return s.resolvePMFn(ctx, mode, customerID, preferred)
	}
	if preferred != "" {
		return preferred, nil
	}
	return "pm_default", nil
}

func (s *stubCards) PublishableKey(mode domain.ProcessorMode) (string, error) {
	return "pk_" + string(mode), nil
}

func (s *stubCards) chargeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.charges)
}

type stubWallet struct {
	createFn  func(ctx context.Context, mode domain.ProcessorMode, req payments.WalletOrderRequest) (payments.WalletOrder, error)
	captureFn func(ctx context.Context, mode domain.ProcessorMode, orderID string) (payments.WalletCapture, error)
	refunded  []string
}

func (s *stubWallet) CreateOrder(ctx context.Context, mode domain.ProcessorMode, req payments.WalletOrderRequest) (payments.WalletOrder, error) {
	if s.createFn != nil {
		return s.createFn(ctx, mode, req)
	}
	return payments.WalletOrder{ID: "PAYPAL-1", Status: "CREATED", ApproveURL: "https://paypal.example/approve"}, nil
}

func (s *stubWallet) CaptureOrder(ctx context.Context, mode domain.ProcessorMode, orderID string) (payments.WalletCapture, error) {
	if s.captureFn != nil {
		return s.captureFn(ctx, mode, orderID)
	}
	return payments.WalletCapture{OrderID: orderID, Status: "COMPLETED", CaptureID: "CAP-1", PayerID: "PAYER-1"}, nil
}

func (s *stubWallet) RefundCapture(_ context.Context, _ domain.ProcessorMode, captureID string) error {
	s.refunded = append(s.refunded, captureID)
	return nil
}

type stubRates struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, req shipping.RateRequest) ([]domain.ShippingRate, error)
}

func (s *stubRates) GetRates(ctx context.Context, req shipping.RateRequest) ([]domain.ShippingRate, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.fn(ctx, req)
}

type stubPublisher struct {
	mu     sync.Mutex
	events []domain.OrderEvent
}

func (s *stubPublisher) PublishOrderEvent(_ context.Context, event domain.OrderEvent) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return "msg-1", nil
}

func (s *stubPublisher) types() []domain.OrderEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.OrderEventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}
