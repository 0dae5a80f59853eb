package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/holisticpeople/funnel-checkout/internal/domain"
	"github.com/holisticpeople/funnel-checkout/internal/services"
)

type stubCheckoutService struct {
	totalsFunc   func(ctx context.Context, cmd services.CartCommand) (domain.TotalsBreakdown, error)
	intentFunc   func(ctx context.Context, cmd services.CartCommand) (services.IntentResult, error)
	completeFunc func(ctx context.Context, cmd services.CompleteCommand) (services.CompletionResult, error)
	summaryFunc  func(ctx context.Context, query services.OrderSummaryQuery) (services.OrderSummary, error)
	intentCalls  int
}

func (s *stubCheckoutService) Totals(ctx context.Context, cmd services.CartCommand) (domain.TotalsBreakdown, error) {
	if s.totalsFunc != nil {
		return s.totalsFunc(ctx, cmd)
	}
	return domain.TotalsBreakdown{Currency: "USD"}, nil
}

func (s *stubCheckoutService) CreateIntent(ctx context.Context, cmd services.CartCommand) (services.IntentResult, error) {
	s.intentCalls++
	if s.intentFunc != nil {
		return s.intentFunc(ctx, cmd)
	}
	return services.IntentResult{ClientSecret: "pi_1_secret", IntentID: "pi_1", DraftID: "drf_1"}, nil
}

func (s *stubCheckoutService) Complete(ctx context.Context, cmd services.CompleteCommand) (services.CompletionResult, error) {
	if s.completeFunc != nil {
		return s.completeFunc(ctx, cmd)
	}
	return services.CompletionResult{}, nil
}

func (s *stubCheckoutService) OrderSummary(ctx context.Context, query services.OrderSummaryQuery) (services.OrderSummary, error) {
	if s.summaryFunc != nil {
		return s.summaryFunc(ctx, query)
	}
	return services.OrderSummary{}, nil
}

type stubShippingService struct {
	ratesFunc func(ctx context.Context, cmd services.RatesCommand) ([]domain.ShippingRate, error)
}

func (s *stubShippingService) Rates(ctx context.Context, cmd services.RatesCommand) ([]domain.ShippingRate, error) {
	if s.ratesFunc != nil {
		return s.ratesFunc(ctx, cmd)
	}
	return nil, nil
}

func (s *stubShippingService) Quote(_ context.Context, _ services.RatesCommand, selected domain.ShippingRate) (domain.ShippingRate, error) {
	return selected, nil
}

type stubUpsellService struct {
	chargeFunc func(ctx context.Context, cmd services.UpsellChargeCommand) (services.UpsellResult, error)
	offersFunc func(ctx context.Context, query services.UpsellOffersQuery) ([]services.UpsellOfferView, error)
}

func (s *stubUpsellService) Charge(ctx context.Context, cmd services.UpsellChargeCommand) (services.UpsellResult, error) {
	if s.chargeFunc != nil {
		return s.chargeFunc(ctx, cmd)
	}
	return services.UpsellResult{}, nil
}

func (s *stubUpsellService) Offers(ctx context.Context, query services.UpsellOffersQuery) ([]services.UpsellOfferView, error) {
	if s.offersFunc != nil {
		return s.offersFunc(ctx, query)
	}
	return nil, nil
}

type stubWalletService struct {
	createFunc  func(ctx context.Context, cmd services.CartCommand) (services.WalletOrderResult, error)
	captureFunc func(ctx context.Context, cmd services.CaptureCommand) (services.CompletionResult, error)
}

func (s *stubWalletService) CreateOrder(ctx context.Context, cmd services.CartCommand) (services.WalletOrderResult, error) {
	if s.createFunc != nil {
		return s.createFunc(ctx, cmd)
	}
	return services.WalletOrderResult{}, nil
}

func (s *stubWalletService) CaptureOrder(ctx context.Context, cmd services.CaptureCommand) (services.CompletionResult, error) {
	if s.captureFunc != nil {
		return s.captureFunc(ctx, cmd)
	}
	return services.CompletionResult{}, nil
}

type stubCatalogService struct {
	pricesFunc func(ctx context.Context, skus []string) ([]services.ProductPrice, error)
}

func (s *stubCatalogService) Prices(ctx context.Context, skus []string) ([]services.ProductPrice, error) {
	if s.pricesFunc != nil {
		return s.pricesFunc(ctx, skus)
	}
	out := make([]services.ProductPrice, 0, len(skus))
	for _, sku := range skus {
		out = append(out, services.ProductPrice{SKU: sku, Price: decimal.NewFromInt(10), Currency: "USD", Active: true})
	}
	return out, nil
}

func (s *stubCatalogService) Products(context.Context, []string) (map[string]domain.Product, error) {
	return map[string]domain.Product{}, nil
}

type stubFunnelService struct {
	statusFunc func(ctx context.Context, funnelID string) (services.FunnelStatus, error)
}

func (s *stubFunnelService) Resolve(context.Context, string) (services.ActiveFunnel, error) {
	return services.ActiveFunnel{}, nil
}

func (s *stubFunnelService) Config(context.Context, string) (domain.FunnelConfig, error) {
	return domain.FunnelConfig{}, nil
}

func (s *stubFunnelService) Status(ctx context.Context, funnelID string) (services.FunnelStatus, error) {
	if s.statusFunc != nil {
		return s.statusFunc(ctx, funnelID)
	}
	return services.FunnelStatus{FunnelID: funnelID}, nil
}

var (
	_ services.CheckoutService       = (*stubCheckoutService)(nil)
	_ services.ShippingService       = (*stubShippingService)(nil)
	_ services.UpsellService         = (*stubUpsellService)(nil)
	_ services.WalletCheckoutService = (*stubWalletService)(nil)
	_ services.CatalogService        = (*stubCatalogService)(nil)
	_ services.FunnelService         = (*stubFunnelService)(nil)
)

func serve(t *testing.T, routes RouteRegistrar, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	router := chi.NewRouter()
	routes(router)
	return serveRequest(router, method, target, body, nil)
}

func serveRequest(h http.Handler, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}
