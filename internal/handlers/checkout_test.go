package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/holisticpeople/funnel-checkout/internal/domain"
	"github.com/holisticpeople/funnel-checkout/internal/payments"
	"github.com/holisticpeople/funnel-checkout/internal/platform/idempotency"
	"github.com/holisticpeople/funnel-checkout/internal/services"
)

const cartBody = `{
	"funnel_id": "summer",
	"offer_id": "single-a",
	"items": [{"sku": " SKU-A ", "quantity": 2}],
	"contact": {"email": "buyer@example.com", "first_name": "Ada"},
	"address": {"line1": "1 Main St", "city": "Austin", "postal_code": "78701", "country": "us"},
	"selected_rate": {"carrier_code": "stamps_com", "service_code": "usps_priority", "shipment_cost": 5.99},
	"points_to_redeem": 50
}`

func checkoutRoutes(checkout services.CheckoutService, shipping services.ShippingService) RouteRegistrar {
	return NewCheckoutHandlers(checkout, shipping, nil).Routes
}

func TestCheckoutCreateIntentMapsRequest(t *testing.T) {
	var captured services.CartCommand
	svc := &stubCheckoutService{
		intentFunc: func(_ context.Context, cmd services.CartCommand) (services.IntentResult, error) {
			captured = cmd
			return services.IntentResult{
				ClientSecret:   "pi_9_secret",
				PublishableKey: "pk_test",
				DraftID:        "drf_9",
				IntentID:       "pi_9",
				AmountMinor:    8599,
				Amount:         decimal.RequireFromString("85.99"),
				Currency:       "USD",
				Totals:         domain.TotalsBreakdown{Currency: "USD", GrandTotal: decimal.RequireFromString("85.99"), AmountMinor: 8599},
			}, nil
		},
	}

	rr := serve(t, checkoutRoutes(svc, nil), http.MethodPost, "/create-intent", cartBody)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if captured.FunnelID != "summer" || captured.OfferID != "single-a" || captured.PointsToRedeem != 50 {
		t.Fatalf("unexpected command %+v", captured)
	}
	if len(captured.Lines) != 1 || captured.Lines[0].SKU != "SKU-A" || captured.Lines[0].Quantity != 2 {
		t.Fatalf("unexpected lines %+v", captured.Lines)
	}
	if captured.Address.Country != "US" {
		t.Fatalf("expected upper-cased country, got %q", captured.Address.Country)
	}
	if captured.SelectedRate == nil || !captured.SelectedRate.ShipmentCost.Equal(decimal.RequireFromString("5.99")) {
		t.Fatalf("unexpected selected rate %+v", captured.SelectedRate)
	}

	var resp struct {
		ClientSecret    string `json:"client_secret"`
		PublishableKey  string `json:"publishable_key"`
		DraftID         string `json:"draft_id"`
		PaymentIntentID string `json:"payment_intent_id"`
		AmountMinor     int64  `json:"amount_minor"`
		Totals          struct {
			GrandTotal string `json:"grand_total"`
		} `json:"totals"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ClientSecret != "pi_9_secret" || resp.DraftID != "drf_9" || resp.PaymentIntentID != "pi_9" || resp.PublishableKey != "pk_test" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.AmountMinor != 8599 || resp.Totals.GrandTotal != "85.99" {
		t.Fatalf("unexpected amounts %+v", resp)
	}
}

func TestCheckoutCreateIntentFunnelDisabled(t *testing.T) {
	svc := &stubCheckoutService{
		intentFunc: func(context.Context, services.CartCommand) (services.IntentResult, error) {
			return services.IntentResult{}, &services.FunnelDisabledError{FunnelID: "summer", RedirectURL: "https://example.com/closed"}
		},
	}

	rr := serve(t, checkoutRoutes(svc, nil), http.MethodPost, "/create-intent", cartBody)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "funnel_disabled" || body["redirect"] != "https://example.com/closed" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestCheckoutRejectsMalformedBodies(t *testing.T) {
	svc := &stubCheckoutService{}
	routes := checkoutRoutes(svc, nil)

	cases := map[string]struct {
		body   string
		status int
	}{
		"empty":         {body: "", status: http.StatusBadRequest},
		"not json":      {body: "{", status: http.StatusBadRequest},
		"unknown field": {body: `{"funnel_id":"summer","total":1}`, status: http.StatusBadRequest},
		"line price":    {body: `{"funnel_id":"summer","items":[{"sku":"SKU-A","quantity":1,"unit_price_override":0.01}]}`, status: http.StatusBadRequest},
		"total price":   {body: `{"funnel_id":"summer","admin_total_override":0.5}`, status: http.StatusBadRequest},
		"too large":     {body: `{"funnel_id":"` + strings.Repeat("x", maxRequestBodySize) + `"}`, status: http.StatusRequestEntityTooLarge},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rr := serve(t, routes, http.MethodPost, "/create-intent", tc.body)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
		})
	}
	if svc.intentCalls != 0 {
		t.Fatalf("expected service untouched, got %d calls", svc.intentCalls)
	}
}

func TestCheckoutCompleteErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid", fmt.Errorf("%w: draft_id is required", services.ErrCheckoutInvalidInput), http.StatusBadRequest, "invalid_request"},
		{"consumed", services.ErrCheckoutNotFound, http.StatusNotFound, "not_found"},
		{"foreign intent", services.ErrCheckoutForbidden, http.StatusForbidden, "forbidden"},
		{"not succeeded", services.ErrPaymentNotSucceeded, http.StatusPaymentRequired, "payment_failed"},
		{"gateway", &payments.GatewayError{Processor: "stripe", Op: "get_intent", Message: "boom"}, http.StatusBadGateway, "gateway_error"},
		{"unexpected", fmt.Errorf("disk on fire"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubCheckoutService{
				completeFunc: func(context.Context, services.CompleteCommand) (services.CompletionResult, error) {
					return services.CompletionResult{}, tc.err
				},
			}
			rr := serve(t, checkoutRoutes(svc, nil), http.MethodPost, "/complete", `{"draft_id":"drf_1","payment_intent_id":"pi_1"}`)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["error"] != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, body["error"])
			}
			if tc.status == http.StatusInternalServerError && strings.Contains(rr.Body.String(), "disk on fire") {
				t.Fatal("internal error detail leaked to client")
			}
		})
	}
}

func TestCheckoutCompleteRequiresIdentifiers(t *testing.T) {
	rr := serve(t, checkoutRoutes(&stubCheckoutService{}, nil), http.MethodPost, "/complete", `{"draft_id":"drf_1"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestCheckoutCompleteReturnsOrder(t *testing.T) {
	svc := &stubCheckoutService{
		completeFunc: func(_ context.Context, cmd services.CompleteCommand) (services.CompletionResult, error) {
			if cmd.DraftID != "drf_1" || cmd.IntentID != "pi_1" {
				t.Fatalf("unexpected command %+v", cmd)
			}
			return services.CompletionResult{
				OrderID:       "ord_1",
				OrderNumber:   "FC-000001",
				TransactionID: "pi_1",
				UpsellToken:   "tok",
				Order: domain.Order{
					Status:   domain.OrderStatusProcessing,
					Currency: "USD",
					Totals:   domain.OrderTotals{GrandTotal: decimal.RequireFromString("85.99")},
				},
			}, nil
		},
	}

	rr := serve(t, checkoutRoutes(svc, nil), http.MethodPost, "/complete", `{"draft_id":"drf_1","payment_intent_id":"pi_1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp completionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.OrderID != "ord_1" || resp.OrderNumber != "FC-000001" || resp.UpsellToken != "tok" || resp.Status != "processing" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if !resp.GrandTotal.Equal(decimal.RequireFromString("85.99")) {
		t.Fatalf("unexpected grand total %s", resp.GrandTotal)
	}
}

func TestCheckoutCreateIntentReplaysWithIdempotencyKey(t *testing.T) {
	svc := &stubCheckoutService{}
	guard := idempotency.Middleware(idempotency.NewMemoryStore())
	router := chi.NewRouter()
	NewCheckoutHandlers(svc, nil, guard).Routes(router)

	headers := map[string]string{idempotency.HeaderName: "key-1"}
	first := serveRequest(router, http.MethodPost, "/create-intent", cartBody, headers)
	second := serveRequest(router, http.MethodPost, "/create-intent", cartBody, headers)

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("expected 200s, got %d and %d", first.Code, second.Code)
	}
	if svc.intentCalls != 1 {
		t.Fatalf("expected one intent creation, got %d", svc.intentCalls)
	}
	if second.Header().Get(idempotency.ReplayHeaderName) == "" {
		t.Fatal("expected replay header on second response")
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("expected identical bodies, got %q and %q", first.Body.String(), second.Body.String())
	}
}

func TestCheckoutOrderSummaryQuery(t *testing.T) {
	var captured services.OrderSummaryQuery
	svc := &stubCheckoutService{
		summaryFunc: func(_ context.Context, query services.OrderSummaryQuery) (services.OrderSummary, error) {
			captured = query
			return services.OrderSummary{
				OrderID:     "ord_1",
				OrderNumber: "FC-000001",
				Items:       []services.OrderSummaryItem{{SKU: "SKU-A", Name: "Alpha", Quantity: 2, Total: decimal.NewFromInt(80)}},
				GrandTotal:  decimal.RequireFromString("85.99"),
			}, nil
		},
	}
	routes := checkoutRoutes(svc, nil)

	if rr := serve(t, routes, http.MethodGet, "/order-summary", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without identifiers, got %d", rr.Code)
	}

	rr := serve(t, routes, http.MethodGet, "/order-summary?pi_id=pi_1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if captured.TransactionID != "pi_1" || captured.OrderID != "" {
		t.Fatalf("unexpected query %+v", captured)
	}
	var resp orderSummaryResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].SKU != "SKU-A" || resp.OrderNumber != "FC-000001" {
		t.Fatalf("unexpected summary %+v", resp)
	}
}

func TestCheckoutShippingRates(t *testing.T) {
	shipping := &stubShippingService{
		ratesFunc: func(_ context.Context, cmd services.RatesCommand) ([]domain.ShippingRate, error) {
			if cmd.FunnelID != "summer" || cmd.Address.PostalCode != "78701" || len(cmd.Lines) != 1 {
				t.Fatalf("unexpected command %+v", cmd)
			}
			return []domain.ShippingRate{
				{CarrierCode: "ups", ServiceCode: "ups_ground", ServiceName: "UPS Ground", ShipmentCost: decimal.RequireFromString("7.50"), OtherCost: decimal.RequireFromString("0.50")},
			}, nil
		},
	}
	body := `{"funnel_id":"summer","items":[{"sku":"SKU-A","quantity":1}],"address":{"postal_code":"78701","country":"US","city":"Austin","line1":"1 Main"}}`

	rr := serve(t, checkoutRoutes(nil, shipping), http.MethodPost, "/shipping-rates", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp shippingRatesResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Rates) != 1 || !resp.Rates[0].Total.Equal(decimal.NewFromInt(8)) {
		t.Fatalf("unexpected rates %+v", resp.Rates)
	}
}

func TestCheckoutShippingRatesUnavailable(t *testing.T) {
	shipping := &stubShippingService{
		ratesFunc: func(context.Context, services.RatesCommand) ([]domain.ShippingRate, error) {
			return nil, &services.ShippingUnavailableError{Messages: []string{"ups: timeout"}}
		},
	}
	rr := serve(t, checkoutRoutes(nil, shipping), http.MethodPost, "/shipping-rates", `{"funnel_id":"summer","items":[{"sku":"SKU-A","quantity":1}]}`)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "ups: timeout") {
		t.Fatalf("expected carrier message, got %s", rr.Body.String())
	}
}

func TestCheckoutTotals(t *testing.T) {
	svc := &stubCheckoutService{
		totalsFunc: func(_ context.Context, cmd services.CartCommand) (domain.TotalsBreakdown, error) {
			return domain.TotalsBreakdown{
				Currency:        "USD",
				Lines:           []domain.LineBreakdown{{SKU: "SKU-A", Quantity: 2, Total: decimal.NewFromInt(80)}},
				ShippingPending: cmd.SelectedRate == nil,
				GrandTotal:      decimal.NewFromInt(80),
				AmountMinor:     8000,
			}, nil
		},
	}
	rr := serve(t, checkoutRoutes(svc, nil), http.MethodPost, "/totals", `{"funnel_id":"summer","items":[{"sku":"SKU-A","quantity":2}]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp totalsPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.ShippingPending || resp.AmountMinor != 8000 || len(resp.Lines) != 1 {
		t.Fatalf("unexpected totals %+v", resp)
	}
}
