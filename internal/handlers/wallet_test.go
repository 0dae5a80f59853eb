package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/holisticpeople/funnel-checkout/internal/domain"
	"github.com/holisticpeople/funnel-checkout/internal/payments"
	"github.com/holisticpeople/funnel-checkout/internal/services"
)

func TestWalletCreateOrder(t *testing.T) {
	svc := &stubWalletService{
		createFunc: func(_ context.Context, cmd services.CartCommand) (services.WalletOrderResult, error) {
			if cmd.FunnelID != "summer" {
				t.Fatalf("unexpected funnel %s", cmd.FunnelID)
			}
			return services.WalletOrderResult{
				WalletOrderID: "PAYPAL-1",
				ApproveURL:    "https://paypal.example/approve",
				DraftID:       "drf_1",
				Amount:        decimal.RequireFromString("85.99"),
				Currency:      "USD",
			}, nil
		},
	}

	rr := serve(t, NewWalletHandlers(svc, nil).Routes, http.MethodPost, "/create-order", cartBody)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp walletOrderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.OrderID != "PAYPAL-1" || resp.ApproveURL == "" || resp.DraftID != "drf_1" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestWalletCaptureOrder(t *testing.T) {
	svc := &stubWalletService{
		captureFunc: func(_ context.Context, cmd services.CaptureCommand) (services.CompletionResult, error) {
			if cmd.WalletOrderID != "PAYPAL-1" {
				t.Fatalf("unexpected wallet order %s", cmd.WalletOrderID)
			}
			return services.CompletionResult{
				OrderID:       "ord_1",
				OrderNumber:   "FC-000001",
				TransactionID: "CAP-1",
				Order:         domain.Order{Status: domain.OrderStatusProcessing, Currency: "USD"},
			}, nil
		},
	}

	rr := serve(t, NewWalletHandlers(svc, nil).Routes, http.MethodPost, "/capture-order", `{"order_id":"PAYPAL-1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp completionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TransactionID != "CAP-1" || resp.OrderNumber != "FC-000001" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestWalletCaptureOrderErrors(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{name: "missing id", body: `{}`, status: http.StatusBadRequest},
		{name: "unknown order", body: `{"order_id":"PAYPAL-404"}`, err: services.ErrCheckoutNotFound, status: http.StatusNotFound},
		{name: "declined", body: `{"order_id":"PAYPAL-1"}`, err: &payments.ChargeOutcomeError{Outcome: payments.OutcomeDeclined}, status: http.StatusPaymentRequired},
		{name: "gateway", body: `{"order_id":"PAYPAL-1"}`, err: &payments.GatewayError{Processor: "paypal", Op: "capture", StatusCode: 500}, status: http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubWalletService{
				captureFunc: func(context.Context, services.CaptureCommand) (services.CompletionResult, error) {
					return services.CompletionResult{}, tc.err
				},
			}
			rr := serve(t, NewWalletHandlers(svc, nil).Routes, http.MethodPost, "/capture-order", tc.body)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
		})
	}
}
