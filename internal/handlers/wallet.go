package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/holisticpeople/funnel-checkout/internal/platform/httpx"
	"github.com/holisticpeople/funnel-checkout/internal/services"
)

// WalletHandlers exposes the redirect wallet checkout endpoints.
type WalletHandlers struct {
	wallet services.WalletCheckoutService
	guard  func(http.Handler) http.Handler
}

// NewWalletHandlers constructs wallet handlers. guard wraps both routes and may be nil.
func NewWalletHandlers(wallet services.WalletCheckoutService, guard func(http.Handler) http.Handler) *WalletHandlers {
	return &WalletHandlers{wallet: wallet, guard: guard}
}

// Routes registers wallet endpoints under the provided router.
func (h *WalletHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.guard != nil {
		group = r.With(h.guard)
	}
	group.Post("/create-order", h.createOrder)
	group.Post("/capture-order", h.captureOrder)
}

type walletOrderResponse struct {
	OrderID    string          `json:"order_id"`
	ApproveURL string          `json:"approve_url"`
	DraftID    string          `json:"draft_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
}

type walletCaptureRequest struct {
	OrderID string `json:"order_id"`
}

func (h *WalletHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.wallet == nil {
		httpx.WriteError(ctx, w, httpx.NewError("wallet_unavailable", "wallet checkout unavailable", http.StatusServiceUnavailable))
		return
	}

	var req cartRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeRequestError(ctx, w, err)
		return
	}

	result, err := h.wallet.CreateOrder(ctx, req.toCommand())
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, walletOrderResponse{
		OrderID:    result.WalletOrderID,
		ApproveURL: result.ApproveURL,
		DraftID:    result.DraftID,
		Amount:     result.Amount,
		Currency:   result.Currency,
	})
}

func (h *WalletHandlers) captureOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.wallet == nil {
		httpx.WriteError(ctx, w, httpx.NewError("wallet_unavailable", "wallet checkout unavailable", http.StatusServiceUnavailable))
		return
	}

	var req walletCaptureRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeRequestError(ctx, w, err)
		return
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order_id is required", http.StatusBadRequest))
		return
	}

	result, err := h.wallet.CaptureOrder(ctx, services.CaptureCommand{WalletOrderID: orderID})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newCompletionResponse(result))
}
