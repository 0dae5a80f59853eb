package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/holisticpeople/funnel-checkout/internal/platform/httpx"
	"github.com/holisticpeople/funnel-checkout/internal/services"
)

// CheckoutHandlers exposes the card checkout endpoints used by the funnel sales page.
type CheckoutHandlers struct {
	checkout services.CheckoutService
	shipping services.ShippingService
	guard    func(http.Handler) http.Handler
}

// NewCheckoutHandlers constructs checkout handlers. guard wraps the payment-creating routes,
// typically with the idempotency middleware, and may be nil.
func NewCheckoutHandlers(checkout services.CheckoutService, shipping services.ShippingService, guard func(http.Handler) http.Handler) *CheckoutHandlers {
	return &CheckoutHandlers{
		checkout: checkout,
		shipping: shipping,
		guard:    guard,
	}
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/shipping-rates", h.shippingRates)
	r.Post("/totals", h.totals)
	r.Get("/order-summary", h.orderSummary)

	guarded := r
	if h.guard != nil {
		guarded = r.With(h.guard)
	}
	guarded.Post("/create-intent", h.createIntent)
	guarded.Post("/complete", h.complete)
}

type shippingRatesRequest struct {
	FunnelID string            `json:"funnel_id"`
	Items    []cartItemPayload `json:"items"`
	Address  addressPayload    `json:"address"`
}

type shippingRatesResponse struct {
	Rates []shippingRatePayload `json:"rates"`
}

type intentResponse struct {
	ClientSecret    string          `json:"client_secret"`
	PublishableKey  string          `json:"publishable_key"`
	DraftID         string          `json:"draft_id"`
	PaymentIntentID string          `json:"payment_intent_id"`
	Amount          decimal.Decimal `json:"amount"`
	AmountMinor     int64           `json:"amount_minor"`
	Currency        string          `json:"currency"`
	Totals          totalsPayload   `json:"totals"`
}

type completeRequest struct {
	DraftID         string `json:"draft_id"`
	PaymentIntentID string `json:"payment_intent_id"`
}

type orderSummaryResponse struct {
	OrderID        string                    `json:"order_id"`
	OrderNumber    string                    `json:"order_number"`
	Status         string                    `json:"status"`
	Currency       string                    `json:"currency"`
	Items          []orderSummaryItemPayload `json:"items"`
	ItemsDiscount  decimal.Decimal           `json:"items_discount"`
	FeesTotal      decimal.Decimal           `json:"fees_total"`
	PointsRedeemed int64                     `json:"points_redeemed"`
	PointsValue    decimal.Decimal           `json:"points_value"`
	ShippingTotal  decimal.Decimal           `json:"shipping_total"`
	UpsellTotal    decimal.Decimal           `json:"upsell_total"`
	GrandTotal     decimal.Decimal           `json:"grand_total"`
}

type orderSummaryItemPayload struct {
	SKU      string          `json:"sku"`
	Name     string          `json:"name"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Subtotal decimal.Decimal `json:"subtotal"`
	Total    decimal.Decimal `json:"total"`
	ImageURL string          `json:"image_url,omitempty"`
	Upsell   bool            `json:"upsell"`
}

func (h *CheckoutHandlers) shippingRates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipping == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipping_unavailable", "shipping service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req shippingRatesRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeRequestError(ctx, w, err)
		return
	}

	rates, err := h.shipping.Rates(ctx, services.RatesCommand{
		FunnelID: strings.TrimSpace(req.FunnelID),
		Address:  req.Address.toDomain(),
		Lines:    toCartLines(req.Items),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := shippingRatesResponse{Rates: make([]shippingRatePayload, 0, len(rates))}
	for _, rate := range rates {
		resp.Rates = append(resp.Rates, newShippingRatePayload(rate))
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *CheckoutHandlers) totals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req cartRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeRequestError(ctx, w, err)
		return
	}

	totals, err := h.checkout.Totals(ctx, req.toCommand())
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newTotalsPayload(totals))
}

func (h *CheckoutHandlers) createIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req cartRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeRequestError(ctx, w, err)
		return
	}

	result, err := h.checkout.CreateIntent(ctx, req.toCommand())
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, intentResponse{
		ClientSecret:    result.ClientSecret,
		PublishableKey:  result.PublishableKey,
		DraftID:         result.DraftID,
		PaymentIntentID: result.IntentID,
		Amount:          result.Amount,
		AmountMinor:     result.AmountMinor,
		Currency:        result.Currency,
		Totals:          newTotalsPayload(result.Totals),
	})
}

func (h *CheckoutHandlers) complete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req completeRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeRequestError(ctx, w, err)
		return
	}
	draftID := strings.TrimSpace(req.DraftID)
	intentID := strings.TrimSpace(req.PaymentIntentID)
	if draftID == "" || intentID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "draft_id and payment_intent_id are required", http.StatusBadRequest))
		return
	}

	result, err := h.checkout.Complete(ctx, services.CompleteCommand{DraftID: draftID, IntentID: intentID})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newCompletionResponse(result))
}

func (h *CheckoutHandlers) orderSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	query := services.OrderSummaryQuery{
		OrderID:       queryValue(r, "order_id"),
		TransactionID: queryValue(r, "pi_id", "transaction_id"),
	}
	if query.OrderID == "" && query.TransactionID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order_id or pi_id is required", http.StatusBadRequest))
		return
	}

	summary, err := h.checkout.OrderSummary(ctx, query)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	items := make([]orderSummaryItemPayload, 0, len(summary.Items))
	for _, item := range summary.Items {
		items = append(items, orderSummaryItemPayload{
			SKU:      item.SKU,
			Name:     item.Name,
			Quantity: item.Quantity,
			Price:    item.Price,
			Subtotal: item.Subtotal,
			Total:    item.Total,
			ImageURL: item.ImageURL,
			Upsell:   item.Upsell,
		})
	}
	writeJSONResponse(w, http.StatusOK, orderSummaryResponse{
		OrderID:        summary.OrderID,
		OrderNumber:    summary.OrderNumber,
		Status:         string(summary.Status),
		Currency:       summary.Currency,
		Items:          items,
		ItemsDiscount:  summary.ItemsDiscount,
		FeesTotal:      summary.FeesTotal,
		PointsRedeemed: summary.PointsRedeemed,
		PointsValue:    summary.PointsValue,
		ShippingTotal:  summary.ShippingTotal,
		UpsellTotal:    summary.UpsellTotal,
		GrandTotal:     summary.GrandTotal,
	})
}
