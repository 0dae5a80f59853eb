package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/holisticpeople/funnel-checkout/internal/platform/httpx"
	"github.com/holisticpeople/funnel-checkout/internal/services"
)

// UpsellTokenHeader carries the upsell token on GET requests so it stays out of access logs.
const UpsellTokenHeader = "X-Upsell-Token"

// UpsellHandlers exposes the post-purchase one-click endpoints.
type UpsellHandlers struct {
	upsells services.UpsellService
	guard   func(http.Handler) http.Handler
}

// NewUpsellHandlers constructs upsell handlers. guard wraps the charge route and may be nil.
func NewUpsellHandlers(upsells services.UpsellService, guard func(http.Handler) http.Handler) *UpsellHandlers {
	return &UpsellHandlers{upsells: upsells, guard: guard}
}

// Routes registers upsell endpoints under the provided router.
func (h *UpsellHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/offers", h.offers)

	guarded := r
	if h.guard != nil {
		guarded = r.With(h.guard)
	}
	guarded.Post("/charge", h.charge)
}

type upsellChargeRequest struct {
	ParentOrderID string              `json:"parent_order_id"`
	UpsellToken   string              `json:"upsell_token"`
	Items         []upsellItemPayload `json:"items"`
}

type upsellItemPayload struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

type upsellChargeResponse struct {
	OrderID       string          `json:"order_id"`
	OrderNumber   string          `json:"order_number"`
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	UpsellTotal   decimal.Decimal `json:"upsell_total"`
	GrandTotal    decimal.Decimal `json:"grand_total"`
}

type upsellOfferPayload struct {
	SKU             string          `json:"sku"`
	Name            string          `json:"name"`
	Headline        string          `json:"headline,omitempty"`
	Description     string          `json:"description,omitempty"`
	ImageURL        string          `json:"image_url,omitempty"`
	Quantity        int             `json:"quantity"`
	RegularPrice    decimal.Decimal `json:"regular_price"`
	OfferPrice      decimal.Decimal `json:"offer_price"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	Currency        string          `json:"currency"`
}

type upsellOffersResponse struct {
	Offers []upsellOfferPayload `json:"offers"`
}

func (h *UpsellHandlers) charge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.upsells == nil {
		httpx.WriteError(ctx, w, httpx.NewError("upsell_unavailable", "upsell service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req upsellChargeRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeRequestError(ctx, w, err)
		return
	}

	items := make([]services.UpsellItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.UpsellItem{
			SKU:      strings.TrimSpace(item.SKU),
			Quantity: item.Quantity,
		})
	}

	result, err := h.upsells.Charge(ctx, services.UpsellChargeCommand{
		ParentOrderID: strings.TrimSpace(req.ParentOrderID),
		Token:         strings.TrimSpace(req.UpsellToken),
		Items:         items,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, upsellChargeResponse{
		OrderID:       result.OrderID,
		OrderNumber:   result.Order.Number,
		TransactionID: result.TransactionID,
		Amount:        result.Amount,
		Currency:      result.Currency,
		UpsellTotal:   result.Order.Totals.UpsellTotal,
		GrandTotal:    result.Order.Totals.GrandTotal,
	})
}

func (h *UpsellHandlers) offers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.upsells == nil {
		httpx.WriteError(ctx, w, httpx.NewError("upsell_unavailable", "upsell service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := queryValue(r, "order_id")
	token := strings.TrimSpace(r.Header.Get(UpsellTokenHeader))
	if token == "" {
		token = queryValue(r, "token", "upsell_token")
	}
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order_id is required", http.StatusBadRequest))
		return
	}

	offers, err := h.upsells.Offers(ctx, services.UpsellOffersQuery{OrderID: orderID, Token: token})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := upsellOffersResponse{Offers: make([]upsellOfferPayload, 0, len(offers))}
	for _, offer := range offers {
		resp.Offers = append(resp.Offers, upsellOfferPayload{
			SKU:             offer.SKU,
			Name:            offer.Name,
			Headline:        offer.Headline,
			Description:     offer.Description,
			ImageURL:        offer.ImageURL,
			Quantity:        offer.Quantity,
			RegularPrice:    offer.RegularPrice,
			OfferPrice:      offer.OfferPrice,
			DiscountPercent: offer.DiscountPercent,
			Currency:        offer.Currency,
		})
	}
	writeJSONResponse(w, http.StatusOK, resp)
}
