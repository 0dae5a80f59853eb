package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/holisticpeople/funnel-checkout/internal/platform/httpx"
	"github.com/holisticpeople/funnel-checkout/internal/services"
)

const maxPriceLookupSKUs = 100

// CatalogHandlers exposes read-only price and funnel availability lookups for sales pages.
type CatalogHandlers struct {
	catalog services.CatalogService
	funnels services.FunnelService
}

// NewCatalogHandlers constructs the lookup handlers.
func NewCatalogHandlers(catalog services.CatalogService, funnels services.FunnelService) *CatalogHandlers {
	return &CatalogHandlers{catalog: catalog, funnels: funnels}
}

// Routes registers /catalog and /funnel endpoints under the provided router.
func (h *CatalogHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/catalog/prices", h.prices)
	r.Get("/funnel/status", h.funnelStatus)
}

type pricePayload struct {
	SKU          string           `json:"sku"`
	Name         string           `json:"name"`
	RegularPrice decimal.Decimal  `json:"regular_price"`
	SalePrice    *decimal.Decimal `json:"sale_price,omitempty"`
	Price        decimal.Decimal  `json:"price"`
	Currency     string           `json:"currency"`
	ImageURL     string           `json:"image_url,omitempty"`
	Active       bool             `json:"active"`
}

type pricesResponse struct {
	Prices []pricePayload `json:"prices"`
}

type funnelStatusResponse struct {
	FunnelID      string   `json:"funnel_id"`
	Name          string   `json:"name"`
	Mode          string   `json:"mode"`
	Enabled       bool     `json:"enabled"`
	RedirectURL   string   `json:"redirect_url,omitempty"`
	ProcessorMode string   `json:"processor_mode,omitempty"`
	OfferIDs      []string `json:"offer_ids"`
	UpdatedAt     string   `json:"updated_at,omitempty"`
}

func (h *CatalogHandlers) prices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service unavailable", http.StatusServiceUnavailable))
		return
	}

	skus := splitCSV(r.URL.Query().Get("skus"))
	if len(skus) == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "skus is required", http.StatusBadRequest))
		return
	}
	if len(skus) > maxPriceLookupSKUs {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "too many skus requested", http.StatusBadRequest))
		return
	}

	prices, err := h.catalog.Prices(ctx, skus)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := pricesResponse{Prices: make([]pricePayload, 0, len(prices))}
	for _, price := range prices {
		resp.Prices = append(resp.Prices, pricePayload{
			SKU:          price.SKU,
			Name:         price.Name,
			RegularPrice: price.RegularPrice,
			SalePrice:    price.SalePrice,
			Price:        price.Price,
			Currency:     price.Currency,
			ImageURL:     price.ImageURL,
			Active:       price.Active,
		})
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *CatalogHandlers) funnelStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.funnels == nil {
		httpx.WriteError(ctx, w, httpx.NewError("funnel_unavailable", "funnel service unavailable", http.StatusServiceUnavailable))
		return
	}

	funnelID := queryValue(r, "funnel_id")
	if funnelID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "funnel_id is required", http.StatusBadRequest))
		return
	}

	status, err := h.funnels.Status(ctx, funnelID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	offerIDs := status.OfferIDs
	if offerIDs == nil {
		offerIDs = []string{}
	}
	writeJSONResponse(w, http.StatusOK, funnelStatusResponse{
		FunnelID:      status.FunnelID,
		Name:          status.Name,
		Mode:          string(status.Mode),
		Enabled:       status.Enabled,
		RedirectURL:   status.RedirectURL,
		ProcessorMode: string(status.ProcessorMode),
		OfferIDs:      offerIDs,
		UpdatedAt:     formatTime(status.UpdatedAt),
	})
}
