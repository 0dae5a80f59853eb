package handlers

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/holisticpeople/funnel-checkout/internal/domain"
	"github.com/holisticpeople/funnel-checkout/internal/services"
)

type cartRequest struct {
	FunnelID       string               `json:"funnel_id"`
	OfferID        string               `json:"offer_id"`
	Items          []cartItemPayload    `json:"items"`
	Contact        contactPayload       `json:"contact"`
	Address        addressPayload       `json:"address"`
	SelectedRate   *shippingRatePayload `json:"selected_rate"`
	PointsToRedeem int64                `json:"points_to_redeem"`
	Metadata       map[string]string    `json:"metadata"`
	Locale         string               `json:"locale"`
}

// cartItemPayload is the buyer's selection. Prices and discounts are never accepted from the
// browser; unknown fields such as unit_price_override fail decoding.
type cartItemPayload struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
	Label    string `json:"label"`
}

type contactPayload struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
}

type addressPayload struct {
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Company    string `json:"company"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone"`
}

type shippingRatePayload struct {
	CarrierCode  string          `json:"carrier_code"`
	ServiceCode  string          `json:"service_code"`
	ServiceName  string          `json:"service_name"`
	ShipmentCost decimal.Decimal `json:"shipment_cost"`
	OtherCost    decimal.Decimal `json:"other_cost"`
	Total        decimal.Decimal `json:"total"`
}

func (req cartRequest) toCommand() services.CartCommand {
	cmd := services.CartCommand{
		FunnelID:       strings.TrimSpace(req.FunnelID),
		OfferID:        strings.TrimSpace(req.OfferID),
		Lines:          toCartLines(req.Items),
		Contact:        req.Contact.toDomain(),
		Address:        req.Address.toDomain(),
		PointsToRedeem: req.PointsToRedeem,
		Locale:         strings.TrimSpace(req.Locale),
	}
	if req.SelectedRate != nil {
		rate := req.SelectedRate.toDomain()
		cmd.SelectedRate = &rate
	}
	if len(req.Metadata) > 0 {
		cmd.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			key := strings.TrimSpace(k)
			value := strings.TrimSpace(v)
			if key == "" || value == "" {
				continue
			}
			cmd.Metadata[key] = value
		}
	}
	return cmd
}

func toCartLines(items []cartItemPayload) []domain.CartLine {
	lines := make([]domain.CartLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, domain.CartLine{
			SKU:      strings.TrimSpace(item.SKU),
			Quantity: item.Quantity,
			Label:    strings.TrimSpace(item.Label),
		})
	}
	return lines
}

func (p contactPayload) toDomain() domain.Contact {
	return domain.Contact{
		Email:     strings.TrimSpace(p.Email),
		FirstName: strings.TrimSpace(p.FirstName),
		LastName:  strings.TrimSpace(p.LastName),
		Phone:     strings.TrimSpace(p.Phone),
	}
}

func (p addressPayload) toDomain() domain.Address {
	return domain.Address{
		FirstName:  strings.TrimSpace(p.FirstName),
		LastName:   strings.TrimSpace(p.LastName),
		Company:    strings.TrimSpace(p.Company),
		Line1:      strings.TrimSpace(p.Line1),
		Line2:      strings.TrimSpace(p.Line2),
		City:       strings.TrimSpace(p.City),
		State:      strings.TrimSpace(p.State),
		PostalCode: strings.TrimSpace(p.PostalCode),
		Country:    strings.ToUpper(strings.TrimSpace(p.Country)),
		Phone:      strings.TrimSpace(p.Phone),
	}
}

func (p shippingRatePayload) toDomain() domain.ShippingRate {
	return domain.ShippingRate{
		CarrierCode:  strings.TrimSpace(p.CarrierCode),
		ServiceCode:  strings.TrimSpace(p.ServiceCode),
		ServiceName:  strings.TrimSpace(p.ServiceName),
		ShipmentCost: p.ShipmentCost,
		OtherCost:    p.OtherCost,
	}
}

func newShippingRatePayload(rate domain.ShippingRate) shippingRatePayload {
	return shippingRatePayload{
		CarrierCode:  rate.CarrierCode,
		ServiceCode:  rate.ServiceCode,
		ServiceName:  rate.ServiceName,
		ShipmentCost: rate.ShipmentCost,
		OtherCost:    rate.OtherCost,
		Total:        rate.Total(),
	}
}

type totalsPayload struct {
	Currency              string              `json:"currency"`
	Lines                 []lineTotalsPayload `json:"lines"`
	Subtotal              decimal.Decimal     `json:"subtotal"`
	GlobalDiscountPercent decimal.Decimal     `json:"global_discount_percent"`
	GlobalDiscount        decimal.Decimal     `json:"global_discount"`
	OfferDiscount         decimal.Decimal     `json:"offer_discount"`
	DiscountTotal         decimal.Decimal     `json:"discount_total"`
	ProductTotal          decimal.Decimal     `json:"product_total"`
	PointsRedeemed        int64               `json:"points_redeemed"`
	PointsDiscount        decimal.Decimal     `json:"points_discount"`
	ShippingTotal         decimal.Decimal     `json:"shipping_total"`
	ShippingPending       bool                `json:"shipping_pending"`
	FreeShipping          bool                `json:"free_shipping"`
	AdminOverride         bool                `json:"admin_override"`
	GrandTotal            decimal.Decimal     `json:"grand_total"`
	AmountMinor           int64               `json:"amount_minor"`
}

type lineTotalsPayload struct {
	SKU                 string           `json:"sku"`
	Name                string           `json:"name"`
	Quantity            int              `json:"quantity"`
	RegularPrice        decimal.Decimal  `json:"regular_price"`
	UnitPrice           decimal.Decimal  `json:"unit_price"`
	SubsequentUnitPrice *decimal.Decimal `json:"subsequent_unit_price,omitempty"`
	Subtotal            decimal.Decimal  `json:"subtotal"`
	Total               decimal.Decimal  `json:"total"`
	ItemDiscountPercent decimal.Decimal  `json:"item_discount_percent"`
	Label               string           `json:"label,omitempty"`
}

func newTotalsPayload(totals domain.TotalsBreakdown) totalsPayload {
	lines := make([]lineTotalsPayload, 0, len(totals.Lines))
	for _, line := range totals.Lines {
		lines = append(lines, lineTotalsPayload{
			SKU:                 line.SKU,
			Name:                line.Name,
			Quantity:            line.Quantity,
			RegularPrice:        line.RegularPrice,
			UnitPrice:           line.UnitPrice,
			SubsequentUnitPrice: line.SubsequentUnitPrice,
			Subtotal:            line.Subtotal,
			Total:               line.Total,
			ItemDiscountPercent: line.ItemDiscountPercent,
			Label:               line.Label,
		})
	}
	return totalsPayload{
		Currency:              totals.Currency,
		Lines:                 lines,
		Subtotal:              totals.Subtotal,
		GlobalDiscountPercent: totals.GlobalDiscountPercent,
		GlobalDiscount:        totals.GlobalDiscount,
		OfferDiscount:         totals.OfferDiscount,
		DiscountTotal:         totals.DiscountTotal,
		ProductTotal:          totals.ProductTotal,
		PointsRedeemed:        totals.PointsRedeemed,
		PointsDiscount:        totals.PointsDiscount,
		ShippingTotal:         totals.ShippingTotal,
		ShippingPending:       totals.ShippingPending,
		FreeShipping:          totals.FreeShipping,
		AdminOverride:         totals.AdminOverride,
		GrandTotal:            totals.GrandTotal,
		AmountMinor:           totals.AmountMinor,
	}
}

type completionResponse struct {
	OrderID       string          `json:"order_id"`
	OrderNumber   string          `json:"order_number"`
	TransactionID string          `json:"transaction_id"`
	UpsellToken   string          `json:"upsell_token,omitempty"`
	Status        string          `json:"status"`
	Currency      string          `json:"currency"`
	GrandTotal    decimal.Decimal `json:"grand_total"`
}

func newCompletionResponse(result services.CompletionResult) completionResponse {
	return completionResponse{
		OrderID:       result.OrderID,
		OrderNumber:   result.OrderNumber,
		TransactionID: result.TransactionID,
		UpsellToken:   result.UpsellToken,
		Status:        string(result.Order.Status),
		Currency:      result.Order.Currency,
		GrandTotal:    result.Order.Totals.GrandTotal,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
