package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/holisticpeople/funnel-checkout/internal/payments"
	"github.com/holisticpeople/funnel-checkout/internal/platform/httpx"
	"github.com/holisticpeople/funnel-checkout/internal/platform/requestctx"
	"github.com/holisticpeople/funnel-checkout/internal/repositories"
	"github.com/holisticpeople/funnel-checkout/internal/services"
	"github.com/holisticpeople/funnel-checkout/internal/shipping"
)

func writeRequestError(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, errBodyTooLarge) {
		status = http.StatusRequestEntityTooLarge
	}
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
}

// writeServiceError maps service, gateway and repository failures onto the JSON envelope.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var disabled *services.FunnelDisabledError
	if errors.As(err, &disabled) {
		httpx.WriteError(ctx, w, httpx.NewError("funnel_disabled", "this offer is no longer available", http.StatusConflict).
			WithDetails(map[string]any{"redirect": disabled.RedirectURL, "funnel_id": disabled.FunnelID}))
		return
	}

	var outcome *payments.ChargeOutcomeError
	if errors.As(err, &outcome) {
		details := map[string]any{"outcome": string(outcome.Outcome)}
		if outcome.ClientSecret != "" {
			details["client_secret"] = outcome.ClientSecret
		}
		if outcome.IntentID != "" {
			details["transaction_id"] = outcome.IntentID
		}
		if outcome.DeclineCode != "" {
			details["decline_code"] = outcome.DeclineCode
		}
		message := outcome.Message
		if message == "" {
			message = "payment was not completed"
		}
		httpx.WriteError(ctx, w, httpx.NewError("payment_failed", message, http.StatusPaymentRequired).WithDetails(details))
		return
	}

	var unavailable *services.ShippingUnavailableError
	if errors.As(err, &unavailable) {
		httpx.WriteError(ctx, w, httpx.NewError("shipping_unavailable", unavailable.Error(), http.StatusBadGateway))
		return
	}

	switch {
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", clientMessage(err, services.ErrCheckoutInvalidInput), http.StatusBadRequest))
		return
	case errors.Is(err, services.ErrCheckoutNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("not_found", "checkout not found or already completed", http.StatusNotFound))
		return
	case errors.Is(err, services.ErrCheckoutForbidden), errors.Is(err, services.ErrUpsellUnauthorized):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "request does not match the order", http.StatusForbidden))
		return
	case errors.Is(err, services.ErrPaymentNotSucceeded):
		httpx.WriteError(ctx, w, httpx.NewError("payment_failed", "payment has not succeeded", http.StatusPaymentRequired))
		return
	case errors.Is(err, services.ErrUpsellInProgress):
		httpx.WriteError(ctx, w, httpx.NewError("upsell_in_progress", "another upsell is being added to this order", http.StatusConflict))
		return
	case errors.Is(err, services.ErrShippingUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("shipping_unavailable", "No rates available", http.StatusBadGateway))
		return
	case errors.Is(err, services.ErrCheckoutUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("unavailable", "checkout is temporarily unavailable", http.StatusServiceUnavailable))
		return
	}

	var gatewayErr *payments.GatewayError
	var shippingErr *shipping.Error
	switch {
	case errors.As(err, &gatewayErr):
		logError(ctx, "payment gateway error", err)
		httpx.WriteError(ctx, w, httpx.NewError("gateway_error", "payment processor request failed", http.StatusBadGateway).
			WithDetails(map[string]any{"processor": gatewayErr.Processor}))
		return
	case errors.As(err, &shippingErr):
		logError(ctx, "shipping gateway error", err)
		httpx.WriteError(ctx, w, httpx.NewError("gateway_error", "shipping rate request failed", http.StatusBadGateway))
		return
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			httpx.WriteError(ctx, w, httpx.NewError("not_found", "resource not found", http.StatusNotFound))
			return
		case repoErr.IsConflict():
			httpx.WriteError(ctx, w, httpx.NewError("conflict", "resource has changed; retry", http.StatusConflict))
			return
		case repoErr.IsUnavailable():
			logError(ctx, "repository unavailable", err)
			httpx.WriteError(ctx, w, httpx.NewError("unavailable", "checkout is temporarily unavailable", http.StatusServiceUnavailable))
			return
		}
	}

	logError(ctx, "unhandled service error", err)
	httpx.WriteError(ctx, w, httpx.NewError("internal_error", "failed to process request", http.StatusInternalServerError))
}

// clientMessage strips the sentinel prefix so the buyer sees only the validation detail.
func clientMessage(err, sentinel error) string {
	message := err.Error()
	if idx := strings.Index(message, sentinel.Error()+": "); idx >= 0 {
		return message[idx+len(sentinel.Error())+2:]
	}
	return message
}

func logError(ctx context.Context, msg string, err error) {
	requestctx.Logger(ctx).Error(msg, zap.Error(err))
}
