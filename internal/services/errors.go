package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutNotFound indicates the draft, funnel or order does not exist or was already consumed.
	ErrCheckoutNotFound = errors.New("checkout: not found")
	// ErrCheckoutForbidden indicates the caller's processor reference does not match the order.
	ErrCheckoutForbidden = errors.New("checkout: forbidden")
	// ErrCheckoutUnavailable indicates checkout dependencies are currently unavailable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
	// ErrPaymentNotSucceeded indicates the processor has not confirmed the payment.
	ErrPaymentNotSucceeded = errors.New("checkout: payment not succeeded")
	// ErrShippingUnavailable indicates no carrier returned a usable rate.
	ErrShippingUnavailable = errors.New("shipping: no rates available")
	// ErrUpsellUnauthorized indicates the upsell token does not match the parent order.
	ErrUpsellUnauthorized = errors.New("upsell: unauthorized")
	// ErrUpsellInProgress indicates another upsell append holds the order lock.
	ErrUpsellInProgress = errors.New("upsell: append in progress")
)

// FunnelDisabledError is returned when a funnel is switched off. Callers redirect the buyer.
type FunnelDisabledError struct {
	FunnelID    string
	RedirectURL string
}

func (e *FunnelDisabledError) Error() string {
	return fmt.Sprintf("checkout: funnel %s is disabled", e.FunnelID)
}

// ShippingUnavailableError carries the per-carrier failures behind ErrShippingUnavailable.
type ShippingUnavailableError struct {
	Messages []string
}

func (e *ShippingUnavailableError) Error() string {
	if len(e.Messages) == 0 {
		return "No rates available"
	}
	return strings.Join(e.Messages, "; ")
}

func (e *ShippingUnavailableError) Is(target error) bool {
	return target == ErrShippingUnavailable
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCheckoutInvalidInput, fmt.Sprintf(format, args...))
}
