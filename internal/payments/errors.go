package payments

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedMode is returned when no credential set is registered for a processor mode.
	ErrUnsupportedMode = errors.New("payments: unsupported processor mode")
	// ErrNoPaymentMethod is returned when a customer has no reusable card on file.
	ErrNoPaymentMethod = errors.New("payments: no saved payment method")
)

// GatewayError reports a processor call that failed for reasons other than the buyer's card.
type GatewayError struct {
	Processor  string
	Op         string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *GatewayError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s: status %d: %s", e.Processor, e.Op, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Processor, e.Op, msg)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// ChargeOutcome classifies a charge that did not succeed.
type ChargeOutcome string

const (
	OutcomeDeclined       ChargeOutcome = "declined"
	OutcomeRequiresAction ChargeOutcome = "requires_action"
	OutcomeFailed         ChargeOutcome = "failed"
)

// ChargeOutcomeError carries the processor verdict for an unsuccessful charge. ClientSecret is
// set for requires_action so the buyer can authenticate on-session.
type ChargeOutcomeError struct {
	Outcome      ChargeOutcome
	IntentID     string
	ClientSecret string
	DeclineCode  string
	Message      string
}

func (e *ChargeOutcomeError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("payments: charge %s: %s", e.Outcome, e.Message)
	}
	return fmt.Sprintf("payments: charge %s", e.Outcome)
}
