// Package payments adapts the card and wallet processors used by checkout. Every call names the
// processor mode so authorization and capture always share one credential set.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/holisticpeople/funnel-checkout/internal/domain"
)

// IntentStatus mirrors the processor's payment intent states.
type IntentStatus string

const (
	IntentSucceeded             IntentStatus = "succeeded"
	IntentProcessing            IntentStatus = "processing"
	IntentRequiresAction        IntentStatus = "requires_action"
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentRequiresConfirmation  IntentStatus = "requires_confirmation"
	IntentRequiresCapture       IntentStatus = "requires_capture"
	IntentCanceled              IntentStatus = "canceled"
)

// IntentRequest creates an on-session payment intent.
type IntentRequest struct {
	AmountMinor       int64
	Currency          string
	CustomerID        string
	Description       string
	ReceiptEmail      string
	SaveForOffSession bool
	Metadata          map[string]string
	IdempotencyKey    string
}

// OffSessionRequest charges a saved payment method without the buyer present.
type OffSessionRequest struct {
	AmountMinor     int64
	Currency        string
	CustomerID      string
	PaymentMethodID string
	Description     string
	Metadata        map[string]string
	IdempotencyKey  string
}

// Intent is the normalised view of a processor payment intent.
type Intent struct {
	ID              string
	ClientSecret    string
	Status          IntentStatus
	AmountMinor     int64
	Currency        string
	CustomerID      string
	PaymentMethodID string
	LatestChargeID  string
	Description     string
	Metadata        map[string]string
}

// CardProvider is one credential set of the card processor.
type CardProvider interface {
	EnsureCustomer(ctx context.Context, email, name string) (string, error)
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	GetIntent(ctx context.Context, id string) (Intent, error)
	UpdateDescription(ctx context.Context, id, description string) error
	ChargeOffSession(ctx context.Context, req OffSessionRequest) (Intent, error)
	// ResolvePaymentMethod returns preferred when set, then the customer's default, then the
	// first saved card.
	ResolvePaymentMethod(ctx context.Context, customerID, preferred string) (string, error)
	PublishableKey() string
}

// Manager routes card calls to the provider registered for the processor mode.
type Manager struct {
	providers map[domain.ProcessorMode]CardProvider
}

// NewManager constructs a Manager over the supplied mode providers.
func NewManager(providers map[domain.ProcessorMode]CardProvider) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[domain.ProcessorMode]CardProvider, len(providers))
	for mode, p := range providers {
		key := domain.ProcessorMode(strings.ToLower(strings.TrimSpace(string(mode))))
		if (key != domain.ProcessorModeTest && key != domain.ProcessorModeLive) || p == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for mode %q", mode)
		}
		copyMap[key] = p
	}
	return &Manager{providers: copyMap}, nil
}

func (m *Manager) resolve(mode domain.ProcessorMode) (CardProvider, error) {
	if m == nil {
		return nil, errors.New("payments: manager is nil")
	}
	p, ok := m.providers[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMode, mode)
	}
	return p, nil
}

// EnsureCustomer delegates to the provider for mode.
func (m *Manager) EnsureCustomer(ctx context.Context, mode domain.ProcessorMode, email, name string) (string, error) {
	p, err := m.resolve(mode)
	if err != nil {
		return "", err
	}
	return p.EnsureCustomer(ctx, email, name)
}

// CreateIntent delegates to the provider for mode.
func (m *Manager) CreateIntent(ctx context.Context, mode domain.ProcessorMode, req IntentRequest) (Intent, error) {
	p, err := m.resolve(mode)
	if err != nil {
		return Intent{}, err
	}
	return p.CreateIntent(ctx, req)
}

// GetIntent delegates to the provider for mode.
func (m *Manager) GetIntent(ctx context.Context, mode domain.ProcessorMode, id string) (Intent, error) {
	p, err := m.resolve(mode)
	if err != nil {
		return Intent{}, err
	}
	return p.GetIntent(ctx, id)
}

// UpdateDescription delegates to the provider for mode.
func (m *Manager) UpdateDescription(ctx context.Context, mode domain.ProcessorMode, id, description string) error {
	p, err := m.resolve(mode)
	if err != nil {
		return err
	}
	return p.UpdateDescription(ctx, id, description)
}

// ChargeOffSession delegates to the provider for mode.
func (m *Manager) ChargeOffSession(ctx context.Context, mode domain.ProcessorMode, req OffSessionRequest) (Intent, error) {
	p, err := m.resolve(mode)
	if err != nil {
		return Intent{}, err
	}
	return p.ChargeOffSession(ctx, req)
}

// ResolvePaymentMethod delegates to the provider for mode.
func (m *Manager) ResolvePaymentMethod(ctx context.Context, mode domain.ProcessorMode, customerID, preferred string) (string, error) {
	p, err := m.resolve(mode)
	if err != nil {
		return "", err
	}
	return p.ResolvePaymentMethod(ctx, customerID, preferred)
}

// PublishableKey returns the browser key for mode.
func (m *Manager) PublishableKey(mode domain.ProcessorMode) (string, error) {
	p, err := m.resolve(mode)
	if err != nil {
		return "", err
	}
	return p.PublishableKey(), nil
}
