package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/customer"
	"github.com/stripe/stripe-go/v78/paymentmethod"
)

const processorStripe = "stripe"

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Update(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeCustomerAPI interface {
	FindByEmail(params *stripe.CustomerListParams) (*stripe.Customer, error)
	New(params *stripe.CustomerParams) (*stripe.Customer, error)
	Get(id string, params *stripe.CustomerParams) (*stripe.Customer, error)
}

type stripePaymentMethodAPI interface {
	List(params *stripe.PaymentMethodListParams) ([]*stripe.PaymentMethod, error)
}

type stripeClients struct {
	intents        stripePaymentIntentAPI
	customers      stripeCustomerAPI
	paymentMethods stripePaymentMethodAPI
}

// StripeProviderConfig configures one Stripe credential set.
type StripeProviderConfig struct {
	SecretKey      string
	PublishableKey string
	AccountID      string
	Backends       *stripe.Backends
	Logger         StripeLogger
	Clients        *stripeClients
}

// StripeProvider implements CardProvider on the Stripe PaymentIntents API.
type StripeProvider struct {
	api            stripeClients
	account        string
	publishableKey string
	logger         StripeLogger
}

var _ CardProvider = (*StripeProvider)(nil)

// NewStripeProvider constructs a Stripe provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	secret := strings.TrimSpace(cfg.SecretKey)
	if secret == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: secret key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(secret, cfg.Backends)
		clients = stripeClients{
			intents:        sc.PaymentIntents,
			customers:      customerLister{c: sc.Customers},
			paymentMethods: paymentMethodLister{c: sc.PaymentMethods},
		}
	}
	if clients.intents == nil || clients.customers == nil || clients.paymentMethods == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:            clients,
		account:        strings.TrimSpace(cfg.AccountID),
		publishableKey: strings.TrimSpace(cfg.PublishableKey),
		logger:         logger,
	}, nil
}

// PublishableKey returns the browser-side key paired with this credential set.
func (p *StripeProvider) PublishableKey() string { return p.publishableKey }

// EnsureCustomer returns the first customer with the email, creating one when none exists.
func (p *StripeProvider) EnsureCustomer(ctx context.Context, email, name string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", errors.New("stripe: customer email is required")
	}
	list := &stripe.CustomerListParams{Email: stripe.String(email)}
	list.Context = ctx
	list.Limit = stripe.Int64(1)
	if p.account != "" {
		list.SetStripeAccount(p.account)
	}
	existing, err := p.api.customers.FindByEmail(list)
	if err != nil {
		return "", stripeGatewayError("customers.list", err)
	}
	if existing != nil && existing.ID != "" {
		return existing.ID, nil
	}

	params := &stripe.CustomerParams{Email: stripe.String(email)}
	params.Context = ctx
	if name = strings.TrimSpace(name); name != "" {
		params.Name = stripe.String(name)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	created, err := p.api.customers.New(params)
	if err != nil {
		return "", stripeGatewayError("customers.create", err)
	}
	p.logger(ctx, "payments.stripe.customer.created", map[string]any{"customerId": created.ID})
	return created.ID, nil
}

// CreateIntent creates an on-session PaymentIntent with automatic payment methods.
func (p *StripeProvider) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if req.AmountMinor <= 0 {
		return Intent{}, errors.New("stripe: amount must be positive")
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountMinor),
		Currency: stripe.String(strings.ToLower(defaultString(req.Currency, "usd"))),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if req.ReceiptEmail != "" {
		params.ReceiptEmail = stripe.String(req.ReceiptEmail)
	}
	if req.SaveForOffSession {
		params.SetupFutureUsage = stripe.String(string(stripe.PaymentIntentSetupFutureUsageOffSession))
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}

	intent, err := p.api.intents.New(params)
	if err != nil {
		return Intent{}, stripeGatewayError("payment_intents.create", err)
	}
	p.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"amount":        intent.Amount,
		"currency":      intent.Currency,
	})
	return stripeIntent(intent), nil
}

// GetIntent retrieves a PaymentIntent with its latest charge.
func (p *StripeProvider) GetIntent(ctx context.Context, id string) (Intent, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Intent{}, errors.New("stripe: payment intent id is required")
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	intent, err := p.api.intents.Get(id, params)
	if err != nil {
		return Intent{}, stripeGatewayError("payment_intents.get", err)
	}
	return stripeIntent(intent), nil
}

// UpdateDescription replaces the statement description shown in the dashboard.
func (p *StripeProvider) UpdateDescription(ctx context.Context, id, description string) error {
	params := &stripe.PaymentIntentParams{Description: stripe.String(description)}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if _, err := p.api.intents.Update(id, params); err != nil {
		return stripeGatewayError("payment_intents.update", err)
	}
	return nil
}

// ChargeOffSession confirms a PaymentIntent against a saved card. Card declines and
// authentication requests come back as *ChargeOutcomeError.
func (p *StripeProvider) ChargeOffSession(ctx context.Context, req OffSessionRequest) (Intent, error) {
	if req.AmountMinor <= 0 {
		return Intent{}, errors.New("stripe: amount must be positive")
	}
	if req.CustomerID == "" || req.PaymentMethodID == "" {
		return Intent{}, errors.New("stripe: customer and payment method are required")
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.AmountMinor),
		Currency:      stripe.String(strings.ToLower(defaultString(req.Currency, "usd"))),
		Customer:      stripe.String(req.CustomerID),
		PaymentMethod: stripe.String(req.PaymentMethodID),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	params.Context = ctx
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}

	intent, err := p.api.intents.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			if outcome := chargeOutcomeFromError(stripeErr); outcome != nil {
				p.logger(ctx, "payments.stripe.offsession.rejected", map[string]any{
					"outcome":     outcome.Outcome,
					"declineCode": outcome.DeclineCode,
				})
				return Intent{}, outcome
			}
		}
		return Intent{}, stripeGatewayError("payment_intents.offsession", err)
	}

	result := stripeIntent(intent)
	switch result.Status {
	case IntentSucceeded:
		p.logger(ctx, "payments.stripe.offsession.succeeded", map[string]any{"paymentIntent": result.ID})
		return result, nil
	case IntentRequiresAction:
		return result, &ChargeOutcomeError{Outcome: OutcomeRequiresAction, IntentID: result.ID, ClientSecret: result.ClientSecret}
	case IntentRequiresPaymentMethod:
		return result, &ChargeOutcomeError{Outcome: OutcomeDeclined, IntentID: result.ID}
	default:
		return result, &ChargeOutcomeError{Outcome: OutcomeFailed, IntentID: result.ID, Message: "unexpected status " + string(result.Status)}
	}
}

// ResolvePaymentMethod picks the card to charge off-session.
func (p *StripeProvider) ResolvePaymentMethod(ctx context.Context, customerID, preferred string) (string, error) {
	if preferred = strings.TrimSpace(preferred); preferred != "" {
		return preferred, nil
	}
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return "", ErrNoPaymentMethod
	}

	params := &stripe.CustomerParams{}
	params.Context = ctx
	params.AddExpand("invoice_settings.default_payment_method")
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	cust, err := p.api.customers.Get(customerID, params)
	if err != nil {
		return "", stripeGatewayError("customers.get", err)
	}
	if cust != nil && cust.InvoiceSettings != nil && cust.InvoiceSettings.DefaultPaymentMethod != nil {
		if id := cust.InvoiceSettings.DefaultPaymentMethod.ID; id != "" {
			return id, nil
		}
	}

	list := &stripe.PaymentMethodListParams{
		Customer: stripe.String(customerID),
		Type:     stripe.String(string(stripe.PaymentMethodTypeCard)),
	}
	list.Context = ctx
	list.Limit = stripe.Int64(1)
	if p.account != "" {
		list.SetStripeAccount(p.account)
	}
	methods, err := p.api.paymentMethods.List(list)
	if err != nil {
		return "", stripeGatewayError("payment_methods.list", err)
	}
	for _, pm := range methods {
		if pm != nil && pm.ID != "" {
			return pm.ID, nil
		}
	}
	return "", ErrNoPaymentMethod
}

func stripeIntent(intent *stripe.PaymentIntent) Intent {
	if intent == nil {
		return Intent{}
	}
	out := Intent{
		ID:           intent.ID,
		ClientSecret: intent.ClientSecret,
		Status:       IntentStatus(intent.Status),
		AmountMinor:  intent.Amount,
		Currency:     strings.ToUpper(string(intent.Currency)),
		Description:  intent.Description,
		Metadata:     intent.Metadata,
	}
	if intent.Customer != nil {
		out.CustomerID = intent.Customer.ID
	}
	if intent.PaymentMethod != nil {
		out.PaymentMethodID = intent.PaymentMethod.ID
	}
	if intent.LatestCharge != nil {
		out.LatestChargeID = intent.LatestCharge.ID
	}
	return out
}

func chargeOutcomeFromError(err *stripe.Error) *ChargeOutcomeError {
	if err == nil {
		return nil
	}
	intentID, secret := "", ""
	if err.PaymentIntent != nil {
		intentID = err.PaymentIntent.ID
		secret = err.PaymentIntent.ClientSecret
	}
	switch {
	case err.Code == stripe.ErrorCodeAuthenticationRequired:
		return &ChargeOutcomeError{Outcome: OutcomeRequiresAction, IntentID: intentID, ClientSecret: secret, Message: err.Msg}
	case err.Type == stripe.ErrorTypeCard:
		return &ChargeOutcomeError{Outcome: OutcomeDeclined, IntentID: intentID, DeclineCode: string(err.DeclineCode), Message: err.Msg}
	default:
		return nil
	}
}

func stripeGatewayError(op string, err error) error {
	gw := &GatewayError{Processor: processorStripe, Op: op, Err: err}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		gw.StatusCode = stripeErr.HTTPStatusCode
		gw.Code = string(stripeErr.Code)
		gw.Message = stripeErr.Msg
	}
	return gw
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

// customerLister adapts the Stripe customer client, whose list call returns an iterator.
type customerLister struct {
	c *customer.Client
}

func (l customerLister) FindByEmail(params *stripe.CustomerListParams) (*stripe.Customer, error) {
	iter := l.c.List(params)
	for iter.Next() {
		if cust := iter.Customer(); cust != nil && !cust.Deleted {
			return cust, nil
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}
	return nil, nil
}

func (l customerLister) New(params *stripe.CustomerParams) (*stripe.Customer, error) {
	return l.c.New(params)
}

func (l customerLister) Get(id string, params *stripe.CustomerParams) (*stripe.Customer, error) {
	return l.c.Get(id, params)
}

type paymentMethodLister struct {
	c *paymentmethod.Client
}

func (l paymentMethodLister) List(params *stripe.PaymentMethodListParams) ([]*stripe.PaymentMethod, error) {
	iter := l.c.List(params)
	var out []*stripe.PaymentMethod
	for iter.Next() {
		out = append(out, iter.PaymentMethod())
		if len(out) >= 10 {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list payment methods: %w", err)
	}
	return out, nil
}
