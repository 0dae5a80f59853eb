package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/stripe/stripe-go/v78"
)

type fakeIntentAPI struct {
	newParams []*stripe.PaymentIntentParams
	newResult *stripe.PaymentIntent
	newErr    error
	updated   map[string]string
}

func (f *fakeIntentAPI) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.newParams = append(f.newParams, params)
	return f.newResult, f.newErr
}

func (f *fakeIntentAPI) Get(id string, _ *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return &stripe.PaymentIntent{
		ID:           id,
		Status:       stripe.PaymentIntentStatusSucceeded,
		Amount:       1250,
		Currency:     stripe.CurrencyUSD,
		Customer:     &stripe.Customer{ID: "cus_1"},
		LatestCharge: &stripe.Charge{ID: "ch_1"},
	}, nil
}

func (f *fakeIntentAPI) Update(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	if f.updated == nil {
		f.updated = map[string]string{}
	}
	f.updated[id] = stripe.StringValue(params.Description)
	return &stripe.PaymentIntent{ID: id}, nil
}

type fakeCustomerAPI struct {
	existing *stripe.Customer
	created  int
	get      *stripe.Customer
}

func (f *fakeCustomerAPI) FindByEmail(*stripe.CustomerListParams) (*stripe.Customer, error) {
	return f.existing, nil
}

func (f *fakeCustomerAPI) New(params *stripe.CustomerParams) (*stripe.Customer, error) {
	f.created++
	return &stripe.Customer{ID: "cus_new", Email: stripe.StringValue(params.Email)}, nil
}

func (f *fakeCustomerAPI) Get(id string, _ *stripe.CustomerParams) (*stripe.Customer, error) {
	if f.get == nil {
		return &stripe.Customer{ID: id}, nil
	}
	return f.get, nil
}

type fakePaymentMethodAPI struct {
	methods []*stripe.PaymentMethod
}

func (f *fakePaymentMethodAPI) List(*stripe.PaymentMethodListParams) ([]*stripe.PaymentMethod, error) {
	return f.methods, nil
}

func newTestStripeProvider(t *testing.T, intents *fakeIntentAPI, customers *fakeCustomerAPI, methods *fakePaymentMethodAPI) *StripeProvider {
	t.Helper()
	p, err := NewStripeProvider(StripeProviderConfig{
		PublishableKey: "pk_test_1",
		Clients: &stripeClients{
			intents:        intents,
			customers:      customers,
			paymentMethods: methods,
		},
	})
	if err != nil {
		t.Fatalf("new stripe provider: %v", err)
	}
	return p
}

func TestStripeEnsureCustomerReusesExisting(t *testing.T) {
	customers := &fakeCustomerAPI{existing: &stripe.Customer{ID: "cus_existing"}}
	p := newTestStripeProvider(t, &fakeIntentAPI{}, customers, &fakePaymentMethodAPI{})

	id, err := p.EnsureCustomer(context.Background(), "Buyer@Example.com", "Ann Lee")
	if err != nil {
		t.Fatalf("ensure customer: %v", err)
	}
	if id != "cus_existing" || customers.created != 0 {
		t.Fatalf("expected existing customer, got %q created=%d", id, customers.created)
	}

	customers.existing = nil
	id, err = p.EnsureCustomer(context.Background(), "new@example.com", "")
	if err != nil || id != "cus_new" || customers.created != 1 {
		t.Fatalf("expected new customer, got %q %v created=%d", id, err, customers.created)
	}
}

func TestStripeCreateIntentSetsOffSessionAndIdempotency(t *testing.T) {
	intents := &fakeIntentAPI{newResult: &stripe.PaymentIntent{ID: "pi_1", ClientSecret: "pi_1_secret", Status: stripe.PaymentIntentStatusRequiresPaymentMethod, Amount: 1599}}
	p := newTestStripeProvider(t, intents, &fakeCustomerAPI{}, &fakePaymentMethodAPI{})

	intent, err := p.CreateIntent(context.Background(), IntentRequest{
		AmountMinor:       1599,
		Currency:          "USD",
		CustomerID:        "cus_1",
		Description:       "Brand - Spring",
		SaveForOffSession: true,
		Metadata:          map[string]string{"order_draft_id": "drf_1"},
		IdempotencyKey:    "draft:drf_1",
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if intent.ClientSecret != "pi_1_secret" {
		t.Fatalf("unexpected intent %+v", intent)
	}
	params := intents.newParams[0]
	if stripe.StringValue(params.SetupFutureUsage) != "off_session" {
		t.Fatalf("expected off_session setup, got %q", stripe.StringValue(params.SetupFutureUsage))
	}
	if stripe.StringValue(params.IdempotencyKey) != "draft:drf_1" {
		t.Fatalf("expected idempotency key, got %q", stripe.StringValue(params.IdempotencyKey))
	}
	if stripe.StringValue(params.Currency) != "usd" || stripe.Int64Value(params.Amount) != 1599 {
		t.Fatalf("unexpected amount params %v %v", params.Currency, params.Amount)
	}
	if params.Metadata["order_draft_id"] != "drf_1" {
		t.Fatalf("expected metadata, got %+v", params.Metadata)
	}
}

func TestStripeGetIntentNormalises(t *testing.T) {
	p := newTestStripeProvider(t, &fakeIntentAPI{}, &fakeCustomerAPI{}, &fakePaymentMethodAPI{})
	intent, err := p.GetIntent(context.Background(), "pi_9")
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if intent.Status != IntentSucceeded || intent.CustomerID != "cus_1" || intent.LatestChargeID != "ch_1" || intent.Currency != "USD" {
		t.Fatalf("unexpected intent %+v", intent)
	}
}

func TestStripeChargeOffSessionOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		result  *stripe.PaymentIntent
		err     error
		outcome ChargeOutcome
		gateway bool
	}{
		{
			name:   "succeeded",
			result: &stripe.PaymentIntent{ID: "pi_ok", Status: stripe.PaymentIntentStatusSucceeded},
		},
		{
			name: "card declined",
			err: &stripe.Error{
				Type:        stripe.ErrorTypeCard,
				Code:        stripe.ErrorCodeCardDeclined,
				DeclineCode: stripe.DeclineCodeInsufficientFunds,
				Msg:         "Your card has insufficient funds.",
			},
			outcome: OutcomeDeclined,
		},
		{
			name: "authentication required",
			err: &stripe.Error{
				Type:          stripe.ErrorTypeCard,
				Code:          stripe.ErrorCodeAuthenticationRequired,
				PaymentIntent: &stripe.PaymentIntent{ID: "pi_auth", ClientSecret: "pi_auth_secret"},
			},
			outcome: OutcomeRequiresAction,
		},
		{
			name:    "api failure",
			err:     &stripe.Error{Type: stripe.ErrorTypeAPI, HTTPStatusCode: 500, Msg: "boom"},
			gateway: true,
		},
		{
			name:    "processing",
			result:  &stripe.PaymentIntent{ID: "pi_proc", Status: stripe.PaymentIntentStatusProcessing},
			outcome: OutcomeFailed,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			intents := &fakeIntentAPI{newResult: tc.result, newErr: tc.err}
			p := newTestStripeProvider(t, intents, &fakeCustomerAPI{}, &fakePaymentMethodAPI{})
			_, err := p.ChargeOffSession(context.Background(), OffSessionRequest{
				AmountMinor:     2500,
				CustomerID:      "cus_1",
				PaymentMethodID: "pm_1",
				IdempotencyKey:  "upsell:ord_1:abc",
			})

			var outcome *ChargeOutcomeError
			var gw *GatewayError
			switch {
			case tc.gateway:
				if !errors.As(err, &gw) || gw.StatusCode != 500 {
					t.Fatalf("expected gateway error, got %v", err)
				}
			case tc.outcome != "":
				if !errors.As(err, &outcome) || outcome.Outcome != tc.outcome {
					t.Fatalf("expected %s outcome, got %v", tc.outcome, err)
				}
				if tc.outcome == OutcomeRequiresAction && outcome.ClientSecret != "pi_auth_secret" {
					t.Fatalf("expected client secret on requires_action, got %q", outcome.ClientSecret)
				}
			default:
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			}
			params := intents.newParams[0]
			if !stripe.BoolValue(params.OffSession) || !stripe.BoolValue(params.Confirm) {
				t.Fatalf("expected confirmed off-session intent")
			}
		})
	}
}

func TestStripeResolvePaymentMethodOrder(t *testing.T) {
	customers := &fakeCustomerAPI{get: &stripe.Customer{
		ID:              "cus_1",
		InvoiceSettings: &stripe.CustomerInvoiceSettings{DefaultPaymentMethod: &stripe.PaymentMethod{ID: "pm_default"}},
	}}
	methods := &fakePaymentMethodAPI{methods: []*stripe.PaymentMethod{{ID: "pm_first"}}}
	p := newTestStripeProvider(t, &fakeIntentAPI{}, customers, methods)
	ctx := context.Background()

	if pm, _ := p.ResolvePaymentMethod(ctx, "cus_1", "pm_saved"); pm != "pm_saved" {
		t.Fatalf("expected saved method first, got %q", pm)
	}
	if pm, _ := p.ResolvePaymentMethod(ctx, "cus_1", ""); pm != "pm_default" {
		t.Fatalf("expected default method, got %q", pm)
	}
	customers.get = &stripe.Customer{ID: "cus_1"}
	if pm, _ := p.ResolvePaymentMethod(ctx, "cus_1", ""); pm != "pm_first" {
		t.Fatalf("expected first listed card, got %q", pm)
	}
	methods.methods = nil
	if _, err := p.ResolvePaymentMethod(ctx, "cus_1", ""); !errors.Is(err, ErrNoPaymentMethod) {
		t.Fatalf("expected ErrNoPaymentMethod, got %v", err)
	}
}
