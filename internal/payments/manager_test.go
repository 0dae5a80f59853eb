package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/holisticpeople/funnel-checkout/internal/domain"
)

type fakeCardProvider struct {
	name   string
	lastOp string
	intent Intent
	err    error
	pubKey string
}

func (f *fakeCardProvider) EnsureCustomer(context.Context, string, string) (string, error) {
	f.lastOp = "customer"
	return "cus_" + f.name, f.err
}

func (f *fakeCardProvider) CreateIntent(context.Context, IntentRequest) (Intent, error) {
	f.lastOp = "create"
	return f.intent, f.err
}

func (f *fakeCardProvider) GetIntent(context.Context, string) (Intent, error) {
	f.lastOp = "get"
	return f.intent, f.err
}

func (f *fakeCardProvider) UpdateDescription(context.Context, string, string) error {
	f.lastOp = "describe"
	return f.err
}

func (f *fakeCardProvider) ChargeOffSession(context.Context, OffSessionRequest) (Intent, error) {
	f.lastOp = "offsession"
	return f.intent, f.err
}

func (f *fakeCardProvider) ResolvePaymentMethod(context.Context, string, string) (string, error) {
	f.lastOp = "resolve"
	return "pm_" + f.name, f.err
}

func (f *fakeCardProvider) PublishableKey() string { return f.pubKey }

func TestManagerRoutesByMode(t *testing.T) {
	ctx := context.Background()
	test := &fakeCardProvider{name: "test", pubKey: "pk_test"}
	live := &fakeCardProvider{name: "live", pubKey: "pk_live"}

	mgr, err := NewManager(map[domain.ProcessorMode]CardProvider{
		domain.ProcessorModeTest: test,
		domain.ProcessorModeLive: live,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	id, err := mgr.EnsureCustomer(ctx, domain.ProcessorModeLive, "a@example.com", "")
	if err != nil {
		t.Fatalf("ensure customer: %v", err)
	}
	if id != "cus_live" || live.lastOp != "customer" || test.lastOp != "" {
		t.Fatalf("expected live provider to handle call, got id=%q test=%q", id, test.lastOp)
	}

	key, err := mgr.PublishableKey(domain.ProcessorModeTest)
	if err != nil || key != "pk_test" {
		t.Fatalf("expected test publishable key, got %q %v", key, err)
	}
}

func TestManagerRejectsUnknownMode(t *testing.T) {
	mgr, err := NewManager(map[domain.ProcessorMode]CardProvider{
		domain.ProcessorModeTest: &fakeCardProvider{name: "test"},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := mgr.GetIntent(context.Background(), domain.ProcessorModeLive, "pi_1"); !errors.Is(err, ErrUnsupportedMode) {
		t.Fatalf("expected ErrUnsupportedMode, got %v", err)
	}
}

func TestNewManagerValidatesRegistrations(t *testing.T) {
	if _, err := NewManager(nil); err == nil {
		t.Fatalf("expected error for empty providers")
	}
	if _, err := NewManager(map[domain.ProcessorMode]CardProvider{"staging": &fakeCardProvider{}}); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}
