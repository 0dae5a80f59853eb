package services

import (
	"context"
	"errors"
	"testing"

	"github.com/holisticpeople/funnel-checkout/internal/domain"
)

func TestFunnelResolveMapsModes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	active, err := env.funnels.Resolve(ctx, "summer")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if active.Mode != domain.ProcessorModeTest {
		t.Fatalf("expected test processor mode, got %s", active.Mode)
	}

	live := testFunnel()
	live.Mode = domain.FunnelModeLive
	env.store.PutFunnel(live)
	active, err = env.funnels.Resolve(ctx, "summer")
	if err != nil {
		t.Fatalf("resolve live: %v", err)
	}
	if active.Mode != domain.ProcessorModeLive {
		t.Fatalf("expected live processor mode, got %s", active.Mode)
	}
}

func TestFunnelResolveDisabledUsesFallbackRedirect(t *testing.T) {
	env := newTestEnv(t)
	env.store.PutFunnel(domain.FunnelConfig{ID: "winter", Name: "Winter", Mode: domain.FunnelModeOff})
	svc, err := NewFunnelService(FunnelServiceDeps{Funnels: env.store.Funnels(), RedirectURL: "https://example.com/shop"})
	if err != nil {
		t.Fatalf("funnel service: %v", err)
	}

	_, err = svc.Resolve(context.Background(), "winter")
	var disabled *FunnelDisabledError
	if !errors.As(err, &disabled) {
		t.Fatalf("expected disabled error, got %v", err)
	}
	if disabled.RedirectURL != "https://example.com/shop" || disabled.FunnelID != "winter" {
		t.Fatalf("unexpected disabled error %+v", disabled)
	}

	cfg, err := svc.Config(context.Background(), "winter")
	if err != nil {
		t.Fatalf("config should not gate on mode: %v", err)
	}
	if cfg.Name != "Winter" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestFunnelStatus(t *testing.T) {
	env := newTestEnv(t)
	status, err := env.funnels.Status(context.Background(), "summer")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Enabled || status.ProcessorMode != domain.ProcessorModeTest || status.RedirectURL != "" {
		t.Fatalf("unexpected status %+v", status)
	}
	if len(status.OfferIDs) != 2 || status.OfferIDs[0] != "single-a" {
		t.Fatalf("unexpected offer ids %v", status.OfferIDs)
	}
}

func TestFunnelUnknownIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.funnels.Resolve(context.Background(), "missing"); !errors.Is(err, ErrCheckoutNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.funnels.Config(context.Background(), ""); !errors.Is(err, ErrCheckoutNotFound) {
		t.Fatalf("expected default funnel lookup to miss, got %v", err)
	}
}
