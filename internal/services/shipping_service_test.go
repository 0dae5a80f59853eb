package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/holisticpeople/funnel-checkout/internal/domain"
	"github.com/holisticpeople/funnel-checkout/internal/shipping"
)

func newTestShippingService(t *testing.T, env *testEnv, rates *stubRates, allowed []string, clock func() time.Time) ShippingService {
	t.Helper()
	svc, err := NewShippingService(ShippingServiceDeps{
		Rates:           rates,
		Catalog:         env.catalog,
		Funnels:         env.funnels,
		AllowedServices: allowed,
		FromPostalCode:  "10001",
		CacheTTL:        time.Minute,
		Clock:           clock,
	})
	if err != nil {
		t.Fatalf("shipping service: %v", err)
	}
	return svc
}

func ratesCommand() RatesCommand {
	return RatesCommand{
		FunnelID: "summer",
		Address:  testAddress(),
		Lines:    []domain.CartLine{{SKU: "SKU-A", Quantity: 2}},
	}
}

func carrierRates(req shipping.RateRequest) []domain.ShippingRate {
	switch req.CarrierCode {
	case "stamps_com":
		return []domain.ShippingRate{
			{CarrierCode: "stamps_com", ServiceCode: "usps_priority_mail", ServiceName: "USPS Priority Mail", ShipmentCost: dec("9.10"), OtherCost: dec("0.40")},
			{CarrierCode: "stamps_com", ServiceCode: "usps_first_class_mail", ServiceName: "USPS First Class", ShipmentCost: dec("4.50")},
		}
	default:
		return []domain.ShippingRate{
			{CarrierCode: "ups_walleted", ServiceCode: "ups_ground", ServiceName: "UPS Ground", ShipmentCost: dec("9.50")},
			{CarrierCode: "ups_walleted", ServiceCode: "ups_next_day_air", ServiceName: "UPS Next Day Air", ShipmentCost: dec("42")},
		}
	}
}

func TestShippingRatesRankedAcrossCarriers(t *testing.T) {
	env := newTestEnv(t)
	var parcel shipping.Parcel
	rates := &stubRates{fn: func(_ context.Context, req shipping.RateRequest) ([]domain.ShippingRate, error) {
		parcel = req.Parcel
		if !req.Residential || req.FromPostalCode != "10001" {
			t.Errorf("unexpected request %+v", req)
		}
		return carrierRates(req), nil
	}}
	svc := newTestShippingService(t, env, rates, nil, fixedClock)

	got, err := svc.Rates(context.Background(), ratesCommand())
	if err != nil {
		t.Fatalf("rates: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 rates, got %d", len(got))
	}
	want := []string{"USPS First Class", "UPS Ground", "USPS Priority Mail", "UPS Next Day Air"}
	for i, name := range want {
		if got[i].ServiceName != name {
			t.Fatalf("rank %d: expected %s, got %s", i, name, got[i].ServiceName)
		}
	}
	if !parcel.WeightOunces.Equal(dec("16")) || !parcel.Value.Equal(dec("80")) {
		t.Fatalf("unexpected parcel %+v", parcel)
	}
}

func TestShippingRatesAllowListKeepsBlankCodes(t *testing.T) {
	env := newTestEnv(t)
	rates := &stubRates{fn: func(_ context.Context, req shipping.RateRequest) ([]domain.ShippingRate, error) {
		out := carrierRates(req)
		if req.CarrierCode == "stamps_com" {
			out = append(out, domain.ShippingRate{CarrierCode: "stamps_com", ServiceName: "Legacy", ShipmentCost: dec("7")})
		}
		return out, nil
	}}
	svc := newTestShippingService(t, env, rates, []string{"UPS_GROUND"}, fixedClock)

	got, err := svc.Rates(context.Background(), ratesCommand())
	if err != nil {
		t.Fatalf("rates: %v", err)
	}
	if len(got) != 2 || got[0].ServiceName != "Legacy" || got[1].ServiceCode != "ups_ground" {
		t.Fatalf("unexpected filtered rates %+v", got)
	}
}

func TestShippingRatesCachedUntilExpiry(t *testing.T) {
	env := newTestEnv(t)
	now := fixedNow
	rates := &stubRates{fn: func(_ context.Context, req shipping.RateRequest) ([]domain.ShippingRate, error) {
		return carrierRates(req), nil
	}}
	svc := newTestShippingService(t, env, rates, nil, func() time.Time { return now })
	ctx := context.Background()

	for range 3 {
		if _, err := svc.Rates(ctx, ratesCommand()); err != nil {
			t.Fatalf("rates: %v", err)
		}
	}
	if rates.calls != 2 {
		t.Fatalf("expected one call per carrier, got %d", rates.calls)
	}

	now = now.Add(2 * time.Minute)
	if _, err := svc.Rates(ctx, ratesCommand()); err != nil {
		t.Fatalf("rates: %v", err)
	}
	if rates.calls != 4 {
		t.Fatalf("expected refetch after expiry, got %d calls", rates.calls)
	}
}

func TestShippingQuoteUsesShoppedCost(t *testing.T) {
	env := newTestEnv(t)
	rates := &stubRates{fn: func(_ context.Context, req shipping.RateRequest) ([]domain.ShippingRate, error) {
		return carrierRates(req), nil
	}}
	svc := newTestShippingService(t, env, rates, nil, fixedClock)
	ctx := context.Background()

	if _, err := svc.Rates(ctx, ratesCommand()); err != nil {
		t.Fatalf("rates: %v", err)
	}
	got, err := svc.Quote(ctx, ratesCommand(), domain.ShippingRate{CarrierCode: "ups_walleted", ServiceCode: "ups_ground", ShipmentCost: dec("0.01")})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !got.Total().Equal(dec("9.50")) || got.ServiceName != "UPS Ground" {
		t.Fatalf("expected shopped rate, got %+v", got)
	}
	if rates.calls != 2 {
		t.Fatalf("expected quote to reuse cached rates, got %d calls", rates.calls)
	}

	for name, selected := range map[string]domain.ShippingRate{
		"wrong carrier": {CarrierCode: "stamps_com", ServiceCode: "ups_ground"},
		"no service":    {CarrierCode: "ups_walleted"},
		"free sentinel": {ServiceCode: domain.FreeShippingServiceCode},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.Quote(ctx, ratesCommand(), selected); !errors.Is(err, ErrCheckoutInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
}

func TestShippingRatesPartialCarrierFailure(t *testing.T) {
	env := newTestEnv(t)
	rates := &stubRates{fn: func(_ context.Context, req shipping.RateRequest) ([]domain.ShippingRate, error) {
		if req.CarrierCode == "ups_walleted" {
			return nil, &shipping.Error{Kind: shipping.KindGateway, Carrier: req.CarrierCode, Message: "bad account"}
		}
		return carrierRates(req), nil
	}}
	svc := newTestShippingService(t, env, rates, nil, fixedClock)

	got, err := svc.Rates(context.Background(), ratesCommand())
	if err != nil {
		t.Fatalf("rates: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected surviving carrier rates, got %d", len(got))
	}
}

func TestShippingRatesUnavailableAggregatesMessages(t *testing.T) {
	env := newTestEnv(t)
	rates := &stubRates{fn: func(_ context.Context, req shipping.RateRequest) ([]domain.ShippingRate, error) {
		return nil, &shipping.Error{Kind: shipping.KindUnavailable, Carrier: req.CarrierCode, Message: "timeout"}
	}}
	svc := newTestShippingService(t, env, rates, nil, fixedClock)

	_, err := svc.Rates(context.Background(), ratesCommand())
	if !errors.Is(err, ErrShippingUnavailable) {
		t.Fatalf("expected shipping unavailable, got %v", err)
	}
	var unavailable *ShippingUnavailableError
	if !errors.As(err, &unavailable) || len(unavailable.Messages) != 2 {
		t.Fatalf("expected both carrier messages, got %v", err)
	}
	if !strings.HasPrefix(unavailable.Messages[0], "stamps_com: timeout") {
		t.Fatalf("unexpected message %q", unavailable.Messages[0])
	}
}

func TestShippingRatesFreeShippingCountry(t *testing.T) {
	env := newTestEnv(t)
	funnel := testFunnel()
	funnel.FreeShippingCountries = []string{"us"}
	env.store.PutFunnel(funnel)
	rates := &stubRates{fn: func(context.Context, shipping.RateRequest) ([]domain.ShippingRate, error) {
		t.Error("carrier should not be queried")
		return nil, nil
	}}
	svc := newTestShippingService(t, env, rates, nil, fixedClock)

	got, err := svc.Rates(context.Background(), ratesCommand())
	if err != nil {
		t.Fatalf("rates: %v", err)
	}
	if len(got) != 1 || !got[0].IsFree() || !got[0].Total().IsZero() {
		t.Fatalf("expected single free rate, got %+v", got)
	}
}

func TestShippingRatesValidatesAddress(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestShippingService(t, env, &stubRates{}, nil, fixedClock)
	cmd := ratesCommand()
	cmd.Address.PostalCode = ""
	if _, err := svc.Rates(context.Background(), cmd); !errors.Is(err, ErrCheckoutInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
