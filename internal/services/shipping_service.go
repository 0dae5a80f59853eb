package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/holisticpeople/funnel-checkout/internal/domain"
	"github.com/holisticpeople/funnel-checkout/internal/platform/telemetry"
	"github.com/holisticpeople/funnel-checkout/internal/shipping"
)

const (
	defaultRateCacheTTL = 5 * time.Minute
	freeShippingName    = "Free Shipping"
)

var (
	defaultCarriers = []string{"stamps_com", "ups_walleted"}
	minParcelOunces = decimal.NewFromInt(1)
)

// ShippingServiceDeps wires the dependencies required by the shipping service.
type ShippingServiceDeps struct {
	Rates           RateProvider
	Catalog         CatalogService
	Funnels         FunnelService
	Carriers        []string
	AllowedServices []string
	FromPostalCode  string
	CacheTTL        time.Duration
	Clock           func() time.Time
	Logger          EventLogger
	Metrics         *telemetry.CheckoutMetrics
}

type shippingService struct {
	rates          RateProvider
	catalog        CatalogService
	funnels        FunnelService
	carriers       []string
	allowed        map[string]struct{}
	fromPostalCode string
	ttl            time.Duration
	now            func() time.Time
	logger         EventLogger
	metrics        *telemetry.CheckoutMetrics

	mu    sync.Mutex
	cache map[string]rateCacheEntry
}

type rateCacheEntry struct {
	rates     []domain.ShippingRate
	expiresAt time.Time
}

var _ ShippingService = (*shippingService)(nil)

// NewShippingService constructs a ShippingService validating required dependencies.
func NewShippingService(deps ShippingServiceDeps) (ShippingService, error) {
	if deps.Rates == nil {
		return nil, errors.New("shipping service: rate provider is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("shipping service: catalog service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	ttl := deps.CacheTTL
	if ttl <= 0 {
		ttl = defaultRateCacheTTL
	}

	var carriers []string
	for _, carrier := range deps.Carriers {
		if carrier = strings.TrimSpace(carrier); carrier != "" && !slices.Contains(carriers, carrier) {
			carriers = append(carriers, carrier)
		}
	}
	if len(carriers) == 0 {
		carriers = slices.Clone(defaultCarriers)
	}
	allowed := make(map[string]struct{}, len(deps.AllowedServices))
	for _, code := range deps.AllowedServices {
		if code = strings.ToLower(strings.TrimSpace(code)); code != "" {
			allowed[code] = struct{}{}
		}
	}

	return &shippingService{
		rates:          deps.Rates,
		catalog:        deps.Catalog,
		funnels:        deps.Funnels,
		carriers:       carriers,
		allowed:        allowed,
		fromPostalCode: strings.TrimSpace(deps.FromPostalCode),
		ttl:            ttl,
		now: func() time.Time {
			return clock().UTC()
		},
		logger:  logger,
		metrics: deps.Metrics,
		cache:   make(map[string]rateCacheEntry),
	}, nil
}

func (s *shippingService) Rates(ctx context.Context, cmd RatesCommand) ([]domain.ShippingRate, error) {
	addr := cmd.Address
	if strings.TrimSpace(addr.Country) == "" || strings.TrimSpace(addr.PostalCode) == "" || strings.TrimSpace(addr.City) == "" {
		return nil, invalidInput("address requires country, postal code and city")
	}
	if len(cmd.Lines) == 0 {
		return nil, invalidInput("items are required")
	}

	if s.funnels != nil && strings.TrimSpace(cmd.FunnelID) != "" {
		funnel, err := s.funnels.Config(ctx, cmd.FunnelID)
		if err != nil {
			return nil, err
		}
		if funnel.IsFreeShippingCountry(addr.Country) {
			return []domain.ShippingRate{{
				ServiceCode: domain.FreeShippingServiceCode,
				ServiceName: freeShippingName,
			}}, nil
		}
	}

	parcel, err := s.parcel(ctx, cmd.Lines)
	if err != nil {
		return nil, err
	}

	key := rateCacheKey(addr, parcel)
	if cached, ok := s.cached(key); ok {
		return cached, nil
	}

	results := make([][]domain.ShippingRate, len(s.carriers))
	failures := make([]string, len(s.carriers))
	g, gctx := errgroup.WithContext(ctx)
	for i, carrier := range s.carriers {
		g.Go(func() error {
			callCtx, done := observeGateway(gctx, s.metrics, "shipping", "get_rates")
			rates, err := s.rates.GetRates(callCtx, shipping.RateRequest{
				CarrierCode:    carrier,
				FromPostalCode: s.fromPostalCode,
				To:             addr,
				Parcel:         parcel,
				Residential:    strings.TrimSpace(addr.Company) == "",
			})
			done(err)
			if err != nil {
				failures[i] = fmt.Sprintf("%s: %s", carrier, carrierMessage(err))
				s.logger(gctx, "shipping.carrier_failed", map[string]any{
					"carrier": carrier,
					"error":   err.Error(),
				})
				return nil
			}
			if len(rates) == 0 {
				failures[i] = carrier + ": no rates returned"
			}
			results[i] = rates
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []domain.ShippingRate
	for _, rates := range results {
		all = append(all, rates...)
	}
	if len(all) == 0 {
		var messages []string
		for _, msg := range failures {
			if msg != "" {
				messages = append(messages, msg)
			}
		}
		return nil, &ShippingUnavailableError{Messages: messages}
	}

	filtered := s.filter(all)
	if len(filtered) == 0 {
		return nil, &ShippingUnavailableError{}
	}
	rankRates(filtered)
	s.store(key, filtered)
	return slices.Clone(filtered), nil
}

func (s *shippingService) Quote(ctx context.Context, cmd RatesCommand, selected domain.ShippingRate) (domain.ShippingRate, error) {
	service := strings.TrimSpace(selected.ServiceCode)
	if service == "" {
		return domain.ShippingRate{}, invalidInput("selected shipping rate requires a service code")
	}
	rates, err := s.Rates(ctx, cmd)
	if err != nil {
		return domain.ShippingRate{}, err
	}
	carrier := strings.TrimSpace(selected.CarrierCode)
	for _, rate := range rates {
		if strings.EqualFold(rate.ServiceCode, service) && strings.EqualFold(rate.CarrierCode, carrier) {
			return rate, nil
		}
	}
	return domain.ShippingRate{}, invalidInput("shipping rate %s/%s is not available for this cart", carrier, service)
}

func (s *shippingService) parcel(ctx context.Context, lines []domain.CartLine) (shipping.Parcel, error) {
	active := make([]domain.CartLine, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line.SKU) == "" {
			return shipping.Parcel{}, invalidInput("item sku is required")
		}
		if line.Quantity > 0 {
			line.SKU = strings.TrimSpace(line.SKU)
			active = append(active, line)
		}
	}
	if len(active) == 0 {
		return shipping.Parcel{}, invalidInput("no items selected")
	}
	products, err := s.catalog.Products(ctx, lineSKUs(active))
	if err != nil {
		return shipping.Parcel{}, err
	}

	weight := decimal.Zero
	value := decimal.Zero
	for _, line := range active {
		product := products[line.SKU]
		qty := decimal.NewFromInt(int64(line.Quantity))
		weight = weight.Add(product.WeightOunces.Mul(qty))
		value = value.Add(product.CurrentPrice().Mul(qty))
	}
	if weight.LessThan(minParcelOunces) {
		weight = minParcelOunces
	}
	return shipping.Parcel{WeightOunces: weight, Value: value.Round(2)}, nil
}

func (s *shippingService) filter(rates []domain.ShippingRate) []domain.ShippingRate {
	if len(s.allowed) == 0 {
		return rates
	}
	out := make([]domain.ShippingRate, 0, len(rates))
	for _, rate := range rates {
		code := strings.ToLower(strings.TrimSpace(rate.ServiceCode))
		if code == "" {
			out = append(out, rate)
			continue
		}
		if _, ok := s.allowed[code]; ok {
			out = append(out, rate)
		}
	}
	return out
}

func (s *shippingService) cached(key string) ([]domain.ShippingRate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[key]
	if !ok {
		return nil, false
	}
	if !s.now().Before(entry.expiresAt) {
		delete(s.cache, key)
		return nil, false
	}
	return slices.Clone(entry.rates), true
}

func (s *shippingService) store(key string, rates []domain.ShippingRate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, entry := range s.cache {
		if !now.Before(entry.expiresAt) {
			delete(s.cache, k)
		}
	}
	s.cache[key] = rateCacheEntry{rates: slices.Clone(rates), expiresAt: now.Add(s.ttl)}
}

// rankRates orders rates by total cost, then by service name.
func rankRates(rates []domain.ShippingRate) {
	slices.SortStableFunc(rates, func(a, b domain.ShippingRate) int {
		if c := a.Total().Cmp(b.Total()); c != 0 {
			return c
		}
		return strings.Compare(a.ServiceName, b.ServiceName)
	})
}

func rateCacheKey(addr domain.Address, parcel shipping.Parcel) string {
	parts := []string{
		strings.ToUpper(strings.TrimSpace(addr.Country)),
		strings.ToUpper(strings.TrimSpace(addr.State)),
		strings.ToUpper(strings.ReplaceAll(addr.PostalCode, " ", "")),
		strings.ToLower(strings.TrimSpace(addr.City)),
		strings.ToLower(strings.TrimSpace(addr.Company)),
		parcel.WeightOunces.String(),
		parcel.Value.String(),
	}
	return strings.Join(parts, "|")
}

func carrierMessage(err error) string {
	var shipErr *shipping.Error
	if errors.As(err, &shipErr) && shipErr.Message != "" {
		return shipErr.Message
	}
	return err.Error()
}
