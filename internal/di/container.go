package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holisticpeople/funnel-checkout/internal/domain"
	"github.com/holisticpeople/funnel-checkout/internal/platform/config"
	"github.com/holisticpeople/funnel-checkout/internal/platform/telemetry"
	"github.com/holisticpeople/funnel-checkout/internal/repositories"
	"github.com/holisticpeople/funnel-checkout/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled in NewContainer; a nil field means its dependencies were not configured.
type Services struct {
	Funnels   services.FunnelService
	Catalog   services.CatalogService
	Numbers   services.OrderNumberIssuer
	Shipping  services.ShippingService
	Assembler services.OrderAssembler
	Checkout  services.CheckoutService
	Wallet    services.WalletCheckoutService
	Upsell    services.UpsellService
	System    services.SystemService
}

// Infrastructure carries the external clients the services call out to. Every field is
// optional; the services that need a missing client are skipped.
type Infrastructure struct {
	Cards     services.CardGateway
	Wallet    services.WalletGateway
	Rates     services.RateProvider
	Publisher services.OrderEventPublisher
	Health    repositories.HealthRepository
	Metrics   *telemetry.CheckoutMetrics
	Logger    services.EventLogger
	Build     services.BuildInfo
	Clock     func() time.Time
}

func (i Infrastructure) capabilities() map[string]bool {
	return map[string]bool{
		domain.CapabilityCard:        i.Cards != nil,
		domain.CapabilityWallet:      i.Wallet != nil,
		domain.CapabilityShipping:    i.Rates != nil,
		domain.CapabilityOrderEvents: i.Publisher != nil,
	}
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring passes the Firestore
// registry, while local runs and tests can supply the in-memory store.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, infra Infrastructure) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(ctx, reg, cfg, infra)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases the repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, infra Infrastructure) (Services, error) {
	var svc Services
	clock := infra.Clock
	if clock == nil {
		clock = time.Now
	}

	funnelSvc, err := services.NewFunnelService(services.FunnelServiceDeps{
		Funnels:     reg.Funnels(),
		RedirectURL: cfg.Checkout.ClosedRedirect,
		Clock:       clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build funnel service: %w", err)
	}
	svc.Funnels = funnelSvc

	catalogSvc, err := services.NewCatalogService(services.CatalogServiceDeps{
		Products: reg.Products(),
		Currency: cfg.Checkout.Currency,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build catalog service: %w", err)
	}
	svc.Catalog = catalogSvc

	numbers, err := services.NewOrderNumberIssuer(services.OrderNumberDeps{
		Sequences: reg.Sequences(),
		Prefix:    cfg.Checkout.OrderPrefix,
		Start:     cfg.Checkout.OrderStart,
		Block:     cfg.Checkout.OrderBlock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order numbers: %w", err)
	}
	svc.Numbers = numbers

	if infra.Health != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: infra.Health,
			Capabilities:     infra.capabilities(),
			Clock:            clock,
			Build:            infra.Build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	if infra.Rates != nil {
		shippingSvc, err := services.NewShippingService(services.ShippingServiceDeps{
			Rates:           infra.Rates,
			Catalog:         catalogSvc,
			Funnels:         funnelSvc,
			Carriers:        cfg.Shipping.Carriers,
			AllowedServices: cfg.Shipping.AllowedServices,
			FromPostalCode:  cfg.Shipping.FromPostalCode,
			CacheTTL:        cfg.Shipping.CacheTTL,
			Clock:           clock,
			Logger:          infra.Logger,
			Metrics:         infra.Metrics,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build shipping service: %w", err)
		}
		svc.Shipping = shippingSvc
	}

	assembler, err := services.NewOrderAssembler(services.OrderAssemblerDeps{
		Orders:    reg.Orders(),
		Numbers:   numbers,
		Catalog:   catalogSvc,
		Publisher: infra.Publisher,
		Metrics:   infra.Metrics,
		Clock:     clock,
		Logger:    infra.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order assembler: %w", err)
	}
	svc.Assembler = assembler

	if infra.Cards == nil && infra.Wallet == nil {
		return svc, nil
	}

	tokens, err := services.NewUpsellTokens(cfg.Upsell.TokenSecret, cfg.Upsell.TokenTTL, clock)
	if err != nil {
		return Services{}, fmt.Errorf("build upsell tokens: %w", err)
	}
	pointsPerDollar := int64(cfg.Checkout.PointsPerDollar)

	if infra.Cards != nil {
		checkoutSvc, err := services.NewCheckoutService(services.CheckoutServiceDeps{
			Funnels:         funnelSvc,
			Catalog:         catalogSvc,
			Shipping:        svc.Shipping,
			Drafts:          reg.Drafts(),
			Orders:          reg.Orders(),
			Points:          reg.Points(),
			Cards:           infra.Cards,
			Assembler:       assembler,
			Tokens:          tokens,
			Metrics:         infra.Metrics,
			BrandName:       cfg.Checkout.BrandName,
			Currency:        cfg.Checkout.Currency,
			PointsPerDollar: pointsPerDollar,
			DraftTTL:        cfg.Checkout.DraftTTL,
			Clock:           clock,
			Logger:          infra.Logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build checkout service: %w", err)
		}
		svc.Checkout = checkoutSvc

		upsellSvc, err := services.NewUpsellService(services.UpsellServiceDeps{
			Orders:    reg.Orders(),
			Funnels:   funnelSvc,
			Catalog:   catalogSvc,
			Cards:     infra.Cards,
			Assembler: assembler,
			Tokens:    tokens,
			Metrics:   infra.Metrics,
			BrandName: cfg.Checkout.BrandName,
			LockTTL:   cfg.Upsell.LockTTL,
			Clock:     clock,
			Logger:    infra.Logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build upsell service: %w", err)
		}
		svc.Upsell = upsellSvc
	}

	if infra.Wallet != nil {
		walletSvc, err := services.NewWalletCheckoutService(services.WalletCheckoutServiceDeps{
			Funnels:         funnelSvc,
			Catalog:         catalogSvc,
			Shipping:        svc.Shipping,
			Drafts:          reg.Drafts(),
			Points:          reg.Points(),
			Wallet:          infra.Wallet,
			Assembler:       assembler,
			Tokens:          tokens,
			Metrics:         infra.Metrics,
			BrandName:       cfg.Checkout.BrandName,
			Currency:        cfg.Checkout.Currency,
			PointsPerDollar: pointsPerDollar,
			DraftTTL:        cfg.Checkout.DraftTTL,
			Clock:           clock,
			Logger:          infra.Logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build wallet checkout service: %w", err)
		}
		svc.Wallet = walletSvc
	}

	return svc, nil
}
