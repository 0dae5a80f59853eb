package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/stripe/stripe-go/v78"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/holisticpeople/funnel-checkout/internal/di"
	"github.com/holisticpeople/funnel-checkout/internal/domain"
	"github.com/holisticpeople/funnel-checkout/internal/handlers"
	"github.com/holisticpeople/funnel-checkout/internal/payments"
	"github.com/holisticpeople/funnel-checkout/internal/platform/config"
	pfirestore "github.com/holisticpeople/funnel-checkout/internal/platform/firestore"
	"github.com/holisticpeople/funnel-checkout/internal/platform/idempotency"
	"github.com/holisticpeople/funnel-checkout/internal/platform/jobs"
	"github.com/holisticpeople/funnel-checkout/internal/platform/observability"
	"github.com/holisticpeople/funnel-checkout/internal/platform/secrets"
	"github.com/holisticpeople/funnel-checkout/internal/platform/telemetry"
	"github.com/holisticpeople/funnel-checkout/internal/repositories"
	firestoreRepo "github.com/holisticpeople/funnel-checkout/internal/repositories/firestore"
	"github.com/holisticpeople/funnel-checkout/internal/repositories/memory"
	"github.com/holisticpeople/funnel-checkout/internal/services"
	"github.com/holisticpeople/funnel-checkout/internal/shipping"
)

const meterName = "github.com/holisticpeople/funnel-checkout"

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName, buildInfo.Version, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		logger.Fatal("failed to initialise tracer provider", zap.Error(err))
	}
	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider(cfg.Telemetry.ServiceName, buildInfo.Version)
	if err != nil {
		logger.Fatal("failed to initialise meter provider", zap.Error(err))
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := errors.Join(shutdownTracer(flushCtx), shutdownMeter(flushCtx)); err != nil {
			logger.Warn("telemetry shutdown error", zap.Error(err))
		}
	}()
	checkoutMetrics, err := telemetry.NewCheckoutMetrics(otel.Meter(meterName))
	if err != nil {
		logger.Fatal("failed to initialise checkout metrics", zap.Error(err))
	}

	var (
		registry         repositories.Registry
		firestorePing    func(context.Context) error
		idempotencyStore idempotency.Store
	)
	switch cfg.Storage.Backend {
	case "memory":
		logger.Warn("using in-memory storage; data is lost on restart")
		registry = memory.NewStore()
		idempotencyStore = idempotency.NewMemoryStore()
	default:
		firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
		if _, err := firestoreProvider.Client(ctx); err != nil {
			logger.Fatal("failed to initialise firestore client", zap.Error(err))
		}
		fsRegistry, err := firestoreRepo.NewRegistry(firestoreProvider)
		if err != nil {
			logger.Fatal("failed to initialise firestore repositories", zap.Error(err))
		}
		registry = fsRegistry
		firestorePing = fsRegistry.Ping
		idempotencyStore = idempotency.NewFirestoreStore(firestoreProvider, idempotency.DefaultCollection)
	}

	var publisher services.OrderEventPublisher
	var orderTopic *pubsub.Topic
	if topicName := strings.TrimSpace(cfg.PubSub.OrderEventsTopic); topicName != "" && cfg.PubSub.ProjectID != "" {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		orderTopic = pubsubClient.Topic(topicName)
		defer orderTopic.Stop()
		orderPublisher, err := jobs.NewOrderEventPublisher(orderTopic)
		if err != nil {
			logger.Fatal("failed to initialise order event publisher", zap.Error(err))
		}
		publisher = orderPublisher
	} else {
		logger.Info("order events topic not configured; order events are not published")
	}

	healthRepo, err := newHealthRepository(firestorePing, fetcher, orderTopic)
	if err != nil {
		logger.Warn("health: dependency checks unavailable", zap.Error(err))
	}

	infra := di.Infrastructure{
		Publisher: publisher,
		Health:    healthRepo,
		Metrics:   checkoutMetrics,
		Logger:    observability.EventLogger(logger.Named("checkout")),
		Build:     buildInfo,
		Clock:     time.Now,
	}

	paymentsLogger := observability.EventLogger(logger.Named("payments"))
	cardManager, err := newCardManager(cfg, paymentsLogger)
	if err != nil {
		logger.Fatal("failed to initialise card processor", zap.Error(err))
	}
	if cardManager != nil {
		infra.Cards = cardManager
	} else {
		logger.Warn("no stripe credentials configured; card checkout and upsells are disabled")
	}

	if hasPayPalCredentials(cfg.PayPal) {
		infra.Wallet = payments.NewPayPalClient(payments.PayPalConfig{
			Sandbox:   payments.PayPalCredentials{ClientID: cfg.PayPal.SandboxClientID, Secret: cfg.PayPal.SandboxSecret},
			Live:      payments.PayPalCredentials{ClientID: cfg.PayPal.LiveClientID, Secret: cfg.PayPal.LiveSecret},
			ReturnURL: cfg.PayPal.ReturnURL,
			CancelURL: cfg.PayPal.CancelURL,
			BrandName: cfg.Checkout.BrandName,
			Timeout:   cfg.PayPal.Timeout,
			Logger:    paymentsLogger,
		})
	} else {
		logger.Warn("no paypal credentials configured; wallet checkout is disabled")
	}

	if strings.TrimSpace(cfg.Shipping.APIKey) != "" {
		rates, err := shipping.NewClient(shipping.Config{
			BaseURL:   cfg.Shipping.BaseURL,
			APIKey:    cfg.Shipping.APIKey,
			APISecret: cfg.Shipping.APISecret,
			Timeout:   cfg.Shipping.Timeout,
		})
		if err != nil {
			logger.Fatal("failed to initialise shipping client", zap.Error(err))
		}
		infra.Rates = rates
	} else {
		logger.Warn("no shipping credentials configured; rate shopping is disabled")
	}

	container, err := di.NewContainer(ctx, cfg, registry, infra)
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("repository close error", zap.Error(err))
		}
	}()
	svc := container.Services

	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger.Named("idempotency")),
	)
	rateLimit := handlers.PaymentRateLimit(cfg.Server.PaymentRateLimit, cfg.Server.PaymentRateWindow, nil)
	paymentGuard := func(next http.Handler) http.Handler {
		return rateLimit(idempotencyMiddleware(next))
	}

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	var cleanupTicker *time.Ticker
	if cfg.Idempotency.CleanupInterval > 0 {
		cleanupTicker = time.NewTicker(cfg.Idempotency.CleanupInterval)
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			cleanupLogger := logger.Named("idempotency")
			for {
				select {
				case <-cleanupTicker.C:
					runCtx, cancel := context.WithTimeout(cleanupCtx, time.Minute)
					removed, err := idempotencyStore.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
					cancel()
					if err != nil {
						cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
						continue
					}
					if removed > 0 {
						cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
					}
				case <-cleanupCtx.Done():
					return
				}
			}
		}()
	}

	projectID := cfg.Firestore.ProjectID
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(svc.System),
	)
	checkoutHandlers := handlers.NewCheckoutHandlers(svc.Checkout, svc.Shipping, paymentGuard)
	upsellHandlers := handlers.NewUpsellHandlers(svc.Upsell, paymentGuard)
	walletHandlers := handlers.NewWalletHandlers(svc.Wallet, paymentGuard)
	catalogHandlers := handlers.NewCatalogHandlers(svc.Catalog, svc.Funnels)

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithRequestTimeout(cfg.Server.RequestTimeout),
		handlers.WithMount("/checkout", checkoutHandlers.Routes),
		handlers.WithMount("/upsell", upsellHandlers.Routes),
		handlers.WithMount("/wallet", walletHandlers.Routes),
		handlers.WithMount("", catalogHandlers.Routes),
	}
	if len(cfg.Server.AllowedOrigins) > 0 {
		opts = append(opts, handlers.WithAllowedOrigins(cfg.Server.AllowedOrigins, cfg.Idempotency.Header))
	} else {
		logger.Warn("no allowed origins configured; browsers on funnel domains cannot call the api")
	}
	if cfg.Server.MetricsEnabled {
		opts = append(opts, handlers.WithMetricsHandler(metricsHandler))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      otelhttp.NewHandler(router, cfg.Telemetry.ServiceName),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr), zap.String("storage", cfg.Storage.Backend))
	go func() {
		serverLogger.Info("funnel checkout api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	if cleanupTicker != nil {
		cleanupTicker.Stop()
	}
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = cfg.Telemetry.ServiceVersion
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Telemetry.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

// newCardManager registers one Stripe provider per mode that has a secret key. It returns nil
// when neither mode is configured.
func newCardManager(cfg config.Config, logger payments.StripeLogger) (*payments.Manager, error) {
	backends := stripe.NewBackends(&http.Client{
		Timeout:   cfg.Checkout.ProcessorTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	})
	providers := make(map[domain.ProcessorMode]payments.CardProvider, 2)
	for _, live := range []bool{false, true} {
		secret, publishable := cfg.Stripe.Keys(live)
		if strings.TrimSpace(secret) == "" {
			continue
		}
		mode := domain.ProcessorModeTest
		if live {
			mode = domain.ProcessorModeLive
		}
		provider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			SecretKey:      secret,
			PublishableKey: publishable,
			AccountID:      cfg.Stripe.AccountID,
			Backends:       backends,
			Logger:         logger,
		})
		if err != nil {
			return nil, fmt.Errorf("stripe %s provider: %w", mode, err)
		}
		providers[mode] = provider
	}
	if len(providers) == 0 {
		return nil, nil
	}
	return payments.NewManager(providers)
}

func hasPayPalCredentials(cfg config.PayPalConfig) bool {
	sandbox := cfg.SandboxClientID != "" && cfg.SandboxSecret != ""
	live := cfg.LiveClientID != "" && cfg.LiveSecret != ""
	return sandbox || live
}

func newHealthRepository(firestorePing func(context.Context) error, fetcher *secrets.Fetcher, topic *pubsub.Topic) (repositories.HealthRepository, error) {
	checks := make([]repositories.DependencyCheck, 0, 3)
	if firestorePing != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check:   firestorePing,
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://healthz#latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.ResolveSecret(ctx, secretHealthReference)
				if err == nil || errors.Is(err, secrets.ErrNotFound) || status.Code(err) == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	if topic != nil {
		t := topic
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				exists, err := t.Exists(ctx)
				if err != nil {
					return err
				}
				if !exists {
					return fmt.Errorf("topic %s does not exist", t.ID())
				}
				return nil
			},
		})
	}
	return repositories.NewDependencyHealthRepository(checks)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		return strings.TrimSpace(env[key])
	}

	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIRESTORE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}
	credentialsFile := lookup("API_SECRET_CREDENTIALS_FILE")

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
		secrets.WithMeter(otel.Meter(meterName)),
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if ttl, err := time.ParseDuration(lookup("API_SECRET_CACHE_TTL")); err == nil {
		opts = append(opts, secrets.WithCacheTTL(ttl))
	}
	if credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the config secrets that must resolve before the server starts. The
// upsell signing secret is always required; processor secrets become required once their
// paired public identifier is configured.
func requiredSecretNames(env map[string]string) []string {
	required := []string{"Upsell.TokenSecret"}
	pairs := map[string]string{
		"API_STRIPE_TEST_PUBLISHABLE_KEY": "Stripe.TestSecretKey",
		"API_STRIPE_LIVE_PUBLISHABLE_KEY": "Stripe.LiveSecretKey",
		"API_PAYPAL_SANDBOX_CLIENT_ID":    "PayPal.SandboxSecret",
		"API_PAYPAL_LIVE_CLIENT_ID":       "PayPal.LiveSecret",
		"API_SHIPPING_API_KEY":            "Shipping.APISecret",
	}
	for envKey, secret := range pairs {
		if strings.TrimSpace(env[envKey]) != "" {
			required = append(required, secret)
		}
	}
	return uniqueStrings(required)
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}
