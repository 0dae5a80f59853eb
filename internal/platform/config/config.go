package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 45 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultPaymentRateLimit    = 20
	defaultPaymentRateWindow   = time.Minute
	defaultRequestTimeout      = 40 * time.Second
	defaultStorageBackend      = "firestore"
	defaultShippingBaseURL     = "https://ssapi.shipstation.com"
	defaultShippingTimeout     = 15 * time.Second
	defaultShippingCacheTTL    = 5 * time.Minute
	defaultProcessorTimeout    = 30 * time.Second
	defaultBrandName           = "Holistic People"
	defaultCurrency            = "USD"
	defaultPointsPerDollar     = 10
	defaultDraftTTL            = 2 * time.Hour
	defaultOrderPrefix         = "FC-"
	defaultOrderNumberBlock    = 1
	defaultUpsellTokenTTL      = 30 * time.Minute
	defaultUpsellLockTTL       = 2 * time.Minute
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultIdempotencyInterval = time.Hour
	defaultIdempotencyBatch    = 200
	minUpsellSecretLength      = 32
	defaultServiceName         = "funnel-checkout"
	defaultServiceVersion      = "dev"
	defaultEnvironment         = "local"
)

var defaultCarriers = []string{"stamps_com", "ups_walleted"}

// Config is the full runtime configuration grouped by concern.
type Config struct {
	Server      ServerConfig
	Storage     StorageConfig
	Firestore   FirestoreConfig
	Stripe      StripeConfig
	PayPal      PayPalConfig
	Shipping    ShippingConfig
	Checkout    CheckoutConfig
	Upsell      UpsellConfig
	PubSub      PubSubConfig
	Idempotency IdempotencyConfig
	Telemetry   TelemetryConfig
}

// ServerConfig configures the HTTP listener. PaymentRateLimit caps payment-creating requests
// per client IP within PaymentRateWindow; zero disables the limiter.
type ServerConfig struct {
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MetricsEnabled    bool
	PaymentRateLimit  int
	PaymentRateWindow time.Duration
	RequestTimeout    time.Duration
	AllowedOrigins    []string
}

// StorageConfig selects the persistence backend: "firestore" or "memory" for local runs.
type StorageConfig struct {
	Backend string
}

type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StripeConfig holds one credential set per processor mode.
type StripeConfig struct {
	TestSecretKey      string
	TestPublishableKey string
	LiveSecretKey      string
	LivePublishableKey string
	AccountID          string
}

// PayPalConfig holds sandbox and live REST credentials.
type PayPalConfig struct {
	SandboxClientID string
	SandboxSecret   string
	LiveClientID    string
	LiveSecret      string
	ReturnURL       string
	CancelURL       string
	Timeout         time.Duration
}

// ShippingConfig configures the carrier-rate API.
type ShippingConfig struct {
	BaseURL         string
	APIKey          string
	APISecret       string
	Carriers        []string
	AllowedServices []string
	FromPostalCode  string
	CacheTTL        time.Duration
	Timeout         time.Duration
}

// CheckoutConfig carries store-wide checkout settings.
type CheckoutConfig struct {
	BrandName        string
	Currency         string
	PointsPerDollar  int
	DraftTTL         time.Duration
	OrderPrefix      string
	OrderStart       int64
	OrderBlock       int
	ProcessorTimeout time.Duration
	ClosedRedirect   string
}

// UpsellConfig configures signed upsell tokens and append locking.
type UpsellConfig struct {
	TokenSecret string
	TokenTTL    time.Duration
	LockTTL     time.Duration
}

type PubSubConfig struct {
	ProjectID        string
	OrderEventsTopic string
}

// TelemetryConfig configures trace export. An empty OTLPEndpoint disables export while keeping
// in-process spans for log correlation.
type TelemetryConfig struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string
	Environment    string
}

type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecretResolver resolves secret references such as sm://project/name#version.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts a function to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// Option customises Load and EnvironmentValues.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// WithEnvFile overrides the dotenv path. An empty path disables dotenv loading.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap supplies explicit values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver installs the resolver used for secret references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets marks config fields (e.g. "Upsell.TokenSecret") that must resolve to a
// non-empty value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// WithPanicOnMissingSecrets makes Load panic instead of returning MissingSecretsError.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) { o.panicOnMissingSecrets = true }
}

// EnvironmentValues returns the merged environment (dotenv < process env < explicit map) so
// callers can build the secret fetcher before Load runs.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newLoaderOptions(opts)
	dotenv, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	values := make(map[string]string, len(dotenv))
	for k, v := range dotenv {
		values[k] = v
	}
	if options.useSystemEnv {
		for k, v := range systemEnv() {
			values[k] = v
		}
	}
	for k, v := range options.envMap {
		values[k] = v
	}
	return values, nil
}

// Load builds the configuration from defaults, dotenv, the process environment and the
// explicit map, then resolves secret references and validates the result.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	dotenv, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}
	lookup := func(key string) (string, bool) {
		if value, ok := options.envMap[key]; ok {
			return value, true
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		value, ok := dotenv[key]
		return value, ok
	}

	cfg := Config{
		Server: ServerConfig{
			Port:              stringOr(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:       durationOr(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:      durationOr(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:       durationOr(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			MetricsEnabled:    boolOr(lookup, "API_SERVER_METRICS_ENABLED", true),
			PaymentRateLimit:  intOr(lookup, "API_SERVER_PAYMENT_RATE_LIMIT", defaultPaymentRateLimit),
			PaymentRateWindow: durationOr(lookup, "API_SERVER_PAYMENT_RATE_WINDOW", defaultPaymentRateWindow),
			RequestTimeout:    durationOr(lookup, "API_SERVER_REQUEST_TIMEOUT", defaultRequestTimeout),
			AllowedOrigins:    csvOr(lookup, "API_SERVER_ALLOWED_ORIGINS", nil, false),
		},
		Storage: StorageConfig{
			Backend: strings.ToLower(stringOr(lookup, "API_STORAGE_BACKEND", defaultStorageBackend)),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringOr(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringOr(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Stripe: StripeConfig{
			TestSecretKey:      stringOr(lookup, "API_STRIPE_TEST_SECRET_KEY", ""),
			TestPublishableKey: stringOr(lookup, "API_STRIPE_TEST_PUBLISHABLE_KEY", ""),
			LiveSecretKey:      stringOr(lookup, "API_STRIPE_LIVE_SECRET_KEY", ""),
			LivePublishableKey: stringOr(lookup, "API_STRIPE_LIVE_PUBLISHABLE_KEY", ""),
			AccountID:          stringOr(lookup, "API_STRIPE_ACCOUNT_ID", ""),
		},
		PayPal: PayPalConfig{
			SandboxClientID: stringOr(lookup, "API_PAYPAL_SANDBOX_CLIENT_ID", ""),
			SandboxSecret:   stringOr(lookup, "API_PAYPAL_SANDBOX_SECRET", ""),
			LiveClientID:    stringOr(lookup, "API_PAYPAL_LIVE_CLIENT_ID", ""),
			LiveSecret:      stringOr(lookup, "API_PAYPAL_LIVE_SECRET", ""),
			ReturnURL:       stringOr(lookup, "API_PAYPAL_RETURN_URL", ""),
			CancelURL:       stringOr(lookup, "API_PAYPAL_CANCEL_URL", ""),
			Timeout:         durationOr(lookup, "API_PAYPAL_TIMEOUT", defaultProcessorTimeout),
		},
		Shipping: ShippingConfig{
			BaseURL:         stringOr(lookup, "API_SHIPPING_BASE_URL", defaultShippingBaseURL),
			APIKey:          stringOr(lookup, "API_SHIPPING_API_KEY", ""),
			APISecret:       stringOr(lookup, "API_SHIPPING_API_SECRET", ""),
			Carriers:        csvOr(lookup, "API_SHIPPING_CARRIERS", defaultCarriers, true),
			AllowedServices: csvOr(lookup, "API_SHIPPING_ALLOWED_SERVICES", nil, true),
			FromPostalCode:  stringOr(lookup, "API_SHIPPING_FROM_POSTAL_CODE", ""),
			CacheTTL:        durationOr(lookup, "API_SHIPPING_CACHE_TTL", defaultShippingCacheTTL),
			Timeout:         durationOr(lookup, "API_SHIPPING_TIMEOUT", defaultShippingTimeout),
		},
		Checkout: CheckoutConfig{
			BrandName:        stringOr(lookup, "API_CHECKOUT_BRAND_NAME", defaultBrandName),
			Currency:         strings.ToUpper(stringOr(lookup, "API_CHECKOUT_CURRENCY", defaultCurrency)),
			PointsPerDollar:  intOr(lookup, "API_CHECKOUT_POINTS_PER_DOLLAR", defaultPointsPerDollar),
			DraftTTL:         durationOr(lookup, "API_CHECKOUT_DRAFT_TTL", defaultDraftTTL),
			OrderPrefix:      stringOr(lookup, "API_CHECKOUT_ORDER_PREFIX", defaultOrderPrefix),
			OrderStart:       int64(intOr(lookup, "API_CHECKOUT_ORDER_NUMBER_START", 0)),
			OrderBlock:       intOr(lookup, "API_CHECKOUT_ORDER_NUMBER_BLOCK", defaultOrderNumberBlock),
			ProcessorTimeout: durationOr(lookup, "API_CHECKOUT_PROCESSOR_TIMEOUT", defaultProcessorTimeout),
			ClosedRedirect:   stringOr(lookup, "API_CHECKOUT_CLOSED_REDIRECT_URL", ""),
		},
		Upsell: UpsellConfig{
			TokenSecret: stringOr(lookup, "API_UPSELL_TOKEN_SECRET", ""),
			TokenTTL:    durationOr(lookup, "API_UPSELL_TOKEN_TTL", defaultUpsellTokenTTL),
			LockTTL:     durationOr(lookup, "API_UPSELL_LOCK_TTL", defaultUpsellLockTTL),
		},
		PubSub: PubSubConfig{
			ProjectID:        stringOr(lookup, "API_PUBSUB_PROJECT_ID", ""),
			OrderEventsTopic: stringOr(lookup, "API_PUBSUB_ORDER_EVENTS_TOPIC", ""),
		},
		Idempotency: IdempotencyConfig{
			Header:           stringOr(lookup, "API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationOr(lookup, "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationOr(lookup, "API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intOr(lookup, "API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatch),
		},
		Telemetry: TelemetryConfig{
			ServiceName:    stringOr(lookup, "API_TELEMETRY_SERVICE_NAME", defaultServiceName),
			ServiceVersion: stringOr(lookup, "API_TELEMETRY_SERVICE_VERSION", defaultServiceVersion),
			OTLPEndpoint:   stringOr(lookup, "OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Environment:    strings.ToLower(stringOr(lookup, "API_ENVIRONMENT", defaultEnvironment)),
		},
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Stripe.TestSecretKey", &cfg.Stripe.TestSecretKey},
		{"Stripe.LiveSecretKey", &cfg.Stripe.LiveSecretKey},
		{"PayPal.SandboxSecret", &cfg.PayPal.SandboxSecret},
		{"PayPal.LiveSecret", &cfg.PayPal.LiveSecret},
		{"Shipping.APISecret", &cfg.Shipping.APISecret},
		{"Upsell.TokenSecret", &cfg.Upsell.TokenSecret},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = value
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}
	return cfg, nil
}

// Keys returns the secret and publishable keys for a processor mode.
func (c StripeConfig) Keys(live bool) (secret, publishable string) {
	if live {
		return c.LiveSecretKey, c.LivePublishableKey
	}
	return c.TestSecretKey, c.TestPublishableKey
}

func validate(cfg Config) error {
	var fields []string
	if cfg.Server.Port == "" {
		fields = append(fields, "Server.Port")
	}
	if cfg.Server.PaymentRateLimit < 0 {
		fields = append(fields, "Server.PaymentRateLimit")
	}
	if cfg.Server.RequestTimeout <= 0 || (cfg.Server.WriteTimeout > 0 && cfg.Server.RequestTimeout >= cfg.Server.WriteTimeout) {
		fields = append(fields, "Server.RequestTimeout")
	}
	switch cfg.Storage.Backend {
	case "firestore":
		if cfg.Firestore.ProjectID == "" {
			fields = append(fields, "Firestore.ProjectID")
		}
	case "memory":
	default:
		fields = append(fields, "Storage.Backend")
	}
	if len(cfg.Checkout.Currency) != 3 {
		fields = append(fields, "Checkout.Currency")
	}
	if cfg.Checkout.PointsPerDollar <= 0 {
		fields = append(fields, "Checkout.PointsPerDollar")
	}
	if cfg.Checkout.DraftTTL <= 0 {
		fields = append(fields, "Checkout.DraftTTL")
	}
	if cfg.Checkout.OrderStart < 0 {
		fields = append(fields, "Checkout.OrderStart")
	}
	if cfg.Checkout.OrderBlock <= 0 {
		fields = append(fields, "Checkout.OrderBlock")
	}
	if cfg.Upsell.TokenSecret != "" && len(cfg.Upsell.TokenSecret) < minUpsellSecretLength {
		fields = append(fields, "Upsell.TokenSecret")
	}
	if cfg.Upsell.TokenTTL <= 0 {
		fields = append(fields, "Upsell.TokenTTL")
	}
	if len(cfg.Shipping.Carriers) == 0 {
		fields = append(fields, "Shipping.Carriers")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		fields = append(fields, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		fields = append(fields, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		fields = append(fields, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		fields = append(fields, "Idempotency.CleanupBatchSize")
	}
	if len(fields) > 0 {
		return &ValidationError{fields: fields}
	}
	return nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	ref := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func isSecretReference(value string) bool {
	value = strings.TrimSpace(value)
	return strings.HasPrefix(value, "secret://") || strings.HasPrefix(value, "sm://")
}

func normalizeSecretReference(value string) string {
	value = strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(value, "sm://"); ok {
		return "secret://" + rest
	}
	return value
}
