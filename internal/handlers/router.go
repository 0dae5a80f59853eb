package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/holisticpeople/funnel-checkout/internal/platform/httpx"
	"github.com/holisticpeople/funnel-checkout/internal/platform/observability"
)

const (
	apiPrefix             = "/api/v1"
	defaultRequestTimeout = 40 * time.Second
	corsMaxAgeSeconds     = 600
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

type mount struct {
	prefix   string
	register RouteRegistrar
}

type routerConfig struct {
	timeout     time.Duration
	origins     []string
	corsHeaders []string
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers
	metrics     http.Handler
	mounts      []mount
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

// NewRouter builds the public checkout surface: probes at the root and every mounted handler
// set under /api/v1. Funnel pages live on other hosts, so cross-origin calls are allowed only
// for the configured origins.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{timeout: defaultRequestTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	if len(cfg.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.origins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   append([]string{"Content-Type", observability.FunnelHeader, UpsellTokenHeader}, cfg.corsHeaders...),
			ExposedHeaders:   []string{"Retry-After", middleware.RequestIDHeader},
			AllowCredentials: false,
			MaxAge:           corsMaxAgeSeconds,
		}))
	}
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Timeout(cfg.timeout))
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("%s is not supported on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)
	if cfg.metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.metrics)
	}

	r.Route(apiPrefix, func(api chi.Router) {
		for _, m := range cfg.mounts {
			if m.prefix == "" {
				m.register(api)
				continue
			}
			api.Route(m.prefix, func(group chi.Router) { m.register(group) })
		}
	})
	return r
}

// WithMount registers routes under /api/v1 followed by prefix. An empty prefix registers them
// directly on /api/v1.
func WithMount(prefix string, register RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		if register != nil {
			cfg.mounts = append(cfg.mounts, mount{prefix: prefix, register: register})
		}
	}
}

// WithAllowedOrigins enables CORS for the given funnel origins. Extra headers, such as the
// idempotency key header, are added to the allowed request headers.
func WithAllowedOrigins(origins []string, headers ...string) Option {
	return func(cfg *routerConfig) {
		cfg.origins = append(cfg.origins, origins...)
		cfg.corsHeaders = append(cfg.corsHeaders, headers...)
	}
}

// WithRequestTimeout bounds each request's context. Non-positive values keep the default.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(cfg *routerConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

// WithMiddlewares appends global middleware after request id, real ip and timeout.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) { cfg.health = h }
}

// WithMetricsHandler exposes the Prometheus scrape handler on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(cfg *routerConfig) { cfg.metrics = h }
}
