// Package secrets resolves secret://project/name#version references against Google Secret
// Manager, with an in-memory cache and a local fallback file for development.
package secrets

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultFallbackPath = ".secrets.local"
	defaultCacheTTL     = 10 * time.Minute
	meterName           = "github.com/holisticpeople/funnel-checkout/internal/platform/secrets"
)

// ErrNotFound reports a reference that neither Secret Manager nor the fallback file holds.
var ErrNotFound = errors.New("secrets: not found")

var newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (secretClient, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret references. It satisfies config.SecretResolver.
type Fetcher struct {
	client         secretClient
	ownsClient     bool
	logger         *zap.Logger
	defaultProject string
	cacheTTL       time.Duration
	now            func() time.Time

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string

	mu    sync.RWMutex
	cache map[string]cachedSecret

	latency metric.Float64Histogram
	hits    metric.Int64Counter
}

type cachedSecret struct {
	value     string
	fetchedAt time.Time
}

type fetcherConfig struct {
	logger         *zap.Logger
	defaultProject string
	fallbackPath   string
	cacheTTL       time.Duration
	meter          metric.Meter
	client         secretClient
	clientOpts     []option.ClientOption
	now            func() time.Time
}

// Option customises a Fetcher.
type Option func(*fetcherConfig)

func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) { cfg.logger = logger }
}

// WithDefaultProject is used for references that carry only a secret name.
func WithDefaultProject(projectID string) Option {
	return func(cfg *fetcherConfig) { cfg.defaultProject = strings.TrimSpace(projectID) }
}

// WithFallbackFile sets the KEY=VALUE file consulted when Secret Manager is unreachable.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) { cfg.fallbackPath = strings.TrimSpace(path) }
}

// WithCacheTTL bounds how long resolved values are reused.
func WithCacheTTL(ttl time.Duration) Option {
	return func(cfg *fetcherConfig) {
		if ttl > 0 {
			cfg.cacheTTL = ttl
		}
	}
}

func WithMeter(meter metric.Meter) Option {
	return func(cfg *fetcherConfig) { cfg.meter = meter }
}

// WithSecretManagerClient injects a client, mostly for tests.
func WithSecretManagerClient(client secretClient) Option {
	return func(cfg *fetcherConfig) { cfg.client = client }
}

func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) { cfg.clientOpts = append(cfg.clientOpts, opts...) }
}

func withClock(now func() time.Time) Option {
	return func(cfg *fetcherConfig) { cfg.now = now }
}

// NewFetcher builds a Fetcher. When no Secret Manager client can be created the fetcher runs
// on the fallback file alone.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{
		logger:       zap.NewNop(),
		fallbackPath: defaultFallbackPath,
		cacheTTL:     defaultCacheTTL,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	meter := cfg.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}

	f := &Fetcher{
		logger:         cfg.logger,
		defaultProject: cfg.defaultProject,
		cacheTTL:       cfg.cacheTTL,
		now:            cfg.now,
		fallbackPath:   cfg.fallbackPath,
		cache:          make(map[string]cachedSecret),
	}

	var err error
	if f.latency, err = meter.Float64Histogram("secrets.resolve.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Secret resolution latency by source"),
	); err != nil {
		return nil, fmt.Errorf("secrets: register latency metric: %w", err)
	}
	if f.hits, err = meter.Int64Counter("secrets.resolve.cache_hits",
		metric.WithDescription("Secret resolutions served from cache"),
	); err != nil {
		return nil, fmt.Errorf("secrets: register cache metric: %w", err)
	}

	if cfg.client != nil {
		f.client = cfg.client
		return f, nil
	}
	client, err := newSecretManagerClient(ctx, cfg.clientOpts...)
	if err != nil {
		cfg.logger.Warn("secret manager unavailable, using fallback file only", zap.Error(err))
		return f, nil
	}
	f.client = client
	f.ownsClient = true
	return f, nil
}

// Close releases the Secret Manager client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// ResolveSecret returns the value for ref.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	start := f.now()
	parsed, err := parseReference(ref, f.defaultProject)
	if err != nil {
		return "", err
	}
	key := parsed.canonical()

	if value, ok := f.cached(key); ok {
		f.hits.Add(ctx, 1, metric.WithAttributes(attribute.String("secret", maskReference(key))))
		return value, nil
	}

	if f.client != nil && parsed.project != "" {
		value, err := f.fetchRemote(ctx, parsed)
		if err == nil {
			f.store(key, value)
			f.observe(ctx, start, "remote")
			return value, nil
		}
		if !fallbackAllowed(err) {
			f.observe(ctx, start, "error")
			return "", fmt.Errorf("secrets: fetch %s: %w", key, err)
		}
		f.logger.Debug("secret manager fetch failed, trying fallback", zap.String("secret", maskReference(key)), zap.Error(err))
	}

	value, ok := f.lookupFallback(parsed)
	if !ok {
		f.observe(ctx, start, "error")
		return "", fmt.Errorf("%w: %s missing from fallback file", ErrNotFound, key)
	}
	f.store(key, value)
	f.observe(ctx, start, "fallback")
	return value, nil
}

// Invalidate drops the cached value so the next call refetches it.
func (f *Fetcher) Invalidate(ref string) {
	parsed, err := parseReference(ref, f.defaultProject)
	if err != nil {
		return
	}
	f.mu.Lock()
	delete(f.cache, parsed.canonical())
	f.mu.Unlock()
}

func (f *Fetcher) cached(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.cache[key]
	if !ok || f.now().Sub(entry.fetchedAt) >= f.cacheTTL {
		return "", false
	}
	return entry.value, true
}

func (f *Fetcher) store(key, value string) {
	f.mu.Lock()
	f.cache[key] = cachedSecret{value: value, fetchedAt: f.now()}
	f.mu.Unlock()
}

func (f *Fetcher) fetchRemote(ctx context.Context, ref reference) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", ref.project, ref.name, ref.version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("empty payload for %s", name)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) observe(ctx context.Context, start time.Time, source string) {
	elapsed := f.now().Sub(start)
	f.latency.Record(ctx, float64(elapsed)/float64(time.Millisecond), metric.WithAttributes(attribute.String("source", source)))
}

// lookupFallback matches the canonical reference first, then the bare secret name.
func (f *Fetcher) lookupFallback(ref reference) (string, bool) {
	f.fallbackOnce.Do(func() {
		f.fallback = readFallbackFile(f.fallbackPath, f.defaultProject, f.logger)
	})
	if value, ok := f.fallback[ref.canonical()]; ok {
		return value, true
	}
	value, ok := f.fallback[ref.name]
	return value, ok
}

func readFallbackFile(path, defaultProject string, logger *zap.Logger) map[string]string {
	values := map[string]string{}
	if path == "" {
		return values
	}
	file, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("open secrets fallback file", zap.String("path", path), zap.Error(err))
		}
		return values
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		if parsed, err := parseReference(key, defaultProject); err == nil {
			values[parsed.canonical()] = value
			continue
		}
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("read secrets fallback file", zap.String("path", path), zap.Error(err))
	}
	return values
}

type reference struct {
	project string
	name    string
	version string
}

func (r reference) canonical() string {
	return fmt.Sprintf("secret://%s/%s#%s", r.project, r.name, r.version)
}

// parseReference accepts secret://project/name#version and the sm:// alias. The project and
// version are optional.
func parseReference(ref, defaultProject string) (reference, error) {
	raw := strings.TrimSpace(ref)
	rest, ok := strings.CutPrefix(raw, "secret://")
	if !ok {
		rest, ok = strings.CutPrefix(raw, "sm://")
	}
	if !ok {
		return reference{}, fmt.Errorf("secrets: unsupported reference %q", ref)
	}
	rest, version, _ := strings.Cut(rest, "#")
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return reference{}, fmt.Errorf("secrets: missing secret name in %q", ref)
	}
	parsed := reference{project: defaultProject, name: rest, version: strings.TrimSpace(version)}
	if project, name, found := strings.Cut(rest, "/"); found {
		parsed.project = project
		parsed.name = name
	}
	if parsed.name == "" || strings.Contains(parsed.name, "/") {
		return reference{}, fmt.Errorf("secrets: invalid secret name in %q", ref)
	}
	if parsed.version == "" {
		parsed.version = "latest"
	}
	return parsed, nil
}

func maskReference(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(sum[:8])
}

func fallbackAllowed(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}
