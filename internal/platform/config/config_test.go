package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func baseEnv() map[string]string {
	return map[string]string{
		"API_FIRESTORE_PROJECT_ID": "funnels-dev",
	}
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), WithEnvMap(baseEnv()), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Storage.Backend != "firestore" {
		t.Errorf("expected firestore backend, got %s", cfg.Storage.Backend)
	}
	if cfg.PubSub.ProjectID != "funnels-dev" {
		t.Errorf("expected pubsub project to default to firestore project, got %s", cfg.PubSub.ProjectID)
	}
	if got := cfg.Shipping.Carriers; len(got) != 2 || got[0] != "stamps_com" || got[1] != "ups_walleted" {
		t.Errorf("unexpected default carriers %v", got)
	}
	if len(cfg.Shipping.AllowedServices) != 0 {
		t.Errorf("expected no service allow-list, got %v", cfg.Shipping.AllowedServices)
	}
	if cfg.Checkout.Currency != "USD" || cfg.Checkout.PointsPerDollar != 10 {
		t.Errorf("unexpected checkout defaults %+v", cfg.Checkout)
	}
	if cfg.Checkout.DraftTTL != 2*time.Hour {
		t.Errorf("unexpected draft ttl %s", cfg.Checkout.DraftTTL)
	}
	if cfg.Checkout.OrderStart != 0 || cfg.Checkout.OrderBlock != 1 {
		t.Errorf("unexpected order numbering defaults start=%d block=%d", cfg.Checkout.OrderStart, cfg.Checkout.OrderBlock)
	}
	if cfg.Upsell.TokenTTL != 30*time.Minute {
		t.Errorf("unexpected upsell token ttl %s", cfg.Upsell.TokenTTL)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader {
		t.Errorf("unexpected idempotency header %s", cfg.Idempotency.Header)
	}
}

func TestLoadResolvesSecretsAndOverrides(t *testing.T) {
	env := baseEnv()
	env["API_SERVER_PORT"] = "9090"
	env["API_STRIPE_TEST_SECRET_KEY"] = "sm://funnels-dev/stripe-test#latest"
	env["API_UPSELL_TOKEN_SECRET"] = "secret://funnels-dev/upsell"
	env["API_SHIPPING_CARRIERS"] = "UPS_Walleted, fedex"
	env["API_SHIPPING_ALLOWED_SERVICES"] = "USPS_PRIORITY_MAIL,ups_ground"
	env["API_CHECKOUT_CURRENCY"] = "cad"

	var refs []string
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		refs = append(refs, ref)
		switch ref {
		case "secret://funnels-dev/stripe-test#latest":
			return "sk_test_123", nil
		case "secret://funnels-dev/upsell":
			return "0123456789abcdef0123456789abcdef", nil
		}
		return "", errors.New("unexpected ref")
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("expected port override, got %s", cfg.Server.Port)
	}
	if cfg.Stripe.TestSecretKey != "sk_test_123" {
		t.Errorf("expected resolved stripe key, got %q", cfg.Stripe.TestSecretKey)
	}
	if len(refs) != 2 {
		t.Errorf("expected two secret lookups, got %v", refs)
	}
	if got := cfg.Shipping.Carriers; len(got) != 2 || got[0] != "ups_walleted" || got[1] != "fedex" {
		t.Errorf("expected lowercased carriers, got %v", got)
	}
	if got := cfg.Shipping.AllowedServices; len(got) != 2 || got[0] != "usps_priority_mail" {
		t.Errorf("expected lowercased allow-list, got %v", got)
	}
	if cfg.Checkout.Currency != "CAD" {
		t.Errorf("expected upper-cased currency, got %s", cfg.Checkout.Currency)
	}
}

func TestLoadSecretResolutionFailure(t *testing.T) {
	env := baseEnv()
	env["API_PAYPAL_LIVE_SECRET"] = "sm://funnels-prod/paypal"

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %v", err)
	}
	if secretErr.Ref != "secret://funnels-prod/paypal" {
		t.Errorf("unexpected ref %s", secretErr.Ref)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	env := map[string]string{
		"API_CHECKOUT_CURRENCY":   "dollars",
		"API_UPSELL_TOKEN_SECRET": "short",
	}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	want := map[string]bool{"Firestore.ProjectID": true, "Checkout.Currency": true, "Upsell.TokenSecret": true}
	for _, field := range validationErr.Fields() {
		delete(want, field)
	}
	if len(want) != 0 {
		t.Errorf("missing validation fields %v in %v", want, validationErr.Fields())
	}
}

func TestLoadServerSurfaceSettings(t *testing.T) {
	env := baseEnv()
	env["API_SERVER_ALLOWED_ORIGINS"] = "https://funnels.example.com, https://Shop.example.com,"
	env["API_SERVER_REQUEST_TIMEOUT"] = "20s"
	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got := cfg.Server.AllowedOrigins; len(got) != 2 || got[1] != "https://Shop.example.com" {
		t.Errorf("unexpected allowed origins %v", got)
	}
	if cfg.Server.RequestTimeout != 20*time.Second {
		t.Errorf("unexpected request timeout %s", cfg.Server.RequestTimeout)
	}

	env["API_SERVER_REQUEST_TIMEOUT"] = "2m"
	env["API_CHECKOUT_ORDER_NUMBER_BLOCK"] = "0"
	_, err = Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	want := map[string]bool{"Server.RequestTimeout": true, "Checkout.OrderBlock": true}
	for _, field := range validationErr.Fields() {
		delete(want, field)
	}
	if len(want) != 0 {
		t.Errorf("missing validation fields %v in %v", want, validationErr.Fields())
	}
}

func TestLoadMemoryBackendSkipsFirestoreProject(t *testing.T) {
	env := map[string]string{"API_STORAGE_BACKEND": "memory"}
	if _, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile("")); err != nil {
		t.Fatalf("expected memory backend to load, got %v", err)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	_, err := Load(context.Background(),
		WithEnvMap(baseEnv()),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Upsell.TokenSecret", "Stripe.LiveSecretKey", "Upsell.TokenSecret"),
	)
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %v", err)
	}
	names := missing.Names()
	if len(names) != 2 || names[0] != "Stripe.LiveSecretKey" || names[1] != "Upsell.TokenSecret" {
		t.Fatalf("unexpected missing names %v", names)
	}
	for _, redacted := range missing.RedactedNames() {
		if len(redacted) != 16 {
			t.Errorf("expected 16 hex chars, got %q", redacted)
		}
	}
}

func TestLoadPanicsOnMissingSecretsWhenRequested(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	_, _ = Load(context.Background(),
		WithEnvMap(baseEnv()),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Upsell.TokenSecret"),
		WithPanicOnMissingSecrets(),
	)
}

func TestEnvironmentValuesPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# local\nexport API_SERVER_PORT=7000\nAPI_CHECKOUT_BRAND_NAME=\"Dotenv Brand\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	values, err := EnvironmentValues(WithEnvFile(path), WithoutSystemEnv(), WithEnvMap(map[string]string{"API_SERVER_PORT": "7100"}))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}
	if values["API_SERVER_PORT"] != "7100" {
		t.Errorf("expected env map to win, got %s", values["API_SERVER_PORT"])
	}
	if values["API_CHECKOUT_BRAND_NAME"] != "Dotenv Brand" {
		t.Errorf("expected dotenv value unquoted, got %q", values["API_CHECKOUT_BRAND_NAME"])
	}
}
