package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "tbl-dev",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Firestore.ProjectID != "tbl-dev" {
		t.Errorf("expected firestore project to default to firebase project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.PubSub.ProjectID != "tbl-dev" || cfg.PubSub.OrderEventsTopic != defaultOrderEventsTopic {
		t.Errorf("unexpected pubsub defaults %+v", cfg.PubSub)
	}
	if cfg.Security.Environment != "local" {
		t.Errorf("expected default security environment local, got %s", cfg.Security.Environment)
	}
	if cfg.Security.OIDC.JWKSURL != defaultOIDCJWKSURL {
		t.Errorf("expected default jwks url %s, got %s", defaultOIDCJWKSURL, cfg.Security.OIDC.JWKSURL)
	}
	if len(cfg.Security.OIDC.Issuers) != 1 {
		t.Errorf("expected default issuer, got %v", cfg.Security.OIDC.Issuers)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader {
		t.Errorf("expected default idempotency header, got %s", cfg.Idempotency.Header)
	}
	if cfg.Idempotency.CleanupBatchSize != defaultIdempotencyBatchSize {
		t.Errorf("unexpected default cleanup batch size: %d", cfg.Idempotency.CleanupBatchSize)
	}
	if cfg.Ledger.TxAttempts != 5 || cfg.Ledger.TxTimeout != 15*time.Second || cfg.Ledger.CatalogReadAttempts != 3 {
		t.Errorf("unexpected ledger defaults %+v", cfg.Ledger)
	}
	if cfg.Commerce.DefaultCurrency != "USD" || cfg.Commerce.CouponBase != "subtotal" {
		t.Errorf("unexpected commerce defaults %+v", cfg.Commerce)
	}
	if !cfg.Commerce.PercentFee.IsZero() || cfg.Commerce.TaxEnabled || !cfg.Commerce.TipsEnabled {
		t.Errorf("unexpected fee defaults %+v", cfg.Commerce)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":                  "9090",
		"API_SERVER_IDLE_TIMEOUT":          "2m",
		"API_FIREBASE_PROJECT_ID":          "tbl-prod",
		"API_FIRESTORE_PROJECT_ID":         "tbl-fire",
		"API_PUBSUB_PROJECT_ID":            "tbl-events",
		"API_PUBSUB_ORDER_EVENTS_TOPIC":    "orders-v2",
		"API_PSP_STRIPE_WEBHOOK_SECRET":    "secret://stripe/webhook",
		"API_SECURITY_ENVIRONMENT":         "PROD",
		"API_SECURITY_OIDC_AUDIENCES":      "prod=https://api.example.com,stg=https://stg.example.com",
		"API_SECURITY_OIDC_ISSUERS":        "https://accounts.google.com, https://cloud.google.com/iap",
		"API_IDEMPOTENCY_HEADER":           "X-Idem-Key",
		"API_IDEMPOTENCY_TTL":              "48h",
		"API_LEDGER_TX_ATTEMPTS":           "8",
		"API_LEDGER_TX_TIMEOUT":            "5s",
		"API_COMMERCE_DEFAULT_CURRENCY":    "gtq",
		"API_COMMERCE_PERCENT_FEE":         "12.5",
		"API_COMMERCE_FIXED_FEE":           "1.00",
		"API_COMMERCE_TAX_ENABLED":         "yes",
		"API_COMMERCE_TAX_RATE_PERCENT":    "12",
		"API_COMMERCE_TIPS_ENABLED":        "off",
		"API_COMMERCE_COUPON_BASE":         "Subtotal_With_Fee",
		"API_LEDGER_CATALOG_READ_ATTEMPTS": "4",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if ref == "secret://stripe/webhook" {
			return "whsec_test", nil
		}
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" || cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Firestore.ProjectID != "tbl-fire" || cfg.PubSub.ProjectID != "tbl-events" || cfg.PubSub.OrderEventsTopic != "orders-v2" {
		t.Errorf("unexpected project routing %+v %+v", cfg.Firestore, cfg.PubSub)
	}
	if cfg.PSP.StripeWebhookSecret != "whsec_test" {
		t.Errorf("expected resolved webhook secret, got %s", cfg.PSP.StripeWebhookSecret)
	}
	if cfg.Security.Environment != "prod" {
		t.Errorf("expected lower-cased environment, got %s", cfg.Security.Environment)
	}
	if cfg.Security.OIDC.Audience != "https://api.example.com" {
		t.Errorf("expected environment audience, got %s", cfg.Security.OIDC.Audience)
	}
	if len(cfg.Security.OIDC.Issuers) != 2 {
		t.Errorf("unexpected issuers %v", cfg.Security.OIDC.Issuers)
	}
	if cfg.Idempotency.Header != "X-Idem-Key" || cfg.Idempotency.TTL != 48*time.Hour {
		t.Errorf("unexpected idempotency config %+v", cfg.Idempotency)
	}
	if cfg.Ledger.TxAttempts != 8 || cfg.Ledger.TxTimeout != 5*time.Second || cfg.Ledger.CatalogReadAttempts != 4 {
		t.Errorf("unexpected ledger config %+v", cfg.Ledger)
	}
	if cfg.Commerce.DefaultCurrency != "GTQ" {
		t.Errorf("expected upper-cased currency, got %s", cfg.Commerce.DefaultCurrency)
	}
	if cfg.Commerce.PercentFee.String() != "12.5" || cfg.Commerce.FixedFee.String() != "1" || cfg.Commerce.TaxRatePercent.String() != "12" {
		t.Errorf("unexpected commerce amounts %+v", cfg.Commerce)
	}
	if !cfg.Commerce.TaxEnabled || cfg.Commerce.TipsEnabled {
		t.Errorf("unexpected commerce toggles %+v", cfg.Commerce)
	}
	if cfg.Commerce.CouponBase != "subtotal_with_fee" {
		t.Errorf("unexpected coupon base %s", cfg.Commerce.CouponBase)
	}
}

func TestLoadRejectsInvalidCommerceValues(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID":  "tbl-dev",
		"API_COMMERCE_PERCENT_FEE": "ten",
		"API_COMMERCE_COUPON_BASE": "total",
		"API_LEDGER_TX_ATTEMPTS":   "0",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	fields := validation.Fields()
	for _, want := range []string{"Commerce.PercentFee", "Commerce.CouponBase", "Ledger.TxAttempts"} {
		if !slices.Contains(fields, want) {
			t.Errorf("expected %s in %v", want, fields)
		}
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_SERVER_PORT=7070\nexport API_FIREBASE_PROJECT_ID=\"tbl-dot\"\n# comment\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv 7070, got %s", cfg.Server.Port)
	}
	if cfg.Firebase.ProjectID != "tbl-dot" {
		t.Errorf("expected firebase project from dotenv, got %s", cfg.Firebase.ProjectID)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if !slices.Contains(validation.Fields(), "Firestore.ProjectID") {
		t.Fatalf("expected Firestore.ProjectID to be reported, got %v", validation.Fields())
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID":       "tbl-dev",
		"API_PSP_STRIPE_WEBHOOK_SECRET": "secret://missing",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("unexpected secret ref %s", secretErr.Ref)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_FIREBASE_PROJECT_ID=dot-project\nAPI_SECRET_FALLBACK_FILE=.dot.local\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("API_FIREBASE_PROJECT_ID", "os-project")
	t.Setenv("API_SECRET_PROJECT_IDS", "prod=project-prod")

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(map[string]string{
		"API_FIREBASE_PROJECT_ID": "override-project",
	}))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}

	if got := values["API_FIREBASE_PROJECT_ID"]; got != "override-project" {
		t.Fatalf("expected override project, got %s", got)
	}
	if got := values["API_SECRET_FALLBACK_FILE"]; got != ".dot.local" {
		t.Fatalf("expected dotenv fallback file, got %s", got)
	}
	if got := values["API_SECRET_PROJECT_IDS"]; got != "prod=project-prod" {
		t.Fatalf("expected system env project map, got %s", got)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	env := map[string]string{"API_FIREBASE_PROJECT_ID": "tbl-dev"}

	_, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("PSP.StripeWebhookSecret"),
	)
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %T", err)
	}
	expectedRedacted := redactSecretName("PSP.StripeWebhookSecret")
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != expectedRedacted {
		t.Fatalf("unexpected redacted names %v", got)
	}
}

func TestLoadMissingRequiredSecretsPanic(t *testing.T) {
	env := map[string]string{"API_FIREBASE_PROJECT_ID": "tbl-dev"}

	defer func() {
		rec := recover()
		missing, ok := rec.(*MissingSecretsError)
		if !ok {
			t.Fatalf("expected MissingSecretsError panic, got %T", rec)
		}
		if names := missing.Names(); len(names) != 1 || names[0] != "PSP.StripeWebhookSecret" {
			t.Fatalf("unexpected missing secrets %v", names)
		}
	}()

	Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("PSP.StripeWebhookSecret"),
		WithPanicOnMissingSecrets(),
	)
}

func TestLoadSupportsLegacySecretScheme(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID":       "tbl-dev",
		"API_PSP_STRIPE_WEBHOOK_SECRET": "sm://stripe/webhook",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if ref == "secret://stripe/webhook" {
			return "legacy-secret", nil
		}
		return "", &SecretError{Ref: ref, Err: errors.New("not found")}
	})

	cfg, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithSecretResolver(resolver),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.PSP.StripeWebhookSecret != "legacy-secret" {
		t.Fatalf("expected legacy secret, got %s", cfg.PSP.StripeWebhookSecret)
	}
}
