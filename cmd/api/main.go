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
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/tableside/api/internal/di"
	"github.com/tableside/api/internal/handlers"
	"github.com/tableside/api/internal/payments"
	"github.com/tableside/api/internal/platform/auth"
	"github.com/tableside/api/internal/platform/config"
	pfirestore "github.com/tableside/api/internal/platform/firestore"
	"github.com/tableside/api/internal/platform/idempotency"
	"github.com/tableside/api/internal/platform/jobs"
	"github.com/tableside/api/internal/platform/observability"
	"github.com/tableside/api/internal/platform/requestctx"
	"github.com/tableside/api/internal/platform/secrets"
	"github.com/tableside/api/internal/repositories"
	firestoreRepo "github.com/tableside/api/internal/repositories/firestore"
	"github.com/tableside/api/internal/services"
)

const (
	serviceName = "tableside-api"
	meterName   = "github.com/tableside/api/cmd/api"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger(observability.WithServiceContext(serviceName, os.Getenv("API_BUILD_VERSION")))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = requestctx.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	resolver, err := newSecretResolver(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret resolver", zap.Error(err))
	}
	defer func() {
		if err := resolver.Close(); err != nil {
			logger.Warn("secret resolver close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(resolver.Resolve)),
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

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore, pfirestore.WithLedger(cfg.Ledger))
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}

	pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		logger.Fatal("failed to initialise pubsub client", zap.Error(err))
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}()
	orderTopic := pubsubClient.Topic(cfg.PubSub.OrderEventsTopic)
	eventPublisher, err := jobs.NewPubSubOrderEventPublisher(orderTopic)
	if err != nil {
		logger.Fatal("failed to initialise order event publisher", zap.Error(err))
	}
	defer eventPublisher.Stop()

	registry, err := firestoreRepo.NewRegistry(
		firestoreProvider,
		firestoreRepo.TenantDefaultsFromConfig(cfg.Commerce),
		dependencyChecks(resolver, orderTopic)...,
	)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	container, err := di.NewContainer(ctx, cfg, registry,
		di.WithEventPublisher(eventPublisher),
		di.WithLogger(logger),
		di.WithBuildInfo(buildInfo),
	)
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLease(cfg.Idempotency.Lease),
	)

	purgeCtx, purgeCancel := context.WithCancel(context.Background())
	var purgeWG sync.WaitGroup
	purgeWG.Add(1)
	go func() {
		defer purgeWG.Done()
		idempotency.RunPurger(purgeCtx, idempotencyStore, cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize, logger.Named("idempotency"))
	}()

	oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg)

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier,
		auth.WithClaimNames(auth.ClaimNames{Role: cfg.Firebase.RoleClaim, Tenant: cfg.Firebase.TenantClaim}),
	)

	paymentManager, err := buildPaymentManager(logger.Named("payments"), cfg)
	if err != nil {
		logger.Fatal("failed to initialise payment event parsers", zap.Error(err))
	}

	orderHandlers := handlers.NewOrderHandlers(authenticator, container.Services.Orders,
		handlers.WithMutationMiddlewares(idempotencyMiddleware),
		handlers.WithQuoteRateLimit(cfg.Server.QuoteRateLimit, cfg.Server.QuoteRateWindow, time.Now),
	)
	paymentHandlers := handlers.NewPaymentEventHandlers(paymentManager, container.Services.Orders)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(container.Services.System),
	)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.ContextLogger(logger.Named("http")),
		observability.Trace(projectID),
		observability.Recover(logger.Named("http")),
		observability.AccessLog(),
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithTenantRoutes(orderHandlers.TenantRoutes),
		handlers.WithOrderRoutes(orderHandlers.OrderRoutes),
		handlers.WithWebhookRoutes(paymentHandlers.WebhookRoutes),
	}
	if oidcMiddleware != nil {
		opts = append(opts,
			handlers.WithInternalMiddlewares(oidcMiddleware),
			handlers.WithInternalRoutes(paymentHandlers.InternalRoutes),
		)
	} else {
		logger.Warn("auth: OIDC not configured; internal payment push endpoint disabled")
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("tableside api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	purgeCancel()
	purgeWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
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

// dependencyChecks adds the probes readiness reports next to the Firestore ping.
func dependencyChecks(resolver *secrets.Resolver, topic *pubsub.Topic) []repositories.DependencyCheck {
	checks := make([]repositories.DependencyCheck, 0, 2)
	if topic != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s not found", topic.ID())
				}
				return nil
			},
		})
	}
	if resolver != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := resolver.Resolve(ctx, secretHealthReference)
				if err == nil || errors.Is(err, secrets.ErrNotFound) || errors.Is(err, secrets.ErrNoBackend) {
					return nil
				}
				return err
			},
		})
	}
	return checks
}

func buildPaymentManager(logger *zap.Logger, cfg config.Config) (*payments.Manager, error) {
	parsers := map[string]payments.EventParser{
		"pubsub": payments.PushEventParser{},
	}
	if secret := strings.TrimSpace(cfg.PSP.StripeWebhookSecret); secret != "" {
		stripeParser, err := payments.NewStripeEventParser(payments.StripeEventParserConfig{
			WebhookSecret: secret,
			Logger: func(_ context.Context, event string, fields map[string]any) {
				zFields := make([]zap.Field, 0, len(fields)+1)
				zFields = append(zFields, zap.String("event", event))
				for k, v := range fields {
					zFields = append(zFields, zap.Any(k, v))
				}
				logger.Debug("stripe log", zFields...)
			},
		})
		if err != nil {
			return nil, err
		}
		parsers["stripe"] = stripeParser
	} else {
		logger.Warn("stripe webhook secret not configured; stripe webhooks disabled")
	}
	return payments.NewManager(parsers)
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	oidc := cfg.Security.OIDC
	if strings.TrimSpace(oidc.JWKSURL) == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(oidc.Audience) == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	if len(oidc.ServiceAccounts) == 0 {
		logger.Warn("auth: no push service accounts configured; any Google-signed caller for the audience is accepted")
	}

	keys := auth.NewKeySet(oidc.JWKSURL, auth.WithKeySetLogger(logger))
	verifier := auth.NewPushVerifier(keys, oidc.Audience,
		auth.WithIssuers(oidc.Issuers...),
		auth.WithServiceAccounts(oidc.ServiceAccounts...),
		auth.WithPushMetrics(oidcMetricsRecorder(logger)),
		auth.WithPushLogger(logger),
	)
	return verifier.Require()
}

func oidcMetricsRecorder(logger *zap.Logger) auth.MetricsRecorder {
	counter, err := otel.GetMeterProvider().Meter(meterName).Int64Counter("auth.oidc.verifications",
		metric.WithDescription("OIDC token verifications by outcome"))
	if err != nil {
		logger.Warn("auth: OIDC metrics unavailable", zap.Error(err))
		return nil
	}
	return auth.MetricsRecorderFunc(func(ctx context.Context, kind string, success bool, reason string, _ time.Duration) {
		counter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.Bool("success", success),
			attribute.String("reason", reason),
		))
	})
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func requiredSecretNames(env map[string]string) []string {
	var required []string
	if env != nil && strings.TrimSpace(env["API_PSP_STRIPE_WEBHOOK_SECRET"]) != "" {
		required = append(required, "PSP.StripeWebhookSecret")
	}
	return uniqueStrings(required)
}

func newSecretResolver(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Resolver, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	envLabel := strings.ToLower(lookup("API_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	project := secretProjectMapFromEnv(env)[envLabel]
	if project == "" {
		project = lookup("API_SECRET_DEFAULT_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithProject(project),
		secrets.WithFallbackFile(fallbackPath),
		secrets.WithVersionPins(parsePairs(lookup("API_SECRET_VERSION_PINS"), false)),
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewResolver(ctx, opts...)
}

// secretProjectMapFromEnv reads API_SECRET_PROJECT_IDS, e.g. "prod=tableside-prod,staging=tableside-stg".
func secretProjectMapFromEnv(env map[string]string) map[string]string {
	return parsePairs(env["API_SECRET_PROJECT_IDS"], true)
}

func parsePairs(raw string, lowerKeys bool) map[string]string {
	pairs := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			continue
		}
		if lowerKeys {
			key = strings.ToLower(key)
		}
		pairs[key] = value
	}
	return pairs
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

