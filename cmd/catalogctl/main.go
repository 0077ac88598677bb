// Command catalogctl loads tenant catalog fixtures and runs ledger backfills against Firestore.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tableside/api/internal/platform/config"
	pfirestore "github.com/tableside/api/internal/platform/firestore"
	"github.com/tableside/api/internal/platform/observability"
	"github.com/tableside/api/internal/repositories"
	firestoreRepo "github.com/tableside/api/internal/repositories/firestore"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	root := newRootCommand(&app{
		logger: logger.Named("catalogctl"),
		open:   openFirestoreRegistry,
	})
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openFirestoreRegistry(ctx context.Context, envFile string) (repositories.Registry, config.Config, error) {
	opts := []config.Option{
		// Payment secrets are not needed here; references resolve to empty values.
		config.WithSecretResolver(config.SecretResolverFunc(func(context.Context, string) (string, error) {
			return "", nil
		})),
	}
	if envFile != "" {
		opts = append(opts, config.WithEnvFile(envFile))
	}
	cfg, err := config.Load(ctx, opts...)
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("load configuration: %w", err)
	}
	provider := pfirestore.NewProvider(cfg.Firestore, pfirestore.WithLedger(cfg.Ledger))
	registry, err := firestoreRepo.NewRegistry(provider, firestoreRepo.TenantDefaultsFromConfig(cfg.Commerce))
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("open firestore registry: %w", err)
	}
	return registry, cfg, nil
}
