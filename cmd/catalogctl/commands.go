package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tableside/api/internal/di"
	"github.com/tableside/api/internal/fixtures"
	"github.com/tableside/api/internal/platform/config"
	"github.com/tableside/api/internal/repositories"
	"github.com/tableside/api/internal/services"
)

type registryOpener func(ctx context.Context, envFile string) (repositories.Registry, config.Config, error)

type app struct {
	logger  *zap.Logger
	open    registryOpener
	envFile string
}

func newRootCommand(a *app) *cobra.Command {
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	root := &cobra.Command{
		Use:           "catalogctl",
		Short:         "Operate tenant catalogs and order ledgers",
		Long:          `catalogctl loads YAML catalog fixtures (tenant settings, menu items, option groups, promotions) into the store and runs ledger operations such as invoice number backfills.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.envFile, "env-file", "", "dotenv file with API_* settings (default .env)")

	root.AddCommand(newLoadCommand(a), newIssueInvoiceCommand(a))
	return root
}

func newLoadCommand(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "load <fixture.yaml>",
		Short: "Write a tenant catalog fixture to the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read fixture: %w", err)
			}
			catalog, err := fixtures.Parse(data)
			if err != nil {
				return err
			}
			if dryRun {
				groups := 0
				for _, itemGroups := range catalog.Groups {
					groups += len(itemGroups)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "tenant %s: %d items, %d groups, %d options, %d promotions (dry run)\n",
					catalog.Tenant.ID, len(catalog.Items), groups, len(catalog.Options), len(catalog.Promotions))
				return nil
			}

			ctx := cmd.Context()
			registry, _, err := a.open(ctx, a.envFile)
			if err != nil {
				return err
			}
			defer closeRegistry(a.logger, registry)

			writer, ok := registry.Catalog().(repositories.CatalogWriter)
			if !ok {
				return errors.New("catalog repository does not accept writes")
			}
			summary, err := fixtures.Load(ctx, catalog, fixtures.Writers{
				Tenants:    registry.Tenants(),
				Catalog:    writer,
				Promotions: registry.Promotions(),
			})
			if err != nil {
				return err
			}
			a.logger.Info("catalog fixture loaded",
				zap.String("tenantId", summary.TenantID),
				zap.Int("items", summary.Items),
				zap.Int("groups", summary.Groups),
				zap.Int("options", summary.Options),
				zap.Int("promotions", summary.Promotions),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "tenant %s: %d items, %d groups, %d options, %d promotions\n",
				summary.TenantID, summary.Items, summary.Groups, summary.Options, summary.Promotions)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate the fixture without writing")
	return cmd
}

func newIssueInvoiceCommand(a *app) *cobra.Command {
	var tenantID string
	cmd := &cobra.Command{
		Use:   "issue-invoice <orderID>...",
		Short: "Issue (or replay) invoice numbers for orders",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID = strings.TrimSpace(tenantID)
			if tenantID == "" {
				return errors.New("--tenant is required")
			}
			ctx := cmd.Context()
			registry, cfg, err := a.open(ctx, a.envFile)
			if err != nil {
				return err
			}
			container, err := di.NewContainer(ctx, cfg, registry, di.WithLogger(a.logger))
			if err != nil {
				closeRegistry(a.logger, registry)
				return err
			}
			defer closeRegistry(a.logger, container.Repositories)

			var failed int
			for _, orderID := range args {
				issue, err := container.Services.Orders.IssueInvoiceNumber(ctx, services.IssueInvoiceCommand{
					TenantID: tenantID,
					OrderID:  orderID,
				})
				if err != nil {
					failed++
					a.logger.Warn("invoice issue failed", zap.String("orderId", orderID), zap.Error(err))
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", orderID, err)
					continue
				}
				state := "issued"
				if issue.Replayed {
					state = "replayed"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", issue.OrderID, issue.InvoiceNumber, state)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d orders failed", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant that owns the orders")
	return cmd
}

func closeRegistry(logger *zap.Logger, registry repositories.Registry) {
	if registry == nil {
		return
	}
	if err := registry.Close(context.Background()); err != nil {
		logger.Warn("registry close error", zap.Error(err))
	}
}
