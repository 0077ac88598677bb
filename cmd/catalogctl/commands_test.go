package main

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	domain "github.com/tableside/api/internal/domain"
	"github.com/tableside/api/internal/platform/config"
	"github.com/tableside/api/internal/repositories"
	"github.com/tableside/api/internal/repositories/memory"
)

const bistroFixture = "../../internal/fixtures/testdata/bistro.yaml"

func memoryApp(t *testing.T, registry *memory.Registry) *app {
	t.Helper()
	return &app{
		logger: zaptest.NewLogger(t),
		open: func(context.Context, string) (repositories.Registry, config.Config, error) {
			return registry, config.Config{}, nil
		},
	}
}

func runCommand(t *testing.T, a *app, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCommand(a)
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestLoadCommandWritesFixture(t *testing.T) {
	registry := memory.NewRegistry(memory.NewStore())
	out, _, err := runCommand(t, memoryApp(t, registry), "load", bistroFixture)
	require.NoError(t, err)
	assert.Equal(t, "tenant tnt_bistro: 2 items, 2 groups, 4 options, 1 promotions\n", out)

	tenant, err := registry.Tenants().FindByID(context.Background(), "tnt_bistro")
	require.NoError(t, err)
	assert.True(t, tenant.Invoicing.Enabled)
}

func TestLoadCommandDryRunSkipsStore(t *testing.T) {
	a := &app{
		logger: zaptest.NewLogger(t),
		open: func(context.Context, string) (repositories.Registry, config.Config, error) {
			return nil, config.Config{}, errors.New("store must not be opened")
		},
	}
	out, _, err := runCommand(t, a, "load", "--dry-run", bistroFixture)
	require.NoError(t, err)
	assert.Contains(t, out, "(dry run)")
}

func TestLoadCommandRejectsMissingFile(t *testing.T) {
	registry := memory.NewRegistry(memory.NewStore())
	_, _, err := runCommand(t, memoryApp(t, registry), "load", "testdata/missing.yaml")
	require.Error(t, err)
}

func TestIssueInvoiceCommand(t *testing.T) {
	ctx := context.Background()
	registry := memory.NewRegistry(memory.NewStore())
	a := memoryApp(t, registry)
	_, _, err := runCommand(t, a, "load", bistroFixture)
	require.NoError(t, err)
	require.NoError(t, registry.Orders().Insert(ctx, domain.Order{ID: "ord_1", TenantID: "tnt_bistro", Currency: "USD"}))

	out, _, err := runCommand(t, a, "issue-invoice", "--tenant", "tnt_bistro", "ord_1")
	require.NoError(t, err)
	assert.Equal(t, "ord_1\tCB-main000001\tissued\n", out)

	out, _, err = runCommand(t, a, "issue-invoice", "--tenant", "tnt_bistro", "ord_1")
	require.NoError(t, err)
	assert.Equal(t, "ord_1\tCB-main000001\treplayed\n", out)

	_, stderr, err := runCommand(t, a, "issue-invoice", "--tenant", "tnt_bistro", "ord_missing")
	require.Error(t, err)
	assert.Contains(t, stderr, "ord_missing")
}

func TestIssueInvoiceCommandRequiresTenant(t *testing.T) {
	registry := memory.NewRegistry(memory.NewStore())
	_, _, err := runCommand(t, memoryApp(t, registry), "issue-invoice", "ord_1")
	require.EqualError(t, err, "--tenant is required")
}
