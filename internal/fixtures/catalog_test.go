package fixtures

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/tableside/api/internal/domain"
	"github.com/tableside/api/internal/repositories"
	"github.com/tableside/api/internal/repositories/memory"
)

func readFixture(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile("testdata/bistro.yaml")
	require.NoError(t, err)
	return data
}

func TestParseCatalog(t *testing.T) {
	catalog, err := Parse(readFixture(t))
	require.NoError(t, err)

	tenant := catalog.Tenant
	assert.Equal(t, "tnt_bistro", tenant.ID)
	assert.Equal(t, "USD", tenant.Currency)
	assert.True(t, tenant.Active)
	assert.True(t, tenant.Pricing.TipsEnabled)
	assert.Equal(t, "0.50", tenant.Pricing.FixedFee.StringFixed(2))
	assert.Equal(t, "8.875", tenant.Pricing.TaxRatePercent.String())
	assert.Equal(t, domain.InvoiceResetYearly, tenant.Invoicing.Reset)
	assert.Equal(t, 6, tenant.Invoicing.Padding)

	require.Len(t, catalog.Items, 2)
	burger := catalog.Items[0]
	assert.Equal(t, "12.50", burger.BasePrice.StringFixed(2))
	assert.Equal(t, "USD", burger.Currency)
	assert.Equal(t, "tnt_bistro", burger.TenantID)
	assert.False(t, catalog.Items[1].Available)

	groups := catalog.Groups["burger"]
	require.Len(t, groups, 2)
	assert.True(t, groups[0].Required())
	assert.Equal(t, 1, groups[0].MaxSelect)
	assert.Equal(t, -1, groups[1].MaxSelect)

	require.Len(t, catalog.Options, 4)
	assert.True(t, catalog.Options[0].PriceDelta.IsZero())
	assert.Equal(t, "2.00", catalog.Options[2].PriceDelta.StringFixed(2))

	require.Len(t, catalog.Promotions, 1)
	promo := catalog.Promotions[0]
	assert.Equal(t, domain.PromotionKindPercent, promo.Kind)
	assert.Equal(t, "USD", promo.Currency)
	require.NotNil(t, promo.StartsAt)
	assert.Nil(t, promo.EndsAt)
	assert.EqualValues(t, 500, promo.GlobalLimit)
}

func TestParseRejectsInvalidFixtures(t *testing.T) {
	cases := map[string]string{
		"malformed":         "tenant: [",
		"missing tenant id": "tenant:\n  currency: USD\n",
		"bad currency":      "tenant:\n  id: t\n  currency: dollars\n",
		"bad price": `tenant: {id: t, currency: USD}
items:
  - {id: a, price: "abc"}
`,
		"duplicate item": `tenant: {id: t, currency: USD}
items:
  - {id: a, price: "1.00"}
  - {id: a, price: "2.00"}
`,
		"inverted bounds": `tenant: {id: t, currency: USD}
items:
  - id: a
    price: "1.00"
    groups:
      - {id: g, min: 2, max: 1}
`,
		"unknown promotion kind": `tenant: {id: t, currency: USD}
promotions:
  - {id: p, code: X, kind: bogo, value: "1"}
`,
		"unknown reset": "tenant:\n  id: t\n  currency: USD\n  invoicing:\n    reset: hourly\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.ErrorIs(t, err, ErrInvalidFixture)
		})
	}
}

func TestLoadWritesThroughRepositories(t *testing.T) {
	ctx := context.Background()
	catalog, err := Parse(readFixture(t))
	require.NoError(t, err)

	registry := memory.NewRegistry(memory.NewStore())
	summary, err := Load(ctx, catalog, Writers{
		Tenants:    registry.Tenants(),
		Catalog:    registry.Catalog().(repositories.CatalogWriter),
		Promotions: registry.Promotions(),
	})
	require.NoError(t, err)
	assert.Equal(t, Summary{TenantID: "tnt_bistro", Items: 2, Groups: 2, Options: 4, Promotions: 1}, summary)

	tenant, err := registry.Tenants().FindByID(ctx, "tnt_bistro")
	require.NoError(t, err)
	assert.Equal(t, "Corner Bistro", tenant.Name)

	items, err := registry.Catalog().GetMenuItems(ctx, "tnt_bistro", []string{"burger", "fries", "salad"})
	require.NoError(t, err)
	assert.Len(t, items, 2)

	groups, err := registry.Catalog().ListOptionGroups(ctx, "tnt_bistro", "burger")
	require.NoError(t, err)
	assert.Len(t, groups, 2)

	options, err := registry.Catalog().GetOptionItems(ctx, "tnt_bistro", []string{"bacon", "cheese"})
	require.NoError(t, err)
	assert.Len(t, options, 2)

	promo, err := registry.Promotions().FindByCode(ctx, "tnt_bistro", "lunch10")
	require.NoError(t, err)
	assert.Equal(t, "promo_lunch", promo.ID)
}

func TestLoadRequiresWriters(t *testing.T) {
	_, err := Load(context.Background(), Catalog{}, Writers{})
	require.Error(t, err)
}
