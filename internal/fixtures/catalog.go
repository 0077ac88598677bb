// Package fixtures reads YAML tenant catalogs and writes them through the repositories.
package fixtures

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	domain "github.com/tableside/api/internal/domain"
	"github.com/tableside/api/internal/repositories"
)

const maxConcurrentWrites = 8

// ErrInvalidFixture marks fixture documents that cannot be turned into domain records.
var ErrInvalidFixture = errors.New("fixtures: invalid catalog fixture")

type catalogFile struct {
	Tenant     tenantFixture      `yaml:"tenant"`
	Items      []menuItemFixture  `yaml:"items"`
	Promotions []promotionFixture `yaml:"promotions"`
}

type tenantFixture struct {
	ID        string           `yaml:"id"`
	Name      string           `yaml:"name"`
	Currency  string           `yaml:"currency"`
	Locale    string           `yaml:"locale"`
	Active    *bool            `yaml:"active"`
	Pricing   pricingFixture   `yaml:"pricing"`
	Invoicing invoicingFixture `yaml:"invoicing"`
}

type pricingFixture struct {
	FixedFee       string `yaml:"fixed_fee"`
	PercentFee     string `yaml:"percent_fee"`
	TaxEnabled     bool   `yaml:"tax_enabled"`
	TaxRatePercent string `yaml:"tax_rate_percent"`
	TipsEnabled    *bool  `yaml:"tips_enabled"`
	CouponBase     string `yaml:"coupon_base"`
}

type invoicingFixture struct {
	Enabled  bool   `yaml:"enabled"`
	Prefix   string `yaml:"prefix"`
	Series   string `yaml:"series"`
	Suffix   string `yaml:"suffix"`
	Padding  int    `yaml:"padding"`
	Reset    string `yaml:"reset"`
	Timezone string `yaml:"timezone"`
}

type menuItemFixture struct {
	ID        string               `yaml:"id"`
	Name      string               `yaml:"name"`
	Price     string               `yaml:"price"`
	Active    *bool                `yaml:"active"`
	Available *bool                `yaml:"available"`
	Groups    []optionGroupFixture `yaml:"groups"`
}

type optionGroupFixture struct {
	ID      string          `yaml:"id"`
	Name    string          `yaml:"name"`
	Min     int             `yaml:"min"`
	Max     *int            `yaml:"max"`
	Active  *bool           `yaml:"active"`
	Options []optionFixture `yaml:"options"`
}

type optionFixture struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Delta  string `yaml:"delta"`
	Active *bool  `yaml:"active"`
}

type promotionFixture struct {
	ID           string `yaml:"id"`
	Code         string `yaml:"code"`
	Kind         string `yaml:"kind"`
	Value        string `yaml:"value"`
	Currency     string `yaml:"currency"`
	MinSubtotal  string `yaml:"min_subtotal"`
	Active       *bool  `yaml:"active"`
	StartsAt     string `yaml:"starts_at"`
	EndsAt       string `yaml:"ends_at"`
	GlobalLimit  int64  `yaml:"global_limit"`
	PerUserLimit int64  `yaml:"per_user_limit"`
}

// Catalog is a parsed fixture ready to be written.
type Catalog struct {
	Tenant     domain.Tenant
	Items      []domain.MenuItem
	Groups     map[string][]domain.OptionGroup
	Options    []domain.OptionItem
	Promotions []domain.Promotion
}

// Writers are the repositories Load writes through.
type Writers struct {
	Tenants    repositories.TenantRepository
	Catalog    repositories.CatalogWriter
	Promotions repositories.PromotionRepository
}

// Summary counts the records Load wrote.
type Summary struct {
	TenantID   string
	Items      int
	Groups     int
	Options    int
	Promotions int
}

// Parse decodes a YAML catalog fixture. Prices use the tenant currency.
func Parse(data []byte) (Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Catalog{}, fmt.Errorf("%w: %v", ErrInvalidFixture, err)
	}

	tenant, err := file.Tenant.toDomain()
	if err != nil {
		return Catalog{}, err
	}

	catalog := Catalog{Tenant: tenant, Groups: make(map[string][]domain.OptionGroup)}
	seenItems := make(map[string]struct{})
	seenOptions := make(map[string]struct{})
	for i, item := range file.Items {
		id := strings.TrimSpace(item.ID)
		if id == "" {
			return Catalog{}, invalidf("items[%d]: id is required", i)
		}
		if _, dup := seenItems[id]; dup {
			return Catalog{}, invalidf("items[%d]: duplicate id %q", i, id)
		}
		seenItems[id] = struct{}{}

		price, err := domain.ParseMoney(item.Price)
		if err != nil || price.IsNegative() {
			return Catalog{}, invalidf("items[%d]: invalid price %q", i, item.Price)
		}
		catalog.Items = append(catalog.Items, domain.MenuItem{
			ID:        id,
			TenantID:  tenant.ID,
			Name:      strings.TrimSpace(item.Name),
			BasePrice: price,
			Currency:  tenant.Currency,
			Active:    boolOr(item.Active, true),
			Available: boolOr(item.Available, true),
		})

		for j, group := range item.Groups {
			groupID := strings.TrimSpace(group.ID)
			if groupID == "" {
				return Catalog{}, invalidf("items[%d].groups[%d]: id is required", i, j)
			}
			maxSelect := -1
			if group.Max != nil {
				maxSelect = *group.Max
			}
			if group.Min < 0 || (maxSelect >= 0 && maxSelect < group.Min) {
				return Catalog{}, invalidf("items[%d].groups[%d]: invalid bounds %d..%d", i, j, group.Min, maxSelect)
			}
			catalog.Groups[id] = append(catalog.Groups[id], domain.OptionGroup{
				ID:         groupID,
				MenuItemID: id,
				Name:       strings.TrimSpace(group.Name),
				MinSelect:  group.Min,
				MaxSelect:  maxSelect,
				Active:     boolOr(group.Active, true),
			})
			for k, option := range group.Options {
				optionID := strings.TrimSpace(option.ID)
				if optionID == "" {
					return Catalog{}, invalidf("items[%d].groups[%d].options[%d]: id is required", i, j, k)
				}
				if _, dup := seenOptions[optionID]; dup {
					return Catalog{}, invalidf("items[%d].groups[%d].options[%d]: duplicate id %q", i, j, k, optionID)
				}
				seenOptions[optionID] = struct{}{}
				delta := domain.ZeroMoney()
				if strings.TrimSpace(option.Delta) != "" {
					if delta, err = domain.ParseMoney(option.Delta); err != nil {
						return Catalog{}, invalidf("items[%d].groups[%d].options[%d]: invalid delta %q", i, j, k, option.Delta)
					}
				}
				catalog.Options = append(catalog.Options, domain.OptionItem{
					ID:         optionID,
					GroupID:    groupID,
					Name:       strings.TrimSpace(option.Name),
					PriceDelta: delta,
					Active:     boolOr(option.Active, true),
				})
			}
		}
	}

	for i, promo := range file.Promotions {
		promotion, err := promo.toDomain(tenant)
		if err != nil {
			return Catalog{}, fmt.Errorf("promotions[%d]: %w", i, err)
		}
		catalog.Promotions = append(catalog.Promotions, promotion)
	}
	return catalog, nil
}

// Load writes the tenant first, then the catalog records and promotions concurrently.
func Load(ctx context.Context, catalog Catalog, w Writers) (Summary, error) {
	if w.Tenants == nil || w.Catalog == nil || w.Promotions == nil {
		return Summary{}, errors.New("fixtures: tenant, catalog and promotion writers are required")
	}
	if err := w.Tenants.Save(ctx, catalog.Tenant); err != nil {
		return Summary{}, fmt.Errorf("save tenant %s: %w", catalog.Tenant.ID, err)
	}

	tenantID := catalog.Tenant.ID
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentWrites)
	for _, item := range catalog.Items {
		g.Go(func() error {
			if err := w.Catalog.PutMenuItem(gctx, item); err != nil {
				return fmt.Errorf("put menu item %s: %w", item.ID, err)
			}
			return nil
		})
	}
	groups := 0
	for _, itemGroups := range catalog.Groups {
		for _, group := range itemGroups {
			groups++
			g.Go(func() error {
				if err := w.Catalog.PutOptionGroup(gctx, tenantID, group); err != nil {
					return fmt.Errorf("put option group %s: %w", group.ID, err)
				}
				return nil
			})
		}
	}
	for _, option := range catalog.Options {
		g.Go(func() error {
			if err := w.Catalog.PutOptionItem(gctx, tenantID, option); err != nil {
				return fmt.Errorf("put option %s: %w", option.ID, err)
			}
			return nil
		})
	}
	for _, promotion := range catalog.Promotions {
		g.Go(func() error {
			if err := w.Promotions.Save(gctx, promotion); err != nil {
				return fmt.Errorf("save promotion %s: %w", promotion.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Summary{}, err
	}

	return Summary{
		TenantID:   tenantID,
		Items:      len(catalog.Items),
		Groups:     groups,
		Options:    len(catalog.Options),
		Promotions: len(catalog.Promotions),
	}, nil
}

func (t tenantFixture) toDomain() (domain.Tenant, error) {
	id := strings.TrimSpace(t.ID)
	if id == "" {
		return domain.Tenant{}, invalidf("tenant: id is required")
	}
	currency, err := domain.NormalizeCurrency(t.Currency)
	if err != nil {
		return domain.Tenant{}, invalidf("tenant: %v", err)
	}

	fixed, err := optionalDecimal(t.Pricing.FixedFee)
	if err != nil {
		return domain.Tenant{}, invalidf("tenant: invalid fixed_fee %q", t.Pricing.FixedFee)
	}
	percent, err := optionalDecimal(t.Pricing.PercentFee)
	if err != nil {
		return domain.Tenant{}, invalidf("tenant: invalid percent_fee %q", t.Pricing.PercentFee)
	}
	taxRate, err := optionalDecimal(t.Pricing.TaxRatePercent)
	if err != nil {
		return domain.Tenant{}, invalidf("tenant: invalid tax_rate_percent %q", t.Pricing.TaxRatePercent)
	}

	base := domain.CouponBase(strings.ToLower(strings.TrimSpace(t.Pricing.CouponBase)))
	switch base {
	case "":
		base = domain.CouponBaseSubtotal
	case domain.CouponBaseSubtotal, domain.CouponBaseSubtotalWithFee:
	default:
		return domain.Tenant{}, invalidf("tenant: unknown coupon_base %q", t.Pricing.CouponBase)
	}

	reset := domain.InvoiceReset(strings.ToLower(strings.TrimSpace(t.Invoicing.Reset)))
	switch reset {
	case "":
		reset = domain.InvoiceResetGlobal
	case domain.InvoiceResetGlobal, domain.InvoiceResetYearly, domain.InvoiceResetMonthly, domain.InvoiceResetDaily:
	default:
		return domain.Tenant{}, invalidf("tenant: unknown invoicing reset %q", t.Invoicing.Reset)
	}
	if tz := strings.TrimSpace(t.Invoicing.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return domain.Tenant{}, invalidf("tenant: unknown invoicing timezone %q", tz)
		}
	}

	return domain.Tenant{
		ID:       id,
		Name:     strings.TrimSpace(t.Name),
		Currency: currency,
		Locale:   strings.TrimSpace(t.Locale),
		Active:   boolOr(t.Active, true),
		Pricing: domain.PricingSettings{
			FixedFee:       fixed,
			PercentFee:     percent,
			TaxEnabled:     t.Pricing.TaxEnabled,
			TaxRatePercent: taxRate,
			TipsEnabled:    boolOr(t.Pricing.TipsEnabled, true),
			CouponBase:     base,
		},
		Invoicing: domain.InvoiceSettings{
			Enabled:  t.Invoicing.Enabled,
			Prefix:   t.Invoicing.Prefix,
			Series:   strings.TrimSpace(t.Invoicing.Series),
			Suffix:   t.Invoicing.Suffix,
			Padding:  t.Invoicing.Padding,
			Reset:    reset,
			Timezone: strings.TrimSpace(t.Invoicing.Timezone),
		},
	}, nil
}

func (p promotionFixture) toDomain(tenant domain.Tenant) (domain.Promotion, error) {
	id := strings.TrimSpace(p.ID)
	code := strings.TrimSpace(p.Code)
	if id == "" || code == "" {
		return domain.Promotion{}, invalidf("id and code are required")
	}
	kind := domain.PromotionKind(strings.ToLower(strings.TrimSpace(p.Kind)))
	if kind != domain.PromotionKindPercent && kind != domain.PromotionKindFixed {
		return domain.Promotion{}, invalidf("unknown kind %q", p.Kind)
	}
	value, err := decimal.NewFromString(strings.TrimSpace(p.Value))
	if err != nil || !value.IsPositive() {
		return domain.Promotion{}, invalidf("invalid value %q", p.Value)
	}
	minSubtotal, err := optionalDecimal(p.MinSubtotal)
	if err != nil {
		return domain.Promotion{}, invalidf("invalid min_subtotal %q", p.MinSubtotal)
	}
	currency := tenant.Currency
	if strings.TrimSpace(p.Currency) != "" {
		if currency, err = domain.NormalizeCurrency(p.Currency); err != nil {
			return domain.Promotion{}, invalidf("%v", err)
		}
	}
	startsAt, err := optionalTime(p.StartsAt)
	if err != nil {
		return domain.Promotion{}, invalidf("invalid starts_at %q", p.StartsAt)
	}
	endsAt, err := optionalTime(p.EndsAt)
	if err != nil {
		return domain.Promotion{}, invalidf("invalid ends_at %q", p.EndsAt)
	}
	if p.GlobalLimit < 0 || p.PerUserLimit < 0 {
		return domain.Promotion{}, invalidf("limits must not be negative")
	}

	return domain.Promotion{
		ID:           id,
		TenantID:     tenant.ID,
		Code:         code,
		Kind:         kind,
		Value:        value,
		Currency:     currency,
		MinSubtotal:  minSubtotal,
		Active:       boolOr(p.Active, true),
		StartsAt:     startsAt,
		EndsAt:       endsAt,
		GlobalLimit:  p.GlobalLimit,
		PerUserLimit: p.PerUserLimit,
	}, nil
}

func optionalDecimal(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, err
	}
	if value.IsNegative() {
		return decimal.Zero, errors.New("negative amount")
	}
	return value, nil
}

func optionalTime(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}

func boolOr(value *bool, fallback bool) bool {
	if value == nil {
		return fallback
	}
	return *value
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidFixture, fmt.Sprintf(format, args...))
}
