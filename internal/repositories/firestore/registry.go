package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	pfirestore "github.com/tableside/api/internal/platform/firestore"
	"github.com/tableside/api/internal/repositories"
)

const firestoreProbeTimeout = 3 * time.Second

// Registry bundles the Firestore repositories behind repositories.Registry.
type Registry struct {
	provider   *pfirestore.Provider
	orders     *OrderRepository
	catalog    *CatalogRepository
	tenants    *TenantRepository
	promotions *PromotionRepository
	invoices   *InvoiceRepository
	health     repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs every repository over a shared provider.
func NewRegistry(provider *pfirestore.Provider, defaults TenantDefaults, extraChecks ...repositories.DependencyCheck) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	catalog, err := NewCatalogRepository(provider)
	if err != nil {
		return nil, err
	}
	tenants, err := NewTenantRepository(provider, defaults)
	if err != nil {
		return nil, err
	}
	promotions, err := NewPromotionRepository(provider)
	if err != nil {
		return nil, err
	}
	invoices, err := NewInvoiceRepository(provider, defaults)
	if err != nil {
		return nil, err
	}

	checks := append([]repositories.DependencyCheck{{
		Name:    "firestore",
		Timeout: firestoreProbeTimeout,
		Check:   provider.Ping,
	}}, extraChecks...)
	health, err := repositories.NewProbeRepository(checks)
	if err != nil {
		return nil, fmt.Errorf("build health repository: %w", err)
	}

	return &Registry{
		provider:   provider,
		orders:     orders,
		catalog:    catalog,
		tenants:    tenants,
		promotions: promotions,
		invoices:   invoices,
		health:     health,
	}, nil
}

func (r *Registry) Close(ctx context.Context) error { return r.provider.Close(ctx) }
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }
func (r *Registry) Catalog() repositories.CatalogRepository { return r.catalog }
func (r *Registry) Tenants() repositories.TenantRepository { return r.tenants }
func (r *Registry) Promotions() repositories.PromotionRepository { return r.promotions }
func (r *Registry) Invoices() repositories.InvoiceRepository { return r.invoices }
func (r *Registry) Health() repositories.HealthRepository { return r.health }

// CatalogWriter exposes the catalog loader used by operator tooling.
func (r *Registry) CatalogWriter() repositories.CatalogWriter { return r.catalog }

// InvoiceCounters exposes counter inspection for operator tooling.
func (r *Registry) InvoiceCounters() *InvoiceRepository { return r.invoices }
