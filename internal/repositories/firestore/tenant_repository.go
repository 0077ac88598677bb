package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"

	domain "github.com/tableside/api/internal/domain"
	"github.com/tableside/api/internal/platform/config"
	pfirestore "github.com/tableside/api/internal/platform/firestore"
	"github.com/tableside/api/internal/repositories"
)

// TenantDefaults fill settings sections a tenant document omits.
type TenantDefaults struct {
	Currency string
	Pricing  domain.PricingSettings
}

// TenantDefaultsFromConfig maps the commerce config group onto tenant defaults.
func TenantDefaultsFromConfig(cfg config.CommerceConfig) TenantDefaults {
	base := domain.CouponBase(strings.TrimSpace(cfg.CouponBase))
	if base == "" {
		base = domain.CouponBaseSubtotal
	}
	return TenantDefaults{
		Currency: strings.ToUpper(strings.TrimSpace(cfg.DefaultCurrency)),
		Pricing: domain.PricingSettings{
			FixedFee:       cfg.FixedFee,
			PercentFee:     cfg.PercentFee,
			TaxEnabled:     cfg.TaxEnabled,
			TaxRatePercent: cfg.TaxRatePercent,
			TipsEnabled:    cfg.TipsEnabled,
			CouponBase:     base,
		},
	}
}

const activationsPath = "activations"

// TenantRepository reads tenant commerce settings from tenants/{tenantId}.
type TenantRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.Collection[tenantDocument]
	defaults TenantDefaults
}

var _ repositories.TenantRepository = (*TenantRepository)(nil)

// NewTenantRepository constructs a Firestore-backed tenant repository.
func NewTenantRepository(provider *pfirestore.Provider, defaults TenantDefaults) (*TenantRepository, error) {
	if provider == nil {
		return nil, errors.New("tenant repository requires firestore provider")
	}
	return &TenantRepository{
		provider: provider,
		base:     pfirestore.NewCollection[tenantDocument](provider, tenantsCollection),
		defaults: defaults,
	}, nil
}

func (r *TenantRepository) FindByID(ctx context.Context, tenantID string) (domain.Tenant, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(tenantID))
	if err != nil {
		return domain.Tenant{}, err
	}
	return doc.Data.toDomain(doc.ID, r.defaults)
}

func (r *TenantRepository) Save(ctx context.Context, tenant domain.Tenant) error {
	return r.base.Set(ctx, tenant.ID, newTenantDocument(tenant))
}

// Activate marks the tenant active once per reference. The activation record at
// tenants/{tenantId}/activations/{reference} is read first, so a retried request replays it.
func (r *TenantRepository) Activate(ctx context.Context, req repositories.TenantActivationRequest) (domain.TenantActivation, error) {
	if err := repositories.ValidateActivationRequest(req); err != nil {
		return domain.TenantActivation{}, err
	}
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.Reference = strings.TrimSpace(req.Reference)
	req.Now = repositories.LedgerNow(req.Now)
	activations := pfirestore.NewCollection[activationDocument](r.provider, tenantPath(req.TenantID, activationsPath))

	var activation domain.TenantActivation
	err := ledgerTransaction(ctx, r.provider, "tenants.activate", func(ctx context.Context, tx *firestore.Transaction) error {
		tenantRef, err := r.base.DocumentRef(ctx, req.TenantID)
		if err != nil {
			return err
		}
		activationRef, err := activations.DocumentRef(ctx, req.Reference)
		if err != nil {
			return err
		}

		var tenantDoc tenantDocument
		found, err := readOptional(tx, tenantRef, &tenantDoc)
		if err != nil {
			return err
		}
		if !found {
			return repositories.NewLedgerError("tenants.activate", repositories.LedgerErrorNotFound, fmt.Sprintf("tenant %s not found", req.TenantID), nil)
		}
		tenant, err := tenantDoc.toDomain(req.TenantID, r.defaults)
		if err != nil {
			return err
		}
		var stored activationDocument
		recorded, err := readOptional(tx, activationRef, &stored)
		if err != nil {
			return err
		}
		var existing *domain.TenantActivation
		if recorded {
			existing = &domain.TenantActivation{
				Reference:   req.Reference,
				ActivatedBy: stored.ActivatedBy,
				ActivatedAt: stored.ActivatedAt.UTC(),
			}
		}

		plan, err := repositories.PlanTenantActivation(req, tenant, existing)
		if err != nil {
			return err
		}
		activation = plan.Activation
		if plan.Replay {
			return nil
		}

		if err := tx.Create(activationRef, activationDocument{
			ActivatedBy: plan.Activation.ActivatedBy,
			ActivatedAt: plan.Activation.ActivatedAt,
		}); err != nil {
			return err
		}
		return tx.Update(tenantRef, []firestore.Update{
			{Path: "active", Value: true},
			{Path: "activationRef", Value: plan.Tenant.ActivationRef},
			{Path: "activatedAt", Value: plan.Activation.ActivatedAt},
			{Path: "updatedAt", Value: plan.Tenant.UpdatedAt},
		})
	})
	if err != nil {
		return domain.TenantActivation{}, err
	}
	return activation, nil
}
