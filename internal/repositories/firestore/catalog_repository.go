package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"

	domain "github.com/tableside/api/internal/domain"
	pfirestore "github.com/tableside/api/internal/platform/firestore"
	"github.com/tableside/api/internal/repositories"
)

const (
	tenantsCollection = "tenants"
	menuItemsPath     = "menuItems"
	optionGroupsPath  = "optionGroups"
	optionItemsPath   = "optionItems"
)

func tenantPath(tenantID string, segments ...string) string {
	parts := append([]string{tenantsCollection, strings.TrimSpace(tenantID)}, segments...)
	return strings.Join(parts, "/")
}

// CatalogRepository reads the tenant menu from tenants/{tenantId}/menuItems, optionGroups and optionItems.
type CatalogRepository struct {
	provider *pfirestore.Provider
}

var (
	_ repositories.CatalogRepository = (*CatalogRepository)(nil)
	_ repositories.CatalogWriter     = (*CatalogRepository)(nil)
)

// NewCatalogRepository constructs a Firestore-backed catalog repository.
func NewCatalogRepository(provider *pfirestore.Provider) (*CatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("catalog repository requires firestore provider")
	}
	return &CatalogRepository{provider: provider}, nil
}

func (r *CatalogRepository) menuItems(tenantID string) *pfirestore.Collection[menuItemDocument] {
	return pfirestore.NewCollection[menuItemDocument](r.provider, tenantPath(tenantID, menuItemsPath))
}

func (r *CatalogRepository) optionGroups(tenantID string) *pfirestore.Collection[optionGroupDocument] {
	return pfirestore.NewCollection[optionGroupDocument](r.provider, tenantPath(tenantID, optionGroupsPath))
}

func (r *CatalogRepository) optionItems(tenantID string) *pfirestore.Collection[optionItemDocument] {
	return pfirestore.NewCollection[optionItemDocument](r.provider, tenantPath(tenantID, optionItemsPath))
}

func (r *CatalogRepository) GetMenuItems(ctx context.Context, tenantID string, ids []string) (map[string]domain.MenuItem, error) {
	docs, err := r.menuItems(tenantID).GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	items := make(map[string]domain.MenuItem, len(docs))
	for id, doc := range docs {
		item, err := doc.Data.toDomain(tenantID, id)
		if err != nil {
			return nil, err
		}
		items[id] = item
	}
	return items, nil
}

func (r *CatalogRepository) ListOptionGroups(ctx context.Context, tenantID string, menuItemID string) ([]domain.OptionGroup, error) {
	docs, err := r.optionGroups(tenantID).Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("menuItemId", "==", menuItemID)
	})
	if err != nil {
		return nil, err
	}
	groups := make([]domain.OptionGroup, 0, len(docs))
	for _, doc := range docs {
		groups = append(groups, doc.Data.toDomain(doc.ID))
	}
	return groups, nil
}

func (r *CatalogRepository) GetOptionItems(ctx context.Context, tenantID string, ids []string) (map[string]domain.OptionItem, error) {
	docs, err := r.optionItems(tenantID).GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	options := make(map[string]domain.OptionItem, len(docs))
	for id, doc := range docs {
		delta, err := parseDecimalField("optionItem.priceDelta", doc.Data.PriceDelta)
		if err != nil {
			return nil, fmt.Errorf("option item %s: %w", id, err)
		}
		options[id] = domain.OptionItem{
			ID:         id,
			GroupID:    doc.Data.GroupID,
			Name:       doc.Data.Name,
			PriceDelta: delta,
			Active:     doc.Data.Active,
		}
	}
	return options, nil
}

func (r *CatalogRepository) PutMenuItem(ctx context.Context, item domain.MenuItem) error {
	return r.menuItems(item.TenantID).Set(ctx, item.ID, newMenuItemDocument(item))
}

func (r *CatalogRepository) PutOptionGroup(ctx context.Context, tenantID string, group domain.OptionGroup) error {
	return r.optionGroups(tenantID).Set(ctx, group.ID, newOptionGroupDocument(group))
}

func (r *CatalogRepository) PutOptionItem(ctx context.Context, tenantID string, option domain.OptionItem) error {
	return r.optionItems(tenantID).Set(ctx, option.ID, optionItemDocument{
		GroupID:    option.GroupID,
		Name:       option.Name,
		PriceDelta: option.PriceDelta.String(),
		Active:     option.Active,
	})
}
