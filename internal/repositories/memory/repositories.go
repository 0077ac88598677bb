package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	domain "github.com/tableside/api/internal/domain"
	"github.com/tableside/api/internal/platform/pagination"
	"github.com/tableside/api/internal/repositories"
)

// Registry bundles in-memory repositories sharing one Store.
type Registry struct {
	store  *Store
	health repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds every repository over store.
func NewRegistry(store *Store) *Registry {
	health, _ := repositories.NewProbeRepository([]repositories.DependencyCheck{{
		Name:  "memory",
		Check: func(context.Context) error { return nil },
	}})
	return &Registry{store: store, health: health}
}

func (r *Registry) Close(context.Context) error { return nil }
func (r *Registry) Orders() repositories.OrderRepository { return &OrderRepository{store: r.store} }
func (r *Registry) Catalog() repositories.CatalogRepository { return &CatalogRepository{store: r.store} }
func (r *Registry) Tenants() repositories.TenantRepository { return &TenantRepository{store: r.store} }
func (r *Registry) Promotions() repositories.PromotionRepository { return &PromotionRepository{store: r.store} }
func (r *Registry) Invoices() repositories.InvoiceRepository { return &InvoiceRepository{store: r.store} }
func (r *Registry) Health() repositories.HealthRepository { return r.health }

// OrderRepository stores orders under orders/{id}.
type OrderRepository struct {
	store *Store
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func orderKey(id string) string { return path("orders", id) }

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("memory orders: id is required")
	}
	key := orderKey(order.ID)
	return r.store.RunTransaction(ctx, "orders.insert", func(tx *Tx) error {
		if _, exists := tx.Get(key); exists {
			return conflict("orders.insert", fmt.Errorf("order %s already exists", order.ID))
		}
		tx.Set(key, order.Clone())
		return nil
	})
}

func (r *OrderRepository) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	value, ok := r.store.Get(orderKey(orderID))
	if !ok {
		return domain.Order{}, notFound("orders.get", orderKey(orderID))
	}
	return value.(domain.Order).Clone(), nil
}

func (r *OrderRepository) List(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, err := pagination.DecodeCursor(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	statuses := make(map[domain.OrderStatus]struct{}, len(filter.Statuses))
	for _, status := range filter.Statuses {
		statuses[status] = struct{}{}
	}

	var matched []domain.Order
	for _, value := range r.store.Scan("orders") {
		order := value.(domain.Order)
		if order.TenantID != filter.TenantID {
			continue
		}
		if len(statuses) > 0 {
			if _, ok := statuses[order.Status]; !ok {
				continue
			}
		}
		matched = append(matched, order)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	start := 0
	if cursor.ID != "" {
		start = len(matched)
		for i, order := range matched {
			if order.CreatedAt.Before(cursor.CreatedAt) || (order.CreatedAt.Equal(cursor.CreatedAt) && order.ID < cursor.ID) {
				start = i
				break
			}
		}
	}
	size := pagination.ClampPageSize(filter.Pagination.PageSize)
	end := start + size
	next := ""
	if end < len(matched) {
		last := matched[end-1]
		next, err = pagination.EncodeCursor(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
	} else {
		end = len(matched)
	}

	items := make([]domain.Order, 0, end-start)
	for _, order := range matched[start:end] {
		items = append(items, order.Clone())
	}
	return domain.CursorPage[domain.Order]{Items: items, NextPageToken: next}, nil
}

func (r *OrderRepository) Mutate(ctx context.Context, orderID string, fn repositories.OrderMutation) (domain.Order, error) {
	key := orderKey(orderID)
	var updated domain.Order
	err := r.store.RunTransaction(ctx, "orders.mutate", func(tx *Tx) error {
		value, ok := tx.Get(key)
		if !ok {
			return notFound("orders.mutate", key)
		}
		order := value.(domain.Order).Clone()
		if err := fn(&order); errors.Is(err, repositories.ErrUnchanged) {
			updated = order
			return nil
		} else if err != nil {
			return err
		}
		tx.Set(key, order.Clone())
		updated = order
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return updated, nil
}

// CatalogRepository stores menu documents under tenants/{t}.
type CatalogRepository struct {
	store *Store
}

var (
	_ repositories.CatalogRepository = (*CatalogRepository)(nil)
	_ repositories.CatalogWriter     = (*CatalogRepository)(nil)
)

func (r *CatalogRepository) GetMenuItems(_ context.Context, tenantID string, ids []string) (map[string]domain.MenuItem, error) {
	items := make(map[string]domain.MenuItem, len(ids))
	for _, id := range ids {
		if value, ok := r.store.Get(path("tenants", tenantID, "menuItems", id)); ok {
			items[id] = value.(domain.MenuItem)
		}
	}
	return items, nil
}

func (r *CatalogRepository) ListOptionGroups(_ context.Context, tenantID string, menuItemID string) ([]domain.OptionGroup, error) {
	var groups []domain.OptionGroup
	for _, value := range r.store.Scan(path("tenants", tenantID, "optionGroups")) {
		group := value.(domain.OptionGroup)
		if group.MenuItemID == menuItemID {
			groups = append(groups, group)
		}
	}
	return groups, nil
}

func (r *CatalogRepository) GetOptionItems(_ context.Context, tenantID string, ids []string) (map[string]domain.OptionItem, error) {
	options := make(map[string]domain.OptionItem, len(ids))
	for _, id := range ids {
		if value, ok := r.store.Get(path("tenants", tenantID, "optionItems", id)); ok {
			options[id] = value.(domain.OptionItem)
		}
	}
	return options, nil
}

func (r *CatalogRepository) PutMenuItem(_ context.Context, item domain.MenuItem) error {
	r.store.Put(path("tenants", item.TenantID, "menuItems", item.ID), item)
	return nil
}

func (r *CatalogRepository) PutOptionGroup(_ context.Context, tenantID string, group domain.OptionGroup) error {
	r.store.Put(path("tenants", tenantID, "optionGroups", group.ID), group)
	return nil
}

func (r *CatalogRepository) PutOptionItem(_ context.Context, tenantID string, option domain.OptionItem) error {
	r.store.Put(path("tenants", tenantID, "optionItems", option.ID), option)
	return nil
}

// TenantRepository stores tenants under tenants/{t}.
type TenantRepository struct {
	store *Store
}

var _ repositories.TenantRepository = (*TenantRepository)(nil)

func (r *TenantRepository) FindByID(_ context.Context, tenantID string) (domain.Tenant, error) {
	value, ok := r.store.Get(path("tenants", tenantID))
	if !ok {
		return domain.Tenant{}, notFound("tenants.get", path("tenants", tenantID))
	}
	return value.(domain.Tenant), nil
}

func (r *TenantRepository) Save(_ context.Context, tenant domain.Tenant) error {
	r.store.Put(path("tenants", tenant.ID), tenant)
	return nil
}

// Activate marks the tenant active once per reference, recording the activation under
// tenants/{t}/activations/{reference}.
func (r *TenantRepository) Activate(ctx context.Context, req repositories.TenantActivationRequest) (domain.TenantActivation, error) {
	if err := repositories.ValidateActivationRequest(req); err != nil {
		return domain.TenantActivation{}, err
	}
	req.Reference = strings.TrimSpace(req.Reference)
	req.Now = repositories.LedgerNow(req.Now)
	tenantKey := path("tenants", req.TenantID)
	activationKey := path(tenantKey, "activations", req.Reference)

	var activation domain.TenantActivation
	err := r.store.RunTransaction(ctx, "tenants.activate", func(tx *Tx) error {
		tenantValue, ok := tx.Get(tenantKey)
		if !ok {
			return repositories.NewLedgerError("tenants.activate", repositories.LedgerErrorNotFound, fmt.Sprintf("tenant %s not found", req.TenantID), nil)
		}
		var existing *domain.TenantActivation
		if value, ok := tx.Get(activationKey); ok {
			stored := value.(domain.TenantActivation)
			existing = &stored
		}

		plan, err := repositories.PlanTenantActivation(req, tenantValue.(domain.Tenant), existing)
		if err != nil {
			return err
		}
		activation = plan.Activation
		if plan.Replay {
			return nil
		}
		tx.Set(activationKey, plan.Activation)
		tx.Set(tenantKey, plan.Tenant)
		return nil
	})
	if err != nil {
		return domain.TenantActivation{}, err
	}
	return activation, nil
}

// PromotionRepository stores promotions with their redemptions and usages as sub-collections.
type PromotionRepository struct {
	store *Store
}

var _ repositories.PromotionRepository = (*PromotionRepository)(nil)

func promotionKey(tenantID, promotionID string) string {
	return path("tenants", tenantID, "promotions", promotionID)
}

func (r *PromotionRepository) FindByCode(_ context.Context, tenantID string, code string) (domain.Promotion, error) {
	normalized := domain.NormalizePromotionCode(code)
	var fallback *domain.Promotion
	for _, value := range r.store.Scan(path("tenants", tenantID, "promotions")) {
		promotion := value.(domain.Promotion)
		if domain.NormalizePromotionCode(promotion.Code) != normalized {
			continue
		}
		if promotion.Active {
			return promotion, nil
		}
		if fallback == nil {
			fallback = &promotion
		}
	}
	if fallback != nil {
		return *fallback, nil
	}
	return domain.Promotion{}, notFound("promotions.findByCode", normalized)
}

func (r *PromotionRepository) Save(_ context.Context, promotion domain.Promotion) error {
	r.store.Put(promotionKey(promotion.TenantID, promotion.ID), promotion)
	return nil
}

func (r *PromotionRepository) Redeem(ctx context.Context, req repositories.PromotionRedeemRequest) (domain.PromotionRedemptionResult, error) {
	if err := repositories.ValidateRedeemRequest(req); err != nil {
		return domain.PromotionRedemptionResult{}, err
	}
	req.Now = repositories.LedgerNow(req.Now)
	promoKey := promotionKey(req.TenantID, req.PromotionID)
	redemptionKey := path(promoKey, "redemptions", req.OrderID)
	userID := strings.TrimSpace(req.UserID)

	var result domain.PromotionRedemptionResult
	err := r.store.RunTransaction(ctx, "promotions.redeem", func(tx *Tx) error {
		orderValue, ok := tx.Get(orderKey(req.OrderID))
		if !ok {
			return repositories.NewLedgerError("promotions.redeem", repositories.LedgerErrorNotFound, fmt.Sprintf("order %s not found", req.OrderID), nil)
		}
		promoValue, ok := tx.Get(promoKey)
		if !ok {
			return repositories.NewLedgerError("promotions.redeem", repositories.LedgerErrorNotFound, fmt.Sprintf("promotion %s not found", req.PromotionID), nil)
		}
		var existing *domain.PromotionRedemption
		if value, ok := tx.Get(redemptionKey); ok {
			redemption := value.(domain.PromotionRedemption)
			existing = &redemption
		}
		var userCount int64
		if userID != "" {
			if value, ok := tx.Get(path(promoKey, "usages", userID)); ok {
				userCount = value.(domain.PromotionUsage).Count
			}
		}

		plan, err := repositories.PlanRedemption(req, orderValue.(domain.Order), promoValue.(domain.Promotion), existing, userCount)
		if err != nil {
			return err
		}
		result = plan.Result
		if plan.Replay {
			return nil
		}
		tx.Set(redemptionKey, plan.Redemption)
		tx.Set(promoKey, plan.Promotion)
		if plan.Usage != nil {
			tx.Set(path(promoKey, "usages", userID), *plan.Usage)
		}
		return nil
	})
	if err != nil {
		return domain.PromotionRedemptionResult{}, err
	}
	return result, nil
}

// InvoiceRepository issues invoice numbers from tenants/{t}/invoiceCounters/{periodKey}.
type InvoiceRepository struct {
	store *Store
}

var _ repositories.InvoiceRepository = (*InvoiceRepository)(nil)

func (r *InvoiceRepository) Issue(ctx context.Context, req repositories.InvoiceIssueRequest) (domain.InvoiceIssue, error) {
	if err := repositories.ValidateInvoiceRequest(req); err != nil {
		return domain.InvoiceIssue{}, err
	}
	req.Now = repositories.LedgerNow(req.Now)

	var issue domain.InvoiceIssue
	err := r.store.RunTransaction(ctx, "invoices.issue", func(tx *Tx) error {
		orderValue, ok := tx.Get(orderKey(req.OrderID))
		if !ok {
			return repositories.NewLedgerError("invoices.issue", repositories.LedgerErrorNotFound, fmt.Sprintf("order %s not found", req.OrderID), nil)
		}
		tenantValue, ok := tx.Get(path("tenants", req.TenantID))
		if !ok {
			return repositories.NewLedgerError("invoices.issue", repositories.LedgerErrorNotFound, fmt.Sprintf("tenant %s not found", req.TenantID), nil)
		}
		tenant := tenantValue.(domain.Tenant)
		periodKey := repositories.InvoicePeriod(tenant, req.Now)
		counterKey := path("tenants", req.TenantID, "invoiceCounters", periodKey)
		var next int64
		if value, ok := tx.Get(counterKey); ok {
			next = value.(int64)
		}

		order := orderValue.(domain.Order).Clone()
		plan, err := repositories.PlanInvoiceIssue(req, order, tenant, periodKey, next)
		if err != nil {
			return err
		}
		issue = plan.Issue
		if plan.Replay {
			return nil
		}
		plan.ApplyInvoice(&order)
		tx.Set(counterKey, plan.NextValue)
		tx.Set(orderKey(req.OrderID), order)
		return nil
	})
	if err != nil {
		return domain.InvoiceIssue{}, err
	}
	return issue, nil
}

// InvoiceCounter returns the stored next value for a period, for tests and operator tooling.
func (r *InvoiceRepository) InvoiceCounter(tenantID, periodKey string) int64 {
	value, ok := r.store.Get(path("tenants", tenantID, "invoiceCounters", periodKey))
	if !ok {
		return 0
	}
	return value.(int64)
}
