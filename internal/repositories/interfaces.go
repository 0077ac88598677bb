package repositories

import (
	"context"
	"errors"
	"time"

	domain "github.com/tableside/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Catalog() CatalogRepository
	Tenants() TenantRepository
	Promotions() PromotionRepository
	Invoices() InvoiceRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// ErrUnchanged is returned by an OrderMutation that found nothing to change. Mutate then skips the
// write and returns the order as read.
var ErrUnchanged = errors.New("repositories: order unchanged")

// OrderMutation edits a freshly read order inside a transaction. Returning an error aborts without writes.
type OrderMutation func(order *domain.Order) error

// OrderRepository persists orders. Mutate is the only path for read-modify-write changes.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	Mutate(ctx context.Context, orderID string, fn OrderMutation) (domain.Order, error)
}

// OrderListFilter narrows order listings for a tenant.
type OrderListFilter struct {
	TenantID   string
	Statuses   []domain.OrderStatus
	Pagination domain.Pagination
}

// CatalogRepository reads the tenant menu. Missing ids are absent from returned maps.
type CatalogRepository interface {
	GetMenuItems(ctx context.Context, tenantID string, ids []string) (map[string]domain.MenuItem, error)
	ListOptionGroups(ctx context.Context, tenantID string, menuItemID string) ([]domain.OptionGroup, error)
	GetOptionItems(ctx context.Context, tenantID string, ids []string) (map[string]domain.OptionItem, error)
}

// CatalogWriter loads catalog fixtures.
type CatalogWriter interface {
	PutMenuItem(ctx context.Context, item domain.MenuItem) error
	PutOptionGroup(ctx context.Context, tenantID string, group domain.OptionGroup) error
	PutOptionItem(ctx context.Context, tenantID string, option domain.OptionItem) error
}

// TenantActivationRequest activates a tenant once per Reference.
type TenantActivationRequest struct {
	TenantID  string
	Reference string
	ActorID   string
	Now       time.Time
}

// TenantRepository reads and writes tenant commerce settings and performs the activation ledger operation.
type TenantRepository interface {
	FindByID(ctx context.Context, tenantID string) (domain.Tenant, error)
	Save(ctx context.Context, tenant domain.Tenant) error
	Activate(ctx context.Context, req TenantActivationRequest) (domain.TenantActivation, error)
}

// PromotionRedeemRequest identifies a one-time redemption of a promotion by an order.
type PromotionRedeemRequest struct {
	TenantID    string
	PromotionID string
	Code        string
	OrderID     string
	UserID      string
	Now         time.Time
}

// PromotionRepository resolves coupons and performs the redemption ledger operation.
type PromotionRepository interface {
	FindByCode(ctx context.Context, tenantID string, code string) (domain.Promotion, error)
	Save(ctx context.Context, promotion domain.Promotion) error
	Redeem(ctx context.Context, req PromotionRedeemRequest) (domain.PromotionRedemptionResult, error)
}

// InvoiceIssueRequest identifies the order an invoice number is issued for.
type InvoiceIssueRequest struct {
	TenantID string
	OrderID  string
	Now      time.Time
}

// InvoiceRepository performs the invoice numbering ledger operation.
type InvoiceRepository interface {
	Issue(ctx context.Context, req InvoiceIssueRequest) (domain.InvoiceIssue, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
