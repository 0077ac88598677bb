package services

import (
	"context"
	"time"

	domain "github.com/tableside/api/internal/domain"
)

// OrderService is the commerce core: quoting, order placement, the status state machine, and the
// ledger operations (append batches, invoice numbering, promotion redemption) plus payment confirmation.
type OrderService interface {
	Quote(ctx context.Context, cmd QuoteCommand) (domain.Quote, error)
	PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	TransitionOrder(ctx context.Context, cmd TransitionOrderCommand) (domain.Order, error)
	AppendItems(ctx context.Context, cmd AppendItemsCommand) (AppendResult, error)
	IssueInvoiceNumber(ctx context.Context, cmd IssueInvoiceCommand) (domain.InvoiceIssue, error)
	RedeemPromotion(ctx context.Context, cmd RedeemPromotionCommand) (domain.PromotionRedemptionResult, error)
	ConfirmPayment(ctx context.Context, confirmation PaymentConfirmation) (PaymentOutcome, error)
	ActivateTenant(ctx context.Context, cmd ActivateTenantCommand) (domain.TenantActivation, error)
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	TenantID       string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// QuoteCommand prices a cart for a tenant without persisting anything.
type QuoteCommand struct {
	TenantID   string
	Lines      []domain.CartLine
	CouponCode string
	Tip        *domain.Money
}

// PlaceOrderCommand creates an order from a cart. Quote is the client's copy and is only compared
// against the server-side recomputation.
type PlaceOrderCommand struct {
	TenantID        string
	FulfillmentType string
	Lines           []domain.CartLine
	CouponCode      string
	Tip             *domain.Money
	Quote           *domain.Quote
	CustomerID      string
	Notes           string
	Metadata        map[string]string
	ActorID         string
}

// OrderListFilter narrows ListOrders.
type OrderListFilter struct {
	TenantID   string
	Statuses   []string
	Pagination domain.Pagination
}

// TransitionOrderCommand requests a status change. Status may be any accepted alias.
type TransitionOrderCommand struct {
	OrderID string
	Status  string
	Actor   Actor
}

// AppendLine is one line added to an open order. LineTotal, when supplied, is honoured as-is after rounding.
type AppendLine struct {
	MenuItemID string
	Name       string
	Quantity   int
	BasePrice  domain.Money
	Options    []domain.QuoteOption
	LineTotal  *domain.Money
	Note       string
}

// AppendItemsCommand adds lines to an order. BatchID is optional; when supplied a replay returns the
// recorded batch instead of appending again.
type AppendItemsCommand struct {
	OrderID string
	BatchID string
	Lines   []AppendLine
	Actor   Actor
}

// AppendResult reports one append batch.
type AppendResult struct {
	OrderID     string
	BatchID     string
	AppendCount int
	AppendTotal domain.Money
	NewTotal    domain.Money
	Replayed    bool
	Order       domain.Order
}

// IssueInvoiceCommand requests an invoice number for an order.
type IssueInvoiceCommand struct {
	TenantID string
	OrderID  string
}

// RedeemPromotionCommand consumes a promotion for an order.
type RedeemPromotionCommand struct {
	TenantID    string
	PromotionID string
	Code        string
	OrderID     string
	UserID      string
}

// ActivateTenantCommand switches a tenant live once. Reference identifies the provisioning request
// so a retried activation replays instead of failing.
type ActivateTenantCommand struct {
	TenantID  string
	Reference string
	ActorID   string
}

// PaymentConfirmation is the provider-neutral capture outcome for an order.
type PaymentConfirmation struct {
	OrderID       string
	Provider      string
	ExternalRef   string
	Amount        domain.Money
	Currency      string
	Succeeded     bool
	FailureReason string
}

// PaymentOutcome reports the stored payment state and the follow-up ledger results.
type PaymentOutcome struct {
	Order      domain.Order
	Replayed   bool
	Invoice    *domain.InvoiceIssue
	Redemption *domain.PromotionRedemptionResult
}
