package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage represents a paginated response with an optional next page token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// MenuItem is a sellable catalog entry. Pricing treats it as read-once.
type MenuItem struct {
	ID        string
	TenantID  string
	Name      string
	BasePrice Money
	Currency  string
	Active    bool
	Available bool
}

// OptionGroup bounds how many OptionItems may be chosen for a MenuItem.
// MaxSelect < 0 means unbounded.
type OptionGroup struct {
	ID         string
	MenuItemID string
	Name       string
	MinSelect  int
	MaxSelect  int
	Active     bool
}

// Required reports whether at least one selection is mandatory.
func (g OptionGroup) Required() bool {
	return g.MinSelect >= 1
}

// OptionItem is a selectable modifier with a signed price delta.
type OptionItem struct {
	ID         string
	GroupID    string
	Name       string
	PriceDelta Money
	Active     bool
}

// CartLine is the request-scoped input for one priced line.
type CartLine struct {
	MenuItemID string
	Quantity   int
	Selections map[string][]string
	Note       string
}

// Normalized trims the menu item id, the selection group keys and the option ids. Groups whose keys
// collide after trimming are merged in key order; empty ids are kept so pricing can reject them.
func (l CartLine) Normalized() CartLine {
	l.MenuItemID = strings.TrimSpace(l.MenuItemID)
	if l.Selections == nil {
		return l
	}
	keys := make([]string, 0, len(l.Selections))
	for key := range l.Selections {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	selections := make(map[string][]string, len(l.Selections))
	for _, key := range keys {
		groupID := strings.TrimSpace(key)
		for _, optionID := range l.Selections[key] {
			selections[groupID] = append(selections[groupID], strings.TrimSpace(optionID))
		}
		if _, ok := selections[groupID]; !ok {
			selections[groupID] = []string{}
		}
	}
	l.Selections = selections
	return l
}

// QuoteOption is a resolved option snapshot on a priced line.
type QuoteOption struct {
	GroupID    string
	GroupName  string
	OptionID   string
	Name       string
	PriceDelta Money
}

// QuoteLine is one priced cart line.
type QuoteLine struct {
	MenuItemID string
	Name       string
	Quantity   int
	BasePrice  Money
	UnitDelta  Money
	UnitPrice  Money
	LineTotal  Money
	Options    []QuoteOption
	Note       string
}

// Quote is a derived, never-authoritative pricing of a cart.
type Quote struct {
	Currency      string
	Lines         []QuoteLine
	Subtotal      Money
	ServiceFee    Money
	Discount      Money
	TaxableBase   Money
	Tax           Money
	Tip           Money
	Total         Money
	AppliedCoupon string
	PromotionID   string
}

// FulfillmentType selects the status flow of an order.
type FulfillmentType string

const (
	FulfillmentDineIn   FulfillmentType = "dine_in"
	FulfillmentDelivery FulfillmentType = "delivery"
	FulfillmentPickup   FulfillmentType = "pickup"
)

// OrderStatus is the closed vocabulary of order lifecycle states.
type OrderStatus string

const (
	OrderStatusPlaced            OrderStatus = "placed"
	OrderStatusKitchenInProgress OrderStatus = "kitchen_in_progress"
	OrderStatusKitchenDone       OrderStatus = "kitchen_done"
	OrderStatusReadyToClose      OrderStatus = "ready_to_close"
	OrderStatusAssignedToCourier OrderStatus = "assigned_to_courier"
	OrderStatusOnTheWay          OrderStatus = "on_the_way"
	OrderStatusDelivered         OrderStatus = "delivered"
	OrderStatusClosed            OrderStatus = "closed"
	OrderStatusCancelled         OrderStatus = "cancelled"
)

// Terminal reports whether no further transition may leave the status.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusClosed || s == OrderStatusCancelled
}

// StatusHistoryEntry is one append-only record of an accepted transition.
type StatusHistoryEntry struct {
	From OrderStatus
	To   OrderStatus
	By   string
	At   time.Time
}

// PaymentStatus tracks the payment sub-record of an order.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusMismatch  PaymentStatus = "mismatch"
)

// OrderPayment is the payment sub-record stored inline on the order.
type OrderPayment struct {
	Provider      string
	Status        PaymentStatus
	Amount        Money
	Currency      string
	ExternalRef   string
	FailureReason string
	ConfirmedAt   *time.Time
}

// OrderLineItem is a materialised line with its price snapshot.
type OrderLineItem struct {
	MenuItemID string
	Name       string
	Quantity   int
	BasePrice  Money
	UnitDelta  Money
	UnitPrice  Money
	LineTotal  Money
	Options    []QuoteOption
	Note       string
	BatchID    string
	AddedAt    *time.Time
	AddedBy    string
}

// OrderTotals holds the frozen money breakdown of an order.
type OrderTotals struct {
	Subtotal    Money
	ServiceFee  Money
	Discount    Money
	TaxableBase Money
	Tax         Money
	Tip         Money
	Total       Money
}

// AppendBatch audits one append-to-open-order operation.
type AppendBatch struct {
	ID                string
	PreviousItemCount int
	ItemCount         int
	AppendTotal       Money
	AddedBy           string
	AddedAt           time.Time
}

// Order is the persisted order aggregate.
type Order struct {
	ID              string
	TenantID        string
	FulfillmentType FulfillmentType
	Status          OrderStatus
	Currency        string
	Items           []OrderLineItem
	Totals          OrderTotals
	Quote           Quote
	History         []StatusHistoryEntry
	Payment         OrderPayment
	AppendBatches   []AppendBatch
	AppliedCoupon   string
	PromotionID     string
	InvoiceNumber   string
	InvoiceSeries   string
	InvoiceIssuedAt *time.Time
	CustomerID      string
	Notes           string
	Metadata        map[string]string
	CreatedBy       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ReferencesCoupon reports whether the order was priced with the given normalised code.
func (o Order) ReferencesCoupon(code string) bool {
	if code == "" {
		return false
	}
	if o.AppliedCoupon == code || o.Quote.AppliedCoupon == code {
		return true
	}
	return false
}

// PromotionKind selects how a promotion discount is computed.
type PromotionKind string

const (
	PromotionKindPercent PromotionKind = "percent"
	PromotionKindFixed   PromotionKind = "fixed"
)

// Promotion is a redeemable coupon with global and per-user limits. A zero limit is unlimited.
type Promotion struct {
	ID            string
	TenantID      string
	Code          string
	Kind          PromotionKind
	Value         decimal.Decimal
	Currency      string
	MinSubtotal   Money
	Active        bool
	StartsAt      *time.Time
	EndsAt        *time.Time
	GlobalLimit   int64
	PerUserLimit  int64
	TimesRedeemed int64
	UpdatedAt     time.Time
}

// PromotionRedemption records one-time consumption of a promotion by an order.
type PromotionRedemption struct {
	OrderID    string
	UserID     string
	Code       string
	RedeemedAt time.Time
}

// PromotionUsage counts redemptions by a single user.
type PromotionUsage struct {
	UserID    string
	Count     int64
	UpdatedAt time.Time
}

// CouponBase selects the amount a percentage coupon is computed over.
type CouponBase string

const (
	CouponBaseSubtotal        CouponBase = "subtotal"
	CouponBaseSubtotalWithFee CouponBase = "subtotal_with_fee"
)

// PricingSettings are the tenant knobs consumed by the pricing engine.
type PricingSettings struct {
	FixedFee       Money
	PercentFee     decimal.Decimal
	TaxEnabled     bool
	TaxRatePercent decimal.Decimal
	TipsEnabled    bool
	CouponBase     CouponBase
}

// InvoiceReset chooses the counter bucket for invoice numbering.
type InvoiceReset string

const (
	InvoiceResetGlobal  InvoiceReset = "global"
	InvoiceResetYearly  InvoiceReset = "yearly"
	InvoiceResetMonthly InvoiceReset = "monthly"
	InvoiceResetDaily   InvoiceReset = "daily"
)

// InvoiceSettings configures per-tenant invoice numbering.
type InvoiceSettings struct {
	Enabled  bool
	Prefix   string
	Series   string
	Suffix   string
	Padding  int
	Reset    InvoiceReset
	Timezone string
}

// Tenant holds per-tenant commerce configuration.
type Tenant struct {
	ID            string
	Name          string
	Currency      string
	Locale        string
	Active        bool
	Pricing       PricingSettings
	Invoicing     InvoiceSettings
	ActivationRef string
	ActivatedAt   *time.Time
	UpdatedAt     time.Time
}

// TenantActivation records the one-time activation of a tenant under a reference, such as a
// provisioning request or subscription id.
type TenantActivation struct {
	TenantID    string
	Reference   string
	ActivatedBy string
	ActivatedAt time.Time
	Replayed    bool
}

// InvoiceIssue is the result of issuing (or replaying) an invoice number.
type InvoiceIssue struct {
	OrderID       string
	InvoiceNumber string
	Series        string
	PeriodKey     string
	IssuedAt      time.Time
	Replayed      bool
}

// PromotionRedemptionResult reports counters after a redemption attempt.
type PromotionRedemptionResult struct {
	PromotionID     string
	OrderID         string
	TimesRedeemed   int64
	RemainingGlobal *int64
	AlreadyConsumed bool
}
