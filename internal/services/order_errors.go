package services

import (
	"errors"
	"fmt"

	domain "github.com/tableside/api/internal/domain"
)

var (
	// ErrOrderInvalidInput indicates the caller supplied malformed or missing data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order (or a tenant-scoped resource) does not exist.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates the requested change is illegal for the current state.
	ErrOrderInvalidState = errors.New("order: invalid state")
	// ErrOrderConflict indicates a write race that survived every transaction retry.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUnavailable indicates the document store could not be reached.
	ErrOrderUnavailable = errors.New("order: store unavailable")

	// ErrPricingInvalidInput indicates a cart failed catalog validation.
	ErrPricingInvalidInput = errors.New("pricing: invalid input")
	// ErrPricingCurrencyMismatch indicates cart lines resolved to different currencies.
	ErrPricingCurrencyMismatch = errors.New("pricing: currency mismatch")

	// ErrPromotionDenied indicates a business rule refused the redemption.
	ErrPromotionDenied = errors.New("promotion: redemption denied")
	// ErrInvoiceDenied indicates a business rule refused invoice numbering.
	ErrInvoiceDenied = errors.New("invoice: numbering denied")
	// ErrTenantActivationDenied indicates the tenant is not complete enough to go live.
	ErrTenantActivationDenied = errors.New("tenant: activation denied")
)

// RejectionReason is the closed set of client-correctable validation failures.
type RejectionReason string

const (
	RejectEmptyCart           RejectionReason = "empty_cart"
	RejectMissingField        RejectionReason = "missing_field"
	RejectInvalidQuantity     RejectionReason = "invalid_quantity"
	RejectItemNotFound        RejectionReason = "item_not_found"
	RejectItemInactive        RejectionReason = "item_inactive"
	RejectItemUnavailable     RejectionReason = "item_unavailable"
	RejectCurrencyMismatch    RejectionReason = "currency_mismatch"
	RejectGroupNotApplicable  RejectionReason = "group_not_applicable"
	RejectGroupCardinality    RejectionReason = "group_cardinality"
	RejectOptionNotFound      RejectionReason = "option_not_found"
	RejectOptionInactive      RejectionReason = "option_inactive"
	RejectOptionGroupMismatch RejectionReason = "option_group_mismatch"
	RejectDuplicateOption     RejectionReason = "duplicate_option"
	RejectInvalidTip          RejectionReason = "invalid_tip"
	RejectInvalidAmount       RejectionReason = "invalid_amount"
	RejectQuoteMismatch       RejectionReason = "quote_mismatch"
	RejectUnknownStatus       RejectionReason = "unknown_status"
	RejectUnknownFulfillment  RejectionReason = "unknown_fulfillment"
)

// QuoteRejection is a validation failure with a stable machine-readable reason.
// Line is the zero-based cart line index, or -1 when the failure is not line specific.
type QuoteRejection struct {
	Reason RejectionReason
	Line   int
	Detail string
}

func newRejection(reason RejectionReason, line int, format string, args ...any) *QuoteRejection {
	return &QuoteRejection{Reason: reason, Line: line, Detail: fmt.Sprintf(format, args...)}
}

func (e *QuoteRejection) Error() string {
	if e.Line >= 0 {
		return fmt.Sprintf("pricing: %s (line %d): %s", e.Reason, e.Line, e.Detail)
	}
	return fmt.Sprintf("pricing: %s: %s", e.Reason, e.Detail)
}

// Is lets callers match either the pricing or the order input sentinel.
func (e *QuoteRejection) Is(target error) bool {
	switch target {
	case ErrPricingInvalidInput, ErrOrderInvalidInput:
		return true
	case ErrPricingCurrencyMismatch:
		return e.Reason == RejectCurrencyMismatch
	}
	return false
}

// TransitionConflict is the permanent rejection of an illegal status change.
type TransitionConflict struct {
	From domain.OrderStatus
	To   domain.OrderStatus
	Type domain.FulfillmentType
	Why  string
}

func (e *TransitionConflict) Error() string {
	return fmt.Sprintf("order: transition %s -> %s not allowed for %s: %s", e.From, e.To, e.Type, e.Why)
}

// Is matches ErrOrderInvalidState.
func (e *TransitionConflict) Is(target error) bool {
	return target == ErrOrderInvalidState
}

// PromotionDenial reports a policy refusal with a specific reason.
type PromotionDenial struct {
	Reason domain.PromotionDenialReason
}

func (e *PromotionDenial) Error() string {
	return fmt.Sprintf("promotion: redemption denied: %s", e.Reason)
}

// Is matches ErrPromotionDenied.
func (e *PromotionDenial) Is(target error) bool {
	return target == ErrPromotionDenied
}

// InvoiceDenial reports a policy refusal for invoice numbering.
type InvoiceDenial struct {
	Reason domain.InvoiceDenialReason
}

func (e *InvoiceDenial) Error() string {
	return fmt.Sprintf("invoice: numbering denied: %s", e.Reason)
}

// Is matches ErrInvoiceDenied.
func (e *InvoiceDenial) Is(target error) bool {
	return target == ErrInvoiceDenied
}

// TenantActivationDenial reports why a tenant cannot be activated yet.
type TenantActivationDenial struct {
	Reason domain.ActivationDenialReason
}

func (e *TenantActivationDenial) Error() string {
	return fmt.Sprintf("tenant: activation denied: %s", e.Reason)
}

// Is matches ErrTenantActivationDenied.
func (e *TenantActivationDenial) Is(target error) bool {
	return target == ErrTenantActivationDenied
}
