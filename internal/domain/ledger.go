package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const defaultInvoicePadding = 6

// InvoiceDenialReason names why an invoice number could not be issued.
type InvoiceDenialReason string

const (
	InvoiceDeniedNumberingDisabled InvoiceDenialReason = "numbering_disabled"
	InvoiceDeniedTenantInactive    InvoiceDenialReason = "tenant_inactive"
)

// ActivationDenialReason names why a tenant could not be activated.
type ActivationDenialReason string

const (
	ActivationDeniedMissingCurrency ActivationDenialReason = "missing_currency"
	ActivationDeniedMissingName     ActivationDenialReason = "missing_name"
)

// PromotionDenialReason names why a promotion could not be redeemed.
type PromotionDenialReason string

const (
	PromotionDeniedCodeMismatch     PromotionDenialReason = "code_mismatch"
	PromotionDeniedOrderMismatch    PromotionDenialReason = "order_code_mismatch"
	PromotionDeniedInactive         PromotionDenialReason = "inactive"
	PromotionDeniedNotStarted       PromotionDenialReason = "not_started"
	PromotionDeniedExpired          PromotionDenialReason = "expired"
	PromotionDeniedGlobalLimit      PromotionDenialReason = "global_limit_exhausted"
	PromotionDeniedPerUserLimit     PromotionDenialReason = "per_user_limit_exhausted"
	PromotionDeniedCurrencyMismatch PromotionDenialReason = "currency_mismatch"
	PromotionDeniedBelowMinSubtotal PromotionDenialReason = "below_min_subtotal"
	promotionDeniedNone             PromotionDenialReason = ""
)

// NormalizePromotionCode trims and upper-cases a coupon code.
func NormalizePromotionCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// InvoicePeriodKey derives the counter bucket for the reset policy at the given instant.
// Unknown policies fall back to the global bucket.
func InvoicePeriodKey(reset InvoiceReset, now time.Time, loc *time.Location) string {
	if loc != nil {
		now = now.In(loc)
	}
	switch reset {
	case InvoiceResetYearly:
		return now.Format("2006")
	case InvoiceResetMonthly:
		return now.Format("2006-01")
	case InvoiceResetDaily:
		return now.Format("2006-01-02")
	default:
		return "global"
	}
}

// Location resolves the configured timezone, defaulting to UTC.
func (s InvoiceSettings) Location() *time.Location {
	name := strings.TrimSpace(s.Timezone)
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ComposeInvoiceNumber renders prefix + series + zero-padded(value) + suffix.
func ComposeInvoiceNumber(settings InvoiceSettings, value int64) string {
	padding := settings.Padding
	if padding <= 0 {
		padding = defaultInvoicePadding
	}
	digits := strconv.FormatInt(value, 10)
	if len(digits) < padding {
		digits = strings.Repeat("0", padding-len(digits)) + digits
	}
	return fmt.Sprintf("%s%s%s%s", settings.Prefix, settings.Series, digits, settings.Suffix)
}

// WithinWindow reports whether now falls inside the optional validity window.
func (p Promotion) WithinWindow(now time.Time) PromotionDenialReason {
	if p.StartsAt != nil && now.Before(*p.StartsAt) {
		return PromotionDeniedNotStarted
	}
	if p.EndsAt != nil && !now.Before(*p.EndsAt) {
		return PromotionDeniedExpired
	}
	return promotionDeniedNone
}

// RedemptionDenial evaluates a redemption attempt against the freshly read promotion state.
// userCount is ignored when userID is empty. An empty reason means the redemption may proceed.
func (p Promotion) RedemptionDenial(code string, userID string, userCount int64, now time.Time) PromotionDenialReason {
	if NormalizePromotionCode(p.Code) != NormalizePromotionCode(code) {
		return PromotionDeniedCodeMismatch
	}
	if !p.Active {
		return PromotionDeniedInactive
	}
	if reason := p.WithinWindow(now); reason != promotionDeniedNone {
		return reason
	}
	if p.GlobalLimit > 0 && p.TimesRedeemed >= p.GlobalLimit {
		return PromotionDeniedGlobalLimit
	}
	if userID != "" && p.PerUserLimit > 0 && userCount >= p.PerUserLimit {
		return PromotionDeniedPerUserLimit
	}
	return promotionDeniedNone
}

// RemainingGlobal returns the remaining redemptions, or nil when unlimited.
func (p Promotion) RemainingGlobal() *int64 {
	if p.GlobalLimit <= 0 {
		return nil
	}
	remaining := p.GlobalLimit - p.TimesRedeemed
	if remaining < 0 {
		remaining = 0
	}
	return &remaining
}
