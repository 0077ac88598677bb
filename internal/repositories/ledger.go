package repositories

import (
	"fmt"
	"strings"
	"time"

	domain "github.com/tableside/api/internal/domain"
)

const (
	opInvoiceIssue     = "invoices.issue"
	opPromotionRedeem  = "promotions.redeem"
	opTenantActivate   = "tenants.activate"
	firstInvoiceNumber = int64(1)
)

// InvoicePlan is the outcome of validating an invoice issuance against freshly read documents.
// When Replay is set nothing must be written.
type InvoicePlan struct {
	Issue     domain.InvoiceIssue
	Replay    bool
	NextValue int64
}

// InvoicePeriod returns the counter bucket the tenant's reset policy selects at now.
func InvoicePeriod(tenant domain.Tenant, now time.Time) string {
	settings := tenant.Invoicing
	return domain.InvoicePeriodKey(settings.Reset, now.UTC(), settings.Location())
}

// PlanInvoiceIssue decides the invoice number for order. next is the stored next value of the
// counter for periodKey, or zero when that counter does not exist yet.
func PlanInvoiceIssue(req InvoiceIssueRequest, order domain.Order, tenant domain.Tenant, periodKey string, next int64) (InvoicePlan, error) {
	if order.TenantID != req.TenantID {
		return InvoicePlan{}, NewLedgerError(opInvoiceIssue, LedgerErrorNotFound, fmt.Sprintf("order %s not found for tenant %s", req.OrderID, req.TenantID), nil)
	}
	if order.InvoiceNumber != "" {
		issue := domain.InvoiceIssue{
			OrderID:       order.ID,
			InvoiceNumber: order.InvoiceNumber,
			Series:        order.InvoiceSeries,
			Replayed:      true,
		}
		if order.InvoiceIssuedAt != nil {
			issue.IssuedAt = *order.InvoiceIssuedAt
		}
		return InvoicePlan{Issue: issue, Replay: true}, nil
	}
	if !tenant.Active {
		return InvoicePlan{}, NewLedgerDenial(opInvoiceIssue, string(domain.InvoiceDeniedTenantInactive))
	}
	settings := tenant.Invoicing
	if !settings.Enabled {
		return InvoicePlan{}, NewLedgerDenial(opInvoiceIssue, string(domain.InvoiceDeniedNumberingDisabled))
	}

	now := req.Now.UTC()
	value := next
	if value < firstInvoiceNumber {
		value = firstInvoiceNumber
	}
	return InvoicePlan{
		Issue: domain.InvoiceIssue{
			OrderID:       order.ID,
			InvoiceNumber: domain.ComposeInvoiceNumber(settings, value),
			Series:        settings.Series,
			PeriodKey:     periodKey,
			IssuedAt:      now,
		},
		NextValue: value + 1,
	}, nil
}

// ApplyInvoice stamps the issued number onto the order.
func (p InvoicePlan) ApplyInvoice(order *domain.Order) {
	issuedAt := p.Issue.IssuedAt
	order.InvoiceNumber = p.Issue.InvoiceNumber
	order.InvoiceSeries = p.Issue.Series
	order.InvoiceIssuedAt = &issuedAt
	order.UpdatedAt = issuedAt
}

// RedemptionPlan is the outcome of validating a redemption against freshly read documents.
// When Replay is set nothing must be written.
type RedemptionPlan struct {
	Result     domain.PromotionRedemptionResult
	Replay     bool
	Promotion  domain.Promotion
	Redemption domain.PromotionRedemption
	Usage      *domain.PromotionUsage
}

// PlanRedemption validates a redemption. existing is the stored redemption for this order, if any.
// userCount is the stored usage count for req.UserID.
func PlanRedemption(req PromotionRedeemRequest, order domain.Order, promotion domain.Promotion, existing *domain.PromotionRedemption, userCount int64) (RedemptionPlan, error) {
	code := domain.NormalizePromotionCode(req.Code)
	userID := strings.TrimSpace(req.UserID)
	if order.TenantID != req.TenantID {
		return RedemptionPlan{}, NewLedgerError(opPromotionRedeem, LedgerErrorNotFound, fmt.Sprintf("order %s not found for tenant %s", req.OrderID, req.TenantID), nil)
	}

	if existing != nil {
		if existing.Code != code || (userID != "" && existing.UserID != "" && existing.UserID != userID) {
			return RedemptionPlan{}, NewLedgerError(opPromotionRedeem, LedgerErrorAlreadyConsumed, fmt.Sprintf("promotion %s already redeemed by order %s with a different outcome", promotion.ID, order.ID), nil)
		}
		return RedemptionPlan{
			Replay: true,
			Result: domain.PromotionRedemptionResult{
				PromotionID:     promotion.ID,
				OrderID:         order.ID,
				TimesRedeemed:   promotion.TimesRedeemed,
				RemainingGlobal: promotion.RemainingGlobal(),
				AlreadyConsumed: true,
			},
		}, nil
	}

	if !order.ReferencesCoupon(code) {
		return RedemptionPlan{}, NewLedgerDenial(opPromotionRedeem, string(domain.PromotionDeniedOrderMismatch))
	}
	now := req.Now.UTC()
	if reason := promotion.RedemptionDenial(code, userID, userCount, now); reason != "" {
		return RedemptionPlan{}, NewLedgerDenial(opPromotionRedeem, string(reason))
	}
	if promotion.Currency != "" && order.Currency != "" && !strings.EqualFold(promotion.Currency, order.Currency) {
		return RedemptionPlan{}, NewLedgerDenial(opPromotionRedeem, string(domain.PromotionDeniedCurrencyMismatch))
	}
	if order.Totals.Subtotal.LessThan(promotion.MinSubtotal) {
		return RedemptionPlan{}, NewLedgerDenial(opPromotionRedeem, string(domain.PromotionDeniedBelowMinSubtotal))
	}

	updated := promotion
	updated.TimesRedeemed++
	updated.UpdatedAt = now

	plan := RedemptionPlan{
		Promotion: updated,
		Redemption: domain.PromotionRedemption{
			OrderID:    order.ID,
			UserID:     userID,
			Code:       code,
			RedeemedAt: now,
		},
		Result: domain.PromotionRedemptionResult{
			PromotionID:     updated.ID,
			OrderID:         order.ID,
			TimesRedeemed:   updated.TimesRedeemed,
			RemainingGlobal: updated.RemainingGlobal(),
		},
	}
	if userID != "" {
		plan.Usage = &domain.PromotionUsage{UserID: userID, Count: userCount + 1, UpdatedAt: now}
	}
	return plan, nil
}

// ActivationPlan is the outcome of validating a tenant activation against freshly read documents.
// When Replay is set nothing must be written.
type ActivationPlan struct {
	Activation domain.TenantActivation
	Replay     bool
	Tenant     domain.Tenant
}

// PlanTenantActivation decides an activation. existing is the stored activation record for
// req.Reference, if any; it is checked before the tenant's current state.
func PlanTenantActivation(req TenantActivationRequest, tenant domain.Tenant, existing *domain.TenantActivation) (ActivationPlan, error) {
	if existing != nil {
		activation := *existing
		activation.TenantID = tenant.ID
		activation.Replayed = true
		return ActivationPlan{Activation: activation, Replay: true}, nil
	}
	if tenant.Active {
		return ActivationPlan{}, NewLedgerError(opTenantActivate, LedgerErrorAlreadyConsumed,
			fmt.Sprintf("tenant %s is already active under reference %q", tenant.ID, tenant.ActivationRef), nil)
	}
	if strings.TrimSpace(tenant.Name) == "" {
		return ActivationPlan{}, NewLedgerDenial(opTenantActivate, string(domain.ActivationDeniedMissingName))
	}
	if strings.TrimSpace(tenant.Currency) == "" {
		return ActivationPlan{}, NewLedgerDenial(opTenantActivate, string(domain.ActivationDeniedMissingCurrency))
	}

	now := req.Now.UTC()
	updated := tenant
	updated.Active = true
	updated.ActivationRef = req.Reference
	updated.ActivatedAt = &now
	updated.UpdatedAt = now
	return ActivationPlan{
		Activation: domain.TenantActivation{
			TenantID:    tenant.ID,
			Reference:   req.Reference,
			ActivatedBy: strings.TrimSpace(req.ActorID),
			ActivatedAt: now,
		},
		Tenant: updated,
	}, nil
}

// ValidateActivationRequest checks the identifiers every activation needs. The reference doubles
// as a document id and must not contain a slash.
func ValidateActivationRequest(req TenantActivationRequest) error {
	switch {
	case strings.TrimSpace(req.TenantID) == "":
		return NewLedgerError(opTenantActivate, LedgerErrorInvalidInput, "tenant id is required", nil)
	case strings.TrimSpace(req.Reference) == "":
		return NewLedgerError(opTenantActivate, LedgerErrorInvalidInput, "activation reference is required", nil)
	case strings.Contains(req.Reference, "/"):
		return NewLedgerError(opTenantActivate, LedgerErrorInvalidInput, "activation reference must not contain '/'", nil)
	}
	return nil
}

// ValidateRedeemRequest checks the identifiers every redemption needs.
func ValidateRedeemRequest(req PromotionRedeemRequest) error {
	switch {
	case strings.TrimSpace(req.TenantID) == "":
		return NewLedgerError(opPromotionRedeem, LedgerErrorInvalidInput, "tenant id is required", nil)
	case strings.TrimSpace(req.PromotionID) == "":
		return NewLedgerError(opPromotionRedeem, LedgerErrorInvalidInput, "promotion id is required", nil)
	case strings.TrimSpace(req.OrderID) == "":
		return NewLedgerError(opPromotionRedeem, LedgerErrorInvalidInput, "order id is required", nil)
	case domain.NormalizePromotionCode(req.Code) == "":
		return NewLedgerError(opPromotionRedeem, LedgerErrorInvalidInput, "code is required", nil)
	}
	return nil
}

// ValidateInvoiceRequest checks the identifiers every issuance needs.
func ValidateInvoiceRequest(req InvoiceIssueRequest) error {
	switch {
	case strings.TrimSpace(req.TenantID) == "":
		return NewLedgerError(opInvoiceIssue, LedgerErrorInvalidInput, "tenant id is required", nil)
	case strings.TrimSpace(req.OrderID) == "":
		return NewLedgerError(opInvoiceIssue, LedgerErrorInvalidInput, "order id is required", nil)
	}
	return nil
}

// LedgerNow defaults a zero request time to the wall clock.
func LedgerNow(now time.Time) time.Time {
	if now.IsZero() {
		return time.Now().UTC()
	}
	return now.UTC()
}
