package firestore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"

	domain "github.com/tableside/api/internal/domain"
	pfirestore "github.com/tableside/api/internal/platform/firestore"
	"github.com/tableside/api/internal/repositories"
)

const invoiceCountersPath = "invoiceCounters"

// InvoiceRepository issues invoice numbers from tenants/{tenantId}/invoiceCounters/{periodKey}.
type InvoiceRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[orderDocument]
	tenants  *pfirestore.Collection[tenantDocument]
	defaults TenantDefaults
}

var _ repositories.InvoiceRepository = (*InvoiceRepository)(nil)

// NewInvoiceRepository constructs a Firestore-backed invoice repository.
func NewInvoiceRepository(provider *pfirestore.Provider, defaults TenantDefaults) (*InvoiceRepository, error) {
	if provider == nil {
		return nil, errors.New("invoice repository requires firestore provider")
	}
	return &InvoiceRepository{
		provider: provider,
		orders:   pfirestore.NewCollection[orderDocument](provider, ordersCollection),
		tenants:  pfirestore.NewCollection[tenantDocument](provider, tenantsCollection),
		defaults: defaults,
	}, nil
}

func (r *InvoiceRepository) counters(tenantID string) *pfirestore.Collection[invoiceCounterDocument] {
	return pfirestore.NewCollection[invoiceCounterDocument](r.provider, tenantPath(tenantID, invoiceCountersPath))
}

// Issue assigns the next number of the tenant's current period to the order, or replays the
// number the order already carries.
func (r *InvoiceRepository) Issue(ctx context.Context, req repositories.InvoiceIssueRequest) (domain.InvoiceIssue, error) {
	if err := repositories.ValidateInvoiceRequest(req); err != nil {
		return domain.InvoiceIssue{}, err
	}
	req.Now = repositories.LedgerNow(req.Now)

	var issue domain.InvoiceIssue
	err := ledgerTransaction(ctx, r.provider, "invoices.issue", func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, req.OrderID)
		if err != nil {
			return err
		}
		tenantRef, err := r.tenants.DocumentRef(ctx, req.TenantID)
		if err != nil {
			return err
		}

		order, err := readOrder(tx, orderRef, "invoices.issue")
		if err != nil {
			return err
		}
		var tenantDoc tenantDocument
		found, err := readOptional(tx, tenantRef, &tenantDoc)
		if err != nil {
			return err
		}
		if !found {
			return repositories.NewLedgerError("invoices.issue", repositories.LedgerErrorNotFound, fmt.Sprintf("tenant %s not found", req.TenantID), nil)
		}
		tenant, err := tenantDoc.toDomain(req.TenantID, r.defaults)
		if err != nil {
			return err
		}

		periodKey := repositories.InvoicePeriod(tenant, req.Now)
		counterRef, err := r.counters(req.TenantID).DocumentRef(ctx, periodKey)
		if err != nil {
			return err
		}
		var counter invoiceCounterDocument
		if _, err := readOptional(tx, counterRef, &counter); err != nil {
			return err
		}

		plan, err := repositories.PlanInvoiceIssue(req, order, tenant, periodKey, counter.Next)
		if err != nil {
			return err
		}
		issue = plan.Issue
		if plan.Replay {
			return nil
		}

		plan.ApplyInvoice(&order)
		if err := tx.Set(counterRef, invoiceCounterDocument{Next: plan.NextValue, UpdatedAt: plan.Issue.IssuedAt}); err != nil {
			return err
		}
		return tx.Update(orderRef, []firestore.Update{
			{Path: "invoiceNumber", Value: order.InvoiceNumber},
			{Path: "invoiceSeries", Value: order.InvoiceSeries},
			{Path: "invoiceIssuedAt", Value: order.InvoiceIssuedAt.UTC()},
			{Path: "updatedAt", Value: order.UpdatedAt.UTC()},
		})
	})
	if err != nil {
		return domain.InvoiceIssue{}, err
	}
	return issue, nil
}

// InvoiceCounter returns the stored next value for a period. Zero means the counter does not exist.
func (r *InvoiceRepository) InvoiceCounter(ctx context.Context, tenantID, periodKey string) (int64, error) {
	doc, err := r.counters(tenantID).Get(ctx, periodKey)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return 0, nil
		}
		return 0, err
	}
	return doc.Data.Next, nil
}
