package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"go.uber.org/goleak"

	domain "github.com/tableside/api/internal/domain"
	"github.com/tableside/api/internal/repositories"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var ledgerNow = time.Date(2025, 6, 30, 23, 30, 0, 0, time.UTC)

func seedOrder(t *testing.T, registry *Registry, id string, mutate func(*domain.Order)) {
	t.Helper()
	order := domain.Order{
		ID:              id,
		TenantID:        "tnt_1",
		FulfillmentType: domain.FulfillmentDineIn,
		Status:          domain.OrderStatusPlaced,
		Currency:        "USD",
		Totals:          domain.OrderTotals{Subtotal: decimal.NewFromInt(20), Total: decimal.NewFromInt(20)},
		CreatedAt:       ledgerNow,
		UpdatedAt:       ledgerNow,
	}
	if mutate != nil {
		mutate(&order)
	}
	if err := registry.Orders().Insert(context.Background(), order); err != nil {
		t.Fatalf("insert order %s: %v", id, err)
	}
}

func seedTenant(t *testing.T, registry *Registry, invoicing domain.InvoiceSettings) {
	t.Helper()
	err := registry.Tenants().Save(context.Background(), domain.Tenant{
		ID:        "tnt_1",
		Currency:  "USD",
		Active:    true,
		Invoicing: invoicing,
	})
	if err != nil {
		t.Fatalf("save tenant: %v", err)
	}
}

func expectLedgerCode(t *testing.T, err error, code repositories.LedgerErrorCode, reason string) {
	t.Helper()
	ledgerErr, ok := repositories.AsLedgerError(err)
	if !ok {
		t.Fatalf("expected ledger error %s, got %v", code, err)
	}
	if ledgerErr.Code != code || ledgerErr.Reason != reason {
		t.Fatalf("expected %s/%s, got %s/%s", code, reason, ledgerErr.Code, ledgerErr.Reason)
	}
}

func TestInvoiceIssueIsIdempotent(t *testing.T) {
	registry := NewRegistry(NewStore())
	seedTenant(t, registry, domain.InvoiceSettings{Enabled: true, Prefix: "INV-", Series: "A", Padding: 4, Reset: domain.InvoiceResetMonthly})
	seedOrder(t, registry, "ord_1", nil)
	seedOrder(t, registry, "ord_2", nil)
	invoices := registry.Invoices()
	ctx := context.Background()

	first, err := invoices.Issue(ctx, repositories.InvoiceIssueRequest{TenantID: "tnt_1", OrderID: "ord_1", Now: ledgerNow})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if first.InvoiceNumber != "INV-A0001" || first.PeriodKey != "2025-06" || first.Replayed {
		t.Fatalf("unexpected first issue %+v", first)
	}

	replay, err := invoices.Issue(ctx, repositories.InvoiceIssueRequest{TenantID: "tnt_1", OrderID: "ord_1", Now: ledgerNow.Add(time.Hour)})
	if err != nil {
		t.Fatalf("Issue replay: %v", err)
	}
	if replay.InvoiceNumber != first.InvoiceNumber || !replay.Replayed || !replay.IssuedAt.Equal(first.IssuedAt) {
		t.Fatalf("expected identical replay, got %+v", replay)
	}

	counter := invoices.(*InvoiceRepository).InvoiceCounter("tnt_1", "2025-06")
	if counter != 2 {
		t.Fatalf("expected counter bumped exactly once to next value 2, got %d", counter)
	}

	second, err := invoices.Issue(ctx, repositories.InvoiceIssueRequest{TenantID: "tnt_1", OrderID: "ord_2", Now: ledgerNow})
	if err != nil {
		t.Fatalf("Issue second order: %v", err)
	}
	if second.InvoiceNumber != "INV-A0002" {
		t.Fatalf("expected INV-A0002, got %s", second.InvoiceNumber)
	}

	order, err := registry.Orders().FindByID(ctx, "ord_1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if order.InvoiceNumber != "INV-A0001" || order.InvoiceIssuedAt == nil {
		t.Fatalf("expected order to carry its invoice, got %+v", order)
	}
}

func TestInvoiceIssueUsesTenantTimezoneForPeriod(t *testing.T) {
	registry := NewRegistry(NewStore())
	seedTenant(t, registry, domain.InvoiceSettings{Enabled: true, Reset: domain.InvoiceResetMonthly, Timezone: "Asia/Tokyo"})
	seedOrder(t, registry, "ord_1", nil)

	issue, err := registry.Invoices().Issue(context.Background(), repositories.InvoiceIssueRequest{TenantID: "tnt_1", OrderID: "ord_1", Now: ledgerNow})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if issue.PeriodKey != "2025-07" {
		t.Fatalf("expected Tokyo period 2025-07, got %s", issue.PeriodKey)
	}
	if issue.InvoiceNumber != "000001" {
		t.Fatalf("expected default padding, got %s", issue.InvoiceNumber)
	}
}

func TestInvoiceIssueDenials(t *testing.T) {
	registry := NewRegistry(NewStore())
	seedTenant(t, registry, domain.InvoiceSettings{Enabled: false})
	seedOrder(t, registry, "ord_1", nil)
	seedOrder(t, registry, "ord_other", func(o *domain.Order) { o.TenantID = "tnt_2" })
	ctx := context.Background()

	_, err := registry.Invoices().Issue(ctx, repositories.InvoiceIssueRequest{TenantID: "tnt_1", OrderID: "ord_1", Now: ledgerNow})
	expectLedgerCode(t, err, repositories.LedgerErrorDenied, string(domain.InvoiceDeniedNumberingDisabled))

	_, err = registry.Invoices().Issue(ctx, repositories.InvoiceIssueRequest{TenantID: "tnt_1", OrderID: "ord_other", Now: ledgerNow})
	expectLedgerCode(t, err, repositories.LedgerErrorNotFound, "")

	_, err = registry.Invoices().Issue(ctx, repositories.InvoiceIssueRequest{TenantID: "tnt_1", OrderID: "ord_missing", Now: ledgerNow})
	expectLedgerCode(t, err, repositories.LedgerErrorNotFound, "")
}

func seedPromotion(t *testing.T, registry *Registry, promotion domain.Promotion) {
	t.Helper()
	if promotion.TenantID == "" {
		promotion.TenantID = "tnt_1"
	}
	if err := registry.Promotions().Save(context.Background(), promotion); err != nil {
		t.Fatalf("save promotion: %v", err)
	}
}

func withCoupon(code string) func(*domain.Order) {
	return func(o *domain.Order) { o.AppliedCoupon = code }
}

func TestPromotionRedeemGlobalLimit(t *testing.T) {
	registry := NewRegistry(NewStore())
	seedPromotion(t, registry, domain.Promotion{ID: "promo_1", Code: "TWICE", Active: true, GlobalLimit: 2})
	for i := 1; i <= 3; i++ {
		seedOrder(t, registry, fmt.Sprintf("ord_%d", i), withCoupon("TWICE"))
	}
	promotions := registry.Promotions()
	ctx := context.Background()
	redeem := func(orderID string) (domain.PromotionRedemptionResult, error) {
		return promotions.Redeem(ctx, repositories.PromotionRedeemRequest{
			TenantID: "tnt_1", PromotionID: "promo_1", Code: " twice ", OrderID: orderID, Now: ledgerNow,
		})
	}

	first, err := redeem("ord_1")
	if err != nil {
		t.Fatalf("redeem ord_1: %v", err)
	}
	if first.TimesRedeemed != 1 || first.RemainingGlobal == nil || *first.RemainingGlobal != 1 || first.AlreadyConsumed {
		t.Fatalf("unexpected first result %+v", first)
	}

	replay, err := redeem("ord_1")
	if err != nil {
		t.Fatalf("replay ord_1: %v", err)
	}
	if replay.TimesRedeemed != 1 || !replay.AlreadyConsumed {
		t.Fatalf("expected replay to leave counters unchanged, got %+v", replay)
	}

	second, err := redeem("ord_2")
	if err != nil {
		t.Fatalf("redeem ord_2: %v", err)
	}
	if second.TimesRedeemed != 2 || *second.RemainingGlobal != 0 {
		t.Fatalf("unexpected second result %+v", second)
	}

	_, err = redeem("ord_3")
	expectLedgerCode(t, err, repositories.LedgerErrorDenied, string(domain.PromotionDeniedGlobalLimit))

	stored, err := promotions.FindByCode(ctx, "tnt_1", "twice")
	if err != nil {
		t.Fatalf("FindByCode: %v", err)
	}
	if stored.TimesRedeemed != 2 {
		t.Fatalf("expected 2 redemptions stored, got %d", stored.TimesRedeemed)
	}
}

func TestPromotionRedeemPerUserLimitAndDenials(t *testing.T) {
	registry := NewRegistry(NewStore())
	ends := ledgerNow.Add(-time.Minute)
	seedPromotion(t, registry, domain.Promotion{ID: "promo_user", Code: "ONCE", Active: true, PerUserLimit: 1})
	seedPromotion(t, registry, domain.Promotion{ID: "promo_old", Code: "OLD", Active: true, EndsAt: &ends})
	seedPromotion(t, registry, domain.Promotion{ID: "promo_off", Code: "OFF", Active: false})
	seedOrder(t, registry, "ord_1", withCoupon("ONCE"))
	seedOrder(t, registry, "ord_2", withCoupon("ONCE"))
	seedOrder(t, registry, "ord_3", withCoupon("OLD"))
	seedOrder(t, registry, "ord_4", withCoupon("OFF"))
	promotions := registry.Promotions()
	ctx := context.Background()

	if _, err := promotions.Redeem(ctx, repositories.PromotionRedeemRequest{TenantID: "tnt_1", PromotionID: "promo_user", Code: "ONCE", OrderID: "ord_1", UserID: "user_1", Now: ledgerNow}); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	_, err := promotions.Redeem(ctx, repositories.PromotionRedeemRequest{TenantID: "tnt_1", PromotionID: "promo_user", Code: "ONCE", OrderID: "ord_2", UserID: "user_1", Now: ledgerNow})
	expectLedgerCode(t, err, repositories.LedgerErrorDenied, string(domain.PromotionDeniedPerUserLimit))

	_, err = promotions.Redeem(ctx, repositories.PromotionRedeemRequest{TenantID: "tnt_1", PromotionID: "promo_old", Code: "OLD", OrderID: "ord_3", Now: ledgerNow})
	expectLedgerCode(t, err, repositories.LedgerErrorDenied, string(domain.PromotionDeniedExpired))

	_, err = promotions.Redeem(ctx, repositories.PromotionRedeemRequest{TenantID: "tnt_1", PromotionID: "promo_off", Code: "OFF", OrderID: "ord_4", Now: ledgerNow})
	expectLedgerCode(t, err, repositories.LedgerErrorDenied, string(domain.PromotionDeniedInactive))

	_, err = promotions.Redeem(ctx, repositories.PromotionRedeemRequest{TenantID: "tnt_1", PromotionID: "promo_user", Code: "OLD", OrderID: "ord_3", Now: ledgerNow})
	expectLedgerCode(t, err, repositories.LedgerErrorDenied, string(domain.PromotionDeniedCodeMismatch))

	_, err = promotions.Redeem(ctx, repositories.PromotionRedeemRequest{TenantID: "tnt_1", PromotionID: "promo_user", Code: "ONCE", OrderID: "ord_3", Now: ledgerNow})
	expectLedgerCode(t, err, repositories.LedgerErrorDenied, string(domain.PromotionDeniedOrderMismatch))

	_, err = promotions.Redeem(ctx, repositories.PromotionRedeemRequest{TenantID: "tnt_1", PromotionID: "promo_user", Code: "ONCE", OrderID: "ord_1", UserID: "user_9", Now: ledgerNow})
	expectLedgerCode(t, err, repositories.LedgerErrorAlreadyConsumed, "")
}

func TestPromotionRedeemConcurrentNeverExceedsLimit(t *testing.T) {
	registry := NewRegistry(NewStore(WithAttempts(50)))
	seedPromotion(t, registry, domain.Promotion{ID: "promo_1", Code: "RUSH", Active: true, GlobalLimit: 3})
	const orders = 8
	for i := 0; i < orders; i++ {
		seedOrder(t, registry, fmt.Sprintf("ord_%d", i), withCoupon("RUSH"))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
		denied  int
	)
	for i := 0; i < orders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := registry.Promotions().Redeem(context.Background(), repositories.PromotionRedeemRequest{
				TenantID: "tnt_1", PromotionID: "promo_1", Code: "RUSH", OrderID: fmt.Sprintf("ord_%d", i), Now: ledgerNow,
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				granted++
				return
			}
			if ledgerErr, ok := repositories.AsLedgerError(err); ok && ledgerErr.Reason == string(domain.PromotionDeniedGlobalLimit) {
				denied++
				return
			}
			t.Errorf("unexpected redeem error: %v", err)
		}(i)
	}
	wg.Wait()

	if granted != 3 || denied != orders-3 {
		t.Fatalf("expected 3 granted and %d denied, got %d/%d", orders-3, granted, denied)
	}
}

func TestTenantActivateIsIdempotent(t *testing.T) {
	registry := NewRegistry(NewStore(WithAttempts(50)))
	ctx := context.Background()
	if err := registry.Tenants().Save(ctx, domain.Tenant{ID: "tnt_1", Name: "Harbor Bistro", Currency: "USD"}); err != nil {
		t.Fatalf("save tenant: %v", err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		applied  int
		replayed int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			activation, err := registry.Tenants().Activate(ctx, repositories.TenantActivationRequest{
				TenantID: "tnt_1", Reference: "sub_123", ActorID: fmt.Sprintf("admin_%d", i), Now: ledgerNow,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				t.Errorf("unexpected activate error: %v", err)
			case activation.Replayed:
				replayed++
			default:
				applied++
			}
		}(i)
	}
	wg.Wait()
	if applied != 1 || replayed != 5 {
		t.Fatalf("expected one activation and five replays, got %d/%d", applied, replayed)
	}

	tenant, err := registry.Tenants().FindByID(ctx, "tnt_1")
	if err != nil {
		t.Fatalf("find tenant: %v", err)
	}
	if !tenant.Active || tenant.ActivationRef != "sub_123" || tenant.ActivatedAt == nil || !tenant.ActivatedAt.Equal(ledgerNow) {
		t.Fatalf("expected tenant activated by sub_123, got %+v", tenant)
	}

	_, err = registry.Tenants().Activate(ctx, repositories.TenantActivationRequest{TenantID: "tnt_1", Reference: "sub_456", Now: ledgerNow})
	expectLedgerCode(t, err, repositories.LedgerErrorAlreadyConsumed, "")

	_, err = registry.Tenants().Activate(ctx, repositories.TenantActivationRequest{TenantID: "tnt_missing", Reference: "sub_1", Now: ledgerNow})
	expectLedgerCode(t, err, repositories.LedgerErrorNotFound, "")
}

func TestStoreRetriesLostRace(t *testing.T) {
	var store *Store
	interfered := false
	store = NewStore(WithBeforeCommit(func() {
		if !interfered {
			interfered = true
			store.Put("counters/a", 100)
		}
	}))
	store.Put("counters/a", 1)

	attempts := 0
	err := store.RunTransaction(context.Background(), "test", func(tx *Tx) error {
		attempts++
		value, _ := tx.Get("counters/a")
		tx.Set("counters/a", value.(int)+1)
		return nil
	})
	if err != nil {
		t.Fatalf("RunTransaction: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected a retry after the lost race, got %d attempts", attempts)
	}
	value, _ := store.Get("counters/a")
	if value.(int) != 101 {
		t.Fatalf("expected the retry to build on the winner, got %d", value.(int))
	}
}

func TestStoreSurfacesContention(t *testing.T) {
	var store *Store
	store = NewStore(WithAttempts(2), WithBeforeCommit(func() { store.Put("k/v", 0) }))
	err := store.RunTransaction(context.Background(), "test", func(tx *Tx) error {
		tx.Get("k/v")
		tx.Set("k/v", 1)
		return nil
	})
	var memErr *Error
	if !errors.As(err, &memErr) || !memErr.IsConflict() {
		t.Fatalf("expected conflict after exhausted attempts, got %v", err)
	}
}

func TestOrderListPaginates(t *testing.T) {
	registry := NewRegistry(NewStore())
	for i := 0; i < 5; i++ {
		seedOrder(t, registry, fmt.Sprintf("ord_%d", i), func(o *domain.Order) {
			o.CreatedAt = ledgerNow.Add(time.Duration(i) * time.Minute)
			if i%2 == 0 {
				o.Status = domain.OrderStatusKitchenInProgress
			}
		})
	}
	seedOrder(t, registry, "ord_foreign", func(o *domain.Order) { o.TenantID = "tnt_2" })
	ctx := context.Background()

	page, err := registry.Orders().List(ctx, repositories.OrderListFilter{TenantID: "tnt_1", Pagination: domain.Pagination{PageSize: 2}})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page.Items) != 2 || page.Items[0].ID != "ord_4" || page.Items[1].ID != "ord_3" || page.NextPageToken == "" {
		t.Fatalf("unexpected first page %+v", page)
	}
	page, err = registry.Orders().List(ctx, repositories.OrderListFilter{TenantID: "tnt_1", Pagination: domain.Pagination{PageSize: 2, PageToken: page.NextPageToken}})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page.Items) != 2 || page.Items[0].ID != "ord_2" {
		t.Fatalf("unexpected second page %+v", page)
	}

	page, err = registry.Orders().List(ctx, repositories.OrderListFilter{
		TenantID: "tnt_1",
		Statuses: []domain.OrderStatus{domain.OrderStatusKitchenInProgress},
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page.Items) != 3 || page.NextPageToken != "" {
		t.Fatalf("expected 3 kitchen orders on one page, got %d (%q)", len(page.Items), page.NextPageToken)
	}
}

func TestOrderMutateSkipsUnchangedWrite(t *testing.T) {
	store := NewStore()
	registry := NewRegistry(store)
	seedOrder(t, registry, "ord_1", nil)
	ctx := context.Background()
	version := func() uint64 {
		store.mu.RLock()
		defer store.mu.RUnlock()
		return store.docs[orderKey("ord_1")].version
	}
	before := version()

	order, err := registry.Orders().Mutate(ctx, "ord_1", func(o *domain.Order) error {
		o.Notes = "discarded"
		return repositories.ErrUnchanged
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if order.ID != "ord_1" || !order.UpdatedAt.Equal(ledgerNow) {
		t.Fatalf("expected the order as read, got %+v", order)
	}
	if got := version(); got != before {
		t.Fatalf("expected no write, version moved %d -> %d", before, got)
	}
	stored, _ := registry.Orders().FindByID(ctx, "ord_1")
	if stored.Notes != "" {
		t.Fatalf("expected unchanged mutation to leave the stored order alone, got %q", stored.Notes)
	}

	if _, err := registry.Orders().Mutate(ctx, "ord_1", func(o *domain.Order) error {
		o.UpdatedAt = ledgerNow.Add(time.Minute)
		return nil
	}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if got := version(); got == before {
		t.Fatalf("expected a write to bump the version")
	}
}
