//go:build integration

package firestore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/tableside/api/internal/domain"
	pconfig "github.com/tableside/api/internal/platform/config"
	pfirestore "github.com/tableside/api/internal/platform/firestore"
	"github.com/tableside/api/internal/repositories"
)

func newEmulatorRegistry(t *testing.T, projectID string) *Registry {
	t.Helper()
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}
	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })
	waitForEndpoint(t, endpoint, 30*time.Second)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{ProjectID: projectID, EmulatorHost: endpoint},
		pfirestore.WithLedger(pconfig.LedgerConfig{TxAttempts: 25, TxTimeout: 30 * time.Second}))
	registry, err := NewRegistry(provider, TenantDefaults{
		Currency: "USD",
		Pricing:  domain.PricingSettings{PercentFee: decimal.NewFromInt(10), CouponBase: domain.CouponBaseSubtotal},
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(func() { _ = registry.Close(context.Background()) })
	return registry
}

func seedLedgerOrder(t *testing.T, ctx context.Context, registry *Registry, id string, createdAt time.Time) domain.Order {
	t.Helper()
	order := domain.Order{
		ID:              id,
		TenantID:        "tnt_it",
		FulfillmentType: domain.FulfillmentDineIn,
		Status:          domain.OrderStatusPlaced,
		Currency:        "USD",
		Items: []domain.OrderLineItem{{
			MenuItemID: "burger",
			Name:       "Burger",
			Quantity:   2,
			BasePrice:  decimal.RequireFromString("9.50"),
			UnitPrice:  decimal.RequireFromString("9.50"),
			LineTotal:  decimal.RequireFromString("19.00"),
		}},
		Totals: domain.OrderTotals{
			Subtotal:   decimal.RequireFromString("19.00"),
			ServiceFee: decimal.RequireFromString("1.90"),
			Discount:   decimal.RequireFromString("1.90"),
			Total:      decimal.RequireFromString("19.00"),
		},
		AppliedCoupon: "SAVE10",
		PromotionID:   "promo_it",
		Payment:       domain.OrderPayment{Status: domain.PaymentStatusPending, Amount: decimal.RequireFromString("19.00")},
		CreatedBy:     "user_1",
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
	if err := registry.Orders().Insert(ctx, order); err != nil {
		t.Fatalf("insert order %s: %v", id, err)
	}
	return order
}

func TestOrderRepositoryIntegration(t *testing.T) {
	registry := newEmulatorRegistry(t, "orders-test")
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	base := time.Date(2025, 4, 10, 18, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		seedLedgerOrder(t, ctx, registry, fmt.Sprintf("ord_%d", i), base.Add(time.Duration(i)*time.Minute))
	}

	var repoErr repositories.RepositoryError
	err := registry.Orders().Insert(ctx, domain.Order{ID: "ord_0", TenantID: "tnt_it", CreatedAt: base})
	if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
		t.Fatalf("expected conflict on duplicate insert, got %v", err)
	}

	found, err := registry.Orders().FindByID(ctx, "ord_1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found.Totals.Total.StringFixed(2) != "19.00" || found.Items[0].Quantity != 2 {
		t.Fatalf("unexpected order round trip: %+v", found)
	}

	page, err := registry.Orders().List(ctx, repositories.OrderListFilter{TenantID: "tnt_it", Pagination: domain.Pagination{PageSize: 2}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 2 || page.Items[0].ID != "ord_2" || page.NextPageToken == "" {
		t.Fatalf("unexpected first page: %+v", page)
	}
	page, err = registry.Orders().List(ctx, repositories.OrderListFilter{TenantID: "tnt_it", Pagination: domain.Pagination{PageSize: 2, PageToken: page.NextPageToken}})
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != "ord_0" || page.NextPageToken != "" {
		t.Fatalf("unexpected second page: %+v", page)
	}

	sentinel := errors.New("rejected")
	if _, err := registry.Orders().Mutate(ctx, "ord_0", func(*domain.Order) error { return sentinel }); !errors.Is(err, sentinel) {
		t.Fatalf("expected mutation error to surface, got %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = registry.Orders().Mutate(ctx, "ord_0", func(order *domain.Order) error {
				order.History = append(order.History, domain.StatusHistoryEntry{From: order.Status, To: order.Status, By: fmt.Sprintf("w%d", i), At: base})
				return nil
			})
		}(i)
	}
	wg.Wait()
	updated, err := registry.Orders().FindByID(ctx, "ord_0")
	if err != nil {
		t.Fatalf("find after mutate: %v", err)
	}
	if len(updated.History) != 5 {
		t.Fatalf("expected every concurrent mutation to land, got %d entries", len(updated.History))
	}

	if _, err := registry.Orders().Mutate(ctx, "missing", func(*domain.Order) error { return nil }); !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLedgerRepositoriesIntegration(t *testing.T) {
	registry := newEmulatorRegistry(t, "ledger-test")
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	now := time.Date(2025, 4, 10, 18, 30, 0, 0, time.UTC)
	if err := registry.Tenants().Save(ctx, domain.Tenant{
		ID:       "tnt_it",
		Currency: "USD",
		Active:   true,
		Pricing:  domain.PricingSettings{PercentFee: decimal.NewFromInt(10), CouponBase: domain.CouponBaseSubtotal},
		Invoicing: domain.InvoiceSettings{
			Enabled: true,
			Prefix:  "T-",
			Padding: 5,
			Reset:   domain.InvoiceResetMonthly,
		},
	}); err != nil {
		t.Fatalf("save tenant: %v", err)
	}
	if err := registry.Promotions().Save(ctx, domain.Promotion{
		ID:          "promo_it",
		TenantID:    "tnt_it",
		Code:        "save10",
		Kind:        domain.PromotionKindPercent,
		Value:       decimal.NewFromInt(10),
		Active:      true,
		GlobalLimit: 3,
	}); err != nil {
		t.Fatalf("save promotion: %v", err)
	}

	promotion, err := registry.Promotions().FindByCode(ctx, "tnt_it", " Save10 ")
	if err != nil || promotion.ID != "promo_it" {
		t.Fatalf("find by code: %+v %v", promotion, err)
	}

	const orders = 6
	for i := 0; i < orders; i++ {
		seedLedgerOrder(t, ctx, registry, fmt.Sprintf("ord_%d", i), now)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		numbers  = map[string]string{}
		redeemed int
		denied   int
	)
	for i := 0; i < orders; i++ {
		wg.Add(1)
		go func(orderID string) {
			defer wg.Done()
			issue, err := registry.Invoices().Issue(ctx, repositories.InvoiceIssueRequest{TenantID: "tnt_it", OrderID: orderID, Now: now})
			_, redeemErr := registry.Promotions().Redeem(ctx, repositories.PromotionRedeemRequest{
				TenantID: "tnt_it", PromotionID: "promo_it", Code: "SAVE10", OrderID: orderID, Now: now,
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				numbers[issue.InvoiceNumber] = orderID
			}
			if redeemErr == nil {
				redeemed++
			} else if ledgerErr, ok := repositories.AsLedgerError(redeemErr); ok && ledgerErr.Code == repositories.LedgerErrorDenied {
				denied++
			}
		}(fmt.Sprintf("ord_%d", i))
	}
	wg.Wait()

	if len(numbers) != orders {
		t.Fatalf("expected %d distinct invoice numbers, got %v", orders, numbers)
	}
	for i := 1; i <= orders; i++ {
		if _, ok := numbers[fmt.Sprintf("T-%05d", i)]; !ok {
			t.Fatalf("expected gap free numbering, missing %d in %v", i, numbers)
		}
	}
	next, err := registry.InvoiceCounters().InvoiceCounter(ctx, "tnt_it", "2025-04")
	if err != nil || next != orders+1 {
		t.Fatalf("expected counter %d, got %d (%v)", orders+1, next, err)
	}
	if redeemed != 3 || denied != orders-3 {
		t.Fatalf("expected 3 redemptions and %d denials, got %d and %d", orders-3, redeemed, denied)
	}

	replay, err := registry.Invoices().Issue(ctx, repositories.InvoiceIssueRequest{TenantID: "tnt_it", OrderID: "ord_0", Now: now.Add(time.Hour)})
	if err != nil || !replay.Replayed {
		t.Fatalf("expected invoice replay, got %+v %v", replay, err)
	}
	stored, err := registry.Orders().FindByID(ctx, "ord_0")
	if err != nil || stored.InvoiceNumber != replay.InvoiceNumber {
		t.Fatalf("expected stored invoice number %s, got %+v %v", replay.InvoiceNumber, stored.InvoiceNumber, err)
	}

	_, err = registry.Invoices().Issue(ctx, repositories.InvoiceIssueRequest{TenantID: "tnt_it", OrderID: "missing", Now: now})
	if ledgerErr, ok := repositories.AsLedgerError(err); !ok || ledgerErr.Code != repositories.LedgerErrorNotFound {
		t.Fatalf("expected ledger not found, got %v", err)
	}
}

func TestTenantActivationIntegration(t *testing.T) {
	registry := newEmulatorRegistry(t, "activation-test")
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	now := time.Date(2025, 4, 10, 18, 30, 0, 0, time.UTC)
	if err := registry.Tenants().Save(ctx, domain.Tenant{ID: "tnt_new", Name: "Pier Diner", Currency: "USD"}); err != nil {
		t.Fatalf("save tenant: %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			activation, err := registry.Tenants().Activate(ctx, repositories.TenantActivationRequest{
				TenantID: "tnt_new", Reference: "prov_1", ActorID: "ops", Now: now,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				t.Errorf("activate: %v", err)
				return
			}
			if !activation.Replayed {
				applied++
			}
		}()
	}
	wg.Wait()
	if applied != 1 {
		t.Fatalf("expected exactly one applied activation, got %d", applied)
	}

	tenant, err := registry.Tenants().FindByID(ctx, "tnt_new")
	if err != nil || !tenant.Active || tenant.ActivationRef != "prov_1" || tenant.ActivatedAt == nil {
		t.Fatalf("expected active tenant, got %+v %v", tenant, err)
	}
	_, err = registry.Tenants().Activate(ctx, repositories.TenantActivationRequest{TenantID: "tnt_new", Reference: "prov_2", Now: now})
	if ledgerErr, ok := repositories.AsLedgerError(err); !ok || ledgerErr.Code != repositories.LedgerErrorAlreadyConsumed {
		t.Fatalf("expected already consumed, got %v", err)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer addr.Close()
	return addr.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	args := []string{
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	}

	out, err := exec.Command("docker", args...).CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "docker", "info").Run(); err != nil {
		t.Fatalf("docker daemon not available: %v", err)
	}
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = exec.CommandContext(ctx, "docker", "stop", id).Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("firestore emulator at %s did not become ready within %s", endpoint, timeout)
}

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"
