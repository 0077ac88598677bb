package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/googleapis/gax-go/v2"

	domain "github.com/tableside/api/internal/domain"
	"github.com/tableside/api/internal/repositories"
)

type stubRepoError struct {
	notFound    bool
	unavailable bool
}

func (e stubRepoError) Error() string       { return "stub repository error" }
func (e stubRepoError) IsNotFound() bool    { return e.notFound }
func (e stubRepoError) IsConflict() bool    { return false }
func (e stubRepoError) IsUnavailable() bool { return e.unavailable }

type stubCatalog struct {
	snapshot   CatalogSnapshot
	itemsFn    func() error
	itemCalls  atomic.Int32
	groupCalls atomic.Int32
}

func (s *stubCatalog) GetMenuItems(_ context.Context, _ string, ids []string) (map[string]domain.MenuItem, error) {
	s.itemCalls.Add(1)
	if s.itemsFn != nil {
		if err := s.itemsFn(); err != nil {
			return nil, err
		}
	}
	out := map[string]domain.MenuItem{}
	for _, id := range ids {
		if item, ok := s.snapshot.Items[id]; ok {
			out[id] = item
		}
	}
	return out, nil
}

func (s *stubCatalog) ListOptionGroups(_ context.Context, _ string, menuItemID string) ([]domain.OptionGroup, error) {
	s.groupCalls.Add(1)
	return s.snapshot.Groups[menuItemID], nil
}

func (s *stubCatalog) GetOptionItems(_ context.Context, _ string, ids []string) (map[string]domain.OptionItem, error) {
	out := map[string]domain.OptionItem{}
	for _, id := range ids {
		if option, ok := s.snapshot.Options[id]; ok {
			out[id] = option
		}
	}
	return out, nil
}

type stubPromotions struct {
	promotion *domain.Promotion
	err       error
}

func (s stubPromotions) FindByCode(context.Context, string, string) (domain.Promotion, error) {
	if s.err != nil {
		return domain.Promotion{}, s.err
	}
	if s.promotion == nil {
		return domain.Promotion{}, stubRepoError{notFound: true}
	}
	return *s.promotion, nil
}

func (s stubPromotions) Save(context.Context, domain.Promotion) error { return nil }

func (s stubPromotions) Redeem(context.Context, repositories.PromotionRedeemRequest) (domain.PromotionRedemptionResult, error) {
	return domain.PromotionRedemptionResult{}, nil
}

var fastBackoff = gax.Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 1.5}

func TestCatalogLoaderLoadsReferencedDocuments(t *testing.T) {
	catalog := &stubCatalog{snapshot: burgerSnapshot()}
	loader, err := NewCatalogLoader(CatalogLoaderDeps{
		Catalog:    catalog,
		Promotions: stubPromotions{promotion: &domain.Promotion{ID: "promo_1", Code: "SAVE10"}},
		Backoff:    fastBackoff,
	})
	if err != nil {
		t.Fatalf("NewCatalogLoader: %v", err)
	}

	snapshot, err := loader.Load(context.Background(), "tnt_1", []domain.CartLine{
		{MenuItemID: "burger", Quantity: 1, Selections: map[string][]string{"doneness": {"rare"}}},
		{MenuItemID: "burger", Quantity: 2, Selections: map[string][]string{"extras": {"bacon", ""}}},
		{MenuItemID: "ghost", Quantity: 1},
	}, " save10 ")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snapshot.Items) != 1 {
		t.Fatalf("expected only the known item, got %v", snapshot.Items)
	}
	if len(snapshot.Options) != 2 {
		t.Fatalf("expected rare and bacon, got %v", snapshot.Options)
	}
	if len(snapshot.Groups["burger"]) != 3 {
		t.Fatalf("expected burger groups, got %v", snapshot.Groups)
	}
	if got := catalog.groupCalls.Load(); got != 2 {
		t.Fatalf("expected one group read per distinct item, got %d", got)
	}
	if snapshot.Coupon == nil || snapshot.Coupon.ID != "promo_1" {
		t.Fatalf("expected coupon in snapshot, got %+v", snapshot.Coupon)
	}
}

func TestCatalogLoaderIgnoresUnknownCoupon(t *testing.T) {
	loader, err := NewCatalogLoader(CatalogLoaderDeps{Catalog: &stubCatalog{snapshot: burgerSnapshot()}, Promotions: stubPromotions{}})
	if err != nil {
		t.Fatalf("NewCatalogLoader: %v", err)
	}
	snapshot, err := loader.Load(context.Background(), "tnt_1", []domain.CartLine{{MenuItemID: "fries", Quantity: 1}}, "NOPE")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snapshot.Coupon != nil {
		t.Fatalf("expected no coupon, got %+v", snapshot.Coupon)
	}
}

func TestCatalogLoaderRetriesUnavailableReads(t *testing.T) {
	catalog := &stubCatalog{snapshot: burgerSnapshot()}
	failures := atomic.Int32{}
	catalog.itemsFn = func() error {
		if failures.Add(1) <= 2 {
			return stubRepoError{unavailable: true}
		}
		return nil
	}
	loader, err := NewCatalogLoader(CatalogLoaderDeps{Catalog: catalog, Attempts: 3, Backoff: fastBackoff})
	if err != nil {
		t.Fatalf("NewCatalogLoader: %v", err)
	}

	snapshot, err := loader.Load(context.Background(), "tnt_1", []domain.CartLine{{MenuItemID: "fries", Quantity: 1}}, "")
	if err != nil {
		t.Fatalf("expected the third attempt to succeed, got %v", err)
	}
	if _, ok := snapshot.Items["fries"]; !ok {
		t.Fatalf("expected fries in snapshot")
	}
	if got := catalog.itemCalls.Load(); got != 3 {
		t.Fatalf("expected 3 item reads, got %d", got)
	}
}

func TestCatalogLoaderGivesUpAfterAttempts(t *testing.T) {
	catalog := &stubCatalog{snapshot: burgerSnapshot(), itemsFn: func() error { return stubRepoError{unavailable: true} }}
	loader, err := NewCatalogLoader(CatalogLoaderDeps{Catalog: catalog, Attempts: 2, Backoff: fastBackoff})
	if err != nil {
		t.Fatalf("NewCatalogLoader: %v", err)
	}

	_, err = loader.Load(context.Background(), "tnt_1", []domain.CartLine{{MenuItemID: "fries", Quantity: 1}}, "")
	if !isRepositoryUnavailable(err) {
		t.Fatalf("expected unavailable error to surface, got %v", err)
	}
	if got := catalog.itemCalls.Load(); got != 2 {
		t.Fatalf("expected 2 item reads, got %d", got)
	}
}

func TestCatalogLoaderDoesNotRetryPermanentErrors(t *testing.T) {
	boom := errors.New("boom")
	catalog := &stubCatalog{snapshot: burgerSnapshot(), itemsFn: func() error { return boom }}
	loader, err := NewCatalogLoader(CatalogLoaderDeps{Catalog: catalog, Backoff: fastBackoff})
	if err != nil {
		t.Fatalf("NewCatalogLoader: %v", err)
	}

	_, err = loader.Load(context.Background(), "tnt_1", []domain.CartLine{{MenuItemID: "fries", Quantity: 1}}, "")
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got := catalog.itemCalls.Load(); got != 1 {
		t.Fatalf("expected a single read, got %d", got)
	}
}

func TestNewCatalogLoaderRequiresCatalog(t *testing.T) {
	if _, err := NewCatalogLoader(CatalogLoaderDeps{}); err == nil {
		t.Fatalf("expected missing catalog to be rejected")
	}
}
