package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/googleapis/gax-go/v2"
	"golang.org/x/sync/errgroup"

	domain "github.com/tableside/api/internal/domain"
	"github.com/tableside/api/internal/repositories"
)

const (
	defaultCatalogReadAttempts = 3
	defaultCatalogReadTimeout  = 5 * time.Second
)

// CatalogLoaderDeps configures catalog snapshot reads.
type CatalogLoaderDeps struct {
	Catalog    repositories.CatalogRepository
	Promotions repositories.PromotionRepository
	// Attempts bounds retries of reads the store reports as unavailable.
	Attempts int
	Backoff  gax.Backoff
	Timeout  time.Duration
}

// CatalogLoader reads everything a cart needs before pricing starts.
type CatalogLoader struct {
	catalog    repositories.CatalogRepository
	promotions repositories.PromotionRepository
	attempts   int
	backoff    gax.Backoff
	timeout    time.Duration
}

// NewCatalogLoader validates dependencies and applies read defaults.
func NewCatalogLoader(deps CatalogLoaderDeps) (*CatalogLoader, error) {
	if deps.Catalog == nil {
		return nil, errors.New("catalog loader: catalog repository is required")
	}
	attempts := deps.Attempts
	if attempts <= 0 {
		attempts = defaultCatalogReadAttempts
	}
	backoff := deps.Backoff
	if backoff.Initial <= 0 {
		backoff = gax.Backoff{Initial: 50 * time.Millisecond, Max: time.Second, Multiplier: 2}
	}
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = defaultCatalogReadTimeout
	}
	return &CatalogLoader{
		catalog:    deps.Catalog,
		promotions: deps.Promotions,
		attempts:   attempts,
		backoff:    backoff,
		timeout:    timeout,
	}, nil
}

// Load issues the item, option group, option and coupon reads concurrently and waits for all of them.
// Missing documents are left out of the snapshot; the pricing engine turns absences into rejections.
func (l *CatalogLoader) Load(ctx context.Context, tenantID string, lines []domain.CartLine, couponCode string) (CatalogSnapshot, error) {
	itemIDs, optionIDs := referencedIDs(lines)
	snapshot := CatalogSnapshot{
		Items:   map[string]domain.MenuItem{},
		Groups:  make(map[string][]domain.OptionGroup, len(itemIDs)),
		Options: map[string]domain.OptionItem{},
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	if len(itemIDs) > 0 {
		g.Go(func() error {
			return l.read(gctx, func(ctx context.Context) error {
				items, err := l.catalog.GetMenuItems(ctx, tenantID, itemIDs)
				if err != nil {
					return err
				}
				mu.Lock()
				snapshot.Items = items
				mu.Unlock()
				return nil
			})
		})
	}
	for _, itemID := range itemIDs {
		g.Go(func() error {
			return l.read(gctx, func(ctx context.Context) error {
				groups, err := l.catalog.ListOptionGroups(ctx, tenantID, itemID)
				if err != nil {
					return err
				}
				mu.Lock()
				snapshot.Groups[itemID] = groups
				mu.Unlock()
				return nil
			})
		})
	}
	if len(optionIDs) > 0 {
		g.Go(func() error {
			return l.read(gctx, func(ctx context.Context) error {
				options, err := l.catalog.GetOptionItems(ctx, tenantID, optionIDs)
				if err != nil {
					return err
				}
				mu.Lock()
				snapshot.Options = options
				mu.Unlock()
				return nil
			})
		})
	}
	if code := domain.NormalizePromotionCode(couponCode); code != "" && l.promotions != nil {
		g.Go(func() error {
			return l.read(gctx, func(ctx context.Context) error {
				promotion, err := l.promotions.FindByCode(ctx, tenantID, code)
				if err != nil {
					if isRepositoryNotFound(err) {
						return nil
					}
					return err
				}
				mu.Lock()
				snapshot.Coupon = &promotion
				mu.Unlock()
				return nil
			})
		})
	}

	if err := g.Wait(); err != nil {
		return CatalogSnapshot{}, fmt.Errorf("catalog loader: %w", err)
	}
	return snapshot, nil
}

func (l *CatalogLoader) read(ctx context.Context, fn func(context.Context) error) error {
	attempt := 0
	return gax.Invoke(ctx, func(ctx context.Context, _ gax.CallSettings) error {
		attempt++
		return fn(ctx)
	}, gax.WithRetry(func() gax.Retryer {
		return gax.OnErrorFunc(l.backoff, func(err error) bool {
			return attempt < l.attempts && isRepositoryUnavailable(err)
		})
	}))
}

func referencedIDs(lines []domain.CartLine) ([]string, []string) {
	items := map[string]struct{}{}
	options := map[string]struct{}{}
	for _, line := range lines {
		if line.MenuItemID != "" {
			items[line.MenuItemID] = struct{}{}
		}
		for _, selected := range line.Selections {
			for _, optionID := range selected {
				if optionID != "" {
					options[optionID] = struct{}{}
				}
			}
		}
	}
	return sortedKeys(items), sortedKeys(options)
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func isRepositoryNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isRepositoryUnavailable(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}
