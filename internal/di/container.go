package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tableside/api/internal/platform/config"
	"github.com/tableside/api/internal/platform/requestctx"
	"github.com/tableside/api/internal/repositories"
	"github.com/tableside/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Orders  services.OrderService
	System  services.SystemService
	Catalog *services.CatalogLoader
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// Option customises container construction.
type Option func(*options)

type options struct {
	events services.OrderEventPublisher
	logger *zap.Logger
	build  services.BuildInfo
	clock  func() time.Time
}

// WithEventPublisher routes order domain events to the given publisher.
func WithEventPublisher(publisher services.OrderEventPublisher) Option {
	return func(o *options) {
		o.events = publisher
	}
}

// WithLogger sets the logger used for service-level events.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithBuildInfo sets the metadata reported by health endpoints.
func WithBuildInfo(build services.BuildInfo) Option {
	return func(o *options) {
		o.build = build
	}
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// NewContainer constructs the runtime dependencies. Production wiring passes the Firestore registry,
// tests supply the in-memory one.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts ...Option) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	o := options{logger: zap.NewNop(), clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	svc, err := buildServices(ctx, reg, cfg, o)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, o options) (Services, error) {
	var svc Services

	catalog, err := services.NewCatalogLoader(services.CatalogLoaderDeps{
		Catalog:    reg.Catalog(),
		Promotions: reg.Promotions(),
		Attempts:   cfg.Ledger.CatalogReadAttempts,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build catalog loader: %w", err)
	}
	svc.Catalog = catalog

	orderLogger := o.logger.Named("orders")
	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:     reg.Orders(),
		Tenants:    reg.Tenants(),
		Promotions: reg.Promotions(),
		Invoices:   reg.Invoices(),
		Catalog:    catalog,
		Clock:      o.clock,
		Events:     o.events,
		Logger: func(ctx context.Context, event string, fields map[string]any) {
			logger := orderLogger
			if scoped := requestctx.Logger(ctx); scoped != requestctx.NoopLogger() {
				logger = scoped.Named("orders")
			}
			zFields := make([]zap.Field, 0, len(fields)+1)
			zFields = append(zFields, zap.String("event", event))
			for k, v := range fields {
				zFields = append(zFields, zap.Any(k, v))
			}
			logger.Debug("order log", zFields...)
		},
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orders

	if healthRepo := reg.Health(); healthRepo != nil {
		build := o.build
		if build.Environment == "" {
			build.Environment = cfg.Security.Environment
		}
		system, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            o.clock,
			Build:            build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = system
	}

	return svc, nil
}
