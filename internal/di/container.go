package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hanko-field/storefront/internal/payments"
	"github.com/hanko-field/storefront/internal/platform/config"
	"github.com/hanko-field/storefront/internal/platform/observability"
	"github.com/hanko-field/storefront/internal/repositories"
	"github.com/hanko-field/storefront/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Cart     services.CartService
	Coupons  services.CouponService
	Checkout services.CheckoutService
	Orders   services.OrderService
	System   services.SystemService
}

// Dependencies are the infrastructure clients built by the entrypoint.
type Dependencies struct {
	Repositories repositories.Registry
	Health       repositories.HealthRepository
	Gateways     *payments.Registry
	Events       services.OrderEventPublisher
	Mailer       services.OrderMailer
	Metrics      services.CheckoutMetrics
	Build        services.BuildInfo
	Logger       *zap.Logger
	Clock        func() time.Time
	// Closers run in reverse order on Close, e.g. the Kafka producer or the Pub/Sub client.
	Closers []func() error
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services

	closers []func() error
}

// NewContainer constructs the runtime dependencies. Production wiring provides Postgres-backed
// repositories, while tests can supply in-memory registries.
func NewContainer(_ context.Context, cfg config.Config, deps Dependencies) (*Container, error) {
	if deps.Repositories == nil {
		return nil, errors.New("repositories registry is required")
	}
	if deps.Gateways == nil {
		return nil, errors.New("at least one payment gateway is required")
	}

	svc, err := buildServices(cfg, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: deps.Repositories,
		Services:     svc,
		closers:      append([]func() error(nil), deps.Closers...),
	}, nil
}

// Close releases resources such as message producers and clients registered as closers.
func (c *Container) Close(context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if c.closers[i] == nil {
			continue
		}
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func buildServices(cfg config.Config, deps Dependencies) (Services, error) {
	var svc Services
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cartSvc, err := services.NewCartService(services.CartServiceDeps{
		Repositories: deps.Repositories,
		TaxRate:      cfg.Checkout.TaxRate,
		Clock:        clock,
		Logger:       observability.EventLogger(logger.Named("cart")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build cart service: %w", err)
	}
	svc.Cart = cartSvc

	couponSvc, err := services.NewCouponService(services.CouponServiceDeps{
		Repositories: deps.Repositories,
		Carts:        cartSvc,
		TaxRate:      cfg.Checkout.TaxRate,
		Clock:        clock,
		Logger:       observability.EventLogger(logger.Named("coupon")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build coupon service: %w", err)
	}
	svc.Coupons = couponSvc

	checkoutSvc, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Repositories: deps.Repositories,
		Carts:        cartSvc,
		Coupons:      couponSvc,
		Gateways:     deps.Gateways,
		Events:       deps.Events,
		Mailer:       deps.Mailer,
		Metrics:      deps.Metrics,
		TaxRate:      cfg.Checkout.TaxRate,
		Currency:     cfg.Checkout.Currency,
		Clock:        clock,
		Logger:       observability.EventLogger(logger.Named("checkout")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}
	svc.Checkout = checkoutSvc

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders: deps.Repositories.Orders(),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	if deps.Health != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: deps.Health,
			Gateways:         deps.Gateways.Names(),
			Critical:         []string{"postgres"},
			Clock:            clock,
			Build:            deps.Build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
