package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ultramarket/orders-api/internal/platform/config"
	"github.com/ultramarket/orders-api/internal/repositories"
	"github.com/ultramarket/orders-api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Orders   services.OrderService
	Counters services.CounterService
	System   services.SystemService
	Audit    services.AuditLogService
}

// ContainerDeps carries the collaborators that live outside the repository
// registry: upstream HTTP clients, the payment gateway router, the event
// publisher, and per-service loggers. Everything here is optional except the
// pieces the order service itself validates.
type ContainerDeps struct {
	Inventory     services.InventoryClient
	Carts         services.CartClient
	Payments      services.PaymentGateway
	Events        services.OrderEventPublisher
	Build         services.BuildInfo
	AuditLogger   services.AuditLogger
	PricingLogger func(ctx context.Context, event string, fields map[string]any)
	OrderLogger   func(ctx context.Context, event string, fields map[string]any)
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring provides real
// implementations, while tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, deps ContainerDeps) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(ctx, reg, cfg, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(ctx context.Context, reg repositories.Registry, cfg config.Config, deps ContainerDeps) (Services, error) {
	var svc Services
	if reg == nil {
		return svc, nil
	}

	if auditRepo := reg.AuditLogs(); auditRepo != nil {
		auditSvc, err := services.NewAuditLogService(services.AuditLogServiceDeps{
			Repository: auditRepo,
			Clock:      time.Now,
			Logger:     deps.AuditLogger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build audit log service: %w", err)
		}
		svc.Audit = auditSvc
	}

	var pricing *services.PricingCalculator
	if couponsRepo := reg.Coupons(); couponsRepo != nil {
		discounts, err := services.NewCouponDiscountResolver(services.CouponDiscountResolverDeps{
			Coupons: couponsRepo,
			Clock:   time.Now,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build coupon resolver: %w", err)
		}
		pricing, err = services.NewPricingCalculator(services.PricingCalculatorDeps{
			Rates: services.PricingRates{
				Currency:              cfg.Pricing.Currency,
				TaxRateBasisPoints:    cfg.Pricing.TaxRateBasisPoints,
				FreeShippingThreshold: cfg.Pricing.FreeShippingThreshold,
				BaseShippingFee:       cfg.Pricing.BaseShippingFee,
				PerKgShippingFee:      cfg.Pricing.PerKgShippingFee,
			},
			Discounts: discounts,
			Logger:    deps.PricingLogger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build pricing calculator: %w", err)
		}
	}

	counterRepo := reg.Counters()
	if counterRepo != nil {
		counterSvc, err := services.NewCounterService(services.CounterServiceDeps{
			Repository: counterRepo,
			Clock:      time.Now,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build counter service: %w", err)
		}
		svc.Counters = counterSvc
	}

	if healthRepo := reg.Health(); healthRepo != nil {
		build := deps.Build
		if build.Environment == "" {
			build.Environment = cfg.Security.Environment
		}
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            time.Now,
			Build:            build,
			Audit:            svc.Audit,
			Counters:         svc.Counters,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	if ordersRepo := reg.Orders(); ordersRepo != nil && counterRepo != nil && pricing != nil {
		orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
			Orders:    ordersRepo,
			Counters:  counterRepo,
			Pricing:   pricing,
			Inventory: deps.Inventory,
			Carts:     deps.Carts,
			Payments:  deps.Payments,
			Events:    deps.Events,
			Clock:     time.Now,
			Logger:    deps.OrderLogger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build order service: %w", err)
		}
		svc.Orders = orderSvc
	}

	return svc, nil
}
