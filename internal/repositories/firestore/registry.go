package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/ultramarket/orders-api/internal/platform/firestore"
	"github.com/ultramarket/orders-api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the
// repositories.Registry contract and owns the provider's lifecycle.
type Registry struct {
	provider  *pfirestore.Provider
	orders    *OrderRepository
	coupons   *CouponRepository
	counters  *CounterRepository
	auditLogs *AuditLogRepository
	health    repositories.HealthRepository
}

// NewRegistry constructs the full repository set on one Firestore provider.
// The health repository is supplied by the caller so its probe set can cover
// non-Firestore dependencies too.
func NewRegistry(provider *pfirestore.Provider, health repositories.HealthRepository) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	coupons, err := NewCouponRepository(provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, err
	}
	auditLogs, err := NewAuditLogRepository(provider)
	if err != nil {
		return nil, err
	}
	return &Registry{
		provider:  provider,
		orders:    orders,
		coupons:   coupons,
		counters:  counters,
		auditLogs: auditLogs,
		health:    health,
	}, nil
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

// Orders returns the order repository.
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

// Coupons returns the coupon repository.
func (r *Registry) Coupons() repositories.CouponRepository { return r.coupons }

// Counters returns the counter repository.
func (r *Registry) Counters() repositories.CounterRepository { return r.counters }

// AuditLogs returns the audit log repository.
func (r *Registry) AuditLogs() repositories.AuditLogRepository { return r.auditLogs }

// Health returns the dependency health repository.
func (r *Registry) Health() repositories.HealthRepository { return r.health }
