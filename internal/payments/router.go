package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/ultramarket/orders-api/internal/domain"
)

// ErrUnsupportedMethod is returned when the router has no provider registered
// for the requested payment method.
var ErrUnsupportedMethod = errors.New("payments: unsupported payment method")

// ChargeRequest captures the payload required to charge an order. PaymentID is
// the provider-scoped idempotency reference: retried or replayed charges with
// the same PaymentID must not collect twice.
type ChargeRequest struct {
	PaymentID   string
	OrderID     string
	OrderNumber string
	Amount      int64
	Currency    string
	Details     map[string]string
}

// ChargeResult normalises gateway outcomes. Success false covers declines,
// gateway rejections, and transport failures alike; Message carries the
// gateway's explanation and Raw the decoded response payload.
type ChargeResult struct {
	Success               bool
	ProviderTransactionID string
	Message               string
	Raw                   map[string]any
}

// RefundRequest asks a provider to return a previously collected amount.
// RefundID is the idempotency reference for the refund leg; the original
// charge is addressed by ProviderTransactionID.
type RefundRequest struct {
	RefundID              string
	OrderID               string
	OrderNumber           string
	Amount                int64
	Currency              string
	ProviderTransactionID string
	Reason                string
}

// RefundResult mirrors ChargeResult for the refund direction.
type RefundResult struct {
	Success          bool
	ProviderRefundID string
	Message          string
	Raw              map[string]any
}

// Provider adapts a single payment gateway. Returned errors are reserved for
// programmer or configuration mistakes; declines and transport failures come
// back as unsuccessful results so callers always see a structured outcome.
type Provider interface {
	Name() string
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}

// Router dispatches charges and refunds to the provider registered for a
// payment method. The provider set is fixed at construction time.
type Router struct {
	providers map[domain.PaymentMethod]Provider
}

// NewRouter constructs a Router over the supplied providers.
func NewRouter(providers map[domain.PaymentMethod]Provider) (*Router, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copied := make(map[domain.PaymentMethod]Provider, len(providers))
	for method, provider := range providers {
		if method == "" || provider == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for method %q", method)
		}
		copied[method] = provider
	}
	return &Router{providers: copied}, nil
}

// Supports reports whether a provider is registered for the method.
func (r *Router) Supports(method domain.PaymentMethod) bool {
	if r == nil {
		return false
	}
	_, ok := r.providers[method]
	return ok
}

// Methods lists the registered payment methods.
func (r *Router) Methods() []domain.PaymentMethod {
	if r == nil {
		return nil
	}
	methods := make([]domain.PaymentMethod, 0, len(r.providers))
	for method := range r.providers {
		methods = append(methods, method)
	}
	return methods
}

func (r *Router) resolve(method domain.PaymentMethod) (Provider, error) {
	if r == nil || len(r.providers) == 0 {
		return nil, errors.New("payments: router is not configured")
	}
	provider, ok := r.providers[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}
	return provider, nil
}

// Charge delegates to the provider registered for the method.
func (r *Router) Charge(ctx context.Context, method domain.PaymentMethod, req ChargeRequest) (ChargeResult, error) {
	provider, err := r.resolve(method)
	if err != nil {
		return ChargeResult{}, err
	}
	return provider.Charge(ctx, req)
}

// Refund delegates to the provider registered for the method.
func (r *Router) Refund(ctx context.Context, method domain.PaymentMethod, req RefundRequest) (RefundResult, error) {
	provider, err := r.resolve(method)
	if err != nil {
		return RefundResult{}, err
	}
	return provider.Refund(ctx, req)
}
