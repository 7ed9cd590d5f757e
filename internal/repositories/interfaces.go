package repositories

import (
	"context"
	"time"

	domain "github.com/ultramarket/orders-api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Coupons() CouponRepository
	Counters() CounterRepository
	AuditLogs() AuditLogRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderRepository owns the order aggregate: the order document with its
// embedded items plus the history and payments subcollections. Every mutation
// runs in a single Firestore transaction so status, version, history, and
// payment records never diverge.
type OrderRepository interface {
	// Insert persists a new order together with its first history entry.
	Insert(ctx context.Context, req InsertOrderRequest) (domain.Order, error)
	// FindByID loads one order, optionally hydrating payments and history.
	FindByID(ctx context.Context, orderID string, opts OrderReadOptions) (domain.Order, error)
	// List returns a cursor page of orders matching the filter, newest first.
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	// UpdateStatus transitions the order, appends the history entry with the
	// next sequence number, and applies the optional side fields atomically.
	UpdateStatus(ctx context.Context, req UpdateOrderStatusRequest) (domain.Order, error)
	// AppendPayment creates a payment record after re-checking the order's
	// settlement state inside the transaction.
	AppendPayment(ctx context.Context, req AppendPaymentRequest) (domain.Payment, error)
	// CompletePayment settles a pending payment record and rolls the order's
	// payment status (and optionally its lifecycle status) forward.
	CompletePayment(ctx context.Context, req CompletePaymentRequest) (domain.Order, error)
}

// CouponRepository resolves discount coupons by their upper-cased code.
type CouponRepository interface {
	FindByCode(ctx context.Context, code string) (domain.Coupon, error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// AuditLogRepository persists immutable audit trail entries.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AuditLogEntry) error
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Request/filter DTOs shared across repositories ------------------------------

// InsertOrderRequest carries a fully-populated order and its initial history
// entry. The repository assigns the entry sequence number.
type InsertOrderRequest struct {
	Order   domain.Order
	History domain.OrderHistoryEntry
}

// OrderReadOptions toggles hydration of the order subcollections.
type OrderReadOptions struct {
	IncludePayments bool
	IncludeHistory  bool
}

// OrderListFilter narrows order listings by owner, status, and creation window.
type OrderListFilter struct {
	UserID     string
	Status     []domain.OrderStatus
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// UpdateOrderStatusRequest describes one atomic lifecycle transition.
// ExpectedVersion, when set, turns the update into a compare-and-swap against
// the order version; a mismatch fails with OrderErrorVersionConflict. The
// repository re-validates the transition against the freshly-read status, so
// a stale caller can never bypass the lifecycle table.
type UpdateOrderStatusRequest struct {
	OrderID         string
	ExpectedVersion *int64
	Status          domain.OrderStatus
	PaymentStatus   *domain.PaymentStatus
	TrackingNumber  *string
	CancelReason    *string
	History         domain.OrderHistoryEntry
	RefundPayment   *domain.Payment
	Now             time.Time
}

// AppendPaymentRequest creates a payment record under the order. With
// RequireNoInFlight set the transaction fails when another record is still
// processing; FailWhenPaymentStatus rejects orders whose settlement state
// already reached one of the listed values.
type AppendPaymentRequest struct {
	OrderID               string
	Payment               domain.Payment
	OrderPaymentStatus    domain.PaymentStatus
	RequireNoInFlight     bool
	FailWhenPaymentStatus []domain.PaymentStatus
	Now                   time.Time
}

// CompletePaymentRequest settles the payment record identified by PaymentID
// and moves the order's payment status to OrderPaymentStatus. When Transition
// is set the order additionally moves to the new lifecycle status with the
// supplied history entry, all in the same transaction.
type CompletePaymentRequest struct {
	OrderID               string
	PaymentID             string
	Status                domain.PaymentStatus
	ProviderTransactionID string
	ProviderResponse      map[string]any
	OrderPaymentStatus    domain.PaymentStatus
	Transition            *OrderStatusTransition
	Now                   time.Time
}

// OrderStatusTransition couples a target lifecycle status with its history entry.
type OrderStatusTransition struct {
	Status  domain.OrderStatus
	History domain.OrderHistoryEntry
}

// AuditLogFilter narrows audit listings for operator tooling.
type AuditLogFilter struct {
	TargetRef  string
	Actor      string
	ActorType  string
	Action     string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
