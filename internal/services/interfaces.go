package services

import (
	"context"
	"time"

	domain "github.com/ultramarket/orders-api/internal/domain"
	"github.com/ultramarket/orders-api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Order              = domain.Order
	OrderTotals        = domain.OrderTotals
	OrderItem          = domain.OrderItem
	OrderHistoryEntry  = domain.OrderHistoryEntry
	OrderStatus        = domain.OrderStatus
	PaymentStatus      = domain.PaymentStatus
	PaymentMethod      = domain.PaymentMethod
	Payment            = domain.Payment
	Coupon             = domain.Coupon
	Address            = domain.Address
	PricingInput       = domain.PricingInput
	PricingItem        = domain.PricingItem
	PricingBreakdown   = domain.PricingBreakdown
	SystemHealthReport = domain.SystemHealthReport
	AuditLogEntry      = domain.AuditLogEntry
)

// OrderService encapsulates the order lifecycle: creation with stock
// reservation, reads, status transitions, cancellation with compensation, and
// payment settlement.
type OrderService interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	Get(ctx context.Context, orderID string, opts OrderReadOptions) (Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	ProcessPayment(ctx context.Context, cmd ProcessPaymentCommand) (PaymentResult, error)
}

// SystemService aggregates utility endpoints (health checks, audit logs, counters).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
	ListAuditLogs(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error)
	NextCounterValue(ctx context.Context, cmd CounterCommand) (int64, error)
}

// AuditLogService centralizes immutable audit log persistence and retrieval.
type AuditLogService interface {
	Record(ctx context.Context, record AuditLogRecord)
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error)
}

// CounterService manages named sequences and the business numbers derived from them.
type CounterService interface {
	Next(ctx context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error)
	NextOrderNumber(ctx context.Context) (string, error)
	NextInvoiceNumber(ctx context.Context) (string, error)
}

// CounterGenerationOptions controls how counter values are incremented and formatted.
type CounterGenerationOptions struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
	Prefix       string
	Suffix       string
	PadLength    int
	Formatter    func(now time.Time, value int64) string
}

// CounterValue reports the raw and formatted outcome of one counter increment.
type CounterValue struct {
	Value     int64
	Formatted string
}

// Command and DTO definitions ------------------------------------------------

// OrderReadOptions and OrderListFilter mirror the repository contracts; the
// service validates and forwards them unchanged.
type (
	OrderReadOptions = repositories.OrderReadOptions
	OrderListFilter  = repositories.OrderListFilter
)

// OrderItemInput is one requested order line. UnitPrice and WeightGrams are
// per unit in the smallest currency unit and grams respectively.
type OrderItemInput struct {
	ProductID   string
	SKU         string
	Name        string
	Quantity    int
	UnitPrice   int64
	WeightGrams int64
}

// CreateOrderCommand packages the inputs for placing a new order.
type CreateOrderCommand struct {
	UserID          string
	Items           []OrderItemInput
	CouponCode      string
	PaymentMethod   PaymentMethod
	ShippingAddress Address
	BillingAddress  *Address
	Locale          string
	Notes           string
	Actor           string
}

// UpdateOrderStatusCommand requests one lifecycle transition. ExpectedVersion,
// when set, turns the update into a compare-and-swap.
type UpdateOrderStatusCommand struct {
	OrderID         string
	Status          OrderStatus
	TrackingNumber  string
	Notes           string
	Actor           string
	ExpectedVersion *int64
}

// CancelOrderCommand cancels an order that has not shipped yet.
type CancelOrderCommand struct {
	OrderID         string
	Reason          string
	Actor           string
	ExpectedVersion *int64
}

// ProcessPaymentCommand charges an order through the routed gateway. Details
// carries provider-specific fields such as card tokens.
type ProcessPaymentCommand struct {
	OrderID string
	Method  PaymentMethod
	Details map[string]string
	Actor   string
}

// PaymentResult reports the outcome of a charge attempt. Declines come back
// with Success false and a gateway message rather than an error.
type PaymentResult struct {
	Order   Order
	Payment Payment
	Success bool
	Message string
}

// AuditLogRecord defines the payload accepted by the audit writer service.
type AuditLogRecord struct {
	Actor                 string
	ActorType             string
	Action                string
	TargetRef             string
	Severity              string
	RequestID             string
	OccurredAt            time.Time
	Metadata              map[string]any
	Diff                  map[string]AuditLogDiff
	SensitiveMetadataKeys []string
	SensitiveDiffKeys     []string
	IPAddress             string
	UserAgent             string
}

// AuditLogDiff captures before/after values for tracked fields.
type AuditLogDiff struct {
	Before any
	After  any
}

type AuditLogFilter struct {
	TargetRef  string
	Actor      string
	ActorType  string
	Action     string
	DateRange  domain.RangeQuery[time.Time]
	Pagination Pagination
}

type CounterCommand struct {
	CounterID string
	Step      int64
}
