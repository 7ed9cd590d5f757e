package domain

import "time"

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order is created and awaits confirmation.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed indicates payment or operator review confirmed the order.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusProcessing indicates the warehouse is assembling the order.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order was handed to the carrier.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the carrier delivered the order.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled before delivery.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRefunded indicates a delivered order was refunded.
	OrderStatusRefunded OrderStatus = "refunded"
)

// orderStatusTransitions is the single authority on legal lifecycle moves.
// Cancelled and refunded are terminal.
var orderStatusTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:  {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered},
	OrderStatusDelivered:  {OrderStatusRefunded},
	OrderStatusCancelled:  {},
	OrderStatusRefunded:   {},
}

// IsValid reports whether the status is one of the known lifecycle states.
func (s OrderStatus) IsValid() bool {
	_, ok := orderStatusTransitions[s]
	return ok
}

// CanTransitionTo reports whether the lifecycle table allows moving to next.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, candidate := range orderStatusTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions exist from the status.
func (s OrderStatus) IsTerminal() bool {
	allowed, ok := orderStatusTransitions[s]
	return ok && len(allowed) == 0
}

// IsCancellable reports whether the order may still be cancelled.
func (s OrderStatus) IsCancellable() bool {
	return s.CanTransitionTo(OrderStatusCancelled)
}

// PaymentStatus enumerates settlement states shared by orders and payment records.
type PaymentStatus string

const (
	// PaymentStatusPending indicates no charge has been attempted yet.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusProcessing indicates a charge is in flight with a provider.
	PaymentStatusProcessing PaymentStatus = "processing"
	// PaymentStatusCompleted indicates the provider confirmed the charge.
	PaymentStatusCompleted PaymentStatus = "completed"
	// PaymentStatusFailed indicates the most recent charge attempt failed.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusRefunded indicates the collected amount was returned.
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// PaymentMethod identifies the instrument used to settle an order.
type PaymentMethod string

const (
	// PaymentMethodClick routes charges through the Click gateway.
	PaymentMethodClick PaymentMethod = "CLICK"
	// PaymentMethodPayme routes charges through the Payme gateway.
	PaymentMethodPayme PaymentMethod = "PAYME"
	// PaymentMethodUzcard routes charges through the Uzcard gateway.
	PaymentMethodUzcard PaymentMethod = "UZCARD"
	// PaymentMethodCashOnDelivery settles locally when the courier collects cash.
	PaymentMethodCashOnDelivery PaymentMethod = "CASH_ON_DELIVERY"
)

// IsValid reports whether the method is one of the supported instruments.
func (m PaymentMethod) IsValid() bool {
	switch m {
	case PaymentMethodClick, PaymentMethodPayme, PaymentMethodUzcard, PaymentMethodCashOnDelivery:
		return true
	}
	return false
}

// Order captures the order aggregate returned to handlers/services.
type Order struct {
	ID              string
	OrderNumber     string
	UserID          string
	Status          OrderStatus
	PaymentStatus   PaymentStatus
	PaymentMethod   PaymentMethod
	Currency        string
	Totals          OrderTotals
	CouponCode      *string
	Items           []OrderItem
	ShippingAddress *Address
	BillingAddress  *Address
	TrackingNumber  *string
	Locale          string
	Notes           string
	CancelReason    *string
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ConfirmedAt     *time.Time
	ShippedAt       *time.Time
	DeliveredAt     *time.Time
	CancelledAt     *time.Time
	Payments        []Payment
	History         []OrderHistoryEntry
}

// OrderTotals holds rolled-up monetary fields in the smallest currency unit.
type OrderTotals struct {
	Subtotal int64
	Discount int64
	Tax      int64
	Shipping int64
	Total    int64
}

// OrderItem snapshots a purchased product line at the time of checkout.
type OrderItem struct {
	ProductID   string
	SKU         string
	Name        string
	Quantity    int
	UnitPrice   int64
	WeightGrams int64
	LineTotal   int64
}

// OrderHistoryEntry records a single committed status transition.
type OrderHistoryEntry struct {
	ID         string
	OrderID    string
	FromStatus OrderStatus
	ToStatus   OrderStatus
	Actor      string
	Notes      string
	Seq        int64
	CreatedAt  time.Time
}

// Payment records one charge or refund attempt against an order.
// Refunds carry a negative amount.
type Payment struct {
	ID                    string
	OrderID               string
	Method                PaymentMethod
	Amount                int64
	Currency              string
	Status                PaymentStatus
	ProviderTransactionID string
	ProviderResponse      map[string]any
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Coupon describes a fixed or percentage discount redeemable at checkout.
type Coupon struct {
	Code           string
	Amount         int64
	PercentBasisPt int64
	ExpiresAt      *time.Time
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Redeemable reports whether the coupon may discount an order placed at now.
func (c Coupon) Redeemable(now time.Time) bool {
	if !c.Active {
		return false
	}
	if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
		return false
	}
	return true
}

// DiscountFor returns the coupon's discount for the given subtotal, capped so
// the discount never exceeds the subtotal.
func (c Coupon) DiscountFor(subtotal int64) int64 {
	if subtotal <= 0 {
		return 0
	}
	discount := c.Amount
	if c.PercentBasisPt > 0 {
		discount = ApplyBasisPoints(subtotal, c.PercentBasisPt)
	}
	if discount > subtotal {
		return subtotal
	}
	if discount < 0 {
		return 0
	}
	return discount
}
