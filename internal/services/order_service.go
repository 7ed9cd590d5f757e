package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"golang.org/x/text/language"

	domain "github.com/ultramarket/orders-api/internal/domain"
	"github.com/ultramarket/orders-api/internal/inventory"
	"github.com/ultramarket/orders-api/internal/payments"
	"github.com/ultramarket/orders-api/internal/platform/textutil"
	"github.com/ultramarket/orders-api/internal/repositories"
)

// Published event names. Consumers key off these, so they are part of the
// service contract.
const (
	OrderEventCreated          = "order.created"
	OrderEventStatusChanged    = "order.status_changed"
	OrderEventCancelled        = "order.cancelled"
	OrderEventPaymentCompleted = "payment.completed"
	OrderEventRefundRequested  = "payment.refund_requested"
)

const (
	orderIDPrefix    = "ord_"
	paymentIDPrefix  = "pay_"
	historyIDPrefix  = "evt_"
	trackingIDPrefix = "trk_"

	systemActor      = "system"
	maxNoteLength    = 500
	defaultCountry   = "UZ"
	ordersCounterKey = "orders"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderConflict indicates optimistic concurrency conflicts or duplicates; retryable.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderInvalidTransition indicates the lifecycle table forbids the requested move.
	ErrOrderInvalidTransition = errors.New("order: invalid status transition")
	// ErrInsufficientStock indicates the inventory service could not reserve every line.
	ErrInsufficientStock = errors.New("order: insufficient stock")
	// ErrPaymentAlreadyCompleted indicates the order settlement already completed.
	ErrPaymentAlreadyCompleted = errors.New("order: payment already completed")
	// ErrPaymentInFlight indicates another charge is still processing for the order.
	ErrPaymentInFlight = errors.New("order: payment in flight")
	// ErrUnsupportedPaymentMethod indicates no provider is registered for the requested method.
	ErrUnsupportedPaymentMethod = errors.New("order: unsupported payment method")
	// ErrExternalService indicates a dependency outside this service failed.
	ErrExternalService = errors.New("order: external service failure")
)

// StockShortageError lists the products the inventory service could not
// reserve. It matches ErrInsufficientStock in errors.Is chains.
type StockShortageError struct {
	ProductIDs []string
}

func (e *StockShortageError) Error() string {
	return fmt.Sprintf("order: insufficient stock for %s", strings.Join(e.ProductIDs, ", "))
}

// Is reports a match against ErrInsufficientStock.
func (e *StockShortageError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// StatusTransitionError reports an attempted move the lifecycle table forbids.
// It matches ErrOrderInvalidTransition in errors.Is chains.
type StatusTransitionError struct {
	Current   domain.OrderStatus
	Requested domain.OrderStatus
}

func (e *StatusTransitionError) Error() string {
	return fmt.Sprintf("order: invalid status transition %s to %s", e.Current, e.Requested)
}

// Is reports a match against ErrOrderInvalidTransition.
func (e *StatusTransitionError) Is(target error) bool {
	return target == ErrOrderInvalidTransition
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, message OrderEventMessage) (string, error)
}

// OrderEventMessage is the payload delivered to notification workers via Pub/Sub.
type OrderEventMessage struct {
	Event         string    `json:"event"`
	OrderID       string    `json:"orderId"`
	OrderNumber   string    `json:"orderNumber"`
	UserID        string    `json:"userId"`
	Status        string    `json:"status"`
	PaymentStatus string    `json:"paymentStatus"`
	Total         int64     `json:"total"`
	Currency      string    `json:"currency"`
	Locale        string    `json:"locale,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// PaymentGateway routes charges and refunds to the provider registered for a
// payment method.
type PaymentGateway interface {
	Supports(method domain.PaymentMethod) bool
	Charge(ctx context.Context, method domain.PaymentMethod, req payments.ChargeRequest) (payments.ChargeResult, error)
	Refund(ctx context.Context, method domain.PaymentMethod, req payments.RefundRequest) (payments.RefundResult, error)
}

// InventoryClient reserves and releases stock with the inventory service.
type InventoryClient interface {
	CheckAndReserve(ctx context.Context, orderID string, lines []inventory.Line) (inventory.ReserveResult, error)
	Release(ctx context.Context, orderID string, lines []inventory.Line) error
}

// CartClient clears a user's cart after successful checkout.
type CartClient interface {
	Clear(ctx context.Context, userID string) error
}

// supportedLocales drives locale fallback matching; the first entry is the default.
var supportedLocales = []language.Tag{
	language.Make("uz"),
	language.Russian,
	language.English,
}

var localeMatcher = language.NewMatcher(supportedLocales)

// noteSanitizer strips all markup from user-supplied free text.
var noteSanitizer = bluemonday.StrictPolicy()

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Counters    repositories.CounterRepository
	Pricing     *PricingCalculator
	Inventory   InventoryClient
	Carts       CartClient
	Payments    PaymentGateway
	Events      OrderEventPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders    repositories.OrderRepository
	counters  repositories.CounterRepository
	pricing   *PricingCalculator
	inventory InventoryClient
	carts     CartClient
	payments  PaymentGateway
	events    OrderEventPublisher
	clock     func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
// Carts and Events are optional; their absence disables the corresponding
// best-effort side effects.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
	}
	if deps.Pricing == nil {
		return nil, errors.New("order service: pricing calculator is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("order service: inventory client is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("order service: payment gateway is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:    deps.Orders,
		counters:  deps.Counters,
		pricing:   deps.Pricing,
		inventory: deps.Inventory,
		carts:     deps.Carts,
		payments:  deps.Payments,
		events:    deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// Create prices the requested items, reserves stock as one all-or-nothing
// batch, and persists the order with its first history entry. A persist
// failure releases the reservation before returning. Cart clearing and the
// order.created event run best-effort after the commit.
func (s *orderService) Create(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	if len(cmd.Items) == 0 {
		return Order{}, fmt.Errorf("%w: at least one item is required", ErrOrderInvalidInput)
	}
	if cmd.PaymentMethod != "" && !cmd.PaymentMethod.IsValid() {
		return Order{}, fmt.Errorf("%w: unknown payment method %q", ErrOrderInvalidInput, cmd.PaymentMethod)
	}
	if strings.TrimSpace(cmd.ShippingAddress.Line1) == "" || strings.TrimSpace(cmd.ShippingAddress.City) == "" {
		return Order{}, fmt.Errorf("%w: shipping address requires line1 and city", ErrOrderInvalidInput)
	}

	items := make([]domain.OrderItem, 0, len(cmd.Items))
	pricingItems := make([]domain.PricingItem, 0, len(cmd.Items))
	var totalWeight int64
	for _, item := range cmd.Items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" {
			return Order{}, fmt.Errorf("%w: item product id is required", ErrOrderInvalidInput)
		}
		if item.Quantity <= 0 {
			return Order{}, fmt.Errorf("%w: item %s quantity must be positive", ErrOrderInvalidInput, productID)
		}
		if item.UnitPrice < 0 {
			return Order{}, fmt.Errorf("%w: item %s unit price cannot be negative", ErrOrderInvalidInput, productID)
		}
		if item.WeightGrams < 0 {
			return Order{}, fmt.Errorf("%w: item %s weight cannot be negative", ErrOrderInvalidInput, productID)
		}

		items = append(items, domain.OrderItem{
			ProductID:   productID,
			SKU:         strings.TrimSpace(item.SKU),
			Name:        strings.TrimSpace(item.Name),
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			WeightGrams: item.WeightGrams,
			LineTotal:   item.UnitPrice * int64(item.Quantity),
		})
		pricingItems = append(pricingItems, domain.PricingItem{
			ProductID: productID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
		totalWeight += item.WeightGrams * int64(item.Quantity)
	}

	couponCode := strings.ToUpper(strings.TrimSpace(cmd.CouponCode))
	breakdown, err := s.pricing.Calculate(ctx, domain.PricingInput{
		Items:       pricingItems,
		WeightGrams: totalWeight,
		CouponCode:  couponCode,
	})
	if err != nil {
		if errors.Is(err, ErrPricingInvalidInput) {
			return Order{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		}
		return Order{}, err
	}

	now := s.now()
	actor := resolveActor(cmd.Actor, "user:"+userID)

	number, err := s.generateOrderNumber(ctx, now)
	if err != nil {
		return Order{}, err
	}

	order := domain.Order{
		ID:            s.nextOrderID(),
		OrderNumber:   number,
		UserID:        userID,
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusPending,
		PaymentMethod: cmd.PaymentMethod,
		Currency:      breakdown.Currency,
		Totals: domain.OrderTotals{
			Subtotal: breakdown.Subtotal,
			Discount: breakdown.Discount,
			Tax:      breakdown.Tax,
			Shipping: breakdown.Shipping,
			Total:    breakdown.Total,
		},
		Items:           items,
		ShippingAddress: normalizeAddress(&cmd.ShippingAddress),
		BillingAddress:  normalizeAddress(cmd.BillingAddress),
		Locale:          normalizeLocale(cmd.Locale),
		Notes:           sanitizeFreeText(cmd.Notes),
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if couponCode != "" {
		order.CouponCode = optionalString(couponCode)
	}

	lines := reservationLines(order.Items)
	reservation, err := s.inventory.CheckAndReserve(ctx, order.ID, lines)
	if err != nil {
		return Order{}, fmt.Errorf("%w: inventory reserve: %w", ErrExternalService, err)
	}
	if !reservation.AllReserved {
		return Order{}, &StockShortageError{ProductIDs: reservation.Shortages}
	}

	inserted, err := s.orders.Insert(ctx, repositories.InsertOrderRequest{
		Order: order,
		History: domain.OrderHistoryEntry{
			ID:        s.nextHistoryID(),
			OrderID:   order.ID,
			ToStatus:  domain.OrderStatusPending,
			Actor:     actor,
			CreatedAt: now,
		},
	})
	if err != nil {
		s.releaseReservation(ctx, order.ID, lines, "order persist failed")
		return Order{}, s.mapRepositoryError(err)
	}

	if s.carts != nil {
		if err := s.carts.Clear(ctx, userID); err != nil {
			s.logger(ctx, "order.cart.clear.failed", map[string]any{
				"orderId": inserted.ID,
				"userId":  userID,
				"error":   err.Error(),
			})
		}
	}
	s.publishEvent(ctx, OrderEventCreated, inserted, now)

	return inserted, nil
}

// Get loads one order, optionally hydrating payments and history.
func (s *orderService) Get(ctx context.Context, orderID string, opts OrderReadOptions) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID, opts)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

// List returns a cursor page of orders matching the filter.
func (s *orderService) List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	filter.UserID = strings.TrimSpace(filter.UserID)
	for _, status := range filter.Status {
		if !status.IsValid() {
			return domain.CursorPage[Order]{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, status)
		}
	}

	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// UpdateStatus applies one lifecycle transition under optimistic concurrency.
// A shipped transition stamps a tracking number, generating one when the
// caller did not supply it. Cancellation is delegated to Cancel so stock
// release and refund bookkeeping hold regardless of entry point.
func (s *orderService) UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target := cmd.Status
	if !target.IsValid() {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, target)
	}

	if target == domain.OrderStatusCancelled {
		return s.Cancel(ctx, CancelOrderCommand{
			OrderID:         orderID,
			Reason:          cmd.Notes,
			Actor:           cmd.Actor,
			ExpectedVersion: cmd.ExpectedVersion,
		})
	}
	if target == domain.OrderStatusRefunded {
		return s.refundDelivered(ctx, cmd)
	}

	now := s.now()
	actor := resolveActor(cmd.Actor, systemActor)

	req := repositories.UpdateOrderStatusRequest{
		OrderID:         orderID,
		ExpectedVersion: cmd.ExpectedVersion,
		Status:          target,
		History: domain.OrderHistoryEntry{
			ID:        s.nextHistoryID(),
			OrderID:   orderID,
			ToStatus:  target,
			Actor:     actor,
			Notes:     sanitizeFreeText(cmd.Notes),
			CreatedAt: now,
		},
		Now: now,
	}
	if target == domain.OrderStatusShipped {
		tracking := strings.TrimSpace(cmd.TrackingNumber)
		if tracking == "" {
			tracking = s.nextTrackingNumber()
		}
		req.TrackingNumber = optionalString(tracking)
	}

	updated, err := s.orders.UpdateStatus(ctx, req)
	if err != nil {
		return Order{}, s.mapTransitionError(err, target)
	}

	s.publishEvent(ctx, OrderEventStatusChanged, updated, now)
	return updated, nil
}

// Cancel transitions the order to cancelled, releases its reservation, and,
// when a completed payment exists, records the refund in the same
// transaction. The provider refund call is dispatched after the commit.
func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID, repositories.OrderReadOptions{IncludePayments: true})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if !order.Status.IsCancellable() {
		return Order{}, &StatusTransitionError{Current: order.Status, Requested: domain.OrderStatusCancelled}
	}

	now := s.now()
	actor := resolveActor(cmd.Actor, systemActor)
	reason := sanitizeFreeText(cmd.Reason)

	req := repositories.UpdateOrderStatusRequest{
		OrderID:         orderID,
		ExpectedVersion: cmd.ExpectedVersion,
		Status:          domain.OrderStatusCancelled,
		CancelReason:    optionalString(reason),
		History: domain.OrderHistoryEntry{
			ID:        s.nextHistoryID(),
			OrderID:   orderID,
			ToStatus:  domain.OrderStatusCancelled,
			Actor:     actor,
			Notes:     reason,
			CreatedAt: now,
		},
		Now: now,
	}

	settled := completedPayment(order)
	var refund *domain.Payment
	if settled != nil {
		refund = s.buildRefundRecord(*settled, reason, now)
		req.RefundPayment = refund
		status := domain.PaymentStatusRefunded
		req.PaymentStatus = &status
	}

	updated, err := s.orders.UpdateStatus(ctx, req)
	if err != nil {
		return Order{}, s.mapTransitionError(err, domain.OrderStatusCancelled)
	}

	// The cancel commit stands even when release fails; the leak marker feeds
	// the reconciliation job.
	if err := s.inventory.Release(ctx, orderID, reservationLines(order.Items)); err != nil {
		s.logger(ctx, "order.release.failed", map[string]any{
			"orderId":  orderID,
			"marker":   "stock_leak",
			"severity": "critical",
			"error":    err.Error(),
		})
	}

	if settled != nil && refund != nil {
		s.dispatchRefund(ctx, updated, *settled, *refund, reason)
		s.publishEvent(ctx, OrderEventRefundRequested, updated, now)
	}
	s.publishEvent(ctx, OrderEventCancelled, updated, now)

	return updated, nil
}

// ProcessPayment charges the order through the routed provider. The
// processing payment record is created first and doubles as the provider
// idempotency key, so retries can never collect twice.
func (s *orderService) ProcessPayment(ctx context.Context, cmd ProcessPaymentCommand) (PaymentResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return PaymentResult{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	method := cmd.Method
	if !method.IsValid() {
		return PaymentResult{}, fmt.Errorf("%w: %q", ErrUnsupportedPaymentMethod, method)
	}
	if !s.payments.Supports(method) {
		return PaymentResult{}, fmt.Errorf("%w: %s has no configured provider", ErrUnsupportedPaymentMethod, method)
	}

	order, err := s.orders.FindByID(ctx, orderID, repositories.OrderReadOptions{})
	if err != nil {
		return PaymentResult{}, s.mapRepositoryError(err)
	}
	if order.Status == domain.OrderStatusCancelled || order.Status == domain.OrderStatusRefunded {
		return PaymentResult{}, fmt.Errorf("%w: order is %s", ErrOrderConflict, order.Status)
	}
	switch order.PaymentStatus {
	case domain.PaymentStatusCompleted:
		return PaymentResult{}, fmt.Errorf("%w: order %s", ErrPaymentAlreadyCompleted, orderID)
	case domain.PaymentStatusProcessing:
		return PaymentResult{}, fmt.Errorf("%w: order %s", ErrPaymentInFlight, orderID)
	}

	now := s.now()
	actor := resolveActor(cmd.Actor, "user:"+order.UserID)

	payment := domain.Payment{
		ID:        s.nextPaymentID(),
		OrderID:   orderID,
		Method:    method,
		Amount:    order.Totals.Total,
		Currency:  order.Currency,
		Status:    domain.PaymentStatusProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// The transaction re-checks settlement state, so a racing charge loses
	// here rather than at the gateway.
	if _, err := s.orders.AppendPayment(ctx, repositories.AppendPaymentRequest{
		OrderID:               orderID,
		Payment:               payment,
		OrderPaymentStatus:    domain.PaymentStatusProcessing,
		RequireNoInFlight:     true,
		FailWhenPaymentStatus: []domain.PaymentStatus{domain.PaymentStatusCompleted},
		Now:                   now,
	}); err != nil {
		return PaymentResult{}, s.mapRepositoryError(err)
	}

	result, err := s.payments.Charge(ctx, method, payments.ChargeRequest{
		PaymentID:   payment.ID,
		OrderID:     orderID,
		OrderNumber: order.OrderNumber,
		Amount:      payment.Amount,
		Currency:    payment.Currency,
		Details:     textutil.NormalizeStringMap(cmd.Details),
	})
	if err != nil {
		if settleErr := s.settlePayment(ctx, order, payment, domain.PaymentStatusFailed, "", nil, now); settleErr != nil {
			s.logger(ctx, "order.settlement.persist.failed", map[string]any{
				"orderId":   orderID,
				"paymentId": payment.ID,
				"severity":  "critical",
				"error":     settleErr.Error(),
			})
		}
		if errors.Is(err, payments.ErrUnsupportedMethod) {
			return PaymentResult{}, fmt.Errorf("%w: %v", ErrUnsupportedPaymentMethod, err)
		}
		return PaymentResult{}, fmt.Errorf("%w: charge: %w", ErrExternalService, err)
	}

	status := domain.PaymentStatusFailed
	if result.Success {
		status = domain.PaymentStatusCompleted
	}

	settled, err := s.completeSettlement(ctx, order, payment, status, result, actor, now)
	if err != nil {
		s.logger(ctx, "order.settlement.persist.failed", map[string]any{
			"orderId":   orderID,
			"paymentId": payment.ID,
			"charged":   result.Success,
			"severity":  "critical",
			"error":     err.Error(),
		})
		return PaymentResult{}, s.mapRepositoryError(err)
	}

	payment.Status = status
	payment.ProviderTransactionID = result.ProviderTransactionID
	payment.ProviderResponse = result.Raw
	payment.UpdatedAt = now

	if result.Success {
		s.publishEvent(ctx, OrderEventPaymentCompleted, settled, now)
	}

	return PaymentResult{
		Order:   settled,
		Payment: payment,
		Success: result.Success,
		Message: result.Message,
	}, nil
}

// refundDelivered handles the delivered to refunded transition, mirroring the
// cancel path's payment bookkeeping without touching inventory.
func (s *orderService) refundDelivered(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)

	order, err := s.orders.FindByID(ctx, orderID, repositories.OrderReadOptions{IncludePayments: true})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	now := s.now()
	actor := resolveActor(cmd.Actor, systemActor)
	reason := sanitizeFreeText(cmd.Notes)

	req := repositories.UpdateOrderStatusRequest{
		OrderID:         orderID,
		ExpectedVersion: cmd.ExpectedVersion,
		Status:          domain.OrderStatusRefunded,
		History: domain.OrderHistoryEntry{
			ID:        s.nextHistoryID(),
			OrderID:   orderID,
			ToStatus:  domain.OrderStatusRefunded,
			Actor:     actor,
			Notes:     reason,
			CreatedAt: now,
		},
		Now: now,
	}

	settled := completedPayment(order)
	var refund *domain.Payment
	if settled != nil {
		refund = s.buildRefundRecord(*settled, reason, now)
		req.RefundPayment = refund
		status := domain.PaymentStatusRefunded
		req.PaymentStatus = &status
	}

	updated, err := s.orders.UpdateStatus(ctx, req)
	if err != nil {
		return Order{}, s.mapTransitionError(err, domain.OrderStatusRefunded)
	}

	if settled != nil && refund != nil {
		s.dispatchRefund(ctx, updated, *settled, *refund, reason)
		s.publishEvent(ctx, OrderEventRefundRequested, updated, now)
	}
	s.publishEvent(ctx, OrderEventStatusChanged, updated, now)

	return updated, nil
}

// settlePayment closes a payment record without a gateway result, used when
// the charge could not be attempted.
func (s *orderService) settlePayment(ctx context.Context, order Order, payment domain.Payment, status domain.PaymentStatus, providerTxID string, raw map[string]any, now time.Time) error {
	_, err := s.orders.CompletePayment(ctx, repositories.CompletePaymentRequest{
		OrderID:               order.ID,
		PaymentID:             payment.ID,
		Status:                status,
		ProviderTransactionID: providerTxID,
		ProviderResponse:      raw,
		OrderPaymentStatus:    status,
		Now:                   now,
	})
	return err
}

// completeSettlement persists the charge outcome. A successful charge on a
// pending order also moves it to confirmed; the repository skips the
// transition when the order moved while the charge was in flight.
func (s *orderService) completeSettlement(ctx context.Context, order Order, payment domain.Payment, status domain.PaymentStatus, result payments.ChargeResult, actor string, now time.Time) (Order, error) {
	req := repositories.CompletePaymentRequest{
		OrderID:               order.ID,
		PaymentID:             payment.ID,
		Status:                status,
		ProviderTransactionID: result.ProviderTransactionID,
		ProviderResponse:      result.Raw,
		OrderPaymentStatus:    status,
		Now:                   now,
	}
	if status == domain.PaymentStatusCompleted && order.Status == domain.OrderStatusPending {
		req.Transition = &repositories.OrderStatusTransition{
			Status: domain.OrderStatusConfirmed,
			History: domain.OrderHistoryEntry{
				ID:        s.nextHistoryID(),
				OrderID:   order.ID,
				ToStatus:  domain.OrderStatusConfirmed,
				Actor:     actor,
				Notes:     "payment completed",
				CreatedAt: now,
			},
		}
	}
	return s.orders.CompletePayment(ctx, req)
}

// dispatchRefund asks the provider to return the collected amount. The refund
// record is already committed, so failures only log; the refund_requested
// event carries the reconciliation signal.
func (s *orderService) dispatchRefund(ctx context.Context, order Order, settled domain.Payment, refund domain.Payment, reason string) {
	result, err := s.payments.Refund(ctx, settled.Method, payments.RefundRequest{
		RefundID:              refund.ID,
		OrderID:               order.ID,
		OrderNumber:           order.OrderNumber,
		Amount:                settled.Amount,
		Currency:              settled.Currency,
		ProviderTransactionID: settled.ProviderTransactionID,
		Reason:                reason,
	})
	if err != nil {
		s.logger(ctx, "order.refund.dispatch.failed", map[string]any{
			"orderId":  order.ID,
			"refundId": refund.ID,
			"method":   string(settled.Method),
			"error":    err.Error(),
		})
		return
	}
	if !result.Success {
		s.logger(ctx, "order.refund.rejected", map[string]any{
			"orderId":  order.ID,
			"refundId": refund.ID,
			"method":   string(settled.Method),
			"message":  result.Message,
		})
	}
}

func (s *orderService) buildRefundRecord(settled domain.Payment, reason string, now time.Time) *domain.Payment {
	refund := domain.Payment{
		ID:       s.nextPaymentID(),
		OrderID:  settled.OrderID,
		Method:   settled.Method,
		Amount:   -settled.Amount,
		Currency: settled.Currency,
		Status:   domain.PaymentStatusRefunded,
		// The original charge stays addressable through the provider reference.
		ProviderTransactionID: settled.ProviderTransactionID,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if reason != "" {
		refund.ProviderResponse = map[string]any{"reason": reason}
	}
	return &refund
}

// releaseReservation compensates a failed persist by returning the reserved
// lines. A failed release leaks stock, hence the critical marker.
func (s *orderService) releaseReservation(ctx context.Context, orderID string, lines []inventory.Line, cause string) {
	if err := s.inventory.Release(ctx, orderID, lines); err != nil {
		s.logger(ctx, "order.compensation.failed", map[string]any{
			"orderId":  orderID,
			"cause":    cause,
			"marker":   "stock_leak",
			"severity": "critical",
			"error":    err.Error(),
		})
	}
}

func (s *orderService) publishEvent(ctx context.Context, event string, order Order, occurredAt time.Time) {
	if s.events == nil {
		return
	}
	_, err := s.events.PublishOrderEvent(ctx, OrderEventMessage{
		Event:         event,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		Total:         order.Totals.Total,
		Currency:      order.Currency,
		Locale:        order.Locale,
		OccurredAt:    occurredAt,
	})
	if err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"event":   event,
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
}

// mapTransitionError upgrades repository transition failures to the typed
// error carrying both sides of the rejected move.
func (s *orderService) mapTransitionError(err error, requested domain.OrderStatus) error {
	var orderErr *repositories.OrderError
	if errors.As(err, &orderErr) && orderErr.Code == repositories.OrderErrorInvalidTransition {
		return &StatusTransitionError{
			Current:   domain.OrderStatus(orderErr.CurrentStatus),
			Requested: requested,
		}
	}
	return s.mapRepositoryError(err)
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var orderErr *repositories.OrderError
	if errors.As(err, &orderErr) {
		switch orderErr.Code {
		case repositories.OrderErrorInvalidInput:
			return fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		case repositories.OrderErrorVersionConflict:
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repositories.OrderErrorInvalidTransition:
			return fmt.Errorf("%w: %v", ErrOrderInvalidTransition, err)
		case repositories.OrderErrorPaymentCompleted:
			return fmt.Errorf("%w: %v", ErrPaymentAlreadyCompleted, err)
		case repositories.OrderErrorPaymentInFlight:
			return fmt.Errorf("%w: %v", ErrPaymentInFlight, err)
		case repositories.OrderErrorPaymentNotFound:
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		}
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

// generateOrderNumber draws from the per-year order sequence so numbers
// restart at one each January.
func (s *orderService) generateOrderNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, fmt.Sprintf("%s:%d", ordersCounterKey, now.Year()), 1)
	if err != nil {
		return "", fmt.Errorf("generate order number: %w", err)
	}
	return fmt.Sprintf("UM-%04d-%06d", now.Year(), seq), nil
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextOrderID() string {
	return orderIDPrefix + s.newID()
}

func (s *orderService) nextPaymentID() string {
	return paymentIDPrefix + s.newID()
}

func (s *orderService) nextHistoryID() string {
	return historyIDPrefix + s.newID()
}

func (s *orderService) nextTrackingNumber() string {
	return trackingIDPrefix + s.newID()
}

func completedPayment(order Order) *domain.Payment {
	for i := range order.Payments {
		if order.Payments[i].Status == domain.PaymentStatusCompleted && order.Payments[i].Amount > 0 {
			return &order.Payments[i]
		}
	}
	return nil
}

func reservationLines(items []domain.OrderItem) []inventory.Line {
	lines := make([]inventory.Line, 0, len(items))
	for _, item := range items {
		lines = append(lines, inventory.Line{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
		})
	}
	return lines
}

func normalizeAddress(addr *domain.Address) *domain.Address {
	if addr == nil {
		return nil
	}
	cloned := *addr
	cloned.Recipient = strings.TrimSpace(cloned.Recipient)
	cloned.Line1 = strings.TrimSpace(cloned.Line1)
	cloned.City = strings.TrimSpace(cloned.City)
	cloned.PostalCode = strings.TrimSpace(cloned.PostalCode)
	cloned.Country = strings.ToUpper(strings.TrimSpace(cloned.Country))
	if cloned.Country == "" {
		cloned.Country = defaultCountry
	}
	return &cloned
}

// normalizeLocale matches the requested locale against the supported set,
// falling back to the default for unknown or empty tags.
func normalizeLocale(requested string) string {
	trimmed := strings.TrimSpace(requested)
	if trimmed == "" {
		return supportedLocales[0].String()
	}
	tag, err := language.Parse(trimmed)
	if err != nil {
		return supportedLocales[0].String()
	}
	_, index, _ := localeMatcher.Match(tag)
	return supportedLocales[index].String()
}

// sanitizeFreeText strips markup from user-supplied text and caps its length.
// The sanitizer escapes entities for HTML contexts; the text is stored plain,
// so entities are unescaped again after stripping.
func sanitizeFreeText(input string) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return ""
	}
	cleaned := strings.TrimSpace(html.UnescapeString(noteSanitizer.Sanitize(trimmed)))
	runes := []rune(cleaned)
	if len(runes) > maxNoteLength {
		cleaned = string(runes[:maxNoteLength])
	}
	return cleaned
}

func resolveActor(actor string, fallback string) string {
	if trimmed := strings.TrimSpace(actor); trimmed != "" {
		return trimmed
	}
	return fallback
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	ref := v
	return &ref
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsNotFound()
	}
	return false
}
