package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/ultramarket/orders-api/internal/domain"
	pfirestore "github.com/ultramarket/orders-api/internal/platform/firestore"
	"github.com/ultramarket/orders-api/internal/platform/pagination"
	"github.com/ultramarket/orders-api/internal/repositories"
)

const (
	ordersCollection      = "orders"
	historySubcollection  = "history"
	paymentsSubcollection = "payments"

	orderListDefaultPageSize = 20
	orderListMaxPageSize     = 100
)

// OrderRepository implements repositories.OrderRepository on Firestore. The
// order document embeds items, totals, and addresses; history and payments
// live in subcollections under the order. All mutations run in a single
// transaction so status, version, history seq, and payment records move
// together.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	orders := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil)
	return &OrderRepository{provider: provider, orders: orders}, nil
}

// Insert persists a new order with its first history entry.
func (r *OrderRepository) Insert(ctx context.Context, req repositories.InsertOrderRequest) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	order := req.Order
	if strings.TrimSpace(order.ID) == "" {
		return domain.Order{}, repositories.NewOrderError(repositories.OrderErrorInvalidInput, "order insert: id is required", nil)
	}
	if strings.TrimSpace(order.UserID) == "" {
		return domain.Order{}, repositories.NewOrderError(repositories.OrderErrorInvalidInput, "order insert: user id is required", nil)
	}
	if order.Version <= 0 {
		order.Version = 1
	}

	entry := req.History
	entry.OrderID = order.ID
	entry.Seq = 1
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = order.CreatedAt
	}

	doc := newOrderDocument(order)
	doc.HistorySeq = 1

	var stored domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, order.ID)
		if err != nil {
			return err
		}
		if err := tx.Create(orderRef, doc); err != nil {
			return err
		}
		historyRef := orderRef.Collection(historySubcollection).Doc(entry.ID)
		if err := tx.Create(historyRef, newOrderHistoryDocument(entry)); err != nil {
			return err
		}
		stored = doc.toDomain(order.ID)
		return nil
	})
	if err != nil {
		return domain.Order{}, wrapOrderError("order.insert", err)
	}
	return stored, nil
}

// FindByID loads one order, optionally hydrating payments and history.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string, opts repositories.OrderReadOptions) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, repositories.NewOrderError(repositories.OrderErrorInvalidInput, "order find: id is required", nil)
	}

	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, wrapOrderError("order.findById", err)
	}
	order := doc.Data.toDomain(doc.ID)

	if opts.IncludeHistory {
		history, err := r.loadHistory(ctx, orderID)
		if err != nil {
			return domain.Order{}, wrapOrderError("order.findById", err)
		}
		order.History = history
	}
	if opts.IncludePayments {
		payments, err := r.loadPayments(ctx, orderID)
		if err != nil {
			return domain.Order{}, wrapOrderError("order.findById", err)
		}
		order.Payments = payments
	}
	return order, nil
}

// List returns a page of orders matching the filter, newest first.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = orderListDefaultPageSize
	}
	if pageSize > orderListMaxPageSize {
		pageSize = orderListMaxPageSize
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, wrapOrderError("order.list", err)
	}

	query := client.Collection(ordersCollection).Query
	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		query = query.Where("userId", "==", userID)
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, 0, len(filter.Status))
		for _, st := range filter.Status {
			statuses = append(statuses, string(st))
		}
		query = query.Where("status", "in", statuses)
	}
	if filter.DateRange.From != nil {
		query = query.Where("createdAt", ">=", filter.DateRange.From.UTC())
	}
	if filter.DateRange.To != nil {
		query = query.Where("createdAt", "<=", filter.DateRange.To.UTC())
	}
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		createdAt, docID, err := decodeOrderPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, repositories.NewOrderError(repositories.OrderErrorInvalidInput, "order list: invalid page token", err)
		}
		query = query.StartAfter(createdAt, docID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("order.list", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		orders = append(orders, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(orders) > pageSize
	if hasMore {
		orders = orders[:pageSize]
	}
	var nextToken string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		encoded, err := encodeOrderPageToken(last.CreatedAt, last.ID)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("order.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Order]{Items: orders, NextPageToken: nextToken}, nil
}

// UpdateStatus applies one lifecycle transition atomically. The transition is
// re-validated against the freshly-read status inside the transaction, so a
// caller holding a stale order can never push it through an illegal edge.
func (r *OrderRepository) UpdateStatus(ctx context.Context, req repositories.UpdateOrderStatusRequest) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return domain.Order{}, repositories.NewOrderError(repositories.OrderErrorInvalidInput, "order update: id is required", nil)
	}
	if !req.Status.IsValid() {
		return domain.Order{}, repositories.NewOrderError(repositories.OrderErrorInvalidInput, fmt.Sprintf("order update: unknown status %q", req.Status), nil)
	}
	if strings.TrimSpace(req.History.ID) == "" {
		return domain.Order{}, repositories.NewOrderError(repositories.OrderErrorInvalidInput, "order update: history entry id is required", nil)
	}
	now := req.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var updated domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(orderRef)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}

		if req.ExpectedVersion != nil && doc.Version != *req.ExpectedVersion {
			return repositories.NewOrderError(repositories.OrderErrorVersionConflict,
				fmt.Sprintf("order %s version %d does not match expected %d", orderID, doc.Version, *req.ExpectedVersion), nil)
		}

		current := domain.OrderStatus(doc.Status)
		if !current.CanTransitionTo(req.Status) {
			orderErr := repositories.NewOrderError(repositories.OrderErrorInvalidTransition,
				fmt.Sprintf("order %s cannot move from %s to %s", orderID, current, req.Status), nil)
			orderErr.CurrentStatus = doc.Status
			return orderErr
		}

		doc.Status = string(req.Status)
		if req.PaymentStatus != nil {
			doc.PaymentStatus = string(*req.PaymentStatus)
		}
		if req.TrackingNumber != nil {
			doc.TrackingNumber = strings.TrimSpace(*req.TrackingNumber)
		}
		if req.CancelReason != nil {
			doc.CancelReason = strings.TrimSpace(*req.CancelReason)
		}
		doc.applyStatusTimestamp(req.Status, now)
		doc.Version++
		doc.HistorySeq++
		doc.UpdatedAt = now

		entry := req.History
		entry.OrderID = orderID
		entry.FromStatus = current
		entry.ToStatus = req.Status
		entry.Seq = doc.HistorySeq
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}

		if err := tx.Set(orderRef, doc); err != nil {
			return err
		}
		historyRef := orderRef.Collection(historySubcollection).Doc(entry.ID)
		if err := tx.Create(historyRef, newOrderHistoryDocument(entry)); err != nil {
			return err
		}

		if req.RefundPayment != nil {
			refund := *req.RefundPayment
			if strings.TrimSpace(refund.ID) == "" {
				return repositories.NewOrderError(repositories.OrderErrorInvalidInput, "order update: refund payment id is required", nil)
			}
			refund.OrderID = orderID
			paymentRef := orderRef.Collection(paymentsSubcollection).Doc(refund.ID)
			if err := tx.Create(paymentRef, newOrderPaymentDocument(refund)); err != nil {
				return err
			}
		}

		updated = doc.toDomain(orderID)
		return nil
	})
	if err != nil {
		return domain.Order{}, wrapOrderError("order.updateStatus", err)
	}
	return updated, nil
}

// AppendPayment creates a payment record after re-checking the order's
// settlement state inside the transaction.
func (r *OrderRepository) AppendPayment(ctx context.Context, req repositories.AppendPaymentRequest) (domain.Payment, error) {
	if r == nil || r.provider == nil {
		return domain.Payment{}, errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return domain.Payment{}, repositories.NewOrderError(repositories.OrderErrorInvalidInput, "append payment: order id is required", nil)
	}
	payment := req.Payment
	if strings.TrimSpace(payment.ID) == "" {
		return domain.Payment{}, repositories.NewOrderError(repositories.OrderErrorInvalidInput, "append payment: payment id is required", nil)
	}
	now := req.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}
	payment.OrderID = orderID
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = now
	}
	payment.UpdatedAt = now

	var stored domain.Payment
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(orderRef)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}

		settlement := domain.PaymentStatus(doc.PaymentStatus)
		for _, blocked := range req.FailWhenPaymentStatus {
			if settlement != blocked {
				continue
			}
			return settlementBlockedError(orderID, settlement)
		}
		if req.RequireNoInFlight && settlement == domain.PaymentStatusProcessing {
			return settlementBlockedError(orderID, settlement)
		}

		paymentRef := orderRef.Collection(paymentsSubcollection).Doc(payment.ID)
		if err := tx.Create(paymentRef, newOrderPaymentDocument(payment)); err != nil {
			return err
		}

		if req.OrderPaymentStatus != "" {
			doc.PaymentStatus = string(req.OrderPaymentStatus)
		}
		if payment.Method != "" {
			doc.PaymentMethod = string(payment.Method)
		}
		doc.Version++
		doc.UpdatedAt = now
		if err := tx.Set(orderRef, doc); err != nil {
			return err
		}

		stored = payment
		return nil
	})
	if err != nil {
		return domain.Payment{}, wrapOrderError("order.appendPayment", err)
	}
	return stored, nil
}

// CompletePayment settles a payment record and rolls the order's settlement
// state (and optionally its lifecycle status) forward in one transaction.
func (r *OrderRepository) CompletePayment(ctx context.Context, req repositories.CompletePaymentRequest) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return domain.Order{}, repositories.NewOrderError(repositories.OrderErrorInvalidInput, "complete payment: order id is required", nil)
	}
	paymentID := strings.TrimSpace(req.PaymentID)
	if paymentID == "" {
		return domain.Order{}, repositories.NewOrderError(repositories.OrderErrorInvalidInput, "complete payment: payment id is required", nil)
	}
	now := req.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var updated domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(orderRef)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}

		paymentRef := orderRef.Collection(paymentsSubcollection).Doc(paymentID)
		paymentSnap, err := tx.Get(paymentRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return repositories.NewOrderError(repositories.OrderErrorPaymentNotFound,
					fmt.Sprintf("payment %s not found on order %s", paymentID, orderID), err)
			}
			return err
		}
		var paymentDoc orderPaymentDocument
		if err := paymentSnap.DataTo(&paymentDoc); err != nil {
			return fmt.Errorf("decode payment %s: %w", paymentID, err)
		}

		paymentDoc.Status = string(req.Status)
		if trimmed := strings.TrimSpace(req.ProviderTransactionID); trimmed != "" {
			paymentDoc.ProviderTransactionID = trimmed
		}
		if req.ProviderResponse != nil {
			paymentDoc.ProviderResponse = req.ProviderResponse
		}
		paymentDoc.UpdatedAt = now
		if err := tx.Set(paymentRef, paymentDoc); err != nil {
			return err
		}

		if req.OrderPaymentStatus != "" {
			doc.PaymentStatus = string(req.OrderPaymentStatus)
		}

		// The lifecycle transition is best-effort: if the order moved while
		// the charge was in flight (operator cancel, for instance) the
		// settlement still records, and the caller sees the untouched status.
		if req.Transition != nil {
			current := domain.OrderStatus(doc.Status)
			if current.CanTransitionTo(req.Transition.Status) {
				doc.Status = string(req.Transition.Status)
				doc.applyStatusTimestamp(req.Transition.Status, now)
				doc.HistorySeq++

				entry := req.Transition.History
				entry.OrderID = orderID
				entry.FromStatus = current
				entry.ToStatus = req.Transition.Status
				entry.Seq = doc.HistorySeq
				if entry.CreatedAt.IsZero() {
					entry.CreatedAt = now
				}
				if strings.TrimSpace(entry.ID) == "" {
					return repositories.NewOrderError(repositories.OrderErrorInvalidInput, "complete payment: history entry id is required", nil)
				}
				historyRef := orderRef.Collection(historySubcollection).Doc(entry.ID)
				if err := tx.Create(historyRef, newOrderHistoryDocument(entry)); err != nil {
					return err
				}
			}
		}

		doc.Version++
		doc.UpdatedAt = now
		if err := tx.Set(orderRef, doc); err != nil {
			return err
		}

		updated = doc.toDomain(orderID)
		return nil
	})
	if err != nil {
		return domain.Order{}, wrapOrderError("order.completePayment", err)
	}
	return updated, nil
}

func (r *OrderRepository) loadHistory(ctx context.Context, orderID string) ([]domain.OrderHistoryEntry, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	iter := client.Collection(ordersCollection).Doc(orderID).
		Collection(historySubcollection).OrderBy("seq", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var entries []domain.OrderHistoryEntry
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		var doc orderHistoryDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode history %s: %w", snap.Ref.ID, err)
		}
		entries = append(entries, doc.toDomain(snap.Ref.ID))
	}
	return entries, nil
}

func (r *OrderRepository) loadPayments(ctx context.Context, orderID string) ([]domain.Payment, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	iter := client.Collection(ordersCollection).Doc(orderID).
		Collection(paymentsSubcollection).OrderBy("createdAt", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var payments []domain.Payment
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		var doc orderPaymentDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode payment %s: %w", snap.Ref.ID, err)
		}
		payments = append(payments, doc.toDomain(snap.Ref.ID))
	}
	return payments, nil
}

func settlementBlockedError(orderID string, settlement domain.PaymentStatus) *repositories.OrderError {
	code := repositories.OrderErrorUnknown
	switch settlement {
	case domain.PaymentStatusCompleted:
		code = repositories.OrderErrorPaymentCompleted
	case domain.PaymentStatusProcessing:
		code = repositories.OrderErrorPaymentInFlight
	}
	return repositories.NewOrderError(code,
		fmt.Sprintf("order %s settlement is %s", orderID, settlement), nil)
}

// Helper structures ---------------------------------------------------------

type orderDocument struct {
	OrderNumber     string               `firestore:"orderNumber"`
	UserID          string               `firestore:"userId"`
	Status          string               `firestore:"status"`
	PaymentStatus   string               `firestore:"paymentStatus"`
	PaymentMethod   string               `firestore:"paymentMethod"`
	Currency        string               `firestore:"currency"`
	Subtotal        int64                `firestore:"subtotal"`
	Discount        int64                `firestore:"discount"`
	Tax             int64                `firestore:"tax"`
	Shipping        int64                `firestore:"shipping"`
	Total           int64                `firestore:"total"`
	CouponCode      string               `firestore:"couponCode,omitempty"`
	Items           []orderItemDocument  `firestore:"items"`
	ShippingAddress *orderAddressDoc     `firestore:"shippingAddress,omitempty"`
	BillingAddress  *orderAddressDoc     `firestore:"billingAddress,omitempty"`
	TrackingNumber  string               `firestore:"trackingNumber,omitempty"`
	Locale          string               `firestore:"locale,omitempty"`
	Notes           string               `firestore:"notes,omitempty"`
	CancelReason    string               `firestore:"cancelReason,omitempty"`
	Version         int64                `firestore:"version"`
	HistorySeq      int64                `firestore:"historySeq"`
	CreatedAt       time.Time            `firestore:"createdAt"`
	UpdatedAt       time.Time            `firestore:"updatedAt"`
	ConfirmedAt     *time.Time           `firestore:"confirmedAt,omitempty"`
	ShippedAt       *time.Time           `firestore:"shippedAt,omitempty"`
	DeliveredAt     *time.Time           `firestore:"deliveredAt,omitempty"`
	CancelledAt     *time.Time           `firestore:"cancelledAt,omitempty"`
}

func (d *orderDocument) applyStatusTimestamp(to domain.OrderStatus, now time.Time) {
	switch to {
	case domain.OrderStatusConfirmed:
		d.ConfirmedAt = &now
	case domain.OrderStatusShipped:
		d.ShippedAt = &now
	case domain.OrderStatusDelivered:
		d.DeliveredAt = &now
	case domain.OrderStatusCancelled:
		d.CancelledAt = &now
	}
}

type orderItemDocument struct {
	ProductID   string `firestore:"productId"`
	SKU         string `firestore:"sku"`
	Name        string `firestore:"name"`
	Quantity    int    `firestore:"qty"`
	UnitPrice   int64  `firestore:"unitPrice"`
	WeightGrams int64  `firestore:"weightGrams"`
	LineTotal   int64  `firestore:"lineTotal"`
}

type orderAddressDoc struct {
	Recipient  string `firestore:"recipient"`
	Line1      string `firestore:"line1"`
	Line2      string `firestore:"line2,omitempty"`
	City       string `firestore:"city"`
	State      string `firestore:"state,omitempty"`
	PostalCode string `firestore:"postalCode"`
	Country    string `firestore:"country"`
	Phone      string `firestore:"phone,omitempty"`
}

type orderHistoryDocument struct {
	OrderID    string    `firestore:"orderId"`
	FromStatus string    `firestore:"fromStatus,omitempty"`
	ToStatus   string    `firestore:"toStatus"`
	Actor      string    `firestore:"actor,omitempty"`
	Notes      string    `firestore:"notes,omitempty"`
	Seq        int64     `firestore:"seq"`
	CreatedAt  time.Time `firestore:"createdAt"`
}

type orderPaymentDocument struct {
	OrderID               string         `firestore:"orderId"`
	Method                string         `firestore:"method"`
	Amount                int64          `firestore:"amount"`
	Currency              string         `firestore:"currency"`
	Status                string         `firestore:"status"`
	ProviderTransactionID string         `firestore:"providerTransactionId,omitempty"`
	ProviderResponse      map[string]any `firestore:"providerResponse,omitempty"`
	CreatedAt             time.Time      `firestore:"createdAt"`
	UpdatedAt             time.Time      `firestore:"updatedAt"`
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, len(order.Items))
	for i, item := range order.Items {
		items[i] = orderItemDocument{
			ProductID:   strings.TrimSpace(item.ProductID),
			SKU:         strings.TrimSpace(item.SKU),
			Name:        strings.TrimSpace(item.Name),
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			WeightGrams: item.WeightGrams,
			LineTotal:   item.LineTotal,
		}
	}
	doc := orderDocument{
		OrderNumber:   strings.TrimSpace(order.OrderNumber),
		UserID:        strings.TrimSpace(order.UserID),
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		PaymentMethod: string(order.PaymentMethod),
		Currency:      strings.TrimSpace(order.Currency),
		Subtotal:      order.Totals.Subtotal,
		Discount:      order.Totals.Discount,
		Tax:           order.Totals.Tax,
		Shipping:      order.Totals.Shipping,
		Total:         order.Totals.Total,
		Items:         items,
		Locale:        strings.TrimSpace(order.Locale),
		Notes:         strings.TrimSpace(order.Notes),
		Version:       order.Version,
		CreatedAt:     order.CreatedAt.UTC(),
		UpdatedAt:     order.UpdatedAt.UTC(),
		ConfirmedAt:   order.ConfirmedAt,
		ShippedAt:     order.ShippedAt,
		DeliveredAt:   order.DeliveredAt,
		CancelledAt:   order.CancelledAt,
	}
	if order.CouponCode != nil {
		doc.CouponCode = strings.TrimSpace(*order.CouponCode)
	}
	if order.TrackingNumber != nil {
		doc.TrackingNumber = strings.TrimSpace(*order.TrackingNumber)
	}
	if order.CancelReason != nil {
		doc.CancelReason = strings.TrimSpace(*order.CancelReason)
	}
	doc.ShippingAddress = newOrderAddressDoc(order.ShippingAddress)
	doc.BillingAddress = newOrderAddressDoc(order.BillingAddress)
	return doc
}

func newOrderAddressDoc(addr *domain.Address) *orderAddressDoc {
	if addr == nil {
		return nil
	}
	doc := &orderAddressDoc{
		Recipient:  strings.TrimSpace(addr.Recipient),
		Line1:      strings.TrimSpace(addr.Line1),
		City:       strings.TrimSpace(addr.City),
		PostalCode: strings.TrimSpace(addr.PostalCode),
		Country:    strings.TrimSpace(addr.Country),
	}
	if addr.Line2 != nil {
		doc.Line2 = strings.TrimSpace(*addr.Line2)
	}
	if addr.State != nil {
		doc.State = strings.TrimSpace(*addr.State)
	}
	if addr.Phone != nil {
		doc.Phone = strings.TrimSpace(*addr.Phone)
	}
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	items := make([]domain.OrderItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.OrderItem{
			ProductID:   item.ProductID,
			SKU:         item.SKU,
			Name:        item.Name,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			WeightGrams: item.WeightGrams,
			LineTotal:   item.LineTotal,
		}
	}
	order := domain.Order{
		ID:            id,
		OrderNumber:   d.OrderNumber,
		UserID:        d.UserID,
		Status:        domain.OrderStatus(d.Status),
		PaymentStatus: domain.PaymentStatus(d.PaymentStatus),
		PaymentMethod: domain.PaymentMethod(d.PaymentMethod),
		Currency:      d.Currency,
		Totals: domain.OrderTotals{
			Subtotal: d.Subtotal,
			Discount: d.Discount,
			Tax:      d.Tax,
			Shipping: d.Shipping,
			Total:    d.Total,
		},
		Items:           items,
		ShippingAddress: d.ShippingAddress.toDomain(),
		BillingAddress:  d.BillingAddress.toDomain(),
		Locale:          d.Locale,
		Notes:           d.Notes,
		Version:         d.Version,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
		ConfirmedAt:     d.ConfirmedAt,
		ShippedAt:       d.ShippedAt,
		DeliveredAt:     d.DeliveredAt,
		CancelledAt:     d.CancelledAt,
	}
	if d.CouponCode != "" {
		code := d.CouponCode
		order.CouponCode = &code
	}
	if d.TrackingNumber != "" {
		tracking := d.TrackingNumber
		order.TrackingNumber = &tracking
	}
	if d.CancelReason != "" {
		reason := d.CancelReason
		order.CancelReason = &reason
	}
	return order
}

func (d *orderAddressDoc) toDomain() *domain.Address {
	if d == nil {
		return nil
	}
	addr := &domain.Address{
		Recipient:  d.Recipient,
		Line1:      d.Line1,
		City:       d.City,
		PostalCode: d.PostalCode,
		Country:    d.Country,
	}
	if d.Line2 != "" {
		line2 := d.Line2
		addr.Line2 = &line2
	}
	if d.State != "" {
		state := d.State
		addr.State = &state
	}
	if d.Phone != "" {
		phone := d.Phone
		addr.Phone = &phone
	}
	return addr
}

func newOrderHistoryDocument(entry domain.OrderHistoryEntry) orderHistoryDocument {
	return orderHistoryDocument{
		OrderID:    strings.TrimSpace(entry.OrderID),
		FromStatus: string(entry.FromStatus),
		ToStatus:   string(entry.ToStatus),
		Actor:      strings.TrimSpace(entry.Actor),
		Notes:      strings.TrimSpace(entry.Notes),
		Seq:        entry.Seq,
		CreatedAt:  entry.CreatedAt.UTC(),
	}
}

func (d orderHistoryDocument) toDomain(id string) domain.OrderHistoryEntry {
	return domain.OrderHistoryEntry{
		ID:         id,
		OrderID:    d.OrderID,
		FromStatus: domain.OrderStatus(d.FromStatus),
		ToStatus:   domain.OrderStatus(d.ToStatus),
		Actor:      d.Actor,
		Notes:      d.Notes,
		Seq:        d.Seq,
		CreatedAt:  d.CreatedAt,
	}
}

func newOrderPaymentDocument(payment domain.Payment) orderPaymentDocument {
	return orderPaymentDocument{
		OrderID:               strings.TrimSpace(payment.OrderID),
		Method:                string(payment.Method),
		Amount:                payment.Amount,
		Currency:              strings.TrimSpace(payment.Currency),
		Status:                string(payment.Status),
		ProviderTransactionID: strings.TrimSpace(payment.ProviderTransactionID),
		ProviderResponse:      payment.ProviderResponse,
		CreatedAt:             payment.CreatedAt.UTC(),
		UpdatedAt:             payment.UpdatedAt.UTC(),
	}
}

func (d orderPaymentDocument) toDomain(id string) domain.Payment {
	return domain.Payment{
		ID:                    id,
		OrderID:               d.OrderID,
		Method:                domain.PaymentMethod(d.Method),
		Amount:                d.Amount,
		Currency:              d.Currency,
		Status:                domain.PaymentStatus(d.Status),
		ProviderTransactionID: d.ProviderTransactionID,
		ProviderResponse:      d.ProviderResponse,
		CreatedAt:             d.CreatedAt,
		UpdatedAt:             d.UpdatedAt,
	}
}

func encodeOrderPageToken(createdAt time.Time, id string) (string, error) {
	return pagination.EncodeToken(pagination.Cursor{
		StartAfter: []any{createdAt.UTC().Format(time.RFC3339Nano), id},
	})
}

func decodeOrderPageToken(token string) (time.Time, string, error) {
	cursor, err := pagination.DecodeToken(token)
	if err != nil {
		return time.Time{}, "", err
	}
	if len(cursor.StartAfter) != 2 {
		return time.Time{}, "", fmt.Errorf("%w: unexpected cursor shape", pagination.ErrInvalidPageToken)
	}
	rawTime, ok := cursor.StartAfter[0].(string)
	if !ok {
		return time.Time{}, "", fmt.Errorf("%w: cursor timestamp", pagination.ErrInvalidPageToken)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, rawTime)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: cursor timestamp: %v", pagination.ErrInvalidPageToken, err)
	}
	docID, ok := cursor.StartAfter[1].(string)
	if !ok {
		return time.Time{}, "", fmt.Errorf("%w: cursor document id", pagination.ErrInvalidPageToken)
	}
	return createdAt, docID, nil
}

func wrapOrderError(op string, err error) error {
	if err == nil {
		return nil
	}
	var orderErr *repositories.OrderError
	if errors.As(err, &orderErr) {
		if orderErr.Op == "" {
			orderErr.Op = op
		}
		return orderErr
	}
	return pfirestore.WrapError(op, err)
}
