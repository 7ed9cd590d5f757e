package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	domain "github.com/ultramarket/orders-api/internal/domain"
	"github.com/ultramarket/orders-api/internal/inventory"
	"github.com/ultramarket/orders-api/internal/payments"
	"github.com/ultramarket/orders-api/internal/repositories"
)

type stubOrderRepo struct {
	insertFn          func(context.Context, repositories.InsertOrderRequest) (domain.Order, error)
	findFn            func(context.Context, string, repositories.OrderReadOptions) (domain.Order, error)
	listFn            func(context.Context, repositories.OrderListFilter) (domain.CursorPage[domain.Order], error)
	updateStatusFn    func(context.Context, repositories.UpdateOrderStatusRequest) (domain.Order, error)
	appendPaymentFn   func(context.Context, repositories.AppendPaymentRequest) (domain.Payment, error)
	completePaymentFn func(context.Context, repositories.CompletePaymentRequest) (domain.Order, error)

	inserts     []repositories.InsertOrderRequest
	updates     []repositories.UpdateOrderStatusRequest
	appends     []repositories.AppendPaymentRequest
	completions []repositories.CompletePaymentRequest
}

func (s *stubOrderRepo) Insert(ctx context.Context, req repositories.InsertOrderRequest) (domain.Order, error) {
	s.inserts = append(s.inserts, req)
	if s.insertFn != nil {
		return s.insertFn(ctx, req)
	}
	return req.Order, nil
}

func (s *stubOrderRepo) FindByID(ctx context.Context, orderID string, opts repositories.OrderReadOptions) (domain.Order, error) {
	if s.findFn != nil {
		return s.findFn(ctx, orderID, opts)
	}
	return domain.Order{}, errors.New("find not stubbed")
}

func (s *stubOrderRepo) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[domain.Order]{}, nil
}

func (s *stubOrderRepo) UpdateStatus(ctx context.Context, req repositories.UpdateOrderStatusRequest) (domain.Order, error) {
	s.updates = append(s.updates, req)
	if s.updateStatusFn != nil {
		return s.updateStatusFn(ctx, req)
	}
	updated := domain.Order{ID: req.OrderID, Status: req.Status}
	if req.PaymentStatus != nil {
		updated.PaymentStatus = *req.PaymentStatus
	}
	return updated, nil
}

func (s *stubOrderRepo) AppendPayment(ctx context.Context, req repositories.AppendPaymentRequest) (domain.Payment, error) {
	s.appends = append(s.appends, req)
	if s.appendPaymentFn != nil {
		return s.appendPaymentFn(ctx, req)
	}
	return req.Payment, nil
}

func (s *stubOrderRepo) CompletePayment(ctx context.Context, req repositories.CompletePaymentRequest) (domain.Order, error) {
	s.completions = append(s.completions, req)
	if s.completePaymentFn != nil {
		return s.completePaymentFn(ctx, req)
	}
	updated := domain.Order{ID: req.OrderID, PaymentStatus: req.OrderPaymentStatus}
	if req.Transition != nil {
		updated.Status = req.Transition.Status
	}
	return updated, nil
}

type counterCall struct {
	ID   string
	Step int64
}

type stubCounterRepository struct {
	nextFn      func(context.Context, string, int64) (int64, error)
	configureFn func(context.Context, string, repositories.CounterConfig) error
	nextCalls   []counterCall
}

func (s *stubCounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	s.nextCalls = append(s.nextCalls, counterCall{ID: counterID, Step: step})
	if s.nextFn != nil {
		return s.nextFn(ctx, counterID, step)
	}
	return 1, nil
}

func (s *stubCounterRepository) Configure(ctx context.Context, counterID string, cfg repositories.CounterConfig) error {
	if s.configureFn != nil {
		return s.configureFn(ctx, counterID, cfg)
	}
	return nil
}

type inventoryCall struct {
	OrderID string
	Lines   []inventory.Line
}

type stubInventoryClient struct {
	reserveFn func(context.Context, string, []inventory.Line) (inventory.ReserveResult, error)
	releaseFn func(context.Context, string, []inventory.Line) error
	reserves  []inventoryCall
	releases  []inventoryCall
}

func (s *stubInventoryClient) CheckAndReserve(ctx context.Context, orderID string, lines []inventory.Line) (inventory.ReserveResult, error) {
	s.reserves = append(s.reserves, inventoryCall{OrderID: orderID, Lines: lines})
	if s.reserveFn != nil {
		return s.reserveFn(ctx, orderID, lines)
	}
	return inventory.ReserveResult{AllReserved: true}, nil
}

func (s *stubInventoryClient) Release(ctx context.Context, orderID string, lines []inventory.Line) error {
	s.releases = append(s.releases, inventoryCall{OrderID: orderID, Lines: lines})
	if s.releaseFn != nil {
		return s.releaseFn(ctx, orderID, lines)
	}
	return nil
}

type stubCartClient struct {
	clearFn func(context.Context, string) error
	cleared []string
}

func (s *stubCartClient) Clear(ctx context.Context, userID string) error {
	s.cleared = append(s.cleared, userID)
	if s.clearFn != nil {
		return s.clearFn(ctx, userID)
	}
	return nil
}

type stubPaymentGateway struct {
	supportsFn func(domain.PaymentMethod) bool
	chargeFn   func(context.Context, domain.PaymentMethod, payments.ChargeRequest) (payments.ChargeResult, error)
	refundFn   func(context.Context, domain.PaymentMethod, payments.RefundRequest) (payments.RefundResult, error)
	charges    []payments.ChargeRequest
	refunds    []payments.RefundRequest
}

func (s *stubPaymentGateway) Supports(method domain.PaymentMethod) bool {
	if s.supportsFn != nil {
		return s.supportsFn(method)
	}
	return true
}

func (s *stubPaymentGateway) Charge(ctx context.Context, method domain.PaymentMethod, req payments.ChargeRequest) (payments.ChargeResult, error) {
	s.charges = append(s.charges, req)
	if s.chargeFn != nil {
		return s.chargeFn(ctx, method, req)
	}
	return payments.ChargeResult{Success: true, ProviderTransactionID: "prov-tx-1"}, nil
}

func (s *stubPaymentGateway) Refund(ctx context.Context, method domain.PaymentMethod, req payments.RefundRequest) (payments.RefundResult, error) {
	s.refunds = append(s.refunds, req)
	if s.refundFn != nil {
		return s.refundFn(ctx, method, req)
	}
	return payments.RefundResult{Success: true, ProviderRefundID: "prov-ref-1"}, nil
}

type captureOrderEvents struct {
	publishFn func(context.Context, OrderEventMessage) (string, error)
	events    []OrderEventMessage
}

func (c *captureOrderEvents) PublishOrderEvent(ctx context.Context, message OrderEventMessage) (string, error) {
	c.events = append(c.events, message)
	if c.publishFn != nil {
		return c.publishFn(ctx, message)
	}
	return "msg-1", nil
}

func (c *captureOrderEvents) names() []string {
	names := make([]string, 0, len(c.events))
	for _, event := range c.events {
		names = append(names, event.Event)
	}
	return names
}

type stubRepoError struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e stubRepoError) Error() string       { return "repository error" }
func (e stubRepoError) IsNotFound() bool    { return e.notFound }
func (e stubRepoError) IsConflict() bool    { return e.conflict }
func (e stubRepoError) IsUnavailable() bool { return e.unavailable }

type orderFixture struct {
	repo      *stubOrderRepo
	counters  *stubCounterRepository
	resolver  *stubDiscountResolver
	inventory *stubInventoryClient
	carts     *stubCartClient
	gateway   *stubPaymentGateway
	events    *captureOrderEvents
	logged    []recordedEvent
	now       time.Time
}

func newOrderFixture() *orderFixture {
	f := &orderFixture{
		repo:      &stubOrderRepo{},
		counters:  &stubCounterRepository{},
		resolver:  &stubDiscountResolver{},
		inventory: &stubInventoryClient{},
		carts:     &stubCartClient{},
		gateway:   &stubPaymentGateway{},
		events:    &captureOrderEvents{},
		now:       time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC),
	}
	f.counters.nextFn = func(context.Context, string, int64) (int64, error) {
		return 42, nil
	}
	return f
}

func (f *orderFixture) service(t *testing.T) OrderService {
	t.Helper()
	seq := 0
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:    f.repo,
		Counters:  f.counters,
		Pricing:   newTestPricingCalculator(t, f.resolver, nil),
		Inventory: f.inventory,
		Carts:     f.carts,
		Payments:  f.gateway,
		Events:    f.events,
		Clock: func() time.Time {
			return f.now
		},
		IDGenerator: func() string {
			seq++
			return fmt.Sprintf("TEST%02d", seq)
		},
		Logger: func(_ context.Context, event string, fields map[string]any) {
			f.logged = append(f.logged, recordedEvent{Event: event, Fields: fields})
		},
	})
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}
	return svc
}

func (f *orderFixture) loggedEvent(name string) (recordedEvent, bool) {
	for _, entry := range f.logged {
		if entry.Event == name {
			return entry, true
		}
	}
	return recordedEvent{}, false
}

func validCreateCommand() CreateOrderCommand {
	return CreateOrderCommand{
		UserID: "user-1",
		Items: []OrderItemInput{
			{ProductID: "prod-1", SKU: "SKU-1", Name: "Galaxy A55 case", Quantity: 2, UnitPrice: 100_000, WeightGrams: 400},
		},
		PaymentMethod: domain.PaymentMethodClick,
		ShippingAddress: domain.Address{
			Recipient: "Aziza Karimova",
			Line1:     "12 Amir Temur Avenue",
			City:      "Tashkent",
			Country:   "uz",
		},
	}
}

func TestNewOrderServiceRequiresDependencies(t *testing.T) {
	f := newOrderFixture()
	base := func(t *testing.T) OrderServiceDeps {
		t.Helper()
		return OrderServiceDeps{
			Orders:    f.repo,
			Counters:  f.counters,
			Pricing:   newTestPricingCalculator(t, nil, nil),
			Inventory: f.inventory,
			Payments:  f.gateway,
		}
	}

	if _, err := NewOrderService(base(t)); err != nil {
		t.Fatalf("expected minimal deps to be sufficient, got %v", err)
	}

	cases := map[string]func(*OrderServiceDeps){
		"orders":    func(d *OrderServiceDeps) { d.Orders = nil },
		"counters":  func(d *OrderServiceDeps) { d.Counters = nil },
		"pricing":   func(d *OrderServiceDeps) { d.Pricing = nil },
		"inventory": func(d *OrderServiceDeps) { d.Inventory = nil },
		"payments":  func(d *OrderServiceDeps) { d.Payments = nil },
	}
	for name, clear := range cases {
		deps := base(t)
		clear(&deps)
		if _, err := NewOrderService(deps); err == nil {
			t.Fatalf("expected constructor error without %s", name)
		}
	}
}

func TestOrderServiceCreateStandardOrder(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture()
	svc := f.service(t)

	order, err := svc.Create(ctx, validCreateCommand())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if order.ID != "ord_TEST01" {
		t.Fatalf("unexpected order id %s", order.ID)
	}
	if order.OrderNumber != "UM-2025-000042" {
		t.Fatalf("unexpected order number %s", order.OrderNumber)
	}
	if order.Status != domain.OrderStatusPending {
		t.Fatalf("expected status pending got %s", order.Status)
	}
	if order.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("expected payment status pending got %s", order.PaymentStatus)
	}
	if order.Currency != "UZS" {
		t.Fatalf("unexpected currency %s", order.Currency)
	}
	if order.Version != 1 {
		t.Fatalf("expected version 1 got %d", order.Version)
	}

	want := domain.OrderTotals{Subtotal: 200_000, Discount: 0, Tax: 30_000, Shipping: 20_000, Total: 250_000}
	if order.Totals != want {
		t.Fatalf("unexpected totals %#v", order.Totals)
	}
	if len(order.Items) != 1 || order.Items[0].LineTotal != 200_000 {
		t.Fatalf("unexpected items %#v", order.Items)
	}
	if order.ShippingAddress == nil || order.ShippingAddress.Country != "UZ" {
		t.Fatalf("expected shipping country UZ got %#v", order.ShippingAddress)
	}
	if order.BillingAddress != nil {
		t.Fatalf("expected nil billing address got %#v", order.BillingAddress)
	}

	if len(f.counters.nextCalls) != 1 || f.counters.nextCalls[0].ID != "orders:2025" {
		t.Fatalf("unexpected counter calls %#v", f.counters.nextCalls)
	}

	if len(f.inventory.reserves) != 1 {
		t.Fatalf("expected 1 reservation got %d", len(f.inventory.reserves))
	}
	reserved := f.inventory.reserves[0]
	if reserved.OrderID != "ord_TEST01" {
		t.Fatalf("unexpected reservation order %s", reserved.OrderID)
	}
	if len(reserved.Lines) != 1 || reserved.Lines[0].ProductID != "prod-1" || reserved.Lines[0].Quantity != 2 {
		t.Fatalf("unexpected reservation lines %#v", reserved.Lines)
	}

	if len(f.repo.inserts) != 1 {
		t.Fatalf("expected 1 insert got %d", len(f.repo.inserts))
	}
	history := f.repo.inserts[0].History
	if history.ToStatus != domain.OrderStatusPending {
		t.Fatalf("unexpected history status %s", history.ToStatus)
	}
	if history.Actor != "user:user-1" {
		t.Fatalf("unexpected history actor %s", history.Actor)
	}
	if !strings.HasPrefix(history.ID, "evt_") {
		t.Fatalf("unexpected history id %s", history.ID)
	}

	if len(f.carts.cleared) != 1 || f.carts.cleared[0] != "user-1" {
		t.Fatalf("expected cart cleared for user-1 got %#v", f.carts.cleared)
	}

	if len(f.events.events) != 1 {
		t.Fatalf("expected 1 event got %d", len(f.events.events))
	}
	event := f.events.events[0]
	if event.Event != OrderEventCreated || event.OrderID != "ord_TEST01" || event.Total != 250_000 {
		t.Fatalf("unexpected event %#v", event)
	}
	if event.OccurredAt != f.now {
		t.Fatalf("unexpected event time %s", event.OccurredAt)
	}
}

func TestOrderServiceCreateValidation(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CreateOrderCommand)
	}{
		{"missing user", func(cmd *CreateOrderCommand) { cmd.UserID = "  " }},
		{"no items", func(cmd *CreateOrderCommand) { cmd.Items = nil }},
		{"missing product id", func(cmd *CreateOrderCommand) { cmd.Items[0].ProductID = "" }},
		{"zero quantity", func(cmd *CreateOrderCommand) { cmd.Items[0].Quantity = 0 }},
		{"negative quantity", func(cmd *CreateOrderCommand) { cmd.Items[0].Quantity = -1 }},
		{"negative price", func(cmd *CreateOrderCommand) { cmd.Items[0].UnitPrice = -100 }},
		{"negative weight", func(cmd *CreateOrderCommand) { cmd.Items[0].WeightGrams = -5 }},
		{"unknown method", func(cmd *CreateOrderCommand) { cmd.PaymentMethod = "BITCOIN" }},
		{"missing line1", func(cmd *CreateOrderCommand) { cmd.ShippingAddress.Line1 = " " }},
		{"missing city", func(cmd *CreateOrderCommand) { cmd.ShippingAddress.City = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newOrderFixture()
			svc := f.service(t)

			cmd := validCreateCommand()
			tc.mutate(&cmd)

			if _, err := svc.Create(ctx, cmd); !errors.Is(err, ErrOrderInvalidInput) {
				t.Fatalf("expected invalid input error got %v", err)
			}
			if len(f.inventory.reserves) != 0 {
				t.Fatalf("expected no reservation attempts")
			}
			if len(f.repo.inserts) != 0 {
				t.Fatalf("expected no insert attempts")
			}
		})
	}
}

func TestOrderServiceCreateNormalizesInput(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture()
	svc := f.service(t)

	cmd := validCreateCommand()
	cmd.Locale = "ru-RU"
	cmd.Notes = "Deliver to <b>door</b> & ring <script>alert('x')</script>"
	cmd.CouponCode = "  summer10 "

	order, err := svc.Create(ctx, cmd)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if order.Locale != "ru" {
		t.Fatalf("expected locale ru got %s", order.Locale)
	}
	if order.Notes != "Deliver to door & ring" {
		t.Fatalf("unexpected notes %q", order.Notes)
	}
	if order.CouponCode == nil || *order.CouponCode != "SUMMER10" {
		t.Fatalf("unexpected coupon %#v", order.CouponCode)
	}
	if len(f.resolver.calls) != 1 || f.resolver.calls[0] != "SUMMER10" {
		t.Fatalf("unexpected resolver calls %#v", f.resolver.calls)
	}

	unknown := validCreateCommand()
	unknown.Locale = "de"
	order, err = svc.Create(ctx, unknown)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if order.Locale != "uz" {
		t.Fatalf("expected fallback locale uz got %s", order.Locale)
	}
}

func TestOrderServiceCreateStockShortage(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture()
	f.inventory.reserveFn = func(context.Context, string, []inventory.Line) (inventory.ReserveResult, error) {
		return inventory.ReserveResult{AllReserved: false, Shortages: []string{"prod-1"}}, nil
	}
	svc := f.service(t)

	_, err := svc.Create(ctx, validCreateCommand())
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock got %v", err)
	}

	var shortage *StockShortageError
	if !errors.As(err, &shortage) {
		t.Fatalf("expected StockShortageError got %T", err)
	}
	if len(shortage.ProductIDs) != 1 || shortage.ProductIDs[0] != "prod-1" {
		t.Fatalf("unexpected shortages %#v", shortage.ProductIDs)
	}

	if len(f.repo.inserts) != 0 {
		t.Fatalf("expected no insert after shortage")
	}
	if len(f.inventory.releases) != 0 {
		t.Fatalf("expected no release after failed reservation")
	}
	if len(f.events.events) != 0 {
		t.Fatalf("expected no events after shortage")
	}
}

func TestOrderServiceCreateInventoryFailure(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture()
	f.inventory.reserveFn = func(context.Context, string, []inventory.Line) (inventory.ReserveResult, error) {
		return inventory.ReserveResult{}, errors.New("dial tcp: connection refused")
	}
	svc := f.service(t)

	_, err := svc.Create(ctx, validCreateCommand())
	if !errors.Is(err, ErrExternalService) {
		t.Fatalf("expected external service error got %v", err)
	}
	if len(f.repo.inserts) != 0 {
		t.Fatalf("expected no insert after reservation failure")
	}
}

func TestOrderServiceCreateCounterFailure(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture()
	f.counters.nextFn = func(context.Context, string, int64) (int64, error) {
		return 0, errors.New("counter unavailable")
	}
	svc := f.service(t)

	if _, err := svc.Create(ctx, validCreateCommand()); err == nil {
		t.Fatalf("expected counter failure to surface")
	}
	if len(f.inventory.reserves) != 0 {
		t.Fatalf("expected no reservation before order number is assigned")
	}
}

func TestOrderServiceCreatePersistFailureReleasesStock(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture()
	f.repo.insertFn = func(context.Context, repositories.InsertOrderRequest) (domain.Order, error) {
		return domain.Order{}, stubRepoError{unavailable: true}
	}
	svc := f.service(t)

	if _, err := svc.Create(ctx, validCreateCommand()); err == nil {
		t.Fatalf("expected persist failure to surface")
	}

	if len(f.inventory.releases) != 1 {
		t.Fatalf("expected compensating release got %d", len(f.inventory.releases))
	}
	released := f.inventory.releases[0]
	if released.OrderID != "ord_TEST01" {
		t.Fatalf("unexpected release order %s", released.OrderID)
	}
	if len(released.Lines) != 1 || released.Lines[0].ProductID != "prod-1" || released.Lines[0].Quantity != 2 {
		t.Fatalf("unexpected release lines %#v", released.Lines)
	}

	if len(f.carts.cleared) != 0 {
		t.Fatalf("expected cart untouched after failed persist")
	}
	if len(f.events.events) != 0 {
		t.Fatalf("expected no events after failed persist")
	}
}

func TestOrderServiceCreateCompensationFailureLogged(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture()
	f.repo.insertFn = func(context.Context, repositories.InsertOrderRequest) (domain.Order, error) {
		return domain.Order{}, stubRepoError{unavailable: true}
	}
	f.inventory.releaseFn = func(context.Context, string, []inventory.Line) error {
		return errors.New("release timed out")
	}
	svc := f.service(t)

	if _, err := svc.Create(ctx, validCreateCommand()); err == nil {
		t.Fatalf("expected persist failure to surface")
	}

	entry, ok := f.loggedEvent("order.compensation.failed")
	if !ok {
		t.Fatalf("expected compensation failure log, got %#v", f.logged)
	}
	if entry.Fields["marker"] != "stock_leak" {
		t.Fatalf("expected stock_leak marker got %#v", entry.Fields)
	}
	if entry.Fields["severity"] != "critical" {
		t.Fatalf("expected critical severity got %#v", entry.Fields)
	}
}

func TestOrderServiceCreateCartClearBestEffort(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture()
	f.carts.clearFn = func(context.Context, string) error {
		return errors.New("cart service down")
	}
	svc := f.service(t)

	order, err := svc.Create(ctx, validCreateCommand())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if order.ID == "" {
		t.Fatalf("expected order despite cart failure")
	}

	if _, ok := f.loggedEvent("order.cart.clear.failed"); !ok {
		t.Fatalf("expected cart clear failure log, got %#v", f.logged)
	}
	if len(f.events.events) != 1 || f.events.events[0].Event != OrderEventCreated {
		t.Fatalf("expected created event got %#v", f.events.names())
	}
}

func TestOrderServiceGet(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture()

	var seenOpts repositories.OrderReadOptions
	f.repo.findFn = func(_ context.Context, orderID string, opts repositories.OrderReadOptions) (domain.Order, error) {
		seenOpts = opts
		if orderID != "ord_1" {
			return domain.Order{}, stubRepoError{notFound: true}
		}
		return domain.Order{ID: orderID, Status: domain.OrderStatusPending}, nil
	}
	svc := f.service(t)

	if _, err := svc.Get(ctx, "  ", OrderReadOptions{}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input got %v", err)
	}

	order, err := svc.Get(ctx, "ord_1", OrderReadOptions{IncludePayments: true, IncludeHistory: true})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if order.ID != "ord_1" {
		t.Fatalf("unexpected order %#v", order)
	}
	if !seenOpts.IncludePayments || !seenOpts.IncludeHistory {
		t.Fatalf("expected read options forwarded, got %#v", seenOpts)
	}

	if _, err := svc.Get(ctx, "ord_missing", OrderReadOptions{}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found got %v", err)
	}
}

func TestOrderServiceList(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture()

	var seen repositories.OrderListFilter
	f.repo.listFn = func(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
		seen = filter
		return domain.CursorPage[domain.Order]{Items: []domain.Order{{ID: "ord_1"}, {ID: "ord_2"}}}, nil
	}
	svc := f.service(t)

	if _, err := svc.List(ctx, OrderListFilter{Status: []domain.OrderStatus{"bogus"}}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid status rejection got %v", err)
	}

	page, err := svc.List(ctx, OrderListFilter{
		UserID: "  user-1 ",
		Status: []domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusConfirmed},
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 orders got %d", len(page.Items))
	}
	if seen.UserID != "user-1" {
		t.Fatalf("expected trimmed user filter got %q", seen.UserID)
	}
}

func TestOrderServiceUpdateStatusShippedTracking(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture()
	svc := f.service(t)

	order, err := svc.UpdateStatus(ctx, UpdateOrderStatusCommand{
		OrderID: "ord_1",
		Status:  domain.OrderStatusShipped,
		Actor:   "operator:dilshod",
	})
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if order.Status != domain.OrderStatusShipped {
		t.Fatalf("expected shipped got %s", order.Status)
	}

	if len(f.repo.updates) != 1 {
		t.Fatalf("expected 1 update got %d", len(f.repo.updates))
	}
	req := f.repo.updates[0]
	if req.TrackingNumber == nil || !strings.HasPrefix(*req.TrackingNumber, "trk_") {
		t.Fatalf("expected generated tracking number got %#v", req.TrackingNumber)
	}
	if req.History.ToStatus != domain.OrderStatusShipped || req.History.Actor != "operator:dilshod" {
		t.Fatalf("unexpected history %#v", req.History)
	}

	if len(f.events.events) != 1 || f.events.events[0].Event != OrderEventStatusChanged {
		t.Fatalf("expected status change event got %#v", f.events.names())
	}

	if _, err := svc.UpdateStatus(ctx, UpdateOrderStatusCommand{
		OrderID:        "ord_1",
		Status:         domain.OrderStatusShipped,
		TrackingNumber: "UZPOST-1234567",
	}); err != nil {
		t.Fatalf("update status: %v", err)
	}
	req = f.repo.updates[1]
	if req.TrackingNumber == nil || *req.TrackingNumber != "UZPOST-1234567" {
		t.Fatalf("expected supplied tracking number got %#v", req.TrackingNumber)
	}
}

func TestOrderServiceUpdateStatusRejectsInvalidTransition(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture()
	f.repo.updateStatusFn = func(context.Context, repositories.UpdateOrderStatusRequest) (domain.Order, error) {
		orderErr := repositories.NewOrderError(repositories.OrderErrorInvalidTransition, "status delivered does not allow processing", nil)
		orderErr.CurrentStatus = string(domain.OrderStatusDelivered)
		return domain.Order{}, orderErr
	}
	svc := f.service(t)

	_, err := svc.UpdateStatus(ctx, UpdateOrderStatusCommand{
		OrderID: "ord_1",
		Status:  domain.OrderStatusProcessing,
	})
	if !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected invalid transition got %v", err)
	}

	var transition *StatusTransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("expected StatusTransitionError got %T", err)
	}
	if transition.Current != domain.OrderStatusDelivered || transition.Requested != domain.OrderStatusProcessing {
		t.Fatalf("unexpected transition error %#v", transition)
	}

	if len(f.events.events) != 0 {
		t.Fatalf("expected no events after rejection")
	}
}

func TestOrderServiceUpdateStatusVersionConflict(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture()
	f.repo.updateStatusFn = func(context.Context, repositories.UpdateOrderStatusRequest) (domain.Order, error) {
		return domain.Order{}, repositories.NewOrderError(repositories.OrderErrorVersionConflict, "version moved", nil)
	}
	svc := f.service(t)

	version := int64(5)
	_, err := svc.UpdateStatus(ctx, UpdateOrderStatusCommand{
		OrderID:         "ord_1",
		Status:          domain.OrderStatusConfirmed,
		ExpectedVersion: &version,
	})
	if !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected conflict got %v", err)
	}
	if f.repo.updates[0].ExpectedVersion == nil || *f.repo.updates[0].ExpectedVersion != 5 {
		t.Fatalf("expected version forwarded got %#v", f.repo.updates[0].ExpectedVersion)
	}
}

func TestOrderServiceUpdateStatusCancelDelegates(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture()
	f.repo.findFn = func(_ context.Context, orderID string, opts repositories.OrderReadOptions) (domain.Order, error) {
		if !opts.IncludePayments {
			t.Fatalf("expected payments hydrated for cancellation")
		}
		return domain.Order{
			ID:     orderID,
			Status: domain.OrderStatusConfirmed,
			Items:  []domain.OrderItem{{ProductID: "prod-1", Quantity: 3}},
		}, nil
	}
	svc := f.service(t)

	order, err := svc.UpdateStatus(ctx, UpdateOrderStatusCommand{
		OrderID: "ord_1",
		Status:  domain.OrderStatusCancelled,
		Notes:   "customer changed mind",
	})
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if order.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled got %s", order.Status)
	}

	if len(f.inventory.releases) != 1 {
		t.Fatalf("expected release via cancellation path")
	}
	req := f.repo.updates[0]
	if req.CancelReason == nil || *req.CancelReason != "customer changed mind" {
		t.Fatalf("expected cancel reason forwarded got %#v", req.CancelReason)
	}
}

func TestOrderServiceCancelProcessingWithPayment(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture()
	f.repo.findFn = func(_ context.Context, orderID string, _ repositories.OrderReadOptions) (domain.Order, error) {
		return domain.Order{
			ID:            orderID,
			OrderNumber:   "UM-2025-000007",
			UserID:        "user-1",
			Status:        domain.OrderStatusProcessing,
			PaymentStatus: domain.PaymentStatusCompleted,
			Currency:      "UZS",
			Items:         []domain.OrderItem{{ProductID: "prod-1", Quantity: 2}},
			Payments: []domain.Payment{
				{
					ID:                    "pay_orig",
					OrderID:               orderID,
					Method:                domain.PaymentMethodClick,
					Amount:                250_000,
					Currency:              "UZS",
					Status:                domain.PaymentStatusCompleted,
					ProviderTransactionID: "prov-tx-9",
				},
			},
		}, nil
	}
	svc := f.service(t)

	order, err := svc.Cancel(ctx, CancelOrderCommand{
		OrderID: "ord_1",
		Reason:  "courier unavailable",
		Actor:   "operator:dilshod",
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if order.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled got %s", order.Status)
	}

	if len(f.repo.updates) != 1 {
		t.Fatalf("expected 1 update got %d", len(f.repo.updates))
	}
	req := f.repo.updates[0]
	if req.Status != domain.OrderStatusCancelled {
		t.Fatalf("unexpected status %s", req.Status)
	}
	if req.PaymentStatus == nil || *req.PaymentStatus != domain.PaymentStatusRefunded {
		t.Fatalf("expected refunded payment status got %#v", req.PaymentStatus)
	}
	if req.RefundPayment == nil {
		t.Fatalf("expected refund record")
	}
	refund := req.RefundPayment
	if refund.Amount != -250_000 {
		t.Fatalf("expected negative refund amount got %d", refund.Amount)
	}
	if refund.Status != domain.PaymentStatusRefunded {
		t.Fatalf("unexpected refund status %s", refund.Status)
	}
	if !strings.HasPrefix(refund.ID, "pay_") {
		t.Fatalf("unexpected refund id %s", refund.ID)
	}
	if refund.ProviderTransactionID != "prov-tx-9" {
		t.Fatalf("expected original transaction reference got %s", refund.ProviderTransactionID)
	}

	if len(f.inventory.releases) != 1 {
		t.Fatalf("expected stock release")
	}
	if lines := f.inventory.releases[0].Lines; len(lines) != 1 || lines[0].Quantity != 2 {
		t.Fatalf("unexpected release lines %#v", lines)
	}

	if len(f.gateway.refunds) != 1 {
		t.Fatalf("expected provider refund dispatch got %d", len(f.gateway.refunds))
	}
	dispatched := f.gateway.refunds[0]
	if dispatched.RefundID != refund.ID {
		t.Fatalf("expected refund id %s got %s", refund.ID, dispatched.RefundID)
	}
	if dispatched.Amount != 250_000 || dispatched.ProviderTransactionID != "prov-tx-9" {
		t.Fatalf("unexpected refund request %#v", dispatched)
	}

	names := f.events.names()
	if len(names) != 2 || names[0] != OrderEventRefundRequested || names[1] != OrderEventCancelled {
		t.Fatalf("unexpected events %#v", names)
	}
}

func TestOrderServiceCancelWithoutPayment(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture()
	f.repo.findFn = func(_ context.Context, orderID string, _ repositories.OrderReadOptions) (domain.Order, error) {
		return domain.Order{
			ID:            orderID,
			Status:        domain.OrderStatusPending,
			PaymentStatus: domain.PaymentStatusPending,
			Items:         []domain.OrderItem{{ProductID: "prod-1", Quantity: 1}},
		}, nil
	}
	svc := f.service(t)

	if _, err := svc.Cancel(ctx, CancelOrderCommand{OrderID: "ord_1"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	req := f.repo.updates[0]
	if req.RefundPayment != nil {
		t.Fatalf("expected no refund record got %#v", req.RefundPayment)
	}
	if req.PaymentStatus != nil {
		t.Fatalf("expected payment status untouched got %#v", req.PaymentStatus)
	}
	if len(f.gateway.refunds) != 0 {
		t.Fatalf("expected no provider refund")
	}
	if names := f.events.names(); len(names) != 1 || names[0] != OrderEventCancelled {
		t.Fatalf("unexpected events %#v", names)
	}
	if len(f.inventory.releases) != 1 {
		t.Fatalf("expected stock release")
	}
}

func TestOrderServiceCancelRejectsShipped(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture()
	f.repo.findFn = func(_ context.Context, orderID string, _ repositories.OrderReadOptions) (domain.Order, error) {
		return domain.Order{ID: orderID, Status: domain.OrderStatusShipped}, nil
	}
	svc := f.service(t)

	_, err := svc.Cancel(ctx, CancelOrderCommand{OrderID: "ord_1"})
	if !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected invalid transition got %v", err)
	}

	var transition *StatusTransitionError
	if !errors.As(err, &transition) || transition.Current != domain.OrderStatusShipped {
		t.Fatalf("unexpected error %v", err)
	}

	if len(f.repo.updates) != 0 {
		t.Fatalf("expected no update attempts")
	}
	if len(f.inventory.releases) != 0 {
		t.Fatalf("expected no release attempts")
	}
}

func TestOrderServiceCancelKeepsCommitWhenReleaseFails(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture()
	f.repo.findFn = func(_ context.Context, orderID string, _ repositories.OrderReadOptions) (domain.Order, error) {
		return domain.Order{
			ID:     orderID,
			Status: domain.OrderStatusConfirmed,
			Items:  []domain.OrderItem{{ProductID: "prod-1", Quantity: 1}},
		}, nil
	}
	f.inventory.releaseFn = func(context.Context, string, []inventory.Line) error {
		return inventory.ErrUnavailable
	}
	svc := f.service(t)

	order, err := svc.Cancel(ctx, CancelOrderCommand{OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("cancel should stand despite release failure: %v", err)
	}
	if order.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled got %s", order.Status)
	}

	entry, ok := f.loggedEvent("order.release.failed")
	if !ok {
		t.Fatalf("expected release failure log, got %#v", f.logged)
	}
	if entry.Fields["marker"] != "stock_leak" {
		t.Fatalf("expected stock_leak marker got %#v", entry.Fields)
	}
}

func TestOrderServiceProcessPaymentCollects(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture()
	f.repo.findFn = func(_ context.Context, orderID string, _ repositories.OrderReadOptions) (domain.Order, error) {
		return domain.Order{
			ID:            orderID,
			OrderNumber:   "UM-2025-000007",
			UserID:        "user-1",
			Status:        domain.OrderStatusPending,
			PaymentStatus: domain.PaymentStatusPending,
			Currency:      "UZS",
			Totals:        domain.OrderTotals{Total: 250_000},
		}, nil
	}
	svc := f.service(t)

	result, err := svc.ProcessPayment(ctx, ProcessPaymentCommand{
		OrderID: "ord_1",
		Method:  domain.PaymentMethodClick,
		Details: map[string]string{" card_token ": " tok-1 "},
	})
	if err != nil {
		t.Fatalf("process payment: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success got %#v", result)
	}

	if len(f.repo.appends) != 1 {
		t.Fatalf("expected 1 append got %d", len(f.repo.appends))
	}
	appended := f.repo.appends[0]
	if appended.Payment.Amount != 250_000 || appended.Payment.Status != domain.PaymentStatusProcessing {
		t.Fatalf("unexpected pending payment %#v", appended.Payment)
	}
	if !appended.RequireNoInFlight {
		t.Fatalf("expected in-flight guard")
	}
	if len(appended.FailWhenPaymentStatus) != 1 || appended.FailWhenPaymentStatus[0] != domain.PaymentStatusCompleted {
		t.Fatalf("unexpected settlement guard %#v", appended.FailWhenPaymentStatus)
	}

	if len(f.gateway.charges) != 1 {
		t.Fatalf("expected 1 charge got %d", len(f.gateway.charges))
	}
	charge := f.gateway.charges[0]
	if charge.PaymentID != appended.Payment.ID {
		t.Fatalf("expected idempotency key %s got %s", appended.Payment.ID, charge.PaymentID)
	}
	if charge.Amount != 250_000 || charge.OrderNumber != "UM-2025-000007" {
		t.Fatalf("unexpected charge request %#v", charge)
	}
	if charge.Details["card_token"] != "tok-1" {
		t.Fatalf("expected normalised details got %#v", charge.Details)
	}

	if len(f.repo.completions) != 1 {
		t.Fatalf("expected 1 completion got %d", len(f.repo.completions))
	}
	completion := f.repo.completions[0]
	if completion.PaymentID != appended.Payment.ID || completion.Status != domain.PaymentStatusCompleted {
		t.Fatalf("unexpected completion %#v", completion)
	}
	if completion.ProviderTransactionID != "prov-tx-1" {
		t.Fatalf("expected provider transaction recorded got %q", completion.ProviderTransactionID)
	}
	if completion.Transition == nil || completion.Transition.Status != domain.OrderStatusConfirmed {
		t.Fatalf("expected confirmation transition got %#v", completion.Transition)
	}

	if result.Order.Status != domain.OrderStatusConfirmed {
		t.Fatalf("expected confirmed order got %s", result.Order.Status)
	}
	if result.Payment.Status != domain.PaymentStatusCompleted || result.Payment.ProviderTransactionID != "prov-tx-1" {
		t.Fatalf("unexpected payment %#v", result.Payment)
	}

	if names := f.events.names(); len(names) != 1 || names[0] != OrderEventPaymentCompleted {
		t.Fatalf("unexpected events %#v", names)
	}
}

func TestOrderServiceProcessPaymentDecline(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture()
	f.repo.findFn = func(_ context.Context, orderID string, _ repositories.OrderReadOptions) (domain.Order, error) {
		return domain.Order{
			ID:            orderID,
			Status:        domain.OrderStatusPending,
			PaymentStatus: domain.PaymentStatusPending,
			Currency:      "UZS",
			Totals:        domain.OrderTotals{Total: 100_000},
		}, nil
	}
	f.gateway.chargeFn = func(context.Context, domain.PaymentMethod, payments.ChargeRequest) (payments.ChargeResult, error) {
		return payments.ChargeResult{Success: false, Message: "insufficient funds"}, nil
	}
	svc := f.service(t)

	result, err := svc.ProcessPayment(ctx, ProcessPaymentCommand{OrderID: "ord_1", Method: domain.PaymentMethodPayme})
	if err != nil {
		t.Fatalf("decline must not be an error: %v", err)
	}
	if result.Success {
		t.Fatalf("expected declined result")
	}
	if result.Message != "insufficient funds" {
		t.Fatalf("unexpected message %q", result.Message)
	}

	completion := f.repo.completions[0]
	if completion.Status != domain.PaymentStatusFailed {
		t.Fatalf("expected failed settlement got %s", completion.Status)
	}
	if completion.Transition != nil {
		t.Fatalf("expected no lifecycle transition on decline")
	}
	if len(f.events.events) != 0 {
		t.Fatalf("expected no events on decline")
	}
}

func TestOrderServiceProcessPaymentAlreadyCompleted(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture()
	f.repo.findFn = func(_ context.Context, orderID string, _ repositories.OrderReadOptions) (domain.Order, error) {
		return domain.Order{
			ID:            orderID,
			Status:        domain.OrderStatusConfirmed,
			PaymentStatus: domain.PaymentStatusCompleted,
		}, nil
	}
	svc := f.service(t)

	_, err := svc.ProcessPayment(ctx, ProcessPaymentCommand{OrderID: "ord_1", Method: domain.PaymentMethodClick})
	if !errors.Is(err, ErrPaymentAlreadyCompleted) {
		t.Fatalf("expected already completed got %v", err)
	}
	if len(f.repo.appends) != 0 || len(f.gateway.charges) != 0 {
		t.Fatalf("expected fail-fast before payment record and charge")
	}
}

func TestOrderServiceProcessPaymentInFlight(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture()
	f.repo.findFn = func(_ context.Context, orderID string, _ repositories.OrderReadOptions) (domain.Order, error) {
		return domain.Order{
			ID:            orderID,
			Status:        domain.OrderStatusPending,
			PaymentStatus: domain.PaymentStatusProcessing,
		}, nil
	}
	svc := f.service(t)

	_, err := svc.ProcessPayment(ctx, ProcessPaymentCommand{OrderID: "ord_1", Method: domain.PaymentMethodClick})
	if !errors.Is(err, ErrPaymentInFlight) {
		t.Fatalf("expected in-flight rejection got %v", err)
	}
	if len(f.gateway.charges) != 0 {
		t.Fatalf("expected no charge attempts")
	}
}

func TestOrderServiceProcessPaymentRaceLosesAtAppend(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture()
	f.repo.findFn = func(_ context.Context, orderID string, _ repositories.OrderReadOptions) (domain.Order, error) {
		return domain.Order{
			ID:            orderID,
			Status:        domain.OrderStatusPending,
			PaymentStatus: domain.PaymentStatusPending,
			Totals:        domain.OrderTotals{Total: 50_000},
		}, nil
	}
	f.repo.appendPaymentFn = func(context.Context, repositories.AppendPaymentRequest) (domain.Payment, error) {
		return domain.Payment{}, repositories.NewOrderError(repositories.OrderErrorPaymentCompleted, "payment already completed", nil)
	}
	svc := f.service(t)

	_, err := svc.ProcessPayment(ctx, ProcessPaymentCommand{OrderID: "ord_1", Method: domain.PaymentMethodUzcard})
	if !errors.Is(err, ErrPaymentAlreadyCompleted) {
		t.Fatalf("expected already completed got %v", err)
	}
	if len(f.gateway.charges) != 0 {
		t.Fatalf("racing charge must lose before reaching the gateway")
	}
}

func TestOrderServiceProcessPaymentUnsupportedMethod(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture()
	svc := f.service(t)

	_, err := svc.ProcessPayment(ctx, ProcessPaymentCommand{OrderID: "ord_1", Method: "BITCOIN"})
	if !errors.Is(err, ErrUnsupportedPaymentMethod) {
		t.Fatalf("expected unsupported method got %v", err)
	}

	f.gateway.supportsFn = func(domain.PaymentMethod) bool { return false }
	_, err = svc.ProcessPayment(ctx, ProcessPaymentCommand{OrderID: "ord_1", Method: domain.PaymentMethodClick})
	if !errors.Is(err, ErrUnsupportedPaymentMethod) {
		t.Fatalf("expected unsupported method got %v", err)
	}
	if len(f.repo.appends) != 0 {
		t.Fatalf("expected no payment records")
	}
}

func TestOrderServiceProcessPaymentGatewayFailure(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture()
	f.repo.findFn = func(_ context.Context, orderID string, _ repositories.OrderReadOptions) (domain.Order, error) {
		return domain.Order{
			ID:            orderID,
			Status:        domain.OrderStatusPending,
			PaymentStatus: domain.PaymentStatusPending,
			Totals:        domain.OrderTotals{Total: 75_000},
		}, nil
	}
	f.gateway.chargeFn = func(context.Context, domain.PaymentMethod, payments.ChargeRequest) (payments.ChargeResult, error) {
		return payments.ChargeResult{}, errors.New("gateway timeout")
	}
	svc := f.service(t)

	_, err := svc.ProcessPayment(ctx, ProcessPaymentCommand{OrderID: "ord_1", Method: domain.PaymentMethodClick})
	if !errors.Is(err, ErrExternalService) {
		t.Fatalf("expected external service error got %v", err)
	}

	if len(f.repo.completions) != 1 {
		t.Fatalf("expected failed settlement to be recorded")
	}
	if f.repo.completions[0].Status != domain.PaymentStatusFailed {
		t.Fatalf("expected failed status got %s", f.repo.completions[0].Status)
	}
	if len(f.events.events) != 0 {
		t.Fatalf("expected no events after gateway failure")
	}
}

func TestOrderServiceProcessPaymentRejectsTerminalOrder(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture()
	f.repo.findFn = func(_ context.Context, orderID string, _ repositories.OrderReadOptions) (domain.Order, error) {
		return domain.Order{ID: orderID, Status: domain.OrderStatusCancelled, PaymentStatus: domain.PaymentStatusPending}, nil
	}
	svc := f.service(t)

	_, err := svc.ProcessPayment(ctx, ProcessPaymentCommand{OrderID: "ord_1", Method: domain.PaymentMethodClick})
	if !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected conflict got %v", err)
	}
}

func TestOrderServiceRefundDeliveredOrder(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture()
	f.repo.findFn = func(_ context.Context, orderID string, opts repositories.OrderReadOptions) (domain.Order, error) {
		if !opts.IncludePayments {
			t.Fatalf("expected payments hydrated for refund")
		}
		return domain.Order{
			ID:            orderID,
			OrderNumber:   "UM-2025-000010",
			UserID:        "user-2",
			Status:        domain.OrderStatusDelivered,
			PaymentStatus: domain.PaymentStatusCompleted,
			Currency:      "UZS",
			Items:         []domain.OrderItem{{ProductID: "prod-9", Quantity: 1}},
			Payments: []domain.Payment{
				{
					ID:                    "pay_orig",
					OrderID:               orderID,
					Method:                domain.PaymentMethodPayme,
					Amount:                180_000,
					Currency:              "UZS",
					Status:                domain.PaymentStatusCompleted,
					ProviderTransactionID: "prov-tx-4",
				},
			},
		}, nil
	}
	svc := f.service(t)

	order, err := svc.UpdateStatus(ctx, UpdateOrderStatusCommand{
		OrderID: "ord_1",
		Status:  domain.OrderStatusRefunded,
		Notes:   "damaged on arrival",
		Actor:   "operator:madina",
	})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if order.Status != domain.OrderStatusRefunded {
		t.Fatalf("expected refunded got %s", order.Status)
	}

	req := f.repo.updates[0]
	if req.Status != domain.OrderStatusRefunded {
		t.Fatalf("unexpected status %s", req.Status)
	}
	if req.RefundPayment == nil || req.RefundPayment.Amount != -180_000 {
		t.Fatalf("expected refund record got %#v", req.RefundPayment)
	}

	if len(f.inventory.releases) != 0 {
		t.Fatalf("delivered stock must not be released")
	}
	if len(f.gateway.refunds) != 1 || f.gateway.refunds[0].ProviderTransactionID != "prov-tx-4" {
		t.Fatalf("expected provider refund got %#v", f.gateway.refunds)
	}

	names := f.events.names()
	if len(names) != 2 || names[0] != OrderEventRefundRequested || names[1] != OrderEventStatusChanged {
		t.Fatalf("unexpected events %#v", names)
	}
}
