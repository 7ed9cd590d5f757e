package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/ultramarket/orders-api/internal/domain"
	"github.com/ultramarket/orders-api/internal/platform/auth"
	"github.com/ultramarket/orders-api/internal/services"
)

type captureAuditService struct {
	records []services.AuditLogRecord
}

func (s *captureAuditService) Record(ctx context.Context, record services.AuditLogRecord) {
	s.records = append(s.records, record)
}

func (s *captureAuditService) List(ctx context.Context, filter services.AuditLogFilter) (domain.CursorPage[services.AuditLogEntry], error) {
	return domain.CursorPage[services.AuditLogEntry]{}, nil
}

var _ services.AuditLogService = (*captureAuditService)(nil)

func newInternalOrdersRouter(orders services.OrderService, audit services.AuditLogService) chi.Router {
	handler := NewInternalOrderHandlers(orders, audit)
	router := chi.NewRouter()
	router.Route("/internal/orders", handler.Routes)
	return router
}

func serviceRequest(method, target, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
	}
	identity := &auth.ServiceIdentity{
		Subject: "sa-dispatch",
		Email:   "dispatch@ultramarket.uz",
	}
	return req.WithContext(auth.WithServiceIdentity(req.Context(), identity))
}

func TestInternalOrderHandlersUpdateStatusSuccess(t *testing.T) {
	now := time.Date(2025, 8, 2, 14, 0, 0, 0, time.UTC)
	tracking := "UZPOST-7788"

	var captured services.UpdateOrderStatusCommand
	orders := &stubOrderService{
		getFn: func(ctx context.Context, orderID string, opts services.OrderReadOptions) (services.Order, error) {
			if orderID != "ord_123" {
				t.Fatalf("unexpected order id %s", orderID)
			}
			return services.Order{
				ID:            "ord_123",
				OrderNumber:   "UM-2025-000123",
				UserID:        "user-1",
				Status:        domain.OrderStatusProcessing,
				PaymentStatus: domain.PaymentStatusCompleted,
				Version:       3,
			}, nil
		},
		updateFn: func(ctx context.Context, cmd services.UpdateOrderStatusCommand) (services.Order, error) {
			captured = cmd
			return services.Order{
				ID:             "ord_123",
				OrderNumber:    "UM-2025-000123",
				UserID:         "user-1",
				Status:         domain.OrderStatusShipped,
				PaymentStatus:  domain.PaymentStatusCompleted,
				TrackingNumber: &tracking,
				Version:        4,
				UpdatedAt:      now,
			}, nil
		},
	}
	audit := &captureAuditService{}
	router := newInternalOrdersRouter(orders, audit)

	body := `{"status":"SHIPPED","tracking_number":"UZPOST-7788","notes":"handed to courier","expected_version":3}`
	req := serviceRequest(http.MethodPost, "/internal/orders/ord_123:status", body)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if captured.OrderID != "ord_123" {
		t.Fatalf("unexpected command order id %s", captured.OrderID)
	}
	if captured.Status != domain.OrderStatusShipped {
		t.Fatalf("expected status lowered to shipped, got %s", captured.Status)
	}
	if captured.TrackingNumber != "UZPOST-7788" {
		t.Fatalf("expected tracking number forwarded, got %q", captured.TrackingNumber)
	}
	if captured.Notes != "handed to courier" {
		t.Fatalf("expected notes forwarded, got %q", captured.Notes)
	}
	if captured.Actor != "service:dispatch@ultramarket.uz" {
		t.Fatalf("expected service actor from identity, got %s", captured.Actor)
	}
	if captured.ExpectedVersion == nil || *captured.ExpectedVersion != 3 {
		t.Fatalf("expected version pointer 3, got %#v", captured.ExpectedVersion)
	}

	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Order.Status != string(domain.OrderStatusShipped) {
		t.Fatalf("expected shipped payload, got %s", resp.Order.Status)
	}
	if resp.Order.TrackingNumber != tracking {
		t.Fatalf("expected tracking number in payload, got %s", resp.Order.TrackingNumber)
	}

	if len(audit.records) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(audit.records))
	}
	record := audit.records[0]
	if record.Action != "order.status_update" {
		t.Fatalf("unexpected audit action %s", record.Action)
	}
	if record.TargetRef != "/orders/ord_123" {
		t.Fatalf("unexpected audit target %s", record.TargetRef)
	}
	if record.Actor != "service:dispatch@ultramarket.uz" || record.ActorType != "service" {
		t.Fatalf("unexpected audit actor %s/%s", record.Actor, record.ActorType)
	}
	diff, ok := record.Diff["status"]
	if !ok {
		t.Fatalf("expected status diff, got %#v", record.Diff)
	}
	if diff.Before != string(domain.OrderStatusProcessing) || diff.After != string(domain.OrderStatusShipped) {
		t.Fatalf("unexpected status diff %#v", diff)
	}
	if record.Metadata["orderNumber"] != "UM-2025-000123" {
		t.Fatalf("expected order number metadata, got %#v", record.Metadata)
	}
	if record.IPAddress == "" {
		t.Fatalf("expected caller address recorded")
	}
}

func TestInternalOrderHandlersUpdateStatusInvalidStatus(t *testing.T) {
	router := newInternalOrdersRouter(&stubOrderService{}, &captureAuditService{})

	req := serviceRequest(http.MethodPost, "/internal/orders/ord_1:status", `{"status":"teleported"}`)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestInternalOrderHandlersUpdateStatusRequiresBody(t *testing.T) {
	router := newInternalOrdersRouter(&stubOrderService{}, &captureAuditService{})

	req := serviceRequest(http.MethodPost, "/internal/orders/ord_1:status", "")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestInternalOrderHandlersUpdateStatusUnauthenticated(t *testing.T) {
	router := newInternalOrdersRouter(&stubOrderService{}, &captureAuditService{})

	req := httptest.NewRequest(http.MethodPost, "/internal/orders/ord_1:status", bytes.NewBufferString(`{"status":"shipped"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestInternalOrderHandlersUpdateStatusInvalidTransition(t *testing.T) {
	orders := &stubOrderService{
		getFn: func(ctx context.Context, orderID string, opts services.OrderReadOptions) (services.Order, error) {
			return services.Order{ID: orderID, Status: domain.OrderStatusDelivered}, nil
		},
		updateFn: func(ctx context.Context, cmd services.UpdateOrderStatusCommand) (services.Order, error) {
			return services.Order{}, &services.StatusTransitionError{
				Current:   domain.OrderStatusDelivered,
				Requested: domain.OrderStatusProcessing,
			}
		},
	}
	audit := &captureAuditService{}
	router := newInternalOrdersRouter(orders, audit)

	req := serviceRequest(http.MethodPost, "/internal/orders/ord_1:status", `{"status":"processing"}`)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["error"] != "invalid_status_transition" {
		t.Fatalf("expected invalid_status_transition, got %v", resp["error"])
	}
	if resp["current_status"] != string(domain.OrderStatusDelivered) {
		t.Fatalf("expected current_status detail, got %v", resp["current_status"])
	}
	if len(audit.records) != 0 {
		t.Fatalf("expected no audit record on failure, got %d", len(audit.records))
	}
}

func TestInternalOrderHandlersUpdateStatusVersionConflict(t *testing.T) {
	orders := &stubOrderService{
		getFn: func(ctx context.Context, orderID string, opts services.OrderReadOptions) (services.Order, error) {
			return services.Order{ID: orderID, Status: domain.OrderStatusConfirmed, Version: 9}, nil
		},
		updateFn: func(ctx context.Context, cmd services.UpdateOrderStatusCommand) (services.Order, error) {
			if cmd.ExpectedVersion == nil || *cmd.ExpectedVersion != 2 {
				t.Fatalf("expected version pointer 2, got %#v", cmd.ExpectedVersion)
			}
			return services.Order{}, services.ErrOrderConflict
		},
	}
	router := newInternalOrdersRouter(orders, &captureAuditService{})

	req := serviceRequest(http.MethodPost, "/internal/orders/ord_1:status", `{"status":"processing","expected_version":2}`)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["error"] != "order_conflict" {
		t.Fatalf("expected order_conflict, got %v", resp["error"])
	}
}

func TestInternalOrderHandlersUpdateStatusWithoutAuditSink(t *testing.T) {
	orders := &stubOrderService{
		getFn: func(ctx context.Context, orderID string, opts services.OrderReadOptions) (services.Order, error) {
			return services.Order{ID: orderID, Status: domain.OrderStatusPending}, nil
		},
		updateFn: func(ctx context.Context, cmd services.UpdateOrderStatusCommand) (services.Order, error) {
			return services.Order{ID: cmd.OrderID, Status: domain.OrderStatusConfirmed, Version: 2}, nil
		},
	}
	router := newInternalOrdersRouter(orders, nil)

	req := serviceRequest(http.MethodPost, "/internal/orders/ord_1:status", `{"status":"confirmed"}`)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}
