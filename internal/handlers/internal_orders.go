package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	domain "github.com/ultramarket/orders-api/internal/domain"
	"github.com/ultramarket/orders-api/internal/platform/auth"
	"github.com/ultramarket/orders-api/internal/platform/httpx"
	"github.com/ultramarket/orders-api/internal/services"
)

const maxStatusUpdateBodySize = 4 * 1024

type updateOrderStatusRequest struct {
	Status          string `json:"status"`
	TrackingNumber  string `json:"tracking_number"`
	Notes           string `json:"notes"`
	ExpectedVersion *int64 `json:"expected_version"`
}

// InternalOrderHandlers exposes the OIDC-protected surface used by fulfilment
// and back-office tooling to drive order transitions the user surface does
// not allow. Every mutation is recorded in the audit log.
type InternalOrderHandlers struct {
	orders services.OrderService
	audit  services.AuditLogService
}

// NewInternalOrderHandlers constructs a new InternalOrderHandlers instance.
func NewInternalOrderHandlers(orders services.OrderService, audit services.AuditLogService) *InternalOrderHandlers {
	return &InternalOrderHandlers{
		orders: orders,
		audit:  audit,
	}
}

// Routes registers the /internal/orders endpoints. OIDC validation is applied
// by the router when the internal surface is mounted.
func (h *InternalOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/{orderID}:status", h.updateStatus)
}

func (h *InternalOrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.ServiceIdentityFromContext(ctx)
	if !ok || identity == nil {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "service authentication required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxStatusUpdateBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return
	}

	var req updateOrderStatusRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	target := domain.OrderStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if !target.IsValid() {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be a known order status", http.StatusBadRequest))
		return
	}

	previous, err := h.orders.Get(ctx, orderID, services.OrderReadOptions{})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	cmd := services.UpdateOrderStatusCommand{
		OrderID:         orderID,
		Status:          target,
		TrackingNumber:  strings.TrimSpace(req.TrackingNumber),
		Notes:           req.Notes,
		Actor:           serviceActor(identity),
		ExpectedVersion: req.ExpectedVersion,
	}

	updated, err := h.orders.UpdateStatus(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	h.recordStatusAudit(r, cmd, previous, updated)

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(updated)})
}

func (h *InternalOrderHandlers) recordStatusAudit(r *http.Request, cmd services.UpdateOrderStatusCommand, previous, updated services.Order) {
	if h.audit == nil {
		return
	}
	ctx := r.Context()

	metadata := map[string]any{
		"orderNumber":     updated.OrderNumber,
		"requestedStatus": string(cmd.Status),
	}
	if cmd.TrackingNumber != "" {
		metadata["trackingNumber"] = cmd.TrackingNumber
	}

	diff := map[string]services.AuditLogDiff{
		"status": {Before: string(previous.Status), After: string(updated.Status)},
	}
	if previous.PaymentStatus != updated.PaymentStatus {
		diff["paymentStatus"] = services.AuditLogDiff{
			Before: string(previous.PaymentStatus),
			After:  string(updated.PaymentStatus),
		}
	}

	h.audit.Record(ctx, services.AuditLogRecord{
		Actor:      cmd.Actor,
		ActorType:  "service",
		Action:     "order.status_update",
		TargetRef:  fmt.Sprintf("/orders/%s", strings.TrimSpace(updated.ID)),
		Severity:   "info",
		RequestID:  middleware.GetReqID(ctx),
		OccurredAt: updated.UpdatedAt,
		Metadata:   metadata,
		Diff:       diff,
		IPAddress:  r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	})
}

func serviceActor(identity *auth.ServiceIdentity) string {
	if identity == nil {
		return "service:unknown"
	}
	subject := strings.TrimSpace(identity.Email)
	if subject == "" {
		subject = strings.TrimSpace(identity.Subject)
	}
	if subject == "" {
		return "service:unknown"
	}
	return "service:" + subject
}
