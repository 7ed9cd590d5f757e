package payments

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ClickProvider charges orders through the Click merchant API. Click
// authenticates every call with a digest header derived from the merchant
// secret and the current unix timestamp.
type ClickProvider struct {
	core           gatewayCore
	serviceID      string
	merchantUserID string
	secretKey      string
	clock          func() time.Time
}

// ClickProviderConfig configures the ClickProvider.
type ClickProviderConfig struct {
	Endpoint       string
	ServiceID      string
	MerchantUserID string
	SecretKey      string
	Timeout        time.Duration
	HTTPClient     HTTPClient
	Logger         GatewayLogger
	Clock          func() time.Time
}

// NewClickProvider constructs a Click gateway adapter.
func NewClickProvider(cfg ClickProviderConfig) (*ClickProvider, error) {
	if strings.TrimSpace(cfg.ServiceID) == "" {
		return nil, errors.New("click: service id is required")
	}
	if strings.TrimSpace(cfg.MerchantUserID) == "" {
		return nil, errors.New("click: merchant user id is required")
	}
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, errors.New("click: secret key is required")
	}
	core, err := newGatewayCore("click", cfg.Endpoint, cfg.HTTPClient, cfg.Timeout, cfg.Logger)
	if err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &ClickProvider{
		core:           core,
		serviceID:      strings.TrimSpace(cfg.ServiceID),
		merchantUserID: strings.TrimSpace(cfg.MerchantUserID),
		secretKey:      strings.TrimSpace(cfg.SecretKey),
		clock:          func() time.Time { return clock().UTC() },
	}, nil
}

// Name identifies the gateway in logs and payment records.
func (p *ClickProvider) Name() string { return "click" }

type clickChargeRequest struct {
	ServiceID       string `json:"service_id"`
	Amount          int64  `json:"amount"`
	PhoneNumber     string `json:"phone_number,omitempty"`
	MerchantTransID string `json:"merchant_trans_id"`
}

type clickReversalRequest struct {
	ServiceID       string `json:"service_id"`
	PaymentID       string `json:"payment_id"`
	MerchantTransID string `json:"merchant_trans_id"`
}

type clickResponse struct {
	ErrorCode int    `json:"error_code"`
	ErrorNote string `json:"error_note"`
	InvoiceID int64  `json:"invoice_id"`
	PaymentID int64  `json:"payment_id"`
}

// Charge creates a Click invoice for the order.
func (p *ClickProvider) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if p == nil {
		return ChargeResult{}, errors.New("click: provider is nil")
	}

	payload := clickChargeRequest{
		ServiceID:       p.serviceID,
		Amount:          req.Amount,
		PhoneNumber:     strings.TrimSpace(req.Details["phone_number"]),
		MerchantTransID: req.PaymentID,
	}

	status, body, err := p.core.postJSON(ctx, "/v2/merchant/invoice/create", p.authHeader(), payload)
	if err != nil {
		p.core.logger(ctx, "payments_click_unreachable", map[string]any{"orderId": req.OrderID, "error": err.Error()})
		return ChargeResult{Success: false, Message: transportFailureMessage(err)}, nil
	}

	var decoded clickResponse
	if err := decodeGatewayBody("click", body, &decoded); err != nil {
		return ChargeResult{Success: false, Message: err.Error(), Raw: rawGatewayBody(body)}, nil
	}

	if status < 200 || status >= 300 || decoded.ErrorCode != 0 {
		message := strings.TrimSpace(decoded.ErrorNote)
		if message == "" {
			message = fmt.Sprintf("click rejected the charge (http %d, code %d)", status, decoded.ErrorCode)
		}
		p.core.logger(ctx, "payments_click_declined", map[string]any{
			"orderId":   req.OrderID,
			"errorCode": decoded.ErrorCode,
			"status":    status,
		})
		return ChargeResult{Success: false, Message: message, Raw: rawGatewayBody(body)}, nil
	}

	reference := decoded.InvoiceID
	if reference == 0 {
		reference = decoded.PaymentID
	}
	p.core.logger(ctx, "payments_click_charged", map[string]any{
		"orderId":   req.OrderID,
		"invoiceId": reference,
	})
	return ChargeResult{
		Success:               true,
		ProviderTransactionID: strconv.FormatInt(reference, 10),
		Raw:                   rawGatewayBody(body),
	}, nil
}

// Refund reverses a previously collected Click payment.
func (p *ClickProvider) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if p == nil {
		return RefundResult{}, errors.New("click: provider is nil")
	}

	payload := clickReversalRequest{
		ServiceID:       p.serviceID,
		PaymentID:       req.ProviderTransactionID,
		MerchantTransID: req.RefundID,
	}

	status, body, err := p.core.postJSON(ctx, "/v2/merchant/payment/reversal", p.authHeader(), payload)
	if err != nil {
		p.core.logger(ctx, "payments_click_unreachable", map[string]any{"orderId": req.OrderID, "error": err.Error()})
		return RefundResult{Success: false, Message: transportFailureMessage(err)}, nil
	}

	var decoded clickResponse
	if err := decodeGatewayBody("click", body, &decoded); err != nil {
		return RefundResult{Success: false, Message: err.Error(), Raw: rawGatewayBody(body)}, nil
	}

	if status < 200 || status >= 300 || decoded.ErrorCode != 0 {
		message := strings.TrimSpace(decoded.ErrorNote)
		if message == "" {
			message = fmt.Sprintf("click rejected the reversal (http %d, code %d)", status, decoded.ErrorCode)
		}
		return RefundResult{Success: false, Message: message, Raw: rawGatewayBody(body)}, nil
	}

	return RefundResult{
		Success:          true,
		ProviderRefundID: strconv.FormatInt(decoded.PaymentID, 10),
		Raw:              rawGatewayBody(body),
	}, nil
}

// authHeader builds the Click digest header: the sha1 of timestamp+secret,
// framed as merchant_user_id:digest:timestamp.
func (p *ClickProvider) authHeader() http.Header {
	timestamp := strconv.FormatInt(p.clock().Unix(), 10)
	digest := sha1.Sum([]byte(timestamp + p.secretKey))
	headers := http.Header{}
	headers.Set("Auth", p.merchantUserID+":"+hex.EncodeToString(digest[:])+":"+timestamp)
	return headers
}
