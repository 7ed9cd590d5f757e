package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// UzcardProvider charges orders through the Uzcard acquiring gateway. The
// gateway exposes plain JSON endpoints behind a bearer API key.
type UzcardProvider struct {
	core   gatewayCore
	apiKey string
}

// UzcardProviderConfig configures the UzcardProvider.
type UzcardProviderConfig struct {
	Endpoint   string
	APIKey     string
	Timeout    time.Duration
	HTTPClient HTTPClient
	Logger     GatewayLogger
}

// NewUzcardProvider constructs an Uzcard gateway adapter.
func NewUzcardProvider(cfg UzcardProviderConfig) (*UzcardProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("uzcard: api key is required")
	}
	core, err := newGatewayCore("uzcard", cfg.Endpoint, cfg.HTTPClient, cfg.Timeout, cfg.Logger)
	if err != nil {
		return nil, err
	}
	return &UzcardProvider{core: core, apiKey: apiKey}, nil
}

// Name identifies the gateway in logs and payment records.
func (p *UzcardProvider) Name() string { return "uzcard" }

type uzcardChargeRequest struct {
	ExtID     string `json:"extId"`
	Amount    int64  `json:"amount"`
	CardToken string `json:"cardToken"`
	OrderRef  string `json:"orderRef"`
}

type uzcardReverseRequest struct {
	ExtID   string `json:"extId"`
	TransID string `json:"transId"`
	Amount  int64  `json:"amount"`
	Reason  string `json:"reason,omitempty"`
}

type uzcardResponse struct {
	Status  string `json:"status"`
	TransID string `json:"transId"`
	Message string `json:"message"`
}

// Charge debits the tokenized card referenced by the charge details.
func (p *UzcardProvider) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if p == nil {
		return ChargeResult{}, errors.New("uzcard: provider is nil")
	}

	payload := uzcardChargeRequest{
		ExtID:     req.PaymentID,
		Amount:    req.Amount,
		CardToken: strings.TrimSpace(req.Details["card_token"]),
		OrderRef:  req.OrderNumber,
	}

	status, body, err := p.core.postJSON(ctx, "payments", p.headers(), payload)
	if err != nil {
		p.core.logger(ctx, "payments_uzcard_unreachable", map[string]any{"orderId": req.OrderID, "error": err.Error()})
		return ChargeResult{Success: false, Message: transportFailureMessage(err)}, nil
	}

	var decoded uzcardResponse
	if err := decodeGatewayBody("uzcard", body, &decoded); err != nil {
		return ChargeResult{Success: false, Message: err.Error(), Raw: rawGatewayBody(body)}, nil
	}

	if status < 200 || status >= 300 || !strings.EqualFold(decoded.Status, "OK") {
		message := strings.TrimSpace(decoded.Message)
		if message == "" {
			message = fmt.Sprintf("uzcard rejected the charge (http %d)", status)
		}
		p.core.logger(ctx, "payments_uzcard_declined", map[string]any{
			"orderId": req.OrderID,
			"status":  status,
			"state":   decoded.Status,
		})
		return ChargeResult{Success: false, Message: message, Raw: rawGatewayBody(body)}, nil
	}

	p.core.logger(ctx, "payments_uzcard_charged", map[string]any{
		"orderId": req.OrderID,
		"transId": decoded.TransID,
	})
	return ChargeResult{
		Success:               true,
		ProviderTransactionID: decoded.TransID,
		Raw:                   rawGatewayBody(body),
	}, nil
}

// Refund reverses a settled Uzcard transaction.
func (p *UzcardProvider) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if p == nil {
		return RefundResult{}, errors.New("uzcard: provider is nil")
	}

	payload := uzcardReverseRequest{
		ExtID:   req.RefundID,
		TransID: req.ProviderTransactionID,
		Amount:  req.Amount,
		Reason:  strings.TrimSpace(req.Reason),
	}

	status, body, err := p.core.postJSON(ctx, "payments/reverse", p.headers(), payload)
	if err != nil {
		p.core.logger(ctx, "payments_uzcard_unreachable", map[string]any{"orderId": req.OrderID, "error": err.Error()})
		return RefundResult{Success: false, Message: transportFailureMessage(err)}, nil
	}

	var decoded uzcardResponse
	if err := decodeGatewayBody("uzcard", body, &decoded); err != nil {
		return RefundResult{Success: false, Message: err.Error(), Raw: rawGatewayBody(body)}, nil
	}

	if status < 200 || status >= 300 || !strings.EqualFold(decoded.Status, "OK") {
		message := strings.TrimSpace(decoded.Message)
		if message == "" {
			message = fmt.Sprintf("uzcard rejected the refund (http %d)", status)
		}
		return RefundResult{Success: false, Message: message, Raw: rawGatewayBody(body)}, nil
	}

	return RefundResult{Success: true, ProviderRefundID: decoded.TransID, Raw: rawGatewayBody(body)}, nil
}

func (p *UzcardProvider) headers() http.Header {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+p.apiKey)
	return headers
}
