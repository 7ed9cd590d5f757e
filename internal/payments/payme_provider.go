package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// paymeReceiptStatePaid is the receipt state Payme reports once funds are
// collected.
const paymeReceiptStatePaid = 4

// PaymeProvider charges orders through the Payme subscribe API. Payme speaks
// JSON-RPC over a single endpoint and authenticates with an X-Auth header
// carrying the merchant id and key.
type PaymeProvider struct {
	core       gatewayCore
	merchantID string
	authHeader string
}

// PaymeProviderConfig configures the PaymeProvider.
type PaymeProviderConfig struct {
	Endpoint   string
	MerchantID string
	SecretKey  string
	Timeout    time.Duration
	HTTPClient HTTPClient
	Logger     GatewayLogger
}

// NewPaymeProvider constructs a Payme gateway adapter.
func NewPaymeProvider(cfg PaymeProviderConfig) (*PaymeProvider, error) {
	merchantID := strings.TrimSpace(cfg.MerchantID)
	secretKey := strings.TrimSpace(cfg.SecretKey)
	if merchantID == "" {
		return nil, errors.New("payme: merchant id is required")
	}
	if secretKey == "" {
		return nil, errors.New("payme: secret key is required")
	}
	core, err := newGatewayCore("payme", cfg.Endpoint, cfg.HTTPClient, cfg.Timeout, cfg.Logger)
	if err != nil {
		return nil, err
	}
	return &PaymeProvider{
		core:       core,
		merchantID: merchantID,
		authHeader: merchantID + ":" + secretKey,
	}, nil
}

// Name identifies the gateway in logs and payment records.
func (p *PaymeProvider) Name() string { return "payme" }

type paymeRPCRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      string         `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
}

type paymeRPCResponse struct {
	Result *struct {
		Receipt struct {
			ID    string `json:"_id"`
			State int    `json:"state"`
		} `json:"receipt"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Charge pays an order receipt with the card token from the charge details.
func (p *PaymeProvider) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if p == nil {
		return ChargeResult{}, errors.New("payme: provider is nil")
	}

	payload := paymeRPCRequest{
		JSONRPC: "2.0",
		ID:      req.PaymentID,
		Method:  "receipts.pay",
		Params: map[string]any{
			"id":     req.PaymentID,
			"amount": req.Amount,
			"token":  strings.TrimSpace(req.Details["card_token"]),
			"account": map[string]any{
				"order_id": req.OrderNumber,
			},
		},
	}

	status, body, err := p.core.postJSON(ctx, "", p.headers(), payload)
	if err != nil {
		p.core.logger(ctx, "payments_payme_unreachable", map[string]any{"orderId": req.OrderID, "error": err.Error()})
		return ChargeResult{Success: false, Message: transportFailureMessage(err)}, nil
	}

	var decoded paymeRPCResponse
	if err := decodeGatewayBody("payme", body, &decoded); err != nil {
		return ChargeResult{Success: false, Message: err.Error(), Raw: rawGatewayBody(body)}, nil
	}

	if status < 200 || status >= 300 || decoded.Error != nil {
		message := fmt.Sprintf("payme rejected the charge (http %d)", status)
		if decoded.Error != nil && strings.TrimSpace(decoded.Error.Message) != "" {
			message = decoded.Error.Message
		}
		code := 0
		if decoded.Error != nil {
			code = decoded.Error.Code
		}
		p.core.logger(ctx, "payments_payme_declined", map[string]any{
			"orderId":   req.OrderID,
			"errorCode": code,
			"status":    status,
		})
		return ChargeResult{Success: false, Message: message, Raw: rawGatewayBody(body)}, nil
	}

	if decoded.Result == nil || decoded.Result.Receipt.ID == "" {
		return ChargeResult{Success: false, Message: "payme returned no receipt", Raw: rawGatewayBody(body)}, nil
	}
	if decoded.Result.Receipt.State != paymeReceiptStatePaid {
		return ChargeResult{
			Success: false,
			Message: fmt.Sprintf("payme receipt not paid (state %d)", decoded.Result.Receipt.State),
			Raw:     rawGatewayBody(body),
		}, nil
	}

	p.core.logger(ctx, "payments_payme_charged", map[string]any{
		"orderId":   req.OrderID,
		"receiptId": decoded.Result.Receipt.ID,
	})
	return ChargeResult{
		Success:               true,
		ProviderTransactionID: decoded.Result.Receipt.ID,
		Raw:                   rawGatewayBody(body),
	}, nil
}

// Refund cancels a paid receipt so Payme returns the funds.
func (p *PaymeProvider) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if p == nil {
		return RefundResult{}, errors.New("payme: provider is nil")
	}

	payload := paymeRPCRequest{
		JSONRPC: "2.0",
		ID:      req.RefundID,
		Method:  "receipts.cancel",
		Params: map[string]any{
			"id":     req.ProviderTransactionID,
			"reason": strings.TrimSpace(req.Reason),
		},
	}

	status, body, err := p.core.postJSON(ctx, "", p.headers(), payload)
	if err != nil {
		p.core.logger(ctx, "payments_payme_unreachable", map[string]any{"orderId": req.OrderID, "error": err.Error()})
		return RefundResult{Success: false, Message: transportFailureMessage(err)}, nil
	}

	var decoded paymeRPCResponse
	if err := decodeGatewayBody("payme", body, &decoded); err != nil {
		return RefundResult{Success: false, Message: err.Error(), Raw: rawGatewayBody(body)}, nil
	}

	if status < 200 || status >= 300 || decoded.Error != nil {
		message := fmt.Sprintf("payme rejected the refund (http %d)", status)
		if decoded.Error != nil && strings.TrimSpace(decoded.Error.Message) != "" {
			message = decoded.Error.Message
		}
		return RefundResult{Success: false, Message: message, Raw: rawGatewayBody(body)}, nil
	}

	refundID := req.ProviderTransactionID
	if decoded.Result != nil && decoded.Result.Receipt.ID != "" {
		refundID = decoded.Result.Receipt.ID
	}
	return RefundResult{Success: true, ProviderRefundID: refundID, Raw: rawGatewayBody(body)}, nil
}

func (p *PaymeProvider) headers() http.Header {
	headers := http.Header{}
	headers.Set("X-Auth", p.authHeader)
	return headers
}
