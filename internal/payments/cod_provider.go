package payments

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// CashOnDeliveryProvider settles orders paid in cash at handover. No gateway
// is involved: the charge succeeds immediately and couriers collect the cash
// when the order is delivered.
type CashOnDeliveryProvider struct {
	generateID func() string
	now        func() time.Time
}

// CashOnDeliveryConfig configures the CashOnDeliveryProvider.
type CashOnDeliveryConfig struct {
	IDGenerator func() string
	Clock       func() time.Time
}

// NewCashOnDeliveryProvider constructs the local cash provider.
func NewCashOnDeliveryProvider(cfg CashOnDeliveryConfig) (*CashOnDeliveryProvider, error) {
	generateID := cfg.IDGenerator
	if generateID == nil {
		generateID = func() string { return ulid.Make().String() }
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &CashOnDeliveryProvider{
		generateID: generateID,
		now:        func() time.Time { return now().UTC() },
	}, nil
}

// Name identifies the provider in logs and payment records.
func (p *CashOnDeliveryProvider) Name() string { return "cash_on_delivery" }

// Charge records the cash obligation. The reference it issues stands in for a
// gateway transaction id on receipts and courier manifests.
func (p *CashOnDeliveryProvider) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if p == nil {
		return ChargeResult{}, errors.New("cash_on_delivery: provider is nil")
	}
	reference := "COD-" + p.generateID()
	return ChargeResult{
		Success:               true,
		ProviderTransactionID: reference,
		Raw: map[string]any{
			"reference":   reference,
			"collectedAt": nil,
			"issuedAt":    p.now().Format(time.RFC3339),
		},
	}, nil
}

// Refund voids the cash obligation. Nothing was collected upstream, so the
// reversal is always local and always succeeds.
func (p *CashOnDeliveryProvider) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if p == nil {
		return RefundResult{}, errors.New("cash_on_delivery: provider is nil")
	}
	reference := "COD-" + p.generateID()
	return RefundResult{
		Success:          true,
		ProviderRefundID: reference,
		Raw: map[string]any{
			"reference":  reference,
			"reversedAt": p.now().Format(time.RFC3339),
			"original":   req.ProviderTransactionID,
		},
	}, nil
}
