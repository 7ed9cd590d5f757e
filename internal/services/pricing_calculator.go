package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/ultramarket/orders-api/internal/domain"
)

var (
	// ErrPricingInvalidInput signals bad request data such as non-positive quantities or negative prices.
	ErrPricingInvalidInput = errors.New("order pricing: invalid input")
	// ErrCouponNotFound is returned by discount resolvers for unknown, inactive, or expired coupon codes.
	ErrCouponNotFound = errors.New("order pricing: coupon not found")
)

// DiscountResolver resolves a coupon code into a discount amount for the given
// subtotal. Implementations return ErrCouponNotFound for codes that cannot be
// redeemed; any other error is treated as a lookup failure.
type DiscountResolver interface {
	ResolveDiscount(ctx context.Context, code string, subtotal int64) (int64, error)
}

// PricingRates holds the tariff knobs applied by the calculator. Zero values
// fall back to the platform defaults in NewPricingCalculator.
type PricingRates struct {
	Currency              string
	TaxRateBasisPoints    int64
	FreeShippingThreshold int64
	BaseShippingFee       int64
	PerKgShippingFee      int64
}

const (
	defaultTaxRateBasisPoints    = 1500
	defaultFreeShippingThreshold = 500_000
	defaultBaseShippingFee       = 20_000
	defaultPerKgShippingFee      = 5_000
	defaultPricingCurrency       = "UZS"
)

// PricingCalculator prices order candidates. It is deterministic for a given
// rate set and discount resolver and performs no writes, so callers may invoke
// it repeatedly while composing an order.
type PricingCalculator struct {
	rates     PricingRates
	discounts DiscountResolver
	logger    func(context.Context, string, map[string]any)
}

type PricingCalculatorDeps struct {
	Rates     PricingRates
	Discounts DiscountResolver
	Logger    func(context.Context, string, map[string]any)
}

func NewPricingCalculator(deps PricingCalculatorDeps) (*PricingCalculator, error) {
	if deps.Discounts == nil {
		return nil, errors.New("pricing calculator: discount resolver is required")
	}

	rates := deps.Rates
	if strings.TrimSpace(rates.Currency) == "" {
		rates.Currency = defaultPricingCurrency
	}
	rates.Currency = strings.ToUpper(strings.TrimSpace(rates.Currency))
	if rates.TaxRateBasisPoints == 0 {
		rates.TaxRateBasisPoints = defaultTaxRateBasisPoints
	}
	if rates.TaxRateBasisPoints < 0 || rates.TaxRateBasisPoints > domain.BasisPointDenominator {
		return nil, fmt.Errorf("pricing calculator: tax rate %d out of range", rates.TaxRateBasisPoints)
	}
	if rates.FreeShippingThreshold == 0 {
		rates.FreeShippingThreshold = defaultFreeShippingThreshold
	}
	if rates.FreeShippingThreshold < 0 {
		return nil, errors.New("pricing calculator: free shipping threshold cannot be negative")
	}
	if rates.BaseShippingFee == 0 {
		rates.BaseShippingFee = defaultBaseShippingFee
	}
	if rates.BaseShippingFee < 0 || rates.PerKgShippingFee < 0 {
		return nil, errors.New("pricing calculator: shipping fees cannot be negative")
	}
	if rates.PerKgShippingFee == 0 {
		rates.PerKgShippingFee = defaultPerKgShippingFee
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &PricingCalculator{rates: rates, discounts: deps.Discounts, logger: logger}, nil
}

// Calculate prices the input and returns a breakdown satisfying
// Total == Subtotal + Tax + Shipping - Discount with every component >= 0.
// Coupon resolution is best effort: unknown codes and resolver failures price
// to a zero discount with a warning event instead of failing the calculation.
func (c *PricingCalculator) Calculate(ctx context.Context, input domain.PricingInput) (domain.PricingBreakdown, error) {
	currency, err := c.resolveCurrency(input.Currency)
	if err != nil {
		return domain.PricingBreakdown{}, err
	}
	if input.WeightGrams < 0 {
		return domain.PricingBreakdown{}, fmt.Errorf("%w: weight cannot be negative", ErrPricingInvalidInput)
	}
	if len(input.Items) == 0 {
		return domain.PricingBreakdown{Currency: currency}, nil
	}

	var subtotal int64
	for _, item := range input.Items {
		if item.Quantity <= 0 {
			return domain.PricingBreakdown{}, fmt.Errorf("%w: item %s quantity must be positive", ErrPricingInvalidInput, item.ProductID)
		}
		if item.UnitPrice < 0 {
			return domain.PricingBreakdown{}, fmt.Errorf("%w: item %s unit price cannot be negative", ErrPricingInvalidInput, item.ProductID)
		}

		quantity := int64(item.Quantity)
		if item.UnitPrice > 0 && item.UnitPrice > math.MaxInt64/quantity {
			return domain.PricingBreakdown{}, fmt.Errorf("%w: item %s subtotal overflow", ErrPricingInvalidInput, item.ProductID)
		}
		lineTotal := item.UnitPrice * quantity
		if lineTotal > 0 && subtotal > math.MaxInt64-lineTotal {
			return domain.PricingBreakdown{}, fmt.Errorf("%w: order subtotal overflow", ErrPricingInvalidInput)
		}
		subtotal += lineTotal
	}

	tax := domain.ApplyBasisPoints(subtotal, c.rates.TaxRateBasisPoints)

	shipping, err := c.shippingFee(subtotal, input.WeightGrams)
	if err != nil {
		return domain.PricingBreakdown{}, err
	}

	discount := c.resolveDiscount(ctx, input.CouponCode, subtotal)
	if discount > subtotal {
		c.logger(ctx, "pricing_discount_clamped", map[string]any{"subtotal": subtotal, "discount": discount})
		discount = subtotal
	}

	total := subtotal - discount + tax
	if shipping > 0 && total > math.MaxInt64-shipping {
		return domain.PricingBreakdown{}, fmt.Errorf("%w: order total overflow", ErrPricingInvalidInput)
	}
	total += shipping

	return domain.PricingBreakdown{
		Currency: currency,
		Subtotal: subtotal,
		Discount: discount,
		Tax:      tax,
		Shipping: shipping,
		Total:    total,
	}, nil
}

func (c *PricingCalculator) resolveCurrency(requested string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(requested))
	if trimmed == "" {
		return c.rates.Currency, nil
	}
	if trimmed != c.rates.Currency {
		return "", fmt.Errorf("%w: currency %s is not supported", ErrPricingInvalidInput, trimmed)
	}
	return trimmed, nil
}

// shippingFee bills a flat base fee covering the first kilogram plus a per-kg
// surcharge for every started kilogram above it. Orders at or above the free
// shipping threshold ship free.
func (c *PricingCalculator) shippingFee(subtotal, weightGrams int64) (int64, error) {
	if subtotal >= c.rates.FreeShippingThreshold {
		return 0, nil
	}
	chargeableKg := (weightGrams + 999) / 1000
	if chargeableKg <= 1 {
		return c.rates.BaseShippingFee, nil
	}
	extraKg := chargeableKg - 1
	if c.rates.PerKgShippingFee > 0 && extraKg > math.MaxInt64/c.rates.PerKgShippingFee {
		return 0, fmt.Errorf("%w: shipping weight overflow", ErrPricingInvalidInput)
	}
	surcharge := extraKg * c.rates.PerKgShippingFee
	if c.rates.BaseShippingFee > math.MaxInt64-surcharge {
		return 0, fmt.Errorf("%w: shipping fee overflow", ErrPricingInvalidInput)
	}
	return c.rates.BaseShippingFee + surcharge, nil
}

func (c *PricingCalculator) resolveDiscount(ctx context.Context, code string, subtotal int64) int64 {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if normalized == "" || subtotal == 0 {
		return 0
	}

	discount, err := c.discounts.ResolveDiscount(ctx, normalized, subtotal)
	if err != nil {
		event := "pricing_coupon_lookup_failed"
		if errors.Is(err, ErrCouponNotFound) {
			event = "pricing_coupon_missing"
		}
		c.logger(ctx, event, map[string]any{"couponCode": normalized, "error": err.Error()})
		return 0
	}
	if discount < 0 {
		c.logger(ctx, "pricing_coupon_negative_discount", map[string]any{"couponCode": normalized, "discount": discount})
		return 0
	}
	return discount
}
