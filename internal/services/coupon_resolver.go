package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ultramarket/orders-api/internal/repositories"
)

// CouponDiscountResolver resolves discounts from the coupons collection. It is
// the production DiscountResolver behind the pricing calculator.
type CouponDiscountResolver struct {
	coupons repositories.CouponRepository
	now     func() time.Time
}

type CouponDiscountResolverDeps struct {
	Coupons repositories.CouponRepository
	Clock   func() time.Time
}

func NewCouponDiscountResolver(deps CouponDiscountResolverDeps) (*CouponDiscountResolver, error) {
	if deps.Coupons == nil {
		return nil, errors.New("coupon resolver: coupon repository is required")
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	return &CouponDiscountResolver{
		coupons: deps.Coupons,
		now:     func() time.Time { return now().UTC() },
	}, nil
}

// ResolveDiscount looks the code up and returns its discount for the subtotal.
// Unknown, inactive, and expired coupons resolve to ErrCouponNotFound so the
// calculator can downgrade them to a zero discount.
func (r *CouponDiscountResolver) ResolveDiscount(ctx context.Context, code string, subtotal int64) (int64, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if normalized == "" {
		return 0, nil
	}

	coupon, err := r.coupons.FindByCode(ctx, normalized)
	if err != nil {
		if isRepoNotFound(err) {
			return 0, fmt.Errorf("%w: %s", ErrCouponNotFound, normalized)
		}
		return 0, fmt.Errorf("resolve coupon %s: %w", normalized, err)
	}
	if !coupon.Redeemable(r.now()) {
		return 0, fmt.Errorf("%w: %s", ErrCouponNotFound, normalized)
	}
	return coupon.DiscountFor(subtotal), nil
}
