package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/ultramarket/orders-api/internal/domain"
	pfirestore "github.com/ultramarket/orders-api/internal/platform/firestore"
)

const couponsCollection = "coupons"

// CouponRepository implements repositories.CouponRepository on Firestore.
// Coupon documents are keyed by their upper-cased code.
type CouponRepository struct {
	coupons *pfirestore.BaseRepository[couponDocument]
}

// NewCouponRepository constructs a Firestore-backed coupon repository.
func NewCouponRepository(provider *pfirestore.Provider) (*CouponRepository, error) {
	if provider == nil {
		return nil, errors.New("coupon repository requires firestore provider")
	}
	coupons := pfirestore.NewBaseRepository[couponDocument](provider, couponsCollection, nil)
	return &CouponRepository{coupons: coupons}, nil
}

// FindByCode loads one coupon. Missing codes surface as a not-found
// repository error for the resolver to translate.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	if r == nil || r.coupons == nil {
		return domain.Coupon{}, errors.New("coupon repository not initialised")
	}
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if normalized == "" {
		return domain.Coupon{}, errors.New("coupon find: code is required")
	}

	doc, err := r.coupons.Get(ctx, normalized)
	if err != nil {
		return domain.Coupon{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

type couponDocument struct {
	Amount         int64      `firestore:"amount"`
	PercentBasisPt int64      `firestore:"percentBasisPt"`
	ExpiresAt      *time.Time `firestore:"expiresAt,omitempty"`
	Active         bool       `firestore:"active"`
	CreatedAt      time.Time  `firestore:"createdAt"`
	UpdatedAt      time.Time  `firestore:"updatedAt"`
}

func (d couponDocument) toDomain(code string) domain.Coupon {
	return domain.Coupon{
		Code:           code,
		Amount:         d.Amount,
		PercentBasisPt: d.PercentBasisPt,
		ExpiresAt:      d.ExpiresAt,
		Active:         d.Active,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}
