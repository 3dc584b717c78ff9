package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/session"
	"github.com/hanko-field/storefront/internal/repositories"
)

const maxCouponCodeLength = 50

var (
	errCouponRepositoryRequired = errors.New("coupon service: repositories are required")
	errCouponCartsRequired      = errors.New("coupon service: cart service is required")
	hundred                     = decimal.NewFromInt(100)
)

// CouponServiceDeps wires the coupon engine.
type CouponServiceDeps struct {
	Repositories repositories.Registry
	Carts        CartService
	TaxRate      decimal.Decimal
	Clock        func() time.Time
	Logger       func(context.Context, string, map[string]any)
}

type couponService struct {
	repos   repositories.Registry
	carts   CartService
	taxRate decimal.Decimal
	now     func() time.Time
	logger  func(context.Context, string, map[string]any)
}

// NewCouponService constructs the coupon engine.
func NewCouponService(deps CouponServiceDeps) (CouponService, error) {
	if deps.Repositories == nil {
		return nil, errCouponRepositoryRequired
	}
	if deps.Carts == nil {
		return nil, errCouponCartsRequired
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &couponService{
		repos:   deps.Repositories,
		carts:   deps.Carts,
		taxRate: deps.TaxRate,
		now:     func() time.Time { return clock().UTC() },
		logger:  logger,
	}, nil
}

// NormalizeCouponCode trims and uppercases a code with Unicode case mapping. A Caser is
// stateful, so one is built per call.
func NormalizeCouponCode(code string) string {
	return cases.Upper(language.Und).String(strings.TrimSpace(code))
}

// Validate applies the rules in order and returns the first failure as a *CouponRejection.
func (s *couponService) Validate(ctx context.Context, coupon Coupon, userID string, subtotal decimal.Decimal) error {
	now := s.now()
	switch {
	case !coupon.IsActive:
		return &CouponRejection{Reason: CouponReasonInactive, Message: "This coupon is not active."}
	case now.Before(coupon.ValidFrom):
		return &CouponRejection{Reason: CouponReasonNotYetValid, Message: "This coupon is not yet valid."}
	case now.After(coupon.ValidUntil):
		return &CouponRejection{Reason: CouponReasonExpired, Message: "This coupon has expired."}
	case limitSet(coupon.MaxUses) && coupon.CurrentUses >= *coupon.MaxUses:
		return &CouponRejection{Reason: CouponReasonUsageLimit, Message: "This coupon has reached its usage limit."}
	}

	if limitSet(coupon.MaxUsesPerUser) {
		used, err := s.repos.Coupons().CountUsage(ctx, coupon.ID, userID)
		if err != nil {
			return translateRepoError(err, ErrCouponNotFound)
		}
		if used >= *coupon.MaxUsesPerUser {
			return &CouponRejection{Reason: CouponReasonUserLimit, Message: "You have already used this coupon the maximum number of times."}
		}
	}

	if subtotal.LessThan(coupon.MinOrderValue) {
		return &CouponRejection{
			Reason:  CouponReasonMinimumOrder,
			Message: "Minimum order value of $" + coupon.MinOrderValue.StringFixed(2) + " required.",
		}
	}
	return nil
}

// CalculateDiscount computes the discount for subtotal rounded half-up to cents.
// A zero MaxDiscount means no cap.
func (s *couponService) CalculateDiscount(coupon Coupon, subtotal decimal.Decimal) decimal.Decimal {
	var discount decimal.Decimal
	switch coupon.DiscountType {
	case domain.DiscountPercentage:
		discount = subtotal.Mul(coupon.DiscountValue).Div(hundred)
		if coupon.MaxDiscount != nil && coupon.MaxDiscount.IsPositive() {
			discount = decimal.Min(discount, *coupon.MaxDiscount)
		}
	case domain.DiscountFixed:
		discount = decimal.Min(coupon.DiscountValue, subtotal)
	default:
		return decimal.Zero
	}
	if discount.IsNegative() {
		return decimal.Zero
	}
	return domain.RoundMoney(discount)
}

// Apply validates code against the live cart total and stores the resulting discount in the session.
func (s *couponService) Apply(ctx context.Context, sess SessionStore, userID, code string) (CouponPreview, error) {
	code = NormalizeCouponCode(code)
	if code == "" {
		return CouponPreview{}, &ValidationError{Field: "code", Message: "Please enter a coupon code."}
	}
	if sess == nil {
		return CouponPreview{}, ErrCartSessionRequired
	}

	coupon, err := s.repos.Coupons().FindByCode(ctx, code)
	if err != nil {
		if isRepoNotFound(err) {
			return CouponPreview{}, &CouponRejection{Reason: "unknown_code", Message: "Invalid coupon code."}
		}
		return CouponPreview{}, translateRepoError(err, ErrCouponNotFound)
	}

	store, err := s.carts.StoreFor(userID, sess)
	if err != nil {
		return CouponPreview{}, err
	}
	subtotal, err := store.Total(ctx)
	if err != nil {
		return CouponPreview{}, err
	}
	if err := s.Validate(ctx, coupon, userID, subtotal); err != nil {
		return CouponPreview{}, err
	}

	discount := s.CalculateDiscount(coupon, subtotal)
	applied := AppliedDiscount{
		Code:          coupon.Code,
		CouponID:      coupon.ID,
		Discount:      discount,
		DiscountType:  coupon.DiscountType,
		DiscountValue: coupon.DiscountValue,
		AppliedAt:     s.now(),
	}
	if err := sess.Save(ctx, session.KeyAppliedCoupon, applied); err != nil {
		return CouponPreview{}, errors.Join(ErrUnavailable, err)
	}
	s.logger(ctx, "coupon.applied", map[string]any{"code": coupon.Code, "userId": userID, "discount": discount.StringFixed(2)})

	return CouponPreview{
		Code:        coupon.Code,
		Description: coupon.Description,
		Discount:    discount,
		Pricing:     domain.Price(subtotal, discount, s.taxRate),
	}, nil
}

// Remove drops the applied discount and returns the undiscounted totals.
func (s *couponService) Remove(ctx context.Context, sess SessionStore, userID string) (CouponPreview, error) {
	if sess == nil {
		return CouponPreview{}, ErrCartSessionRequired
	}
	if err := sess.Delete(ctx, session.KeyAppliedCoupon); err != nil {
		return CouponPreview{}, errors.Join(ErrUnavailable, err)
	}
	store, err := s.carts.StoreFor(userID, sess)
	if err != nil {
		return CouponPreview{}, err
	}
	subtotal, err := store.Total(ctx)
	if err != nil {
		return CouponPreview{}, err
	}
	return CouponPreview{Discount: decimal.Zero, Pricing: domain.Price(subtotal, decimal.Zero, s.taxRate)}, nil
}

// CreateCoupon canonicalises the code and persists the coupon.
func (s *couponService) CreateCoupon(ctx context.Context, cmd CreateCouponCommand) (Coupon, error) {
	code := NormalizeCouponCode(cmd.Code)
	switch {
	case code == "" || len(code) > maxCouponCodeLength:
		return Coupon{}, &ValidationError{Field: "code", Message: "must be 1-50 characters"}
	case cmd.DiscountType != domain.DiscountPercentage && cmd.DiscountType != domain.DiscountFixed:
		return Coupon{}, &ValidationError{Field: "discountType", Message: "must be percentage or fixed"}
	case cmd.DiscountValue.IsNegative():
		return Coupon{}, &ValidationError{Field: "discountValue", Message: "must not be negative"}
	case cmd.MaxDiscount != nil && cmd.MaxDiscount.IsNegative():
		return Coupon{}, &ValidationError{Field: "maxDiscount", Message: "must not be negative"}
	case cmd.MinOrderValue.IsNegative():
		return Coupon{}, &ValidationError{Field: "minOrderValue", Message: "must not be negative"}
	case cmd.MaxUses != nil && *cmd.MaxUses < 0, cmd.MaxUsesPerUser != nil && *cmd.MaxUsesPerUser < 0:
		return Coupon{}, &ValidationError{Field: "maxUses", Message: "must not be negative"}
	case !cmd.ValidUntil.After(cmd.ValidFrom):
		return Coupon{}, &ValidationError{Field: "validUntil", Message: "must be after validFrom"}
	}

	now := s.now()
	created, err := s.repos.Coupons().Create(ctx, Coupon{
		Code:           code,
		Description:    strings.TrimSpace(cmd.Description),
		DiscountType:   cmd.DiscountType,
		DiscountValue:  domain.RoundMoney(cmd.DiscountValue),
		MaxDiscount:    cmd.MaxDiscount,
		MinOrderValue:  domain.RoundMoney(cmd.MinOrderValue),
		MaxUses:        cmd.MaxUses,
		MaxUsesPerUser: cmd.MaxUsesPerUser,
		ValidFrom:      cmd.ValidFrom.UTC(),
		ValidUntil:     cmd.ValidUntil.UTC(),
		IsActive:       cmd.Active,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsConflict() {
			return Coupon{}, &ValidationError{Field: "code", Message: "already exists"}
		}
		return Coupon{}, translateRepoError(err, ErrCouponNotFound)
	}
	return created, nil
}

// limitSet treats nil and zero as unlimited.
func limitSet(limit *int) bool {
	return limit != nil && *limit > 0
}
