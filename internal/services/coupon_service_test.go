package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/session"
)

func newTestCouponService(t *testing.T, repo *memoryRegistry) CouponService {
	t.Helper()
	carts := newTestCartService(t, repo)
	svc, err := NewCouponService(CouponServiceDeps{
		Repositories: repo,
		Carts:        carts,
		TaxRate:      dec("0.10"),
		Clock:        func() time.Time { return cartNow },
	})
	if err != nil {
		t.Fatalf("unexpected error constructing coupon service: %v", err)
	}
	return svc
}

func activeCoupon(code string) domain.Coupon {
	return domain.Coupon{
		ID:            "coupon-" + code,
		Code:          code,
		DiscountType:  domain.DiscountFixed,
		DiscountValue: dec("10"),
		ValidFrom:     cartNow.Add(-24 * time.Hour),
		ValidUntil:    cartNow.Add(24 * time.Hour),
		IsActive:      true,
	}
}

func rejectionReason(t *testing.T, err error) *CouponRejection {
	t.Helper()
	var rejection *CouponRejection
	if !errors.As(err, &rejection) {
		t.Fatalf("expected coupon rejection, got %v", err)
	}
	return rejection
}

func TestCouponValidateRulesInOrder(t *testing.T) {
	repo := newMemoryRegistry()
	svc := newTestCouponService(t, repo)
	ctx := context.Background()

	cases := []struct {
		name    string
		mutate  func(*domain.Coupon)
		reason  string
		message string
	}{
		{
			name:    "inactive wins over expiry",
			mutate:  func(c *domain.Coupon) { c.IsActive = false; c.ValidUntil = cartNow.Add(-time.Hour) },
			reason:  CouponReasonInactive,
			message: "This coupon is not active.",
		},
		{
			name:    "not yet valid",
			mutate:  func(c *domain.Coupon) { c.ValidFrom = cartNow.Add(time.Hour) },
			reason:  CouponReasonNotYetValid,
			message: "This coupon is not yet valid.",
		},
		{
			name:    "expired",
			mutate:  func(c *domain.Coupon) { c.ValidUntil = cartNow.Add(-time.Minute) },
			reason:  CouponReasonExpired,
			message: "This coupon has expired.",
		},
		{
			name:    "global usage cap",
			mutate:  func(c *domain.Coupon) { c.MaxUses = intPtr(3); c.CurrentUses = 3 },
			reason:  CouponReasonUsageLimit,
			message: "This coupon has reached its usage limit.",
		},
		{
			name:    "minimum order",
			mutate:  func(c *domain.Coupon) { c.MinOrderValue = dec("50") },
			reason:  CouponReasonMinimumOrder,
			message: "Minimum order value of $50.00 required.",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			coupon := activeCoupon("RULES")
			tc.mutate(&coupon)
			rejection := rejectionReason(t, svc.Validate(ctx, coupon, "user-1", dec("25")))
			if rejection.Reason != tc.reason || rejection.Message != tc.message {
				t.Fatalf("expected %s %q, got %s %q", tc.reason, tc.message, rejection.Reason, rejection.Message)
			}
		})
	}
}

func TestCouponValidateZeroLimitsAreUnlimited(t *testing.T) {
	svc := newTestCouponService(t, newMemoryRegistry())
	coupon := activeCoupon("FREE")
	coupon.MaxUses = intPtr(0)
	coupon.MaxUsesPerUser = intPtr(0)
	coupon.CurrentUses = 1000

	if err := svc.Validate(context.Background(), coupon, "user-1", dec("25")); err != nil {
		t.Fatalf("expected zero limits to mean unlimited, got %v", err)
	}
}

func TestCouponValidatePerUserCap(t *testing.T) {
	repo := newMemoryRegistry()
	repo.usages = []domain.CouponUsage{{CouponID: "coupon-ONCE", UserID: "user-1"}}
	svc := newTestCouponService(t, repo)
	coupon := activeCoupon("ONCE")
	coupon.MaxUsesPerUser = intPtr(1)

	rejection := rejectionReason(t, svc.Validate(context.Background(), coupon, "user-1", dec("25")))
	if rejection.Message != "You have already used this coupon the maximum number of times." {
		t.Fatalf("unexpected message %q", rejection.Message)
	}
	if err := svc.Validate(context.Background(), coupon, "user-2", dec("25")); err != nil {
		t.Fatalf("expected other users to pass, got %v", err)
	}
}

func TestCouponCalculateDiscount(t *testing.T) {
	svc := newTestCouponService(t, newMemoryRegistry())
	capFive := dec("5")
	zero := dec("0")

	cases := []struct {
		name     string
		coupon   domain.Coupon
		subtotal string
		want     string
	}{
		{"percentage rounds half up", domain.Coupon{DiscountType: domain.DiscountPercentage, DiscountValue: dec("10")}, "123.45", "12.35"},
		{"percentage capped", domain.Coupon{DiscountType: domain.DiscountPercentage, DiscountValue: dec("10"), MaxDiscount: &capFive}, "123.45", "5"},
		{"zero cap means uncapped", domain.Coupon{DiscountType: domain.DiscountPercentage, DiscountValue: dec("50"), MaxDiscount: &zero}, "40", "20"},
		{"fixed limited to subtotal", domain.Coupon{DiscountType: domain.DiscountFixed, DiscountValue: dec("10")}, "6", "6"},
		{"unknown type", domain.Coupon{DiscountType: "bogus", DiscountValue: dec("10")}, "6", "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := svc.CalculateDiscount(tc.coupon, dec(tc.subtotal))
			if !got.Equal(dec(tc.want)) {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestCouponApplyStoresDiscountInSession(t *testing.T) {
	repo := newMemoryRegistry(catalogFixture()...)
	repo.addCoupon(activeCoupon("FIXED10"))
	svc := newTestCouponService(t, repo)
	ctx := context.Background()
	sess := newFakeSession()
	_ = sess.Save(ctx, session.KeyCart, []CartLine{{ProductID: "p1", UnitPrice: dec("10"), Quantity: 1}, {ProductID: "p2", UnitPrice: dec("15"), Quantity: 1}})

	preview, err := svc.Apply(ctx, sess, "", "  fixed10 ")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if preview.Code != "FIXED10" || !preview.Discount.Equal(dec("10")) {
		t.Fatalf("unexpected preview %+v", preview)
	}
	if !preview.Pricing.Total.Equal(dec("16.50")) {
		t.Fatalf("expected total 16.50, got %s", preview.Pricing.Total)
	}

	var applied AppliedDiscount
	found, err := sess.Load(ctx, session.KeyAppliedCoupon, &applied)
	if err != nil || !found {
		t.Fatalf("expected applied coupon in session, found=%v err=%v", found, err)
	}
	if applied.CouponID != "coupon-FIXED10" || !applied.Discount.Equal(dec("10")) {
		t.Fatalf("unexpected applied discount %+v", applied)
	}
}

func TestCouponApplyRejectsEmptyAndUnknownCodes(t *testing.T) {
	svc := newTestCouponService(t, newMemoryRegistry(catalogFixture()...))
	ctx := context.Background()
	sess := newFakeSession()

	_, err := svc.Apply(ctx, sess, "", "   ")
	var validation *ValidationError
	if !errors.As(err, &validation) || validation.Message != "Please enter a coupon code." {
		t.Fatalf("expected empty code validation, got %v", err)
	}

	_, err = svc.Apply(ctx, sess, "", "NOPE")
	if rejection := rejectionReason(t, err); rejection.Message != "Invalid coupon code." {
		t.Fatalf("unexpected message %q", rejection.Message)
	}
	if sess.has(session.KeyAppliedCoupon) {
		t.Fatalf("expected nothing stored for a rejected code")
	}
}

func TestCouponRemoveRestoresUndiscountedTotals(t *testing.T) {
	repo := newMemoryRegistry(catalogFixture()...)
	repo.addCoupon(activeCoupon("FIXED10"))
	svc := newTestCouponService(t, repo)
	ctx := context.Background()
	sess := newFakeSession()
	_ = sess.Save(ctx, session.KeyCart, []CartLine{{ProductID: "p1", UnitPrice: dec("10"), Quantity: 1}, {ProductID: "p2", UnitPrice: dec("15"), Quantity: 1}})
	if _, err := svc.Apply(ctx, sess, "", "FIXED10"); err != nil {
		t.Fatalf("apply: %v", err)
	}

	preview, err := svc.Remove(ctx, sess, "")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if sess.has(session.KeyAppliedCoupon) {
		t.Fatalf("expected applied coupon removed")
	}
	if !preview.Pricing.Total.Equal(dec("27.50")) {
		t.Fatalf("expected total 27.50, got %s", preview.Pricing.Total)
	}
}

func TestCouponCreateNormalisesAndRejectsDuplicates(t *testing.T) {
	repo := newMemoryRegistry()
	svc := newTestCouponService(t, repo)
	ctx := context.Background()
	cmd := CreateCouponCommand{
		Code:          " welcome ",
		DiscountType:  domain.DiscountPercentage,
		DiscountValue: dec("15"),
		ValidFrom:     cartNow,
		ValidUntil:    cartNow.Add(30 * 24 * time.Hour),
		Active:        true,
	}

	created, err := svc.CreateCoupon(ctx, cmd)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Code != "WELCOME" || created.ID == "" {
		t.Fatalf("unexpected coupon %+v", created)
	}

	_, err = svc.CreateCoupon(ctx, cmd)
	var validation *ValidationError
	if !errors.As(err, &validation) || validation.Message != "already exists" {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}

	cmd.Code = "LATER"
	cmd.ValidUntil = cmd.ValidFrom
	if _, err := svc.CreateCoupon(ctx, cmd); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected window validation error, got %v", err)
	}
}
