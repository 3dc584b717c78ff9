package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/hanko-field/storefront/internal/domain"
	ppostgres "github.com/hanko-field/storefront/internal/platform/postgres"
)

const couponColumns = `id, code, description, discount_type, discount_value, max_discount, min_order_value,
max_uses, max_uses_per_user, current_uses, valid_from, valid_until, is_active, created_at, updated_at`

// CouponRepository persists coupons and coupon_usages.
type CouponRepository struct {
	db *sql.DB
}

func (r *CouponRepository) Create(ctx context.Context, coupon domain.Coupon) (domain.Coupon, error) {
	if coupon.ID == "" {
		coupon.ID = ulid.Make().String()
	}
	now := time.Now().UTC()
	if coupon.CreatedAt.IsZero() {
		coupon.CreatedAt = now
	}
	if coupon.UpdatedAt.IsZero() {
		coupon.UpdatedAt = coupon.CreatedAt
	}
	_, err := ppostgres.Conn(ctx, r.db).ExecContext(ctx, `
INSERT INTO coupons (`+couponColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		coupon.ID, coupon.Code, coupon.Description, string(coupon.DiscountType), coupon.DiscountValue,
		nullDecimal(coupon.MaxDiscount), coupon.MinOrderValue, nullInt(coupon.MaxUses), nullInt(coupon.MaxUsesPerUser),
		coupon.CurrentUses, coupon.ValidFrom, coupon.ValidUntil, coupon.IsActive, coupon.CreatedAt, coupon.UpdatedAt)
	if err != nil {
		return domain.Coupon{}, ppostgres.WrapError("coupons.create", err)
	}
	return coupon, nil
}

func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	row := ppostgres.Conn(ctx, r.db).QueryRowContext(ctx, `SELECT `+couponColumns+` FROM coupons WHERE code = $1`, code)
	coupon, err := scanCoupon(row)
	if err != nil {
		return domain.Coupon{}, ppostgres.WrapError("coupons.find_by_code", err)
	}
	return coupon, nil
}

func (r *CouponRepository) LockByID(ctx context.Context, couponID string) (domain.Coupon, error) {
	row := ppostgres.Conn(ctx, r.db).QueryRowContext(ctx, `SELECT `+couponColumns+` FROM coupons WHERE id = $1 FOR UPDATE`, couponID)
	coupon, err := scanCoupon(row)
	if err != nil {
		return domain.Coupon{}, ppostgres.WrapError("coupons.lock", err)
	}
	return coupon, nil
}

func (r *CouponRepository) IncrementUses(ctx context.Context, couponID string, now time.Time) error {
	res, err := ppostgres.Conn(ctx, r.db).ExecContext(ctx,
		`UPDATE coupons SET current_uses = current_uses + 1, updated_at = $2 WHERE id = $1`, couponID, now)
	if err != nil {
		return ppostgres.WrapError("coupons.increment_uses", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ppostgres.NotFound("coupons.increment_uses", "coupon %s not found", couponID)
	}
	return nil
}

func (r *CouponRepository) CountUsage(ctx context.Context, couponID, userID string) (int, error) {
	var count int
	err := ppostgres.Conn(ctx, r.db).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM coupon_usages WHERE coupon_id = $1 AND user_id = $2`, couponID, userID).Scan(&count)
	if err != nil {
		return 0, ppostgres.WrapError("coupons.count_usage", err)
	}
	return count, nil
}

func (r *CouponRepository) InsertUsage(ctx context.Context, usage domain.CouponUsage) error {
	if usage.ID == "" {
		usage.ID = ulid.Make().String()
	}
	_, err := ppostgres.Conn(ctx, r.db).ExecContext(ctx, `
INSERT INTO coupon_usages (id, coupon_id, user_id, order_id, discount_amount, used_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		usage.ID, usage.CouponID, usage.UserID, usage.OrderID, usage.DiscountAmount, usage.UsedAt)
	return ppostgres.WrapError("coupons.insert_usage", err)
}

func scanCoupon(row rowScanner) (domain.Coupon, error) {
	var (
		c                   domain.Coupon
		discountType        string
		maxDiscount         decimal.NullDecimal
		maxUses, maxPerUser sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.Code, &c.Description, &discountType, &c.DiscountValue, &maxDiscount, &c.MinOrderValue,
		&maxUses, &maxPerUser, &c.CurrentUses, &c.ValidFrom, &c.ValidUntil, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return domain.Coupon{}, err
	}
	c.DiscountType = domain.DiscountType(discountType)
	if maxDiscount.Valid {
		v := maxDiscount.Decimal
		c.MaxDiscount = &v
	}
	if maxUses.Valid {
		v := int(maxUses.Int64)
		c.MaxUses = &v
	}
	if maxPerUser.Valid {
		v := int(maxPerUser.Int64)
		c.MaxUsesPerUser = &v
	}
	return c, nil
}

func nullDecimal(v *decimal.Decimal) decimal.NullDecimal {
	if v == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
