package repositories

import (
	"context"
	"time"

	"github.com/hanko-field/storefront/internal/domain"
)

// Registry exposes typed repository accessors for dependency injection.
type Registry interface {
	Products() ProductRepository
	Carts() CartRepository
	Coupons() CouponRepository
	Orders() OrderRepository
	ShippingAddresses() ShippingAddressRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in one database transaction.
// Repositories invoked with the ctx passed to fn participate in it.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ProductRepository reads the catalog and deducts stock at settlement.
type ProductRepository interface {
	Get(ctx context.Context, productID string) (domain.Product, error)
	// GetMany returns the products that exist; unknown ids are absent from the map.
	GetMany(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
	// DecrementStock subtracts qty when enough stock remains and reports whether it did.
	DecrementStock(ctx context.Context, productID string, qty int) (bool, error)
}

// CartRepository persists authenticated users' cart lines.
type CartRepository interface {
	Lines(ctx context.Context, userID string) ([]domain.CartLine, error)
	// Upsert stores line with its exact quantity, inserting or replacing.
	Upsert(ctx context.Context, userID string, line domain.CartLine) error
	Delete(ctx context.Context, userID, productID string) (bool, error)
	Clear(ctx context.Context, userID string) error
}

// CouponRepository persists coupons and their redemptions.
type CouponRepository interface {
	Create(ctx context.Context, coupon domain.Coupon) (domain.Coupon, error)
	FindByCode(ctx context.Context, code string) (domain.Coupon, error)
	// LockByID re-reads the coupon with SELECT ... FOR UPDATE; it must run inside RunInTx.
	LockByID(ctx context.Context, couponID string) (domain.Coupon, error)
	IncrementUses(ctx context.Context, couponID string, now time.Time) error
	CountUsage(ctx context.Context, couponID, userID string) (int, error)
	InsertUsage(ctx context.Context, usage domain.CouponUsage) error
}

// OrderRepository persists orders with compare-and-set status transitions.
type OrderRepository interface {
	Create(ctx context.Context, order domain.Order) (domain.Order, error)
	FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error)
	FindByPaymentReference(ctx context.Context, reference string) (domain.Order, error)
	SetPaymentReference(ctx context.Context, orderNumber, reference string) error
	// MarkPaid moves a pending order to paid. It reports false when the order was not pending.
	MarkPaid(ctx context.Context, orderNumber, transactionID string, paidAt time.Time) (domain.Order, bool, error)
	// MarkCanceled moves a pending order to canceled. It reports false when the order was not pending.
	MarkCanceled(ctx context.Context, orderNumber string, canceledAt time.Time) (domain.Order, bool, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error)
}

// ShippingAddressRepository stores addresses captured at checkout.
type ShippingAddressRepository interface {
	Insert(ctx context.Context, address domain.ShippingAddress) (domain.ShippingAddress, error)
	FindByID(ctx context.Context, addressID string) (domain.ShippingAddress, error)
}

// HealthRepository evaluates backing dependencies for readiness probes.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
