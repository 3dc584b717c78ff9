package postgres

import (
	"context"
	"database/sql"
	"errors"

	ppostgres "github.com/hanko-field/storefront/internal/platform/postgres"
	"github.com/hanko-field/storefront/internal/repositories"
)

// Registry wires the PostgreSQL repositories around one connection pool.
type Registry struct {
	tx        *ppostgres.TxRunner
	products  *ProductRepository
	carts     *CartRepository
	coupons   *CouponRepository
	orders    *OrderRepository
	addresses *ShippingAddressRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs every repository over db.
func NewRegistry(db *sql.DB) (*Registry, error) {
	if db == nil {
		return nil, errors.New("postgres registry: db is required")
	}
	return &Registry{
		tx:        ppostgres.NewTxRunner(db),
		products:  &ProductRepository{db: db},
		carts:     &CartRepository{db: db},
		coupons:   &CouponRepository{db: db},
		orders:    &OrderRepository{db: db},
		addresses: &ShippingAddressRepository{db: db},
	}, nil
}

func (r *Registry) Products() repositories.ProductRepository { return r.products }

func (r *Registry) Carts() repositories.CartRepository { return r.carts }

func (r *Registry) Coupons() repositories.CouponRepository { return r.coupons }

func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

func (r *Registry) ShippingAddresses() repositories.ShippingAddressRepository { return r.addresses }

// RunInTx executes fn in a transaction shared by every repository called with its ctx.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.tx.RunInTx(ctx, fn)
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
