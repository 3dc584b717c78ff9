package postgres

import (
	"context"
	"database/sql"
	"strings"

	"github.com/lib/pq"

	"github.com/hanko-field/storefront/internal/domain"
	ppostgres "github.com/hanko-field/storefront/internal/platform/postgres"
)

const productColumns = `id, name, price, sale_price, is_sale, stock`

// ProductRepository reads the catalog table.
type ProductRepository struct {
	db *sql.DB
}

func (r *ProductRepository) Get(ctx context.Context, productID string) (domain.Product, error) {
	row := ppostgres.Conn(ctx, r.db).QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1`, strings.TrimSpace(productID))
	product, err := scanProduct(row)
	if err != nil {
		return domain.Product{}, ppostgres.WrapError("products.get", err)
	}
	return product, nil
}

func (r *ProductRepository) GetMany(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(productIDs))
	if len(productIDs) == 0 {
		return out, nil
	}
	rows, err := ppostgres.Conn(ctx, r.db).QueryContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = ANY($1)`, pq.Array(productIDs))
	if err != nil {
		return nil, ppostgres.WrapError("products.get_many", err)
	}
	defer rows.Close()
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, ppostgres.WrapError("products.get_many", err)
		}
		out[product.ID] = product
	}
	if err := rows.Err(); err != nil {
		return nil, ppostgres.WrapError("products.get_many", err)
	}
	return out, nil
}

// DecrementStock never lets stock go negative; a short row count means insufficient stock.
func (r *ProductRepository) DecrementStock(ctx context.Context, productID string, qty int) (bool, error) {
	res, err := ppostgres.Conn(ctx, r.db).ExecContext(ctx,
		`UPDATE products SET stock = stock - $2 WHERE id = $1 AND stock >= $2`, productID, qty)
	if err != nil {
		return false, ppostgres.WrapError("products.decrement_stock", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, ppostgres.WrapError("products.decrement_stock", err)
	}
	return affected == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	if err := row.Scan(&p.ID, &p.Name, &p.Price, &p.SalePrice, &p.IsSale, &p.Stock); err != nil {
		return domain.Product{}, err
	}
	return p, nil
}
