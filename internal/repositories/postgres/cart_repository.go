package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/hanko-field/storefront/internal/domain"
	ppostgres "github.com/hanko-field/storefront/internal/platform/postgres"
)

// CartRepository stores authenticated users' cart lines in cart_items.
type CartRepository struct {
	db *sql.DB
}

func (r *CartRepository) Lines(ctx context.Context, userID string) ([]domain.CartLine, error) {
	rows, err := ppostgres.Conn(ctx, r.db).QueryContext(ctx,
		`SELECT product_id, unit_price, quantity, added_at FROM cart_items WHERE user_id = $1 ORDER BY added_at, product_id`, userID)
	if err != nil {
		return nil, ppostgres.WrapError("cart.lines", err)
	}
	defer rows.Close()

	lines := make([]domain.CartLine, 0)
	for rows.Next() {
		var line domain.CartLine
		if err := rows.Scan(&line.ProductID, &line.UnitPrice, &line.Quantity, &line.AddedAt); err != nil {
			return nil, ppostgres.WrapError("cart.lines", err)
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, ppostgres.WrapError("cart.lines", err)
	}
	return lines, nil
}

func (r *CartRepository) Upsert(ctx context.Context, userID string, line domain.CartLine) error {
	addedAt := line.AddedAt
	if addedAt.IsZero() {
		addedAt = time.Now().UTC()
	}
	_, err := ppostgres.Conn(ctx, r.db).ExecContext(ctx, `
INSERT INTO cart_items (user_id, product_id, quantity, unit_price, added_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id, product_id) DO UPDATE SET quantity = EXCLUDED.quantity, unit_price = EXCLUDED.unit_price`,
		userID, line.ProductID, line.Quantity, line.UnitPrice, addedAt)
	return ppostgres.WrapError("cart.upsert", err)
}

func (r *CartRepository) Delete(ctx context.Context, userID, productID string) (bool, error) {
	res, err := ppostgres.Conn(ctx, r.db).ExecContext(ctx,
		`DELETE FROM cart_items WHERE user_id = $1 AND product_id = $2`, userID, productID)
	if err != nil {
		return false, ppostgres.WrapError("cart.delete", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, ppostgres.WrapError("cart.delete", err)
	}
	return affected > 0, nil
}

func (r *CartRepository) Clear(ctx context.Context, userID string) error {
	_, err := ppostgres.Conn(ctx, r.db).ExecContext(ctx, `DELETE FROM cart_items WHERE user_id = $1`, userID)
	return ppostgres.WrapError("cart.clear", err)
}
