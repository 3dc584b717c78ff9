package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hanko-field/storefront/internal/domain"
	ppostgres "github.com/hanko-field/storefront/internal/platform/postgres"
)

const orderColumns = `id, order_number, user_id, shipping_address_id, subtotal, discount_amount, tax, total, status,
payment_method, payment_reference, payment_transaction_id, coupon_id, created_at, paid_at, canceled_at`

// OrderRepository persists orders and their items.
type OrderRepository struct {
	db *sql.DB
}

// Create inserts the order header and its items. Callers run it inside RunInTx.
func (r *OrderRepository) Create(ctx context.Context, order domain.Order) (domain.Order, error) {
	if order.ID == "" {
		order.ID = ulid.Make().String()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	if order.Status == "" {
		order.Status = domain.OrderStatusPending
	}
	conn := ppostgres.Conn(ctx, r.db)
	_, err := conn.ExecContext(ctx, `
INSERT INTO orders (id, order_number, user_id, shipping_address_id, subtotal, discount_amount, tax, total, status,
payment_method, payment_reference, coupon_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		order.ID, order.OrderNumber, order.UserID, nullString(order.ShippingAddressID), order.Subtotal,
		order.DiscountAmount, order.Tax, order.Total, string(order.Status), string(order.PaymentMethod),
		nullString(order.PaymentReference), nullString(order.CouponID), order.CreatedAt)
	if err != nil {
		return domain.Order{}, ppostgres.WrapError("orders.create", err)
	}

	for i := range order.Items {
		item := &order.Items[i]
		if item.ID == "" {
			item.ID = ulid.Make().String()
		}
		item.OrderID = order.ID
		if _, err := conn.ExecContext(ctx,
			`INSERT INTO order_items (id, order_id, product_id, quantity, price) VALUES ($1, $2, $3, $4, $5)`,
			item.ID, item.OrderID, item.ProductID, item.Quantity, item.Price); err != nil {
			return domain.Order{}, ppostgres.WrapError("orders.create_item", err)
		}
	}
	return order, nil
}

func (r *OrderRepository) FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	return r.findOne(ctx, "orders.find_by_number", `SELECT `+orderColumns+` FROM orders WHERE order_number = $1`, orderNumber)
}

func (r *OrderRepository) FindByPaymentReference(ctx context.Context, reference string) (domain.Order, error) {
	return r.findOne(ctx, "orders.find_by_reference", `SELECT `+orderColumns+` FROM orders WHERE payment_reference = $1`, reference)
}

func (r *OrderRepository) SetPaymentReference(ctx context.Context, orderNumber, reference string) error {
	res, err := ppostgres.Conn(ctx, r.db).ExecContext(ctx,
		`UPDATE orders SET payment_reference = $2 WHERE order_number = $1`, orderNumber, reference)
	if err != nil {
		return ppostgres.WrapError("orders.set_payment_reference", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ppostgres.NotFound("orders.set_payment_reference", "order %s not found", orderNumber)
	}
	return nil
}

// MarkPaid is the settlement compare-and-set: only a pending order transitions.
func (r *OrderRepository) MarkPaid(ctx context.Context, orderNumber, transactionID string, paidAt time.Time) (domain.Order, bool, error) {
	return r.transition(ctx, "orders.mark_paid", `
UPDATE orders SET status = 'paid', paid_at = $2, payment_transaction_id = $3
WHERE order_number = $1 AND status = 'pending'
RETURNING `+orderColumns, orderNumber, paidAt, nullString(transactionID))
}

func (r *OrderRepository) MarkCanceled(ctx context.Context, orderNumber string, canceledAt time.Time) (domain.Order, bool, error) {
	return r.transition(ctx, "orders.mark_canceled", `
UPDATE orders SET status = 'canceled', canceled_at = $2
WHERE order_number = $1 AND status = 'pending'
RETURNING `+orderColumns, orderNumber, canceledAt)
}

func (r *OrderRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := ppostgres.Conn(ctx, r.db).QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, ppostgres.WrapError("orders.list_by_user", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, ppostgres.WrapError("orders.list_by_user", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, ppostgres.WrapError("orders.list_by_user", err)
	}
	return orders, nil
}

func (r *OrderRepository) transition(ctx context.Context, op, query string, args ...any) (domain.Order, bool, error) {
	order, err := scanOrder(ppostgres.Conn(ctx, r.db).QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		current, err := r.FindByNumber(ctx, args[0].(string))
		if err != nil {
			return domain.Order{}, false, err
		}
		return current, false, nil
	}
	if err != nil {
		return domain.Order{}, false, ppostgres.WrapError(op, err)
	}
	if order.Items, err = r.items(ctx, order.ID); err != nil {
		return domain.Order{}, false, err
	}
	return order, true, nil
}

func (r *OrderRepository) findOne(ctx context.Context, op, query string, arg string) (domain.Order, error) {
	order, err := scanOrder(ppostgres.Conn(ctx, r.db).QueryRowContext(ctx, query, arg))
	if err != nil {
		return domain.Order{}, ppostgres.WrapError(op, err)
	}
	if order.Items, err = r.items(ctx, order.ID); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (r *OrderRepository) items(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	rows, err := ppostgres.Conn(ctx, r.db).QueryContext(ctx,
		`SELECT id, order_id, COALESCE(product_id, ''), quantity, price FROM order_items WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, ppostgres.WrapError("orders.items", err)
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0)
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.Quantity, &item.Price); err != nil {
			return nil, ppostgres.WrapError("orders.items", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, ppostgres.WrapError("orders.items", err)
	}
	return items, nil
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		o                                  domain.Order
		status, method                     string
		addressID, reference, txID, coupon sql.NullString
		paidAt, canceledAt                 sql.NullTime
	)
	err := row.Scan(&o.ID, &o.OrderNumber, &o.UserID, &addressID, &o.Subtotal, &o.DiscountAmount, &o.Tax, &o.Total,
		&status, &method, &reference, &txID, &coupon, &o.CreatedAt, &paidAt, &canceledAt)
	if err != nil {
		return domain.Order{}, err
	}
	o.Status = domain.OrderStatus(status)
	o.PaymentMethod = domain.PaymentMethod(method)
	o.ShippingAddressID = addressID.String
	o.PaymentReference = reference.String
	o.PaymentTransactionID = txID.String
	o.CouponID = coupon.String
	if paidAt.Valid {
		t := paidAt.Time
		o.PaidAt = &t
	}
	if canceledAt.Valid {
		t := canceledAt.Time
		o.CanceledAt = &t
	}
	return o, nil
}
