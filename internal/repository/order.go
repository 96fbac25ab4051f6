package repository

import (
	"context"
	"math"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/bistro/internal/domain/order"
	"github.com/xenking/bistro/internal/domain/pricing"
)

const (
	insertOrderSQL = `INSERT INTO orders (id, owner_id, order_type, status, payment_method,
		subtotal_cents, discount_cents, discount_kind, delivery_fee_cents, total_cents,
		delivery_address, notes, created_at, updated_at, promo_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NULLIF($15, ''))`

	insertOrderLegacySQL = `INSERT INTO orders (id, owner_id, order_type, status, payment_method,
		subtotal_cents, discount_cents, discount_kind, delivery_fee_cents, total_cents,
		delivery_address, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	selectOrderColumns = `id, owner_id, order_type, status, payment_method,
		subtotal_cents, discount_cents, discount_kind, delivery_fee_cents, total_cents,
		delivery_address, notes, COALESCE(payment_session_id, ''), created_at, updated_at`

	getOrderSQL       = `SELECT ` + selectOrderColumns + `, COALESCE(promo_code, '') FROM orders WHERE id = $1`
	getOrderLegacySQL = `SELECT ` + selectOrderColumns + `, '' FROM orders WHERE id = $1`

	listOrderItemsSQL = `SELECT product_id, name, unit_price_cents, quantity, line_subtotal_cents
		FROM order_items WHERE order_id = $1 ORDER BY position`

	transitionOrderSQL = `UPDATE orders SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2`

	setPaymentSessionSQL = `UPDATE orders SET payment_session_id = $2, updated_at = now() WHERE id = $1`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
	caps Capabilities
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool, caps Capabilities) *OrderRepository {
	return &OrderRepository{pool: pool, caps: caps}
}

// Create inserts the order and its item snapshot in one transaction. When
// p.ConsumePromo is set, the promo use is taken first in the same
// transaction and the order is not written if none is left.
func (r *OrderRepository) Create(ctx context.Context, p order.CreateParams) error {
	o := p.Order
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if p.ConsumePromo != "" {
			ok, err := consumePromo(ctx, tx, p.ConsumePromo)
			if err != nil {
				return err
			}
			if !ok {
				return errors.Wrapf(order.ErrPromoUnavailable, "promo code %q", p.ConsumePromo)
			}
		}

		args := []any{
			o.ID, o.OwnerID, string(o.OrderType), string(o.Status), string(o.PaymentMethod),
			o.SubtotalCents, o.DiscountCents, string(o.DiscountKind), o.DeliveryFeeCents, o.TotalCents,
			o.DeliveryAddress, o.Notes, o.CreatedAt, o.UpdatedAt,
		}
		query := insertOrderLegacySQL
		if r.caps.OrderPromoCode {
			query = insertOrderSQL
			args = append(args, o.PromoCode)
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return errors.Wrapf(err, "insert order %q", o.ID)
		}

		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"order_items"},
			[]string{"order_id", "position", "product_id", "name", "unit_price_cents", "quantity", "line_subtotal_cents"},
			pgx.CopyFromSlice(len(o.Items), func(i int) ([]any, error) {
				it := o.Items[i]
				if it.Quantity <= 0 || it.Quantity > math.MaxInt32 {
					return nil, errors.Errorf("item %q quantity %d out of range", it.ProductID, it.Quantity)
				}
				return []any{o.ID, int32(i), it.ProductID, it.Name, it.UnitPriceCents, int32(it.Quantity), it.LineSubtotalCents}, nil
			}),
		)
		if err != nil {
			return errors.Wrapf(err, "insert items of order %q", o.ID)
		}
		return nil
	})
}

// GetByID returns the order row without items.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*order.Order, error) {
	query := getOrderLegacySQL
	if r.caps.OrderPromoCode {
		query = getOrderSQL
	}

	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, errors.Wrapf(err, "get order %q", id)
	}

	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, errors.Wrapf(err, "get order %q", id)
	}
	return &o, nil
}

// ListItems returns the item snapshot of an order in cart order.
func (r *OrderRepository) ListItems(ctx context.Context, id string) ([]order.Item, error) {
	rows, err := r.pool.Query(ctx, listOrderItemsSQL, id)
	if err != nil {
		return nil, errors.Wrapf(err, "list items of order %q", id)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[order.Item])
}

// TransitionStatus is a compare-and-set on the status column.
func (r *OrderRepository) TransitionStatus(ctx context.Context, id string, from, to order.Status) (bool, error) {
	tag, err := r.pool.Exec(ctx, transitionOrderSQL, id, string(from), string(to))
	if err != nil {
		return false, errors.Wrapf(err, "transition order %q from %s to %s", id, from, to)
	}
	return tag.RowsAffected() == 1, nil
}

// SetPaymentSession stores the checkout session id of an order.
func (r *OrderRepository) SetPaymentSession(ctx context.Context, id, sessionID string) error {
	tag, err := r.pool.Exec(ctx, setPaymentSessionSQL, id, sessionID)
	if err != nil {
		return errors.Wrapf(err, "set payment session of order %q", id)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o                                    order.Order
		orderType, status, method, discKind string
	)
	err := row.Scan(
		&o.ID, &o.OwnerID, &orderType, &status, &method,
		&o.SubtotalCents, &o.DiscountCents, &discKind, &o.DeliveryFeeCents, &o.TotalCents,
		&o.DeliveryAddress, &o.Notes, &o.PaymentSessionID, &o.CreatedAt, &o.UpdatedAt,
		&o.PromoCode,
	)
	o.OrderType = pricing.OrderType(orderType)
	o.Status = order.Status(status)
	o.PaymentMethod = order.PaymentMethod(method)
	o.DiscountKind = pricing.DiscountKind(discKind)
	return o, err
}
