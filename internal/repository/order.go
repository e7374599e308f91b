package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/petalmarket/checkout/internal/domain/order"
)

const (
	insertOrderSQL = `INSERT INTO orders (user_id, session_id, address, phone, email, comment, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at`

	insertCommoditySQL = `INSERT INTO commodities (order_id, product_id, name, price, quantity)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`

	getOrderSQL = `SELECT id, user_id, session_id, address, phone, email, comment, status, created_at
		FROM orders WHERE id = $1`

	listOrdersByOwnerSQL = `SELECT id, user_id, session_id, address, phone, email, comment, status, created_at
		FROM orders
		WHERE (user_id IS NOT NULL AND 'user:' || user_id::text = $1)
		   OR (session_id IS NOT NULL AND 'session:' || session_id = $1)
		ORDER BY id`

	listAllOrdersSQL = `SELECT id, user_id, session_id, address, phone, email, comment, status, created_at
		FROM orders ORDER BY id`

	// rest = quantity minus everything already committed to refunds.
	commoditiesSQL = `SELECT c.order_id, c.id, c.product_id, c.name, c.price, c.quantity,
			c.quantity - COALESCE(r.refunded, 0) AS rest
		FROM commodities c
		LEFT JOIN (
			SELECT commodity_id, SUM(quantity)::int AS refunded
			FROM commodity_refunds GROUP BY commodity_id
		) r ON r.commodity_id = c.id
		WHERE c.order_id = ANY($1)
		ORDER BY c.id`

	orderPaidSQL = `SELECT EXISTS (
		SELECT 1 FROM order_payments
		WHERE order_id = $1 AND status = 'succeeded')`

	orderRefundCountSQL = `SELECT COUNT(*) FROM order_refunds WHERE order_id = $1`

	lockOrderSQL = `SELECT status FROM orders WHERE id = $1 FOR UPDATE`

	setOrderStatusSQL = `UPDATE orders SET status = $2 WHERE id = $1`

	insertCancelRefundSQL = `INSERT INTO order_refunds (order_id, comment)
		VALUES ($1, 'order canceled') RETURNING id`

	insertCancelRefundLinesSQL = `INSERT INTO commodity_refunds (refund_id, commodity_id, quantity)
		SELECT $2, c.id, c.quantity - COALESCE(r.refunded, 0)
		FROM commodities c
		LEFT JOIN (
			SELECT commodity_id, SUM(quantity)::int AS refunded
			FROM commodity_refunds GROUP BY commodity_id
		) r ON r.commodity_id = c.id
		WHERE c.order_id = $1 AND c.quantity - COALESCE(r.refunded, 0) > 0`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists the order with its commodities and deletes the owner's
// cart, all in one transaction. Either the whole snapshot lands and the cart
// is gone, or nothing changes.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, insertOrderSQL,
		o.UserID, o.SessionID, o.Address, o.Phone, o.Email, o.Comment, o.Status,
	).Scan(&o.ID, &o.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting order: %w", err)
	}

	for i := range o.Commodities {
		c := &o.Commodities[i]
		err = tx.QueryRow(ctx, insertCommoditySQL,
			o.ID, c.ProductID, c.Name, c.Price, c.Quantity,
		).Scan(&c.ID)
		if err != nil {
			return fmt.Errorf("inserting commodity %q: %w", c.Name, err)
		}
	}

	if _, err := tx.Exec(ctx, deleteCartSQL, ownerKey(o)); err != nil {
		return fmt.Errorf("deleting cart: %w", err)
	}

	return tx.Commit(ctx)
}

// Get returns the fully hydrated aggregate: commodities with remaining
// quantities, the paid flag, and the refund count.
func (r *OrderRepository) Get(ctx context.Context, id int64) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, getOrderSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting order %d: %w", id, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %d: %w", id, err)
	}

	if err := r.hydrate(ctx, []*order.Order{&o}); err != nil {
		return nil, err
	}
	return &o, nil
}

// ListByOwner returns the hydrated orders owned by the given owner key.
func (r *OrderRepository) ListByOwner(ctx context.Context, ownerKey string) ([]order.Order, error) {
	return r.list(ctx, listOrdersByOwnerSQL, ownerKey)
}

// ListAll returns every order, hydrated. Staff only, enforced upstream.
func (r *OrderRepository) ListAll(ctx context.Context) ([]order.Order, error) {
	return r.list(ctx, listAllOrdersSQL)
}

// Cancel sets the status to canceled and, for a paid order, generates one
// refund covering every commodity's remaining quantity, atomically. The
// status, refund count, and paid flag are all re-read under the row lock, so
// a refund or cancel committed after the caller's guard check still refuses
// this cancellation.
func (r *OrderRepository) Cancel(ctx context.Context, id int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var status order.Status
	if err := tx.QueryRow(ctx, lockOrderSQL, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return order.ErrNotFound
		}
		return fmt.Errorf("locking order %d: %w", id, err)
	}
	switch status {
	case order.StatusCanceled:
		return order.ErrAlreadyCanceled
	case order.StatusDelivered:
		return order.ErrCancelDelivered
	}

	var refunds int
	if err := tx.QueryRow(ctx, orderRefundCountSQL, id).Scan(&refunds); err != nil {
		return fmt.Errorf("counting refunds for order %d: %w", id, err)
	}
	if refunds > 0 {
		return order.ErrCancelRefunded
	}

	var paid bool
	if err := tx.QueryRow(ctx, orderPaidSQL, id).Scan(&paid); err != nil {
		return fmt.Errorf("loading paid flag for order %d: %w", id, err)
	}

	if _, err := tx.Exec(ctx, setOrderStatusSQL, id, order.StatusCanceled); err != nil {
		return fmt.Errorf("canceling order %d: %w", id, err)
	}

	if paid {
		var refundID int64
		if err := tx.QueryRow(ctx, insertCancelRefundSQL, id).Scan(&refundID); err != nil {
			return fmt.Errorf("inserting cancellation refund: %w", err)
		}
		if _, err := tx.Exec(ctx, insertCancelRefundLinesSQL, id, refundID); err != nil {
			return fmt.Errorf("inserting cancellation refund lines: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// SetStatus updates the order status without side effects.
func (r *OrderRepository) SetStatus(ctx context.Context, id int64, status order.Status) error {
	tag, err := r.pool.Exec(ctx, setOrderStatusSQL, id, status)
	if err != nil {
		return fmt.Errorf("setting order %d status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

func (r *OrderRepository) list(ctx context.Context, sql string, args ...any) ([]order.Order, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}

	refs := make([]*order.Order, len(orders))
	for i := range orders {
		refs[i] = &orders[i]
	}
	if err := r.hydrate(ctx, refs); err != nil {
		return nil, err
	}
	return orders, nil
}

// hydrate loads commodities (with rests), paid flags, and refund counts for
// the given orders.
func (r *OrderRepository) hydrate(ctx context.Context, orders []*order.Order) error {
	if len(orders) == 0 {
		return nil
	}

	byID := make(map[int64]*order.Order, len(orders))
	ids := make([]int64, len(orders))
	for i, o := range orders {
		byID[o.ID] = o
		ids[i] = o.ID
	}

	rows, err := r.pool.Query(ctx, commoditiesSQL, ids)
	if err != nil {
		return fmt.Errorf("loading commodities: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			c       order.Commodity
			orderID int64
		)
		if err := rows.Scan(&orderID, &c.ID, &c.ProductID, &c.Name, &c.Price, &c.Quantity, &c.Rest); err != nil {
			return fmt.Errorf("scanning commodity: %w", err)
		}
		if o, ok := byID[orderID]; ok {
			o.Commodities = append(o.Commodities, c)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("loading commodities: %w", err)
	}

	for _, o := range orders {
		if err := r.pool.QueryRow(ctx, orderPaidSQL, o.ID).Scan(&o.Paid); err != nil {
			return fmt.Errorf("loading paid flag for order %d: %w", o.ID, err)
		}
		if err := r.pool.QueryRow(ctx, orderRefundCountSQL, o.ID).Scan(&o.RefundCount); err != nil {
			return fmt.Errorf("loading refund count for order %d: %w", o.ID, err)
		}
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var o order.Order
	err := row.Scan(&o.ID, &o.UserID, &o.SessionID, &o.Address, &o.Phone,
		&o.Email, &o.Comment, &o.Status, &o.CreatedAt)
	return o, err
}

func ownerKey(o *order.Order) string {
	if o.UserID != nil {
		return fmt.Sprintf("user:%d", *o.UserID)
	}
	return fmt.Sprintf("session:%s", *o.SessionID)
}
