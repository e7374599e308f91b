package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/petalmarket/checkout/internal/domain/order"
	"github.com/petalmarket/checkout/internal/domain/refund"
)

const (
	lockOrderForRefundSQL = `SELECT id FROM orders WHERE id = $1 FOR UPDATE`

	// Remaining refundable quantity per commodity, read under the order lock.
	restsSQL = `SELECT c.id, c.quantity - COALESCE(r.refunded, 0) AS rest
		FROM commodities c
		LEFT JOIN (
			SELECT commodity_id, SUM(quantity)::int AS refunded
			FROM commodity_refunds GROUP BY commodity_id
		) r ON r.commodity_id = c.id
		WHERE c.order_id = $1`

	insertRefundSQL = `INSERT INTO order_refunds (order_id, comment)
		VALUES ($1, $2) RETURNING id, created_at`

	insertRefundLineSQL = `INSERT INTO commodity_refunds (refund_id, commodity_id, quantity)
		VALUES ($1, $2, $3)`

	getRefundSQL = `SELECT id, order_id, comment, created_at
		FROM order_refunds WHERE order_id = $1 AND id = $2`

	listRefundsSQL = `SELECT id, order_id, comment, created_at
		FROM order_refunds WHERE order_id = $1 ORDER BY id`

	refundLinesSQL = `SELECT cr.refund_id, cr.commodity_id, cr.quantity, c.price, c.name
		FROM commodity_refunds cr
		JOIN commodities c ON c.id = cr.commodity_id
		WHERE cr.refund_id = ANY($1)
		ORDER BY cr.commodity_id`

	refundRepaidSQL = `SELECT EXISTS (
		SELECT 1 FROM repayments
		WHERE refund_id = $1 AND status = 'succeeded')`
)

var _ refund.Repository = (*RefundRepository)(nil)

// RefundRepository implements refund.Repository backed by PostgreSQL.
type RefundRepository struct {
	pool *pgxpool.Pool
}

// NewRefundRepository returns a RefundRepository that uses the given pool.
func NewRefundRepository(pool *pgxpool.Pool) *RefundRepository {
	return &RefundRepository{pool: pool}
}

// Create persists a refund with all its lines in one transaction. The owning
// order row is locked first and the lines are revalidated against fresh
// remaining quantities, so concurrent refunds against the same commodity
// serialize their rest checks.
func (r *RefundRepository) Create(ctx context.Context, or *refund.OrderRefund) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var orderID int64
	if err := tx.QueryRow(ctx, lockOrderForRefundSQL, or.OrderID).Scan(&orderID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return order.ErrNotFound
		}
		return fmt.Errorf("locking order %d: %w", or.OrderID, err)
	}

	rows, err := tx.Query(ctx, restsSQL, or.OrderID)
	if err != nil {
		return fmt.Errorf("loading remaining quantities: %w", err)
	}
	rests := make(map[int64]int)
	var (
		cid  int64
		rest int
	)
	if _, err := pgx.ForEachRow(rows, []any{&cid, &rest}, func() error {
		rests[cid] = rest
		return nil
	}); err != nil {
		return fmt.Errorf("loading remaining quantities: %w", err)
	}

	if err := refund.ValidateLines(or.Lines, rests); err != nil {
		return err
	}

	err = tx.QueryRow(ctx, insertRefundSQL, or.OrderID, or.Comment).Scan(&or.ID, &or.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting refund: %w", err)
	}
	for _, l := range or.Lines {
		if _, err := tx.Exec(ctx, insertRefundLineSQL, or.ID, l.CommodityID, l.Quantity); err != nil {
			return fmt.Errorf("inserting refund line for commodity %d: %w", l.CommodityID, err)
		}
	}

	return tx.Commit(ctx)
}

// Get returns one refund of an order with its lines and repaid flag.
func (r *RefundRepository) Get(ctx context.Context, orderID, refundID int64) (*refund.OrderRefund, error) {
	rows, err := r.pool.Query(ctx, getRefundSQL, orderID, refundID)
	if err != nil {
		return nil, fmt.Errorf("getting refund %d: %w", refundID, err)
	}
	or, err := pgx.CollectExactlyOneRow(rows, scanRefund)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, refund.ErrNotFound
		}
		return nil, fmt.Errorf("getting refund %d: %w", refundID, err)
	}

	if err := r.hydrate(ctx, []*refund.OrderRefund{&or}); err != nil {
		return nil, err
	}
	return &or, nil
}

// ListByOrder returns all refunds of an order, hydrated.
func (r *RefundRepository) ListByOrder(ctx context.Context, orderID int64) ([]refund.OrderRefund, error) {
	rows, err := r.pool.Query(ctx, listRefundsSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing refunds: %w", err)
	}
	refunds, err := pgx.CollectRows(rows, scanRefund)
	if err != nil {
		return nil, fmt.Errorf("listing refunds: %w", err)
	}

	refs := make([]*refund.OrderRefund, len(refunds))
	for i := range refunds {
		refs[i] = &refunds[i]
	}
	if err := r.hydrate(ctx, refs); err != nil {
		return nil, err
	}
	return refunds, nil
}

func (r *RefundRepository) hydrate(ctx context.Context, refunds []*refund.OrderRefund) error {
	if len(refunds) == 0 {
		return nil
	}

	byID := make(map[int64]*refund.OrderRefund, len(refunds))
	ids := make([]int64, len(refunds))
	for i, or := range refunds {
		byID[or.ID] = or
		ids[i] = or.ID
	}

	rows, err := r.pool.Query(ctx, refundLinesSQL, ids)
	if err != nil {
		return fmt.Errorf("loading refund lines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			refundID int64
			l        refund.Line
		)
		if err := rows.Scan(&refundID, &l.CommodityID, &l.Quantity, &l.Price, &l.Name); err != nil {
			return fmt.Errorf("scanning refund line: %w", err)
		}
		if or, ok := byID[refundID]; ok {
			or.Lines = append(or.Lines, l)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("loading refund lines: %w", err)
	}

	for _, or := range refunds {
		if err := r.pool.QueryRow(ctx, refundRepaidSQL, or.ID).Scan(&or.Refunded); err != nil {
			return fmt.Errorf("loading repaid flag for refund %d: %w", or.ID, err)
		}
	}
	return nil
}

func scanRefund(row pgx.CollectableRow) (refund.OrderRefund, error) {
	var or refund.OrderRefund
	err := row.Scan(&or.ID, &or.OrderID, &or.Comment, &or.CreatedAt)
	return or, err
}
