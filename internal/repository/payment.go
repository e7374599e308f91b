package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/petalmarket/checkout/internal/domain/order"
	"github.com/petalmarket/checkout/internal/domain/payment"
	"github.com/petalmarket/checkout/internal/domain/refund"
)

const (
	paymentColumns = `id, order_id, idempotence_key, external_id, status, value, created_at`

	lockOrderForPaymentSQL = `SELECT id FROM orders WHERE id = $1 FOR UPDATE`

	activePaymentSQL = `SELECT ` + paymentColumns + ` FROM order_payments
		WHERE order_id = $1 AND status <> 'canceled'`

	insertPaymentSQL = `INSERT INTO order_payments (order_id, idempotence_key, status, value)
		VALUES ($1, $2, $3, $4) RETURNING id, created_at`

	getPaymentSQL = `SELECT ` + paymentColumns + ` FROM order_payments
		WHERE order_id = $1 AND id = $2`

	listPaymentsSQL = `SELECT ` + paymentColumns + ` FROM order_payments
		WHERE order_id = $1 ORDER BY id`

	succeededPaymentSQL = `SELECT ` + paymentColumns + ` FROM order_payments
		WHERE order_id = $1 AND status = 'succeeded'
		ORDER BY id DESC LIMIT 1`

	setPaymentResultSQL = `UPDATE order_payments SET external_id = $2, status = $3 WHERE id = $1`

	setPaymentStatusSQL = `UPDATE order_payments SET status = $2 WHERE id = $1`

	repaymentColumns = `id, refund_id, payment_id, idempotence_key, external_id, status, value, created_at`

	lockRefundForRepaymentSQL = `SELECT o.id FROM orders o
		JOIN order_refunds r ON r.order_id = o.id
		WHERE r.id = $1 FOR UPDATE OF o`

	activeRepaymentSQL = `SELECT ` + repaymentColumns + ` FROM repayments
		WHERE refund_id = $1 AND status <> 'canceled'`

	insertRepaymentSQL = `INSERT INTO repayments (refund_id, payment_id, idempotence_key, status, value)
		VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`

	getRepaymentSQL = `SELECT ` + repaymentColumns + ` FROM repayments
		WHERE refund_id = $1 AND id = $2`

	listRepaymentsSQL = `SELECT ` + repaymentColumns + ` FROM repayments
		WHERE refund_id = $1 ORDER BY id`

	setRepaymentResultSQL = `UPDATE repayments SET external_id = $2, status = $3 WHERE id = $1`

	setRepaymentStatusSQL = `UPDATE repayments SET status = $2 WHERE id = $1`
)

var _ payment.Repository = (*PaymentRepository)(nil)

// PaymentRepository implements payment.Repository backed by PostgreSQL. The
// one-non-canceled-record invariants are enforced twice: check-then-create
// under a row lock on the owning order, and partial unique indexes as the
// backstop under concurrent transactions.
type PaymentRepository struct {
	pool *pgxpool.Pool
}

// NewPaymentRepository returns a PaymentRepository that uses the given pool.
func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

// CreatePaymentIfAbsent returns the existing non-canceled payment for the
// order, or inserts the given one when none exists. The bool reports whether
// a new record was created.
func (r *PaymentRepository) CreatePaymentIfAbsent(ctx context.Context, p *payment.OrderPayment) (*payment.OrderPayment, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var orderID int64
	if err := tx.QueryRow(ctx, lockOrderForPaymentSQL, p.OrderID).Scan(&orderID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, order.ErrNotFound
		}
		return nil, false, fmt.Errorf("locking order %d: %w", p.OrderID, err)
	}

	rows, err := tx.Query(ctx, activePaymentSQL, p.OrderID)
	if err != nil {
		return nil, false, fmt.Errorf("finding active payment: %w", err)
	}
	existing, err := pgx.CollectExactlyOneRow(rows, scanPayment)
	switch {
	case err == nil:
		if err := tx.Commit(ctx); err != nil {
			return nil, false, fmt.Errorf("commit: %w", err)
		}
		return &existing, false, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, false, fmt.Errorf("finding active payment: %w", err)
	}

	err = tx.QueryRow(ctx, insertPaymentSQL,
		p.OrderID, p.IdempotenceKey, p.Status, p.Value,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, false, payment.ErrInProgress
		}
		return nil, false, fmt.Errorf("inserting payment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return p, true, nil
}

// GetPayment returns one payment of an order.
func (r *PaymentRepository) GetPayment(ctx context.Context, orderID, paymentID int64) (*payment.OrderPayment, error) {
	rows, err := r.pool.Query(ctx, getPaymentSQL, orderID, paymentID)
	if err != nil {
		return nil, fmt.Errorf("getting payment %d: %w", paymentID, err)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanPayment)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payment.ErrNotFound
		}
		return nil, fmt.Errorf("getting payment %d: %w", paymentID, err)
	}
	return &p, nil
}

// ListPaymentsByOrder returns all payments of an order.
func (r *PaymentRepository) ListPaymentsByOrder(ctx context.Context, orderID int64) ([]payment.OrderPayment, error) {
	rows, err := r.pool.Query(ctx, listPaymentsSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing payments: %w", err)
	}
	return pgx.CollectRows(rows, scanPayment)
}

// SucceededPaymentByOrder returns the order's succeeded payment.
func (r *PaymentRepository) SucceededPaymentByOrder(ctx context.Context, orderID int64) (*payment.OrderPayment, error) {
	rows, err := r.pool.Query(ctx, succeededPaymentSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("finding succeeded payment: %w", err)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanPayment)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payment.ErrNotFound
		}
		return nil, fmt.Errorf("finding succeeded payment: %w", err)
	}
	return &p, nil
}

// SetPaymentResult stores the gateway-assigned external id and status.
func (r *PaymentRepository) SetPaymentResult(ctx context.Context, id int64, externalID, status string) error {
	if _, err := r.pool.Exec(ctx, setPaymentResultSQL, id, externalID, status); err != nil {
		return fmt.Errorf("storing payment %d result: %w", id, err)
	}
	return nil
}

// SetPaymentStatus updates the cached gateway status.
func (r *PaymentRepository) SetPaymentStatus(ctx context.Context, id int64, status string) error {
	if _, err := r.pool.Exec(ctx, setPaymentStatusSQL, id, status); err != nil {
		return fmt.Errorf("storing payment %d status: %w", id, err)
	}
	return nil
}

// CreateRepaymentIfAbsent mirrors CreatePaymentIfAbsent for the refund side,
// locking the refund's owning order row.
func (r *PaymentRepository) CreateRepaymentIfAbsent(ctx context.Context, p *payment.Repayment) (*payment.Repayment, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var orderID int64
	if err := tx.QueryRow(ctx, lockRefundForRepaymentSQL, p.RefundID).Scan(&orderID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, refund.ErrNotFound
		}
		return nil, false, fmt.Errorf("locking refund %d: %w", p.RefundID, err)
	}

	rows, err := tx.Query(ctx, activeRepaymentSQL, p.RefundID)
	if err != nil {
		return nil, false, fmt.Errorf("finding active repayment: %w", err)
	}
	existing, err := pgx.CollectExactlyOneRow(rows, scanRepayment)
	switch {
	case err == nil:
		if err := tx.Commit(ctx); err != nil {
			return nil, false, fmt.Errorf("commit: %w", err)
		}
		return &existing, false, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, false, fmt.Errorf("finding active repayment: %w", err)
	}

	err = tx.QueryRow(ctx, insertRepaymentSQL,
		p.RefundID, p.PaymentID, p.IdempotenceKey, p.Status, p.Value,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, false, payment.ErrInProgress
		}
		return nil, false, fmt.Errorf("inserting repayment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return p, true, nil
}

// GetRepayment returns one repayment of a refund.
func (r *PaymentRepository) GetRepayment(ctx context.Context, refundID, repaymentID int64) (*payment.Repayment, error) {
	rows, err := r.pool.Query(ctx, getRepaymentSQL, refundID, repaymentID)
	if err != nil {
		return nil, fmt.Errorf("getting repayment %d: %w", repaymentID, err)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanRepayment)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payment.ErrNotFound
		}
		return nil, fmt.Errorf("getting repayment %d: %w", repaymentID, err)
	}
	return &p, nil
}

// ListRepaymentsByRefund returns all repayments of a refund.
func (r *PaymentRepository) ListRepaymentsByRefund(ctx context.Context, refundID int64) ([]payment.Repayment, error) {
	rows, err := r.pool.Query(ctx, listRepaymentsSQL, refundID)
	if err != nil {
		return nil, fmt.Errorf("listing repayments: %w", err)
	}
	return pgx.CollectRows(rows, scanRepayment)
}

// SetRepaymentResult stores the gateway-assigned external id and status.
func (r *PaymentRepository) SetRepaymentResult(ctx context.Context, id int64, externalID, status string) error {
	if _, err := r.pool.Exec(ctx, setRepaymentResultSQL, id, externalID, status); err != nil {
		return fmt.Errorf("storing repayment %d result: %w", id, err)
	}
	return nil
}

// SetRepaymentStatus updates the cached gateway status.
func (r *PaymentRepository) SetRepaymentStatus(ctx context.Context, id int64, status string) error {
	if _, err := r.pool.Exec(ctx, setRepaymentStatusSQL, id, status); err != nil {
		return fmt.Errorf("storing repayment %d status: %w", id, err)
	}
	return nil
}

func scanPayment(row pgx.CollectableRow) (payment.OrderPayment, error) {
	var p payment.OrderPayment
	err := row.Scan(&p.ID, &p.OrderID, &p.IdempotenceKey, &p.ExternalID,
		&p.Status, &p.Value, &p.CreatedAt)
	return p, err
}

func scanRepayment(row pgx.CollectableRow) (payment.Repayment, error) {
	var p payment.Repayment
	err := row.Scan(&p.ID, &p.RefundID, &p.PaymentID, &p.IdempotenceKey,
		&p.ExternalID, &p.Status, &p.Value, &p.CreatedAt)
	return p, err
}
