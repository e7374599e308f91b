package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/petalmarket/checkout/internal/domain/order"
)

const (
	cartLinesSQL = `SELECT product_id, quantity FROM carts WHERE owner_key = $1 ORDER BY product_id`

	putCartLineSQL = `INSERT INTO carts (owner_key, product_id, quantity) VALUES ($1, $2, $3)
		ON CONFLICT (owner_key, product_id) DO UPDATE SET quantity = EXCLUDED.quantity`

	deleteCartSQL = `DELETE FROM carts WHERE owner_key = $1`
)

var _ order.CartStore = (*CartRepository)(nil)

// CartRepository holds pre-order carts. The core only enumerates lines; the
// cart rows themselves are deleted inside the order-creation transaction by
// OrderRepository.Create. Put is the collaborator's write side, used by the
// storefront and by tests.
type CartRepository struct {
	pool *pgxpool.Pool
}

// NewCartRepository returns a CartRepository that uses the given pool.
func NewCartRepository(pool *pgxpool.Pool) *CartRepository {
	return &CartRepository{pool: pool}
}

// Lines enumerates the (product, quantity) pairs of the owner's cart.
func (r *CartRepository) Lines(ctx context.Context, ownerKey string) ([]order.CartLine, error) {
	rows, err := r.pool.Query(ctx, cartLinesSQL, ownerKey)
	if err != nil {
		return nil, fmt.Errorf("listing cart lines: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (order.CartLine, error) {
		var l order.CartLine
		err := row.Scan(&l.ProductID, &l.Quantity)
		return l, err
	})
}

// Put sets the quantity of one cart line.
func (r *CartRepository) Put(ctx context.Context, ownerKey, productID string, quantity int) error {
	if _, err := r.pool.Exec(ctx, putCartLineSQL, ownerKey, productID, quantity); err != nil {
		return fmt.Errorf("putting cart line %q: %w", productID, err)
	}
	return nil
}
