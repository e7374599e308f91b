// Package refund holds the refund aggregate: a declaration that some order
// line quantities are returned in kind. Money movement is the repayment
// adapter's job, not this package's.
package refund

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Sentinel errors for refund operations.
var (
	ErrNotFound   = errors.New("refund not found")
	ErrEmptyLines = errors.New("refund lines required")
)

// NotInOrderError indicates a requested commodity does not belong to the
// order being refunded.
type NotInOrderError struct {
	CommodityID int64
}

func (e *NotInOrderError) Error() string {
	return fmt.Sprintf("commodity %d does not belong to this order", e.CommodityID)
}

// InvalidQuantityError indicates a non-positive requested refund quantity.
type InvalidQuantityError struct {
	CommodityID int64
	Quantity    int
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("refund quantity %d for commodity %d must be positive", e.Quantity, e.CommodityID)
}

// ExceedsRestError indicates a requested quantity above the commodity's
// remaining refundable quantity.
type ExceedsRestError struct {
	CommodityID int64
	Requested   int
	Remaining   int
}

func (e *ExceedsRestError) Error() string {
	return fmt.Sprintf("quantity %d exceeds remaining %d units available for refund of commodity %d",
		e.Requested, e.Remaining, e.CommodityID)
}

// Line is one refunded quantity of an order commodity. Price is the
// commodity's frozen unit price and Name its snapshot display name, carried
// for value computation and receipt building.
type Line struct {
	CommodityID int64
	Quantity    int
	Price       decimal.Decimal
	Name        string
}

// OrderRefund is the aggregate root, owned by exactly one order.
type OrderRefund struct {
	ID        int64
	OrderID   int64
	Comment   string
	CreatedAt time.Time
	Lines     []Line

	// Refunded is true iff a non-canceled repayment reported succeeded.
	Refunded bool
}

// Value is the sum of quantity * frozen price over all lines.
func (r *OrderRefund) Value() decimal.Decimal {
	sum := decimal.Zero
	for _, l := range r.Lines {
		sum = sum.Add(l.Price.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	return sum
}

// ValidateLines checks every requested line against the remaining refundable
// quantities, keyed by commodity id. Quantities are compared against the
// state before this batch; the whole batch is rejected on the first
// violation. The repository re-runs this under a row lock on the order.
func ValidateLines(lines []Line, rests map[int64]int) error {
	if len(lines) == 0 {
		return ErrEmptyLines
	}
	seen := make(map[int64]int, len(lines))
	for _, l := range lines {
		if l.Quantity <= 0 {
			return &InvalidQuantityError{CommodityID: l.CommodityID, Quantity: l.Quantity}
		}
		rest, ok := rests[l.CommodityID]
		if !ok {
			return &NotInOrderError{CommodityID: l.CommodityID}
		}
		requested := seen[l.CommodityID] + l.Quantity
		if requested > rest {
			return &ExceedsRestError{CommodityID: l.CommodityID, Requested: requested, Remaining: rest}
		}
		seen[l.CommodityID] = requested
	}
	return nil
}

// Repository defines persistence for refunds. Create must lock the owning
// order row, revalidate the lines against fresh remaining quantities, and
// insert the refund with all its lines in one transaction.
type Repository interface {
	Create(ctx context.Context, r *OrderRefund) error
	Get(ctx context.Context, orderID, refundID int64) (*OrderRefund, error)
	ListByOrder(ctx context.Context, orderID int64) ([]OrderRefund, error)
}
