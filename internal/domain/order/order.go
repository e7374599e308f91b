// Package order holds the order aggregate: the immutable priced snapshot of a
// cart, its line items, and the status lifecycle.
package order

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/petalmarket/checkout/internal/domain/auth"
)

// Status is the order lifecycle state.
type Status string

const (
	StatusCreated   Status = "created"
	StatusCanceled  Status = "canceled"
	StatusDelivered Status = "delivered"
)

// Sentinel errors for order operations.
var (
	ErrNotFound        = errors.New("order not found")
	ErrEmptyCart       = errors.New("cart is empty")
	ErrForbidden       = errors.New("operation not allowed for this actor")
	ErrAlreadyCanceled = errors.New("order is already canceled")
	ErrCancelDelivered = errors.New("delivered order cannot be canceled, use the refund flow")
	ErrCancelRefunded  = errors.New("partial cancellation impossible, use the refund flow")
	ErrNotDeliverable  = errors.New("only a created order can be marked delivered")
)

// InvalidQuantityError indicates a cart line below the minimum order quantity.
type InvalidQuantityError struct {
	ProductID string
	Quantity  int
	Min       int
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity %d for product %s is below the minimum of %d", e.Quantity, e.ProductID, e.Min)
}

// ProductNotFoundError indicates a cart references a product the catalogue no
// longer knows.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found in catalogue", e.ProductID)
}

// Commodity is one frozen order line. Price is set once by the pricing policy
// at creation and never recalculated. Rest is the quantity not yet committed
// to a refund.
type Commodity struct {
	ID        int64
	ProductID *string
	Name      string
	Price     decimal.Decimal
	Quantity  int
	Rest      int
}

// Order is the aggregate root. Exactly one of UserID and SessionID is set.
type Order struct {
	ID          int64
	UserID      *int64
	SessionID   *string
	Address     string
	Phone       string
	Email       string
	Comment     string
	Status      Status
	CreatedAt   time.Time
	Commodities []Commodity

	// Paid is true iff a non-canceled payment reported succeeded.
	Paid bool
	// RefundCount is the number of refunds already declared on the order.
	RefundCount int
}

// Value is the sum of price * quantity over all commodities.
func (o *Order) Value() decimal.Decimal {
	sum := decimal.Zero
	for _, c := range o.Commodities {
		sum = sum.Add(c.Price.Mul(decimal.NewFromInt(int64(c.Quantity))))
	}
	return sum
}

// Commodity returns the order line with the given id, or nil.
func (o *Order) Commodity(id int64) *Commodity {
	for i := range o.Commodities {
		if o.Commodities[i].ID == id {
			return &o.Commodities[i]
		}
	}
	return nil
}

// OwnedBy reports whether the actor is the order's owner.
func (o *Order) OwnedBy(actor auth.Actor) bool {
	if o.UserID != nil {
		return actor.Authenticated() && *o.UserID == actor.PrincipalID
	}
	return o.SessionID != nil && actor.SessionID != "" && *o.SessionID == actor.SessionID
}

// Accessible reports whether the actor may act on the order (owner or staff).
func (o *Order) Accessible(actor auth.Actor) bool {
	return actor.Staff || o.OwnedBy(actor)
}

// CartLine is one (product, quantity) pair from the cart store.
type CartLine struct {
	ProductID string
	Quantity  int
}

// CartStore enumerates pre-order carts. The cart itself is discarded inside
// the order-creation transaction by the Repository.
type CartStore interface {
	Lines(ctx context.Context, ownerKey string) ([]CartLine, error)
}

// Product is the catalogue view the core consumes: current price and display
// data, keyed by product code.
type Product struct {
	ID    string
	Name  string
	Price decimal.Decimal
}

// Catalog is the read-only external catalogue collaborator.
type Catalog interface {
	Product(ctx context.Context, id string) (*Product, error)
}

// ErrProductNotFound is returned by Catalog for unknown product ids.
var ErrProductNotFound = errors.New("product not found")

// Repository defines persistence for the order aggregate. Create must insert
// the order with its commodities and delete the owner's cart in one
// transaction. Cancel must lock the order row, re-verify under that lock that
// the order is still created and has no refunds (returning ErrAlreadyCanceled,
// ErrCancelDelivered, or ErrCancelRefunded otherwise), and when a succeeded
// payment exists generate one refund covering every commodity's remaining
// quantity, all in the same transaction.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id int64) (*Order, error)
	ListByOwner(ctx context.Context, ownerKey string) ([]Order, error)
	ListAll(ctx context.Context) ([]Order, error)
	Cancel(ctx context.Context, id int64) error
	SetStatus(ctx context.Context, id int64, status Status) error
}
