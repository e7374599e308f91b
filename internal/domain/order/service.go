package order

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/petalmarket/checkout/internal/domain/auth"
)

// CreateRequest holds the checkout input accompanying the actor's cart.
type CreateRequest struct {
	Address string
	Phone   string
	Email   string
	Comment string
}

// Service encapsulates order creation, visibility scoping, and status
// transitions.
type Service struct {
	carts   CartStore
	catalog Catalog
	orders  Repository
	pricing PricingPolicy
	minQty  int
}

// NewService creates an order Service with the required collaborators.
// minQuantity is the smallest orderable line quantity.
func NewService(carts CartStore, catalog Catalog, orders Repository, pricing PricingPolicy, minQuantity int) *Service {
	if minQuantity < 1 {
		minQuantity = 1
	}
	return &Service{
		carts:   carts,
		catalog: catalog,
		orders:  orders,
		pricing: pricing,
		minQty:  minQuantity,
	}
}

// Create snapshots the actor's cart into a new order. Each line is priced via
// the pricing policy; the repository persists the order, its commodities, and
// the cart deletion atomically.
func (s *Service) Create(ctx context.Context, actor auth.Actor, req CreateRequest) (*Order, error) {
	lines, err := s.carts.Lines(ctx, actor.OwnerKey())
	if err != nil {
		return nil, errors.Wrap(err, "read cart")
	}
	if len(lines) == 0 {
		return nil, ErrEmptyCart
	}

	vendor := actor.Authenticated() && actor.Vendor

	commodities := make([]Commodity, 0, len(lines))
	for _, line := range lines {
		if line.Quantity < s.minQty {
			return nil, &InvalidQuantityError{ProductID: line.ProductID, Quantity: line.Quantity, Min: s.minQty}
		}

		p, err := s.catalog.Product(ctx, line.ProductID)
		if err != nil {
			if errors.Is(err, ErrProductNotFound) {
				return nil, &ProductNotFoundError{ProductID: line.ProductID}
			}
			return nil, errors.Wrapf(err, "get product %s", line.ProductID)
		}

		productID := p.ID
		commodities = append(commodities, Commodity{
			ProductID: &productID,
			Name:      p.Name,
			Price:     s.pricing.UnitPrice(p.Price, vendor),
			Quantity:  line.Quantity,
			Rest:      line.Quantity,
		})
	}

	o := &Order{
		Address:     req.Address,
		Phone:       req.Phone,
		Email:       req.Email,
		Comment:     req.Comment,
		Status:      StatusCreated,
		Commodities: commodities,
	}
	if actor.Authenticated() {
		id := actor.PrincipalID
		o.UserID = &id
		if o.Email == "" {
			o.Email = actor.Email
		}
	} else {
		session := actor.SessionID
		o.SessionID = &session
	}

	if err := s.orders.Create(ctx, o); err != nil {
		return nil, errors.Wrap(err, "create order")
	}
	return o, nil
}

// Get returns the order when it is visible to the actor. Orders outside the
// actor's visibility resolve as not found, not as forbidden.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id int64) (*Order, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !o.Accessible(actor) {
		return nil, ErrNotFound
	}
	return o, nil
}

// List returns the actor's orders; staff see every order.
func (s *Service) List(ctx context.Context, actor auth.Actor) ([]Order, error) {
	if actor.Staff {
		return s.orders.ListAll(ctx)
	}
	return s.orders.ListByOwner(ctx, actor.OwnerKey())
}

// Cancel transitions the order to canceled. Canceling a paid order
// additionally generates one refund covering every commodity's remaining
// quantity, atomically with the status change, so the money can be returned
// through the repayment flow. The guards here reject on the current snapshot;
// the repository re-verifies them under the order row lock, so a refund or
// cancel committed in between still refuses this cancellation.
func (s *Service) Cancel(ctx context.Context, actor auth.Actor, id int64) (*Order, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !o.Accessible(actor) {
		return nil, ErrForbidden
	}

	switch {
	case o.Status == StatusCanceled:
		return nil, ErrAlreadyCanceled
	case o.Status == StatusDelivered:
		return nil, ErrCancelDelivered
	case o.RefundCount > 0:
		return nil, ErrCancelRefunded
	}

	if err := s.orders.Cancel(ctx, id); err != nil {
		if errors.Is(err, ErrAlreadyCanceled) || errors.Is(err, ErrCancelDelivered) || errors.Is(err, ErrCancelRefunded) {
			return nil, err
		}
		return nil, errors.Wrap(err, "cancel order")
	}
	return s.orders.Get(ctx, id)
}

// Deliver marks a created order as delivered. Staff only.
func (s *Service) Deliver(ctx context.Context, actor auth.Actor, id int64) (*Order, error) {
	if !actor.Staff {
		return nil, ErrForbidden
	}
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status != StatusCreated {
		return nil, ErrNotDeliverable
	}
	if err := s.orders.SetStatus(ctx, id, StatusDelivered); err != nil {
		return nil, errors.Wrap(err, "set status")
	}
	o.Status = StatusDelivered
	return o, nil
}
