package refund

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/petalmarket/checkout/internal/domain/auth"
	"github.com/petalmarket/checkout/internal/domain/order"
)

// LineRequest is one requested refund line, by commodity id.
type LineRequest struct {
	CommodityID int64
	Quantity    int
}

// CreateRequest is the input for declaring a refund on an order.
type CreateRequest struct {
	Comment string
	Lines   []LineRequest
}

// Service encapsulates refund declaration and lookup against an order.
type Service struct {
	orders  order.Repository
	refunds Repository
}

// NewService creates a refund Service.
func NewService(orders order.Repository, refunds Repository) *Service {
	return &Service{orders: orders, refunds: refunds}
}

// Create validates the requested lines against the order's remaining
// refundable quantities and persists the refund with all its lines
// atomically. A single invalid line rejects the whole batch.
func (s *Service) Create(ctx context.Context, actor auth.Actor, orderID int64, req CreateRequest) (*OrderRefund, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.Accessible(actor) {
		return nil, order.ErrForbidden
	}

	lines := make([]Line, 0, len(req.Lines))
	rests := make(map[int64]int, len(o.Commodities))
	for _, c := range o.Commodities {
		rests[c.ID] = c.Rest
	}
	for _, lr := range req.Lines {
		c := o.Commodity(lr.CommodityID)
		if c == nil {
			return nil, &NotInOrderError{CommodityID: lr.CommodityID}
		}
		lines = append(lines, Line{CommodityID: lr.CommodityID, Quantity: lr.Quantity, Price: c.Price, Name: c.Name})
	}
	if err := ValidateLines(lines, rests); err != nil {
		return nil, err
	}

	r := &OrderRefund{OrderID: orderID, Comment: req.Comment, Lines: lines}
	if err := s.refunds.Create(ctx, r); err != nil {
		return nil, errors.Wrap(err, "create refund")
	}
	return r, nil
}

// Get returns one refund of an order visible to the actor.
func (s *Service) Get(ctx context.Context, actor auth.Actor, orderID, refundID int64) (*OrderRefund, error) {
	if _, err := s.visibleOrder(ctx, actor, orderID); err != nil {
		return nil, err
	}
	return s.refunds.Get(ctx, orderID, refundID)
}

// List returns all refunds of an order visible to the actor.
func (s *Service) List(ctx context.Context, actor auth.Actor, orderID int64) ([]OrderRefund, error) {
	if _, err := s.visibleOrder(ctx, actor, orderID); err != nil {
		return nil, err
	}
	return s.refunds.ListByOrder(ctx, orderID)
}

func (s *Service) visibleOrder(ctx context.Context, actor auth.Actor, orderID int64) (*order.Order, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.Accessible(actor) {
		return nil, errors.Wrap(order.ErrNotFound, "refund scope")
	}
	return o, nil
}
