package payment

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/petalmarket/checkout/internal/domain/auth"
	"github.com/petalmarket/checkout/internal/domain/order"
)

// Config holds the gateway-facing settings shared by all charges.
type Config struct {
	Currency  string
	ReturnURL string
}

// CreateResult is a payment record together with the gateway's hosted
// confirmation page for the buyer redirect.
type CreateResult struct {
	Payment         *OrderPayment
	ConfirmationURL string
}

// Service is the payment-side gateway adapter: idempotent charge creation and
// read-triggered status reconciliation.
type Service struct {
	orders   order.Repository
	payments Repository
	gateway  Gateway
	cfg      Config
}

// NewService creates a payment Service. The gateway client is injected so it
// can be faked in tests.
func NewService(orders order.Repository, payments Repository, gateway Gateway, cfg Config) *Service {
	return &Service{orders: orders, payments: payments, gateway: gateway, cfg: cfg}
}

// Create charges an order. An existing non-canceled payment is reused (same
// idempotence key, so the provider deduplicates retries); a succeeded one
// rejects the call. The local record is persisted before the gateway round
// trip and updated after it, in two short transactions, so no database lock
// is held across the network call.
func (s *Service) Create(ctx context.Context, actor auth.Actor, orderID int64) (*CreateResult, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.Accessible(actor) {
		return nil, order.ErrForbidden
	}

	p, _, err := s.payments.CreatePaymentIfAbsent(ctx, &OrderPayment{
		OrderID:        orderID,
		IdempotenceKey: uuid.New(),
		Status:         StatusCreated,
		Value:          o.Value(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "ensure payment")
	}
	if p.Status == StatusSucceeded {
		return nil, ErrAlreadyPaid
	}

	gp, err := s.gateway.CreatePayment(ctx, CreatePaymentRequest{
		IdempotenceKey: p.IdempotenceKey,
		Amount:         p.Value,
		Currency:       s.cfg.Currency,
		Description:    fmt.Sprintf("Order #%d", orderID),
		Metadata:       map[string]string{"order_id": fmt.Sprint(orderID)},
		Receipt:        orderReceipt(o),
		ReturnURL:      s.cfg.ReturnURL,
	})
	if err != nil {
		// The local row stays in its pre-call state so a retry reuses it.
		return nil, gatewayError("create payment", err)
	}

	if err := s.payments.SetPaymentResult(ctx, p.ID, gp.ExternalID, gp.Status); err != nil {
		return nil, errors.Wrap(err, "store gateway result")
	}
	p.ExternalID = &gp.ExternalID
	p.Status = gp.Status

	return &CreateResult{Payment: p, ConfirmationURL: gp.ConfirmationURL}, nil
}

// List returns the order's payments, reconciling every unresolved one against
// the gateway first. Reconciliation failures are logged and swallowed; a
// stale status is preferable to a broken listing.
func (s *Service) List(ctx context.Context, actor auth.Actor, orderID int64) ([]OrderPayment, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.Accessible(actor) {
		return nil, order.ErrForbidden
	}

	ps, err := s.payments.ListPaymentsByOrder(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "list payments")
	}
	s.reconcilePayments(ctx, ps)
	return ps, nil
}

// Get returns one payment of the order, reconciled the same way as List.
func (s *Service) Get(ctx context.Context, actor auth.Actor, orderID, paymentID int64) (*OrderPayment, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.Accessible(actor) {
		return nil, order.ErrForbidden
	}

	p, err := s.payments.GetPayment(ctx, orderID, paymentID)
	if err != nil {
		return nil, err
	}
	s.reconcilePayments(ctx, []OrderPayment{*p})
	return s.payments.GetPayment(ctx, orderID, paymentID)
}

// reconcilePayments polls the gateway for every non-terminal payment with a
// known external id and persists status changes, updating the slice in place.
func (s *Service) reconcilePayments(ctx context.Context, ps []OrderPayment) {
	g, gctx := errgroup.WithContext(ctx)
	for i := range ps {
		p := &ps[i]
		if p.Terminal() || p.ExternalID == nil {
			continue
		}
		g.Go(func() error {
			gp, err := findWithRetry(gctx, func(ctx context.Context) (*GatewayPayment, error) {
				return s.gateway.FindPayment(ctx, *p.ExternalID)
			})
			if err != nil {
				zctx.From(gctx).Warn("payment reconciliation failed",
					zap.Int64("payment_id", p.ID), zap.Error(err))
				return nil
			}
			if gp.Status == p.Status {
				return nil
			}
			if err := s.payments.SetPaymentStatus(gctx, p.ID, gp.Status); err != nil {
				zctx.From(gctx).Warn("payment status persist failed",
					zap.Int64("payment_id", p.ID), zap.Error(err))
				return nil
			}
			p.Status = gp.Status
			return nil
		})
	}
	_ = g.Wait()
}

func orderReceipt(o *order.Order) []ReceiptItem {
	items := make([]ReceiptItem, len(o.Commodities))
	for i, c := range o.Commodities {
		items[i] = ReceiptItem{Description: c.Name, Quantity: c.Quantity, UnitPrice: c.Price}
	}
	return items
}

// gatewayError wraps an upstream failure, keeping an existing GatewayError's
// message intact.
func gatewayError(op string, err error) error {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	return &GatewayError{Op: op, Message: err.Error()}
}
