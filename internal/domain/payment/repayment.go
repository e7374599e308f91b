package payment

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/petalmarket/checkout/internal/domain/auth"
	"github.com/petalmarket/checkout/internal/domain/order"
	"github.com/petalmarket/checkout/internal/domain/refund"
)

// RepaymentService is the refund-side gateway adapter, the mirror of Service.
// Money return is not self-service: every operation is staff only.
type RepaymentService struct {
	orders  order.Repository
	refunds refund.Repository
	store   Repository
	gateway Gateway
	cfg     Config
}

// NewRepaymentService creates a RepaymentService.
func NewRepaymentService(orders order.Repository, refunds refund.Repository, store Repository, gateway Gateway, cfg Config) *RepaymentService {
	return &RepaymentService{orders: orders, refunds: refunds, store: store, gateway: gateway, cfg: cfg}
}

// Create returns money for a refund through the gateway, keyed by the
// original payment's external id. An order without a succeeded payment has
// nothing to repay and resolves as not found. Existing non-canceled
// repayments are reused exactly like order payments.
func (s *RepaymentService) Create(ctx context.Context, actor auth.Actor, orderID, refundID int64) (*Repayment, error) {
	r, err := s.authorize(ctx, actor, orderID, refundID)
	if err != nil {
		return nil, err
	}

	paid, err := s.store.SucceededPaymentByOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotPaid
		}
		return nil, errors.Wrap(err, "find succeeded payment")
	}
	if paid.ExternalID == nil {
		return nil, ErrNotPaid
	}

	rp, _, err := s.store.CreateRepaymentIfAbsent(ctx, &Repayment{
		RefundID:       refundID,
		PaymentID:      paid.ID,
		IdempotenceKey: uuid.New(),
		Status:         StatusCreated,
		Value:          r.Value(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "ensure repayment")
	}
	if rp.Status == StatusSucceeded {
		return nil, ErrRepeatRepayment
	}

	gr, err := s.gateway.CreateRefund(ctx, CreateRefundRequest{
		IdempotenceKey: rp.IdempotenceKey,
		PaymentID:      *paid.ExternalID,
		Amount:         rp.Value,
		Currency:       s.cfg.Currency,
		Receipt:        refundReceipt(r),
	})
	if err != nil {
		return nil, gatewayError("create refund", err)
	}

	if err := s.store.SetRepaymentResult(ctx, rp.ID, gr.ExternalID, gr.Status); err != nil {
		return nil, errors.Wrap(err, "store gateway result")
	}
	rp.ExternalID = &gr.ExternalID
	rp.Status = gr.Status
	return rp, nil
}

// List returns the refund's repayments, reconciled against the gateway first.
func (s *RepaymentService) List(ctx context.Context, actor auth.Actor, orderID, refundID int64) ([]Repayment, error) {
	if _, err := s.authorize(ctx, actor, orderID, refundID); err != nil {
		return nil, err
	}
	rps, err := s.store.ListRepaymentsByRefund(ctx, refundID)
	if err != nil {
		return nil, errors.Wrap(err, "list repayments")
	}
	s.reconcileRepayments(ctx, rps)
	return rps, nil
}

// Get returns one repayment, reconciled the same way as List.
func (s *RepaymentService) Get(ctx context.Context, actor auth.Actor, orderID, refundID, repaymentID int64) (*Repayment, error) {
	if _, err := s.authorize(ctx, actor, orderID, refundID); err != nil {
		return nil, err
	}
	rp, err := s.store.GetRepayment(ctx, refundID, repaymentID)
	if err != nil {
		return nil, err
	}
	s.reconcileRepayments(ctx, []Repayment{*rp})
	return s.store.GetRepayment(ctx, refundID, repaymentID)
}

func (s *RepaymentService) authorize(ctx context.Context, actor auth.Actor, orderID, refundID int64) (*refund.OrderRefund, error) {
	if !actor.Staff {
		return nil, order.ErrForbidden
	}
	if _, err := s.orders.Get(ctx, orderID); err != nil {
		return nil, err
	}
	return s.refunds.Get(ctx, orderID, refundID)
}

func (s *RepaymentService) reconcileRepayments(ctx context.Context, rps []Repayment) {
	g, gctx := errgroup.WithContext(ctx)
	for i := range rps {
		rp := &rps[i]
		if rp.Terminal() || rp.ExternalID == nil {
			continue
		}
		g.Go(func() error {
			gr, err := findWithRetry(gctx, func(ctx context.Context) (*GatewayRefund, error) {
				return s.gateway.FindRefund(ctx, *rp.ExternalID)
			})
			if err != nil {
				zctx.From(gctx).Warn("repayment reconciliation failed",
					zap.Int64("repayment_id", rp.ID), zap.Error(err))
				return nil
			}
			if gr.Status == rp.Status {
				return nil
			}
			if err := s.store.SetRepaymentStatus(gctx, rp.ID, gr.Status); err != nil {
				zctx.From(gctx).Warn("repayment status persist failed",
					zap.Int64("repayment_id", rp.ID), zap.Error(err))
				return nil
			}
			rp.Status = gr.Status
			return nil
		})
	}
	_ = g.Wait()
}

func refundReceipt(r *refund.OrderRefund) []ReceiptItem {
	items := make([]ReceiptItem, len(r.Lines))
	for i, l := range r.Lines {
		items[i] = ReceiptItem{Description: l.Name, Quantity: l.Quantity, UnitPrice: l.Price}
	}
	return items
}
