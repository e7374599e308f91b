// Package payment covers both directions of money movement: order payments
// and refund repayments, reconciled against an external hosted-checkout
// provider. Local status is a cache of the last known gateway response, never
// the source of truth.
package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Gateway status values the core gives local meaning to. Everything else the
// provider reports (pending, waiting_for_capture, ...) is copied verbatim.
const (
	StatusCreated   = "created"
	StatusSucceeded = "succeeded"
	StatusCanceled  = "canceled"
)

// Sentinel errors for payment operations.
var (
	ErrNotFound        = errors.New("payment not found")
	ErrAlreadyPaid     = errors.New("order is already paid, repeat payment forbidden")
	ErrRepeatRepayment = errors.New("refund is already repaid, repeat repayment forbidden")
	ErrNotPaid         = errors.New("order has no succeeded payment")
	ErrInProgress      = errors.New("operation already in progress")
)

// GatewayError carries an upstream transport or business failure so the
// caller sees why a charge or refund was rejected.
type GatewayError struct {
	Op      string
	Message string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("payment gateway %s: %s", e.Op, e.Message)
}

// OrderPayment is one charge attempt for an order. Value is frozen at the
// order's value when the record is created. At most one non-canceled payment
// exists per order.
type OrderPayment struct {
	ID             int64
	OrderID        int64
	IdempotenceKey uuid.UUID
	ExternalID     *string
	Status         string
	Value          decimal.Decimal
	CreatedAt      time.Time
}

// Terminal reports whether the payment needs no further reconciliation.
func (p *OrderPayment) Terminal() bool {
	return p.Status == StatusSucceeded || p.Status == StatusCanceled
}

// Repayment is one money-return attempt for a refund, reversing part of the
// referenced order payment. Value is frozen at the refund's value.
type Repayment struct {
	ID             int64
	RefundID       int64
	PaymentID      int64
	IdempotenceKey uuid.UUID
	ExternalID     *string
	Status         string
	Value          decimal.Decimal
	CreatedAt      time.Time
}

// Terminal reports whether the repayment needs no further reconciliation.
func (p *Repayment) Terminal() bool {
	return p.Status == StatusSucceeded || p.Status == StatusCanceled
}

// ReceiptItem is one line of the fiscal receipt sent with a charge or refund.
type ReceiptItem struct {
	Description string
	Quantity    int
	UnitPrice   decimal.Decimal
}

// CreatePaymentRequest is the gateway input for a new charge.
type CreatePaymentRequest struct {
	IdempotenceKey uuid.UUID
	Amount         decimal.Decimal
	Currency       string
	Description    string
	Metadata       map[string]string
	Receipt        []ReceiptItem
	ReturnURL      string
}

// CreateRefundRequest is the gateway input for returning money against an
// earlier charge.
type CreateRefundRequest struct {
	IdempotenceKey uuid.UUID
	PaymentID      string
	Amount         decimal.Decimal
	Currency       string
	Receipt        []ReceiptItem
}

// GatewayPayment is the provider's view of a charge.
type GatewayPayment struct {
	ExternalID      string
	Status          string
	ConfirmationURL string
}

// GatewayRefund is the provider's view of a money return.
type GatewayRefund struct {
	ExternalID string
	Status     string
}

// Gateway is the hosted checkout provider port. Create calls are idempotent
// per key on the provider side and must not be auto-retried locally; Find
// calls are safe to retry.
type Gateway interface {
	CreatePayment(ctx context.Context, req CreatePaymentRequest) (*GatewayPayment, error)
	FindPayment(ctx context.Context, externalID string) (*GatewayPayment, error)
	CreateRefund(ctx context.Context, req CreateRefundRequest) (*GatewayRefund, error)
	FindRefund(ctx context.Context, externalID string) (*GatewayRefund, error)
}

// Repository defines persistence for payments and repayments.
//
// CreatePaymentIfAbsent and CreateRepaymentIfAbsent must lock the owning
// order row, return the existing non-canceled record when one exists
// (reported by the bool), and otherwise insert the given record, all in one
// transaction, so concurrent creation requests serialize.
type Repository interface {
	CreatePaymentIfAbsent(ctx context.Context, p *OrderPayment) (*OrderPayment, bool, error)
	GetPayment(ctx context.Context, orderID, paymentID int64) (*OrderPayment, error)
	ListPaymentsByOrder(ctx context.Context, orderID int64) ([]OrderPayment, error)
	SucceededPaymentByOrder(ctx context.Context, orderID int64) (*OrderPayment, error)
	SetPaymentResult(ctx context.Context, id int64, externalID, status string) error
	SetPaymentStatus(ctx context.Context, id int64, status string) error

	CreateRepaymentIfAbsent(ctx context.Context, p *Repayment) (*Repayment, bool, error)
	GetRepayment(ctx context.Context, refundID, repaymentID int64) (*Repayment, error)
	ListRepaymentsByRefund(ctx context.Context, refundID int64) ([]Repayment, error)
	SetRepaymentResult(ctx context.Context, id int64, externalID, status string) error
	SetRepaymentStatus(ctx context.Context, id int64, status string) error
}
