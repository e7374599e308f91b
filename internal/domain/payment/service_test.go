package payment

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petalmarket/checkout/internal/domain/auth"
	"github.com/petalmarket/checkout/internal/domain/order"
	"github.com/petalmarket/checkout/internal/domain/refund"
)

// --- Mock implementations ---

type mockOrderRepo struct {
	byID map[int64]*order.Order
}

func (m *mockOrderRepo) Create(_ context.Context, _ *order.Order) error { return nil }

func (m *mockOrderRepo) Get(_ context.Context, id int64) (*order.Order, error) {
	o, ok := m.byID[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return o, nil
}

func (m *mockOrderRepo) ListByOwner(_ context.Context, _ string) ([]order.Order, error) {
	return nil, nil
}

func (m *mockOrderRepo) ListAll(_ context.Context) ([]order.Order, error) { return nil, nil }

func (m *mockOrderRepo) Cancel(_ context.Context, _ int64) error { return nil }

func (m *mockOrderRepo) SetStatus(_ context.Context, _ int64, _ order.Status) error { return nil }

type mockRefundRepo struct {
	byID map[int64]*refund.OrderRefund
}

func (m *mockRefundRepo) Create(_ context.Context, _ *refund.OrderRefund) error { return nil }

func (m *mockRefundRepo) Get(_ context.Context, orderID, refundID int64) (*refund.OrderRefund, error) {
	r, ok := m.byID[refundID]
	if !ok || r.OrderID != orderID {
		return nil, refund.ErrNotFound
	}
	return r, nil
}

func (m *mockRefundRepo) ListByOrder(_ context.Context, _ int64) ([]refund.OrderRefund, error) {
	return nil, nil
}

// mockPaymentRepo keeps payments and repayments in memory with the same
// one-active-record semantics the SQL layer enforces.
type mockPaymentRepo struct {
	payments   []*OrderPayment
	repayments []*Repayment
}

func (m *mockPaymentRepo) CreatePaymentIfAbsent(_ context.Context, p *OrderPayment) (*OrderPayment, bool, error) {
	for _, ex := range m.payments {
		if ex.OrderID == p.OrderID && ex.Status != StatusCanceled {
			return ex, false, nil
		}
	}
	p.ID = int64(len(m.payments) + 1)
	m.payments = append(m.payments, p)
	return p, true, nil
}

func (m *mockPaymentRepo) GetPayment(_ context.Context, orderID, paymentID int64) (*OrderPayment, error) {
	for _, p := range m.payments {
		if p.ID == paymentID && p.OrderID == orderID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockPaymentRepo) ListPaymentsByOrder(_ context.Context, orderID int64) ([]OrderPayment, error) {
	var out []OrderPayment
	for _, p := range m.payments {
		if p.OrderID == orderID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *mockPaymentRepo) SucceededPaymentByOrder(_ context.Context, orderID int64) (*OrderPayment, error) {
	for _, p := range m.payments {
		if p.OrderID == orderID && p.Status == StatusSucceeded {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockPaymentRepo) SetPaymentResult(_ context.Context, id int64, externalID, status string) error {
	for _, p := range m.payments {
		if p.ID == id {
			ext := externalID
			p.ExternalID = &ext
			p.Status = status
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockPaymentRepo) SetPaymentStatus(_ context.Context, id int64, status string) error {
	for _, p := range m.payments {
		if p.ID == id {
			p.Status = status
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockPaymentRepo) CreateRepaymentIfAbsent(_ context.Context, p *Repayment) (*Repayment, bool, error) {
	for _, ex := range m.repayments {
		if ex.RefundID == p.RefundID && ex.Status != StatusCanceled {
			return ex, false, nil
		}
	}
	p.ID = int64(len(m.repayments) + 1)
	m.repayments = append(m.repayments, p)
	return p, true, nil
}

func (m *mockPaymentRepo) GetRepayment(_ context.Context, refundID, repaymentID int64) (*Repayment, error) {
	for _, p := range m.repayments {
		if p.ID == repaymentID && p.RefundID == refundID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockPaymentRepo) ListRepaymentsByRefund(_ context.Context, refundID int64) ([]Repayment, error) {
	var out []Repayment
	for _, p := range m.repayments {
		if p.RefundID == refundID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *mockPaymentRepo) SetRepaymentResult(_ context.Context, id int64, externalID, status string) error {
	for _, p := range m.repayments {
		if p.ID == id {
			ext := externalID
			p.ExternalID = &ext
			p.Status = status
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockPaymentRepo) SetRepaymentStatus(_ context.Context, id int64, status string) error {
	for _, p := range m.repayments {
		if p.ID == id {
			p.Status = status
			return nil
		}
	}
	return ErrNotFound
}

type mockGateway struct {
	payments      map[string]*GatewayPayment
	refunds       map[string]*GatewayRefund
	createPayErr  error
	createRefErr  error
	findFailures  int
	lastPayReq    CreatePaymentRequest
	lastRefundReq CreateRefundRequest
	createCalls   int
	findCalls     int
}

func (m *mockGateway) CreatePayment(_ context.Context, req CreatePaymentRequest) (*GatewayPayment, error) {
	m.createCalls++
	m.lastPayReq = req
	if m.createPayErr != nil {
		return nil, m.createPayErr
	}
	return &GatewayPayment{
		ExternalID:      "ext-" + req.IdempotenceKey.String(),
		Status:          "pending",
		ConfirmationURL: "https://checkout.example/confirm",
	}, nil
}

func (m *mockGateway) FindPayment(_ context.Context, externalID string) (*GatewayPayment, error) {
	m.findCalls++
	if m.findFailures > 0 {
		m.findFailures--
		return nil, errors.New("gateway unavailable")
	}
	gp, ok := m.payments[externalID]
	if !ok {
		return nil, errors.New("unknown payment")
	}
	return gp, nil
}

func (m *mockGateway) CreateRefund(_ context.Context, req CreateRefundRequest) (*GatewayRefund, error) {
	m.lastRefundReq = req
	if m.createRefErr != nil {
		return nil, m.createRefErr
	}
	return &GatewayRefund{ExternalID: "refund-" + req.IdempotenceKey.String(), Status: "pending"}, nil
}

func (m *mockGateway) FindRefund(_ context.Context, externalID string) (*GatewayRefund, error) {
	m.findCalls++
	if m.findFailures > 0 {
		m.findFailures--
		return nil, errors.New("gateway unavailable")
	}
	gr, ok := m.refunds[externalID]
	if !ok {
		return nil, errors.New("unknown refund")
	}
	return gr, nil
}

// --- Helpers ---

var (
	sessionActor = auth.Actor{SessionID: "sess-1"}
	otherActor   = auth.Actor{SessionID: "sess-2"}
	staffActor   = auth.Actor{PrincipalID: 1, Staff: true}
)

func testOrder() *order.Order {
	session := "sess-1"
	return &order.Order{
		ID:        42,
		SessionID: &session,
		Status:    order.StatusCreated,
		Commodities: []order.Commodity{
			{ID: 100, Name: "Widget", Price: decimal.RequireFromString("144.00"), Quantity: 10, Rest: 10},
		},
	}
}

func newTestService(o *order.Order, gw *mockGateway) (*Service, *mockPaymentRepo) {
	repo := &mockPaymentRepo{}
	orders := &mockOrderRepo{byID: map[int64]*order.Order{o.ID: o}}
	svc := NewService(orders, repo, gw, Config{Currency: "RUB", ReturnURL: "https://shop.example/return"})
	return svc, repo
}

// --- Create ---

func TestCreate_ChargesOrderValue(t *testing.T) {
	gw := &mockGateway{}
	svc, _ := newTestService(testOrder(), gw)

	res, err := svc.Create(context.Background(), sessionActor, 42)

	require.NoError(t, err)
	assert.Equal(t, "https://checkout.example/confirm", res.ConfirmationURL)
	assert.Equal(t, "pending", res.Payment.Status)
	require.NotNil(t, res.Payment.ExternalID)
	assert.True(t, decimal.RequireFromString("1440.00").Equal(res.Payment.Value))
	assert.True(t, decimal.RequireFromString("1440.00").Equal(gw.lastPayReq.Amount))
	assert.Equal(t, "RUB", gw.lastPayReq.Currency)
	assert.Equal(t, "https://shop.example/return", gw.lastPayReq.ReturnURL)
	require.Len(t, gw.lastPayReq.Receipt, 1)
	assert.Equal(t, "Widget", gw.lastPayReq.Receipt[0].Description)
	assert.Equal(t, "42", gw.lastPayReq.Metadata["order_id"])
}

func TestCreate_ReusesPendingPayment(t *testing.T) {
	gw := &mockGateway{}
	svc, repo := newTestService(testOrder(), gw)

	first, err := svc.Create(context.Background(), sessionActor, 42)
	require.NoError(t, err)

	second, err := svc.Create(context.Background(), sessionActor, 42)
	require.NoError(t, err)

	// Same local record, same idempotence key, so the provider deduplicates.
	assert.Equal(t, first.Payment.ID, second.Payment.ID)
	assert.Equal(t, first.Payment.IdempotenceKey, second.Payment.IdempotenceKey)
	assert.Len(t, repo.payments, 1)
	assert.Equal(t, 2, gw.createCalls)
}

func TestCreate_AlreadyPaid(t *testing.T) {
	gw := &mockGateway{}
	svc, repo := newTestService(testOrder(), gw)
	repo.payments = append(repo.payments, &OrderPayment{
		ID: 1, OrderID: 42, IdempotenceKey: uuid.New(), Status: StatusSucceeded,
	})

	_, err := svc.Create(context.Background(), sessionActor, 42)
	require.ErrorIs(t, err, ErrAlreadyPaid)
	assert.Zero(t, gw.createCalls)
}

func TestCreate_NewAttemptAfterCanceled(t *testing.T) {
	gw := &mockGateway{}
	svc, repo := newTestService(testOrder(), gw)
	repo.payments = append(repo.payments, &OrderPayment{
		ID: 1, OrderID: 42, IdempotenceKey: uuid.New(), Status: StatusCanceled,
	})

	res, err := svc.Create(context.Background(), sessionActor, 42)
	require.NoError(t, err)
	assert.Len(t, repo.payments, 2)
	assert.NotEqual(t, repo.payments[0].IdempotenceKey, res.Payment.IdempotenceKey)
}

func TestCreate_GatewayFailureKeepsLocalRecord(t *testing.T) {
	gw := &mockGateway{createPayErr: errors.New("connection reset")}
	svc, repo := newTestService(testOrder(), gw)

	_, err := svc.Create(context.Background(), sessionActor, 42)

	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "create payment", gwErr.Op)
	// The pre-call record survives so a retry reuses its key.
	require.Len(t, repo.payments, 1)
	assert.Equal(t, StatusCreated, repo.payments[0].Status)
	assert.Nil(t, repo.payments[0].ExternalID)
}

func TestCreate_GatewayBusinessErrorPassedThrough(t *testing.T) {
	gw := &mockGateway{createPayErr: &GatewayError{Op: "create payment", Message: "invalid shop credentials"}}
	svc, _ := newTestService(testOrder(), gw)

	_, err := svc.Create(context.Background(), sessionActor, 42)

	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "invalid shop credentials", gwErr.Message)
}

func TestCreate_Forbidden(t *testing.T) {
	gw := &mockGateway{}
	svc, _ := newTestService(testOrder(), gw)

	_, err := svc.Create(context.Background(), otherActor, 42)
	require.ErrorIs(t, err, order.ErrForbidden)
	assert.Zero(t, gw.createCalls)
}

// --- Read-triggered reconciliation ---

func TestList_ReconcilesPendingPayment(t *testing.T) {
	gw := &mockGateway{payments: map[string]*GatewayPayment{
		"ext-1": {ExternalID: "ext-1", Status: StatusSucceeded},
	}}
	svc, repo := newTestService(testOrder(), gw)
	ext := "ext-1"
	repo.payments = append(repo.payments, &OrderPayment{
		ID: 1, OrderID: 42, IdempotenceKey: uuid.New(), ExternalID: &ext, Status: "pending",
	})

	ps, err := svc.List(context.Background(), sessionActor, 42)

	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, StatusSucceeded, ps[0].Status)
	assert.Equal(t, StatusSucceeded, repo.payments[0].Status)
}

func TestList_TerminalPaymentNotPolled(t *testing.T) {
	gw := &mockGateway{}
	svc, repo := newTestService(testOrder(), gw)
	ext := "ext-1"
	repo.payments = append(repo.payments, &OrderPayment{
		ID: 1, OrderID: 42, IdempotenceKey: uuid.New(), ExternalID: &ext, Status: StatusSucceeded,
	})

	_, err := svc.List(context.Background(), sessionActor, 42)

	require.NoError(t, err)
	assert.Zero(t, gw.findCalls)
}

func TestList_ReconcileFailureKeepsStaleStatus(t *testing.T) {
	gw := &mockGateway{findFailures: 100}
	svc, repo := newTestService(testOrder(), gw)
	ext := "ext-1"
	repo.payments = append(repo.payments, &OrderPayment{
		ID: 1, OrderID: 42, IdempotenceKey: uuid.New(), ExternalID: &ext, Status: "pending",
	})

	ps, err := svc.List(context.Background(), sessionActor, 42)

	// Stale status is preferable to a broken listing.
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, "pending", ps[0].Status)
	assert.Equal(t, findAttempts, gw.findCalls)
}

func TestGet_ReconcileRetriesTransientFailure(t *testing.T) {
	gw := &mockGateway{
		findFailures: 2,
		payments: map[string]*GatewayPayment{
			"ext-1": {ExternalID: "ext-1", Status: StatusCanceled},
		},
	}
	svc, repo := newTestService(testOrder(), gw)
	ext := "ext-1"
	repo.payments = append(repo.payments, &OrderPayment{
		ID: 1, OrderID: 42, IdempotenceKey: uuid.New(), ExternalID: &ext, Status: "waiting_for_capture",
	})

	p, err := svc.Get(context.Background(), sessionActor, 42, 1)

	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, p.Status)
	assert.Equal(t, 3, gw.findCalls)
}

func TestGet_StaffSeesAnyPayment(t *testing.T) {
	gw := &mockGateway{}
	svc, repo := newTestService(testOrder(), gw)
	repo.payments = append(repo.payments, &OrderPayment{
		ID: 1, OrderID: 42, IdempotenceKey: uuid.New(), Status: StatusSucceeded,
	})

	p, err := svc.Get(context.Background(), staffActor, 42, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.ID)
}
