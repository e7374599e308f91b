package handler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petalmarket/checkout/internal/domain/auth"
	"github.com/petalmarket/checkout/internal/domain/order"
	"github.com/petalmarket/checkout/internal/domain/payment"
	"github.com/petalmarket/checkout/internal/domain/refund"
)

// --- In-memory fakes ---

type fakePrincipals struct {
	byHash map[string]*auth.Principal
}

func (f *fakePrincipals) FindByHash(_ context.Context, hash string) (*auth.Principal, error) {
	p, ok := f.byHash[hash]
	if !ok {
		return nil, auth.ErrPrincipalNotFound
	}
	return p, nil
}

type fakeCarts struct {
	lines map[string][]order.CartLine
}

func (f *fakeCarts) Lines(_ context.Context, ownerKey string) ([]order.CartLine, error) {
	return f.lines[ownerKey], nil
}

type fakeCatalog struct {
	byID map[string]*order.Product
}

func (f *fakeCatalog) Product(_ context.Context, id string) (*order.Product, error) {
	p, ok := f.byID[id]
	if !ok {
		return nil, order.ErrProductNotFound
	}
	return p, nil
}

type fakeOrders struct {
	byID   map[int64]*order.Order
	nextID int64
}

func (f *fakeOrders) Create(_ context.Context, o *order.Order) error {
	f.nextID++
	o.ID = f.nextID
	if f.byID == nil {
		f.byID = make(map[int64]*order.Order)
	}
	f.byID[o.ID] = o
	return nil
}

func (f *fakeOrders) Get(_ context.Context, id int64) (*order.Order, error) {
	o, ok := f.byID[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return o, nil
}

func (f *fakeOrders) ListByOwner(_ context.Context, ownerKey string) ([]order.Order, error) {
	var out []order.Order
	for _, o := range f.byID {
		key := ""
		if o.UserID != nil {
			key = auth.Actor{PrincipalID: *o.UserID}.OwnerKey()
		} else if o.SessionID != nil {
			key = auth.Actor{SessionID: *o.SessionID}.OwnerKey()
		}
		if key == ownerKey {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeOrders) ListAll(_ context.Context) ([]order.Order, error) {
	out := make([]order.Order, 0, len(f.byID))
	for _, o := range f.byID {
		out = append(out, *o)
	}
	return out, nil
}

func (f *fakeOrders) Cancel(_ context.Context, id int64) error {
	o, ok := f.byID[id]
	if !ok {
		return order.ErrNotFound
	}
	switch {
	case o.Status == order.StatusCanceled:
		return order.ErrAlreadyCanceled
	case o.Status == order.StatusDelivered:
		return order.ErrCancelDelivered
	case o.RefundCount > 0:
		return order.ErrCancelRefunded
	}
	o.Status = order.StatusCanceled
	if o.Paid {
		o.RefundCount++
	}
	return nil
}

func (f *fakeOrders) SetStatus(_ context.Context, id int64, status order.Status) error {
	o, ok := f.byID[id]
	if !ok {
		return order.ErrNotFound
	}
	o.Status = status
	return nil
}

type fakeRefunds struct {
	byOrder map[int64][]*refund.OrderRefund
}

func (f *fakeRefunds) Create(_ context.Context, r *refund.OrderRefund) error {
	if f.byOrder == nil {
		f.byOrder = make(map[int64][]*refund.OrderRefund)
	}
	r.ID = int64(len(f.byOrder[r.OrderID]) + 1)
	f.byOrder[r.OrderID] = append(f.byOrder[r.OrderID], r)
	return nil
}

func (f *fakeRefunds) Get(_ context.Context, orderID, refundID int64) (*refund.OrderRefund, error) {
	for _, r := range f.byOrder[orderID] {
		if r.ID == refundID {
			return r, nil
		}
	}
	return nil, refund.ErrNotFound
}

func (f *fakeRefunds) ListByOrder(_ context.Context, orderID int64) ([]refund.OrderRefund, error) {
	out := make([]refund.OrderRefund, 0, len(f.byOrder[orderID]))
	for _, r := range f.byOrder[orderID] {
		out = append(out, *r)
	}
	return out, nil
}

type fakePayments struct {
	payments   []*payment.OrderPayment
	repayments []*payment.Repayment
}

func (f *fakePayments) CreatePaymentIfAbsent(_ context.Context, p *payment.OrderPayment) (*payment.OrderPayment, bool, error) {
	for _, ex := range f.payments {
		if ex.OrderID == p.OrderID && ex.Status != payment.StatusCanceled {
			return ex, false, nil
		}
	}
	p.ID = int64(len(f.payments) + 1)
	f.payments = append(f.payments, p)
	return p, true, nil
}

func (f *fakePayments) GetPayment(_ context.Context, orderID, paymentID int64) (*payment.OrderPayment, error) {
	for _, p := range f.payments {
		if p.ID == paymentID && p.OrderID == orderID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, payment.ErrNotFound
}

func (f *fakePayments) ListPaymentsByOrder(_ context.Context, orderID int64) ([]payment.OrderPayment, error) {
	var out []payment.OrderPayment
	for _, p := range f.payments {
		if p.OrderID == orderID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakePayments) SucceededPaymentByOrder(_ context.Context, orderID int64) (*payment.OrderPayment, error) {
	for _, p := range f.payments {
		if p.OrderID == orderID && p.Status == payment.StatusSucceeded {
			cp := *p
			return &cp, nil
		}
	}
	return nil, payment.ErrNotFound
}

func (f *fakePayments) SetPaymentResult(_ context.Context, id int64, externalID, status string) error {
	for _, p := range f.payments {
		if p.ID == id {
			ext := externalID
			p.ExternalID = &ext
			p.Status = status
			return nil
		}
	}
	return payment.ErrNotFound
}

func (f *fakePayments) SetPaymentStatus(_ context.Context, id int64, status string) error {
	for _, p := range f.payments {
		if p.ID == id {
			p.Status = status
			return nil
		}
	}
	return payment.ErrNotFound
}

func (f *fakePayments) CreateRepaymentIfAbsent(_ context.Context, p *payment.Repayment) (*payment.Repayment, bool, error) {
	for _, ex := range f.repayments {
		if ex.RefundID == p.RefundID && ex.Status != payment.StatusCanceled {
			return ex, false, nil
		}
	}
	p.ID = int64(len(f.repayments) + 1)
	f.repayments = append(f.repayments, p)
	return p, true, nil
}

func (f *fakePayments) GetRepayment(_ context.Context, refundID, repaymentID int64) (*payment.Repayment, error) {
	for _, p := range f.repayments {
		if p.ID == repaymentID && p.RefundID == refundID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, payment.ErrNotFound
}

func (f *fakePayments) ListRepaymentsByRefund(_ context.Context, refundID int64) ([]payment.Repayment, error) {
	var out []payment.Repayment
	for _, p := range f.repayments {
		if p.RefundID == refundID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakePayments) SetRepaymentResult(_ context.Context, id int64, externalID, status string) error {
	for _, p := range f.repayments {
		if p.ID == id {
			ext := externalID
			p.ExternalID = &ext
			p.Status = status
			return nil
		}
	}
	return payment.ErrNotFound
}

func (f *fakePayments) SetRepaymentStatus(_ context.Context, id int64, status string) error {
	for _, p := range f.repayments {
		if p.ID == id {
			p.Status = status
			return nil
		}
	}
	return payment.ErrNotFound
}

type fakeGateway struct{}

func (fakeGateway) CreatePayment(_ context.Context, req payment.CreatePaymentRequest) (*payment.GatewayPayment, error) {
	return &payment.GatewayPayment{
		ExternalID:      "ext-" + req.IdempotenceKey.String(),
		Status:          "pending",
		ConfirmationURL: "https://pay.example/confirm",
	}, nil
}

func (fakeGateway) FindPayment(_ context.Context, externalID string) (*payment.GatewayPayment, error) {
	return &payment.GatewayPayment{ExternalID: externalID, Status: "pending"}, nil
}

func (fakeGateway) CreateRefund(_ context.Context, req payment.CreateRefundRequest) (*payment.GatewayRefund, error) {
	return &payment.GatewayRefund{ExternalID: "refund-" + req.IdempotenceKey.String(), Status: "pending"}, nil
}

func (fakeGateway) FindRefund(_ context.Context, externalID string) (*payment.GatewayRefund, error) {
	return &payment.GatewayRefund{ExternalID: externalID, Status: "pending"}, nil
}

// --- Fixture ---

const (
	userKey  = "user-api-key"
	staffKey = "staff-api-key"
)

func keyHash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

type env struct {
	mux    *http.ServeMux
	orders *fakeOrders
	carts  *fakeCarts
}

func newEnv(t *testing.T) *env {
	t.Helper()

	principals := &fakePrincipals{byHash: map[string]*auth.Principal{
		keyHash(userKey):  {ID: 7, Name: "User", Email: "user@example.com"},
		keyHash(staffKey): {ID: 1, Name: "Staff", Staff: true},
	}}
	carts := &fakeCarts{lines: map[string][]order.CartLine{}}
	catalog := &fakeCatalog{byID: map[string]*order.Product{
		"p1": {ID: "p1", Name: "Widget", Price: decimal.RequireFromString("180.00")},
	}}
	orders := &fakeOrders{}
	refunds := &fakeRefunds{}
	payments := &fakePayments{}
	gw := fakeGateway{}

	cfg := payment.Config{Currency: "RUB", ReturnURL: "https://shop.example/return"}
	h := New(
		principals,
		order.NewService(carts, catalog, orders, order.DefaultPricingPolicy(), 1),
		refund.NewService(orders, refunds),
		payment.NewService(orders, payments, gw, cfg),
		payment.NewRepaymentService(orders, refunds, payments, gw, cfg),
	)

	mux := http.NewServeMux()
	h.Register(mux)
	return &env{mux: mux, orders: orders, carts: carts}
}

func (e *env) do(t *testing.T, method, path string, headers map[string]string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func sessionHeaders(session string) map[string]string {
	return map[string]string{"X-Session-ID": session}
}

func bearerHeaders(key string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + key}
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

// --- Auth ---

func TestAuth_NoIdentity(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodGet, "/orders", nil, "")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	resp := decodeJSON[errorResponse](t, rec)
	assert.Equal(t, "invalid authentication credentials", resp.Message)
}

func TestAuth_UnknownKeyUniform401(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodGet, "/orders", bearerHeaders("bogus"), "")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	resp := decodeJSON[errorResponse](t, rec)
	// Same message as the missing-credentials case, no oracle for key validity.
	assert.Equal(t, "invalid authentication credentials", resp.Message)
}

func TestAuth_SessionAccepted(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodGet, "/orders", sessionHeaders("sess-1"), "")

	assert.Equal(t, http.StatusOK, rec.Code)
}

// --- Orders ---

func TestCreateOrder(t *testing.T) {
	e := newEnv(t)
	e.carts.lines["session:sess-1"] = []order.CartLine{{ProductID: "p1", Quantity: 10}}

	rec := e.do(t, http.MethodPost, "/orders", sessionHeaders("sess-1"),
		`{"address":"Main st 1","phone":"+100200300"}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decodeJSON[orderResponse](t, rec)
	assert.Equal(t, "created", resp.Status)
	assert.Equal(t, "1440.00", resp.Value)
	require.Len(t, resp.Commodities, 1)
	assert.Equal(t, "144.00", resp.Commodities[0].Price)
	assert.Equal(t, 10, resp.Commodities[0].Rest)
	assert.False(t, resp.IsPaid)
}

func TestCreateOrder_EmptyCart(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/orders", sessionHeaders("sess-1"), "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeJSON[errorResponse](t, rec)
	assert.Equal(t, "cart is empty", resp.Message)
}

func TestCreateOrder_MalformedBody(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/orders", sessionHeaders("sess-1"), `{"address":`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeJSON[errorResponse](t, rec)
	assert.Equal(t, "malformed request body", resp.Message)
}

func TestGetOrder_InvisibleToOtherSession(t *testing.T) {
	e := newEnv(t)
	e.carts.lines["session:sess-1"] = []order.CartLine{{ProductID: "p1", Quantity: 1}}
	created := e.do(t, http.MethodPost, "/orders", sessionHeaders("sess-1"), "")
	require.Equal(t, http.StatusCreated, created.Code)

	rec := e.do(t, http.MethodGet, "/orders/1", sessionHeaders("sess-2"), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodGet, "/orders/1", bearerHeaders(staffKey), "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetOrder_BadID(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodGet, "/orders/zero", sessionHeaders("sess-1"), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelOrder_Guards(t *testing.T) {
	e := newEnv(t)
	e.carts.lines["session:sess-1"] = []order.CartLine{{ProductID: "p1", Quantity: 1}}
	created := e.do(t, http.MethodPost, "/orders", sessionHeaders("sess-1"), "")
	require.Equal(t, http.StatusCreated, created.Code)

	rec := e.do(t, http.MethodPost, "/orders/1/cancel", sessionHeaders("sess-1"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeJSON[orderResponse](t, rec)
	assert.Equal(t, "canceled", resp.Status)

	rec = e.do(t, http.MethodPost, "/orders/1/cancel", sessionHeaders("sess-1"), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeliverOrder_StaffOnly(t *testing.T) {
	e := newEnv(t)
	e.carts.lines["session:sess-1"] = []order.CartLine{{ProductID: "p1", Quantity: 1}}
	created := e.do(t, http.MethodPost, "/orders", sessionHeaders("sess-1"), "")
	require.Equal(t, http.StatusCreated, created.Code)

	rec := e.do(t, http.MethodPost, "/orders/1/deliver", sessionHeaders("sess-1"), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, http.MethodPost, "/orders/1/deliver", bearerHeaders(staffKey), "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeJSON[orderResponse](t, rec)
	assert.Equal(t, "delivered", resp.Status)
}

// --- Refunds ---

func TestCreateRefund(t *testing.T) {
	e := newEnv(t)
	e.carts.lines["session:sess-1"] = []order.CartLine{{ProductID: "p1", Quantity: 10}}
	created := e.do(t, http.MethodPost, "/orders", sessionHeaders("sess-1"), "")
	require.Equal(t, http.StatusCreated, created.Code)
	o := decodeJSON[orderResponse](t, created)
	commodityID := o.Commodities[0].ID

	rec := e.do(t, http.MethodPost, "/orders/1/refund", sessionHeaders("sess-1"),
		`{"comment":"damaged","lines":[{"commodity_id":`+intStr(commodityID)+`,"quantity":9}]}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decodeJSON[refundResponse](t, rec)
	assert.Equal(t, "1296.00", resp.Value)
	assert.False(t, resp.IsRefunded)
	require.Len(t, resp.Lines, 1)
	assert.Equal(t, 9, resp.Lines[0].Quantity)
}

func TestCreateRefund_ExceedsRemaining(t *testing.T) {
	e := newEnv(t)
	e.carts.lines["session:sess-1"] = []order.CartLine{{ProductID: "p1", Quantity: 2}}
	created := e.do(t, http.MethodPost, "/orders", sessionHeaders("sess-1"), "")
	require.Equal(t, http.StatusCreated, created.Code)
	o := decodeJSON[orderResponse](t, created)
	commodityID := o.Commodities[0].ID

	rec := e.do(t, http.MethodPost, "/orders/1/refund", sessionHeaders("sess-1"),
		`{"lines":[{"commodity_id":`+intStr(commodityID)+`,"quantity":3}]}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeJSON[errorResponse](t, rec)
	assert.Contains(t, resp.Message, "exceeds remaining")
}

func TestCreateRefund_ZeroQuantity(t *testing.T) {
	e := newEnv(t)
	e.carts.lines["session:sess-1"] = []order.CartLine{{ProductID: "p1", Quantity: 2}}
	created := e.do(t, http.MethodPost, "/orders", sessionHeaders("sess-1"), "")
	require.Equal(t, http.StatusCreated, created.Code)
	o := decodeJSON[orderResponse](t, created)
	commodityID := o.Commodities[0].ID

	rec := e.do(t, http.MethodPost, "/orders/1/refund", sessionHeaders("sess-1"),
		`{"lines":[{"commodity_id":`+intStr(commodityID)+`,"quantity":0}]}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeJSON[errorResponse](t, rec)
	assert.Contains(t, resp.Message, "must be positive")
}

// --- Payments ---

func TestCreatePayment(t *testing.T) {
	e := newEnv(t)
	e.carts.lines["session:sess-1"] = []order.CartLine{{ProductID: "p1", Quantity: 10}}
	created := e.do(t, http.MethodPost, "/orders", sessionHeaders("sess-1"), "")
	require.Equal(t, http.StatusCreated, created.Code)

	rec := e.do(t, http.MethodPost, "/orders/1/payment", sessionHeaders("sess-1"), "")

	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decodeJSON[paymentResponse](t, rec)
	assert.Equal(t, "pending", resp.Status)
	assert.Equal(t, "1440.00", resp.Value)
	assert.Equal(t, "https://pay.example/confirm", resp.ConfirmationURL)
	assert.NotEmpty(t, resp.IdempotenceKey)
}

func TestCreateRepayment_StaffOnly(t *testing.T) {
	e := newEnv(t)
	e.carts.lines["session:sess-1"] = []order.CartLine{{ProductID: "p1", Quantity: 10}}
	created := e.do(t, http.MethodPost, "/orders", sessionHeaders("sess-1"), "")
	require.Equal(t, http.StatusCreated, created.Code)
	o := decodeJSON[orderResponse](t, created)
	_ = e.do(t, http.MethodPost, "/orders/1/refund", sessionHeaders("sess-1"),
		`{"lines":[{"commodity_id":`+intStr(o.Commodities[0].ID)+`,"quantity":1}]}`)

	rec := e.do(t, http.MethodPost, "/orders/1/refund/1/repayment", sessionHeaders("sess-1"), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Staff hits the no-succeeded-payment guard instead.
	rec = e.do(t, http.MethodPost, "/orders/1/refund/1/repayment", bearerHeaders(staffKey), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeJSON[errorResponse](t, rec)
	assert.Equal(t, "order has no succeeded payment", resp.Message)
}

func intStr(v int64) string {
	return strconv.FormatInt(v, 10)
}
