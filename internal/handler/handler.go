// Package handler exposes the order lifecycle as a REST surface. Handlers are
// a thin mapping layer: decode, resolve the actor, delegate to a domain
// service, encode or map the error.
package handler

import (
	"net/http"

	"github.com/petalmarket/checkout/internal/domain/auth"
	"github.com/petalmarket/checkout/internal/domain/order"
	"github.com/petalmarket/checkout/internal/domain/payment"
	"github.com/petalmarket/checkout/internal/domain/refund"
)

// Handler wires the domain services to the HTTP mux.
type Handler struct {
	principals auth.PrincipalRepository
	orders     *order.Service
	refunds    *refund.Service
	payments   *payment.Service
	repayments *payment.RepaymentService
}

// New constructs a Handler with the required domain dependencies.
func New(
	principals auth.PrincipalRepository,
	orders *order.Service,
	refunds *refund.Service,
	payments *payment.Service,
	repayments *payment.RepaymentService,
) *Handler {
	return &Handler{
		principals: principals,
		orders:     orders,
		refunds:    refunds,
		payments:   payments,
		repayments: repayments,
	}
}

// Register mounts all routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /orders", h.withActor(h.createOrder))
	mux.HandleFunc("GET /orders", h.withActor(h.listOrders))
	mux.HandleFunc("GET /orders/{id}", h.withActor(h.getOrder))
	mux.HandleFunc("POST /orders/{id}/cancel", h.withActor(h.cancelOrder))
	mux.HandleFunc("POST /orders/{id}/deliver", h.withActor(h.deliverOrder))

	mux.HandleFunc("POST /orders/{id}/refund", h.withActor(h.createRefund))
	mux.HandleFunc("GET /orders/{id}/refund", h.withActor(h.listRefunds))
	mux.HandleFunc("GET /orders/{id}/refund/{rid}", h.withActor(h.getRefund))

	mux.HandleFunc("POST /orders/{id}/payment", h.withActor(h.createPayment))
	mux.HandleFunc("GET /orders/{id}/payment", h.withActor(h.listPayments))
	mux.HandleFunc("GET /orders/{id}/payment/{pid}", h.withActor(h.getPayment))

	mux.HandleFunc("POST /orders/{id}/refund/{rid}/repayment", h.withActor(h.createRepayment))
	mux.HandleFunc("GET /orders/{id}/refund/{rid}/repayment", h.withActor(h.listRepayments))
	mux.HandleFunc("GET /orders/{id}/refund/{rid}/repayment/{pid}", h.withActor(h.getRepayment))
}
