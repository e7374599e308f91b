package handler

import (
	"net/http"
	"time"

	"github.com/petalmarket/checkout/internal/domain/auth"
	"github.com/petalmarket/checkout/internal/domain/payment"
)

type paymentResponse struct {
	ID              int64     `json:"id"`
	OrderID         int64     `json:"order_id"`
	IdempotenceKey  string    `json:"idempotence_key"`
	ExternalID      *string   `json:"external_id"`
	Status          string    `json:"status"`
	Value           string    `json:"value"`
	CreatedAt       time.Time `json:"created_at"`
	ConfirmationURL string    `json:"confirmation_url,omitempty"`
}

type repaymentResponse struct {
	ID             int64     `json:"id"`
	RefundID       int64     `json:"refund_id"`
	PaymentID      int64     `json:"payment_id"`
	IdempotenceKey string    `json:"idempotence_key"`
	ExternalID     *string   `json:"external_id"`
	Status         string    `json:"status"`
	Value          string    `json:"value"`
	CreatedAt      time.Time `json:"created_at"`
}

func paymentToResponse(p *payment.OrderPayment, confirmationURL string) paymentResponse {
	return paymentResponse{
		ID:              p.ID,
		OrderID:         p.OrderID,
		IdempotenceKey:  p.IdempotenceKey.String(),
		ExternalID:      p.ExternalID,
		Status:          p.Status,
		Value:           p.Value.StringFixed(2),
		CreatedAt:       p.CreatedAt,
		ConfirmationURL: confirmationURL,
	}
}

func repaymentToResponse(p *payment.Repayment) repaymentResponse {
	return repaymentResponse{
		ID:             p.ID,
		RefundID:       p.RefundID,
		PaymentID:      p.PaymentID,
		IdempotenceKey: p.IdempotenceKey.String(),
		ExternalID:     p.ExternalID,
		Status:         p.Status,
		Value:          p.Value.StringFixed(2),
		CreatedAt:      p.CreatedAt,
	}
}

func (h *Handler) createPayment(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	res, err := h.payments.Create(r.Context(), actor, orderID)
	if err != nil {
		mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, paymentToResponse(res.Payment, res.ConfirmationURL))
}

func (h *Handler) listPayments(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	payments, err := h.payments.List(r.Context(), actor, orderID)
	if err != nil {
		mapError(w, r, err)
		return
	}
	out := make([]paymentResponse, len(payments))
	for i := range payments {
		out[i] = paymentToResponse(&payments[i], "")
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	paymentID, ok := pathID(w, r, "pid")
	if !ok {
		return
	}
	p, err := h.payments.Get(r.Context(), actor, orderID, paymentID)
	if err != nil {
		mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentToResponse(p, ""))
}

func (h *Handler) createRepayment(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	refundID, ok := pathID(w, r, "rid")
	if !ok {
		return
	}
	rp, err := h.repayments.Create(r.Context(), actor, orderID, refundID)
	if err != nil {
		mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, repaymentToResponse(rp))
}

func (h *Handler) listRepayments(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	refundID, ok := pathID(w, r, "rid")
	if !ok {
		return
	}
	rps, err := h.repayments.List(r.Context(), actor, orderID, refundID)
	if err != nil {
		mapError(w, r, err)
		return
	}
	out := make([]repaymentResponse, len(rps))
	for i := range rps {
		out[i] = repaymentToResponse(&rps[i])
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getRepayment(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	refundID, ok := pathID(w, r, "rid")
	if !ok {
		return
	}
	repaymentID, ok := pathID(w, r, "pid")
	if !ok {
		return
	}
	rp, err := h.repayments.Get(r.Context(), actor, orderID, refundID, repaymentID)
	if err != nil {
		mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, repaymentToResponse(rp))
}
