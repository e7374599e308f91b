package handler

import (
	"net/http"
	"time"

	"github.com/petalmarket/checkout/internal/domain/auth"
	"github.com/petalmarket/checkout/internal/domain/refund"
)

type refundLineRequest struct {
	CommodityID int64 `json:"commodity_id"`
	Quantity    int   `json:"quantity"`
}

type createRefundRequest struct {
	Comment string              `json:"comment"`
	Lines   []refundLineRequest `json:"lines"`
}

type refundLineResponse struct {
	CommodityID int64  `json:"commodity_id"`
	Quantity    int    `json:"quantity"`
	Price       string `json:"price"`
}

type refundResponse struct {
	ID         int64                `json:"id"`
	OrderID    int64                `json:"order_id"`
	Comment    string               `json:"comment,omitempty"`
	Value      string               `json:"value"`
	IsRefunded bool                 `json:"is_refunded"`
	CreatedAt  time.Time            `json:"created_at"`
	Lines      []refundLineResponse `json:"lines"`
}

func refundToResponse(r *refund.OrderRefund) refundResponse {
	lines := make([]refundLineResponse, len(r.Lines))
	for i, l := range r.Lines {
		lines[i] = refundLineResponse{
			CommodityID: l.CommodityID,
			Quantity:    l.Quantity,
			Price:       l.Price.StringFixed(2),
		}
	}
	return refundResponse{
		ID:         r.ID,
		OrderID:    r.OrderID,
		Comment:    r.Comment,
		Value:      r.Value().StringFixed(2),
		IsRefunded: r.Refunded,
		CreatedAt:  r.CreatedAt,
		Lines:      lines,
	}
}

func (h *Handler) createRefund(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req createRefundRequest
	if !decodeBody(w, r, &req) {
		return
	}

	lines := make([]refund.LineRequest, len(req.Lines))
	for i, l := range req.Lines {
		lines[i] = refund.LineRequest{CommodityID: l.CommodityID, Quantity: l.Quantity}
	}

	ref, err := h.refunds.Create(r.Context(), actor, orderID, refund.CreateRequest{
		Comment: req.Comment,
		Lines:   lines,
	})
	if err != nil {
		mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, refundToResponse(ref))
}

func (h *Handler) listRefunds(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	refunds, err := h.refunds.List(r.Context(), actor, orderID)
	if err != nil {
		mapError(w, r, err)
		return
	}
	out := make([]refundResponse, len(refunds))
	for i := range refunds {
		out[i] = refundToResponse(&refunds[i])
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getRefund(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	refundID, ok := pathID(w, r, "rid")
	if !ok {
		return
	}
	ref, err := h.refunds.Get(r.Context(), actor, orderID, refundID)
	if err != nil {
		mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, refundToResponse(ref))
}
