package handler

import (
	"net/http"
	"time"

	"github.com/petalmarket/checkout/internal/domain/auth"
	"github.com/petalmarket/checkout/internal/domain/order"
)

type createOrderRequest struct {
	Address string `json:"address"`
	Phone   string `json:"phone"`
	Email   string `json:"email"`
	Comment string `json:"comment"`
}

type commodityResponse struct {
	ID        int64   `json:"id"`
	ProductID *string `json:"product_id"`
	Name      string  `json:"name"`
	Price     string  `json:"price"`
	Quantity  int     `json:"quantity"`
	Rest      int     `json:"rest"`
}

type orderResponse struct {
	ID          int64               `json:"id"`
	UserID      *int64              `json:"user_id,omitempty"`
	SessionID   *string             `json:"session_id,omitempty"`
	Address     string              `json:"address"`
	Phone       string              `json:"phone"`
	Email       string              `json:"email"`
	Comment     string              `json:"comment,omitempty"`
	Status      string              `json:"status"`
	Value       string              `json:"value"`
	IsPaid      bool                `json:"is_paid"`
	CreatedAt   time.Time           `json:"created_at"`
	Commodities []commodityResponse `json:"commodities"`
}

func orderToResponse(o *order.Order) orderResponse {
	commodities := make([]commodityResponse, len(o.Commodities))
	for i, c := range o.Commodities {
		commodities[i] = commodityResponse{
			ID:        c.ID,
			ProductID: c.ProductID,
			Name:      c.Name,
			Price:     c.Price.StringFixed(2),
			Quantity:  c.Quantity,
			Rest:      c.Rest,
		}
	}
	return orderResponse{
		ID:          o.ID,
		UserID:      o.UserID,
		SessionID:   o.SessionID,
		Address:     o.Address,
		Phone:       o.Phone,
		Email:       o.Email,
		Comment:     o.Comment,
		Status:      string(o.Status),
		Value:       o.Value().StringFixed(2),
		IsPaid:      o.Paid,
		CreatedAt:   o.CreatedAt,
		Commodities: commodities,
	}
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	var req createOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}

	o, err := h.orders.Create(r.Context(), actor, order.CreateRequest{
		Address: req.Address,
		Phone:   req.Phone,
		Email:   req.Email,
		Comment: req.Comment,
	})
	if err != nil {
		mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, orderToResponse(o))
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	orders, err := h.orders.List(r.Context(), actor)
	if err != nil {
		mapError(w, r, err)
		return
	}
	out := make([]orderResponse, len(orders))
	for i := range orders {
		out[i] = orderToResponse(&orders[i])
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	o, err := h.orders.Get(r.Context(), actor, id)
	if err != nil {
		mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderToResponse(o))
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	o, err := h.orders.Cancel(r.Context(), actor, id)
	if err != nil {
		mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderToResponse(o))
}

func (h *Handler) deliverOrder(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	o, err := h.orders.Deliver(r.Context(), actor, id)
	if err != nil {
		mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderToResponse(o))
}
