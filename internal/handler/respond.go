package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/petalmarket/checkout/internal/domain/order"
	"github.com/petalmarket/checkout/internal/domain/payment"
	"github.com/petalmarket/checkout/internal/domain/refund"
)

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Code: status, Message: message})
}

// mapError converts domain errors to HTTP responses. Business-rule violations
// surface as 400 with the exact domain message; everything unclassified is a
// logged 500.
func mapError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, order.ErrNotFound),
		errors.Is(err, refund.ErrNotFound),
		errors.Is(err, payment.ErrNotFound),
		errors.Is(err, payment.ErrNotPaid):
		writeError(w, http.StatusNotFound, err.Error())
		return

	case errors.Is(err, order.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
		return

	case errors.Is(err, order.ErrEmptyCart),
		errors.Is(err, order.ErrAlreadyCanceled),
		errors.Is(err, order.ErrCancelDelivered),
		errors.Is(err, order.ErrCancelRefunded),
		errors.Is(err, order.ErrNotDeliverable),
		errors.Is(err, refund.ErrEmptyLines),
		errors.Is(err, payment.ErrAlreadyPaid),
		errors.Is(err, payment.ErrRepeatRepayment),
		errors.Is(err, payment.ErrInProgress):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var (
		iqErr  *order.InvalidQuantityError
		pnfErr *order.ProductNotFoundError
		rqErr  *refund.InvalidQuantityError
		nioErr *refund.NotInOrderError
		restEr *refund.ExceedsRestError
		gwErr  *payment.GatewayError
	)
	switch {
	case errors.As(err, &iqErr),
		errors.As(err, &pnfErr),
		errors.As(err, &rqErr),
		errors.As(err, &nioErr),
		errors.As(err, &restEr),
		errors.As(err, &gwErr):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	zctx.From(r.Context()).Error("unhandled error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

// pathID parses the named integer path segment, or writes a 404.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, "invalid "+name)
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}
