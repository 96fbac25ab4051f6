package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/bistro/internal/domain/order"
	"github.com/xenking/bistro/internal/domain/pricing"
	"github.com/xenking/bistro/internal/domain/settlement"
	"github.com/xenking/bistro/pkg/httpmiddleware"
)

func writeError(w http.ResponseWriter, code int, message string) {
	httpmiddleware.WriteError(w, code, message)
}

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	var (
		qtyErr        *pricing.InvalidQuantityError
		notFoundErr   *pricing.ProductNotFoundError
		transitionErr *order.TransitionError
	)
	switch {
	case errors.Is(err, errMalformedBody),
		errors.Is(err, pricing.ErrEmptyCart),
		errors.Is(err, pricing.ErrEmptyProductID),
		errors.Is(err, pricing.ErrInvalidOrderType),
		errors.Is(err, pricing.ErrAmountOutOfRange),
		errors.As(err, &qtyErr),
		errors.Is(err, order.ErrInvalidPaymentMethod),
		errors.Is(err, order.ErrDeliveryAddressRequired),
		errors.Is(err, order.ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.As(err, &notFoundErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, order.ErrPromoUnavailable),
		errors.Is(err, order.ErrStatusConflict),
		errors.As(err, &transitionErr):
		return http.StatusConflict
	case errors.Is(err, order.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, order.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, settlement.ErrSessionMismatch):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError answers with the mapped status. Internal errors are
// logged and their message is not exposed.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
		writeError(w, code, "internal error")
		return
	}
	msg := err.Error()
	if errors.Is(err, errMalformedBody) {
		msg = errMalformedBody.Error()
	}
	writeError(w, code, msg)
}
