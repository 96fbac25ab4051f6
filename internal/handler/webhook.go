package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/bistro/internal/domain/settlement"
)

// SignatureHeader carries the provider's webhook signature.
const SignatureHeader = "Stripe-Signature"

// stripeWebhook acknowledges every verified event with 200 so the provider
// stops retrying. Only a bad signature (400) or a datastore failure (500)
// is reported back.
func (h *Handler) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	lg := zctx.From(r.Context())

	if h.cfg.Webhook.ReadTimeout > 0 {
		// Not every ResponseWriter supports deadlines.
		_ = http.NewResponseController(w).SetReadDeadline(time.Now().Add(h.cfg.Webhook.ReadTimeout))
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.Webhook.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			lg.Warn("Webhook body too large", zap.Int64("limit", tooLarge.Limit), zap.Bool("security", true))
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		lg.Warn("Read webhook body", zap.Error(err))
		writeError(w, http.StatusBadRequest, "unreadable payload")
		return
	}

	outcome, err := h.settler.HandleWebhook(r.Context(), payload, r.Header.Get(SignatureHeader))
	switch {
	case errors.Is(err, settlement.ErrInvalidSignature):
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	case err != nil:
		lg.Error("Handle webhook", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("received")
		e.Bool(true)
		strField(e, "outcome", string(outcome))
		e.ObjEnd()
	})
}
