package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/jx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xenking/bistro/internal/domain/pricing"
)

// previewPricing prices a cart without persisting anything. A rejected promo
// code is reported in the body, not as an error status.
func (h *Handler) previewPricing(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	req, err := decodeCartRequest(body)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	b, err := h.pricer.Compute(r.Context(), pricing.Request{
		Lines:     req.Items,
		OrderType: pricing.OrderType(req.OrderType),
		Role:      principal(r).Role,
		PromoCode: req.PromoCode,
	})
	h.countPricing(r.Context(), "preview", err)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeBreakdown(e, b)
	})
}

func (h *Handler) countPricing(ctx context.Context, endpoint string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	h.pricingCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("result", result),
	))
}
