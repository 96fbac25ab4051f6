package handler

import (
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/bistro/internal/domain/order"
	"github.com/xenking/bistro/internal/domain/pricing"
)

// placeOrder re-prices the cart server-side and persists the order. Client
// supplied prices, if any, are ignored by the decoder.
func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request) {
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

	res, err := h.orders.Place(r.Context(), order.PlaceRequest{
		Principal:       principal(r),
		Lines:           req.Items,
		OrderType:       pricing.OrderType(req.OrderType),
		PromoCode:       req.PromoCode,
		PaymentMethod:   order.PaymentMethod(req.PaymentMethod),
		DeliveryAddress: req.DeliveryAddress,
		Notes:           req.Notes,
	})
	h.countPricing(r.Context(), "place", err)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		e.ObjStart()
		encodeOrderFields(e, res.Order)
		optStrField(e, "checkoutUrl", res.CheckoutURL)
		if res.Breakdown != nil && res.Breakdown.Promo != nil {
			ev := res.Breakdown.Promo
			field(e, "promo", func(e *jx.Encoder) {
				e.ObjStart()
				strField(e, "code", ev.Code)
				e.FieldStart("applied")
				e.Bool(ev.Applied)
				optStrField(e, "reason", string(ev.Reason))
				e.ObjEnd()
			})
		}
		e.ObjEnd()
	})
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Get(r.Context(), principal(r), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeOrder(e, o)
	})
}

// confirmOrder is called by the checkout success page. It settles the order
// if the provider reports the session paid and returns the current order.
func (h *Handler) confirmOrder(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	id := r.PathValue("id")

	outcome, err := h.settler.Confirm(r.Context(), p, id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	o, err := h.orders.Get(r.Context(), p, id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		strField(e, "outcome", string(outcome))
		field(e, "order", func(e *jx.Encoder) {
			encodeOrder(e, o)
		})
		e.ObjEnd()
	})
}

func (h *Handler) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	raw, err := decodeStatus(body)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	next, err := order.ParseStatus(raw)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	o, err := h.orders.UpdateStatus(r.Context(), r.PathValue("id"), next)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeOrder(e, o)
	})
}
