package handler

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/bistro/internal/domain/order"
	"github.com/xenking/bistro/internal/domain/pricing"
	"github.com/xenking/bistro/internal/domain/product"
)

// maxRequestBytes bounds JSON request bodies of the API routes.
const maxRequestBytes = 1 << 20

var errMalformedBody = errors.New("malformed request body")

// cartRequest is the body shared by pricing preview and order placement.
type cartRequest struct {
	Items           []pricing.CartLine
	OrderType       string
	PromoCode       string
	PaymentMethod   string
	DeliveryAddress string
	Notes           string
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		return nil, errors.Wrap(errMalformedBody, err.Error())
	}
	return b, nil
}

func decodeCartRequest(b []byte) (cartRequest, error) {
	var req cartRequest
	err := jx.DecodeBytes(b).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "items":
			req.Items, err = decodeCartLines(d)
		case "orderType":
			req.OrderType, err = optStr(d)
		case "promoCode":
			req.PromoCode, err = optStr(d)
		case "paymentMethod":
			req.PaymentMethod, err = optStr(d)
		case "deliveryAddress":
			req.DeliveryAddress, err = optStr(d)
		case "notes":
			req.Notes, err = optStr(d)
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
	if err != nil {
		return cartRequest{}, errors.Wrap(errMalformedBody, err.Error())
	}
	return req, nil
}

func decodeCartLines(d *jx.Decoder) ([]pricing.CartLine, error) {
	var lines []pricing.CartLine
	err := d.Arr(func(d *jx.Decoder) error {
		var l pricing.CartLine
		if err := d.Obj(func(d *jx.Decoder, key string) error {
			var err error
			switch key {
			case "productId":
				l.ProductID, err = d.Str()
			case "quantity":
				l.Quantity, err = d.Int()
			default:
				err = d.Skip()
			}
			return err
		}); err != nil {
			return err
		}
		lines = append(lines, l)
		return nil
	})
	return lines, err
}

func decodeStatus(b []byte) (string, error) {
	var status string
	err := jx.DecodeBytes(b).Obj(func(d *jx.Decoder, key string) error {
		if key != "status" {
			return d.Skip()
		}
		var err error
		status, err = d.Str()
		return err
	})
	if err != nil {
		return "", errors.Wrap(errMalformedBody, err.Error())
	}
	return status, nil
}

// optStr reads a string that may be null.
func optStr(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encode(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func field(e *jx.Encoder, name string, fn func(e *jx.Encoder)) {
	e.FieldStart(name)
	fn(e)
}

func strField(e *jx.Encoder, name, v string) {
	e.FieldStart(name)
	e.Str(v)
}

func optStrField(e *jx.Encoder, name, v string) {
	if v != "" {
		strField(e, name, v)
	}
}

func intField(e *jx.Encoder, name string, v int64) {
	e.FieldStart(name)
	e.Int64(v)
}

func timeField(e *jx.Encoder, name string, t time.Time) {
	strField(e, name, t.UTC().Format(time.RFC3339))
}

func (h *Handler) encodeProduct(e *jx.Encoder, p product.Product) {
	e.ObjStart()
	strField(e, "id", p.ID)
	strField(e, "name", p.Name)
	strField(e, "description", p.Description)
	strField(e, "category", p.Category)
	intField(e, "priceCents", p.PriceCents)
	optStrField(e, "imageUrl", h.imageURL(p.ImageURL))
	e.ObjEnd()
}

// imageURL resolves a stored relative image path against ImageBaseURL.
func (h *Handler) imageURL(path string) string {
	if path == "" || h.cfg.ImageBaseURL == "" ||
		strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimRight(h.cfg.ImageBaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

func encodeLine(e *jx.Encoder, productID, name string, unit int64, qty int, subtotal int64) {
	e.ObjStart()
	strField(e, "productId", productID)
	strField(e, "name", name)
	intField(e, "unitPriceCents", unit)
	e.FieldStart("quantity")
	e.Int(qty)
	intField(e, "lineSubtotalCents", subtotal)
	e.ObjEnd()
}

func encodeBreakdown(e *jx.Encoder, b *pricing.Breakdown) {
	e.ObjStart()
	field(e, "items", func(e *jx.Encoder) {
		e.ArrStart()
		for _, l := range b.Lines {
			encodeLine(e, l.ProductID, l.Name, l.UnitPriceCents, l.Quantity, l.LineSubtotalCents)
		}
		e.ArrEnd()
	})
	intField(e, "productSubtotalCents", b.ProductSubtotalCents)
	intField(e, "discountCents", b.DiscountCents)
	strField(e, "discountKind", string(b.DiscountKind))
	optStrField(e, "appliedPromoCode", b.AppliedPromoCode)
	intField(e, "deliveryFeeCents", b.DeliveryFeeCents)
	intField(e, "totalCents", b.TotalCents)
	if ev := b.Promo; ev != nil {
		field(e, "promo", func(e *jx.Encoder) {
			e.ObjStart()
			strField(e, "code", ev.Code)
			e.FieldStart("applied")
			e.Bool(ev.Applied)
			if !ev.Applied {
				strField(e, "reason", string(ev.Reason))
				strField(e, "message", ev.Reason.Message())
			}
			e.ObjEnd()
		})
	}
	e.ObjEnd()
}

// encodeOrderFields writes the order's fields into an open object.
func encodeOrderFields(e *jx.Encoder, o *order.Order) {
	strField(e, "id", o.ID)
	strField(e, "status", string(o.Status))
	strField(e, "orderType", string(o.OrderType))
	strField(e, "paymentMethod", string(o.PaymentMethod))
	field(e, "items", func(e *jx.Encoder) {
		e.ArrStart()
		for _, it := range o.Items {
			encodeLine(e, it.ProductID, it.Name, it.UnitPriceCents, it.Quantity, it.LineSubtotalCents)
		}
		e.ArrEnd()
	})
	intField(e, "subtotalCents", o.SubtotalCents)
	intField(e, "discountCents", o.DiscountCents)
	strField(e, "discountKind", string(o.DiscountKind))
	optStrField(e, "promoCode", o.PromoCode)
	intField(e, "deliveryFeeCents", o.DeliveryFeeCents)
	intField(e, "totalCents", o.TotalCents)
	optStrField(e, "deliveryAddress", o.DeliveryAddress)
	optStrField(e, "notes", o.Notes)
	timeField(e, "createdAt", o.CreatedAt)
	timeField(e, "updatedAt", o.UpdatedAt)
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.ObjStart()
	encodeOrderFields(e, o)
	e.ObjEnd()
}
