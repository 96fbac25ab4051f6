package promo

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Reason explains why a code was not applied. It is empty when it was.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonNotFound     Reason = "not_found"
	ReasonInactive     Reason = "inactive"
	ReasonNotStarted   Reason = "not_started"
	ReasonExpired      Reason = "expired"
	ReasonExhausted    Reason = "exhausted"
	ReasonBelowMinimum Reason = "below_minimum"
	ReasonZeroDiscount Reason = "zero_discount"
	ReasonUnsupported  Reason = "unsupported"
)

// Message returns a short human readable explanation for the reason.
func (r Reason) Message() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonNotFound:
		return "promo code does not exist"
	case ReasonInactive:
		return "promo code is no longer active"
	case ReasonNotStarted:
		return "promo code is not valid yet"
	case ReasonExpired:
		return "promo code has expired"
	case ReasonExhausted:
		return "promo code has reached its usage limit"
	case ReasonBelowMinimum:
		return "order does not reach the promo code minimum"
	case ReasonZeroDiscount:
		return "promo code gives no discount on this order"
	default:
		return "promo code is not applicable"
	}
}

// Evaluation is the outcome of checking a code against a subtotal.
type Evaluation struct {
	Code          string
	Applied       bool
	DiscountCents int64
	Reason        Reason
}

var hundred = decimal.NewFromInt(100)

// Apply checks the usability invariant for c at now and computes the
// discount on subtotalCents. The result is clamped to [0, subtotalCents];
// a discount that rounds to zero cents counts as not applied.
func Apply(c *Code, subtotalCents int64, now time.Time) Evaluation {
	ev := Evaluation{Code: c.Code}

	switch {
	case !c.Active:
		ev.Reason = ReasonInactive
	case now.Before(c.ValidFrom):
		ev.Reason = ReasonNotStarted
	case c.ValidUntil != nil && now.After(*c.ValidUntil):
		ev.Reason = ReasonExpired
	case c.Exhausted():
		ev.Reason = ReasonExhausted
	case subtotalCents < c.MinOrderValueCents:
		ev.Reason = ReasonBelowMinimum
	}
	if ev.Reason != ReasonNone {
		return ev
	}

	subtotal := decimal.NewFromInt(subtotalCents)
	var amount decimal.Decimal
	switch c.DiscountType {
	case DiscountPercentage:
		amount = subtotal.Mul(c.Value).Div(hundred)
	case DiscountFixed:
		amount = c.Value
	default:
		ev.Reason = ReasonUnsupported
		return ev
	}

	cents := clamp(amount.Round(0).IntPart(), 0, subtotalCents)
	if cents == 0 {
		ev.Reason = ReasonZeroDiscount
		return ev
	}

	ev.Applied = true
	ev.DiscountCents = cents
	return ev
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Evaluator looks codes up in a Repository and applies them.
type Evaluator struct {
	repo Repository
	now  func() time.Time
}

// NewEvaluator creates an Evaluator backed by the given Repository.
func NewEvaluator(repo Repository) *Evaluator {
	return &Evaluator{repo: repo, now: time.Now}
}

// Evaluate normalizes code, looks it up and applies it to subtotalCents.
// Policy rejections are reported in the Evaluation; only lookup failures
// are returned as errors.
func (e *Evaluator) Evaluate(ctx context.Context, code string, subtotalCents int64) (Evaluation, error) {
	normalized := Normalize(code)
	if normalized == "" {
		return Evaluation{Reason: ReasonNotFound}, nil
	}

	c, err := e.repo.FindByCode(ctx, normalized)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Evaluation{Code: normalized, Reason: ReasonNotFound}, nil
		}
		return Evaluation{}, errors.Wrap(err, "lookup promo code")
	}

	ev := Apply(c, subtotalCents, e.now())
	ev.Code = normalized
	return ev, nil
}
