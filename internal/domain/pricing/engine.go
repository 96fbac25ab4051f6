package pricing

import (
	"context"
	"math"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/xenking/bistro/internal/domain/product"
	"github.com/xenking/bistro/internal/domain/promo"
)

// PromoEvaluator evaluates a promo code against a product subtotal.
type PromoEvaluator interface {
	Evaluate(ctx context.Context, code string, subtotalCents int64) (promo.Evaluation, error)
}

// Engine prices carts against the current catalog and promo snapshot.
// It holds no mutable state and is safe for concurrent use.
type Engine struct {
	products product.Repository
	promos   PromoEvaluator
	cfg      Config
	tracer   trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithTracerProvider sets the provider used for pricing spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		e.tracer = tp.Tracer("github.com/xenking/bistro/internal/domain/pricing")
	}
}

// NewEngine creates an Engine with the given policy and data sources.
func NewEngine(cfg Config, products product.Repository, promos PromoEvaluator, opts ...Option) *Engine {
	e := &Engine{
		products: products,
		promos:   promos,
		cfg:      cfg,
		tracer:   noop.NewTracerProvider().Tracer(""),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var hundred = decimal.NewFromInt(100)

// Compute validates the cart, resolves every price from the catalog and
// applies the discount and delivery policy. It fails as a whole when any
// line is invalid or any product is unavailable.
func (e *Engine) Compute(ctx context.Context, req Request) (*Breakdown, error) {
	ctx, span := e.tracer.Start(ctx, "pricing.Compute",
		trace.WithAttributes(
			attribute.Int("cart.lines", len(req.Lines)),
			attribute.String("order.type", string(req.OrderType)),
		),
	)
	defer span.End()

	if _, err := ParseOrderType(string(req.OrderType)); err != nil {
		return nil, err
	}

	lines, err := aggregate(req.Lines)
	if err != nil {
		return nil, err
	}

	priced, err := e.resolve(ctx, lines)
	if err != nil {
		return nil, err
	}

	b := &Breakdown{
		Lines:        priced,
		DiscountKind: DiscountNone,
	}
	for _, l := range priced {
		if l.LineSubtotalCents > math.MaxInt64-b.ProductSubtotalCents {
			return nil, ErrAmountOutOfRange
		}
		b.ProductSubtotalCents += l.LineSubtotalCents
	}

	if err := e.applyDiscount(ctx, b, req); err != nil {
		return nil, err
	}

	net := max(b.ProductSubtotalCents-b.DiscountCents, 0)
	if req.OrderType == OrderTypeDelivery && net < e.cfg.FreeDeliveryThresholdCents {
		b.DeliveryFeeCents = e.cfg.DeliveryFeeCents
	}
	if b.DeliveryFeeCents > math.MaxInt64-net {
		return nil, ErrAmountOutOfRange
	}
	b.TotalCents = net + b.DeliveryFeeCents

	span.SetAttributes(
		attribute.Int64("pricing.total_cents", b.TotalCents),
		attribute.String("pricing.discount_kind", string(b.DiscountKind)),
	)
	return b, nil
}

// aggregate validates lines and sums quantities of repeated products,
// keeping first-seen order.
func aggregate(in []CartLine) ([]CartLine, error) {
	if len(in) == 0 {
		return nil, ErrEmptyCart
	}

	out := make([]CartLine, 0, len(in))
	index := make(map[string]int, len(in))
	for _, l := range in {
		if l.ProductID == "" {
			return nil, ErrEmptyProductID
		}
		if l.Quantity <= 0 || l.Quantity > MaxLineQuantity {
			return nil, &InvalidQuantityError{ProductID: l.ProductID, Quantity: l.Quantity}
		}
		if i, ok := index[l.ProductID]; ok {
			out[i].Quantity += l.Quantity
			if out[i].Quantity > MaxLineQuantity {
				return nil, &InvalidQuantityError{ProductID: l.ProductID, Quantity: out[i].Quantity}
			}
			continue
		}
		index[l.ProductID] = len(out)
		out = append(out, l)
	}
	return out, nil
}

// resolve fetches catalog prices for lines in a single batch.
func (e *Engine) resolve(ctx context.Context, lines []CartLine) ([]Line, error) {
	if e.cfg.CatalogTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.CatalogTimeout)
		defer cancel()
	}

	ids := make([]string, len(lines))
	for i, l := range lines {
		ids[i] = l.ProductID
	}

	fetched, err := e.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}

	byID := make(map[string]product.Product, len(fetched))
	for _, p := range fetched {
		byID[p.ID] = p
	}

	priced := make([]Line, len(lines))
	for i, l := range lines {
		p, ok := byID[l.ProductID]
		if !ok || !p.Available {
			return nil, &ProductNotFoundError{ProductID: l.ProductID}
		}
		if p.PriceCents < 0 || p.PriceCents > math.MaxInt64/int64(l.Quantity) {
			return nil, ErrAmountOutOfRange
		}
		priced[i] = Line{
			ProductID:         p.ID,
			Name:              p.Name,
			UnitPriceCents:    p.PriceCents,
			Quantity:          l.Quantity,
			LineSubtotalCents: p.PriceCents * int64(l.Quantity),
		}
	}
	return priced, nil
}

// applyDiscount sets the discount fields of b. The role discount and the
// promo discount are mutually exclusive; the role wins.
func (e *Engine) applyDiscount(ctx context.Context, b *Breakdown, req Request) error {
	if req.Role.Elevated() {
		amount := decimal.NewFromInt(b.ProductSubtotalCents).
			Mul(decimal.NewFromInt(e.cfg.AdminDiscountPercent)).
			Div(hundred).
			Round(0).
			IntPart()
		b.DiscountCents = min(max(amount, 0), b.ProductSubtotalCents)
		if b.DiscountCents > 0 {
			b.DiscountKind = DiscountAdmin
		}
		return nil
	}

	if promo.Normalize(req.PromoCode) == "" {
		return nil
	}

	ev, err := e.promos.Evaluate(ctx, req.PromoCode, b.ProductSubtotalCents)
	if err != nil {
		return errors.Wrap(err, "evaluate promo code")
	}
	b.Promo = &ev

	if !ev.Applied || ev.DiscountCents <= 0 {
		return nil
	}
	b.DiscountCents = min(ev.DiscountCents, b.ProductSubtotalCents)
	b.DiscountKind = DiscountPromo
	b.AppliedPromoCode = ev.Code
	b.ShouldConsumePromo = true
	return nil
}
