package settlement

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/bistro/internal/domain/auth"
	"github.com/xenking/bistro/internal/domain/order"
	"github.com/xenking/bistro/internal/domain/pricing"
	"github.com/xenking/bistro/internal/domain/user"
	"github.com/xenking/bistro/internal/notify"
)

const (
	instrumentationName = "github.com/xenking/bistro/internal/domain/settlement"

	reloadTimeout = 3 * time.Second
)

// Reconciler settles orders from provider webhooks and success-page
// confirmations. Every status change is a guarded single-row update and
// side effects run only for the call that performed it, so concurrent and
// repeated deliveries for one order are safe.
type Reconciler struct {
	verifier Verifier
	sessions SessionLookup
	orders   Orders
	users    user.Repository
	promos   Promos
	notifier Notifier

	loyalty bool
	tracer  trace.Tracer
	meter   metric.MeterProvider

	transitions metric.Int64Counter
	duplicates  metric.Int64Counter
	rejected    metric.Int64Counter
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithTracerProvider sets the provider used for settlement spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Reconciler) {
		r.tracer = tp.Tracer(instrumentationName)
	}
}

// WithMeterProvider sets the provider used for settlement counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(r *Reconciler) {
		r.meter = mp
	}
}

// WithoutLoyalty disables loyalty accrual, for schemas that lack the
// loyalty columns.
func WithoutLoyalty() Option {
	return func(r *Reconciler) {
		r.loyalty = false
	}
}

// Deps groups the collaborators of a Reconciler.
type Deps struct {
	Verifier Verifier
	Sessions SessionLookup
	Orders   Orders
	Users    user.Repository
	Promos   Promos
	Notifier Notifier
}

// NewReconciler creates a Reconciler.
func NewReconciler(deps Deps, opts ...Option) (*Reconciler, error) {
	r := &Reconciler{
		verifier: deps.Verifier,
		sessions: deps.Sessions,
		orders:   deps.Orders,
		users:    deps.Users,
		promos:   deps.Promos,
		notifier: deps.Notifier,
		loyalty:  true,
		tracer:   tracenoop.NewTracerProvider().Tracer(""),
		meter:    metricnoop.NewMeterProvider(),
	}
	for _, opt := range opts {
		opt(r)
	}

	m := r.meter.Meter(instrumentationName)
	var err error
	if r.transitions, err = m.Int64Counter("bistro.settlement.transitions",
		metric.WithDescription("Orders moved out of awaiting_payment"),
	); err != nil {
		return nil, errors.Wrap(err, "transitions counter")
	}
	if r.duplicates, err = m.Int64Counter("bistro.settlement.duplicates",
		metric.WithDescription("Settlement calls for orders that were already settled"),
	); err != nil {
		return nil, errors.Wrap(err, "duplicates counter")
	}
	if r.rejected, err = m.Int64Counter("bistro.webhook.rejected",
		metric.WithDescription("Webhook payloads that failed signature verification"),
	); err != nil {
		return nil, errors.Wrap(err, "rejected counter")
	}
	return r, nil
}

// HandleWebhook verifies and applies a provider event. A returned error
// wrapping ErrInvalidSignature must be answered with a client error; any
// other error means the caller should ask the provider to retry.
// Events that cannot be acted on are acknowledged with a nil error.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	lg := zctx.From(ctx)

	ev, err := r.verifier.VerifyEvent(payload, signature)
	if err != nil {
		r.rejected.Add(ctx, 1)
		lg.Warn("Webhook rejected",
			zap.Bool("security", true),
			zap.Error(err),
		)
		if errors.Is(err, ErrInvalidSignature) {
			return OutcomeRejected, err
		}
		return OutcomeRejected, errors.Wrap(ErrInvalidSignature, err.Error())
	}

	ctx = zctx.With(ctx, zap.String("event_id", ev.ID), zap.String("event_type", ev.Type))
	lg = zctx.From(ctx)

	if ev.Kind == EventOther {
		lg.Debug("Webhook event ignored")
		return OutcomeIgnored, nil
	}
	if err := uuid.Validate(ev.OrderID); err != nil {
		lg.Error("Webhook event without usable order id",
			zap.String("order_id", ev.OrderID),
			zap.Error(err),
		)
		return OutcomeIgnored, nil
	}

	switch ev.Kind {
	case EventPaid:
		return r.Settle(ctx, ev.OrderID, SourceWebhook)
	case EventUnpaid:
		lg.Info("Checkout completed, payment still processing", zap.String("order_id", ev.OrderID))
		return OutcomeAwaitingPayment, nil
	case EventExpired:
		return r.Expire(ctx, ev.OrderID)
	default:
		return OutcomeIgnored, nil
	}
}

// Settle moves the order from awaiting_payment to pending and, if this
// call performed the move, accrues loyalty, consumes the promo code and
// sends the confirmation. Only a failure of the guarded update itself is
// returned; later steps are logged.
func (r *Reconciler) Settle(ctx context.Context, orderID string, source Source) (Outcome, error) {
	ctx, span := r.tracer.Start(ctx, "settlement.Settle",
		trace.WithAttributes(
			attribute.String("order.id", orderID),
			attribute.String("settlement.source", string(source)),
		),
	)
	defer span.End()

	lg := zctx.From(ctx).With(
		zap.String("order_id", orderID),
		zap.String("source", string(source)),
	)

	moved, err := r.orders.TransitionStatus(ctx, orderID, order.StatusAwaitingPayment, order.StatusPending)
	if err != nil {
		span.RecordError(err)
		return "", errors.Wrap(err, "transition order")
	}

	// The move is committed; the rest must not depend on the caller
	// staying connected.
	ctx = context.WithoutCancel(ctx)

	o, err := r.orders.GetByID(ctx, orderID)
	if err != nil && moved {
		lg.Warn("Reload settled order, retrying", zap.Error(err))
		o, err = r.reload(ctx, orderID)
	}
	switch {
	case errors.Is(err, order.ErrNotFound) && !moved:
		lg.Warn("Settlement for unknown order")
		return OutcomeUnknownOrder, nil
	case err != nil && moved:
		r.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("source", string(source))))
		lg.Error("Reload settled order", zap.Error(err))
		return OutcomeSettled, nil
	case err != nil:
		return "", errors.Wrap(err, "get order")
	}

	if !moved {
		r.duplicates.Add(ctx, 1, metric.WithAttributes(attribute.String("source", string(source))))
		lg.Info("Order already settled", zap.String("status", string(o.Status)))
		span.SetAttributes(attribute.String("settlement.outcome", string(OutcomeAlreadySettled)))
		return OutcomeAlreadySettled, nil
	}

	r.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("source", string(source))))
	lg.Info("Order settled", zap.Int64("total_cents", o.TotalCents))
	span.SetAttributes(attribute.String("settlement.outcome", string(OutcomeSettled)))

	r.accrueLoyalty(ctx, lg, o)
	r.consumePromo(ctx, lg, o)
	r.sendConfirmation(ctx, lg, o)
	return OutcomeSettled, nil
}

// reload reads a just-settled order once more under a short deadline.
func (r *Reconciler) reload(ctx context.Context, orderID string) (*order.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, reloadTimeout)
	defer cancel()
	return r.orders.GetByID(ctx, orderID)
}

// Expire cancels an order whose checkout session expired unpaid.
func (r *Reconciler) Expire(ctx context.Context, orderID string) (Outcome, error) {
	lg := zctx.From(ctx).With(zap.String("order_id", orderID))

	moved, err := r.orders.TransitionStatus(ctx, orderID, order.StatusAwaitingPayment, order.StatusCancelled)
	if err != nil {
		return "", errors.Wrap(err, "cancel order")
	}
	if !moved {
		lg.Info("Checkout expired for order no longer awaiting payment")
		return OutcomeIgnored, nil
	}
	lg.Info("Order cancelled after checkout expiry")
	return OutcomeCancelled, nil
}

// Confirm handles the browser returning from the hosted checkout. It asks
// the provider whether the order's session is paid and, if so, settles
// through the same guarded path as the webhook.
func (r *Reconciler) Confirm(ctx context.Context, p auth.Principal, orderID string) (Outcome, error) {
	o, err := r.orders.GetByID(ctx, orderID)
	if err != nil {
		return "", err
	}
	if o.OwnerID != p.UserID && !p.Role.Elevated() {
		return "", order.ErrForbidden
	}
	switch o.Status {
	case order.StatusAwaitingPayment:
	case order.StatusCancelled:
		return OutcomeOrderCancelled, nil
	default:
		return OutcomeAlreadySettled, nil
	}
	if o.PaymentSessionID == "" {
		return OutcomeAwaitingPayment, nil
	}

	st, err := r.sessions.LookupSession(ctx, o.PaymentSessionID)
	if err != nil {
		return "", errors.Wrap(err, "lookup checkout session")
	}
	if st.OrderID != o.ID {
		zctx.From(ctx).Warn("Checkout session order mismatch",
			zap.Bool("security", true),
			zap.String("order_id", o.ID),
			zap.String("session_order_id", st.OrderID),
		)
		return "", ErrSessionMismatch
	}
	if !st.Paid {
		return OutcomeAwaitingPayment, nil
	}
	return r.Settle(ctx, o.ID, SourceRedirect)
}

func (r *Reconciler) accrueLoyalty(ctx context.Context, lg *zap.Logger, o *order.Order) {
	if !r.loyalty {
		lg.Warn("Loyalty accrual skipped, schema has no loyalty columns")
		return
	}
	points := user.PointsForSpend(o.TotalCents)
	if err := r.users.AccrueLoyalty(ctx, o.OwnerID, points, o.TotalCents); err != nil {
		lg.Error("Accrue loyalty", zap.String("user_id", o.OwnerID), zap.Error(err))
		return
	}
	lg.Debug("Loyalty accrued", zap.Int64("points", points))
}

func (r *Reconciler) consumePromo(ctx context.Context, lg *zap.Logger, o *order.Order) {
	// In-person orders consumed their code when they were created.
	if o.PromoCode == "" || o.DiscountKind != pricing.DiscountPromo || o.PaymentMethod != order.PaymentOnline {
		return
	}
	ok, err := r.promos.Consume(ctx, o.PromoCode)
	if err != nil {
		lg.Error("Consume promo code", zap.String("promo_code", o.PromoCode), zap.Error(err))
		return
	}
	if !ok {
		lg.Warn("Promo code exhausted before settlement", zap.String("promo_code", o.PromoCode))
	}
}

func (r *Reconciler) sendConfirmation(ctx context.Context, lg *zap.Logger, o *order.Order) {
	u, err := r.users.GetByID(ctx, o.OwnerID)
	if err != nil {
		lg.Error("Get customer for confirmation", zap.Error(err))
		return
	}
	if u.Email == "" {
		lg.Warn("Customer has no email, confirmation skipped")
		return
	}

	items, err := r.orders.ListItems(ctx, o.ID)
	if err != nil {
		lg.Error("List items for confirmation", zap.Error(err))
		return
	}

	m := notify.OrderConfirmation{
		To:               u.Email,
		CustomerName:     u.Name,
		OrderID:          o.ID,
		OrderType:        string(o.OrderType),
		DeliveryAddress:  o.DeliveryAddress,
		Items:            make([]notify.Item, len(items)),
		SubtotalCents:    o.SubtotalCents,
		DiscountCents:    o.DiscountCents,
		DeliveryFeeCents: o.DeliveryFeeCents,
		TotalCents:       o.TotalCents,
		PaymentMethod:    string(o.PaymentMethod),
		Notes:            o.Notes,
	}
	for i, it := range items {
		m.Items[i] = notify.Item{
			Name:              it.Name,
			Quantity:          it.Quantity,
			UnitPriceCents:    it.UnitPriceCents,
			LineSubtotalCents: it.LineSubtotalCents,
		}
	}

	if err := r.notifier.Send(ctx, m); err != nil {
		lg.Error("Send order confirmation", zap.Error(err))
		return
	}
	lg.Debug("Order confirmation sent")
}
