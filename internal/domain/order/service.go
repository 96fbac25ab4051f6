package order

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/bistro/internal/domain/auth"
	"github.com/xenking/bistro/internal/domain/pricing"
)

// Pricer computes a pricing breakdown for a cart.
type Pricer interface {
	Compute(ctx context.Context, req pricing.Request) (*pricing.Breakdown, error)
}

// CheckoutRequest describes the hosted payment page to open for an order.
type CheckoutRequest struct {
	OrderID     string
	AmountCents int64
	Description string
}

// Checkout is a created hosted payment page.
type Checkout struct {
	SessionID string
	URL       string
}

// CheckoutCreator opens hosted payment pages at the payment provider.
type CheckoutCreator interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error)
}

// PlaceRequest holds the input for placing an order.
type PlaceRequest struct {
	Principal       auth.Principal
	Lines           []pricing.CartLine
	OrderType       pricing.OrderType
	PromoCode       string
	PaymentMethod   PaymentMethod
	DeliveryAddress string
	Notes           string
}

// PlaceResult holds the output of a successfully placed order.
type PlaceResult struct {
	Order     *Order
	Breakdown *pricing.Breakdown
	// CheckoutURL is set for online payment only.
	CheckoutURL string
}

// Service encapsulates order placement and administrative edits.
type Service struct {
	pricer   Pricer
	orders   Repository
	checkout CheckoutCreator
	now      func() time.Time
}

// NewService creates an order Service with the required domain dependencies.
func NewService(pricer Pricer, orders Repository, checkout CheckoutCreator) *Service {
	return &Service{
		pricer:   pricer,
		orders:   orders,
		checkout: checkout,
		now:      time.Now,
	}
}

// Place re-prices the cart server-side, persists the order with its line
// snapshot and, for online payment, opens a checkout session.
func (s *Service) Place(ctx context.Context, req PlaceRequest) (*PlaceResult, error) {
	if _, err := ParsePaymentMethod(string(req.PaymentMethod)); err != nil {
		return nil, err
	}
	address := strings.TrimSpace(req.DeliveryAddress)
	if req.OrderType == pricing.OrderTypeDelivery && address == "" {
		return nil, ErrDeliveryAddressRequired
	}

	b, err := s.pricer.Compute(ctx, pricing.Request{
		Lines:     req.Lines,
		OrderType: req.OrderType,
		Role:      req.Principal.Role,
		PromoCode: req.PromoCode,
	})
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	o := &Order{
		ID:               uuid.New().String(),
		OwnerID:          req.Principal.UserID,
		Items:            ItemsFromLines(b.Lines),
		OrderType:        req.OrderType,
		Status:           req.PaymentMethod.InitialStatus(),
		PaymentMethod:    req.PaymentMethod,
		SubtotalCents:    b.ProductSubtotalCents,
		DiscountCents:    b.DiscountCents,
		DiscountKind:     b.DiscountKind,
		PromoCode:        b.AppliedPromoCode,
		DeliveryFeeCents: b.DeliveryFeeCents,
		TotalCents:       b.TotalCents,
		DeliveryAddress:  address,
		Notes:            strings.TrimSpace(req.Notes),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	params := CreateParams{Order: o}
	// Orders that skip online payment are settled at creation, so their
	// promo use is taken now; online orders take it at settlement.
	if b.ShouldConsumePromo && o.Status == StatusPending {
		params.ConsumePromo = b.AppliedPromoCode
	}
	if err := s.orders.Create(ctx, params); err != nil {
		if errors.Is(err, ErrPromoUnavailable) {
			return nil, ErrPromoUnavailable
		}
		return nil, errors.Wrap(err, "create order")
	}

	result := &PlaceResult{Order: o, Breakdown: b}
	if o.PaymentMethod != PaymentOnline {
		return result, nil
	}

	lg := zctx.From(ctx).With(zap.String("order_id", o.ID))
	co, err := s.checkout.CreateCheckout(ctx, CheckoutRequest{
		OrderID:     o.ID,
		AmountCents: o.TotalCents,
		Description: "Order " + o.ID,
	})
	if err != nil {
		if _, cErr := s.orders.TransitionStatus(ctx, o.ID, StatusAwaitingPayment, StatusCancelled); cErr != nil {
			lg.Error("Cancel order after checkout failure", zap.Error(cErr))
		}
		return nil, errors.Wrap(err, "create checkout")
	}

	o.PaymentSessionID = co.SessionID
	if err := s.orders.SetPaymentSession(ctx, o.ID, co.SessionID); err != nil {
		// The webhook carries the order id, so settlement still works;
		// only the success-page confirmation loses its session reference.
		lg.Warn("Store payment session", zap.Error(err))
	}
	result.CheckoutURL = co.URL
	return result, nil
}

// Get returns the order with its items. Only the owner or an elevated
// principal may read it.
func (s *Service) Get(ctx context.Context, p auth.Principal, id string) (*Order, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.OwnerID != p.UserID && !p.Role.Elevated() {
		return nil, ErrForbidden
	}

	items, err := s.orders.ListItems(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "list order items")
	}
	o.Items = items
	return o, nil
}

// UpdateStatus applies an administrative status change. The update is
// guarded by the status read beforehand, so a concurrent change yields
// ErrStatusConflict instead of being overwritten.
func (s *Service) UpdateStatus(ctx context.Context, id string, next Status) (*Order, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !o.Status.CanAdminTransitionTo(next) {
		return nil, &TransitionError{From: o.Status, To: next}
	}

	ok, err := s.orders.TransitionStatus(ctx, id, o.Status, next)
	if err != nil {
		return nil, errors.Wrap(err, "transition status")
	}
	if !ok {
		return nil, ErrStatusConflict
	}

	zctx.From(ctx).Info("Order status changed",
		zap.String("order_id", id),
		zap.String("from", string(o.Status)),
		zap.String("to", string(next)),
	)

	o.Status = next
	o.UpdatedAt = s.now().UTC()
	return o, nil
}
