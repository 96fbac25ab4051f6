package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/bistro/internal/domain/pricing"
)

// PaymentMethod is how the customer pays.
type PaymentMethod string

const (
	// PaymentOnline is paid through the hosted checkout before preparation.
	PaymentOnline PaymentMethod = "online"
	PaymentCash   PaymentMethod = "cash"
	// PaymentCardInPerson is paid by card at pickup or on delivery.
	PaymentCardInPerson PaymentMethod = "card_in_person"
)

// ParsePaymentMethod validates s as a PaymentMethod.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	switch m := PaymentMethod(s); m {
	case PaymentOnline, PaymentCash, PaymentCardInPerson:
		return m, nil
	default:
		return "", ErrInvalidPaymentMethod
	}
}

// InitialStatus returns the status a new order starts in.
func (m PaymentMethod) InitialStatus() Status {
	if m == PaymentOnline {
		return StatusAwaitingPayment
	}
	return StatusPending
}

// Sentinel errors for order operations.
var (
	ErrNotFound                = errors.New("order not found")
	ErrForbidden               = errors.New("order belongs to another user")
	ErrInvalidPaymentMethod    = errors.New("payment method must be online, cash or card_in_person")
	ErrDeliveryAddressRequired = errors.New("delivery address is required for delivery orders")
	ErrPromoUnavailable        = errors.New("promo code is no longer available, please review your order")
	ErrStatusConflict          = errors.New("order status changed concurrently")
)

// TransitionError reports an illegal status change.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return "cannot move order from " + string(e.From) + " to " + string(e.To)
}

// Order is a placed order. Monetary fields are a snapshot of the pricing
// breakdown at creation time.
type Order struct {
	ID               string
	OwnerID          string
	Items            []Item
	OrderType        pricing.OrderType
	Status           Status
	PaymentMethod    PaymentMethod
	SubtotalCents    int64
	DiscountCents    int64
	DiscountKind     pricing.DiscountKind
	PromoCode        string
	DeliveryFeeCents int64
	TotalCents       int64
	DeliveryAddress  string
	Notes            string
	PaymentSessionID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Item is an immutable snapshot of a priced line.
type Item struct {
	ProductID         string `json:"product_id"`
	Name              string `json:"name"`
	UnitPriceCents    int64  `json:"unit_price_cents"`
	Quantity          int    `json:"quantity"`
	LineSubtotalCents int64  `json:"line_subtotal_cents"`
}

// ItemsFromLines snapshots priced lines into order items.
func ItemsFromLines(lines []pricing.Line) []Item {
	items := make([]Item, len(lines))
	for i, l := range lines {
		items[i] = Item{
			ProductID:         l.ProductID,
			Name:              l.Name,
			UnitPriceCents:    l.UnitPriceCents,
			Quantity:          l.Quantity,
			LineSubtotalCents: l.LineSubtotalCents,
		}
	}
	return items
}

// CreateParams carries the order to insert and, for orders settled at
// creation, the promo code to consume in the same transaction.
type CreateParams struct {
	Order        *Order
	ConsumePromo string
}

// Repository defines persistence operations for orders.
type Repository interface {
	// Create inserts the order and its items atomically. When
	// ConsumePromo is set and the code has no uses left, nothing is
	// written and ErrPromoUnavailable is returned.
	Create(ctx context.Context, p CreateParams) error
	// GetByID returns the order without items, or ErrNotFound.
	GetByID(ctx context.Context, id string) (*Order, error)
	ListItems(ctx context.Context, id string) ([]Item, error)
	// TransitionStatus moves the order from one status to another only if
	// it is currently in from. It reports whether a row was updated.
	TransitionStatus(ctx context.Context, id string, from, to Status) (bool, error)
	SetPaymentSession(ctx context.Context, id, sessionID string) error
}
