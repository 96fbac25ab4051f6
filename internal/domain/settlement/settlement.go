// Package settlement marks paid orders as confirmed and performs their
// one-time side effects: loyalty accrual, promo consumption and the
// confirmation email.
package settlement

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/xenking/bistro/internal/domain/order"
	"github.com/xenking/bistro/internal/notify"
)

// ErrInvalidSignature is returned when a webhook payload fails
// authenticity verification.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// ErrSessionMismatch is returned when a checkout session does not belong
// to the order being confirmed.
var ErrSessionMismatch = errors.New("checkout session does not belong to order")

// EventKind classifies a verified provider event.
type EventKind int

const (
	// EventOther is any event the reconciler does not act on.
	EventOther EventKind = iota
	// EventPaid means the checkout completed and funds are captured.
	EventPaid
	// EventUnpaid means the checkout completed but payment is still
	// processing (delayed payment methods).
	EventUnpaid
	// EventExpired means the checkout session expired without payment.
	EventExpired
)

// Event is a verified provider event reduced to what settlement needs.
type Event struct {
	ID      string
	Type    string
	Kind    EventKind
	OrderID string
}

// Verifier authenticates a webhook payload and decodes it.
type Verifier interface {
	// VerifyEvent returns an error wrapping ErrInvalidSignature when the
	// signature does not match.
	VerifyEvent(payload []byte, signature string) (*Event, error)
}

// SessionStatus is the provider-side state of a checkout session.
type SessionStatus struct {
	OrderID string
	Paid    bool
}

// SessionLookup reads checkout session state from the provider.
type SessionLookup interface {
	LookupSession(ctx context.Context, sessionID string) (*SessionStatus, error)
}

// Orders is the order storage used by settlement.
type Orders interface {
	GetByID(ctx context.Context, id string) (*order.Order, error)
	ListItems(ctx context.Context, id string) ([]order.Item, error)
	TransitionStatus(ctx context.Context, id string, from, to order.Status) (bool, error)
}

// Promos consumes promo codes.
type Promos interface {
	Consume(ctx context.Context, code string) (bool, error)
}

// Notifier sends confirmation emails.
type Notifier interface {
	Send(ctx context.Context, m notify.OrderConfirmation) error
}

// Source identifies what triggered a settlement.
type Source string

const (
	SourceWebhook  Source = "webhook"
	SourceRedirect Source = "redirect"
)

// Outcome describes what a reconciliation call did.
type Outcome string

const (
	// OutcomeSettled means this call moved the order to pending.
	OutcomeSettled Outcome = "settled"
	// OutcomeAlreadySettled means the order had left awaiting_payment
	// before this call.
	OutcomeAlreadySettled Outcome = "already_settled"
	// OutcomeCancelled means this call cancelled an expired checkout.
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeOrderCancelled means the order was cancelled before payment
	// was confirmed.
	OutcomeOrderCancelled Outcome = "order_cancelled"
	// OutcomeAwaitingPayment means the provider has not captured funds yet.
	OutcomeAwaitingPayment Outcome = "awaiting_payment"
	// OutcomeUnknownOrder means the referenced order does not exist.
	OutcomeUnknownOrder Outcome = "unknown_order"
	// OutcomeIgnored means the event carried nothing to act on.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeRejected means the payload failed verification.
	OutcomeRejected Outcome = "rejected"
)
