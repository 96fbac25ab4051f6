package order

import "github.com/go-faster/errors"

// Status is the lifecycle state of an order. The string values are the
// canonical stored representation; display labels belong to the UI.
type Status string

const (
	// StatusAwaitingPayment is the initial state of online-paid orders.
	StatusAwaitingPayment Status = "awaiting_payment"
	// StatusPending means payment is confirmed or not required online.
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
)

// ErrInvalidStatus is returned by ParseStatus for unknown values.
var ErrInvalidStatus = errors.New("invalid order status")

var transitions = map[Status][]Status{
	StatusAwaitingPayment: {StatusPending, StatusCancelled},
	StatusPending:         {StatusReady, StatusCancelled},
	StatusReady:           {StatusDelivered, StatusCancelled},
}

// CanAdminTransitionTo reports whether an administrator may move an order
// from s to next. Leaving awaiting_payment for pending is settlement and only
// happens through the payment flow.
func (s Status) CanAdminTransitionTo(next Status) bool {
	if s == StatusAwaitingPayment && next == StatusPending {
		return false
	}
	return s.CanTransitionTo(next)
}

// ParseStatus validates s as a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusAwaitingPayment, StatusPending, StatusReady, StatusDelivered, StatusCancelled:
		return st, nil
	default:
		return "", errors.Wrapf(ErrInvalidStatus, "%q", s)
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
