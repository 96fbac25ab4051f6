// Package payment integrates the Stripe hosted checkout.
package payment

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/xenking/bistro/internal/domain/order"
	"github.com/xenking/bistro/internal/domain/settlement"
)

// OrderIDPlaceholder is replaced with the order id in redirect URLs.
const OrderIDPlaceholder = "{ORDER_ID}"

const metadataOrderID = "order_id"

// Config holds Stripe credentials and checkout settings.
type Config struct {
	SecretKey        string        `default:"" usage:"Stripe secret API key"`
	WebhookSecret    string        `default:"" usage:"Stripe webhook signing secret"`
	WebhookTolerance time.Duration `default:"5m" usage:"Maximum age of a signed webhook"`
	Currency         string        `default:"brl" usage:"ISO currency of checkout sessions"`
	SuccessURL       string        `default:"http://localhost:3000/pedido/{ORDER_ID}/sucesso" usage:"Redirect after payment, {ORDER_ID} is substituted"`
	CancelURL        string        `default:"http://localhost:3000/carrinho" usage:"Redirect when the customer abandons checkout"`
}

type sessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// Gateway creates checkout sessions, reads their payment state and
// verifies webhook events.
type Gateway struct {
	cfg      Config
	sessions sessionAPI
}

// NewGateway creates a Gateway backed by the Stripe API.
func NewGateway(cfg Config) (*Gateway, error) {
	key := strings.TrimSpace(cfg.SecretKey)
	if key == "" {
		return nil, errors.New("stripe: secret key is required")
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}
	sc := client.New(key, nil)
	return newGateway(cfg, sc.CheckoutSessions), nil
}

func newGateway(cfg Config, sessions sessionAPI) *Gateway {
	return &Gateway{cfg: cfg, sessions: sessions}
}

// CreateCheckout opens a payment-mode checkout session for the order
// total. The order id travels in session metadata and the client
// reference so webhooks can be matched back to the order.
func (g *Gateway) CreateCheckout(ctx context.Context, req order.CheckoutRequest) (*order.Checkout, error) {
	if req.AmountCents <= 0 {
		return nil, errors.Errorf("stripe: amount %d must be positive", req.AmountCents)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(strings.ReplaceAll(g.cfg.SuccessURL, OrderIDPlaceholder, req.OrderID)),
		CancelURL:         stripe.String(strings.ReplaceAll(g.cfg.CancelURL, OrderIDPlaceholder, req.OrderID)),
		ClientReferenceID: stripe.String(req.OrderID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(g.cfg.Currency)),
					UnitAmount: stripe.Int64(req.AmountCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.Description),
					},
				},
			},
		},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{metadataOrderID: req.OrderID},
		},
	}
	params.Context = ctx
	params.AddMetadata(metadataOrderID, req.OrderID)
	params.SetIdempotencyKey("checkout-" + req.OrderID)

	s, err := g.sessions.New(params)
	if err != nil {
		return nil, errors.Wrap(err, "stripe: create checkout session")
	}
	return &order.Checkout{SessionID: s.ID, URL: s.URL}, nil
}

// LookupSession reports whether the session is paid and which order it
// belongs to.
func (g *Gateway) LookupSession(ctx context.Context, sessionID string) (*settlement.SessionStatus, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	s, err := g.sessions.Get(sessionID, params)
	if err != nil {
		return nil, errors.Wrap(err, "stripe: get checkout session")
	}

	orderID := s.Metadata[metadataOrderID]
	if orderID == "" {
		orderID = s.ClientReferenceID
	}
	return &settlement.SessionStatus{
		OrderID: orderID,
		Paid:    sessionPaid(string(s.PaymentStatus)),
	}, nil
}

// VerifyEvent checks the Stripe-Signature header against the payload and
// reduces checkout events to a settlement.Event.
func (g *Gateway) VerifyEvent(payload []byte, signature string) (*settlement.Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, g.cfg.WebhookSecret, webhook.ConstructEventOptions{
		Tolerance:                g.cfg.WebhookTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, errors.Wrap(settlement.ErrInvalidSignature, err.Error())
	}

	out := &settlement.Event{
		ID:   ev.ID,
		Type: string(ev.Type),
		Kind: settlement.EventOther,
	}

	var paid bool
	switch ev.Type {
	case "checkout.session.completed":
		paid = true
	case "checkout.session.async_payment_succeeded":
		out.Kind = settlement.EventPaid
	case "checkout.session.expired", "checkout.session.async_payment_failed":
		out.Kind = settlement.EventExpired
	default:
		return out, nil
	}

	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return out, nil
	}
	s, err := decodeSession(ev.Data.Raw)
	if err != nil {
		// Signed by Stripe but not a session object; nothing to act on.
		out.Kind = settlement.EventOther
		return out, nil
	}

	out.OrderID = s.orderID
	if paid {
		out.Kind = settlement.EventUnpaid
		if sessionPaid(s.paymentStatus) {
			out.Kind = settlement.EventPaid
		}
	}
	return out, nil
}

func sessionPaid(status string) bool {
	return status == string(stripe.CheckoutSessionPaymentStatusPaid) ||
		status == string(stripe.CheckoutSessionPaymentStatusNoPaymentRequired)
}

type sessionObject struct {
	orderID       string
	paymentStatus string
}

// decodeSession extracts the fields settlement needs from a raw
// checkout.session object.
func decodeSession(raw []byte) (sessionObject, error) {
	var (
		s         sessionObject
		clientRef string
	)
	err := jx.DecodeBytes(raw).Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "client_reference_id":
			if d.Next() == jx.Null {
				return d.Null()
			}
			v, err := d.Str()
			clientRef = v
			return err
		case "payment_status":
			v, err := d.Str()
			s.paymentStatus = v
			return err
		case "metadata":
			if d.Next() == jx.Null {
				return d.Null()
			}
			return d.Obj(func(d *jx.Decoder, key string) error {
				if key != metadataOrderID || d.Next() != jx.String {
					return d.Skip()
				}
				v, err := d.Str()
				s.orderID = v
				return err
			})
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return sessionObject{}, errors.Wrap(err, "decode checkout session")
	}
	if s.orderID == "" {
		s.orderID = clientRef
	}
	return s, nil
}
