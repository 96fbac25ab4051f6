// Package notify dispatches transactional customer emails through an
// external email-sending API.
package notify

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// Item is one line of a confirmation email.
type Item struct {
	Name              string
	Quantity          int
	UnitPriceCents    int64
	LineSubtotalCents int64
}

// OrderConfirmation is the payload handed to the email sender once an
// order is settled. Money is in integer cents.
type OrderConfirmation struct {
	To               string
	CustomerName     string
	OrderID          string
	OrderType        string
	DeliveryAddress  string
	Items            []Item
	SubtotalCents    int64
	DiscountCents    int64
	DeliveryFeeCents int64
	TotalCents       int64
	PaymentMethod    string
	Notes            string
}

// Encode writes m as a JSON object. Optional fields are omitted when empty.
func (m OrderConfirmation) Encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("to")
	e.Str(m.To)
	e.FieldStart("customerName")
	e.Str(m.CustomerName)
	e.FieldStart("orderId")
	e.Str(m.OrderID)
	e.FieldStart("orderType")
	e.Str(m.OrderType)
	if m.DeliveryAddress != "" {
		e.FieldStart("deliveryAddress")
		e.Str(m.DeliveryAddress)
	}
	e.FieldStart("items")
	e.ArrStart()
	for _, it := range m.Items {
		e.ObjStart()
		e.FieldStart("name")
		e.Str(it.Name)
		e.FieldStart("quantity")
		e.Int(it.Quantity)
		e.FieldStart("unitPriceCents")
		e.Int64(it.UnitPriceCents)
		e.FieldStart("lineSubtotalCents")
		e.Int64(it.LineSubtotalCents)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.FieldStart("subtotalCents")
	e.Int64(m.SubtotalCents)
	e.FieldStart("discountCents")
	e.Int64(m.DiscountCents)
	e.FieldStart("deliveryFeeCents")
	e.Int64(m.DeliveryFeeCents)
	e.FieldStart("totalCents")
	e.Int64(m.TotalCents)
	e.FieldStart("paymentMethod")
	e.Str(m.PaymentMethod)
	if m.Notes != "" {
		e.FieldStart("notes")
		e.Str(m.Notes)
	}
	e.ObjEnd()
}

// Config holds settings for the email API client.
type Config struct {
	// Endpoint is the URL confirmations are POSTed to. When empty,
	// confirmations are only logged.
	Endpoint string        `default:"" usage:"Email API endpoint; empty logs messages instead"`
	APIKey   string        `default:"" usage:"Email API bearer token"`
	From     string        `default:"pedidos@bistro.local" usage:"Sender address"`
	Timeout  time.Duration `default:"5s" usage:"Email API request timeout"`
}

// StatusError is returned when the email API answers with a non-2xx code.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return "email api: unexpected status " + strconv.Itoa(e.Code) + ": " + e.Body
}

// HTTPSender posts confirmations to an HTTP email API.
type HTTPSender struct {
	cfg    Config
	client *http.Client
}

// NewHTTPSender creates an HTTPSender. A nil client gets an instrumented
// default client bounded by cfg.Timeout.
func NewHTTPSender(cfg Config, client *http.Client) *HTTPSender {
	if client == nil {
		client = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   cfg.Timeout,
		}
	}
	return &HTTPSender{cfg: cfg, client: client}
}

// Send delivers one order confirmation.
func (s *HTTPSender) Send(ctx context.Context, m OrderConfirmation) error {
	if m.To == "" {
		return errors.New("recipient is empty")
	}

	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	e.ObjStart()
	e.FieldStart("from")
	e.Str(s.cfg.From)
	e.FieldStart("template")
	e.Str("order_confirmation")
	e.FieldStart("data")
	m.Encode(e)
	e.ObjEnd()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(e.Bytes()))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "send request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// LogSender writes confirmations to the log. Used when no email API is
// configured.
type LogSender struct {
	lg *zap.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(lg *zap.Logger) *LogSender {
	return &LogSender{lg: lg}
}

// Send logs m and never fails.
func (s *LogSender) Send(_ context.Context, m OrderConfirmation) error {
	s.lg.Info("Order confirmation",
		zap.String("to", m.To),
		zap.String("order_id", m.OrderID),
		zap.Int("items", len(m.Items)),
		zap.Int64("total_cents", m.TotalCents),
	)
	return nil
}
