// Package handler exposes the checkout API over net/http.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xenking/bistro/internal/domain/auth"
	"github.com/xenking/bistro/internal/domain/order"
	"github.com/xenking/bistro/internal/domain/product"
	"github.com/xenking/bistro/internal/domain/settlement"
)

// WebhookConfig bounds how much of a provider callback is read.
type WebhookConfig struct {
	MaxBodyBytes int64         `default:"65536" usage:"Maximum webhook body size in bytes" flag:"webhook-max-body"`
	ReadTimeout  time.Duration `default:"5s" usage:"Deadline for reading a webhook body" flag:"webhook-read-timeout"`
}

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// ImageBaseURL is prepended to relative image paths in product responses.
	ImageBaseURL string
	// APIKeyPepper is the HMAC key used to hash presented API keys.
	APIKeyPepper []byte
	Webhook      WebhookConfig
}

// Orders is the order workflow used by the API.
type Orders interface {
	Place(ctx context.Context, req order.PlaceRequest) (*order.PlaceResult, error)
	Get(ctx context.Context, p auth.Principal, id string) (*order.Order, error)
	UpdateStatus(ctx context.Context, id string, next order.Status) (*order.Order, error)
}

// Settler reconciles provider callbacks and success-page confirmations.
type Settler interface {
	HandleWebhook(ctx context.Context, payload []byte, signature string) (settlement.Outcome, error)
	Confirm(ctx context.Context, p auth.Principal, orderID string) (settlement.Outcome, error)
}

// Deps are the domain collaborators of the Handler.
type Deps struct {
	Products product.Repository
	Pricer   order.Pricer
	Orders   Orders
	Settler  Settler
	APIKeys  auth.Repository
}

// Handler serves the HTTP API.
type Handler struct {
	cfg      Config
	products product.Repository
	pricer   order.Pricer
	orders   Orders
	settler  Settler
	apikeys  auth.Repository

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	pricingCalls   metric.Int64Counter
}

// Option configures a Handler.
type Option func(*Handler)

// WithTracerProvider sets the tracer provider for route spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(h *Handler) {
		h.tracerProvider = tp
	}
}

// WithMeterProvider sets the meter provider for route and pricing metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(h *Handler) {
		h.meterProvider = mp
	}
}

// New constructs a Handler.
func New(cfg Config, deps Deps, opts ...Option) (*Handler, error) {
	h := &Handler{
		cfg:            cfg,
		products:       deps.Products,
		pricer:         deps.Pricer,
		orders:         deps.Orders,
		settler:        deps.Settler,
		apikeys:        deps.APIKeys,
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.cfg.Webhook.MaxBodyBytes <= 0 {
		h.cfg.Webhook.MaxBodyBytes = 64 << 10
	}

	var err error
	h.pricingCalls, err = h.meterProvider.Meter("bistro/handler").Int64Counter("bistro.pricing.requests",
		metric.WithDescription("Cart pricing computations by endpoint and result"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create pricing counter")
	}
	return h, nil
}

// StripeWebhookPath receives payment provider events.
const StripeWebhookPath = "/webhooks/stripe"

// Routes returns the API mux. Every route is traced under its pattern.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, otelhttp.NewHandler(fn, pattern,
			otelhttp.WithTracerProvider(h.tracerProvider),
			otelhttp.WithMeterProvider(h.meterProvider),
		))
	}

	route("GET /api/products", h.listProducts)
	route("POST /api/pricing/preview", h.authenticated(h.previewPricing))
	route("POST /api/orders", h.authenticated(h.placeOrder))
	route("GET /api/orders/{id}", h.authenticated(h.getOrder))
	route("POST /api/orders/{id}/confirm", h.authenticated(h.confirmOrder))
	route("PATCH /api/admin/orders/{id}/status", h.authenticated(h.adminOnly(h.updateOrderStatus)))
	route("POST "+StripeWebhookPath, h.stripeWebhook)

	return mux
}
