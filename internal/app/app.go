package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/bistro/internal/domain/order"
	"github.com/xenking/bistro/internal/domain/pricing"
	"github.com/xenking/bistro/internal/domain/promo"
	"github.com/xenking/bistro/internal/domain/settlement"
	"github.com/xenking/bistro/internal/handler"
	"github.com/xenking/bistro/internal/notify"
	"github.com/xenking/bistro/internal/payment"
	"github.com/xenking/bistro/internal/repository"
	"github.com/xenking/bistro/pkg/health"
	"github.com/xenking/bistro/pkg/httpmiddleware"
)

// service is the assembled HTTP surface with its health checks.
type service struct {
	handler http.Handler
	health  *health.Health
}

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	svc, err := newService(zctx.Base(ctx, lg), cfg, pool, m.TracerProvider(), m.MeterProvider())
	if err != nil {
		return err
	}
	svc.health.Start(ctx, 10*time.Second)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           svc.handler,
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		svc.health.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		svc.health.Stop()
		close(shutdownDone)
	}()

	svc.health.SetReady(true)
	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

func newService(
	ctx context.Context,
	cfg *Config,
	pool *pgxpool.Pool,
	tp trace.TracerProvider,
	mp metric.MeterProvider,
) (*service, error) {
	lg := zctx.From(ctx)

	if err := repository.Migrate(ctx, pool); err != nil {
		return nil, errors.Wrap(err, "run migrations")
	}
	caps, err := repository.DetectCapabilities(ctx, pool)
	if err != nil {
		return nil, errors.Wrap(err, "detect schema capabilities")
	}
	lg.Info("Schema capabilities",
		zap.Bool("order_promo_code", caps.OrderPromoCode),
		zap.Bool("user_loyalty", caps.UserLoyalty),
	)

	healthSvc := health.New()
	healthSvc.Register(health.Readiness, "postgres", health.Ping(pool), health.Options{Timeout: 5 * time.Second})
	healthSvc.Register(health.Liveness, "goroutines", health.Goroutines(10000), health.Options{})

	// Repositories.
	productRepo := repository.NewProductRepository(pool)
	promoRepo := repository.NewPromoRepository(pool)
	orderRepo := repository.NewOrderRepository(pool, caps)
	userRepo := repository.NewUserRepository(pool, caps)
	apikeyRepo := repository.NewAPIKeyRepository(pool)

	// Payment provider and notifications.
	gateway, err := payment.NewGateway(cfg.Stripe)
	if err != nil {
		return nil, errors.Wrap(err, "create payment gateway")
	}
	var notifier settlement.Notifier
	if cfg.Notify.Endpoint != "" {
		notifier = notify.NewHTTPSender(cfg.Notify, nil)
	} else {
		lg.Warn("Notify endpoint not configured, confirmation emails are logged only")
		notifier = notify.NewLogSender(lg.Named("notify"))
	}

	// Domain services.
	engine := pricing.NewEngine(cfg.Pricing, productRepo, promo.NewEvaluator(promoRepo),
		pricing.WithTracerProvider(tp),
	)
	orderService := order.NewService(engine, orderRepo, gateway)

	reconcilerOpts := []settlement.Option{
		settlement.WithTracerProvider(tp),
		settlement.WithMeterProvider(mp),
	}
	if !caps.UserLoyalty {
		lg.Warn("Loyalty columns missing, settlement will not accrue points")
		reconcilerOpts = append(reconcilerOpts, settlement.WithoutLoyalty())
	}
	reconciler, err := settlement.NewReconciler(settlement.Deps{
		Verifier: gateway,
		Sessions: gateway,
		Orders:   orderRepo,
		Users:    userRepo,
		Promos:   promoRepo,
		Notifier: notifier,
	}, reconcilerOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "create reconciler")
	}

	// HTTP handlers.
	h, err := handler.New(handler.Config{
		ImageBaseURL: cfg.ImageBaseURL,
		APIKeyPepper: []byte(cfg.APIKeyPepper),
		Webhook:      cfg.Webhook,
	}, handler.Deps{
		Products: productRepo,
		Pricer:   engine,
		Orders:   orderService,
		Settler:  reconciler,
		APIKeys:  apikeyRepo,
	},
		handler.WithTracerProvider(tp),
		handler.WithMeterProvider(mp),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create handler")
	}

	mux := http.NewServeMux()
	mux.Handle("GET /livez", healthSvc.LiveHandler())
	mux.Handle("GET /readyz", healthSvc.ReadyHandler())
	mux.Handle("/", h.Routes())

	return &service{
		health: healthSvc,
		handler: httpmiddleware.Wrap(mux,
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(lg),
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", handler.APIKeyHeader},
				ExposeHeaders:    []string{httpmiddleware.RequestIDHeader},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimit(ctx, httpmiddleware.RateLimitConfig{
				RPS:     cfg.RateLimit.RPS,
				Burst:   cfg.RateLimit.Burst,
				IdleTTL: cfg.RateLimit.IdleTTL,
				Skip:    isProviderWebhook,
			}),
			httpmiddleware.LogRequests(),
		),
	}, nil
}

// isProviderWebhook matches payment provider deliveries, which come in
// bursts from a few addresses.
func isProviderWebhook(r *http.Request) bool {
	return r.URL.Path == handler.StripeWebhookPath
}
