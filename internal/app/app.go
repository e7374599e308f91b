// Package app wires configuration, storage, domain services, and the HTTP
// server together. It is the single composition root of the application.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/petalmarket/checkout/internal/domain/order"
	"github.com/petalmarket/checkout/internal/domain/payment"
	"github.com/petalmarket/checkout/internal/domain/refund"
	"github.com/petalmarket/checkout/internal/gateway"
	"github.com/petalmarket/checkout/internal/handler"
	"github.com/petalmarket/checkout/internal/repository"
	"github.com/petalmarket/checkout/pkg/health"
	"github.com/petalmarket/checkout/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	pricing, err := pricingPolicy(cfg.Pricing)
	if err != nil {
		return errors.Wrap(err, "pricing config")
	}

	// PostgreSQL pool + migrations.
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Repositories.
	principalRepo := repository.NewPrincipalRepository(pool)
	catalogRepo := repository.NewCatalogRepository(pool)
	cartRepo := repository.NewCartRepository(pool)
	orderRepo := repository.NewOrderRepository(pool)
	refundRepo := repository.NewRefundRepository(pool)
	paymentRepo := repository.NewPaymentRepository(pool)

	// Payment gateway client.
	gw := gateway.NewClient(gateway.Config{
		BaseURL:   cfg.Gateway.BaseURL,
		ShopID:    cfg.Gateway.ShopID,
		SecretKey: cfg.Gateway.SecretKey,
		Timeout:   cfg.Gateway.Timeout,
	}, nil)

	// Domain services.
	paymentCfg := payment.Config{
		Currency:  cfg.Gateway.Currency,
		ReturnURL: cfg.Gateway.ReturnURL,
	}
	orderService := order.NewService(cartRepo, catalogRepo, orderRepo, pricing, cfg.Pricing.MinQuantity)
	refundService := refund.NewService(orderRepo, refundRepo)
	paymentService := payment.NewService(orderRepo, paymentRepo, gw, paymentCfg)
	repaymentService := payment.NewRepaymentService(orderRepo, refundRepo, paymentRepo, gw, paymentCfg)

	// HTTP handlers: health endpoints + API routes on one server.
	h := handler.New(principalRepo, orderService, refundService, paymentService, repaymentService)
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	h.Register(mux)

	api := otelhttp.NewHandler(mux, "checkout-api",
		otelhttp.WithTracerProvider(m.TracerProvider()),
		otelhttp.WithMeterProvider(m.MeterProvider()),
	)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(api,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "Authorization", "X-Session-ID"},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimit(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.LogRequests(),
		),
	}

	// Graceful shutdown: flip readiness, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

func pricingPolicy(cfg PricingConfig) (order.PricingPolicy, error) {
	vendor, err := decimal.NewFromString(cfg.VendorFactor)
	if err != nil {
		return order.PricingPolicy{}, errors.Wrapf(err, "vendor factor %q", cfg.VendorFactor)
	}
	retail, err := decimal.NewFromString(cfg.RetailFactor)
	if err != nil {
		return order.PricingPolicy{}, errors.Wrapf(err, "retail factor %q", cfg.RetailFactor)
	}
	return order.PricingPolicy{VendorFactor: vendor, RetailFactor: retail}, nil
}
