package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tbank-checkout/internal/checkout"
	"tbank-checkout/internal/config"
	"tbank-checkout/internal/db"
	"tbank-checkout/internal/kafka"
	"tbank-checkout/internal/logger"
	"tbank-checkout/internal/metrics"
	"tbank-checkout/internal/middleware"
	"tbank-checkout/internal/payment"
	"tbank-checkout/internal/payment/webhook"
	"tbank-checkout/internal/platform"
	"tbank-checkout/internal/redisx"
	"tbank-checkout/internal/tbank"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	initDBFunc      = db.InitDB
	startServerFunc = startServer
)

func main() {
	if err := run(); err != nil {
		logger.L().Fatal("server stopped", zap.Error(err))
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger.Init(cfg.AppEnv)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handler, cleanup, err := newServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	logger.L().Info("Checkout server running",
		zap.String("port", cfg.AppPort),
		zap.Bool("gateway_test_mode", cfg.Gateway.TestMode),
		zap.String("store", cfg.StoreDriver),
	)
	return startServerFunc(ctx, ":"+cfg.AppPort, handler)
}

type routes struct {
	checkout   *checkout.Handler
	webhook    *webhook.Handler
	limiter    *middleware.RateLimiter
	metrics    http.Handler
	authSecret string
}

// newServer builds every dependency from cfg. The returned cleanup closes
// whatever was opened.
func newServer(ctx context.Context, cfg *config.Config) (http.Handler, func(), error) {
	log := logger.L()
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.Warn("Cleanup failed", zap.Error(err))
			}
		}
	}

	var store payment.Store
	switch cfg.StoreDriver {
	case "memory":
		log.Warn("Using in-memory payment store; sessions are lost on restart")
		store = payment.NewMemoryStore()
	case "postgres":
		database := initDBFunc(cfg)
		closers = append(closers, database.Close)
		store = payment.NewRepository(database)
	default:
		return nil, cleanup, errors.New("unknown STORE: " + cfg.StoreDriver)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	gateway := tbank.NewClient(cfg.Gateway)

	var orders payment.OrderGateway = platform.NewClient(cfg.PlatformBaseURL, cfg.PlatformJWTSecret)
	if len(cfg.KafkaBrokers) > 0 {
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaOutcomeTopic)
		closers = append(closers, producer.Close)
		orders = platform.NewPublishingGateway(orders, producer)
	}

	opts := checkout.Options{
		Orders:          orders,
		Metrics:         m,
		GatewayTimeout:  cfg.GatewayTimeout,
		DeliveryLease:   cfg.DeliveryLease,
		SuccessURL:      cfg.SuccessURL,
		FailURL:         cfg.FailURL,
		NotificationURL: cfg.NotificationURL,
	}
	if cfg.RedisAddr != "" {
		rdb := redisx.New(cfg.RedisAddr)
		closers = append(closers, rdb.Close)
		if err := redisx.Ping(ctx, rdb); err != nil {
			// the live-session index still rejects duplicates
			log.Warn("Redis unavailable at startup", zap.Error(err))
		}
		opts.Locker = redisx.NewLocker(rdb, redisx.TTLCheckoutStart)
	}

	svc := checkout.NewService(store, gateway, opts)

	router := setupRouter(routes{
		checkout:   checkout.NewHandler(svc, orders, cfg.OrderPageURL),
		webhook:    webhook.NewWebhookHandler(svc, gateway, store, cfg.VerifyCallback, m),
		limiter:    middleware.NewRateLimiter(ctx, cfg.InternalKey),
		metrics:    metrics.Handler(reg),
		authSecret: cfg.CheckoutAuthSecret,
	})
	return router, cleanup, nil
}

func setupRouter(rt routes) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(logger.RequestIDMiddleware)
	r.Use(logger.LoggingMiddleware)
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", rt.metrics)

	r.With(middleware.ServiceAuth(rt.authSecret), rt.limiter.Middleware).
		Post("/checkout/{orderID}", rt.checkout.Start)

	r.Group(func(r chi.Router) {
		r.Use(rt.limiter.Middleware)
		r.Get("/checkout/{orderID}/return", rt.checkout.Return)
		r.Post("/webhook/payment", rt.webhook.PaymentWebhookHandler)
	})

	return r
}

// startServer serves until ctx is cancelled, then drains in-flight requests.
func startServer(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.L().Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
