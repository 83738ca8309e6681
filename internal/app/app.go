package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/order-outbox/internal/domain/order"
	"github.com/xenking/order-outbox/internal/domain/outbox"
	"github.com/xenking/order-outbox/internal/handler"
	"github.com/xenking/order-outbox/internal/publisher"
	"github.com/xenking/order-outbox/internal/storage/postgres"
	"github.com/xenking/order-outbox/pkg/health"
	"github.com/xenking/order-outbox/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server and (when enabled) the
// embedded outbox relay, and handles graceful shutdown. It is the single
// wiring point for the API server.
func Run(ctx context.Context, lg *zap.Logger, _ *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health probes.
	healthSvc := health.NewService()
	healthSvc.Register("postgres", health.Readiness, health.PingCheck(pool), health.WithTimeout(5*time.Second))
	healthSvc.Register("goroutines", health.Liveness, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)

	// Metrics registry.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Repositories and domain services.
	orderRepo := postgres.NewOrderRepository(pool)
	outboxRepo := postgres.NewOutboxRepository(pool)
	orderService := order.NewService(orderRepo)

	// Event publisher.
	pub, closePub, err := newPublisher(cfg.Publisher, lg)
	if err != nil {
		return errors.Wrap(err, "create publisher")
	}
	defer closePub()

	// HTTP routes.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthSvc.LiveHandler())
	mux.HandleFunc("GET /livez", healthSvc.LiveHandler())
	mux.HandleFunc("GET /readyz", healthSvc.ReadyHandler())
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	handler.NewHandler(orderService).Register(mux)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.LogRequests(),
		),
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Relay.Enabled {
		relay := outbox.NewRelay(outboxRepo, pub, relayConfig(cfg.Relay), outbox.NewMetrics(registry))
		g.Go(func() error {
			return relay.Run(gctx)
		})
	}

	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	// Graceful shutdown: drop readiness, drain, then stop the listener.
	g.Go(func() error {
		<-gctx.Done()
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
		return nil
	})

	healthSvc.SetReady(true)
	return g.Wait()
}

// RunRelay wires the standalone relay worker: the outbox relay plus a small
// HTTP server exposing probes and metrics. It shares the API server's config.
func RunRelay(ctx context.Context, lg *zap.Logger, _ *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing relay worker", zap.String("addr", cfg.Addr))

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	healthSvc := health.NewService()
	healthSvc.Register("postgres", health.Readiness, health.PingCheck(pool), health.WithTimeout(5*time.Second))
	healthSvc.Register("goroutines", health.Liveness, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)
	defer healthSvc.Stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	pub, closePub, err := newPublisher(cfg.Publisher, lg)
	if err != nil {
		return errors.Wrap(err, "create publisher")
	}
	defer closePub()

	relay := outbox.NewRelay(postgres.NewOutboxRepository(pool), pub, relayConfig(cfg.Relay), outbox.NewMetrics(registry))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthSvc.LiveHandler())
	mux.HandleFunc("GET /livez", healthSvc.LiveHandler())
	mux.HandleFunc("GET /readyz", healthSvc.ReadyHandler())
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		Addr:              cfg.Addr,
		Handler:           mux,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return relay.Run(gctx)
	})
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "probe server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Probe server shutdown error", zap.Error(err))
		}
		return nil
	})

	healthSvc.SetReady(true)
	return g.Wait()
}

func relayConfig(cfg RelayConfig) outbox.RelayConfig {
	return outbox.RelayConfig{
		Interval:       cfg.Interval,
		Batch:          cfg.Batch,
		PublishTimeout: cfg.PublishTimeout,
		MaxAttempts:    cfg.MaxAttempts,
		RetryBackoff:   cfg.RetryBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		LeaseTTL:       cfg.LeaseTTL,
	}
}

// newPublisher builds the configured publisher backend. The returned closer
// is safe to call even for backends without connections to release.
func newPublisher(cfg PublisherConfig, lg *zap.Logger) (outbox.Publisher, func(), error) {
	switch cfg.Kind {
	case "kafka":
		p := publisher.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		return p, func() { _ = p.Close() }, nil
	case "rabbitmq":
		p, err := publisher.NewRabbitMQ(cfg.Rabbit.URL, cfg.Rabbit.Queue)
		if err != nil {
			return nil, nil, errors.Wrap(err, "rabbitmq")
		}
		return p, func() { _ = p.Close() }, nil
	default:
		return publisher.NewLog(lg), func() {}, nil
	}
}
