package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xenoISA/isA-user-sub009/internal/application/factories/infrastructure"
	"github.com/xenoISA/isA-user-sub009/internal/billing"
	"github.com/xenoISA/isA-user-sub009/internal/config"
	"github.com/xenoISA/isA-user-sub009/internal/eventbus"
	"github.com/xenoISA/isA-user-sub009/internal/infrastructure/postgres"
	redisInfra "github.com/xenoISA/isA-user-sub009/internal/infrastructure/redis"
)

const serviceName = "billing-service"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.New()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	infraFactory := infrastructure.NewFactory(cfg)
	defer infraFactory.Close()

	pgPool, err := infraFactory.Postgres(ctx)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}

	if err := postgres.Bootstrap(ctx, pgPool); err != nil {
		logger.Error("failed to bootstrap schema", "error", err)
		os.Exit(1)
	}

	broker, err := infraFactory.Broker(ctx, serviceName, logger)
	if err != nil {
		logger.Error("failed to connect to broker", "error", err)
		os.Exit(1)
	}

	// Repositories
	walletRepo := postgres.NewWalletRepository(pgPool)
	entryRepo := postgres.NewWalletEntryRepository(pgPool)
	outboxRepo := postgres.NewOutboxRepository(pgPool)
	txManager := postgres.NewTxManager(pgPool)

	store, err := dedupStore(ctx, cfg, infraFactory, logger)
	if err != nil {
		logger.Error("failed to init dedup store", "error", err)
		os.Exit(1)
	}

	publisher := eventbus.NewPublisher(broker, serviceName, logger)

	registry := eventbus.NewRegistry()
	handlers := billing.NewHandlers(
		txManager, walletRepo, entryRepo, outboxRepo,
		publisher, billing.DefaultPriceTable(), cfg.Billing.LowBalanceThreshold, logger,
	)
	billing.Register(registry, handlers)

	subscriber := eventbus.NewSubscriber(broker, registry, store, eventbus.SubscriberConfig{
		Service:   serviceName,
		BatchSize: cfg.Messaging.BatchSize,
	}, logger)

	if err := subscriber.Subscribe(ctx, "usage.recorded.*", eventbus.WithQueue("billing")); err != nil {
		logger.Error("failed to subscribe", "pattern", "usage.recorded.*", "error", err)
		os.Exit(1)
	}
	if err := subscriber.Subscribe(ctx, "wallet.>", eventbus.WithQueue("billing")); err != nil {
		logger.Error("failed to subscribe", "pattern", "wallet.>", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.HTTP.Port,
		Handler: newRouter(subscriber),
	}

	go func() {
		logger.Info("billing service starting", "port", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down billing service")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := subscriber.Shutdown(shutdownCtx); err != nil {
		logger.Error("subscriber forced to shutdown", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("billing service exited")
}

// dedupStore picks the idempotency backend: redis shares dedup state across
// replicas, postgres makes it durable, memory is per process.
func dedupStore(ctx context.Context, cfg *config.Config, f *infrastructure.Factory, logger *slog.Logger) (eventbus.IdempotencyStore, error) {
	switch cfg.Messaging.Dedup {
	case "", "redis":
		client, err := f.Redis(ctx)
		if err != nil {
			return nil, err
		}
		return redisInfra.NewIdempotencyStore(client, 0), nil
	case "postgres":
		pool, err := f.Postgres(ctx)
		if err != nil {
			return nil, err
		}
		return postgres.NewProcessedEventRepository(pool), nil
	default:
		logger.Info("using in-memory dedup store")
		return eventbus.NewMemoryIdempotencyStore(0), nil
	}
}

func newRouter(subscriber *eventbus.Subscriber) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		health := subscriber.HealthCheck()
		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(subscriber.GetMetrics())
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
