package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xenoISA/isA-user-sub009/internal/application/factories/infrastructure"
	"github.com/xenoISA/isA-user-sub009/internal/config"
	"github.com/xenoISA/isA-user-sub009/internal/eventbus"
	"github.com/xenoISA/isA-user-sub009/internal/infrastructure/postgres"
	"github.com/xenoISA/isA-user-sub009/internal/relay"
)

const serviceName = "outbox-relay"

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

	// Metrics server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("relay metrics listening", "port", cfg.HTTP.Port)
		http.ListenAndServe(":"+cfg.HTTP.Port, mux)
	}()

	infraFactory := infrastructure.NewFactory(cfg)
	defer infraFactory.Close()

	pgPool, err := infraFactory.Postgres(ctx)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}

	broker, err := infraFactory.Broker(ctx, serviceName, logger)
	if err != nil {
		logger.Error("failed to connect to broker", "error", err)
		os.Exit(1)
	}

	outboxRepo := postgres.NewOutboxRepository(pgPool)
	publisher := eventbus.NewPublisher(broker, serviceName, logger)

	r := relay.New(outboxRepo, publisher, cfg.Relay.Interval, cfg.Relay.BatchSize, logger)

	if err := r.Run(ctx); err != nil {
		logger.Error("relay stopped with error", "error", err)
	}

	logger.Info("relay exited")
}
