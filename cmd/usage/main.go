package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xenoISA/isA-user-sub009/internal/api"
	"github.com/xenoISA/isA-user-sub009/internal/application/factories/infrastructure"
	"github.com/xenoISA/isA-user-sub009/internal/config"
	"github.com/xenoISA/isA-user-sub009/internal/infrastructure/postgres"
	"github.com/xenoISA/isA-user-sub009/internal/usecase"
)

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

	redisClient, err := infraFactory.Redis(ctx)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	// Repositories
	usageRepo := postgres.NewUsageRepository(pgPool)
	walletRepo := postgres.NewWalletRepository(pgPool)
	entryRepo := postgres.NewWalletEntryRepository(pgPool)
	outboxRepo := postgres.NewOutboxRepository(pgPool)
	txManager := postgres.NewTxManager(pgPool)

	// UseCases
	recordUsageUC := usecase.NewRecordUsage(txManager, usageRepo, outboxRepo)
	getUsageUC := usecase.NewGetUsage(redisClient, usageRepo, walletRepo)
	getTrailUC := usecase.NewGetUsageTrail(usageRepo, outboxRepo, entryRepo)
	creditWalletUC := usecase.NewCreditWallet(txManager, outboxRepo)

	handlers := api.NewHandlers(recordUsageUC, getUsageUC, getTrailUC, creditWalletUC)
	apiHandler := api.NewRouter(handlers, redisClient)

	srv := &http.Server{
		Addr:    ":" + cfg.HTTP.Port,
		Handler: apiHandler,
	}

	go func() {
		logger.Info("usage service starting", "port", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down usage service")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("usage service exited")
}
