package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"MailSpool/internal/accounts"
	"MailSpool/internal/blob"
	"MailSpool/internal/config"
	"MailSpool/internal/db"
	"MailSpool/internal/email"
	"MailSpool/internal/logging"
	"MailSpool/internal/metrics"
	"MailSpool/internal/seed"
	"MailSpool/internal/worker"
)

// dispatch runs a single cycle and exits 0, or 1 when the cycle could
// not run. With DISPATCH_SCHEDULE set it keeps running until signalled.
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("dispatch failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ------------------------------------------------
	// Database
	// ------------------------------------------------
	store, err := db.Open(ctx, cfg.DatabaseURL, cfg.DBConnectTimeout)
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := seed.Bootstrap(ctx, cfg.DatabaseURL, cfg.SeedFile, store, logger); err != nil {
		return err
	}

	// ------------------------------------------------
	// Attachment Store
	// ------------------------------------------------
	blobs, err := blob.Open(cfg.AttachmentBackend, cfg.AttachmentDir, blob.S3Options{
		Endpoint:  cfg.S3Endpoint,
		Region:    cfg.S3Region,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
	})
	if err != nil {
		return err
	}

	// ------------------------------------------------
	// Dispatcher
	// ------------------------------------------------
	metrics.Init()

	dispatcher := worker.NewDispatcher(store, accounts.NewResolver(store), email.NewSender(), blobs, logger, worker.Options{
		Workers:     cfg.WorkerCount,
		BatchSize:   cfg.BatchSize,
		SendTimeout: cfg.SendTimeout,
		ClaimLease:  cfg.ClaimLease,
	})

	if cfg.DispatchSchedule == "" {
		_, err := dispatcher.RunCycle(ctx)
		return err
	}

	// ------------------------------------------------
	// Scheduled Mode
	// ------------------------------------------------
	metricsServer := metrics.NewServer(":" + cfg.MetricsPort)

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	err = worker.Schedule(ctx, cfg.DispatchSchedule, dispatcher, logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if serr := metricsServer.Shutdown(shutdownCtx); serr != nil {
		logger.Error("metrics shutdown failed", zap.Error(serr))
	}

	return err
}
