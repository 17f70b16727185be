package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"MailSpool/internal/accounts"
	"MailSpool/internal/api"
	"MailSpool/internal/blob"
	"MailSpool/internal/config"
	"MailSpool/internal/db"
	"MailSpool/internal/email"
	"MailSpool/internal/intake"
	"MailSpool/internal/logging"
	"MailSpool/internal/metrics"
	"MailSpool/internal/seed"
	"MailSpool/internal/worker"
)

func main() {

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ------------------------------------------------
	// Database
	// ------------------------------------------------
	store, err := db.Open(ctx, cfg.DatabaseURL, cfg.DBConnectTimeout)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	if cfg.DatabaseURL == db.MemoryURL {
		created, err := seed.Bootstrap(ctx, cfg.DatabaseURL, cfg.SeedFile, store, logger)
		if err != nil {
			logger.Fatal("in-memory store seeding failed", zap.String("file", cfg.SeedFile), zap.Error(err))
		}
		logger.Warn("using in-memory store, queued emails are lost on exit",
			zap.Int("accounts", created),
		)
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
		logger.Fatal("attachment store setup failed", zap.Error(err))
	}

	resolver := accounts.NewResolver(store)

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsServer := metrics.NewServer(":" + cfg.MetricsPort)

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// In-process Dispatch (optional)
	// ------------------------------------------------
	var wg sync.WaitGroup

	if cfg.DispatchSchedule != "" {
		dispatcher := worker.NewDispatcher(store, resolver, email.NewSender(), blobs, logger, worker.Options{
			Workers:     cfg.WorkerCount,
			BatchSize:   cfg.BatchSize,
			SendTimeout: cfg.SendTimeout,
			ClaimLease:  cfg.ClaimLease,
		})

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := worker.Schedule(ctx, cfg.DispatchSchedule, dispatcher, logger); err != nil {
				logger.Fatal("dispatch schedule failed", zap.Error(err))
			}
		}()
	}

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	if cfg.APIToken == "" {
		logger.Warn("API_TOKEN is empty, every intake request will be rejected")
	}

	handler := &api.Handler{
		Validator:       intake.NewValidator(resolver, blobs, logger),
		Queue:           store,
		Log:             logger,
		MaxRequestBytes: cfg.MaxRequestBytes,
	}

	apiServer := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           api.NewRouter(handler, cfg.APIToken),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	// Wait for a running dispatch cycle to finish
	wg.Wait()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}
