package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"MailSpool/internal/config"
	"MailSpool/internal/db"
	"MailSpool/internal/logging"
	"MailSpool/internal/seed"
)

// seed applies the schema migrations and inserts the accounts listed in
// SEED_FILE (or -file) whose alias is not present yet.
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	file := flag.String("file", cfg.SeedFile, "accounts file (.yaml, .yml or .csv)")
	skipMigrate := flag.Bool("skip-migrate", false, "do not run schema migrations first")
	flag.Parse()

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// An in-memory store dies with this process; server and dispatch seed
	// their own from SEED_FILE instead.
	if cfg.DatabaseURL == db.MemoryURL {
		logger.Fatal("cannot seed an in-memory store, set DATABASE_URL to a PostgreSQL database")
	}

	// ------------------------------------------------
	// Migrations
	// ------------------------------------------------
	if !*skipMigrate {
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
		logger.Info("migrations applied")
	}

	// ------------------------------------------------
	// Accounts
	// ------------------------------------------------
	accounts, err := seed.Load(*file)
	if err != nil {
		logger.Fatal("failed to load seed file", zap.String("file", *file), zap.Error(err))
	}

	store, err := db.Open(ctx, cfg.DatabaseURL, cfg.DBConnectTimeout)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	created, err := seed.Apply(ctx, store, accounts, logger)
	if err != nil {
		logger.Fatal("seeding failed", zap.Error(err))
	}

	logger.Info("seeding complete",
		zap.Int("accounts", len(accounts)),
		zap.Int("created", created),
	)
}
