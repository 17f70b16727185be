package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	BackendFS = "fs"
	BackendS3 = "s3"
)

type Config struct {
	// ----------------------------
	// Database
	// ----------------------------
	DatabaseURL      string        `envconfig:"DATABASE_URL" required:"true"`
	DBConnectTimeout time.Duration `envconfig:"DB_CONNECT_TIMEOUT" default:"30s"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort         string `envconfig:"API_PORT" default:"8080"`
	APIToken        string `envconfig:"API_TOKEN" default:""`
	MaxRequestBytes int64  `envconfig:"MAX_REQUEST_BYTES" default:"33554432"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Logging
	// ----------------------------
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// ----------------------------
	// Dispatch
	// ----------------------------
	WorkerCount      int           `envconfig:"WORKER_COUNT" default:"1"`
	BatchSize        int           `envconfig:"DISPATCH_BATCH_SIZE" default:"500"`
	SendTimeout      time.Duration `envconfig:"SEND_TIMEOUT" default:"30s"`
	ClaimLease       time.Duration `envconfig:"CLAIM_LEASE" default:"5m"`
	DispatchSchedule string        `envconfig:"DISPATCH_SCHEDULE" default:""`

	// ----------------------------
	// Attachments
	// ----------------------------
	AttachmentBackend string `envconfig:"ATTACHMENT_BACKEND" default:"fs"`
	AttachmentDir     string `envconfig:"ATTACHMENT_DIR" default:"storage/attachments"`
	S3Endpoint        string `envconfig:"S3_ENDPOINT" default:""`
	S3Region          string `envconfig:"S3_REGION" default:"us-east-1"`
	S3Bucket          string `envconfig:"S3_BUCKET" default:""`
	S3AccessKey       string `envconfig:"S3_ACCESS_KEY" default:""`
	S3SecretKey       string `envconfig:"S3_SECRET_KEY" default:""`

	// ----------------------------
	// Seeding
	// ----------------------------
	SeedFile string `envconfig:"SEED_FILE" default:"accounts.yaml"`
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.AttachmentBackend {
	case BackendFS:
		if c.AttachmentDir == "" {
			return errors.New("ATTACHMENT_DIR is required for the fs attachment backend")
		}
	case BackendS3:
		if c.S3Bucket == "" {
			return errors.New("S3_BUCKET is required for the s3 attachment backend")
		}
	default:
		return fmt.Errorf("ATTACHMENT_BACKEND must be %q or %q, got %q", BackendFS, BackendS3, c.AttachmentBackend)
	}

	if c.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1, got %d", c.WorkerCount)
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("DISPATCH_BATCH_SIZE must not be negative, got %d", c.BatchSize)
	}
	if c.MaxRequestBytes <= 0 {
		return fmt.Errorf("MAX_REQUEST_BYTES must be positive, got %d", c.MaxRequestBytes)
	}
	return nil
}
