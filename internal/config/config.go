// Package config loads kbus server settings from the environment, optionally
// seeded from a TOML file named by KBUS_CONFIG. Environment variables win
// over file values.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	DatabaseURL string // KBUS_DATABASE_URL (required unless running in memory)
	GRPCAddr    string // KBUS_GRPC_ADDR (default ":9090")
	HTTPAddr    string // KBUS_HTTP_ADDR (default ":8080")
	NATSURL     string // KBUS_NATS_URL (optional, empty = no ingest or notifications)
	AuthToken   string // KBUS_AUTH_TOKEN (optional, empty = auth disabled)

	// Delivery settings
	DeliveryTimeout time.Duration // KBUS_DELIVERY_TIMEOUT (default 10s)
	Workers         int           // KBUS_WORKERS (default 16)
	QueueSize       int           // KBUS_QUEUE_SIZE (default 1024)

	// Retry sweep settings
	RetryInterval time.Duration // KBUS_RETRY_INTERVAL (default 5s)
	RetryBatch    int           // KBUS_RETRY_BATCH (default 100)
	RetryLease    time.Duration // KBUS_RETRY_LEASE (default 1m)
	StalePending  time.Duration // KBUS_STALE_PENDING (default 5m)

	// Archive settings
	ArchiveS3Bucket   string // KBUS_ARCHIVE_S3_BUCKET (enables the archive when set)
	ArchiveS3Prefix   string // KBUS_ARCHIVE_S3_PREFIX (default "kbus/deliveries")
	ArchiveS3Region   string // KBUS_ARCHIVE_S3_REGION (default "us-east-1")
	ArchiveS3Endpoint string // KBUS_ARCHIVE_S3_ENDPOINT (custom endpoint for MinIO)
	ArchiveSchedule   string // KBUS_ARCHIVE_SCHEDULE (default "*/15 * * * *")
}

// fileConfig mirrors Config in the TOML file. Durations are Go duration
// strings.
type fileConfig struct {
	DatabaseURL     string `toml:"database_url"`
	GRPCAddr        string `toml:"grpc_addr"`
	HTTPAddr        string `toml:"http_addr"`
	NATSURL         string `toml:"nats_url"`
	AuthToken       string `toml:"auth_token"`
	DeliveryTimeout string `toml:"delivery_timeout"`
	Workers         int    `toml:"workers"`
	QueueSize       int    `toml:"queue_size"`

	Retry struct {
		Interval     string `toml:"interval"`
		Batch        int    `toml:"batch"`
		Lease        string `toml:"lease"`
		StalePending string `toml:"stale_pending"`
	} `toml:"retry"`

	Archive struct {
		S3Bucket   string `toml:"s3_bucket"`
		S3Prefix   string `toml:"s3_prefix"`
		S3Region   string `toml:"s3_region"`
		S3Endpoint string `toml:"s3_endpoint"`
		Schedule   string `toml:"schedule"`
	} `toml:"archive"`
}

// ErrDatabaseURLRequired is returned by Validate when no database is set.
var ErrDatabaseURLRequired = errors.New("KBUS_DATABASE_URL is required")

func Load() (*Config, error) {
	var fc fileConfig
	if path := os.Getenv("KBUS_CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return nil, fmt.Errorf("KBUS_CONFIG %s: %w", path, err)
		}
	}

	c := &Config{
		DatabaseURL:       envOrDefault("KBUS_DATABASE_URL", fc.DatabaseURL),
		GRPCAddr:          envOrDefault("KBUS_GRPC_ADDR", orDefault(fc.GRPCAddr, ":9090")),
		HTTPAddr:          envOrDefault("KBUS_HTTP_ADDR", orDefault(fc.HTTPAddr, ":8080")),
		NATSURL:           envOrDefault("KBUS_NATS_URL", fc.NATSURL),
		AuthToken:         envOrDefault("KBUS_AUTH_TOKEN", fc.AuthToken),
		ArchiveS3Bucket:   envOrDefault("KBUS_ARCHIVE_S3_BUCKET", fc.Archive.S3Bucket),
		ArchiveS3Prefix:   envOrDefault("KBUS_ARCHIVE_S3_PREFIX", orDefault(fc.Archive.S3Prefix, "kbus/deliveries")),
		ArchiveS3Region:   envOrDefault("KBUS_ARCHIVE_S3_REGION", orDefault(fc.Archive.S3Region, "us-east-1")),
		ArchiveS3Endpoint: envOrDefault("KBUS_ARCHIVE_S3_ENDPOINT", fc.Archive.S3Endpoint),
		ArchiveSchedule:   envOrDefault("KBUS_ARCHIVE_SCHEDULE", orDefault(fc.Archive.Schedule, "*/15 * * * *")),
	}

	var err error
	durations := []struct {
		key      string
		file     string
		fallback string
		dst      *time.Duration
	}{
		{"KBUS_DELIVERY_TIMEOUT", fc.DeliveryTimeout, "10s", &c.DeliveryTimeout},
		{"KBUS_RETRY_INTERVAL", fc.Retry.Interval, "5s", &c.RetryInterval},
		{"KBUS_RETRY_LEASE", fc.Retry.Lease, "1m", &c.RetryLease},
		{"KBUS_STALE_PENDING", fc.Retry.StalePending, "5m", &c.StalePending},
	}
	for _, d := range durations {
		raw := envOrDefault(d.key, orDefault(d.file, d.fallback))
		if *d.dst, err = time.ParseDuration(raw); err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
		if *d.dst <= 0 {
			return nil, fmt.Errorf("%s: must be positive, got %s", d.key, raw)
		}
	}

	ints := []struct {
		key      string
		file     int
		fallback int
		dst      *int
	}{
		{"KBUS_WORKERS", fc.Workers, 16, &c.Workers},
		{"KBUS_QUEUE_SIZE", fc.QueueSize, 1024, &c.QueueSize},
		{"KBUS_RETRY_BATCH", fc.Retry.Batch, 100, &c.RetryBatch},
	}
	for _, n := range ints {
		v := n.file
		if v == 0 {
			v = n.fallback
		}
		if raw := os.Getenv(n.key); raw != "" {
			if v, err = strconv.Atoi(raw); err != nil {
				return nil, fmt.Errorf("%s: %w", n.key, err)
			}
		}
		if v <= 0 {
			return nil, fmt.Errorf("%s: must be positive, got %d", n.key, v)
		}
		*n.dst = v
	}

	return c, nil
}

// Validate checks settings that depend on how the server runs. A memory
// store needs no database URL.
func (c *Config) Validate(memory bool) error {
	if !memory && c.DatabaseURL == "" {
		return ErrDatabaseURLRequired
	}
	return nil
}

// ArchiveEnabled reports whether terminal records are exported to S3.
func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveS3Bucket != ""
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
