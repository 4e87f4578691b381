package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Port         string `validate:"required,numeric"`
	StoreBackend string `validate:"oneof=postgres memory"`
	DatabaseURL  string `validate:"required_if=StoreBackend postgres"`
	RedisURL     string `validate:"required"`
	LogLevel     string `validate:"oneof=debug info warn error"`

	NumWorkers int `validate:"min=1"`
	QueueSize  int `validate:"min=1"`

	SchedulerInterval    time.Duration `validate:"min=1s"`
	SchedulerBatchSize   int           `validate:"min=1"`
	SchedulerConcurrency int           `validate:"min=1"`
	ClaimLease           time.Duration `validate:"min=1s"`

	RetryJitterFraction float64 `validate:"min=0,max=0.5"`
	BreakerThreshold    int     `validate:"min=1"`
	BreakerCooldown     time.Duration
	RateLimitWindow     time.Duration `validate:"min=1ms"`

	PublishRatePerSecond float64 `validate:"min=0"`
	PublishBurst         int     `validate:"min=1"`

	SideEffectWorkers  int `validate:"min=1"`
	SideEffectAttempts int `validate:"min=1"`

	OTLPEndpoint string

	ArchiveBucket          string
	ArchivePrefix          string
	ArchiveRegion          string
	ArchiveEndpoint        string
	ArchiveAccessKeyID     string
	ArchiveSecretAccessKey string
	ArchiveInterval        time.Duration
	ArchiveRetention       time.Duration
	ArchiveBatchSize       int `validate:"min=1"`
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first when present; real environment
// variables take precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", "postgres")),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		RedisURL:     getEnv("REDIS_URL", ""),
		LogLevel:     strings.ToLower(getEnv("LOG_LEVEL", "info")),

		NumWorkers: getEnvInt("NUM_WORKERS", 50),
		QueueSize:  getEnvInt("QUEUE_SIZE", 10000),

		SchedulerInterval:    getEnvDuration("SCHEDULER_INTERVAL", time.Minute),
		SchedulerBatchSize:   getEnvInt("SCHEDULER_BATCH_SIZE", 100),
		SchedulerConcurrency: getEnvInt("SCHEDULER_CONCURRENCY", 10),
		ClaimLease:           getEnvDuration("CLAIM_LEASE", 5*time.Minute),

		RetryJitterFraction: getEnvFloat("RETRY_JITTER_FRACTION", 0),
		BreakerThreshold:    getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerCooldown:     getEnvDuration("BREAKER_COOLDOWN", 30*time.Second),
		RateLimitWindow:     getEnvDuration("RATE_LIMIT_WINDOW", time.Second),

		PublishRatePerSecond: getEnvFloat("PUBLISH_RATE_PER_SECOND", 100),
		PublishBurst:         getEnvInt("PUBLISH_BURST", 200),

		SideEffectWorkers:  getEnvInt("SIDE_EFFECT_WORKERS", 4),
		SideEffectAttempts: getEnvInt("SIDE_EFFECT_ATTEMPTS", 3),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		ArchiveBucket:          getEnv("ARCHIVE_BUCKET", ""),
		ArchivePrefix:          getEnv("ARCHIVE_PREFIX", "deliveries"),
		ArchiveRegion:          getEnv("ARCHIVE_REGION", "us-east-1"),
		ArchiveEndpoint:        getEnv("ARCHIVE_ENDPOINT", ""),
		ArchiveAccessKeyID:     getEnv("ARCHIVE_ACCESS_KEY_ID", ""),
		ArchiveSecretAccessKey: getEnv("ARCHIVE_SECRET_ACCESS_KEY", ""),
		ArchiveInterval:        getEnvDuration("ARCHIVE_INTERVAL", time.Hour),
		ArchiveRetention:       getEnvDuration("ARCHIVE_RETENTION", 30*24*time.Hour),
		ArchiveBatchSize:       getEnvInt("ARCHIVE_BATCH_SIZE", 1000),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// SlogLevel maps LOG_LEVEL to a slog level.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err == nil {
			return f
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("90s") or whole seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if n, err := strconv.Atoi(val); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
