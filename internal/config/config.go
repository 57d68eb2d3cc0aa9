package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	DriverPool  = "pool"
	DriverAsynq = "asynq"
)

// Config struct for environment variables.
type Config struct {
	TargetDir         string        `envconfig:"TARGET_DIR" required:"true"`
	DBPath            string        `envconfig:"DB_PATH" default:"downloads.db"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	MaxParallel       int           `envconfig:"MAX_PARALLEL" default:"3"`
	RetryCooldown     time.Duration `envconfig:"RETRY_COOLDOWN" default:"5s"`
	RetryExponent     float64       `envconfig:"RETRY_EXPONENT" default:"2"`
	JobDriver         string        `envconfig:"JOB_DRIVER" default:"pool"`
	RedisAddr         string        `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	SweepInterval     time.Duration `envconfig:"SWEEP_INTERVAL" default:"1h"`
	PurgeUnavailable  bool          `envconfig:"PURGE_UNAVAILABLE" default:"false"`
	StagingMaxAge     time.Duration `envconfig:"STAGING_MAX_AGE" default:"1h"`

	// Subsonic seeds the active server on startup when BaseURL is set.
	Subsonic struct {
		Name             string `default:"default"`
		BaseURL          string `split_words:"true"`
		Username         string
		Password         string
		ClientName       string `split_words:"true" default:"subsonic_offline"`
		DownloadOriginal bool   `split_words:"true" default:"false"`
		Insecure         bool   `default:"false"`
	}

	// API enables basic auth on the REST API when Username is set.
	API struct {
		Username string
		Password string
	}

	Telemetry struct {
		Enabled        bool   `default:"true"`
		ServiceName    string `split_words:"true" default:"subsonic_offline"`
		ServiceVersion string `split_words:"true" default:"dev"`
		OTLPEndpoint   string `envconfig:"OTLP_ENDPOINT"`
		OTLPInsecure   bool   `envconfig:"OTLP_INSECURE" default:"false"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the values envconfig cannot express as tags.
func (c *Config) Validate() error {
	if c.TargetDir == "" {
		return fmt.Errorf("TARGET_DIR must not be empty")
	}

	switch c.JobDriver {
	case DriverPool, DriverAsynq:
	default:
		return fmt.Errorf("invalid job driver: %s", c.JobDriver)
	}

	if c.MaxParallel < 1 {
		return fmt.Errorf("MAX_PARALLEL must be at least 1, got %d", c.MaxParallel)
	}

	if c.RetryExponent < 1 {
		return fmt.Errorf("RETRY_EXPONENT must be at least 1, got %v", c.RetryExponent)
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
