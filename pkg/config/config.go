// Package config loads server configuration. Environment variables win over
// an optional YAML file so containerized deployments can override everything.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full server configuration.
type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	Database  DatabaseConfig  `yaml:"database"`
	Payload   PayloadConfig   `yaml:"payload"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Redis     RedisConfig     `yaml:"redis"`
	API       APIConfig       `yaml:"api"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// DatabaseConfig selects the SQL backend.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// PayloadConfig selects the payload store backend.
type PayloadConfig struct {
	// Backend is "sql" (default) or "s3".
	Backend    string `yaml:"backend"`
	S3Bucket   string `yaml:"s3_bucket"`
	S3Region   string `yaml:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Prefix   string `yaml:"s3_prefix"`
}

// ExecutorConfig configures the external broadcast boundary.
type ExecutorConfig struct {
	// Command is the shell command invoked per broadcast submission.
	Command string `yaml:"command"`
	// CheckCommand is the shell command invoked per status poll.
	CheckCommand    string        `yaml:"check_command"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxPollAttempts int           `yaml:"max_poll_attempts"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
}

// RedisConfig configures the bus subscriber.
type RedisConfig struct {
	Addr  string `yaml:"addr"`
	Queue string `yaml:"queue"`
}

// APIConfig tunes the gateway middleware.
type APIConfig struct {
	RateLimitRPS   int           `yaml:"rate_limit_rps"`
	RateLimitBurst int           `yaml:"rate_limit_burst"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

// TelemetryConfig enables the OpenTelemetry provider.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Load builds the configuration: defaults, then the YAML file named by
// CONFIG_FILE (if any), then environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     "8080",
		LogLevel: "INFO",
		Database: DatabaseConfig{Driver: "sqlite", DSN: "mock-gmp-api.db"},
		Payload:  PayloadConfig{Backend: "sql"},
		Executor: ExecutorConfig{
			PollInterval:    2 * time.Second,
			MaxPollAttempts: 10,
			CallTimeout:     30 * time.Second,
		},
		Redis:     RedisConfig{Addr: "localhost:6379"},
		Telemetry: TelemetryConfig{ServiceName: "mock-gmp-api"},
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.Database.Driver, "DB_DRIVER")
	setString(&cfg.Database.DSN, "DB_DSN")
	setString(&cfg.Payload.Backend, "PAYLOAD_BACKEND")
	setString(&cfg.Payload.S3Bucket, "PAYLOAD_S3_BUCKET")
	setString(&cfg.Payload.S3Region, "PAYLOAD_S3_REGION")
	setString(&cfg.Payload.S3Endpoint, "PAYLOAD_S3_ENDPOINT")
	setString(&cfg.Payload.S3Prefix, "PAYLOAD_S3_PREFIX")
	setString(&cfg.Executor.Command, "EXECUTOR_COMMAND")
	setString(&cfg.Executor.CheckCommand, "CHECKER_COMMAND")
	setDuration(&cfg.Executor.PollInterval, "POLL_INTERVAL")
	setInt(&cfg.Executor.MaxPollAttempts, "MAX_POLL_ATTEMPTS")
	setDuration(&cfg.Executor.CallTimeout, "EXECUTOR_TIMEOUT")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Queue, "REDIS_QUEUE")
	setInt(&cfg.API.RateLimitRPS, "RATE_LIMIT_RPS")
	setInt(&cfg.API.RateLimitBurst, "RATE_LIMIT_BURST")
	setDuration(&cfg.API.IdempotencyTTL, "IDEMPOTENCY_TTL")
	setBool(&cfg.Telemetry.Enabled, "OTEL_ENABLED")
	setString(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.Telemetry.ServiceName, "OTEL_SERVICE_NAME")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
