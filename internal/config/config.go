// Package config provides centralized configuration management for Tollgate.
// It uses envconfig for environment variable loading and validator for validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

const (
	// EnvironmentProduction is the production environment identifier
	EnvironmentProduction = "production"

	// envPrefix is prepended to every variable (TOLLGATE_APP_NAME, ...).
	envPrefix = "TOLLGATE"
)

// Storage backends accepted by StorageConfig.Backend.
const (
	StorageMemory   = "memory"
	StorageRedis    = "redis"
	StoragePostgres = "postgres"
)

// Config holds the complete SDK and simulator configuration.
type Config struct {
	App           AppConfig           `envconfig:"APP"`
	Storage       StorageConfig       `envconfig:"STORAGE"`
	Redis         RedisConfig         `envconfig:"REDIS"`
	Database      DatabaseConfig      `envconfig:"DB"`
	Source        SourceConfig        `envconfig:"SOURCE"`
	Cache         CacheConfig         `envconfig:"CACHE"`
	Pipeline      PipelineConfig      `envconfig:"PIPELINE"`
	Assignment    AssignmentConfig    `envconfig:"ASSIGNMENT"`
	Analytics     AnalyticsConfig     `envconfig:"ANALYTICS"`
	Observability ObservabilityConfig `envconfig:"OBSERVABILITY"`
	Control       ControlConfig       `envconfig:"CONTROL"`
}

// AppConfig contains core application settings.
type AppConfig struct {
	Name            string        `envconfig:"NAME" default:"tollgate"`
	Version         string        `envconfig:"VERSION" default:"dev"`
	Environment     string        `envconfig:"ENV" default:"development" validate:"oneof=development staging production"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogFormat       string        `envconfig:"LOG_FORMAT" default:"text" validate:"oneof=json text"`
	APIKey          string        `envconfig:"API_KEY"`
	Locale          string        `envconfig:"LOCALE" default:"en_US"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// StorageConfig selects the persistence backend for assignments, occurrences,
// entitlement status and the cached campaign.
type StorageConfig struct {
	Backend   string `envconfig:"BACKEND" default:"memory" validate:"oneof=memory redis postgres"`
	KeyPrefix string `envconfig:"KEY_PREFIX" default:"tollgate" validate:"required"`
}

// Load reads configuration from environment variables with the TOLLGATE prefix.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate performs validation on the loaded configuration using go-playground/validator.
// Infrastructure sections (Redis, Database) are only checked when something uses them.
func (c *Config) Validate() error {
	validate := validator.New()

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}

	if c.NeedsRedis() {
		if err := c.Redis.Validate(c.App.Environment); err != nil {
			return err
		}
	}

	if c.Storage.Backend == StoragePostgres {
		if err := c.Database.Validate(c.App.Environment); err != nil {
			return err
		}
	}

	if err := c.Source.Validate(); err != nil {
		return err
	}

	if err := c.Observability.Validate(); err != nil {
		return err
	}

	if err := c.Control.Validate(c.App.Environment); err != nil {
		return err
	}

	return nil
}

// NeedsRedis reports whether any component was configured against Redis.
func (c *Config) NeedsRedis() bool {
	return c.Storage.Backend == StorageRedis ||
		c.Source.Kind == SourceRedis ||
		c.Analytics.StreamKey != "" ||
		c.Assignment.ConfirmQueueKey != ""
}

// LogConfig logs the current configuration (without sensitive data).
func (c *Config) LogConfig(log *slog.Logger) {
	log.Info("configuration loaded",
		slog.String("app_name", c.App.Name),
		slog.String("version", c.App.Version),
		slog.String("environment", c.App.Environment),
		slog.String("log_level", c.App.LogLevel),
		slog.String("log_format", c.App.LogFormat),
		slog.String("locale", c.App.Locale),
		slog.String("storage_backend", c.Storage.Backend),
		slog.String("source_kind", c.Source.Kind),
		slog.Duration("refresh_interval", c.Source.RefreshInterval),
		slog.Int("cache_capacity", c.Cache.Capacity),
		slog.String("draw_strategy", c.Assignment.DrawStrategy),
		slog.Bool("allow_overlap", c.Pipeline.AllowOverlap),
		slog.Bool("control_enabled", c.Control.Enabled),
		slog.Bool("db_configured", c.Database.IsConfigured()),
		slog.Bool("redis_configured", c.Redis.IsConfigured()),
	)
}

// Shared validation helper functions

// validatePort checks if port is valid (1-65535)
func validatePort(port, context string) error {
	if port == "" {
		return fmt.Errorf("%s port cannot be empty", context)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("%s port must be a number: %w", context, err)
	}
	if portNum < 1 || portNum > 65535 {
		return fmt.Errorf("%s port must be between 1 and 65535, got %d", context, portNum)
	}
	return nil
}

// validateHost checks if host is not empty and contains no whitespace
func validateHost(host, context string) error {
	if host == "" {
		return fmt.Errorf("%s host cannot be empty", context)
	}
	if strings.TrimSpace(host) != host {
		return fmt.Errorf("%s host cannot contain whitespace", context)
	}
	return nil
}

// validateNoWhitespace checks if a value is not empty and contains no whitespace
func validateNoWhitespace(value, fieldName string) error {
	if value == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}
	if strings.TrimSpace(value) != value {
		return fmt.Errorf("%s cannot contain whitespace", fieldName)
	}
	return nil
}

// validatePasswordStrength checks password meets minimum requirements
func validatePasswordStrength(password, context, environment string) error {
	if environment == EnvironmentProduction && len(password) < 12 {
		return fmt.Errorf("%s password must be at least 12 characters in production", context)
	}
	return nil
}

// isSecureSSLMode checks if SSL mode is production-safe
func isSecureSSLMode(mode string) bool {
	return mode == "require" || mode == "verify-ca" || mode == "verify-full"
}

// parseAndValidateURL is a helper for parsing URLs with scheme validation
func parseAndValidateURL(rawURL string, allowedSchemes []string) (*url.URL, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	if !slices.Contains(allowedSchemes, parsed.Scheme) {
		return nil, fmt.Errorf("invalid scheme '%s', must be one of: %v", parsed.Scheme, allowedSchemes)
	}

	if parsed.Host == "" {
		return nil, fmt.Errorf("host is required in URL")
	}

	return parsed, nil
}
