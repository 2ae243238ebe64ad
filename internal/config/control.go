package config

import (
	"encoding/hex"
	"fmt"
	"time"
)

// ControlConfig configures the local REST façade used to drive the SDK
// (simulator, QA tooling).
type ControlConfig struct {
	Enabled           bool          `envconfig:"ENABLED" default:"true"`
	Port              string        `envconfig:"PORT" default:"8080"`
	Host              string        `envconfig:"HOST" default:"127.0.0.1"`
	ReadTimeout       time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"35s"`
	ReadHeaderTimeout time.Duration `envconfig:"READ_HEADER_TIMEOUT" default:"5s"`
	IdleTimeout       time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`

	// OutcomeTimeout bounds how long a track call waits for a terminal state.
	OutcomeTimeout time.Duration `envconfig:"OUTCOME_TIMEOUT" default:"30s" validate:"gt=0"`

	// APIKeyHash is the SHA-256 hex digest of the accepted X-API-Key.
	APIKeyHash string `envconfig:"API_KEY_HASH"`
}

// Validate performs validation on the ControlConfig.
func (c *ControlConfig) Validate(environment string) error {
	if !c.Enabled {
		return nil
	}

	if err := validatePort(c.Port, "control"); err != nil {
		return err
	}
	if err := validateHost(c.Host, "control"); err != nil {
		return err
	}

	if environment == EnvironmentProduction && c.APIKeyHash == "" {
		return fmt.Errorf("API key hash is required in production environment")
	}
	if c.APIKeyHash != "" {
		if err := validateSHA256Hash(c.APIKeyHash); err != nil {
			return fmt.Errorf("invalid API key hash: %w", err)
		}
	}

	return nil
}

// validateSHA256Hash checks if the hash is a valid SHA-256 hex string (64 hex characters)
func validateSHA256Hash(hash string) error {
	if len(hash) != 64 {
		return fmt.Errorf("SHA-256 hash must be 64 characters, got %d", len(hash))
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return fmt.Errorf("hash must be valid hexadecimal: %w", err)
	}
	return nil
}
