package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Campaign source kinds accepted by SourceConfig.Kind.
const (
	SourceFile  = "file"
	SourceRedis = "redis"
)

// SourceConfig configures where the campaign (triggers, rules, paywalls) comes from
// and how often it is refetched.
type SourceConfig struct {
	Kind            string        `envconfig:"KIND" default:"file" validate:"oneof=file redis"`
	Path            string        `envconfig:"PATH"`
	RedisKey        string        `envconfig:"REDIS_KEY" default:"tollgate:campaign"`
	RefreshInterval time.Duration `envconfig:"REFRESH_INTERVAL" default:"60s"`
	FetchTimeout    time.Duration `envconfig:"FETCH_TIMEOUT" default:"10s" validate:"gt=0"`
}

// Validate checks the source-specific requirements.
func (c *SourceConfig) Validate() error {
	switch c.Kind {
	case SourceFile:
		if c.Path == "" {
			return fmt.Errorf("source path is required for the file source")
		}
		switch strings.ToLower(filepath.Ext(c.Path)) {
		case ".json", ".yaml", ".yml":
		default:
			return fmt.Errorf("source path must be a .json, .yaml or .yml file, got %q", c.Path)
		}
	case SourceRedis:
		if err := validateNoWhitespace(c.RedisKey, "source redis key"); err != nil {
			return err
		}
	}

	if c.RefreshInterval != 0 && c.RefreshInterval < time.Second {
		return fmt.Errorf("source refresh interval must be at least 1s or 0 to disable, got %s", c.RefreshInterval)
	}

	return nil
}
