package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// identifierRegex matches a plain lowercase SQL identifier. The storage table
// name is interpolated into queries, so nothing else is accepted.
var identifierRegex = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// maxIdentifierLen is the PostgreSQL limit for database names.
const maxIdentifierLen = 63

// DatabaseConfig locates the key/value table used by the postgres storage
// backend. Either URL or the Host/Port/Name/User components are set.
type DatabaseConfig struct {
	URL      string `envconfig:"URL"`
	Host     string `envconfig:"HOST"`
	Port     string `envconfig:"PORT"`
	Name     string `envconfig:"NAME"`
	User     string `envconfig:"USER"`
	Password string `envconfig:"PASSWORD"`

	SSLMode string `envconfig:"SSL_MODE" default:"prefer" validate:"oneof=disable allow prefer require verify-ca verify-full"`

	Table string `envconfig:"TABLE" default:"kv_entries" validate:"required"`

	MaxConns        int           `envconfig:"MAX_CONNS" default:"5" validate:"min=1"`
	MinConns        int           `envconfig:"MIN_CONNS" default:"1" validate:"min=0"`
	MaxConnLifetime time.Duration `envconfig:"MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `envconfig:"MAX_CONN_IDLE_TIME" default:"30m"`
	ConnectTimeout  time.Duration `envconfig:"CONNECT_TIMEOUT" default:"5s"`
}

// ConnectionString returns URL verbatim when set, otherwise a postgres URL
// assembled from the components with the credentials escaped.
func (c *DatabaseConfig) ConnectionString() string {
	if c.URL != "" {
		return c.URL
	}

	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(c.Host, c.Port),
		Path:     "/" + c.Name,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	if c.Password != "" {
		u.User = url.UserPassword(c.User, c.Password)
	} else {
		u.User = url.User(c.User)
	}
	return u.String()
}

// Validate checks the settings needed by the postgres backend. Production
// requires a strong password and an encrypted connection.
func (c *DatabaseConfig) Validate(environment string) error {
	var err error
	if c.URL != "" {
		err = c.validateURL(environment)
	} else {
		err = c.validateComponents(environment)
	}
	if err != nil {
		return err
	}

	if !identifierRegex.MatchString(c.Table) {
		return fmt.Errorf("database table %q is not a valid identifier", c.Table)
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("database min conns (%d) exceed max conns (%d)", c.MinConns, c.MaxConns)
	}
	return nil
}

func (c *DatabaseConfig) validateComponents(environment string) error {
	if err := validateHost(c.Host, "database"); err != nil {
		return err
	}
	if err := validatePort(c.Port, "database"); err != nil {
		return err
	}
	if err := validateNoWhitespace(c.Name, "database name"); err != nil {
		return err
	}
	if len(c.Name) > maxIdentifierLen {
		return fmt.Errorf("database name cannot exceed %d characters", maxIdentifierLen)
	}
	if err := validateNoWhitespace(c.User, "database user"); err != nil {
		return err
	}

	if environment != EnvironmentProduction {
		return nil
	}
	if c.Password == "" {
		return errors.New("database password is required in production")
	}
	if err := validatePasswordStrength(c.Password, "database", environment); err != nil {
		return err
	}
	if !isSecureSSLMode(c.SSLMode) {
		return fmt.Errorf("database ssl mode %q is not allowed in production", c.SSLMode)
	}
	return nil
}

func (c *DatabaseConfig) validateURL(environment string) error {
	parsed, err := parseAndValidateURL(c.URL, []string{"postgres", "postgresql"})
	if err != nil {
		return fmt.Errorf("invalid database URL: %w", err)
	}
	if parsed.User == nil || parsed.User.Username() == "" {
		return errors.New("invalid database URL: user is required")
	}
	if strings.TrimPrefix(parsed.Path, "/") == "" {
		return errors.New("invalid database URL: database name is required")
	}

	if environment == EnvironmentProduction {
		if mode := parsed.Query().Get("sslmode"); !isSecureSSLMode(mode) {
			return fmt.Errorf("database URL sslmode %q is not allowed in production", mode)
		}
	}
	return nil
}

// IsConfigured reports whether enough is set to attempt a connection.
func (c *DatabaseConfig) IsConfigured() bool {
	return c.URL != "" || (c.Host != "" && c.Port != "" && c.Name != "" && c.User != "")
}
