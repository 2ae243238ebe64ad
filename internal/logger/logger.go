// Package logger builds the structured loggers used across Tollgate.
// It wraps "log/slog" so every component formats (JSON or text) and filters
// levels the same way, and tags records with the subsystem that emitted them.
package logger

import (
	"io"
	"log/slog"
	"os"

	"github.com/rafaeljc/tollgate/internal/config"
)

// Scopes tag log records with the subsystem that produced them.
const (
	ScopePlacements          = "placements"
	ScopePaywallPresentation = "paywall_presentation"
	ScopeTransactions        = "transactions"
	ScopeCache               = "cache"
	ScopeConfig              = "config"
	ScopeIdentity            = "identity"
	ScopeAnalytics           = "analytics"
	ScopeStorage             = "storage"
)

// New creates a logger from the app config, writing to os.Stdout.
func New(cfg *config.AppConfig) *slog.Logger {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter creates a logger from the app config, writing to w.
func NewWithWriter(cfg *config.AppConfig, w io.Writer) *slog.Logger {
	if cfg == nil {
		panic("logger: config cannot be nil")
	}

	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
		// file:line is noisy and costly, keep it out of production
		AddSource: cfg.Environment != config.EnvironmentProduction,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler).With(
		slog.String("service", cfg.Name),
		slog.String("version", cfg.Version),
		slog.String("env", cfg.Environment),
	)
}

// Scoped returns a child of base tagged with the given scope.
// A nil base falls back to slog.Default().
func Scoped(base *slog.Logger, scope string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(slog.String("scope", scope))
}

// parseLevel converts a string to slog.Level. Defaults to INFO.
func parseLevel(s string) slog.Level {
	var level slog.Level
	// UnmarshalText is case insensitive (INFO, info, Info)
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
