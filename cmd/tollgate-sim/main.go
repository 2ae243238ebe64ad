// Command tollgate-sim runs a headless Tollgate client and exposes it through
// the control API, so placements can be tracked and paywalls driven over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rafaeljc/tollgate/internal/config"
	"github.com/rafaeljc/tollgate/internal/controlapi"
	"github.com/rafaeljc/tollgate/internal/logger"
	"github.com/rafaeljc/tollgate/internal/observability"
	"github.com/rafaeljc/tollgate/internal/sdk"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tollgate-sim: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.New(&cfg.App)
	slog.SetDefault(log)
	cfg.LogConfig(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backends, err := sdk.OpenBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer backends.Close()

	store := newSandboxStore(log)
	client, err := sdk.New(log, cfg, sdk.Deps{
		Store:     backends.Store,
		Redis:     backends.Redis,
		Presenter: headlessPresenter{logger: log},
		Purchaser: store,
		Products:  store,
		Device:    map[string]any{"platform": "simulator", "app_version": cfg.App.Version},
	})
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("failed to start client: %w", err)
	}

	checkers := append(backends.Checkers, client.Checker())
	obs := observability.NewServer(log, &cfg.Observability, checkers...)
	if cfg.Observability.Enabled {
		obs.Start()
	}

	var control *http.Server
	if cfg.Control.Enabled {
		control = newControlServer(log, cfg, client)
		go func() {
			log.Info("starting control API", slog.String("addr", control.Addr))
			if err := control.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("control API failed", slog.String("error", err.Error()))
				stop()
			}
		}()
	}

	client.DidBecomeActive()

	runErr := client.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("client stopped with error", slog.Any("error", runErr))
	}

	log.Info("shutting down", slog.Duration("timeout", cfg.App.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	client.WillResignActive()
	if control != nil {
		if err := control.Shutdown(shutdownCtx); err != nil {
			log.Warn("control API shutdown failed", slog.Any("error", err))
		}
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		log.Warn("observability server shutdown failed", slog.Any("error", err))
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func newControlServer(log *slog.Logger, cfg *config.Config, client *sdk.Client) *http.Server {
	skipAuth := cfg.Control.APIKeyHash == ""
	if skipAuth {
		log.Warn("control API authentication disabled, no API key hash configured")
	}
	api := controlapi.NewAPIWithConfig(log, client, cfg.Control.APIKeyHash, cfg.Control.OutcomeTimeout, skipAuth)

	return &http.Server{
		Addr:              net.JoinHostPort(cfg.Control.Host, cfg.Control.Port),
		Handler:           api.Router,
		ReadTimeout:       cfg.Control.ReadTimeout,
		ReadHeaderTimeout: cfg.Control.ReadHeaderTimeout,
		WriteTimeout:      cfg.Control.WriteTimeout,
		IdleTimeout:       cfg.Control.IdleTimeout,
	}
}
