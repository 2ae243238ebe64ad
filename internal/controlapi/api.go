// Package controlapi implements the local REST façade that drives a Tollgate
// client from outside the host process (simulator, QA tooling).
package controlapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/rafaeljc/tollgate/internal/identity"
	"github.com/rafaeljc/tollgate/internal/paywall"
	"github.com/rafaeljc/tollgate/internal/pipeline"
	"github.com/rafaeljc/tollgate/internal/presentation"
	"github.com/rafaeljc/tollgate/internal/ruleengine"
)

// Simulator is the slice of sdk.Client the API drives.
type Simulator interface {
	Track(ctx context.Context, name string, params map[string]any, overrides *paywall.Overrides) (<-chan pipeline.PaywallState, error)
	GetPresentationResult(ctx context.Context, name string, params map[string]any) pipeline.PresentationResult
	PreloadPaywalls(ctx context.Context, names ...string) (int, error)
	Identify(ctx context.Context, userID string) error
	Reset(ctx context.Context) error
	SetUserAttributes(ctx context.Context, attrs map[string]any) error
	SetSubscriptionStatus(ctx context.Context, status identity.SubscriptionStatus) error
	SubscriptionStatus() identity.SubscriptionStatus
	UserID() string
	Campaign() *ruleengine.Campaign
	ActiveSession() *presentation.Session
	Dismiss() bool
	Refresh(ctx context.Context) error
	DidBecomeActive()
	WillResignActive()
}

// API holds the router and the simulator it drives.
type API struct {
	// Router is the Chi multiplexer that handles HTTP requests.
	Router *chi.Mux

	sim    Simulator
	logger *slog.Logger

	// apiKeyHash is the SHA-256 hex digest of the accepted X-API-Key.
	apiKeyHash string
	// skipAuth disables authentication (tests and local development only).
	skipAuth bool

	// outcomeTimeout bounds how long a track call waits for a paywall state.
	outcomeTimeout time.Duration
}

// NewAPI creates an API with authentication enabled.
// Panics if apiKeyHash is empty.
func NewAPI(logger *slog.Logger, sim Simulator, apiKeyHash string, outcomeTimeout time.Duration) *API {
	return NewAPIWithConfig(logger, sim, apiKeyHash, outcomeTimeout, false)
}

// NewAPIWithConfig creates an API with explicit control over authentication.
//
// Panics if:
//   - sim is nil
//   - apiKeyHash is empty when skipAuth is false
func NewAPIWithConfig(logger *slog.Logger, sim Simulator, apiKeyHash string, outcomeTimeout time.Duration, skipAuth bool) *API {
	if sim == nil {
		panic("controlapi: simulator cannot be nil")
	}
	if !skipAuth && apiKeyHash == "" {
		panic("controlapi: apiKeyHash cannot be empty when authentication is enabled")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if outcomeTimeout <= 0 {
		outcomeTimeout = 30 * time.Second
	}

	api := &API{
		Router:         chi.NewRouter(),
		sim:            sim,
		logger:         logger,
		apiKeyHash:     apiKeyHash,
		skipAuth:       skipAuth,
		outcomeTimeout: outcomeTimeout,
	}

	api.configureRoutes()
	return api
}

// configureRoutes registers the middleware stack and the endpoints.
func (a *API) configureRoutes() {
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.RealIP)
	a.Router.Use(a.RequestLogger)
	a.Router.Use(MetricsMiddleware)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(render.SetContentType(render.ContentTypeJSON))

	a.Router.Get("/health", a.handleHealthCheck)

	a.Router.Route("/api/v1", func(r chi.Router) {
		r.Use(a.authenticateAPIKey)

		r.Route("/placements/{name}", func(r chi.Router) {
			r.Post("/track", a.handleTrack)
			r.Post("/result", a.handlePresentationResult)
		})
		r.Post("/paywalls/preload", a.handlePreload)

		r.Route("/session", func(r chi.Router) {
			r.Get("/", a.handleGetSession)
			r.Post("/purchase", a.handlePurchase)
			r.Post("/restore", a.handleRestore)
			r.Post("/close", a.handleClose)
		})

		r.Route("/user", func(r chi.Router) {
			r.Get("/", a.handleGetUser)
			r.Put("/", a.handleIdentify)
			r.Delete("/", a.handleReset)
			r.Patch("/attributes", a.handleSetAttributes)
			r.Put("/subscription", a.handleSetSubscription)
		})

		r.Route("/campaign", func(r chi.Router) {
			r.Get("/", a.handleGetCampaign)
			r.Post("/refresh", a.handleRefresh)
		})

		r.Post("/lifecycle/{event}", a.handleLifecycle)
	})
}

// handleHealthCheck confirms the API is serving. Dependency checks live on
// the observability server.
func (a *API) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"status": "ok"})
}
