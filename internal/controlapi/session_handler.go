package controlapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/render"

	"github.com/rafaeljc/tollgate/internal/logger"
	"github.com/rafaeljc/tollgate/internal/presentation"
)

// activeSession writes a 404 and returns nil when no paywall is on screen.
func (a *API) activeSession(w http.ResponseWriter, r *http.Request) *presentation.Session {
	s := a.sim.ActiveSession()
	if s == nil {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, ErrorResponse{Code: "ERR_NO_SESSION", Message: "No paywall is being presented"})
	}
	return s
}

// handleGetSession processes GET /api/v1/session.
func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s := a.activeSession(w, r)
	if s == nil {
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, SessionResponse{ID: s.ID(), PaywallID: s.Paywall().Identifier, State: s.State()})
}

// handlePurchase processes POST /api/v1/session/purchase.
// Storefront failures are reported in the body with a 200; only misuse of
// the session is an HTTP error.
func (a *API) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.ProductID = strings.TrimSpace(req.ProductID)
	if req.ProductID == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "product_id is required"})
		return
	}

	s := a.activeSession(w, r)
	if s == nil {
		return
	}

	status, err := s.Purchase(r.Context(), req.ProductID)
	if writeSessionError(w, r, err) {
		return
	}

	resp := PurchaseResponse{Status: status}
	if err != nil {
		resp.Error = err.Error()
	}
	logger.FromContext(r.Context()).Info("purchase attempted",
		slog.String("product_id", req.ProductID),
		slog.String("status", string(status)),
	)
	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// handleRestore processes POST /api/v1/session/restore.
func (a *API) handleRestore(w http.ResponseWriter, r *http.Request) {
	s := a.activeSession(w, r)
	if s == nil {
		return
	}

	restored, err := s.Restore(r.Context())
	if writeSessionError(w, r, err) {
		return
	}

	resp := map[string]any{"restored": restored}
	if err != nil {
		resp["error"] = err.Error()
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// handleClose processes POST /api/v1/session/close.
func (a *API) handleClose(w http.ResponseWriter, r *http.Request) {
	if !a.sim.Dismiss() {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, ErrorResponse{Code: "ERR_NO_SESSION", Message: "No paywall is being presented"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeSessionError maps session state errors to HTTP responses. It returns
// false for nil and for storefront errors, which the caller reports in the body.
func writeSessionError(w http.ResponseWriter, r *http.Request, err error) bool {
	switch {
	case errors.Is(err, presentation.ErrSessionFinished):
		render.Status(r, http.StatusConflict)
		render.JSON(w, r, ErrorResponse{Code: "ERR_SESSION_FINISHED", Message: "The paywall was already dismissed"})
	case errors.Is(err, presentation.ErrTransactionInProgress):
		render.Status(r, http.StatusConflict)
		render.JSON(w, r, ErrorResponse{Code: "ERR_TRANSACTION_IN_PROGRESS", Message: "Another transaction is running"})
	case errors.Is(err, presentation.ErrNoPurchaser):
		render.Status(r, http.StatusNotImplemented)
		render.JSON(w, r, ErrorResponse{Code: "ERR_NO_PURCHASER", Message: "No purchaser is configured"})
	default:
		return false
	}
	return true
}
