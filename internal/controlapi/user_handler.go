package controlapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/rafaeljc/tollgate/internal/identity"
	"github.com/rafaeljc/tollgate/internal/logger"
)

// handleGetUser processes GET /api/v1/user.
func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, a.userResponse())
}

func (a *API) userResponse() UserResponse {
	return UserResponse{UserID: a.sim.UserID(), SubscriptionStatus: a.sim.SubscriptionStatus()}
}

// handleIdentify processes PUT /api/v1/user.
func (a *API) handleIdentify(w http.ResponseWriter, r *http.Request) {
	var req IdentifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	if err := a.sim.Identify(r.Context(), req.UserID); err != nil {
		if errors.Is(err, identity.ErrEmptyUserID) {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, ErrorResponse{Code: "ERR_INVALID_INPUT", Message: err.Error()})
			return
		}
		writeInternal(w, r, "failed to identify user", err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, a.userResponse())
}

// handleReset processes DELETE /api/v1/user.
func (a *API) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := a.sim.Reset(r.Context()); err != nil {
		writeInternal(w, r, "failed to reset user", err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, a.userResponse())
}

// handleSetAttributes processes PATCH /api/v1/user/attributes.
func (a *API) handleSetAttributes(w http.ResponseWriter, r *http.Request) {
	var req AttributesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Attributes) == 0 {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "attributes cannot be empty"})
		return
	}

	if err := a.sim.SetUserAttributes(r.Context(), req.Attributes); err != nil {
		writeInternal(w, r, "failed to set user attributes", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSetSubscription processes PUT /api/v1/user/subscription.
func (a *API) handleSetSubscription(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	status, err := identity.ParseSubscriptionStatus(req.Status)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INVALID_INPUT", Message: err.Error()})
		return
	}

	if err := a.sim.SetSubscriptionStatus(r.Context(), status); err != nil {
		writeInternal(w, r, "failed to set subscription status", err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, a.userResponse())
}

// handleGetCampaign processes GET /api/v1/campaign.
func (a *API) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c := a.sim.Campaign()
	if c == nil {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, ErrorResponse{Code: "ERR_NOT_READY", Message: "No campaign loaded yet"})
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, c)
}

// handleRefresh processes POST /api/v1/campaign/refresh.
func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := a.sim.Refresh(r.Context()); err != nil {
		logger.FromContext(r.Context()).Warn("campaign refresh failed", slog.Any("error", err))
		render.Status(r, http.StatusBadGateway)
		render.JSON(w, r, ErrorResponse{Code: "ERR_REFRESH_FAILED", Message: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLifecycle processes POST /api/v1/lifecycle/{event} with event
// "active" or "background".
func (a *API) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	switch chi.URLParam(r, "event") {
	case "active":
		a.sim.DidBecomeActive()
	case "background":
		a.sim.WillResignActive()
	default:
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, ErrorResponse{Code: "ERR_UNKNOWN_EVENT", Message: "event must be active or background"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeInternal(w http.ResponseWriter, r *http.Request, msg string, err error) {
	logger.FromContext(r.Context()).Error(msg, slog.Any("error", err))
	render.Status(r, http.StatusInternalServerError)
	render.JSON(w, r, ErrorResponse{Code: "ERR_INTERNAL", Message: msg})
}
