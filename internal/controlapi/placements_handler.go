package controlapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/rafaeljc/tollgate/internal/logger"
	"github.com/rafaeljc/tollgate/internal/pipeline"
	"github.com/rafaeljc/tollgate/internal/placement"
)

// handleTrack processes POST /api/v1/placements/{name}/track.
//
// The placement keeps running after the response: a presented paywall stays
// on screen until it is driven through /session. By default the handler
// returns at the first state; WaitForDismissal waits for the terminal one.
func (a *API) handleTrack(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	name := chi.URLParam(r, "name")

	var req TrackRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	if req.Overrides != nil {
		if errResp := req.Overrides.Validate(); errResp != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, errResp)
			return
		}
	}

	// The presentation outlives this request.
	states, err := a.sim.Track(context.WithoutCancel(r.Context()), name, req.Params, req.Overrides.toOverrides())
	if err != nil {
		writePlacementError(w, r, err)
		return
	}

	resp := TrackResponse{States: []StateResponse{}}
	var last pipeline.PaywallState

	timeout := time.NewTimer(a.outcomeTimeout)
	defer timeout.Stop()

collect:
	for {
		select {
		case s, ok := <-states:
			if !ok {
				resp.Finished = true
				break collect
			}
			last = s
			resp.States = append(resp.States, mapState(s))
			if s.Kind == pipeline.StatePresented && !req.WaitForDismissal {
				break collect
			}
		case <-timeout.C:
			log.Warn("timed out waiting for paywall state", slog.String("placement", name))
			break collect
		}
	}

	if !resp.Finished {
		go func() {
			for range states {
			}
		}()
	}
	resp.ShouldRunFeature = resp.Finished && len(resp.States) > 0 && pipeline.ShouldRunFeature(last)

	log.Info("placement tracked",
		slog.String("placement", name),
		slog.Int("states", len(resp.States)),
		slog.Bool("finished", resp.Finished),
	)
	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// handlePresentationResult processes POST /api/v1/placements/{name}/result.
func (a *API) handlePresentationResult(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req ResultRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}

	result := a.sim.GetPresentationResult(r.Context(), name, req.Params)
	if errors.Is(result.Err, placement.ErrReservedName) || errors.Is(result.Err, placement.ErrEmptyName) {
		writePlacementError(w, r, result.Err)
		return
	}

	resp := ResultResponse{Kind: result.Kind, Experiment: result.Experiment}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// handlePreload processes POST /api/v1/paywalls/preload.
func (a *API) handlePreload(w http.ResponseWriter, r *http.Request) {
	var req PreloadRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.outcomeTimeout)
	defer cancel()

	n, err := a.sim.PreloadPaywalls(ctx, req.Placements...)
	if err != nil {
		render.Status(r, http.StatusGatewayTimeout)
		render.JSON(w, r, ErrorResponse{Code: "ERR_NOT_READY", Message: "Campaign not loaded in time"})
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]int{"loaded": n})
}

// decodeOptionalJSON decodes the body into dst. An empty body leaves dst
// untouched. It writes a 400 and returns false on malformed JSON.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := render.DecodeJSON(r.Body, dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}

	logger.FromContext(r.Context()).Warn("invalid json payload", slog.String("error", err.Error()))
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, ErrorResponse{
		Code:    "ERR_INVALID_JSON",
		Message: "Invalid JSON payload: " + err.Error(),
	})
	return false
}

// decodeJSON is decodeOptionalJSON for endpoints that require a body.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := render.DecodeJSON(r.Body, dst)
	if err == nil {
		return true
	}

	logger.FromContext(r.Context()).Warn("invalid json payload", slog.String("error", err.Error()))
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, ErrorResponse{
		Code:    "ERR_INVALID_JSON",
		Message: "Invalid JSON payload: " + err.Error(),
	})
	return false
}

func writePlacementError(w http.ResponseWriter, r *http.Request, err error) {
	code := "ERR_INVALID_PLACEMENT"
	if errors.Is(err, placement.ErrReservedName) {
		code = "ERR_RESERVED_PLACEMENT"
	}
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, ErrorResponse{Code: code, Message: err.Error()})
}
