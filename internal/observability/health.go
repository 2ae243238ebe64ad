package observability

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"
)

// readinessReport is the readiness response body. Components maps each checker
// name to "up" or "down: <reason>".
type readinessReport struct {
	Ready      bool              `json:"ready"`
	Components map[string]string `json:"components"`
}

func (s *Server) liveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readiness runs every checker concurrently within the configured timeout.
// It answers 200 only when all of them pass.
func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Timeout)
	defer cancel()

	report := readinessReport{Ready: true, Components: make(map[string]string, len(s.checkers))}
	var mu sync.Mutex

	// Checkers never return errors to the group so all of them run.
	var g errgroup.Group
	for _, c := range s.checkers {
		g.Go(func() error {
			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.logger.Warn("health check failed",
					slog.String("component", c.Name()),
					slog.String("error", err.Error()),
				)
				report.Components[c.Name()] = "down: " + err.Error()
				report.Ready = false
				return nil
			}
			report.Components[c.Name()] = "up"
			return nil
		})
	}
	_ = g.Wait()

	status := http.StatusOK
	if !report.Ready {
		status = http.StatusServiceUnavailable
	}
	render.Status(r, status)
	render.JSON(w, r, report)
}
