package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/docpipe/internal/api/response"
)

const defaultCheckTimeout = 5 * time.Second

// HealthCheck probes one dependency. A failing Critical check makes the
// service report degraded; other failures are only listed.
type HealthCheck struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

// NewHealthHandler runs every check concurrently, each bounded by timeout.
func NewHealthHandler(checks []HealthCheck, timeout time.Duration) http.HandlerFunc {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			mu       sync.Mutex
			services = make(map[string]string, len(checks))
			degraded bool
		)

		var g errgroup.Group
		for _, hc := range checks {
			g.Go(func() error {
				ctx, cancel := context.WithTimeout(r.Context(), timeout)
				defer cancel()

				status := "ok"
				if err := hc.Check(ctx); err != nil {
					slog.Warn("health check failed", "check", hc.Name, "error", err)
					status = "unavailable"
					if hc.Critical {
						status = "degraded"
					}
				}

				mu.Lock()
				services[hc.Name] = status
				if status == "degraded" {
					degraded = true
				}
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", services)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": services,
		})
	}
}
