package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/kiranshivaraju/docpipe/internal/api/middleware"
	"github.com/kiranshivaraju/docpipe/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler  http.HandlerFunc
	DevicesHandler http.HandlerFunc

	ExtractHandler        http.HandlerFunc
	ImageHandler          http.HandlerFunc
	CombinedHandler       http.HandlerFunc
	ExtractResultHandler  http.HandlerFunc
	ImageResultHandler    http.HandlerFunc
	CombinedResultHandler http.HandlerFunc

	ListJobsHandler http.HandlerFunc
	GetJobHandler   http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(mw.ScopeSubmit))

			r.Post("/api/v1/extract-text", orNotImplemented(deps.ExtractHandler))
			r.Post("/api/v1/image-description", orNotImplemented(deps.ImageHandler))
			r.Post("/api/v1/combined", orNotImplemented(deps.CombinedHandler))
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(mw.ScopeRead))

			r.Get("/api/v1/extract-result", orNotImplemented(deps.ExtractResultHandler))
			r.Get("/api/v1/image-result", orNotImplemented(deps.ImageResultHandler))
			r.Get("/api/v1/combined-result", orNotImplemented(deps.CombinedResultHandler))

			r.Get("/api/v1/jobs", orNotImplemented(deps.ListJobsHandler))
			r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJobHandler))
			r.Get("/api/v1/devices", orNotImplemented(deps.DevicesHandler))
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(mw.ScopeAdmin))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
