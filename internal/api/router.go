package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/carscope/internal/api/middleware"
	"github.com/kiranshivaraju/carscope/internal/api/response"
	"github.com/kiranshivaraju/carscope/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	SubmitBatch  http.HandlerFunc
	SweepBatches http.HandlerFunc
	GetBatch     http.HandlerFunc
	BatchStatus  http.HandlerFunc
	BatchItems   http.HandlerFunc
	TrackBatch   http.HandlerFunc

	MergeModel     http.HandlerFunc
	RequeueListing http.HandlerFunc
	RequeueFailed  http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeOperator))

			r.Post("/api/v1/batches", orNotImplemented(deps.SubmitBatch))
			r.Post("/api/v1/batches/poll", orNotImplemented(deps.SweepBatches))
			r.Get("/api/v1/batches/{jobID}", orNotImplemented(deps.GetBatch))
			r.Get("/api/v1/batches/{jobID}/status", orNotImplemented(deps.BatchStatus))
			r.Get("/api/v1/batches/{jobID}/items", orNotImplemented(deps.BatchItems))
			r.Post("/api/v1/batches/{jobID}/poll", orNotImplemented(deps.TrackBatch))
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeAdmin))

			r.Post("/api/v1/admin/models/{modelID}/merge", orNotImplemented(deps.MergeModel))
			r.Post("/api/v1/admin/listings/{site}/{externalID}/requeue", orNotImplemented(deps.RequeueListing))
			r.Post("/api/v1/admin/batches/{jobID}/requeue-failed", orNotImplemented(deps.RequeueFailed))

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
