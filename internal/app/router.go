package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	audithttp "github.com/agritrace/agritrace/internal/audit/http"
	factoryhttp "github.com/agritrace/agritrace/internal/factory/http"
	"github.com/agritrace/agritrace/internal/observability"
	"github.com/agritrace/agritrace/internal/platform/httpx"
	"github.com/agritrace/agritrace/internal/shared"
	"github.com/agritrace/agritrace/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	Sessions       *shared.SessionStore
	FactoryHandler *factoryhttp.Handler
	AuditHandler   *audithttp.Handler
	JobHandler     *jobs.Handler
	Metrics        *observability.Metrics
}

// NewRouter constructs the chi.Router with API defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusMethodNotAllowed, "Method Not Allowed", "")
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.FactoryHandler != nil || params.AuditHandler != nil {
		r.Group(func(r chi.Router) {
			if params.Sessions != nil {
				r.Use(shared.Authenticate(params.Sessions, params.Logger))
			}
			if params.FactoryHandler != nil {
				params.FactoryHandler.MountRoutes(r)
			}
			params.AuditHandler.MountRoutes(r)
		})
	}

	return r
}
