package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(
	unitH *UnitHandler,
	revisionH *RevisionHandler,
	gatherer prometheus.Gatherer,
	apiToken string,
) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware)
	r.Use(bodySizeLimitMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authMiddleware(apiToken))

		// Units
		r.Route("/units", func(r chi.Router) {
			r.Get("/", unitH.List)
			r.Route("/{app}/{component}", func(r chi.Router) {
				r.Get("/", unitH.Get)
				r.Delete("/", unitH.Delete)
				r.Get("/health", unitH.Health)
				r.Get("/exceptions", unitH.Exceptions)
				r.Get("/metrics-preview", unitH.MetricsPreview)
				r.Post("/redeploy", unitH.Redeploy)
				r.Get("/redeploys", unitH.Redeploys)
				r.Get("/builds", unitH.Builds)
			})
		})

		r.Get("/builds/{id}/logs", unitH.BuildLogs)
		r.Get("/dashboard", unitH.Dashboard)

		// Revisions
		r.Route("/revisions", func(r chi.Router) {
			r.Post("/", revisionH.Apply)
			r.Post("/plan", revisionH.Plan)
			r.Get("/", revisionH.List)
			r.Get("/{id}", revisionH.Get)
		})
	})

	return r
}
