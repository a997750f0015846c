package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/voyageos/voyageos/internal/finance"
	"github.com/voyageos/voyageos/internal/invoices"
	"github.com/voyageos/voyageos/internal/observability"
	"github.com/voyageos/voyageos/internal/quotations"
	"github.com/voyageos/voyageos/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger            *slog.Logger
	Config            *Config
	QuotationsHandler *quotations.Handler
	InvoicesHandler   *invoices.Handler
	FinanceHandler    *finance.Handler
	JobsHandler       *jobs.Handler
	Metrics           *observability.Metrics
}

// NewRouter constructs the chi.Router with the API mounted under /api.
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

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api", func(r chi.Router) {
		if params.QuotationsHandler != nil {
			params.QuotationsHandler.MountRoutes(r)
		}
		if params.InvoicesHandler != nil {
			params.InvoicesHandler.MountRoutes(r)
		}
		if params.FinanceHandler != nil {
			params.FinanceHandler.MountRoutes(r)
		}
		if params.JobsHandler != nil {
			params.JobsHandler.MountRoutes(r)
		}
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	return r
}
