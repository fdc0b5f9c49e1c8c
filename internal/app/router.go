package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/odyssey-erp/finance-engine/internal/identity"
	"github.com/odyssey-erp/finance-engine/internal/ledger"
	"github.com/odyssey-erp/finance-engine/internal/lifecycle"
	"github.com/odyssey-erp/finance-engine/internal/observability"
	"github.com/odyssey-erp/finance-engine/internal/platform/httpx"
	"github.com/odyssey-erp/finance-engine/internal/segments"
	"github.com/odyssey-erp/finance-engine/internal/subscriptions"
	"github.com/odyssey-erp/finance-engine/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger  *slog.Logger
	Config  *Config
	Auth    identity.Provider
	Metrics *observability.Metrics

	VoucherHandler      *ledger.Handler
	LifecycleHandler    *lifecycle.Handler
	SubscriptionHandler *subscriptions.Handler
	SegmentHandler      *segments.Handler
	JobHandler          *jobs.Handler
}

// NewRouter constructs the chi.Router with the finance API defaults.
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
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(identity.Middleware{Provider: params.Auth, Logger: params.Logger}.Authenticate)
		if params.VoucherHandler != nil {
			params.VoucherHandler.MountRoutes(r)
		}
		if params.LifecycleHandler != nil {
			params.LifecycleHandler.MountRoutes(r)
		}
		if params.SubscriptionHandler != nil {
			params.SubscriptionHandler.MountRoutes(r)
		}
		if params.SegmentHandler != nil {
			params.SegmentHandler.MountRoutes(r)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "")
	})
	return r
}
