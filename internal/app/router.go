package app

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/odyssey-erp/odyssey-access/internal/auth"
	"github.com/odyssey-erp/odyssey-access/internal/observability"
	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger      *slog.Logger
	Config      *Config
	Verifier    *auth.Verifier
	Guard       rbac.Middleware
	RBACHandler *rbac.Handler
	Metrics     *observability.Metrics
	// Ready reports whether the policy store answers; nil skips the check.
	Ready       func(ctx context.Context) error
}

// NewRouter constructs the chi.Router with Odyssey defaults. Every portal is
// mounted under its prefix behind bearer verification and the access guard.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	if params.Config == nil || !params.Config.IsProduction() {
		r.Use(chimw.Logger)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if params.Ready != nil {
			if err := params.Ready(r.Context()); err != nil {
				params.Logger.Warn("readiness check failed", slog.Any("error", err))
				httpx.TypedProblem(w, http.StatusServiceUnavailable, httpx.TypeStoreUnavailable, "Service Unavailable", "")
				return
			}
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	for _, portal := range shared.Portals() {
		portal := portal
		r.Route(portal.PathPrefix(), func(r chi.Router) {
			r.Use(auth.Middleware(params.Verifier, params.Logger))
			r.Use(params.Guard.Guard(portal))
			if params.RBACHandler == nil {
				return
			}
			params.RBACHandler.MountRoutes(r)
			if portal == shared.PortalPlatform {
				params.RBACHandler.MountPlatformRoutes(r)
			}
		})
	}

	return r
}
