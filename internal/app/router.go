package app

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/k9ops/k9ops/internal/auth"
	"github.com/k9ops/k9ops/internal/observability"
	"github.com/k9ops/k9ops/internal/platform/httpx"
	"github.com/k9ops/k9ops/internal/rbac"
	"github.com/k9ops/k9ops/internal/shared"
	"github.com/k9ops/k9ops/internal/users"
	"github.com/k9ops/k9ops/internal/view"
	"github.com/k9ops/k9ops/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	Templates          *view.Engine
	SessionManager     *shared.SessionManager
	CSRFManager        *shared.CSRFManager
	PermissionCache    *rbac.SessionCache
	RBACMiddleware     rbac.Middleware
	AuthHandler        *auth.Handler
	UsersHandler       *users.Handler
	PermissionsHandler *rbac.PermissionsHandler
	JobHandler         *jobs.Handler
	Metrics            *observability.Metrics
	HealthCheck        func(r *http.Request) error
}

// NewRouter constructs the chi.Router with k9ops defaults.
func NewRouter(params RouterParams) http.Handler {
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.RespondError(w, fmt.Errorf("%s: %w", r.URL.Path, httpx.ErrNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpx.RespondError(w, fmt.Errorf("%s %s: %w", r.Method, r.URL.Path, httpx.ErrMethodNotAllowed))
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if params.HealthCheck != nil {
			if err := params.HealthCheck(r); err != nil {
				params.Logger.Warn("health check", slog.Any("error", err))
				httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrUnavailable, err))
				return
			}
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	home := homeHandler{
		logger:    params.Logger,
		templates: params.Templates,
		csrf:      params.CSRFManager,
		cache:     params.PermissionCache,
	}
	r.Get("/", home.ServeHTTP)

	if params.AuthHandler != nil {
		r.Route("/auth", params.AuthHandler.MountRoutes)
	}

	writes := 0
	if params.Config != nil {
		writes = params.Config.ManagementWritesPerMinute
	}
	if params.PermissionsHandler != nil {
		r.Route("/admin/permissions", func(r chi.Router) {
			r.Use(limitWrites(writes))
			params.PermissionsHandler.MountRoutes(r)
		})
	}
	if params.UsersHandler != nil {
		r.Route("/users", func(r chi.Router) {
			r.Use(limitWrites(writes))
			params.UsersHandler.MountRoutes(r)
		})
	}
	if params.JobHandler != nil {
		r.Route("/jobs", func(r chi.Router) {
			r.Use(params.RBACMiddleware.RequireAdminOrPermission(shared.PermAdminPermissionsView))
			params.JobHandler.MountRoutes(r)
		})
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
