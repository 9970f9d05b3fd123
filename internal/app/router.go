package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	audithttp "github.com/shopdesk/gate/internal/audit/http"
	"github.com/shopdesk/gate/internal/auth"
	"github.com/shopdesk/gate/internal/observability"
	"github.com/shopdesk/gate/internal/platform/httpx"
	"github.com/shopdesk/gate/internal/ratelimit"
	"github.com/shopdesk/gate/internal/rbac"
	"github.com/shopdesk/gate/internal/shared"
	"github.com/shopdesk/gate/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger    *slog.Logger
	Config    *Config
	Metrics   *observability.Metrics
	Limiters  *ratelimit.Set
	Evaluator *rbac.Evaluator
	Auth      *auth.Service
	// Upstream receives every admitted /api and /uploads request.
	Upstream http.Handler
	// Reporter is optional; when nil denials are only logged and counted.
	Reporter   *jobs.DenialReporter
	JobHandler *jobs.Handler
	// AuditTimeline backs /admin/audit; the routes are skipped when nil.
	AuditTimeline audithttp.TimelineService
}

const statsTimeout = 2 * time.Second

// NewRouter constructs the chi.Router with gate defaults. Every group runs its
// rate limiter before authentication and permission checks.
func NewRouter(params RouterParams) http.Handler {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  logger,
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
		trackLimiters(params.Metrics, params.Limiters, logger)
	}

	limit := limiterMiddleware(params, logger)
	authn := auth.Middleware{
		Service:  params.Auth,
		Registry: params.Evaluator.Registry(),
		Logger:   logger,
	}.Authenticate
	authz := rbac.Middleware{
		Evaluator: params.Evaluator,
		Logger:    logger,
		Observer:  params.Metrics,
	}
	if params.Reporter != nil {
		authz.OnDeny = params.Reporter.PermissionDenied
	}

	r.Route("/auth", func(r chi.Router) {
		r.Use(limit(ratelimit.NameAuth))
		auth.NewHandler(logger, params.Auth).MountRoutes(r)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(limit(ratelimit.NameAPI), authn)
		// URL params are not resolved yet in Use middleware; inline the check per route.
		guarded := r.With(authz.RequireResource("resource", rbac.ScopeAll, shared.IsCommerceResource))
		guarded.Handle("/{resource}", params.Upstream)
		guarded.Handle("/{resource}/*", params.Upstream)
	})

	r.With(
		limit(ratelimit.NameUpload),
		authn,
		authz.Require(rbac.Permission{Resource: shared.ResourceMedia, Action: rbac.ActionCreate, Scope: rbac.ScopeAll}),
	).Post("/uploads", params.Upstream.ServeHTTP)

	r.Route("/admin", func(r chi.Router) {
		r.Use(limit(ratelimit.NameAPI), authn)
		rbac.NewHandler(logger, params.Evaluator, authz).MountRoutes(r)
		ratelimit.NewHandler(logger, params.Limiters, authz).MountRoutes(r)
		if params.JobHandler != nil {
			r.Route("/jobs", func(r chi.Router) {
				r.Use(authz.Require(rbac.Permission{Resource: shared.ResourceJobs, Action: rbac.ActionRead, Scope: rbac.ScopeAll}))
				params.JobHandler.MountRoutes(r)
			})
		}
		if params.AuditTimeline != nil {
			audithttp.NewHandler(logger, params.AuditTimeline, authz).MountRoutes(r)
		}
	})

	return r
}

func limiterMiddleware(params RouterParams, logger *slog.Logger) func(name string) func(http.Handler) http.Handler {
	failOpen := params.Config == nil || params.Config.RateLimitFailOpen
	return func(name string) func(http.Handler) http.Handler {
		mw := ratelimit.Middleware{
			Limiter:  params.Limiters.MustGet(name),
			Logger:   logger,
			FailOpen: failOpen,
			Observer: params.Metrics,
		}
		if params.Reporter != nil {
			mw.OnReject = params.Reporter.RateLimited
		}
		return mw.Handler
	}
}

func trackLimiters(metrics *observability.Metrics, set *ratelimit.Set, logger *slog.Logger) {
	for _, l := range set.All() {
		limiter := l
		name := limiter.Config().Name
		err := metrics.TrackActiveKeys(name, func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
			defer cancel()
			stats, err := limiter.Stats(ctx)
			if err != nil {
				logger.Warn("limiter stats", slog.String("limiter", name), slog.Any("error", err))
				return 0
			}
			return float64(stats.ActiveKeys)
		})
		if err != nil {
			logger.Warn("register limiter gauge", slog.String("limiter", name), slog.Any("error", err))
		}
	}
}
