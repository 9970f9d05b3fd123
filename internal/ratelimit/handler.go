package ratelimit

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shopdesk/gate/internal/platform/httpx"
	"github.com/shopdesk/gate/internal/rbac"
	"github.com/shopdesk/gate/internal/shared"
)

// Handler exposes limiter statistics and manual resets to operators.
type Handler struct {
	logger *slog.Logger
	set    *Set
	rbac   rbac.Middleware
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, set *Set, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, set: set, rbac: rbac}
}

// MountRoutes registers the admin routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.rbac.Require(rbac.Permission{Resource: shared.ResourceRateLimit, Action: rbac.ActionRead, Scope: rbac.ScopeAll})).
		Get("/ratelimit", h.stats)
	r.With(h.rbac.Require(rbac.Permission{Resource: shared.ResourceRateLimit, Action: rbac.ActionDelete, Scope: rbac.ScopeAll})).
		Delete("/ratelimit/{limiter}/{ip}", h.reset)
}

type statsResponse struct {
	Limiters []Stats `json:"limiters"`
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Limiters: make([]Stats, 0, len(h.set.order))}
	for _, l := range h.set.All() {
		st, err := l.Stats(r.Context())
		if err != nil {
			h.logger.Error("rate limit stats", slog.String("limiter", l.Config().Name), slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
		resp.Limiters = append(resp.Limiters, st)
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) reset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "limiter")
	l, ok := h.set.Get(name)
	if !ok {
		httpx.Problem(w, http.StatusNotFound, http.StatusText(http.StatusNotFound), "unknown limiter "+name)
		return
	}
	ip := chi.URLParam(r, "ip")
	if err := l.Reset(r.Context(), ip); err != nil {
		h.logger.Error("rate limit reset", slog.String("limiter", name), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	h.logger.Info("rate limit reset", slog.String("limiter", name), slog.String("origin", ip))
	w.WriteHeader(http.StatusNoContent)
}
