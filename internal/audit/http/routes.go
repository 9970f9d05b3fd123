package audithttp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/shopdesk/gate/internal/platform/httpx"
	"github.com/shopdesk/gate/internal/rbac"
	"github.com/shopdesk/gate/internal/shared"
)

const exportLimit = 10
const exportWindow = time.Minute

// MountRoutes mendaftarkan endpoint audit timeline dan ekspor CSV.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(exportLimit, exportWindow,
		httprate.WithKeyFuncs(exportKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.RespondError(w, httpx.ErrTooManyRequests)
		}),
	)
	r.Group(func(gr chi.Router) {
		gr.Use(h.rbac.Require(rbac.Permission{Resource: shared.ResourceAudit, Action: rbac.ActionRead, Scope: rbac.ScopeAll}))
		gr.Get("/audit", h.handleTimeline)
		gr.With(limiter).Get("/audit/export.csv", h.handleExport)
	})
}

// exportKey throttles exports per account, falling back to the client IP.
func exportKey(r *http.Request) (string, error) {
	if user := rbac.UserFromContext(r.Context()); user != nil && user.ID != "" {
		return "user:" + user.ID, nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
