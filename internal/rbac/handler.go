package rbac

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shopdesk/gate/internal/platform/httpx"
	"github.com/shopdesk/gate/internal/shared"
)

// Handler exposes read-only RBAC administration endpoints.
type Handler struct {
	logger    *slog.Logger
	evaluator *Evaluator
	rbac      Middleware
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, evaluator *Evaluator, rbac Middleware) *Handler {
	return &Handler{logger: logger, evaluator: evaluator, rbac: rbac}
}

// MountRoutes registers role listing and the explain endpoint.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.rbac.Require(Permission{Resource: shared.ResourceRole, Action: ActionRead, Scope: ScopeAll})).
		Get("/roles", h.listRoles)
	r.Post("/authz/check", h.check)
}

type roleView struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Inherits    []string     `json:"inherits,omitempty"`
	Permissions []Permission `json:"permissions"`
	Effective   []Permission `json:"effective"`
}

type rolesResponse struct {
	Options Options    `json:"options"`
	Roles   []roleView `json:"roles"`
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	reg := h.evaluator.Registry()
	resp := rolesResponse{Options: h.evaluator.Options(), Roles: []roleView{}}
	for _, role := range reg.Roles() {
		effective, _ := reg.EffectivePermissions(role.Name)
		resp.Roles = append(resp.Roles, roleView{
			Name:        role.Name,
			Description: role.Description,
			Inherits:    role.Inherits,
			Permissions: role.Permissions,
			Effective:   effective,
		})
	}
	httpx.JSON(w, http.StatusOK, resp)
}

type checkRequest struct {
	Permission string         `json:"permission" validate:"required"`
	Target     map[string]any `json:"target,omitempty"`
}

// check explains a permission decision for the calling principal.
func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	if user == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req checkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}
	perm, err := ParsePermission(req.Permission)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid permission", err.Error())
		return
	}
	decision := h.evaluator.Check(user, perm, Target(req.Target))
	if h.logger != nil {
		h.logger.Debug("rbac explain",
			slog.String("user", user.ID),
			slog.String("permission", perm.String()),
			slog.Bool("allowed", decision.Allowed),
		)
	}
	httpx.JSON(w, http.StatusOK, decision)
}
