package rbac

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shopdesk/gate/internal/platform/httpx"
)

// Observer receives every permission decision, typically for metrics.
type Observer interface {
	ObservePermission(resource, action string, allowed bool)
}

// DenyFunc is notified when a request is refused for lack of permission.
type DenyFunc func(r *http.Request, user *User, decision Decision)

// Middleware wires RBAC authorization helpers for HTTP handlers. It expects the
// authentication middleware to have stored the principal with ContextWithUser.
type Middleware struct {
	Evaluator *Evaluator
	Logger    *slog.Logger
	Observer  Observer
	OnDeny    DenyFunc
}

// Require ensures the current user holds perm.
func (m Middleware) Require(perm Permission) func(http.Handler) http.Handler {
	return m.RequireAll(perm)
}

// RequireAny ensures the current user holds at least one of the permissions.
func (m Middleware) RequireAny(perms ...Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(perms) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			user := UserFromContext(r.Context())
			if user == nil {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			var last Decision
			for _, perm := range perms {
				last = m.decide(r, user, perm)
				if last.Allowed {
					next.ServeHTTP(w, r)
					return
				}
			}
			m.deny(w, r, user, last)
		})
	}
}

// RequireAll ensures the current user holds every permission.
func (m Middleware) RequireAll(perms ...Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(perms) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			user := UserFromContext(r.Context())
			if user == nil {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			for _, perm := range perms {
				if d := m.decide(r, user, perm); !d.Allowed {
					m.deny(w, r, user, d)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireResource derives the permission from the route: the resource from the
// named URL parameter and the action from the HTTP method. Unknown resources are
// reported as not found before any permission is evaluated.
func (m Middleware) RequireResource(param string, scope Scope, known func(string) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			resource := chi.URLParam(r, param)
			if resource == "" || (known != nil && !known(resource)) {
				httpx.RespondError(w, fmt.Errorf("%w: resource %q", httpx.ErrNotFound, resource))
				return
			}
			action, ok := ActionForMethod(r.Method)
			if !ok {
				w.Header().Set("Allow", "GET, HEAD, POST, PUT, PATCH, DELETE")
				httpx.Problem(w, http.StatusMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed), "")
				return
			}
			m.Require(Permission{Resource: resource, Action: action, Scope: scope})(next).ServeHTTP(w, r)
		})
	}
}

// ActionForMethod maps an HTTP method onto a CRUD action.
func ActionForMethod(method string) (Action, bool) {
	switch method {
	case http.MethodGet, http.MethodHead:
		return ActionRead, true
	case http.MethodPost:
		return ActionCreate, true
	case http.MethodPut, http.MethodPatch:
		return ActionUpdate, true
	case http.MethodDelete:
		return ActionDelete, true
	default:
		return "", false
	}
}

func (m Middleware) decide(r *http.Request, user *User, perm Permission) Decision {
	d := m.Evaluator.Check(user, perm, nil)
	if m.Observer != nil {
		m.Observer.ObservePermission(perm.Resource, string(perm.Action), d.Allowed)
	}
	return d
}

func (m Middleware) deny(w http.ResponseWriter, r *http.Request, user *User, d Decision) {
	if m.Logger != nil {
		m.Logger.Info("rbac denied",
			slog.String("user", user.ID),
			slog.String("permission", d.Permission.String()),
			slog.String("reason", d.Reason),
			slog.String("path", r.URL.Path),
		)
	}
	if m.OnDeny != nil {
		m.OnDeny(r, user, d)
	}
	httpx.RespondError(w, fmt.Errorf("%w: missing %s", httpx.ErrForbidden, d.Permission))
}
