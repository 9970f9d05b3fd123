package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopdesk/gate/internal/platform/httpx"
	"github.com/shopdesk/gate/internal/rbac"
)

// Middleware resolves bearer tokens into rbac principals.
type Middleware struct {
	Service  *Service
	Registry *rbac.Registry
	Logger   *slog.Logger
}

// Authenticate rejects requests without a valid bearer token and stores the
// principal, with its registered roles, in the request context.
func (m Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := m.Service.Resolve(r.Context(), BearerToken(r))
		if err != nil {
			if errors.Is(err, ErrInvalidToken) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="gate"`)
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			m.Logger.Error("resolve token", slog.Any("error", err))
			httpx.RespondError(w, httpx.ErrUnavailable)
			return
		}
		user := m.principal(identity)
		next.ServeHTTP(w, r.WithContext(rbac.ContextWithUser(r.Context(), user)))
	})
}

func (m Middleware) principal(identity *Identity) *rbac.User {
	roles, unknown := m.Registry.Resolve(identity.Roles)
	if len(unknown) > 0 {
		m.Logger.Warn("account holds unregistered roles",
			slog.Int64("account_id", identity.AccountID),
			slog.Any("roles", unknown),
		)
	}
	return &rbac.User{
		ID:   strconv.FormatInt(identity.AccountID, 10),
		Team: identity.Team,
		Attributes: map[string]any{
			"email": identity.Email,
		},
		Roles: roles,
	}
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
