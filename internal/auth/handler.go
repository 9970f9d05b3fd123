package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/shopdesk/gate/internal/platform/httpx"
	"github.com/shopdesk/gate/internal/shared"
)

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		validator: validator.New(),
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
	Team      string    `json:"team,omitempty"`
	Roles     []string  `json:"roles"`
}

type fieldErrors struct {
	httpx.ProblemDetail
	Errors map[string]string `json:"errors"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		errs := make(map[string]string)
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fieldErr := range verrs {
				errs[fieldErr.Field()] = fieldErr.Tag()
			}
		}
		httpx.JSON(w, http.StatusBadRequest, fieldErrors{
			ProblemDetail: httpx.ProblemDetail{Type: "about:blank", Title: "Invalid login request", Status: http.StatusBadRequest},
			Errors:        errs,
		})
		return
	}

	token, identity, err := h.service.Login(r.Context(), req.Email, req.Password)
	switch {
	case err == nil:
	case errors.Is(err, shared.ErrInvalidCredentials):
		h.logger.Info("login rejected", slog.String("email", req.Email))
		httpx.Problem(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized), "email or password is invalid")
		return
	case errors.Is(err, shared.ErrAccountDisabled):
		h.logger.Info("login for disabled account", slog.String("email", req.Email))
		httpx.Problem(w, http.StatusForbidden, http.StatusText(http.StatusForbidden), "account disabled")
		return
	default:
		h.logger.Error("login", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}

	httpx.JSON(w, http.StatusOK, loginResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresAt: identity.ExpiresAt,
		Team:      identity.Team,
		Roles:     identity.Roles,
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := BearerToken(r)
	if token == "" {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	if err := h.service.Logout(r.Context(), token); err != nil {
		h.logger.Warn("logout", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
