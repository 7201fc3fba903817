package handlers

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/medgrid/vitalwatch/internal/identity"
	"github.com/medgrid/vitalwatch/internal/logger"
	"github.com/medgrid/vitalwatch/internal/request"
	"github.com/medgrid/vitalwatch/internal/session"
)

// AuthHandler handles signup, login, logout, and session state.
type AuthHandler struct {
	hub      *session.Hub
	validate *validator.Validate
	log      *zap.Logger
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(hub *session.Hub, validate *validator.Validate, log *zap.Logger) *AuthHandler {
	return &AuthHandler{hub: hub, validate: validate, log: log}
}

type signUpRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required,min=6,max=128"`
	DisplayName string `json:"display_name" validate:"omitempty,max=100"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type sessionResponse struct {
	Token string `json:"token"`
	State any    `json:"state"`
}

// SignUp handles POST /auth/signup.
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := decodeJSONBody(r, &req); err != nil {
		respondJSONError(w, http.StatusBadRequest, "Bad Request", "Invalid JSON body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		respondJSONError(w, http.StatusBadRequest, "Validation Error", err.Error())
		return
	}

	sess, err := h.hub.SignUp(r.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		h.respondProviderError(w, "signup_failed", err)
		return
	}

	respondJSON(w, http.StatusCreated, sessionResponse{
		Token: sess.Token,
		State: sess.Reconciler.State(),
	})
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSONBody(r, &req); err != nil {
		respondJSONError(w, http.StatusBadRequest, "Bad Request", "Invalid JSON body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		respondJSONError(w, http.StatusBadRequest, "Validation Error", err.Error())
		return
	}

	sess, err := h.hub.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.respondProviderError(w, "login_failed", err)
		return
	}

	respondJSON(w, http.StatusOK, sessionResponse{
		Token: sess.Token,
		State: sess.Reconciler.State(),
	})
}

// Logout handles POST /auth/logout. Requires authentication.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sess := request.SessionFromContext(r)
	if sess == nil {
		respondJSONError(w, http.StatusUnauthorized, "Unauthorized", "No active session")
		return
	}

	if err := h.hub.Logout(r.Context(), sess.Token); err != nil {
		// The local session is gone either way; report but don't fail hard.
		h.log.Warn("provider_logout_failed", zap.Error(err))
	}
	respondJSON(w, http.StatusOK, map[string]any{"logged_out": true})
}

// State handles GET /auth/state. Requires authentication.
func (h *AuthHandler) State(w http.ResponseWriter, r *http.Request) {
	sess := request.SessionFromContext(r)
	if sess == nil {
		respondJSONError(w, http.StatusUnauthorized, "Unauthorized", "No active session")
		return
	}
	respondJSON(w, http.StatusOK, sess.Reconciler.State())
}

// respondProviderError maps identity provider failures onto HTTP statuses:
// provider 4xx pass through (wrong password is the caller's problem),
// anything else is a 502.
func (h *AuthHandler) respondProviderError(w http.ResponseWriter, event string, err error) {
	var authErr *identity.AuthError
	if errors.As(err, &authErr) && authErr.StatusCode >= 400 && authErr.StatusCode < 500 {
		respondJSONError(w, authErr.StatusCode, "Authentication Failed", authErr.Message)
		return
	}
	h.log.Error(event, zap.String("error", logger.SanitizeError(err)))
	respondJSONError(w, http.StatusBadGateway, "Identity Provider Error", "The identity provider could not be reached")
}
