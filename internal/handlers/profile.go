package handlers

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/medgrid/vitalwatch/internal/models"
	"github.com/medgrid/vitalwatch/internal/reconciler"
	"github.com/medgrid/vitalwatch/internal/request"
)

// ProfileHandler handles profile reads, edits, and manual re-resolution.
type ProfileHandler struct {
	validate *validator.Validate
	log      *zap.Logger
}

// NewProfileHandler creates a new profile handler.
func NewProfileHandler(validate *validator.Validate, log *zap.Logger) *ProfileHandler {
	return &ProfileHandler{validate: validate, log: log}
}

// Get handles GET /profile.
func (h *ProfileHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess := request.SessionFromContext(r)
	if sess == nil {
		respondJSONError(w, http.StatusUnauthorized, "Unauthorized", "No active session")
		return
	}

	state := sess.Reconciler.State()
	if !state.IsLoggedIn {
		respondJSONError(w, http.StatusUnauthorized, "Unauthorized", "Session is not authenticated")
		return
	}
	respondJSON(w, http.StatusOK, state.Profile)
}

// Update handles PATCH /profile.
func (h *ProfileHandler) Update(w http.ResponseWriter, r *http.Request) {
	sess := request.SessionFromContext(r)
	if sess == nil {
		respondJSONError(w, http.StatusUnauthorized, "Unauthorized", "No active session")
		return
	}

	var update models.ProfileUpdate
	if err := decodeJSONBody(r, &update); err != nil {
		respondJSONError(w, http.StatusBadRequest, "Bad Request", "Invalid JSON body")
		return
	}
	if update.Empty() {
		respondJSONError(w, http.StatusBadRequest, "Bad Request", "No fields to update")
		return
	}
	if err := h.validate.Struct(&update); err != nil {
		respondJSONError(w, http.StatusBadRequest, "Validation Error", err.Error())
		return
	}

	profile, err := sess.Reconciler.UpdateProfile(r.Context(), update)
	if err != nil {
		if errors.Is(err, reconciler.ErrNotAuthenticated) {
			respondJSONError(w, http.StatusUnauthorized, "Unauthorized", "Session is not authenticated")
			return
		}
		h.log.Error("profile_update_failed", zap.Error(err))
		respondJSONError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to update profile")
		return
	}
	respondJSON(w, http.StatusOK, profile)
}

// Refresh handles POST /profile/refresh: a synchronous resolution pass
// that recovers from an earlier background provisioning failure.
func (h *ProfileHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	sess := request.SessionFromContext(r)
	if sess == nil {
		respondJSONError(w, http.StatusUnauthorized, "Unauthorized", "No active session")
		return
	}

	if err := sess.Reconciler.RefreshProfile(r.Context()); err != nil {
		if errors.Is(err, reconciler.ErrNotAuthenticated) {
			respondJSONError(w, http.StatusUnauthorized, "Unauthorized", "Session is not authenticated")
			return
		}
		h.log.Error("profile_refresh_failed", zap.Error(err))
		respondJSONError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to refresh profile")
		return
	}
	respondJSON(w, http.StatusOK, sess.Reconciler.State())
}
