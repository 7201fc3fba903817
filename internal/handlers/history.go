package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/medgrid/vitalwatch/internal/database"
	"github.com/medgrid/vitalwatch/internal/request"
)

const maxHistoryLimit = 500

// HistoryHandler lists a subject's past prediction records.
type HistoryHandler struct {
	predictions database.PredictionStore
	log         *zap.Logger
}

// NewHistoryHandler creates a new history handler.
func NewHistoryHandler(predictions database.PredictionStore, log *zap.Logger) *HistoryHandler {
	return &HistoryHandler{predictions: predictions, log: log}
}

// List handles GET /history?limit=N. Requires authentication. Records come
// back newest first.
func (h *HistoryHandler) List(w http.ResponseWriter, r *http.Request) {
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

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxHistoryLimit {
			respondJSONError(w, http.StatusBadRequest, "Bad Request", "limit must be an integer between 1 and 500")
			return
		}
		limit = parsed
	}

	records, err := h.predictions.ListBySubject(r.Context(), state.User.SubjectID, limit)
	if err != nil {
		h.log.Error("history_list_failed", zap.Error(err))
		respondJSONError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to list history")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
	})
}
