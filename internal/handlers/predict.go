package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medgrid/vitalwatch/internal/database"
	"github.com/medgrid/vitalwatch/internal/logger"
	"github.com/medgrid/vitalwatch/internal/models"
	"github.com/medgrid/vitalwatch/internal/queue"
	"github.com/medgrid/vitalwatch/internal/request"
	"github.com/medgrid/vitalwatch/internal/scoring"
)

// Scorer scores one vitals reading.
type Scorer interface {
	Predict(ctx context.Context, vitals *models.VitalsReading) (*models.Prediction, error)
}

// PredictHandler scores submitted vitals and records the result.
type PredictHandler struct {
	scorer      Scorer
	predictions database.PredictionStore
	jobs        queue.JobQueue // nil means record synchronously
	validate    *validator.Validate
	log         *zap.Logger
}

// NewPredictHandler creates a new predict handler. jobs may be nil, in
// which case history records are written synchronously.
func NewPredictHandler(scorer Scorer, predictions database.PredictionStore, jobs queue.JobQueue, validate *validator.Validate, log *zap.Logger) *PredictHandler {
	return &PredictHandler{
		scorer:      scorer,
		predictions: predictions,
		jobs:        jobs,
		validate:    validate,
		log:         log,
	}
}

// Predict handles POST /predict. Requires authentication. A failure to
// record history never loses the prediction: the assessment is returned
// and the miss is logged.
func (h *PredictHandler) Predict(w http.ResponseWriter, r *http.Request) {
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

	var vitals models.VitalsReading
	if err := decodeJSONBody(r, &vitals); err != nil {
		respondJSONError(w, http.StatusBadRequest, "Bad Request", "Invalid JSON body")
		return
	}
	if err := h.validate.Struct(&vitals); err != nil {
		respondJSONError(w, http.StatusBadRequest, "Validation Error", err.Error())
		return
	}

	prediction, err := h.scorer.Predict(r.Context(), &vitals)
	if err != nil {
		h.respondScoringError(w, err)
		return
	}

	record := &models.PredictionRecord{
		ID:            uuid.New(),
		SubjectID:     state.User.SubjectID,
		Vitals:        vitals,
		RiskLevel:     prediction.RiskLevel,
		Probabilities: prediction.Probabilities,
		CreatedAt:     time.Now(),
	}
	h.recordHistory(r.Context(), record)

	respondJSON(w, http.StatusOK, map[string]any{
		"prediction": prediction,
		"record_id":  record.ID,
	})
}

// recordHistory enqueues the record for the worker, falling back to a
// synchronous insert when the queue is absent or rejects the job.
func (h *PredictHandler) recordHistory(ctx context.Context, record *models.PredictionRecord) {
	if h.jobs != nil {
		err := h.jobs.Enqueue(ctx, queue.NewPredictionRecordJob(record))
		if err == nil {
			return
		}
		h.log.Warn("history_enqueue_failed_falling_back_to_sync",
			zap.String("subject_id", logger.SanitizeSubjectID(record.SubjectID)),
			zap.Error(err),
		)
	}
	if err := h.predictions.Insert(ctx, record); err != nil {
		h.log.Error("history_record_failed",
			zap.String("subject_id", logger.SanitizeSubjectID(record.SubjectID)),
			zap.Error(err),
		)
	}
}

// respondScoringError passes model-service 4xx detail through (the input
// was at fault) and maps everything else to a 502.
func (h *PredictHandler) respondScoringError(w http.ResponseWriter, err error) {
	var apiErr *scoring.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
		respondJSONError(w, apiErr.StatusCode, "Scoring Rejected", apiErr.Message)
		return
	}
	h.log.Error("scoring_request_failed", zap.String("error", logger.SanitizeError(err)))
	respondJSONError(w, http.StatusBadGateway, "Scoring Service Error", "The scoring service could not be reached")
}
