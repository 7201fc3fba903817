package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/medgrid/vitalwatch/internal/models"
)

// DefaultHistoryLimit caps how many records ListBySubject returns when the
// caller does not say.
const DefaultHistoryLimit = 100

// PredictionRepository handles prediction history database operations.
// Rows are append-only: there is no update or delete path.
type PredictionRepository struct {
	db *DB
}

// NewPredictionRepository creates a new prediction repository
func NewPredictionRepository(db *DB) *PredictionRepository {
	return &PredictionRepository{db: db}
}

// Insert stores one prediction record.
func (r *PredictionRepository) Insert(ctx context.Context, record *models.PredictionRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	probabilitiesJSON, err := json.Marshal(record.Probabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal probabilities: %w", err)
	}

	query := `
		INSERT INTO predictions_history (
			id, subject_id, respiratory_rate, oxygen_saturation, o2_scale,
			systolic_bp, heart_rate, temperature, consciousness, on_oxygen,
			risk_level, probabilities, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err = r.db.ExecContext(ctx, query,
		record.ID,
		record.SubjectID,
		record.Vitals.RespiratoryRate,
		record.Vitals.OxygenSaturation,
		record.Vitals.O2Scale,
		record.Vitals.SystolicBP,
		record.Vitals.HeartRate,
		record.Vitals.Temperature,
		record.Vitals.Consciousness,
		record.Vitals.OnOxygen,
		record.RiskLevel,
		probabilitiesJSON,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert prediction record: %w", err)
	}

	return nil
}

// ListBySubject returns the subject's prediction records, newest first.
func (r *PredictionRepository) ListBySubject(ctx context.Context, subjectID string, limit int) ([]*models.PredictionRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	query := `
		SELECT id, subject_id, respiratory_rate, oxygen_saturation, o2_scale,
		       systolic_bp, heart_rate, temperature, consciousness, on_oxygen,
		       risk_level, probabilities, created_at
		FROM predictions_history
		WHERE subject_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list prediction records: %w", err)
	}
	defer rows.Close()

	var records []*models.PredictionRecord
	for rows.Next() {
		record := &models.PredictionRecord{}
		var probabilitiesJSON []byte

		err := rows.Scan(
			&record.ID,
			&record.SubjectID,
			&record.Vitals.RespiratoryRate,
			&record.Vitals.OxygenSaturation,
			&record.Vitals.O2Scale,
			&record.Vitals.SystolicBP,
			&record.Vitals.HeartRate,
			&record.Vitals.Temperature,
			&record.Vitals.Consciousness,
			&record.Vitals.OnOxygen,
			&record.RiskLevel,
			&probabilitiesJSON,
			&record.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan prediction record: %w", err)
		}

		if len(probabilitiesJSON) > 0 {
			if err := json.Unmarshal(probabilitiesJSON, &record.Probabilities); err != nil {
				return nil, fmt.Errorf("failed to unmarshal probabilities: %w", err)
			}
		}

		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate prediction records: %w", err)
	}

	return records, nil
}
