package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/medgrid/vitalwatch/internal/models"
)

// JobType represents the type of job.
type JobType string

// JobTypePredictionRecord persists one scored vitals reading to the
// history table.
const JobTypePredictionRecord JobType = "prediction_record"

// Job is one unit of asynchronous work.
type Job struct {
	ID        uuid.UUID `json:"id"`
	Type      JobType   `json:"type"`
	SubjectID string    `json:"subject_id"`
	// Record carries the scored reading for prediction_record jobs.
	Record     *models.PredictionRecord `json:"record,omitempty"`
	NotBefore  *time.Time               `json:"not_before,omitempty"` // earliest processing time, nil = immediate
	NotAfter   *time.Time               `json:"not_after,omitempty"`  // latest processing time, nil = no expiration
	CreatedAt  time.Time                `json:"created_at"`
	RetryCount int                      `json:"retry_count"`
	MaxRetries int                      `json:"max_retries"`
}

// NewPredictionRecordJob creates a job that persists one prediction record.
func NewPredictionRecordJob(record *models.PredictionRecord) *Job {
	return &Job{
		ID:         uuid.New(),
		Type:       JobTypePredictionRecord,
		SubjectID:  record.SubjectID,
		Record:     record,
		CreatedAt:  time.Now(),
		MaxRetries: 3,
	}
}

// ShouldProcess checks whether the job's processing window is open.
func (j *Job) ShouldProcess() bool {
	now := time.Now()
	if j.NotBefore != nil && now.Before(*j.NotBefore) {
		return false
	}
	if j.NotAfter != nil && now.After(*j.NotAfter) {
		return false
	}
	return true
}

// IsExpired checks whether the job is past its NotAfter deadline.
func (j *Job) IsExpired() bool {
	return j.NotAfter != nil && time.Now().After(*j.NotAfter)
}

// CanRetry checks whether the job has retries left.
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// IncrementRetry increments the retry count.
func (j *Job) IncrementRetry() {
	j.RetryCount++
}
