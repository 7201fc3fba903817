// Package workers contains the background job processors run by the
// worker binary.
package workers

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/medgrid/vitalwatch/internal/database"
	"github.com/medgrid/vitalwatch/internal/queue"
)

// baseRetryDelay is doubled for every retry already attempted.
const baseRetryDelay = 30 * time.Second

// HistoryRecorder persists scored vitals readings delivered through the
// job queue.
type HistoryRecorder struct {
	predictions database.PredictionStore
	jobQueue    queue.JobQueue
	logger      *zap.Logger
}

// NewHistoryRecorder creates a history recorder.
func NewHistoryRecorder(
	predictions database.PredictionStore,
	jobQueue queue.JobQueue,
	logger *zap.Logger,
) *HistoryRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryRecorder{
		predictions: predictions,
		jobQueue:    jobQueue,
		logger:      logger,
	}
}

// ProcessJob dispatches a delivery based on its job type and settles the
// message. Expired jobs go to the DLQ without processing.
func (r *HistoryRecorder) ProcessJob(ctx context.Context, msg queue.MessageInterface) error {
	job := msg.GetJob()

	if job.IsExpired() {
		r.logger.Warn("job_expired_sending_to_dlq",
			zap.String("job_id", job.ID.String()),
			zap.String("job_type", string(job.Type)),
		)
		if nackErr := msg.Nack(false); nackErr != nil {
			r.logger.Error("failed_to_nack_expired_job", zap.Error(nackErr))
		}
		return nil
	}

	switch job.Type {
	case queue.JobTypePredictionRecord:
		if err := r.processPredictionRecord(ctx, job); err != nil {
			return r.handleJobError(ctx, msg, job, err)
		}
		if ackErr := msg.Ack(); ackErr != nil {
			return fmt.Errorf("failed to ack job: %w", ackErr)
		}
		return nil

	default:
		if nackErr := msg.Nack(false); nackErr != nil { // Unknown job type, send to DLQ
			r.logger.Error("failed_to_nack_unknown_job", zap.Error(nackErr))
		}
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
}

func (r *HistoryRecorder) processPredictionRecord(ctx context.Context, job *queue.Job) error {
	if job.Record == nil {
		return fmt.Errorf("prediction record job %s has no record", job.ID)
	}

	if err := r.predictions.Insert(ctx, job.Record); err != nil {
		return fmt.Errorf("failed to insert prediction record: %w", err)
	}

	r.logger.Debug("prediction_record_persisted",
		zap.String("job_id", job.ID.String()),
		zap.String("subject_id", job.SubjectID),
		zap.String("risk_level", job.Record.RiskLevel),
	)
	return nil
}

// handleJobError re-enqueues a delayed copy of the job while retries
// remain; once exhausted, the message dead-letters.
func (r *HistoryRecorder) handleJobError(ctx context.Context, msg queue.MessageInterface, job *queue.Job, err error) error {
	if !job.CanRetry() {
		r.logger.Error("job_retries_exhausted_sending_to_dlq",
			zap.Error(err),
			zap.String("job_id", job.ID.String()),
			zap.Int("retry_count", job.RetryCount),
		)
		if nackErr := msg.Nack(false); nackErr != nil {
			r.logger.Error("failed_to_nack_exhausted_job", zap.Error(nackErr))
		}
		return fmt.Errorf("job %s failed after %d retries: %w", job.ID, job.RetryCount, err)
	}

	retryDelay := baseRetryDelay << job.RetryCount
	notBefore := time.Now().Add(retryDelay)

	retryJob := &queue.Job{
		ID:         job.ID,
		Type:       job.Type,
		SubjectID:  job.SubjectID,
		Record:     job.Record,
		NotBefore:  &notBefore,
		NotAfter:   job.NotAfter,
		CreatedAt:  job.CreatedAt,
		RetryCount: job.RetryCount + 1,
		MaxRetries: job.MaxRetries,
	}

	if enqueueErr := r.jobQueue.Enqueue(ctx, retryJob); enqueueErr != nil {
		r.logger.Error("failed_to_enqueue_retry_requeueing_original",
			zap.Error(enqueueErr),
			zap.String("job_id", job.ID.String()),
		)
		if nackErr := msg.Nack(true); nackErr != nil {
			r.logger.Error("failed_to_nack_job", zap.Error(nackErr))
		}
		return fmt.Errorf("job %s failed and retry enqueue failed: %w", job.ID, err)
	}

	r.logger.Warn("job_failed_retry_scheduled",
		zap.Error(err),
		zap.String("job_id", job.ID.String()),
		zap.Int("retry_count", retryJob.RetryCount),
		zap.Duration("retry_delay", retryDelay),
	)

	if ackErr := msg.Ack(); ackErr != nil {
		return fmt.Errorf("failed to ack job after scheduling retry: %w", ackErr)
	}
	return nil
}
