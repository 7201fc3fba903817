package workers

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/medgrid/vitalwatch/internal/models"
	"github.com/medgrid/vitalwatch/internal/queue"
)

type mockMessage struct {
	job     *queue.Job
	acked   bool
	nacked  bool
	requeue bool
}

func (m *mockMessage) Ack() error { m.acked = true; return nil }
func (m *mockMessage) Nack(requeue bool) error {
	m.nacked = true
	m.requeue = requeue
	return nil
}
func (m *mockMessage) GetJob() *queue.Job { return m.job }

type mockPredictionStore struct {
	records   []*models.PredictionRecord
	insertErr error
}

func (s *mockPredictionStore) Insert(_ context.Context, record *models.PredictionRecord) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.records = append(s.records, record)
	return nil
}

func (s *mockPredictionStore) ListBySubject(_ context.Context, _ string, _ int) ([]*models.PredictionRecord, error) {
	return s.records, nil
}

type mockJobQueue struct {
	enqueued   []*queue.Job
	enqueueErr error
}

func (q *mockJobQueue) Enqueue(_ context.Context, job *queue.Job) error {
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.enqueued = append(q.enqueued, job)
	return nil
}

func (q *mockJobQueue) Dequeue(_ context.Context) (*queue.Message, error) { return nil, nil }
func (q *mockJobQueue) Consume(_ context.Context, _ int) (<-chan *queue.Message, <-chan error, error) {
	return nil, nil, nil
}
func (q *mockJobQueue) Close() error                       { return nil }
func (q *mockJobQueue) HealthCheck(_ context.Context) error { return nil }

func testRecord() *models.PredictionRecord {
	return &models.PredictionRecord{
		SubjectID: "subj-1",
		Vitals: models.VitalsReading{
			RespiratoryRate:  18,
			OxygenSaturation: 97,
			O2Scale:          1,
			SystolicBP:       120,
			HeartRate:        72,
			Temperature:      36.8,
			Consciousness:    "A",
			OnOxygen:         0,
		},
		RiskLevel:     "low",
		Probabilities: map[string]float64{"low": 0.9, "medium": 0.08, "high": 0.02},
	}
}

func TestProcessJob_PersistsRecordAndAcks(t *testing.T) {
	t.Parallel()

	store := &mockPredictionStore{}
	jobs := &mockJobQueue{}
	recorder := NewHistoryRecorder(store, jobs, zap.NewNop())

	msg := &mockMessage{job: queue.NewPredictionRecordJob(testRecord())}
	if err := recorder.ProcessJob(context.Background(), msg); err != nil {
		t.Fatalf("ProcessJob: %v", err)
	}

	if len(store.records) != 1 {
		t.Fatalf("records = %d, want 1", len(store.records))
	}
	if !msg.acked {
		t.Error("message was not acked")
	}
	if msg.nacked {
		t.Error("message was nacked")
	}
}

func TestProcessJob_InsertFailureSchedulesRetry(t *testing.T) {
	t.Parallel()

	store := &mockPredictionStore{insertErr: errors.New("connection reset")}
	jobs := &mockJobQueue{}
	recorder := NewHistoryRecorder(store, jobs, zap.NewNop())

	msg := &mockMessage{job: queue.NewPredictionRecordJob(testRecord())}
	if err := recorder.ProcessJob(context.Background(), msg); err != nil {
		t.Fatalf("ProcessJob: %v", err)
	}

	if len(jobs.enqueued) != 1 {
		t.Fatalf("enqueued = %d, want 1 retry job", len(jobs.enqueued))
	}
	retry := jobs.enqueued[0]
	if retry.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", retry.RetryCount)
	}
	if retry.NotBefore == nil || !retry.NotBefore.After(time.Now()) {
		t.Error("retry job should be delayed")
	}
	if !msg.acked {
		t.Error("original message should be acked after scheduling retry")
	}
}

func TestProcessJob_RetriesExhaustedDeadLetters(t *testing.T) {
	t.Parallel()

	store := &mockPredictionStore{insertErr: errors.New("constraint violation")}
	jobs := &mockJobQueue{}
	recorder := NewHistoryRecorder(store, jobs, zap.NewNop())

	job := queue.NewPredictionRecordJob(testRecord())
	job.RetryCount = job.MaxRetries
	msg := &mockMessage{job: job}

	if err := recorder.ProcessJob(context.Background(), msg); err == nil {
		t.Fatal("expected error for exhausted job")
	}
	if !msg.nacked || msg.requeue {
		t.Error("exhausted job should be nacked without requeue")
	}
	if len(jobs.enqueued) != 0 {
		t.Errorf("enqueued = %d, want 0", len(jobs.enqueued))
	}
}

func TestProcessJob_RetryEnqueueFailureRequeuesOriginal(t *testing.T) {
	t.Parallel()

	store := &mockPredictionStore{insertErr: errors.New("connection reset")}
	jobs := &mockJobQueue{enqueueErr: errors.New("channel closed")}
	recorder := NewHistoryRecorder(store, jobs, zap.NewNop())

	msg := &mockMessage{job: queue.NewPredictionRecordJob(testRecord())}
	if err := recorder.ProcessJob(context.Background(), msg); err == nil {
		t.Fatal("expected error when retry enqueue fails")
	}
	if !msg.nacked || !msg.requeue {
		t.Error("original message should be requeued")
	}
}

func TestProcessJob_ExpiredJobDeadLetters(t *testing.T) {
	t.Parallel()

	store := &mockPredictionStore{}
	recorder := NewHistoryRecorder(store, &mockJobQueue{}, zap.NewNop())

	past := time.Now().Add(-time.Minute)
	job := queue.NewPredictionRecordJob(testRecord())
	job.NotAfter = &past
	msg := &mockMessage{job: job}

	if err := recorder.ProcessJob(context.Background(), msg); err != nil {
		t.Fatalf("ProcessJob: %v", err)
	}
	if !msg.nacked || msg.requeue {
		t.Error("expired job should be nacked without requeue")
	}
	if len(store.records) != 0 {
		t.Error("expired job must not be persisted")
	}
}

func TestProcessJob_UnknownTypeDeadLetters(t *testing.T) {
	t.Parallel()

	recorder := NewHistoryRecorder(&mockPredictionStore{}, &mockJobQueue{}, zap.NewNop())

	job := queue.NewPredictionRecordJob(testRecord())
	job.Type = "telemetry_rollup"
	msg := &mockMessage{job: job}

	if err := recorder.ProcessJob(context.Background(), msg); err == nil {
		t.Fatal("expected error for unknown job type")
	}
	if !msg.nacked || msg.requeue {
		t.Error("unknown job type should be nacked without requeue")
	}
}

func TestProcessJob_NilRecordDeadLetters(t *testing.T) {
	t.Parallel()

	jobs := &mockJobQueue{}
	recorder := NewHistoryRecorder(&mockPredictionStore{}, jobs, zap.NewNop())

	job := &queue.Job{Type: queue.JobTypePredictionRecord, SubjectID: "subj-1", CreatedAt: time.Now()}
	msg := &mockMessage{job: job}

	if err := recorder.ProcessJob(context.Background(), msg); err == nil {
		t.Fatal("expected error for nil record")
	}
	if !msg.nacked || msg.requeue {
		t.Error("nil record job should be nacked without requeue")
	}
}

func TestNewHistoryRecorder_NilLogger(t *testing.T) {
	t.Parallel()

	recorder := NewHistoryRecorder(&mockPredictionStore{}, &mockJobQueue{}, nil)
	if recorder.logger == nil {
		t.Fatal("logger should default to nop")
	}
}
