package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medgrid/vitalwatch/internal/identity"
	"github.com/medgrid/vitalwatch/internal/models"
	"github.com/medgrid/vitalwatch/internal/queue"
	"github.com/medgrid/vitalwatch/internal/request"
	"github.com/medgrid/vitalwatch/internal/session"
)

type stubProvider struct {
	mu       sync.Mutex
	session  *identity.Session
	handlers []identity.Handler
	fail     *identity.AuthError
}

func (p *stubProvider) SignIn(_ context.Context, email, _ string) (*identity.Session, error) {
	if p.fail != nil {
		return nil, p.fail
	}
	sess := &identity.Session{SubjectID: "subj-" + email, Email: email}
	p.mu.Lock()
	p.session = sess
	hs := append([]identity.Handler(nil), p.handlers...)
	p.mu.Unlock()
	for _, h := range hs {
		h(identity.EventSignedIn, sess)
	}
	return sess, nil
}

func (p *stubProvider) SignUp(ctx context.Context, email, password, _ string) (*identity.Session, error) {
	return p.SignIn(ctx, email, password)
}

func (p *stubProvider) SignOut(context.Context) error {
	p.mu.Lock()
	p.session = nil
	hs := append([]identity.Handler(nil), p.handlers...)
	p.mu.Unlock()
	for _, h := range hs {
		h(identity.EventSignedOut, nil)
	}
	return nil
}

func (p *stubProvider) CurrentSession(context.Context) (*identity.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session, nil
}

func (p *stubProvider) Subscribe(h identity.Handler) func() {
	p.mu.Lock()
	p.handlers = append(p.handlers, h)
	p.mu.Unlock()
	return func() {}
}

type stubProfileStore struct {
	mu       sync.Mutex
	profiles map[string]*models.Profile
}

func newStubProfileStore() *stubProfileStore {
	return &stubProfileStore{profiles: make(map[string]*models.Profile)}
}

func (s *stubProfileStore) GetBySubject(_ context.Context, subjectID string) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profiles[subjectID], nil
}

func (s *stubProfileStore) Create(_ context.Context, subjectID, email string) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &models.Profile{ID: uuid.New(), SubjectID: subjectID, Email: email}
	s.profiles[subjectID] = p
	return p, nil
}

func (s *stubProfileStore) Update(_ context.Context, subjectID string, update models.ProfileUpdate) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.profiles[subjectID]
	cp := *p
	if update.Name != nil {
		cp.Name = update.Name
	}
	if update.Phone != nil {
		cp.Phone = update.Phone
	}
	if update.Organization != nil {
		cp.Organization = update.Organization
	}
	s.profiles[subjectID] = &cp
	return &cp, nil
}

type fakePredictionStore struct {
	mu        sync.Mutex
	records   []*models.PredictionRecord
	insertErr error
	listErr   error
}

func (s *fakePredictionStore) Insert(_ context.Context, record *models.PredictionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.records = append(s.records, record)
	return nil
}

func (s *fakePredictionStore) ListBySubject(_ context.Context, subjectID string, _ int) ([]*models.PredictionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*models.PredictionRecord
	for _, r := range s.records {
		if r.SubjectID == subjectID {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeScorer struct {
	prediction *models.Prediction
	err        error
}

func (s *fakeScorer) Predict(context.Context, *models.VitalsReading) (*models.Prediction, error) {
	return s.prediction, s.err
}

type fakeQueue struct {
	mu         sync.Mutex
	jobs       []*queue.Job
	enqueueErr error
}

func (q *fakeQueue) Enqueue(_ context.Context, job *queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) Dequeue(context.Context) (*queue.Message, error) { return nil, nil }

func (q *fakeQueue) Consume(context.Context, int) (<-chan *queue.Message, <-chan error, error) {
	return nil, nil, nil
}

func (q *fakeQueue) Close() error                      { return nil }
func (q *fakeQueue) HealthCheck(context.Context) error { return nil }

// newAuthedSession builds a hub with an authenticated session for handler
// tests.
func newAuthedSession(t *testing.T) (*session.Hub, *session.Session) {
	t.Helper()
	hub := session.NewHub(func(context.Context) identity.Provider { return &stubProvider{} }, newStubProfileStore(), zap.NewNop(), 0)
	t.Cleanup(hub.Close)

	sess, err := hub.Login(context.Background(), "a@x.com", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return hub, sess
}

// withSession attaches the session to a request the way SessionAuth does.
func withSession(r *http.Request, sess *session.Session) *http.Request {
	return r.WithContext(request.WithSession(r.Context(), sess))
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var envelope map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("response is not JSON: %v (body %q)", err, rec.Body.String())
	}
	return envelope
}

func newValidate() *validator.Validate {
	return validator.New()
}

var goodVitalsJSON = `{
	"respiratory_rate": 18,
	"oxygen_saturation": 96,
	"o2_scale": 1,
	"systolic_bp": 120,
	"heart_rate": 80,
	"temperature": 36.8,
	"consciousness": "A",
	"on_oxygen": 0
}`
