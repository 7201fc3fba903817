// Package session maps opaque bearer tokens to per-session reconcilers.
// Each browser session gets its own identity provider client and
// reconciler; the hub owns their lifecycle and reaps idle ones.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medgrid/vitalwatch/internal/database"
	"github.com/medgrid/vitalwatch/internal/identity"
	"github.com/medgrid/vitalwatch/internal/reconciler"
)

// ErrUnknownToken is returned when a token does not map to a live session.
var ErrUnknownToken = errors.New("unknown session token")

// DefaultIdleTTL is how long a session may go untouched before the sweep
// reaps it.
const DefaultIdleTTL = 12 * time.Hour

const sweepInterval = 5 * time.Minute

// ProviderFactory builds a fresh identity provider client for one session.
// ctx is cancelled when the hub tears the session down; implementations
// must tie their background work (token auto-refresh) to it.
type ProviderFactory func(ctx context.Context) identity.Provider

// Session pairs an opaque token with its reconciler.
type Session struct {
	Token      string
	Reconciler *reconciler.Reconciler

	lastSeen time.Time
	cancel   context.CancelFunc
}

// stop closes the reconciler and cancels the session context, ending the
// provider's background work.
func (s *Session) stop() {
	s.Reconciler.Close()
	if s.cancel != nil {
		s.cancel()
	}
}

// Hub owns all live sessions.
type Hub struct {
	newProvider ProviderFactory
	store       database.ProfileStore
	log         *zap.Logger
	idleTTL     time.Duration
	opts        []reconciler.Option

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewHub creates a hub. idleTTL <= 0 selects DefaultIdleTTL.
func NewHub(factory ProviderFactory, store database.ProfileStore, log *zap.Logger, idleTTL time.Duration, opts ...reconciler.Option) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &Hub{
		newProvider: factory,
		store:       store,
		log:         log,
		idleTTL:     idleTTL,
		opts:        opts,
		sessions:    make(map[string]*Session),
	}
}

// Start runs the idle sweep until ctx is cancelled.
func (h *Hub) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.sweep()
			}
		}
	}()
}

// Login creates a new session and signs it in. On provider failure the
// session is torn down and the error returned verbatim.
func (h *Hub) Login(ctx context.Context, email, password string) (*Session, error) {
	return h.establish(func(r *reconciler.Reconciler) error {
		return r.SignIn(ctx, email, password)
	})
}

// SignUp creates a new session, registers the identity, and signs it in.
func (h *Hub) SignUp(ctx context.Context, email, password, displayNameHint string) (*Session, error) {
	return h.establish(func(r *reconciler.Reconciler) error {
		return r.SignUp(ctx, email, password, displayNameHint)
	})
}

func (h *Hub) establish(authenticate func(*reconciler.Reconciler) error) (*Session, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errors.New("session hub closed")
	}
	h.mu.Unlock()

	// The session outlives the login request, so its context is detached
	// from the request's. Cancelling it is how the hub stops the
	// provider's background refresh on teardown.
	sessCtx, cancel := context.WithCancel(context.Background())

	rec := reconciler.New(h.newProvider(sessCtx), h.store, h.log, h.opts...)
	if err := rec.Start(sessCtx); err != nil {
		rec.Close()
		cancel()
		return nil, err
	}
	if err := authenticate(rec); err != nil {
		rec.Close()
		cancel()
		return nil, err
	}

	sess := &Session{
		Token:      uuid.NewString(),
		Reconciler: rec,
		lastSeen:   time.Now(),
		cancel:     cancel,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sess.stop()
		return nil, errors.New("session hub closed")
	}
	h.sessions[sess.Token] = sess
	count := len(h.sessions)
	h.mu.Unlock()

	h.log.Info("session_established", zap.Int("live_sessions", count))
	return sess, nil
}

// Get resolves a token to its session and marks it as seen.
func (h *Hub) Get(token string) (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess, ok := h.sessions[token]
	if !ok {
		return nil, ErrUnknownToken
	}
	sess.lastSeen = time.Now()
	return sess, nil
}

// Logout signs the session out at the provider and removes it. An unknown
// token is not an error: the session may already have been reaped.
func (h *Hub) Logout(ctx context.Context, token string) error {
	h.mu.Lock()
	sess, ok := h.sessions[token]
	if ok {
		delete(h.sessions, token)
	}
	h.mu.Unlock()
	if !ok {
		return nil
	}

	err := sess.Reconciler.SignOut(ctx)
	sess.stop()
	return err
}

// Count returns the number of live sessions.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close tears down every session.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	victims := make([]*Session, 0, len(h.sessions))
	for token, sess := range h.sessions {
		victims = append(victims, sess)
		delete(h.sessions, token)
	}
	h.mu.Unlock()

	for _, sess := range victims {
		sess.stop()
	}
}

func (h *Hub) sweep() {
	cutoff := time.Now().Add(-h.idleTTL)

	h.mu.Lock()
	var victims []*Session
	for token, sess := range h.sessions {
		if sess.lastSeen.Before(cutoff) {
			victims = append(victims, sess)
			delete(h.sessions, token)
		}
	}
	h.mu.Unlock()

	for _, sess := range victims {
		sess.stop()
	}
	if len(victims) > 0 {
		h.log.Info("idle_sessions_reaped", zap.Int("count", len(victims)))
	}
}
