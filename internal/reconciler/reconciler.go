// Package reconciler owns the authoritative in-memory view of "who is
// logged in and what is their profile". It subscribes to identity events,
// auto-provisions the profile row on first login, deduplicates concurrent
// provisioning attempts, and publishes consistent state snapshots to
// consumers.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/medgrid/vitalwatch/internal/database"
	"github.com/medgrid/vitalwatch/internal/identity"
	"github.com/medgrid/vitalwatch/internal/models"
)

// ErrNotAuthenticated is returned by mutations that require an active
// session.
var ErrNotAuthenticated = errors.New("not authenticated")

// ErrClosed is returned by operations on a closed reconciler.
var ErrClosed = errors.New("reconciler closed")

// State is the published view. Invariant: IsLoggedIn == (User != nil).
// Profile may be nil while IsLoggedIn is true: it is eventually consistent
// with login, never synchronous with it.
type State struct {
	User       *identity.Session `json:"user"`
	Profile    *models.Profile   `json:"profile"`
	IsLoggedIn bool              `json:"is_logged_in"`
	IsLoading  bool              `json:"is_loading"`
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLoadingEvents overrides which identity event kinds force the loading
// flag and a full session pass. The default matches the UX of the original
// client: sign-in and sign-out do, token refresh does not. This partition
// is policy, not a correctness requirement.
func WithLoadingEvents(kinds ...identity.EventKind) Option {
	return func(r *Reconciler) {
		r.loadingEvents = make(map[identity.EventKind]bool, len(kinds))
		for _, k := range kinds {
			r.loadingEvents[k] = true
		}
	}
}

// Reconciler reconciles the remote identity session with the locally
// stored profile. One instance serves one UI session; there is one logical
// writer, so a single mutex plus a generation counter is enough.
type Reconciler struct {
	provider      identity.Provider
	store         database.ProfileStore
	log           *zap.Logger
	loadingEvents map[identity.EventKind]bool

	mu          sync.Mutex
	state       State
	gen         uint64 // bumped by every full session pass; stale results are dropped
	inFlight    string // subject id with a profile resolution outstanding, "" if none
	closed      bool
	started     bool
	unsubscribe func()
	watchers    map[int]chan State
	nextWatch   int

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a reconciler in the Unknown state (loading, nothing known
// yet). Call Start to perform the initial session check and subscribe to
// identity events.
func New(provider identity.Provider, store database.ProfileStore, log *zap.Logger, opts ...Option) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Reconciler{
		provider: provider,
		store:    store,
		log:      log,
		loadingEvents: map[identity.EventKind]bool{
			identity.EventSignedIn:  true,
			identity.EventSignedOut: true,
		},
		state:    State{IsLoading: true},
		watchers: make(map[int]chan State),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start subscribes to identity events and performs the initial session
// check. The loading flag clears once session validity is known; profile
// resolution continues in the background and never gates it.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("reconciler already started")
	}
	r.started = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	startGen := r.gen
	r.mu.Unlock()

	r.unsubscribeSet(r.provider.Subscribe(r.handleEvent))

	sess, err := r.provider.CurrentSession(r.ctx)
	if err != nil {
		r.log.Warn("initial_session_check_failed", zap.Error(err))
		sess = nil
	}

	// Only apply the mount-time result if no event superseded it while the
	// check was in flight: the last event received wins, not the last
	// network call to complete.
	r.mu.Lock()
	if r.gen != startGen || r.closed {
		r.mu.Unlock()
		return nil
	}
	r.applySessionLocked(sess)
	return nil
}

// Close tears the reconciler down: it unsubscribes from identity events
// and guarantees that no in-flight asynchronous work mutates state
// afterwards.
func (r *Reconciler) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	unsub := r.unsubscribe
	r.unsubscribe = nil
	cancel := r.cancel
	for id, ch := range r.watchers {
		close(ch)
		delete(r.watchers, id)
	}
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
}

// State returns a snapshot of the published view.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Watch returns a channel of state snapshots and a cancel function.
// Snapshots are dropped, not blocked on, when the consumer lags.
func (r *Reconciler) Watch() (<-chan State, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan State, 16)
	if r.closed {
		close(ch)
		return ch, func() {}
	}
	id := r.nextWatch
	r.nextWatch++
	r.watchers[id] = ch

	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if w, ok := r.watchers[id]; ok {
			delete(r.watchers, id)
			close(w)
		}
	}
}

// SignIn authenticates with the identity provider. State transitions are
// driven by the resulting identity event; the returned error carries the
// provider failure verbatim.
func (r *Reconciler) SignIn(ctx context.Context, email, password string) error {
	if err := r.setLoading(); err != nil {
		return err
	}
	_, err := r.provider.SignIn(ctx, email, password)
	r.clearLoading()
	return err
}

// SignUp registers a new identity and signs it in.
func (r *Reconciler) SignUp(ctx context.Context, email, password, displayNameHint string) error {
	if err := r.setLoading(); err != nil {
		return err
	}
	_, err := r.provider.SignUp(ctx, email, password, displayNameHint)
	r.clearLoading()
	return err
}

// SignOut destroys the provider session and clears local state. The state
// is cleared directly as well as via the sign-out event, so a provider
// that fails to emit still leaves the reconciler anonymous.
func (r *Reconciler) SignOut(ctx context.Context) error {
	if err := r.setLoading(); err != nil {
		return err
	}
	err := r.provider.SignOut(ctx)
	if err == nil {
		r.mu.Lock()
		if !r.closed {
			r.applySessionLocked(nil)
		} else {
			r.mu.Unlock()
		}
	}
	r.clearLoading()
	return err
}

// UpdateProfile applies a user-initiated profile edit. It requires an
// authenticated state and replaces the cached profile in place without
// touching session state.
func (r *Reconciler) UpdateProfile(ctx context.Context, update models.ProfileUpdate) (*models.Profile, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	user := r.state.User
	r.mu.Unlock()

	if user == nil {
		return nil, ErrNotAuthenticated
	}

	profile, err := r.store.Update(ctx, user.SubjectID, update)
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}

	r.mu.Lock()
	if !r.closed && r.state.User != nil && r.state.User.SubjectID == profile.SubjectID {
		r.state.Profile = profile
		r.publishLocked()
	}
	r.mu.Unlock()

	return profile, nil
}

// RefreshProfile forces a profile resolution pass for the current subject.
// Consumers use it to recover from an earlier background provisioning
// failure. It is a no-op when anonymous or when a resolution for the same
// subject is already in flight.
func (r *Reconciler) RefreshProfile(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	user := r.state.User
	r.mu.Unlock()

	if user == nil {
		return ErrNotAuthenticated
	}
	return r.resolveProfile(ctx, user.SubjectID, user.Email)
}

// handleEvent receives identity events. Loading-kind events (sign-in,
// sign-out by default) run a full session pass; other kinds swap the
// session silently when the subject is unchanged.
func (r *Reconciler) handleEvent(kind identity.EventKind, sess *identity.Session) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	if !r.loadingEvents[kind] {
		// Silent update: same subject, rotated tokens. Anything else is
		// effectively a session change and goes through the full pass.
		if sess != nil && r.state.User != nil && sess.SubjectID == r.state.User.SubjectID {
			r.state.User = sess
			r.publishLocked()
			r.mu.Unlock()
			return
		}
	}

	r.state.IsLoading = true
	r.publishLocked()
	r.applySessionLocked(sess)
}

// applySessionLocked runs the full session pass: it bumps the generation
// (so a superseded mount-time check is dropped), installs the new session,
// and kicks off background profile resolution for authenticated sessions.
// The caller must hold r.mu; the lock is released on return.
func (r *Reconciler) applySessionLocked(sess *identity.Session) {
	r.gen++

	if sess == nil {
		r.state = State{}
		r.publishLocked()
		r.mu.Unlock()
		return
	}

	if r.state.Profile != nil && r.state.Profile.SubjectID != sess.SubjectID {
		r.state.Profile = nil
	}
	r.state.User = sess
	r.state.IsLoggedIn = true
	r.state.IsLoading = false
	r.publishLocked()
	ctx := r.ctx
	r.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		if err := r.resolveProfile(ctx, sess.SubjectID, sess.Email); err != nil &&
			!errors.Is(err, ErrClosed) && !errors.Is(err, context.Canceled) {
			r.log.Warn("background_profile_resolution_failed",
				zap.String("subject_id", sess.SubjectID),
				zap.Error(err),
			)
		}
	}()
}

// resolveProfile fetches the subject's profile, creating it on first login.
// Re-entrancy for the same subject is a no-op while a resolution is
// outstanding, which keeps provisioning idempotent even though the store's
// create is not. The result is applied only if the subject is still the
// current user when it arrives; a sign-out or user switch in the meantime
// makes it stale and it is dropped.
func (r *Reconciler) resolveProfile(ctx context.Context, subjectID, email string) error {
	r.mu.Lock()
	if r.staleLocked(subjectID) || r.inFlight == subjectID {
		r.mu.Unlock()
		return nil
	}
	r.inFlight = subjectID
	r.mu.Unlock()

	profile, err := r.store.GetBySubject(ctx, subjectID)
	if err == nil && profile == nil {
		// First login: provision the profile row. Skip the write if the
		// subject signed out while the fetch was in flight.
		r.mu.Lock()
		stale := r.staleLocked(subjectID)
		r.mu.Unlock()
		switch {
		case stale:
		case email == "":
			err = fmt.Errorf("cannot create profile for subject %s: no email available", subjectID)
		default:
			profile, err = r.store.Create(ctx, subjectID, email)
		}
	}

	r.mu.Lock()
	if r.inFlight == subjectID {
		r.inFlight = ""
	}
	if r.staleLocked(subjectID) {
		r.mu.Unlock()
		return nil
	}
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("resolve profile: %w", err)
	}
	r.state.Profile = profile
	r.publishLocked()
	r.mu.Unlock()
	return nil
}

// staleLocked reports whether a profile resolution for subjectID no
// longer matches the current state. Caller must hold r.mu.
func (r *Reconciler) staleLocked(subjectID string) bool {
	return r.closed || r.state.User == nil || r.state.User.SubjectID != subjectID
}

// setLoading marks the state loading ahead of an explicit user action.
func (r *Reconciler) setLoading() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.state.IsLoading = true
	r.publishLocked()
	return nil
}

// clearLoading drops the loading flag if still set.
func (r *Reconciler) clearLoading() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || !r.state.IsLoading {
		return
	}
	r.state.IsLoading = false
	r.publishLocked()
}

// publishLocked re-establishes the IsLoggedIn invariant and fans the
// snapshot out to watchers. Caller must hold r.mu.
func (r *Reconciler) publishLocked() {
	r.state.IsLoggedIn = r.state.User != nil
	for _, ch := range r.watchers {
		select {
		case ch <- r.state:
		default:
		}
	}
}

// unsubscribeSet stores the provider subscription disposer, releasing it
// immediately if the reconciler closed in the meantime.
func (r *Reconciler) unsubscribeSet(unsub func()) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		unsub()
		return
	}
	r.unsubscribe = unsub
	r.mu.Unlock()
}
