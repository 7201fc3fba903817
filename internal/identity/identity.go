// Package identity wraps the remote identity provider. It exposes the
// narrow surface the reconciler needs: credential operations, the current
// session, and a subscription for session-change events.
package identity

import (
	"context"
	"fmt"
	"time"
)

// Session is the live authenticated-identity record observed from the
// provider. The reconciler never mutates it, only observes it.
type Session struct {
	SubjectID    string    `json:"subject_id"`
	Email        string    `json:"email,omitempty"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the session's access token is past its expiry.
func (s *Session) Expired() bool {
	return !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt)
}

// EventKind classifies a session-change event.
type EventKind string

const (
	// EventSignedIn fires when a new session is established.
	EventSignedIn EventKind = "SIGNED_IN"
	// EventSignedOut fires when the session is destroyed.
	EventSignedOut EventKind = "SIGNED_OUT"
	// EventTokenRefreshed fires when the session's tokens rotate without
	// the subject changing.
	EventTokenRefreshed EventKind = "TOKEN_REFRESHED"
)

// Handler receives session-change events. session is nil for EventSignedOut.
type Handler func(kind EventKind, session *Session)

// Provider is the identity provider adapter. Implementations surface
// provider errors verbatim as *AuthError; there is no retry logic here.
type Provider interface {
	SignIn(ctx context.Context, email, password string) (*Session, error)
	SignUp(ctx context.Context, email, password, displayNameHint string) (*Session, error)
	SignOut(ctx context.Context) error

	// CurrentSession returns the active session, refreshing it first if it
	// has expired and a refresh token is available. (nil, nil) means no
	// active session.
	CurrentSession(ctx context.Context) (*Session, error)

	// Subscribe registers a handler for session-change events and returns
	// an unsubscribe function. Handlers are invoked synchronously in
	// registration order.
	Subscribe(h Handler) (unsubscribe func())
}

// AuthError is a failure reported by the identity provider.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (status %d): %s", e.StatusCode, e.Message)
}
