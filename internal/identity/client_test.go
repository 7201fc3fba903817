package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// testBackend is a fake GoTrue-style identity backend with a real signing
// key so issued tokens verify against the served JWKS.
type testBackend struct {
	server  *httptest.Server
	signKey jwk.Key
	pubSet  jwk.Set

	mu       sync.Mutex
	tokenTTL time.Duration
	rejected bool // when true, /token returns invalid_grant
	issued   int
}

func newTestBackend(t *testing.T) *testBackend {
	t.Helper()

	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signKey, err := jwk.FromRaw(raw)
	if err != nil {
		t.Fatalf("wrap key: %v", err)
	}
	if err := signKey.Set(jwk.KeyIDKey, "test-key"); err != nil {
		t.Fatalf("set kid: %v", err)
	}
	if err := signKey.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		t.Fatalf("set alg: %v", err)
	}
	pub, err := signKey.PublicKey()
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	pubSet := jwk.NewSet()
	if err := pubSet.AddKey(pub); err != nil {
		t.Fatalf("add key: %v", err)
	}

	b := &testBackend{signKey: signKey, pubSet: pubSet, tokenTTL: time.Hour}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(b.pubSet)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		rejected := b.rejected
		b.mu.Unlock()
		if rejected {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid login credentials"}`))
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		grant := r.Form.Get("grant_type")
		if grant != "password" && grant != "refresh_token" {
			http.Error(w, "unsupported grant", http.StatusBadRequest)
			return
		}
		b.writeToken(w, "user-1", "a@x.com")
	})
	mux.HandleFunc("/signup", func(w http.ResponseWriter, r *http.Request) {
		b.writeToken(w, "user-new", "new@x.com")
	})
	mux.HandleFunc("/logout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	b.server = httptest.NewServer(mux)
	t.Cleanup(b.server.Close)
	return b
}

func (b *testBackend) mint(t testing.TB, sub, email string, ttl time.Duration) string {
	t.Helper()
	tok := jwt.New()
	_ = tok.Set(jwt.SubjectKey, sub)
	_ = tok.Set("email", email)
	_ = tok.Set(jwt.ExpirationKey, time.Now().Add(ttl))
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, b.signKey))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return string(signed)
}

func (b *testBackend) writeToken(w http.ResponseWriter, sub, email string) {
	b.mu.Lock()
	b.issued++
	n := b.issued
	ttl := b.tokenTTL
	b.mu.Unlock()

	tok := jwt.New()
	_ = tok.Set(jwt.SubjectKey, sub)
	_ = tok.Set("email", email)
	_ = tok.Set(jwt.ExpirationKey, time.Now().Add(ttl))
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, b.signKey))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":  string(signed),
		"refresh_token": fmt.Sprintf("refresh-%d", n),
		"token_type":    "bearer",
		"expires_in":    int(ttl.Seconds()),
	})
}

type eventRecorder struct {
	mu     sync.Mutex
	events []EventKind
}

func (r *eventRecorder) handler(kind EventKind, _ *Session) {
	r.mu.Lock()
	r.events = append(r.events, kind)
	r.mu.Unlock()
}

func (r *eventRecorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	copy(out, r.events)
	return out
}

func TestClient_SignIn(t *testing.T) {
	t.Parallel()

	backend := newTestBackend(t)
	client := NewClient(backend.server.URL, "anon-key", NewJWKSManager(), nil)

	rec := &eventRecorder{}
	unsub := client.Subscribe(rec.handler)
	defer unsub()

	sess, err := client.SignIn(context.Background(), "a@x.com", "secret")
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if sess.SubjectID != "user-1" {
		t.Errorf("SubjectID = %s, want user-1", sess.SubjectID)
	}
	if sess.Email != "a@x.com" {
		t.Errorf("Email = %s, want a@x.com", sess.Email)
	}
	if sess.Expired() {
		t.Error("fresh session should not be expired")
	}

	got, err := client.CurrentSession(context.Background())
	if err != nil {
		t.Fatalf("CurrentSession() error = %v", err)
	}
	if got == nil || got.SubjectID != "user-1" {
		t.Errorf("CurrentSession() = %+v, want user-1 session", got)
	}

	kinds := rec.kinds()
	if len(kinds) != 1 || kinds[0] != EventSignedIn {
		t.Errorf("events = %v, want [SIGNED_IN]", kinds)
	}
}

func TestClient_SignInInvalidCredentials(t *testing.T) {
	t.Parallel()

	backend := newTestBackend(t)
	backend.rejected = true
	client := NewClient(backend.server.URL, "anon-key", NewJWKSManager(), nil)

	_, err := client.SignIn(context.Background(), "a@x.com", "wrong")
	if err == nil {
		t.Fatal("SignIn() should fail with bad credentials")
	}
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("error type = %T, want *AuthError", err)
	}
	if authErr.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", authErr.StatusCode)
	}
	if authErr.Message != "Invalid login credentials" {
		t.Errorf("Message = %q, want provider message surfaced verbatim", authErr.Message)
	}

	if sess, _ := client.CurrentSession(context.Background()); sess != nil {
		t.Error("failed sign-in must not leave a session behind")
	}
}

func TestClient_SignOut(t *testing.T) {
	t.Parallel()

	backend := newTestBackend(t)
	client := NewClient(backend.server.URL, "anon-key", NewJWKSManager(), nil)

	rec := &eventRecorder{}
	unsub := client.Subscribe(rec.handler)
	defer unsub()

	if _, err := client.SignIn(context.Background(), "a@x.com", "secret"); err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if err := client.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut() error = %v", err)
	}

	if sess, _ := client.CurrentSession(context.Background()); sess != nil {
		t.Error("CurrentSession() should be nil after sign-out")
	}
	kinds := rec.kinds()
	if len(kinds) != 2 || kinds[1] != EventSignedOut {
		t.Errorf("events = %v, want [SIGNED_IN SIGNED_OUT]", kinds)
	}
}

func TestClient_Unsubscribe(t *testing.T) {
	t.Parallel()

	backend := newTestBackend(t)
	client := NewClient(backend.server.URL, "anon-key", NewJWKSManager(), nil)

	rec := &eventRecorder{}
	unsub := client.Subscribe(rec.handler)
	unsub()

	if _, err := client.SignIn(context.Background(), "a@x.com", "secret"); err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if kinds := rec.kinds(); len(kinds) != 0 {
		t.Errorf("unsubscribed handler still received events: %v", kinds)
	}
}

func TestClient_ExpiredSessionRefreshes(t *testing.T) {
	t.Parallel()

	backend := newTestBackend(t)
	backend.tokenTTL = 1 * time.Second
	client := NewClient(backend.server.URL, "anon-key", NewJWKSManager(), nil)

	rec := &eventRecorder{}
	unsub := client.Subscribe(rec.handler)
	defer unsub()

	first, err := client.SignIn(context.Background(), "a@x.com", "secret")
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}

	// Let the access token expire, then hand out long-lived replacements.
	time.Sleep(1200 * time.Millisecond)
	backend.mu.Lock()
	backend.tokenTTL = time.Hour
	backend.mu.Unlock()

	refreshed, err := client.CurrentSession(context.Background())
	if err != nil {
		t.Fatalf("CurrentSession() error = %v", err)
	}
	if refreshed == nil {
		t.Fatal("CurrentSession() = nil, want refreshed session")
	}
	if refreshed.AccessToken == first.AccessToken {
		t.Error("refresh should rotate the access token")
	}
	if refreshed.SubjectID != first.SubjectID {
		t.Errorf("refresh changed subject: %s -> %s", first.SubjectID, refreshed.SubjectID)
	}

	kinds := rec.kinds()
	if len(kinds) != 2 || kinds[1] != EventTokenRefreshed {
		t.Errorf("events = %v, want [SIGNED_IN TOKEN_REFRESHED]", kinds)
	}
}
