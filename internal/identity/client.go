package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	// DefaultTimeout is the default timeout for identity provider calls.
	DefaultTimeout = 15 * time.Second
	// refreshSlack is how long before expiry the auto-refresh loop rotates
	// the token.
	refreshSlack = 30 * time.Second
)

// Client talks to a GoTrue-style identity backend over HTTP: password
// grant and refresh via the /token endpoint, /signup and /logout as plain
// JSON calls, and access tokens verified against the backend's JWKS.
//
// One Client instance carries one UI session's identity state; it is the
// event source the reconciler subscribes to.
type Client struct {
	baseURL  string
	apiKey   string
	oauth    *oauth2.Config
	http     *http.Client
	verifier *Verifier
	log      *zap.Logger

	mu       sync.Mutex
	current  *Session
	token    *oauth2.Token
	handlers map[int]Handler
	nextID   int
}

var _ Provider = (*Client)(nil)

// NewClient creates an identity client for the backend at baseURL.
// apiKey is sent as the provider's public API key header on every call.
func NewClient(baseURL, apiKey string, jwksManager *JWKSManager, log *zap.Logger) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		oauth: &oauth2.Config{
			ClientID: apiKey,
			Endpoint: oauth2.Endpoint{
				TokenURL:  baseURL + "/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		http:     &http.Client{Timeout: DefaultTimeout},
		verifier: NewVerifier(jwksManager, baseURL+"/.well-known/jwks.json"),
		log:      log,
		handlers: make(map[int]Handler),
	}
}

// SignIn performs the password grant and establishes a session.
func (c *Client) SignIn(ctx context.Context, email, password string) (*Session, error) {
	tok, err := c.oauth.PasswordCredentialsToken(c.oauthContext(ctx), email, password)
	if err != nil {
		return nil, asAuthError(err)
	}

	sess, err := c.sessionFromToken(ctx, tok)
	if err != nil {
		return nil, err
	}

	c.setSession(sess, tok)
	c.emit(EventSignedIn, sess)
	return sess, nil
}

// SignUp registers a new identity and establishes a session for it. An
// empty displayNameHint defaults to the local part of the email.
func (c *Client) SignUp(ctx context.Context, email, password, displayNameHint string) (*Session, error) {
	if displayNameHint == "" {
		if at := strings.Index(email, "@"); at > 0 {
			displayNameHint = email[:at]
		}
	}

	body, err := json.Marshal(map[string]any{
		"email":    email,
		"password": password,
		"data":     map[string]string{"display_name": displayNameHint},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signup request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/signup", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create signup request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAPIKey(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &AuthError{StatusCode: 0, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, authErrorFromResponse(resp)
	}

	var signupResp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&signupResp); err != nil {
		return nil, fmt.Errorf("failed to decode signup response: %w", err)
	}

	// Backends that require email confirmation return no tokens from
	// /signup; fall back to the password grant.
	if signupResp.AccessToken == "" {
		return c.SignIn(ctx, email, password)
	}

	tok := &oauth2.Token{
		AccessToken:  signupResp.AccessToken,
		RefreshToken: signupResp.RefreshToken,
	}
	if signupResp.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(signupResp.ExpiresIn) * time.Second)
	}

	sess, err := c.sessionFromToken(ctx, tok)
	if err != nil {
		return nil, err
	}

	c.setSession(sess, tok)
	c.emit(EventSignedIn, sess)
	return sess, nil
}

// SignOut revokes the current session at the provider and clears it.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	current := c.current
	c.mu.Unlock()

	if current != nil {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/logout", nil)
		if err != nil {
			return fmt.Errorf("failed to create logout request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+current.AccessToken)
		c.setAPIKey(req)

		resp, err := c.http.Do(req)
		if err != nil {
			return &AuthError{StatusCode: 0, Message: err.Error()}
		}
		defer resp.Body.Close()

		// 401 on logout means the token was already dead; treat as done.
		if resp.StatusCode >= 300 && resp.StatusCode != http.StatusUnauthorized {
			return authErrorFromResponse(resp)
		}
	}

	c.setSession(nil, nil)
	c.emit(EventSignedOut, nil)
	return nil
}

// CurrentSession returns the active session, refreshing the token first if
// it has expired. (nil, nil) means no active session.
func (c *Client) CurrentSession(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	current := c.current
	tok := c.token
	c.mu.Unlock()

	if current == nil {
		return nil, nil
	}
	if !current.Expired() {
		return current, nil
	}
	if tok == nil || tok.RefreshToken == "" {
		return nil, nil
	}
	return c.refresh(ctx, tok)
}

// Subscribe registers h for session-change events.
func (c *Client) Subscribe(h Handler) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = h
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

// StartAutoRefresh rotates the access token shortly before it expires,
// emitting EventTokenRefreshed, until ctx is cancelled.
func (c *Client) StartAutoRefresh(ctx context.Context) {
	go func() {
		for {
			c.mu.Lock()
			current := c.current
			c.mu.Unlock()

			if current == nil || current.ExpiresAt.IsZero() {
				select {
				case <-ctx.Done():
					return
				case <-time.After(refreshSlack):
					continue
				}
			}

			wait := time.Until(current.ExpiresAt) - refreshSlack
			if wait < time.Second {
				wait = time.Second
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}

			c.mu.Lock()
			tok := c.token
			still := c.current
			c.mu.Unlock()
			if still == nil || tok == nil || tok.RefreshToken == "" {
				continue
			}
			if _, err := c.refresh(ctx, tok); err != nil && c.log != nil {
				c.log.Warn("token_refresh_failed", zap.Error(err))
			}
		}
	}()
}

// refresh exchanges the refresh token for new tokens and emits
// EventTokenRefreshed on success.
func (c *Client) refresh(ctx context.Context, tok *oauth2.Token) (*Session, error) {
	// Force the token source to treat the token as stale.
	stale := &oauth2.Token{RefreshToken: tok.RefreshToken, Expiry: time.Now().Add(-time.Minute)}
	fresh, err := c.oauth.TokenSource(c.oauthContext(ctx), stale).Token()
	if err != nil {
		return nil, asAuthError(err)
	}

	sess, err := c.sessionFromToken(ctx, fresh)
	if err != nil {
		return nil, err
	}

	c.setSession(sess, fresh)
	c.emit(EventTokenRefreshed, sess)
	return sess, nil
}

// sessionFromToken verifies the access token and builds a Session from it.
func (c *Client) sessionFromToken(ctx context.Context, tok *oauth2.Token) (*Session, error) {
	subjectID, email, expiresAt, err := c.verifier.Verify(ctx, tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify access token: %w", err)
	}
	if expiresAt.IsZero() {
		expiresAt = tok.Expiry
	}
	return &Session{
		SubjectID:    subjectID,
		Email:        email,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiresAt,
	}, nil
}

func (c *Client) setSession(sess *Session, tok *oauth2.Token) {
	c.mu.Lock()
	c.current = sess
	c.token = tok
	c.mu.Unlock()
}

func (c *Client) emit(kind EventKind, sess *Session) {
	c.mu.Lock()
	handlers := make([]Handler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(kind, sess)
	}
}

func (c *Client) setAPIKey(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
}

// oauthContext makes the oauth2 package use our HTTP client.
func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.http)
}

// asAuthError converts oauth2 transport errors into *AuthError.
func asAuthError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		msg := retrieveErr.ErrorDescription
		if msg == "" {
			msg = strings.TrimSpace(string(retrieveErr.Body))
		}
		if msg == "" {
			msg = "token request failed"
		}
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		return &AuthError{StatusCode: status, Message: msg}
	}
	return &AuthError{StatusCode: 0, Message: err.Error()}
}

// authErrorFromResponse builds an *AuthError from a non-2xx provider reply.
func authErrorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var payload struct {
		Message          string `json:"msg"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	msg := ""
	if json.Unmarshal(body, &payload) == nil {
		switch {
		case payload.Message != "":
			msg = payload.Message
		case payload.ErrorDescription != "":
			msg = payload.ErrorDescription
		case payload.Error != "":
			msg = payload.Error
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &AuthError{StatusCode: resp.StatusCode, Message: msg}
}
