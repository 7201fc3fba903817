package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Verifier validates provider access tokens against the provider's JWKS
// and extracts the session fields the application cares about.
type Verifier struct {
	jwksManager *JWKSManager
	jwksURL     string
}

// NewVerifier creates a verifier for tokens issued by the provider serving
// its key set at jwksURL.
func NewVerifier(jwksManager *JWKSManager, jwksURL string) *Verifier {
	return &Verifier{
		jwksManager: jwksManager,
		jwksURL:     jwksURL,
	}
}

// Verify parses and validates an access token and returns the subject id,
// email and expiry it carries.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (subjectID, email string, expiresAt time.Time, err error) {
	keys, err := v.jwksManager.GetJWKS(ctx, v.jwksURL)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("failed to get JWKS: %w", err)
	}

	token, err := jwt.Parse([]byte(tokenString), jwt.WithKeySet(keys), jwt.WithValidate(true))
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("failed to parse/verify token: %w", err)
	}

	subjectID = token.Subject()
	if subjectID == "" {
		return "", "", time.Time{}, fmt.Errorf("token missing sub claim")
	}

	if raw, ok := token.Get("email"); ok {
		if s, ok := raw.(string); ok {
			email = s
		}
	}

	return subjectID, email, token.Expiration(), nil
}
