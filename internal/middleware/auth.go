package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/medgrid/vitalwatch/internal/request"
	"github.com/medgrid/vitalwatch/internal/session"
)

// SessionAuth resolves the bearer token to a live session and attaches it
// to the request context. Tokens are opaque server-issued handles, not
// JWTs: the identity provider's tokens never leave the server.
func SessionAuth(hub *session.Hub, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				respondAuthError(w, http.StatusUnauthorized, "Missing or malformed Authorization header", logger)
				return
			}

			sess, err := hub.Get(token)
			if err != nil {
				if !errors.Is(err, session.ErrUnknownToken) {
					logger.Error("session_lookup_failed", zap.Error(err))
				}
				respondAuthError(w, http.StatusUnauthorized, "Invalid or expired session", logger)
				return
			}

			ctx := request.WithSession(r.Context(), sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func respondAuthError(w http.ResponseWriter, status int, message string, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   message,
	}); err != nil {
		logger.Error("failed_to_encode_auth_error", zap.Error(err))
	}
}
