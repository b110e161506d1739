package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

type contextKey string

// UserIDKey is the context key used to store the authenticated user's ID.
const UserIDKey contextKey = "user_id"

// testTokenPrefix lets test clients pick their user: "user:<id>".
const testTokenPrefix = "user:"

var ErrInvalidToken = errors.New("invalid token")

// Authenticator maps bearer tokens to user IDs.
type Authenticator struct {
	tokens   map[string]string
	testMode bool
	logger   *logrus.Logger
}

// NewAuthenticator creates an Authenticator for the given token -> user ID pairs.
// In test mode, tokens of the form "user:<id>" are accepted as well.
func NewAuthenticator(tokens map[string]string, testMode bool, logger *logrus.Logger) *Authenticator {
	return &Authenticator{tokens: tokens, testMode: testMode, logger: logger}
}

// RequireAuth middleware checks for a valid bearer token in the Authorization header
// and stores the user ID in the request context. Returns 401 Unauthorized otherwise.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r)
		if token == "" {
			a.logger.Debug("Auth: missing or malformed Authorization header")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		userID, err := a.ValidateToken(token)
		if err != nil {
			a.logger.WithError(err).Info("Auth: token validation failed")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), UserIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
// The scheme is case-insensitive (RFC 7235). Returns "" when absent or malformed.
func BearerToken(r *http.Request) string {
	fields := strings.Fields(r.Header.Get("Authorization"))
	if len(fields) < 2 || !strings.EqualFold(fields[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(strings.Join(fields[1:], " "))
}

// GetUserIDFromContext returns the user ID from the context.
func GetUserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok && userID != ""
}

// ValidateToken returns the user ID the token belongs to.
func (a *Authenticator) ValidateToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidToken
	}

	if a.testMode && strings.HasPrefix(token, testTokenPrefix) {
		if userID := strings.TrimPrefix(token, testTokenPrefix); userID != "" {
			return userID, nil
		}
		return "", ErrInvalidToken
	}

	for known, userID := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return userID, nil
		}
	}
	return "", ErrInvalidToken
}
