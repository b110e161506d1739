package api

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/ticketmail/internal/auth"
)

// requireUserID reads the authenticated user from the request context and writes
// a 401 when it is missing. Returns (userID, true) on success.
func requireUserID(w http.ResponseWriter, r *http.Request, logger *logrus.Logger) (string, bool) {
	userID, ok := auth.GetUserIDFromContext(r.Context())
	if !ok {
		logger.Warn("API: no user ID in context")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}

// writeJSON encodes v into a buffer first so encoding failures can still produce a 500.
func writeJSON(w http.ResponseWriter, status int, v any, logger *logrus.Logger) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		logger.WithError(err).Error("API: failed to encode response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
