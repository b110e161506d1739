package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/ticketmail/internal/db"
	"github.com/vdavid/ticketmail/internal/ingest"
	"github.com/vdavid/ticketmail/internal/lock"
)

// OriginalFetcher re-reads stored emails from the mail server.
type OriginalFetcher interface {
	FetchOriginal(ctx context.Context, recordID string) ([]byte, error)
}

// EmailsHandler serves stored email records.
type EmailsHandler struct {
	fetcher OriginalFetcher
	logger  *logrus.Logger
}

// NewEmailsHandler creates a new EmailsHandler.
func NewEmailsHandler(fetcher OriginalFetcher, logger *logrus.Logger) *EmailsHandler {
	return &EmailsHandler{fetcher: fetcher, logger: logger}
}

// GetOriginal handles GET /api/v1/emails/{id}/original and streams the raw RFC 822 message.
func (h *EmailsHandler) GetOriginal(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUserID(w, r, h.logger); !ok {
		return
	}
	recordID := r.PathValue("id")

	raw, err := h.fetcher.FetchOriginal(r.Context(), recordID)
	switch {
	case err == nil:
	case errors.Is(err, db.ErrEmailNotFound):
		http.Error(w, "Email not found", http.StatusNotFound)
		return
	case errors.Is(err, ingest.ErrOriginalNotFound):
		http.Error(w, "Original message is no longer on the mail server", http.StatusGone)
		return
	case errors.Is(err, lock.ErrLockTimeout):
		http.Error(w, "Mailbox is busy, try again later", http.StatusServiceUnavailable)
		return
	default:
		h.logger.WithError(err).WithField("email", recordID).Error("Failed to fetch original message")
		http.Error(w, "Mail server error", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "message/rfc822")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", recordID+".eml"))
	_, _ = w.Write(raw)
}
