package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/ticketmail/internal/db"
	"github.com/vdavid/ticketmail/internal/imap"
	"github.com/vdavid/ticketmail/internal/ingest"
	"github.com/vdavid/ticketmail/internal/lock"
	"github.com/vdavid/ticketmail/internal/models"
	"github.com/vdavid/ticketmail/internal/queue"
)

// Fetcher queues user-picked messages for ingest.
type Fetcher interface {
	Fetch(ctx context.Context, req ingest.FetchRequest) (int, error)
}

// AccountsHandler serves the per-account import triggers.
type AccountsHandler struct {
	fetcher  Fetcher
	accounts *queue.Queue[string]
	logger   *logrus.Logger
}

// NewAccountsHandler creates a new AccountsHandler.
func NewAccountsHandler(fetcher Fetcher, accounts *queue.Queue[string], logger *logrus.Logger) *AccountsHandler {
	return &AccountsHandler{fetcher: fetcher, accounts: accounts, logger: logger}
}

type fetchRequest struct {
	Box       models.BoxType     `json:"box"`
	Positions []uint32           `json:"positions"`
	Ticket    string             `json:"ticket,omitempty"`
	Type      models.MessageType `json:"type,omitempty"`
}

type fetchResponse struct {
	Queued int    `json:"queued"`
	Errors string `json:"errors,omitempty"`
}

// Fetch handles POST /api/v1/accounts/{id}/fetch.
func (h *AccountsHandler) Fetch(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r, h.logger)
	if !ok {
		return
	}
	accountID := r.PathValue("id")

	var body fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	queued, err := h.fetcher.Fetch(r.Context(), ingest.FetchRequest{
		AccountID: accountID,
		Box:       body.Box,
		Positions: body.Positions,
		Ticket:    body.Ticket,
		Type:      body.Type,
		Requester: &models.Requester{UserID: userID},
	})

	log := h.logger.WithFields(logrus.Fields{"account": accountID, "user": userID})
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, fetchResponse{Queued: queued}, h.logger)
	case errors.Is(err, ingest.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, db.ErrAccountNotFound):
		http.Error(w, "Account not found", http.StatusNotFound)
	case errors.Is(err, imap.ErrBoxNotFound):
		http.Error(w, "Box not found on mail server", http.StatusNotFound)
	case errors.Is(err, lock.ErrLockTimeout):
		http.Error(w, "Mailbox is busy, try again later", http.StatusServiceUnavailable)
	case queued > 0:
		log.WithError(err).Warn("Manual fetch partially failed")
		writeJSON(w, http.StatusAccepted, fetchResponse{Queued: queued, Errors: err.Error()}, h.logger)
	default:
		log.WithError(err).Error("Manual fetch failed")
		http.Error(w, "Mail server error", http.StatusBadGateway)
	}
}

// Poll handles POST /api/v1/accounts/{id}/poll by queueing the account for the next scheduler cycle.
func (h *AccountsHandler) Poll(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUserID(w, r, h.logger); !ok {
		return
	}
	accountID := r.PathValue("id")
	if accountID == "" {
		http.Error(w, "account id is required", http.StatusBadRequest)
		return
	}

	if err := h.accounts.TryPut(accountID); err != nil {
		h.logger.WithField("account", accountID).Warn("Account queue full, poll request rejected")
		http.Error(w, "Too many pending imports, try again later", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
