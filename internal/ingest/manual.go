package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/ticketmail/internal/imap"
	"github.com/vdavid/ticketmail/internal/models"
	"github.com/vdavid/ticketmail/internal/queue"
)

var (
	// ErrInvalidRequest is returned for manual fetches that are missing required fields.
	ErrInvalidRequest = errors.New("invalid fetch request")
	// ErrOriginalNotFound is returned when a stored email can no longer be found on the mail server.
	ErrOriginalNotFound = errors.New("original message not found on server")
)

// ManualStore is the persistence the manual fetcher needs.
type ManualStore interface {
	GetAccount(ctx context.Context, id string) (*models.MailboxAccount, error)
	GetEmailRecord(ctx context.Context, id string) (*models.EmailRecord, error)
}

// FetchRequest asks for specific messages of a box to be imported.
type FetchRequest struct {
	AccountID string
	Box       models.BoxType
	Positions []uint32
	// Ticket overrides ticket extraction when set.
	Ticket    string
	Type      models.MessageType
	Requester *models.Requester
}

// ManualFetcher imports messages a user picked and re-fetches stored originals.
type ManualFetcher struct {
	store    ManualStore
	sessions imap.SessionProvider
	raw      *queue.Queue[*models.RawMessage]
	logger   *logrus.Logger
}

// NewManualFetcher creates a ManualFetcher.
func NewManualFetcher(store ManualStore, sessions imap.SessionProvider, raw *queue.Queue[*models.RawMessage], logger *logrus.Logger) *ManualFetcher {
	return &ManualFetcher{store: store, sessions: sessions, raw: raw, logger: logger}
}

func validateRequest(req *FetchRequest) error {
	if req.AccountID == "" {
		return fmt.Errorf("%w: account is required", ErrInvalidRequest)
	}
	if req.Requester == nil || req.Requester.UserID == "" {
		return fmt.Errorf("%w: requester is required", ErrInvalidRequest)
	}
	if len(req.Positions) == 0 {
		return fmt.Errorf("%w: at least one position is required", ErrInvalidRequest)
	}
	for _, p := range req.Positions {
		if p == 0 {
			return fmt.Errorf("%w: positions start at 1", ErrInvalidRequest)
		}
	}
	switch req.Box {
	case models.BoxIncoming, models.BoxSent, models.BoxSpam, models.BoxTrash:
	case "":
		req.Box = models.BoxIncoming
	default:
		return fmt.Errorf("%w: unknown box %q", ErrInvalidRequest, req.Box)
	}
	switch req.Type {
	case models.MessageIncoming, models.MessageSent, models.MessageInquiry:
	case "":
		req.Type = models.MessageTypeForBox(req.Box)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRequest, req.Type)
	}
	return nil
}

// Fetch reads the requested positions and queues them for ingest.
// It returns how many messages were queued; fetch errors for single positions are joined.
func (m *ManualFetcher) Fetch(ctx context.Context, req FetchRequest) (int, error) {
	if err := validateRequest(&req); err != nil {
		return 0, err
	}

	account, err := m.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return 0, err
	}

	session, release, err := m.sessions.Acquire(ctx, account)
	if err != nil {
		return 0, err
	}
	defer release()

	status, err := session.BoxStatus(req.Box)
	if err != nil {
		return 0, err
	}

	log := m.logger.WithFields(logrus.Fields{"account": account.ID, "box": req.Box, "user": req.Requester.UserID})

	var errs []error
	queued := 0
	for _, position := range req.Positions {
		raw, err := session.FetchRaw(req.Box, position)
		if err != nil {
			errs = append(errs, fmt.Errorf("position %d: %w", position, err))
			continue
		}

		msg := &models.RawMessage{
			TraceID:   uuid.NewString(),
			AccountID: account.ID,
			Box:       req.Box,
			Type:      req.Type,
			Position:  position,
			Epoch:     status.Epoch,
			Bytes:     raw,
			Ticket:    req.Ticket,
			Requester: req.Requester,
		}
		if err := m.raw.Put(ctx, msg); err != nil {
			return queued, err
		}
		queued++
	}

	log.WithField("queued", queued).Info("Manual fetch queued")
	return queued, errors.Join(errs...)
}

// FetchOriginal returns the raw bytes of a stored email from the mail server.
// The message-id is searched first; the stored position is used only while its epoch is current.
func (m *ManualFetcher) FetchOriginal(ctx context.Context, recordID string) ([]byte, error) {
	rec, err := m.store.GetEmailRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}

	account, err := m.store.GetAccount(ctx, rec.AccountID)
	if err != nil {
		return nil, err
	}

	session, release, err := m.sessions.Acquire(ctx, account)
	if err != nil {
		return nil, err
	}
	defer release()

	if rec.MessageID != "" {
		uids, err := session.SearchMessageID(rec.Box, rec.MessageID)
		if err != nil {
			return nil, err
		}
		if len(uids) > 0 {
			return session.FetchRaw(rec.Box, uids[len(uids)-1])
		}
	}

	if rec.Position == 0 {
		return nil, ErrOriginalNotFound
	}

	status, err := session.BoxStatus(rec.Box)
	if err != nil {
		return nil, err
	}
	if status.Epoch != rec.Epoch {
		return nil, fmt.Errorf("%w: box epoch changed from %d to %d", ErrOriginalNotFound, rec.Epoch, status.Epoch)
	}

	raw, err := session.FetchRaw(rec.Box, rec.Position)
	if errors.Is(err, imap.ErrMessageNotFound) {
		return nil, ErrOriginalNotFound
	}
	return raw, err
}
