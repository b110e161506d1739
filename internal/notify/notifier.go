package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/ticketmail/internal/models"
	"github.com/vdavid/ticketmail/internal/queue"
)

// Message types pushed over the websocket.
const (
	TypeNewEmail   = "new_email"
	TypeFetchError = "fetch_error"
)

// snippetLength bounds the body excerpt in owner notifications.
const snippetLength = 280

// ownerMailQueueSize bounds how many owner notification mails may wait for delivery.
const ownerMailQueueSize = 256

// Hub pushes JSON messages to a user's open websocket connections.
type Hub interface {
	SendJSON(userID string, v any) error
}

// NewEmailEvent is pushed to the owner of a newly ingested inbound email.
type NewEmailEvent struct {
	Type      string  `json:"type"`
	EmailID   string  `json:"email_id"`
	AccountID string  `json:"account_id"`
	Ticket    string  `json:"ticket"`
	Subject   string  `json:"subject"`
	From      string  `json:"from"`
	DealID    *string `json:"deal_id,omitempty"`
	RequestID *string `json:"request_id,omitempty"`
}

// FetchErrorEvent reports a manual fetch problem to the user who requested it.
type FetchErrorEvent struct {
	Type      string `json:"type"`
	AccountID string `json:"account_id"`
	Position  uint32 `json:"position,omitempty"`
	Error     string `json:"error"`
}

// MailSender delivers a plain text mail. *Mailer implements it.
type MailSender interface {
	Send(recipients []string, subject, text string) error
}

type ownerMail struct {
	emailID string
	to      string
	subject string
	text    string
}

// Notifier tells users about ingested mail and manual fetch failures.
// Owner mail is sent from Run so that notifying never blocks the caller on SMTP.
type Notifier struct {
	hub     Hub
	mailer  MailSender
	pending *queue.Queue[ownerMail]
	logger  *logrus.Logger
}

// NewNotifier creates a Notifier. mailer may be nil to only notify in-app.
func NewNotifier(hub Hub, mailer *Mailer, logger *logrus.Logger) *Notifier {
	n := newNotifier(hub, nil, logger)
	if mailer != nil {
		n.mailer = mailer
	}
	return n
}

func newNotifier(hub Hub, mailer MailSender, logger *logrus.Logger) *Notifier {
	return &Notifier{
		hub:     hub,
		mailer:  mailer,
		pending: queue.New[ownerMail]("owner-mail", ownerMailQueueSize),
		logger:  logger,
	}
}

// NotifyOwner sends an in-app message to the owner of the account the record came from and
// queues an email to them.
func (n *Notifier) NotifyOwner(account *models.MailboxAccount, rec *models.EmailRecord) error {
	if rec.OwnerID == "" {
		return nil
	}

	event := NewEmailEvent{
		Type:      TypeNewEmail,
		EmailID:   rec.ID,
		AccountID: rec.AccountID,
		Ticket:    rec.Ticket,
		Subject:   rec.Subject,
		From:      rec.FromAddress,
		DealID:    rec.DealID,
		RequestID: rec.RequestID,
	}
	if err := n.hub.SendJSON(rec.OwnerID, event); err != nil {
		return err
	}

	if n.mailer == nil || account.OwnerEmail == "" {
		return nil
	}

	subject := fmt.Sprintf("New email on ticket %s: %s", rec.Ticket, rec.Subject)
	text := fmt.Sprintf("From: %s\nMailbox: %s\n\n%s\n", rec.FromAddress, account.Email, snippet(rec.Body))
	if err := n.pending.TryPut(ownerMail{emailID: rec.ID, to: account.OwnerEmail, subject: subject, text: text}); err != nil {
		return fmt.Errorf("failed to queue owner mail on %s: %w", n.pending.Name(), err)
	}
	return nil
}

// Run delivers queued owner mails until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	for {
		m, err := n.pending.Get(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				n.logger.WithError(err).Error("Owner mail queue failed")
			}
			return
		}

		if err := n.mailer.Send([]string{m.to}, m.subject, m.text); err != nil {
			n.logger.WithFields(logrus.Fields{
				"email_id": m.emailID,
				"to":       m.to,
			}).WithError(err).Error("Failed to mail owner")
		}
	}
}

// NotifyFetchError reports a manual fetch problem to the requesting user.
func (n *Notifier) NotifyFetchError(userID, accountID string, position uint32, fetchErr error) {
	event := FetchErrorEvent{
		Type:      TypeFetchError,
		AccountID: accountID,
		Position:  position,
		Error:     fetchErr.Error(),
	}
	if err := n.hub.SendJSON(userID, event); err != nil {
		n.logger.WithField("user", userID).WithError(err).Warn("Failed to push fetch error")
	}
}

func snippet(body string) string {
	body = strings.TrimSpace(body)
	r := []rune(body)
	if len(r) <= snippetLength {
		return body
	}
	return string(r[:snippetLength]) + "…"
}
