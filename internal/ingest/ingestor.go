// Package ingest turns raw messages into stored, correlated email records.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/ticketmail/internal/db"
	"github.com/vdavid/ticketmail/internal/imap"
	"github.com/vdavid/ticketmail/internal/models"
	"github.com/vdavid/ticketmail/internal/queue"
	"github.com/vdavid/ticketmail/internal/ticket"
)

var (
	// ErrSelfSent is reported when a message was produced by this service.
	ErrSelfSent = errors.New("message was sent by this service")
	// ErrNoTicket is reported when a message carries no ticket marker.
	ErrNoTicket = errors.New("message has no ticket")
)

const (
	subjectPlaceholder = "(subject could not be stored)"
	bodyPlaceholder    = "(body could not be stored)"

	// headerExcerptLimit bounds the raw header text quoted in an unparseable-message alert.
	headerExcerptLimit = 512
)

// Outcome is what happened to a handled message.
type Outcome string

const (
	OutcomeStored        Outcome = "stored"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeSelfSent      Outcome = "self_sent"
	OutcomeNoTicket      Outcome = "no_ticket"
	OutcomeNoCorrelation Outcome = "no_correlation"
	OutcomeUnparseable   Outcome = "unparseable"
	OutcomeFailed        Outcome = "failed"
)

// Store is the persistence the ingestor needs.
type Store interface {
	GetAccount(ctx context.Context, id string) (*models.MailboxAccount, error)
	AdvancePointer(ctx context.Context, adv models.PointerAdvance) error
	FindDuplicate(ctx context.Context, key db.DedupKey) (string, error)
	ResolveTicket(ctx context.Context, ticket string) (*models.Correlation, error)
	SaveEmailRecord(ctx context.Context, rec *models.EmailRecord, adv *models.PointerAdvance) error
	AppendHistory(ctx context.Context, c *models.Correlation, line string) error
	SaveAttachment(ctx context.Context, att *models.Attachment) error
	RecordIngestFailure(ctx context.Context, f *models.IngestFailure) error
	DeleteIngestFailure(ctx context.Context, id string) error
}

// Notifier tells users about stored mail and failed manual fetches.
type Notifier interface {
	NotifyOwner(account *models.MailboxAccount, rec *models.EmailRecord) error
	NotifyFetchError(userID, accountID string, position uint32, err error)
}

// Config tunes the ingestor.
type Config struct {
	// InstanceID identifies mail sent by this deployment.
	InstanceID string
	// SenderAddress is the address this deployment sends notification mail from. Auto-submitted
	// mail from it counts as self-sent even when a relay stripped the origin header.
	SenderAddress string
	// AlertThreshold is how many uncorrelated messages in a row an account may produce before an alert.
	AlertThreshold int
	// MaxAttempts bounds how often a failed message is persisted before giving up.
	MaxAttempts int
}

// Ingestor consumes raw messages and stores them.
type Ingestor struct {
	store     Store
	raw       *queue.Queue[*models.RawMessage]
	inquiries *queue.Queue[*models.EmailRecord]
	notifier  Notifier
	alerter   imap.Alerter
	logger    *logrus.Logger
	cfg       Config
	now       func() time.Time

	mu        sync.Mutex
	unmatched map[string]int
}

// New creates an Ingestor.
func New(cfg Config, store Store, raw *queue.Queue[*models.RawMessage], inquiries *queue.Queue[*models.EmailRecord], notifier Notifier, alerter imap.Alerter, logger *logrus.Logger) *Ingestor {
	if cfg.AlertThreshold <= 0 {
		cfg.AlertThreshold = 3
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Ingestor{
		store:     store,
		raw:       raw,
		inquiries: inquiries,
		notifier:  notifier,
		alerter:   alerter,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
		unmatched: make(map[string]int),
	}
}

// Run handles messages from the queue until ctx is done.
func (in *Ingestor) Run(ctx context.Context) {
	in.logger.Info("Message ingestor started")
	for {
		raw, err := in.raw.Get(ctx)
		if err != nil {
			in.logger.Info("Message ingestor stopped")
			return
		}
		in.safeHandle(ctx, raw)
	}
}

func (in *Ingestor) safeHandle(ctx context.Context, raw *models.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			in.logger.WithFields(logrus.Fields{
				"trace_id": raw.TraceID,
				"account":  raw.AccountID,
				"box":      raw.Box,
				"position": raw.Position,
			}).Errorf("Ingestor panicked: %v", r)
			in.alerter.Alert("Ingestor panicked",
				fmt.Sprintf("trace: %s\naccount: %s\nbox: %s\nposition: %d\npanic: %v\n", raw.TraceID, raw.AccountID, raw.Box, raw.Position, r))
		}
	}()

	_, _ = in.Handle(ctx, raw)
}

// Handle processes one raw message. A non-nil error means the message could not be
// stored and was written to the failure log.
func (in *Ingestor) Handle(ctx context.Context, raw *models.RawMessage) (Outcome, error) {
	if raw.TraceID == "" {
		raw.TraceID = uuid.NewString()
	}
	log := in.logger.WithFields(logrus.Fields{
		"trace_id": raw.TraceID,
		"account":  raw.AccountID,
		"box":      raw.Box,
		"position": raw.Position,
	})

	account, err := in.store.GetAccount(ctx, raw.AccountID)
	if err != nil {
		return in.fail(ctx, log, raw, fmt.Errorf("failed to load account: %w", err))
	}

	parsed, err := Parse(raw.Bytes)
	if err != nil {
		log.WithError(err).Warn("Dropping unparseable message")
		in.alerter.Alert("Unparseable message dropped",
			fmt.Sprintf("trace: %s\naccount: %s\nbox: %s\nposition: %d\nsize: %d bytes\nerror: %v\nheaders:\n%s\n",
				raw.TraceID, raw.AccountID, raw.Box, raw.Position, len(raw.Bytes), err, headerExcerpt(raw.Bytes, headerExcerptLimit)))
		return in.drop(ctx, log, raw, OutcomeUnparseable, err)
	}
	log = log.WithField("message_id", parsed.MessageID)

	if in.selfSent(parsed) {
		log.Debug("Dropping message sent by this service")
		return in.drop(ctx, log, raw, OutcomeSelfSent, ErrSelfSent)
	}

	inquiry := raw.Type == models.MessageInquiry
	tk := raw.Ticket
	if tk == "" {
		tk, _ = ticket.Extract(parsed.Subject, parsed.Body)
	}
	if tk == "" && !inquiry {
		log.Debug("Dropping message without ticket")
		return in.drop(ctx, log, raw, OutcomeNoTicket, ErrNoTicket)
	}

	dupID, err := in.store.FindDuplicate(ctx, db.DedupKey{
		AccountID:   raw.AccountID,
		Box:         raw.Box,
		Position:    raw.Position,
		Epoch:       raw.Epoch,
		MessageID:   parsed.MessageID,
		MessageDate: parsed.Date,
		Subject:     parsed.Subject,
	})
	if err != nil {
		return in.fail(ctx, log, raw, err)
	}
	if dupID != "" {
		log.WithField("email_id", dupID).Debug("Dropping duplicate message")
		return in.drop(ctx, log, raw, OutcomeDuplicate, nil)
	}

	var corr *models.Correlation
	if !inquiry {
		corr, err = in.store.ResolveTicket(ctx, tk)
		if errors.Is(err, db.ErrNoCorrelation) {
			in.countUnmatched(account, tk)
			log.WithField("ticket", tk).Info("Dropping message with unknown ticket")
			return in.drop(ctx, log, raw, OutcomeNoCorrelation, err)
		}
		if err != nil {
			return in.fail(ctx, log, raw, err)
		}
		in.resetUnmatched(account.ID)
	}

	rec := &models.EmailRecord{
		Ticket:       tk,
		Incoming:     raw.Type != models.MessageSent,
		Sent:         raw.Type == models.MessageSent,
		Inquiry:      inquiry,
		Subject:      parsed.Subject,
		Body:         parsed.Body,
		FromAddress:  parsed.From,
		ToAddresses:  parsed.To,
		CCAddresses:  parsed.CC,
		BCCAddresses: parsed.BCC,
		MessageID:    parsed.MessageID,
		MessageDate:  parsed.Date,
		Box:          raw.Box,
		Position:     raw.Position,
		Epoch:        raw.Epoch,
		AccountID:    account.ID,
		OwnerID:      account.OwnerID,
		DepartmentID: account.DepartmentID,
	}
	if corr != nil {
		corr.Apply(rec)
	}

	if err := in.save(ctx, log, rec, in.pointerAdvance(raw)); err != nil {
		if db.IsUniqueViolation(err) {
			log.Debug("Message stored concurrently, dropping duplicate")
			return in.drop(ctx, log, raw, OutcomeDuplicate, nil)
		}
		return in.fail(ctx, log, raw, err)
	}

	log.WithField("email_id", rec.ID).WithField("ticket", tk).Info("Email stored")
	in.resolveFailure(ctx, log, raw)
	in.afterCommit(ctx, log, account, rec, corr, parsed)
	return OutcomeStored, nil
}

// save inserts the record, retrying once with placeholders if the database rejects the text encoding.
func (in *Ingestor) save(ctx context.Context, log *logrus.Entry, rec *models.EmailRecord, adv *models.PointerAdvance) error {
	err := in.store.SaveEmailRecord(ctx, rec, adv)
	if err == nil || !db.IsEncodingError(err) {
		return err
	}

	log.WithError(err).Warn("Text rejected by database, retrying with placeholders")
	subject, body := rec.Subject, rec.Body
	rec.Subject = sanitize(rec.Subject, subjectPlaceholder)
	rec.Body = sanitize(rec.Body, bodyPlaceholder)
	if rec.Subject == subject && rec.Body == body {
		rec.Body = bodyPlaceholder
	}
	return in.store.SaveEmailRecord(ctx, rec, adv)
}

// sanitize returns placeholder if s cannot be stored as Postgres text.
func sanitize(s, placeholder string) string {
	if !utf8.ValidString(s) || strings.ContainsRune(s, 0) {
		return placeholder
	}
	return s
}

// pointerAdvance is only set for first-time scheduler messages. Manual and retried
// messages may be far behind or ahead of the pointer and must not move it.
func (in *Ingestor) pointerAdvance(raw *models.RawMessage) *models.PointerAdvance {
	if !raw.FromScheduler() || raw.FailureID != "" || raw.Type == models.MessageInquiry || raw.Position == 0 {
		return nil
	}
	return &models.PointerAdvance{
		AccountID: raw.AccountID,
		Box:       raw.Box,
		Epoch:     raw.Epoch,
		Position:  raw.Position + 1,
	}
}

// drop finishes a message that will not be stored.
func (in *Ingestor) drop(ctx context.Context, log *logrus.Entry, raw *models.RawMessage, outcome Outcome, reason error) (Outcome, error) {
	if adv := in.pointerAdvance(raw); adv != nil {
		if err := in.store.AdvancePointer(ctx, *adv); err != nil {
			log.WithError(err).Warn("Failed to advance pointer")
		}
	}
	if reason != nil && !raw.FromScheduler() {
		in.notifier.NotifyFetchError(raw.Requester.UserID, raw.AccountID, raw.Position, reason)
	}
	in.resolveFailure(ctx, log, raw)
	return outcome, nil
}

// selfSent reports whether the message is one of this deployment's own notifications.
func (in *Ingestor) selfSent(p *Parsed) bool {
	if in.cfg.InstanceID != "" && p.Origin == in.cfg.InstanceID {
		return true
	}
	if p.AutoSubmitted == "" || p.AutoSubmitted == "no" || in.cfg.SenderAddress == "" {
		return false
	}
	return strings.EqualFold(p.SenderAddress, in.cfg.SenderAddress)
}

// fail writes the message to the failure log and alerts.
func (in *Ingestor) fail(ctx context.Context, log *logrus.Entry, raw *models.RawMessage, cause error) (Outcome, error) {
	log.WithError(cause).Error("Failed to ingest message")

	f := &models.IngestFailure{
		ID:        raw.FailureID,
		AccountID: raw.AccountID,
		Box:       raw.Box,
		Type:      raw.Type,
		Position:  raw.Position,
		Epoch:     raw.Epoch,
		Bytes:     raw.Bytes,
		Ticket:    raw.Ticket,
		LastError: cause.Error(),
	}
	if err := in.store.RecordIngestFailure(ctx, f); err != nil {
		log.WithError(err).Error("Failed to record ingest failure")
		in.alerter.Alert("Message lost during ingest",
			fmt.Sprintf("trace: %s\naccount: %s\nbox: %s\nposition: %d\nerror: %v\nfailure log error: %v\n",
				raw.TraceID, raw.AccountID, raw.Box, raw.Position, cause, err))
	} else if f.Attempts >= in.cfg.MaxAttempts {
		in.alerter.Alert("Giving up on message after repeated ingest failures",
			fmt.Sprintf("failure: %s\naccount: %s\nbox: %s\nposition: %d\nattempts: %d\nerror: %v\n",
				f.ID, raw.AccountID, raw.Box, raw.Position, f.Attempts, cause))
	} else if raw.FailureID == "" {
		in.alerter.Alert("Message ingest failed",
			fmt.Sprintf("failure: %s\ntrace: %s\naccount: %s\nbox: %s\nposition: %d\nerror: %v\n",
				f.ID, raw.TraceID, raw.AccountID, raw.Box, raw.Position, cause))
	}

	if !raw.FromScheduler() {
		in.notifier.NotifyFetchError(raw.Requester.UserID, raw.AccountID, raw.Position, cause)
	}
	return OutcomeFailed, cause
}

// resolveFailure removes a retried message from the failure log once it reached a final outcome.
func (in *Ingestor) resolveFailure(ctx context.Context, log *logrus.Entry, raw *models.RawMessage) {
	if raw.FailureID == "" {
		return
	}
	if err := in.store.DeleteIngestFailure(ctx, raw.FailureID); err != nil {
		log.WithField("failure", raw.FailureID).WithError(err).Warn("Failed to delete resolved ingest failure")
	}
}

// afterCommit runs the side effects of a stored record. None of them undo the record on failure.
func (in *Ingestor) afterCommit(ctx context.Context, log *logrus.Entry, account *models.MailboxAccount, rec *models.EmailRecord, corr *models.Correlation, parsed *Parsed) {
	for _, att := range parsed.Attachments {
		att.EmailID = rec.ID
		if err := in.store.SaveAttachment(ctx, att); err != nil {
			log.WithField("filename", att.Filename).WithError(err).Warn("Failed to save attachment")
		}
	}

	if corr != nil {
		if err := in.store.AppendHistory(ctx, corr, historyLine(in.now(), rec)); err != nil {
			log.WithError(err).Warn("Failed to append history")
		}
	}

	if rec.Incoming && !rec.Inquiry {
		if err := in.notifier.NotifyOwner(account, rec); err != nil {
			log.WithField("owner", account.OwnerID).WithError(err).Warn("Failed to notify owner")
		}
	}

	if rec.Inquiry {
		if err := in.inquiries.TryPut(rec); err != nil {
			log.WithField("queue", in.inquiries.Name()).WithError(err).Warn("Queue full, inquiry not handed off")
		}
	}
}

func historyLine(at time.Time, rec *models.EmailRecord) string {
	direction := "received"
	if rec.Sent {
		direction = "sent"
	}
	return fmt.Sprintf("%s email %s %s: %s (from %s)", at.UTC().Format(time.RFC3339), rec.ID, direction, rec.Subject, rec.FromAddress)
}

func (in *Ingestor) countUnmatched(account *models.MailboxAccount, tk string) {
	in.mu.Lock()
	in.unmatched[account.ID]++
	n := in.unmatched[account.ID]
	in.mu.Unlock()

	if n%in.cfg.AlertThreshold == 0 {
		in.alerter.Alert(fmt.Sprintf("Unknown tickets on account %s", account.Email),
			fmt.Sprintf("account: %s\nuncorrelated messages in a row: %d\nlast ticket: %s\n", account.ID, n, tk))
	}
}

func (in *Ingestor) resetUnmatched(accountID string) {
	in.mu.Lock()
	delete(in.unmatched, accountID)
	in.mu.Unlock()
}
