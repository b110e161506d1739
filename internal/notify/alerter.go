package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/ticketmail/internal/queue"
)

// alertQueueSize bounds how many alert mails may wait for delivery.
const alertQueueSize = 100

// defaultAlertDedupWindow suppresses repeated mails with the same subject.
const defaultAlertDedupWindow = 10 * time.Minute

type alertMail struct {
	subject string
	details string
}

// Alerter logs operator alerts and, when recipients are configured, mails them.
// Mail is sent from Run so that raising an alert never blocks the caller on SMTP.
type Alerter struct {
	logger     *logrus.Logger
	mailer     *Mailer
	recipients []string
	pending    *queue.Queue[alertMail]
	window     time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewAlerter creates an Alerter. mailer may be nil to only log.
func NewAlerter(logger *logrus.Logger, mailer *Mailer, recipients []string) *Alerter {
	return &Alerter{
		logger:     logger,
		mailer:     mailer,
		recipients: recipients,
		pending:    queue.New[alertMail]("alerts", alertQueueSize),
		window:     defaultAlertDedupWindow,
		lastSent:   make(map[string]time.Time),
	}
}

// Alert records an operator alert.
func (a *Alerter) Alert(subject, details string) {
	a.logger.WithField("alert", subject).Error(details)

	if a.mailer == nil || len(a.recipients) == 0 || a.suppressed(subject, time.Now()) {
		return
	}

	if err := a.pending.TryPut(alertMail{subject: subject, details: details}); err != nil {
		a.logger.WithFields(logrus.Fields{"alert": subject, "queue": a.pending.Name()}).WithError(err).Warn("Dropping alert mail")
	}
}

func (a *Alerter) suppressed(subject string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if last, ok := a.lastSent[subject]; ok && now.Sub(last) < a.window {
		return true
	}
	a.lastSent[subject] = now
	return false
}

// Run delivers queued alert mails until ctx is done.
func (a *Alerter) Run(ctx context.Context) {
	for {
		m, err := a.pending.Get(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				a.logger.WithError(err).Error("Alert queue failed")
			}
			return
		}

		if err := a.mailer.Send(a.recipients, "[ticketmail alert] "+m.subject, m.details); err != nil {
			a.logger.WithField("alert", m.subject).WithError(err).Error("Failed to mail alert")
		}
	}
}
