// Package scheduler polls mailbox accounts for new ticket-bearing messages.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/ticketmail/internal/imap"
	"github.com/vdavid/ticketmail/internal/models"
	"github.com/vdavid/ticketmail/internal/queue"
)

// resyncLookupCount is how many already-imported message-ids are looked up after an epoch change.
const resyncLookupCount = 3

// Store is the persistence the scheduler needs.
type Store interface {
	GetAccount(ctx context.Context, id string) (*models.MailboxAccount, error)
	ListImportEnabledAccountIDs(ctx context.Context) ([]string, error)
	SavePointer(ctx context.Context, accountID string, box models.BoxType, p models.BoxPointer) error
	SetLastImportTime(ctx context.Context, accountID string, at time.Time) error
	RecentMessageIDs(ctx context.Context, accountID string, box models.BoxType, limit int) ([]string, error)
}

// Config tunes one scheduling cycle.
type Config struct {
	// ControlPeriod is the minimum time between two polls of the same account.
	ControlPeriod time.Duration
	// MaxPerCycle caps how many messages are fetched per box and cycle.
	MaxPerCycle int
	// RollbackWindow is how far the position is moved back when an epoch change cannot be resynchronized.
	RollbackWindow uint32
	// ImportHistory imports a box from position 1 the first time it is seen instead of starting at UIDNEXT.
	ImportHistory bool
	// AlertThreshold is the number of consecutive failed cycles after which an account is escalated.
	AlertThreshold int
}

// CycleError is a failed scheduling cycle with the session state at the time of failure.
type CycleError struct {
	AccountID   string
	Diagnostics string
	Err         error
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("account %s: %v", e.AccountID, e.Err)
}

func (e *CycleError) Unwrap() error {
	return e.Err
}

// Scheduler consumes account ids and emits raw messages for the ingestor.
type Scheduler struct {
	store    Store
	sessions imap.SessionProvider
	accounts *queue.Queue[string]
	raw      *queue.Queue[*models.RawMessage]
	alerter  imap.Alerter
	logger   *logrus.Logger
	cfg      Config
	now      func() time.Time

	mu       sync.Mutex
	failures map[string]int
}

// New creates a Scheduler.
func New(cfg Config, store Store, sessions imap.SessionProvider, accounts *queue.Queue[string], raw *queue.Queue[*models.RawMessage], alerter imap.Alerter, logger *logrus.Logger) *Scheduler {
	if cfg.MaxPerCycle <= 0 {
		cfg.MaxPerCycle = 50
	}
	if cfg.AlertThreshold <= 0 {
		cfg.AlertThreshold = 3
	}
	return &Scheduler{
		store:    store,
		sessions: sessions,
		accounts: accounts,
		raw:      raw,
		alerter:  alerter,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		failures: make(map[string]int),
	}
}

// Run processes accounts from the queue until ctx is done.
// No error or panic in a single account stops the loop.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Account scheduler started")
	for {
		accountID, err := s.accounts.Get(ctx)
		if err != nil {
			s.logger.Info("Account scheduler stopped")
			return
		}
		s.runOne(ctx, accountID)
	}
}

func (s *Scheduler) runOne(ctx context.Context, accountID string) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			s.logger.WithField("account", accountID).WithError(err).Error("Scheduler cycle panicked")
			s.recordResult(accountID, &CycleError{AccountID: accountID, Err: err})
		}
	}()

	err := s.ProcessAccount(ctx, accountID)
	if errors.Is(err, context.Canceled) {
		return
	}
	s.recordResult(accountID, err)
}

// recordResult tracks consecutive failures and escalates every AlertThreshold-th one.
func (s *Scheduler) recordResult(accountID string, err error) {
	s.mu.Lock()
	if err == nil {
		delete(s.failures, accountID)
		s.mu.Unlock()
		return
	}
	s.failures[accountID]++
	n := s.failures[accountID]
	s.mu.Unlock()

	s.logger.WithField("account", accountID).WithField("consecutive_failures", n).WithError(err).Warn("Scheduler cycle failed")

	if n%s.cfg.AlertThreshold != 0 {
		return
	}

	details := fmt.Sprintf("account: %s\nconsecutive failures: %d\nerror: %v\n", accountID, n, err)
	var cycleErr *CycleError
	if errors.As(err, &cycleErr) && cycleErr.Diagnostics != "" {
		details += "session:\n" + cycleErr.Diagnostics
	}
	s.alerter.Alert(fmt.Sprintf("Mailbox import failing for account %s", accountID), details)
}

// ConsecutiveFailures returns how many cycles in a row failed for the account.
func (s *Scheduler) ConsecutiveFailures(accountID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[accountID]
}

func (s *Scheduler) debounced(account *models.MailboxAccount, now time.Time) bool {
	return account.LastImportTime != nil && now.Sub(*account.LastImportTime) < s.cfg.ControlPeriod
}

// ProcessAccount runs one scheduling cycle for an account.
func (s *Scheduler) ProcessAccount(ctx context.Context, accountID string) error {
	log := s.logger.WithField("account", accountID)

	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return &CycleError{AccountID: accountID, Err: fmt.Errorf("failed to load account: %w", err)}
	}
	if !account.ImportEnabled {
		log.Debug("Import disabled, skipping account")
		return nil
	}
	if s.debounced(account, s.now()) {
		log.Debug("Account polled recently, skipping")
		return nil
	}

	session, release, err := s.sessions.Acquire(ctx, account)
	if err != nil {
		return &CycleError{AccountID: accountID, Err: err}
	}
	defer release()

	// Another process may have polled while we waited for the lock.
	account, err = s.store.GetAccount(ctx, accountID)
	if err != nil {
		return &CycleError{AccountID: accountID, Err: fmt.Errorf("failed to reload account: %w", err)}
	}
	startedAt := s.now()
	if s.debounced(account, startedAt) {
		log.Debug("Account polled by another worker while waiting, skipping")
		return nil
	}
	if err := s.store.SetLastImportTime(ctx, accountID, startedAt); err != nil {
		return &CycleError{AccountID: accountID, Err: err}
	}

	var errs []error
	for _, box := range models.WatchedBoxes {
		if err := s.processBox(ctx, session, account, box); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			errs = append(errs, fmt.Errorf("%s box: %w", box, err))
		}
	}

	if len(errs) > 0 {
		return &CycleError{AccountID: accountID, Diagnostics: session.Diagnostics(), Err: errors.Join(errs...)}
	}
	return nil
}

// processBox polls one box and stores its new pointer.
func (s *Scheduler) processBox(ctx context.Context, session imap.MailboxSession, account *models.MailboxAccount, box models.BoxType) error {
	status, err := session.BoxStatus(box)
	if err != nil {
		return err
	}

	stored := account.Pointer(box)
	log := s.logger.WithFields(logrus.Fields{
		"account":         account.ID,
		"box":             box,
		"stored_position": stored.Position,
		"stored_epoch":    stored.Epoch,
		"position":        status.Position,
		"epoch":           status.Epoch,
	})

	var start uint32
	switch {
	case stored.IsZero() && !s.cfg.ImportHistory:
		log.Info("First sighting of box, starting at current position")
		return s.store.SavePointer(ctx, account.ID, box, models.BoxPointer{Position: status.Position, Epoch: status.Epoch})
	case stored.IsZero():
		start = 1
	case stored.Epoch != status.Epoch:
		log.Warn("Box epoch changed, resynchronizing")
		start = s.resync(ctx, session, account, box, stored)
	case stored.Position >= status.Position:
		return nil
	default:
		start = stored.Position
	}

	next := status.Position
	if start < next {
		uids, err := session.SearchTickets(box, start)
		if err != nil {
			return err
		}
		if len(uids) > s.cfg.MaxPerCycle {
			next = uids[s.cfg.MaxPerCycle]
			uids = uids[:s.cfg.MaxPerCycle]
			log.WithField("resume_at", next).Info("Per-cycle cap reached, remaining messages deferred")
		}

		for _, uid := range uids {
			raw, err := s.fetchWithRetry(session, box, uid)
			if err != nil {
				log.WithField("uid", uid).WithError(err).Warn("Skipping message after failed fetch retry")
				continue
			}

			msg := &models.RawMessage{
				TraceID:   uuid.NewString(),
				AccountID: account.ID,
				Box:       box,
				Type:      models.MessageTypeForBox(box),
				Position:  uid,
				Epoch:     status.Epoch,
				Bytes:     raw,
			}
			if err := s.raw.Put(ctx, msg); err != nil {
				return err
			}
		}
		log.WithField("enqueued", len(uids)).Debug("Box polled")
	}

	return s.store.SavePointer(ctx, account.ID, box, models.BoxPointer{Position: next, Epoch: status.Epoch})
}

func (s *Scheduler) fetchWithRetry(session imap.MailboxSession, box models.BoxType, uid uint32) ([]byte, error) {
	raw, err := session.FetchRaw(box, uid)
	if err == nil {
		return raw, nil
	}
	return session.FetchRaw(box, uid)
}

// resync finds where to resume in a box whose epoch changed: right after the newest
// already-imported message that can still be found, or RollbackWindow before the old position.
func (s *Scheduler) resync(ctx context.Context, session imap.MailboxSession, account *models.MailboxAccount, box models.BoxType, stored models.BoxPointer) uint32 {
	log := s.logger.WithFields(logrus.Fields{"account": account.ID, "box": box})

	ids, err := s.store.RecentMessageIDs(ctx, account.ID, box, resyncLookupCount)
	if err != nil {
		log.WithError(err).Warn("Failed to load recent message ids for resync")
	}

	for _, id := range ids {
		uids, err := session.SearchMessageID(box, id)
		if err != nil {
			log.WithField("message_id", id).WithError(err).Warn("Resync search failed")
			continue
		}
		if len(uids) > 0 {
			start := uids[len(uids)-1] + 1
			log.WithField("message_id", id).WithField("start", start).Info("Resynchronized by message-id")
			return start
		}
	}

	start := rollback(stored.Position, s.cfg.RollbackWindow)
	log.WithField("start", start).Info("No imported message found, rolling back")
	return start
}

// rollback returns position moved back by window, never below 1.
func rollback(position, window uint32) uint32 {
	if position <= window+1 {
		return 1
	}
	return position - window
}
