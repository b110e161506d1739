package imap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/ticketmail/internal/crypto"
	"github.com/vdavid/ticketmail/internal/lock"
	"github.com/vdavid/ticketmail/internal/models"
)

const (
	// healthCheckThreshold is the idle time after which a pooled session is checked before reuse.
	healthCheckThreshold = 1 * time.Minute
	// maintenanceInterval is how often pooled sessions are kept alive or reaped.
	maintenanceInterval = 1 * time.Minute
)

// ManagerConfig controls how sessions are dialed and pooled.
type ManagerConfig struct {
	UseTLS      bool
	DialTimeout time.Duration
	// Pooling keeps one logged-in session per account between acquisitions.
	Pooling bool
	// Diagnostics escalates every failed command with the full command log.
	Diagnostics bool
	// IdleTimeout is how long a pooled session may sit unused before it is logged out.
	IdleTimeout time.Duration
}

// Manager hands out exclusive access to one session per account.
// The account lock is held from Acquire until the release function is called,
// so no two holders ever issue commands on the same account concurrently.
type Manager struct {
	locks     *lock.Coordinator
	encryptor *crypto.Encryptor
	alerter   Alerter
	logger    *logrus.Logger
	cfg       ManagerConfig

	mu     sync.Mutex
	active map[string]*Session // accountID -> session currently held
	idle   map[string]*Session // accountID -> pooled free session

	cleanupCtx    context.Context
	cleanupCancel context.CancelFunc
}

// NewManager creates a Manager and starts its maintenance goroutine.
func NewManager(cfg ManagerConfig, locks *lock.Coordinator, encryptor *crypto.Encryptor, alerter Alerter, logger *logrus.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		locks:         locks,
		encryptor:     encryptor,
		alerter:       alerter,
		logger:        logger,
		cfg:           cfg,
		active:        make(map[string]*Session),
		idle:          make(map[string]*Session),
		cleanupCtx:    ctx,
		cleanupCancel: cancel,
	}
	go m.startCleanupGoroutine()
	return m
}

// LockKey is the coordinator key guarding an account's session.
func LockKey(accountID string) string {
	return "mailbox:" + accountID
}

// Acquire blocks until the account's lock is held, then returns a connected session.
// A lock timeout is always escalated to the operator with the holder's diagnostics.
func (m *Manager) Acquire(ctx context.Context, account *models.MailboxAccount) (MailboxSession, func(), error) {
	s, release, err := m.AcquireSession(ctx, account)
	if err != nil {
		return nil, nil, err
	}
	return s, release, nil
}

// AcquireSession is Acquire returning the concrete session.
func (m *Manager) AcquireSession(ctx context.Context, account *models.MailboxAccount) (*Session, func(), error) {
	lease, err := m.locks.Acquire(ctx, LockKey(account.ID))
	if err != nil {
		if errors.Is(err, lock.ErrLockTimeout) {
			m.alertLockTimeout(account, err)
		}
		return nil, nil, fmt.Errorf("failed to lock account %s: %w", account.ID, err)
	}

	s, err := m.sessionFor(account)
	if err != nil {
		lease.Release()
		return nil, nil, err
	}

	m.mu.Lock()
	m.active[account.ID] = s
	m.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			m.release(account.ID, s)
			lease.Release()
		})
	}
	return s, release, nil
}

// sessionFor returns the pooled session if it is still healthy, or dials a new one.
// The caller holds the account lock.
func (m *Manager) sessionFor(account *models.MailboxAccount) (*Session, error) {
	m.mu.Lock()
	s, ok := m.idle[account.ID]
	delete(m.idle, account.ID)
	m.mu.Unlock()

	if ok {
		if s.Connected() && (time.Since(s.LastActivity()) < healthCheckThreshold || s.Keepalive() == nil) {
			return s, nil
		}
		m.logger.WithField("account", account.ID).Info("Pooled IMAP session is dead, reconnecting")
		_ = s.Logout()
	}

	return m.dial(account)
}

func (m *Manager) dial(account *models.MailboxAccount) (*Session, error) {
	password, err := m.encryptor.Decrypt(account.EncryptedPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt IMAP password: %w", err)
	}

	s := NewSession(account.ID, m.logger, m.alerter, m.cfg.Diagnostics)
	if err := s.Connect(account.IMAPHost, m.cfg.UseTLS, m.cfg.DialTimeout); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", account.IMAPHost, err)
	}
	if err := s.Authenticate(account.IMAPUsername, password); err != nil {
		_ = s.Logout()
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"account": account.ID,
		"host":    account.IMAPHost,
	}).Debug("IMAP session established")
	return s, nil
}

// release runs with the account lock still held.
func (m *Manager) release(accountID string, s *Session) {
	m.mu.Lock()
	delete(m.active, accountID)
	keep := m.cfg.Pooling && s.Connected()
	if keep {
		m.idle[accountID] = s
	}
	m.mu.Unlock()

	if !keep {
		if err := s.Logout(); err != nil {
			m.logger.WithField("account", accountID).WithError(err).Debug("IMAP logout failed")
		}
	}
}

func (m *Manager) alertLockTimeout(account *models.MailboxAccount, lockErr error) {
	m.mu.Lock()
	holder := m.active[account.ID]
	m.mu.Unlock()

	details := fmt.Sprintf("account: %s (%s)\nerror: %v\n", account.ID, account.Email, lockErr)
	if holder != nil {
		details += "holder session:\n" + holder.Diagnostics()
	} else {
		details += "holder: another process\n"
	}

	m.logger.WithField("account", account.ID).WithError(lockErr).Error("IMAP lock acquisition timed out")
	if m.alerter != nil {
		m.alerter.Alert(fmt.Sprintf("IMAP lock timeout for %s", account.Email), details)
	}
}

// PooledSessions returns how many idle sessions are pooled.
func (m *Manager) PooledSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.idle)
}

// Close stops maintenance and logs out every pooled session.
// Sessions currently held are logged out by their holders on release.
func (m *Manager) Close() {
	m.cleanupCancel()

	m.mu.Lock()
	idle := m.idle
	m.idle = make(map[string]*Session)
	m.cfg.Pooling = false
	m.mu.Unlock()

	for accountID, s := range idle {
		if err := s.Logout(); err != nil {
			m.logger.WithField("account", accountID).WithError(err).Debug("IMAP logout failed")
		}
	}
}
