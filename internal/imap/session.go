package imap

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/ticketmail/internal/models"
)

// ErrNotConnected is returned by operations on a session whose connection is gone.
var ErrNotConnected = errors.New("imap session is not connected")

// Session is the stateful connection to one mailbox account.
// It is owned by whoever holds the account's lock; only diagnostics may be read concurrently.
type Session struct {
	accountID   string
	client      *client.Client
	log         *CommandLog
	logger      *logrus.Logger
	alerter     Alerter
	diagnostics bool

	mu            sync.Mutex
	createdAt     time.Time
	lastKeepalive time.Time
	lastRequest   time.Time
	lastErr       error
	failures      int
	selected      string
	boxes         map[models.BoxType]string
}

// NewSession creates an unconnected session for accountID.
// When diagnostics is true every failed command is escalated to alerter with the command log.
func NewSession(accountID string, logger *logrus.Logger, alerter Alerter, diagnostics bool) *Session {
	return &Session{
		accountID:   accountID,
		log:         NewCommandLog(defaultCommandLogSize),
		logger:      logger,
		alerter:     alerter,
		diagnostics: diagnostics,
		createdAt:   time.Now(),
	}
}

// AccountID returns the account the session belongs to.
func (s *Session) AccountID() string {
	return s.accountID
}

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

// LastUsed returns when the session last issued a command other than a keepalive.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRequest.IsZero() {
		return s.createdAt
	}
	return s.lastRequest
}

// LastActivity returns the later of LastUsed and the last keepalive.
func (s *Session) LastActivity() time.Time {
	used := s.LastUsed()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastKeepalive.After(used) {
		return s.lastKeepalive
	}
	return used
}

// Err returns the last failure recorded on the session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Failures returns how many commands failed on this session.
func (s *Session) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Log returns the session's command log.
func (s *Session) Log() *CommandLog {
	return s.log
}

// Connected reports whether the underlying connection is still open.
func (s *Session) Connected() bool {
	if s.client == nil {
		return false
	}
	select {
	case <-s.client.LoggedOut():
		return false
	default:
		return true
	}
}

// Diagnostics renders the session state for operator alerts.
func (s *Session) Diagnostics() string {
	s.mu.Lock()
	var b strings.Builder
	fmt.Fprintf(&b, "account: %s\n", s.accountID)
	fmt.Fprintf(&b, "created: %s\n", formatTime(s.createdAt))
	fmt.Fprintf(&b, "last keepalive: %s\n", formatTime(s.lastKeepalive))
	fmt.Fprintf(&b, "last request: %s\n", formatTime(s.lastRequest))
	fmt.Fprintf(&b, "selected box: %s\n", s.selected)
	fmt.Fprintf(&b, "failures: %d\n", s.failures)
	if s.lastErr != nil {
		fmt.Fprintf(&b, "last error: %v\n", s.lastErr)
	}
	s.mu.Unlock()

	b.WriteString("command log:\n")
	b.WriteString(s.log.String())
	return b.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}

// run issues one round-trip and records it in the command log.
func (s *Session) run(command, detail string, fn func() error) error {
	start := time.Now()
	if command != "NOOP" {
		s.mu.Lock()
		s.lastRequest = start
		s.mu.Unlock()
	}

	var err error
	if s.client == nil && command != "CONNECT" {
		err = ErrNotConnected
	} else {
		err = fn()
	}

	entry := CommandEntry{At: start, Command: command, Status: statusOK, Detail: detail, Duration: time.Since(start)}
	if err != nil {
		entry.Status = statusNO
		entry.Detail = strings.TrimSpace(detail + " " + err.Error())
	}
	s.log.Add(entry)

	if err != nil {
		s.recordFailure(command, err)
	}
	return err
}

func (s *Session) recordFailure(command string, err error) {
	s.mu.Lock()
	s.lastErr = err
	s.failures++
	n := s.failures
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"account":  s.accountID,
		"command":  command,
		"failures": n,
	}).WithError(err).Warn("IMAP command failed")

	if s.diagnostics && s.alerter != nil {
		s.alerter.Alert(
			fmt.Sprintf("IMAP %s failed for account %s (failure %d)", command, s.accountID, n),
			s.Diagnostics(),
		)
	}
}

// Connect opens the connection.
func (s *Session) Connect(server string, useTLS bool, timeout time.Duration) error {
	return s.run("CONNECT", server, func() error {
		c, err := ConnectToIMAP(server, useTLS, timeout)
		if err != nil {
			return err
		}
		s.client = c
		return nil
	})
}

// Authenticate logs in.
func (s *Session) Authenticate(username, password string) error {
	return s.run("LOGIN", username, func() error {
		return Login(s.client, username, password)
	})
}

// Logout closes the connection. It is safe to call on an unconnected session.
func (s *Session) Logout() error {
	if !s.Connected() {
		return nil
	}
	return s.run("LOGOUT", "", func() error {
		return s.client.Logout()
	})
}

// Keepalive issues a NOOP.
func (s *Session) Keepalive() error {
	err := s.run("NOOP", "", func() error {
		return s.client.Noop()
	})
	if err == nil {
		s.mu.Lock()
		s.lastKeepalive = time.Now()
		s.mu.Unlock()
	}
	return err
}

// BoxStatus returns the position and epoch of box without selecting it.
func (s *Session) BoxStatus(box models.BoxType) (*BoxStatus, error) {
	name, err := s.ResolveBox(box)
	if err != nil {
		return nil, err
	}

	var status *imap.MailboxStatus
	err = s.run("STATUS", name, func() error {
		var statusErr error
		status, statusErr = s.client.Status(name, []imap.StatusItem{imap.StatusUidNext, imap.StatusUidValidity, imap.StatusMessages})
		return statusErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get status of %s: %w", name, err)
	}

	return &BoxStatus{
		Name:     name,
		Position: status.UidNext,
		Epoch:    status.UidValidity,
		Messages: status.Messages,
	}, nil
}

// Select makes box the current box.
func (s *Session) Select(box models.BoxType) (*imap.MailboxStatus, error) {
	name, err := s.ResolveBox(box)
	if err != nil {
		return nil, err
	}
	return s.selectName(name)
}

func (s *Session) selectName(name string) (*imap.MailboxStatus, error) {
	var status *imap.MailboxStatus
	err := s.run("SELECT", name, func() error {
		var selectErr error
		status, selectErr = s.client.Select(name, false)
		return selectErr
	})

	s.mu.Lock()
	if err != nil {
		s.selected = ""
	} else {
		s.selected = name
	}
	s.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", name, err)
	}
	return status, nil
}

// ensureSelected selects box unless it is already the current box.
func (s *Session) ensureSelected(box models.BoxType) error {
	name, err := s.ResolveBox(box)
	if err != nil {
		return err
	}

	s.mu.Lock()
	current := s.selected
	s.mu.Unlock()
	if current == name {
		return nil
	}

	_, err = s.selectName(name)
	return err
}

// CopyTo copies a message to another box.
func (s *Session) CopyTo(box models.BoxType, uid uint32, dest models.BoxType) error {
	if err := s.ensureSelected(box); err != nil {
		return err
	}
	destName, err := s.ResolveBox(dest)
	if err != nil {
		return err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	err = s.run("COPY", fmt.Sprintf("%d %s", uid, destName), func() error {
		return s.client.UidCopy(seqSet, destName)
	})
	if err != nil {
		return fmt.Errorf("failed to copy message %d to %s: %w", uid, destName, err)
	}
	return nil
}

// Delete flags a message \Deleted and expunges the box.
func (s *Session) Delete(box models.BoxType, uid uint32) error {
	if err := s.addFlag(box, uid, imap.DeletedFlag); err != nil {
		return err
	}
	err := s.run("EXPUNGE", "", func() error {
		return s.client.Expunge(nil)
	})
	if err != nil {
		return fmt.Errorf("failed to expunge: %w", err)
	}
	return nil
}

// MarkSeen flags a message \Seen.
func (s *Session) MarkSeen(box models.BoxType, uid uint32) error {
	return s.addFlag(box, uid, imap.SeenFlag)
}

func (s *Session) addFlag(box models.BoxType, uid uint32, flag string) error {
	if err := s.ensureSelected(box); err != nil {
		return err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	err := s.run("STORE", fmt.Sprintf("%d +%s", uid, flag), func() error {
		return s.client.UidStore(seqSet, item, []interface{}{flag}, nil)
	})
	if err != nil {
		return fmt.Errorf("failed to set %s on message %d: %w", flag, uid, err)
	}
	return nil
}
