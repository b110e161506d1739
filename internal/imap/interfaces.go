package imap

import (
	"context"

	"github.com/vdavid/ticketmail/internal/models"
)

// BoxStatus is the position/epoch pair of a box as reported by STATUS.
type BoxStatus struct {
	Name     string
	Position uint32 // UIDNEXT
	Epoch    uint32 // UIDVALIDITY
	Messages uint32
}

// MailboxSession is the set of protocol operations background workers need.
// This allows the scheduler and ingestor to be tested with mock implementations.
type MailboxSession interface {
	AccountID() string
	BoxStatus(box models.BoxType) (*BoxStatus, error)
	SearchTickets(box models.BoxType, from uint32) ([]uint32, error)
	SearchMessageID(box models.BoxType, messageID string) ([]uint32, error)
	FetchRaw(box models.BoxType, uid uint32) ([]byte, error)
	CopyTo(box models.BoxType, uid uint32, dest models.BoxType) error
	Delete(box models.BoxType, uid uint32) error
	MarkSeen(box models.BoxType, uid uint32) error
	Keepalive() error
	// Diagnostics renders timestamps, the last error and the command log.
	Diagnostics() string
}

// SessionProvider hands out exclusive access to an account's session.
// Callers must always call the returned release function when they are done with the session.
type SessionProvider interface {
	Acquire(ctx context.Context, account *models.MailboxAccount) (MailboxSession, func(), error)
}

// Alerter receives operator alerts.
type Alerter interface {
	Alert(subject, details string)
}

var (
	_ MailboxSession  = (*Session)(nil)
	_ SessionProvider = (*Manager)(nil)
)
