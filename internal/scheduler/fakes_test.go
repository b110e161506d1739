package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vdavid/ticketmail/internal/imap"
	"github.com/vdavid/ticketmail/internal/models"
)

type fakeStore struct {
	mu        sync.Mutex
	accounts  map[string]*models.MailboxAccount
	recentIDs map[models.BoxType][]string
	gets      int
	// afterGet runs after each GetAccount and may mutate the stored account.
	afterGet func(n int, a *models.MailboxAccount)
	listErr  error
}

func newFakeStore(accounts ...*models.MailboxAccount) *fakeStore {
	s := &fakeStore{accounts: make(map[string]*models.MailboxAccount), recentIDs: make(map[models.BoxType][]string)}
	for _, a := range accounts {
		s.accounts[a.ID] = a
	}
	return s
}

func (s *fakeStore) GetAccount(_ context.Context, id string) (*models.MailboxAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, errors.New("account not found")
	}
	s.gets++
	if s.afterGet != nil {
		s.afterGet(s.gets, a)
	}
	cp := *a
	return &cp, nil
}

func (s *fakeStore) ListImportEnabledAccountIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var ids []string
	for id, a := range s.accounts {
		if a.ImportEnabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *fakeStore) SavePointer(_ context.Context, accountID string, box models.BoxType, p models.BoxPointer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accounts[accountID]
	cur := a.Pointer(box)
	if cur.Epoch == p.Epoch && cur.Position > p.Position {
		return nil
	}
	if box == models.BoxSent {
		a.Sent = p
	} else {
		a.Incoming = p
	}
	return nil
}

func (s *fakeStore) SetLastImportTime(_ context.Context, accountID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[accountID].LastImportTime = &at
	return nil
}

func (s *fakeStore) RecentMessageIDs(_ context.Context, _ string, box models.BoxType, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.recentIDs[box]
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *fakeStore) pointer(accountID string, box models.BoxType) models.BoxPointer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[accountID].Pointer(box)
}

type fakeMessage struct {
	messageID string
	ticket    bool
}

type fakeBox struct {
	next     uint32
	epoch    uint32
	messages map[uint32]fakeMessage
}

type fakeSession struct {
	mu          sync.Mutex
	accountID   string
	boxes       map[models.BoxType]*fakeBox
	fetchErrors map[uint32]int
	statusErr   error
	fetches     []uint32
	searches    []uint32
}

func newFakeSession(accountID string) *fakeSession {
	return &fakeSession{
		accountID: accountID,
		boxes: map[models.BoxType]*fakeBox{
			models.BoxIncoming: {next: 1, epoch: 1, messages: map[uint32]fakeMessage{}},
			models.BoxSent:     {next: 1, epoch: 1, messages: map[uint32]fakeMessage{}},
		},
		fetchErrors: make(map[uint32]int),
	}
}

// add appends a message to box and returns its uid.
func (f *fakeSession) add(box models.BoxType, messageID string, ticket bool) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.boxes[box]
	uid := b.next
	b.messages[uid] = fakeMessage{messageID: messageID, ticket: ticket}
	b.next++
	return uid
}

func (f *fakeSession) AccountID() string { return f.accountID }

func (f *fakeSession) BoxStatus(box models.BoxType) (*imap.BoxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	b := f.boxes[box]
	return &imap.BoxStatus{Name: string(box), Position: b.next, Epoch: b.epoch, Messages: uint32(len(b.messages))}, nil
}

func (f *fakeSession) SearchTickets(box models.BoxType, from uint32) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, from)
	var uids []uint32
	for uid, m := range f.boxes[box].messages {
		if uid >= from && m.ticket {
			uids = append(uids, uid)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

func (f *fakeSession) SearchMessageID(box models.BoxType, messageID string) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var uids []uint32
	for uid, m := range f.boxes[box].messages {
		if m.messageID == messageID {
			uids = append(uids, uid)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

func (f *fakeSession) FetchRaw(box models.BoxType, uid uint32) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, uid)
	if f.fetchErrors[uid] > 0 {
		f.fetchErrors[uid]--
		return nil, fmt.Errorf("fetch %d failed", uid)
	}
	m, ok := f.boxes[box].messages[uid]
	if !ok {
		return nil, imap.ErrMessageNotFound
	}
	return []byte(fmt.Sprintf("Message-ID: %s\r\nSubject: [ticket:ABCD1234] test\r\n\r\nbody\r\n", m.messageID)), nil
}

func (f *fakeSession) CopyTo(models.BoxType, uint32, models.BoxType) error { return nil }
func (f *fakeSession) Delete(models.BoxType, uint32) error                { return nil }
func (f *fakeSession) MarkSeen(models.BoxType, uint32) error              { return nil }
func (f *fakeSession) Keepalive() error                                   { return nil }
func (f *fakeSession) Diagnostics() string                                { return "fake session log" }

// renumber simulates a server that rebuilt the box under a new epoch.
func (f *fakeSession) renumber(box models.BoxType, epoch, offset uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.boxes[box]
	messages := make(map[uint32]fakeMessage, len(b.messages))
	for uid, m := range b.messages {
		messages[uid+offset] = m
	}
	b.messages = messages
	b.next += offset
	b.epoch = epoch
}

type fakeProvider struct {
	mu       sync.Mutex
	session  *fakeSession
	err      error
	acquires int
	releases int
}

func (p *fakeProvider) Acquire(_ context.Context, _ *models.MailboxAccount) (imap.MailboxSession, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquires++
	if p.err != nil {
		return nil, nil, p.err
	}
	return p.session, func() {
		p.mu.Lock()
		p.releases++
		p.mu.Unlock()
	}, nil
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (a *fakeAlerter) Alert(subject, details string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, subject+"\n"+details)
}

func (a *fakeAlerter) all() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.alerts...)
}

func (a *fakeAlerter) contains(s string) bool {
	for _, alert := range a.all() {
		if strings.Contains(alert, s) {
			return true
		}
	}
	return false
}

// reset empties box and sets its next position and epoch.
func (f *fakeSession) reset(box models.BoxType, next, epoch uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boxes[box] = &fakeBox{next: next, epoch: epoch, messages: map[uint32]fakeMessage{}}
}

func (f *fakeSession) fetched() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint32(nil), f.fetches...)
}

func (f *fakeSession) searched() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint32(nil), f.searches...)
}

type panicProvider struct{}

func (panicProvider) Acquire(context.Context, *models.MailboxAccount) (imap.MailboxSession, func(), error) {
	panic("connection table corrupted")
}
