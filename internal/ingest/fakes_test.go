package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/vdavid/ticketmail/internal/db"
	"github.com/vdavid/ticketmail/internal/models"
)

type fakeStore struct {
	mu           sync.Mutex
	accounts     map[string]*models.MailboxAccount
	correlations map[string]*models.Correlation
	records      []*models.EmailRecord
	history      map[string][]string
	attachments  []*models.Attachment
	failures     map[string]*models.IngestFailure
	claimed      map[string]bool
	advances     []models.PointerAdvance
	// saveErrs are returned by successive SaveEmailRecord calls before normal behavior resumes.
	saveErrs       []error
	saveCalls      int
	historyErr     error
	failureSeq     int
	recordFailErr  error
	resolveErr     error
	panicOnResolve bool
}

func newFakeStore(accounts ...*models.MailboxAccount) *fakeStore {
	s := &fakeStore{
		accounts:     make(map[string]*models.MailboxAccount),
		correlations: make(map[string]*models.Correlation),
		history:      make(map[string][]string),
		failures:     make(map[string]*models.IngestFailure),
		claimed:      make(map[string]bool),
	}
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
		return nil, db.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *fakeStore) AdvancePointer(_ context.Context, adv models.PointerAdvance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advances = append(s.advances, adv)
	return nil
}

func (s *fakeStore) FindDuplicate(_ context.Context, key db.DedupKey) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if key.MessageID != "" && r.MessageID == key.MessageID {
			return r.ID, nil
		}
	}
	if key.Position == 0 {
		return "", nil
	}
	for _, r := range s.records {
		if r.AccountID != key.AccountID || r.Box != key.Box || r.Epoch != key.Epoch || r.Position != key.Position {
			continue
		}
		if key.MessageDate != nil && r.MessageDate != nil && r.MessageDate.Equal(*key.MessageDate) {
			return r.ID, nil
		}
		if r.Subject == key.Subject {
			return r.ID, nil
		}
	}
	return "", nil
}

func (s *fakeStore) ResolveTicket(_ context.Context, ticket string) (*models.Correlation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicOnResolve {
		panic("correlation index corrupted")
	}
	if s.resolveErr != nil {
		return nil, s.resolveErr
	}
	c, ok := s.correlations[ticket]
	if !ok {
		return nil, db.ErrNoCorrelation
	}
	return c, nil
}

func (s *fakeStore) SaveEmailRecord(_ context.Context, rec *models.EmailRecord, adv *models.PointerAdvance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCalls++
	if len(s.saveErrs) > 0 {
		err := s.saveErrs[0]
		s.saveErrs = s.saveErrs[1:]
		if err != nil {
			return err
		}
	}
	for _, r := range s.records {
		if rec.MessageID != "" && r.MessageID == rec.MessageID {
			return fmt.Errorf("failed to insert email record: %w", &pgconn.PgError{Code: "23505"})
		}
	}
	if strings.ContainsRune(rec.Subject, 0) || strings.ContainsRune(rec.Body, 0) {
		return fmt.Errorf("failed to insert email record: %w", &pgconn.PgError{Code: "22021"})
	}
	rec.ID = fmt.Sprintf("email-%d", len(s.records)+1)
	s.records = append(s.records, rec)
	if adv != nil {
		s.advances = append(s.advances, *adv)
	}
	return nil
}

func (s *fakeStore) AppendHistory(_ context.Context, c *models.Correlation, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyErr != nil {
		return s.historyErr
	}
	s.history[c.ID] = append(s.history[c.ID], line)
	return nil
}

func (s *fakeStore) SaveAttachment(_ context.Context, att *models.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachments = append(s.attachments, att)
	return nil
}

func (s *fakeStore) RecordIngestFailure(_ context.Context, f *models.IngestFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordFailErr != nil {
		return s.recordFailErr
	}
	if f.ID != "" {
		existing, ok := s.failures[f.ID]
		if !ok {
			return errors.New("no such failure")
		}
		existing.Attempts++
		existing.LastError = f.LastError
		delete(s.claimed, f.ID)
		f.Attempts = existing.Attempts
		return nil
	}
	s.failureSeq++
	f.ID = fmt.Sprintf("failure-%d", s.failureSeq)
	f.Attempts = 1
	cp := *f
	s.failures[f.ID] = &cp
	return nil
}

func (s *fakeStore) DeleteIngestFailure(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, id)
	delete(s.claimed, id)
	return nil
}

// ClaimRetryableFailures ignores the lease length; claims end on release, re-record or delete.
func (s *fakeStore) ClaimRetryableFailures(_ context.Context, maxAttempts, limit int, _ time.Duration) ([]*models.IngestFailure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.IngestFailure
	for i := 1; i <= s.failureSeq && len(out) < limit; i++ {
		id := fmt.Sprintf("failure-%d", i)
		f, ok := s.failures[id]
		if ok && f.Attempts < maxAttempts && !s.claimed[id] {
			s.claimed[id] = true
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) ReleaseIngestFailures(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.claimed, id)
	}
	return nil
}

func (s *fakeStore) GetEmailRecord(_ context.Context, id string) (*models.EmailRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, db.ErrEmailNotFound
}

func (s *fakeStore) recordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type fetchError struct {
	userID    string
	accountID string
	position  uint32
	err       error
}

type fakeNotifier struct {
	mu          sync.Mutex
	owners      []*models.EmailRecord
	fetchErrors []fetchError
	ownerErr    error
}

func (n *fakeNotifier) NotifyOwner(_ *models.MailboxAccount, rec *models.EmailRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.owners = append(n.owners, rec)
	return n.ownerErr
}

func (n *fakeNotifier) NotifyFetchError(userID, accountID string, position uint32, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fetchErrors = append(n.fetchErrors, fetchError{userID: userID, accountID: accountID, position: position, err: err})
}

type fakeAlerter struct {
	mu       sync.Mutex
	subjects []string
	details  []string
}

func (a *fakeAlerter) Alert(subject, details string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subjects = append(a.subjects, subject)
	a.details = append(a.details, details)
}

func (a *fakeAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.subjects)
}
