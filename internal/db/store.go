package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/ticketmail/internal/models"
)

// Store binds the package functions to a pool so background workers can depend on
// narrow interfaces and be tested with mock implementations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store that uses the given database pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) GetAccount(ctx context.Context, id string) (*models.MailboxAccount, error) {
	return GetAccount(ctx, s.pool, id)
}

func (s *Store) ListImportEnabledAccountIDs(ctx context.Context) ([]string, error) {
	return ListImportEnabledAccountIDs(ctx, s.pool)
}

func (s *Store) SavePointer(ctx context.Context, accountID string, box models.BoxType, p models.BoxPointer) error {
	return SavePointer(ctx, s.pool, accountID, box, p)
}

func (s *Store) AdvancePointer(ctx context.Context, adv models.PointerAdvance) error {
	return AdvancePointer(ctx, s.pool, adv)
}

func (s *Store) SetLastImportTime(ctx context.Context, accountID string, at time.Time) error {
	return SetLastImportTime(ctx, s.pool, accountID, at)
}

func (s *Store) RecentMessageIDs(ctx context.Context, accountID string, box models.BoxType, limit int) ([]string, error) {
	return RecentMessageIDs(ctx, s.pool, accountID, box, limit)
}

func (s *Store) FindDuplicate(ctx context.Context, key DedupKey) (string, error) {
	return FindDuplicate(ctx, s.pool, key)
}

func (s *Store) ResolveTicket(ctx context.Context, ticket string) (*models.Correlation, error) {
	return ResolveTicket(ctx, s.pool, ticket)
}

func (s *Store) SaveEmailRecord(ctx context.Context, rec *models.EmailRecord, adv *models.PointerAdvance) error {
	return SaveEmailRecord(ctx, s.pool, rec, adv)
}

func (s *Store) GetEmailRecord(ctx context.Context, id string) (*models.EmailRecord, error) {
	return GetEmailRecord(ctx, s.pool, id)
}

func (s *Store) AppendHistory(ctx context.Context, c *models.Correlation, line string) error {
	return AppendHistory(ctx, s.pool, c, line)
}

func (s *Store) SaveAttachment(ctx context.Context, att *models.Attachment) error {
	return SaveAttachment(ctx, s.pool, att)
}

func (s *Store) RecordIngestFailure(ctx context.Context, f *models.IngestFailure) error {
	return RecordIngestFailure(ctx, s.pool, f)
}

func (s *Store) ClaimRetryableFailures(ctx context.Context, maxAttempts, limit int, lease time.Duration) ([]*models.IngestFailure, error) {
	return ClaimRetryableFailures(ctx, s.pool, maxAttempts, limit, lease)
}

func (s *Store) ReleaseIngestFailures(ctx context.Context, ids []string) error {
	return ReleaseIngestFailures(ctx, s.pool, ids)
}

func (s *Store) DeleteIngestFailure(ctx context.Context, id string) error {
	return DeleteIngestFailure(ctx, s.pool, id)
}
