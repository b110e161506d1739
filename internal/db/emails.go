package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/ticketmail/internal/models"
)

// ErrEmailNotFound is returned when a requested email record cannot be found.
var ErrEmailNotFound = errors.New("email record not found")

// DedupKey identifies a message for duplicate detection.
type DedupKey struct {
	AccountID   string
	Box         models.BoxType
	Position    uint32
	Epoch       uint32
	MessageID   string
	MessageDate *time.Time
	Subject     string
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// InsertEmailRecord inserts rec and fills in its id and creation time.
func InsertEmailRecord(ctx context.Context, q DBTX, rec *models.EmailRecord) error {
	err := q.QueryRow(ctx, `
		INSERT INTO email_records (
			account_id,
			ticket,
			is_incoming,
			is_sent,
			is_inquiry,
			subject,
			body,
			from_address,
			to_addresses,
			cc_addresses,
			bcc_addresses,
			message_id,
			message_date,
			box,
			position,
			epoch,
			owner_id,
			department_id,
			deal_id,
			request_id,
			lead_id,
			contact_id,
			company_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		RETURNING id, created_at
	`,
		rec.AccountID,
		rec.Ticket,
		rec.Incoming,
		rec.Sent,
		rec.Inquiry,
		rec.Subject,
		rec.Body,
		rec.FromAddress,
		orEmpty(rec.ToAddresses),
		orEmpty(rec.CCAddresses),
		orEmpty(rec.BCCAddresses),
		rec.MessageID,
		rec.MessageDate,
		string(rec.Box),
		rec.Position,
		rec.Epoch,
		rec.OwnerID,
		rec.DepartmentID,
		rec.DealID,
		rec.RequestID,
		rec.LeadID,
		rec.ContactID,
		rec.CompanyID,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert email record: %w", err)
	}
	return nil
}

// GetEmailRecord returns the email record with the given id.
func GetEmailRecord(ctx context.Context, pool *pgxpool.Pool, id string) (*models.EmailRecord, error) {
	var rec models.EmailRecord
	var box string
	err := pool.QueryRow(ctx, `
		SELECT
			id,
			account_id,
			ticket,
			is_incoming,
			is_sent,
			is_inquiry,
			subject,
			body,
			from_address,
			to_addresses,
			cc_addresses,
			bcc_addresses,
			message_id,
			message_date,
			box,
			position,
			epoch,
			owner_id,
			department_id,
			deal_id,
			request_id,
			lead_id,
			contact_id,
			company_id,
			created_at
		FROM email_records
		WHERE id = $1
	`, id).Scan(
		&rec.ID,
		&rec.AccountID,
		&rec.Ticket,
		&rec.Incoming,
		&rec.Sent,
		&rec.Inquiry,
		&rec.Subject,
		&rec.Body,
		&rec.FromAddress,
		&rec.ToAddresses,
		&rec.CCAddresses,
		&rec.BCCAddresses,
		&rec.MessageID,
		&rec.MessageDate,
		&box,
		&rec.Position,
		&rec.Epoch,
		&rec.OwnerID,
		&rec.DepartmentID,
		&rec.DealID,
		&rec.RequestID,
		&rec.LeadID,
		&rec.ContactID,
		&rec.CompanyID,
		&rec.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEmailNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email record: %w", err)
	}

	rec.Box = models.BoxType(box)
	return &rec, nil
}

// FindDuplicate returns the id of an existing record for the same message, or "" if there is none.
// The message-id is checked first across all accounts, since one message may reach several
// tracked mailboxes. Then (position, message date), then (position, subject); these are limited
// to the same account, box and epoch, because positions are reused after an epoch change.
func FindDuplicate(ctx context.Context, pool *pgxpool.Pool, key DedupKey) (string, error) {
	if key.MessageID != "" {
		id, err := firstID(ctx, pool, `
			SELECT id FROM email_records
			WHERE message_id = $1
			LIMIT 1
		`, key.MessageID)
		if err != nil || id != "" {
			return id, err
		}
	}

	if key.Position == 0 {
		return "", nil
	}

	if key.MessageDate != nil {
		id, err := firstID(ctx, pool, `
			SELECT id FROM email_records
			WHERE account_id = $1 AND box = $2 AND epoch = $3 AND position = $4 AND message_date = $5
			LIMIT 1
		`, key.AccountID, string(key.Box), key.Epoch, key.Position, *key.MessageDate)
		if err != nil || id != "" {
			return id, err
		}
	}

	return firstID(ctx, pool, `
		SELECT id FROM email_records
		WHERE account_id = $1 AND box = $2 AND epoch = $3 AND position = $4 AND subject = $5
		LIMIT 1
	`, key.AccountID, string(key.Box), key.Epoch, key.Position, key.Subject)
}

func firstID(ctx context.Context, pool *pgxpool.Pool, sql string, args ...any) (string, error) {
	var id string
	err := pool.QueryRow(ctx, sql, args...).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to check for duplicate: %w", err)
	}
	return id, nil
}

// RecentMessageIDs returns up to limit message-ids most recently imported from a box,
// highest position first. Used to resynchronize after an epoch change.
func RecentMessageIDs(ctx context.Context, pool *pgxpool.Pool, accountID string, box models.BoxType, limit int) ([]string, error) {
	rows, err := pool.Query(ctx, `
		SELECT message_id
		FROM email_records
		WHERE account_id = $1 AND box = $2 AND message_id <> '' AND position > 0
		ORDER BY epoch DESC, position DESC
		LIMIT $3
	`, accountID, string(box), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent message ids: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan message ids: %w", err)
	}
	return ids, nil
}

// SaveEmailRecord inserts rec and, when adv is non-nil, advances the box pointer in the same transaction.
func SaveEmailRecord(ctx context.Context, pool *pgxpool.Pool, rec *models.EmailRecord, adv *models.PointerAdvance) error {
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if err := InsertEmailRecord(ctx, tx, rec); err != nil {
			return err
		}
		if adv != nil {
			return AdvancePointer(ctx, tx, *adv)
		}
		return nil
	})
}
