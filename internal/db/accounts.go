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

// ErrAccountNotFound is returned when a mailbox account cannot be found.
var ErrAccountNotFound = errors.New("mailbox account not found")

// pointerColumns returns the position and epoch columns of a watched box.
func pointerColumns(box models.BoxType) (position, epoch string, err error) {
	switch box {
	case models.BoxIncoming:
		return "incoming_position", "incoming_epoch", nil
	case models.BoxSent:
		return "sent_position", "sent_epoch", nil
	default:
		return "", "", fmt.Errorf("box %q has no stored pointer", box)
	}
}

// GetAccount returns the mailbox account with the given id.
func GetAccount(ctx context.Context, pool *pgxpool.Pool, id string) (*models.MailboxAccount, error) {
	var a models.MailboxAccount
	err := pool.QueryRow(ctx, `
		SELECT
			id,
			email,
			imap_host,
			imap_username,
			encrypted_imap_password,
			import_enabled,
			incoming_position,
			incoming_epoch,
			sent_position,
			sent_epoch,
			last_import_time,
			owner_id,
			owner_email,
			department_id
		FROM mailbox_accounts
		WHERE id = $1
	`, id).Scan(
		&a.ID,
		&a.Email,
		&a.IMAPHost,
		&a.IMAPUsername,
		&a.EncryptedPassword,
		&a.ImportEnabled,
		&a.Incoming.Position,
		&a.Incoming.Epoch,
		&a.Sent.Position,
		&a.Sent.Epoch,
		&a.LastImportTime,
		&a.OwnerID,
		&a.OwnerEmail,
		&a.DepartmentID,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return &a, nil
}

// ListImportEnabledAccountIDs returns the ids of all accounts the scheduler should poll,
// least recently imported first.
func ListImportEnabledAccountIDs(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	rows, err := pool.Query(ctx, `
		SELECT id
		FROM mailbox_accounts
		WHERE import_enabled
		ORDER BY last_import_time NULLS FIRST, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan account ids: %w", err)
	}

	return ids, nil
}

// InsertAccount creates a mailbox account and fills in its id.
func InsertAccount(ctx context.Context, pool *pgxpool.Pool, a *models.MailboxAccount) error {
	err := pool.QueryRow(ctx, `
		INSERT INTO mailbox_accounts (
			email,
			imap_host,
			imap_username,
			encrypted_imap_password,
			import_enabled,
			incoming_position,
			incoming_epoch,
			sent_position,
			sent_epoch,
			last_import_time,
			owner_id,
			owner_email,
			department_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`,
		a.Email,
		a.IMAPHost,
		a.IMAPUsername,
		a.EncryptedPassword,
		a.ImportEnabled,
		a.Incoming.Position,
		a.Incoming.Epoch,
		a.Sent.Position,
		a.Sent.Epoch,
		a.LastImportTime,
		a.OwnerID,
		a.OwnerEmail,
		a.DepartmentID,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

// SavePointer stores the pointer of one box after a scheduler cycle.
// Within the same epoch the stored position never decreases; a new epoch replaces it.
func SavePointer(ctx context.Context, q DBTX, accountID string, box models.BoxType, p models.BoxPointer) error {
	posCol, epochCol, err := pointerColumns(box)
	if err != nil {
		return err
	}

	sql := fmt.Sprintf(`
		UPDATE mailbox_accounts SET
			%[1]s = CASE WHEN %[2]s = $2 THEN GREATEST(%[1]s, $3) ELSE $3 END,
			%[2]s = $2,
			updated_at = now()
		WHERE id = $1
	`, posCol, epochCol)

	tag, err := q.Exec(ctx, sql, accountID, p.Epoch, p.Position)
	if err != nil {
		return fmt.Errorf("failed to save %s pointer: %w", box, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// AdvancePointer moves a box pointer past an imported message.
// It is a no-op when the stored epoch differs or the stored position is already ahead.
func AdvancePointer(ctx context.Context, q DBTX, adv models.PointerAdvance) error {
	posCol, epochCol, err := pointerColumns(adv.Box)
	if err != nil {
		return err
	}

	sql := fmt.Sprintf(`
		UPDATE mailbox_accounts SET
			%[1]s = GREATEST(%[1]s, $3),
			updated_at = now()
		WHERE id = $1 AND %[2]s = $2
	`, posCol, epochCol)

	if _, err := q.Exec(ctx, sql, adv.AccountID, adv.Epoch, adv.Position); err != nil {
		return fmt.Errorf("failed to advance %s pointer: %w", adv.Box, err)
	}
	return nil
}

// SetLastImportTime records when the account was last polled.
func SetLastImportTime(ctx context.Context, pool *pgxpool.Pool, accountID string, at time.Time) error {
	tag, err := pool.Exec(ctx, `
		UPDATE mailbox_accounts SET last_import_time = $2, updated_at = now()
		WHERE id = $1
	`, accountID, at)
	if err != nil {
		return fmt.Errorf("failed to set last import time: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}
