package db

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/ticketmail/internal/models"
)

// RecordIngestFailure stores a message whose persistence failed so it can be retried.
// If f.ID is set the existing row is updated and its attempt counter incremented.
func RecordIngestFailure(ctx context.Context, pool *pgxpool.Pool, f *models.IngestFailure) error {
	if f.ID != "" {
		err := pool.QueryRow(ctx, `
			UPDATE ingest_failures
			SET attempts = attempts + 1, last_error = $2, updated_at = now(), queued_until = NULL
			WHERE id = $1
			RETURNING attempts, updated_at
		`, f.ID, f.LastError).Scan(&f.Attempts, &f.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to update ingest failure: %w", err)
		}
		return nil
	}

	err := pool.QueryRow(ctx, `
		INSERT INTO ingest_failures (account_id, box, type, position, epoch, raw, ticket, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, attempts, created_at, updated_at
	`, f.AccountID, string(f.Box), string(f.Type), f.Position, f.Epoch, f.Bytes, f.Ticket, f.LastError).
		Scan(&f.ID, &f.Attempts, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to record ingest failure: %w", err)
	}
	return nil
}

// ClaimRetryableFailures marks up to limit failures with fewer than maxAttempts attempts as queued
// for lease and returns them, oldest first. A claimed failure is not returned again until the lease
// runs out, it is re-recorded, or it is released. Rows claimed concurrently by another process are skipped.
func ClaimRetryableFailures(ctx context.Context, pool *pgxpool.Pool, maxAttempts, limit int, lease time.Duration) ([]*models.IngestFailure, error) {
	rows, err := pool.Query(ctx, `
		UPDATE ingest_failures
		SET queued_until = now() + make_interval(secs => $3)
		WHERE id IN (
			SELECT id FROM ingest_failures
			WHERE attempts < $1 AND (queued_until IS NULL OR queued_until <= now())
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, account_id, box, type, position, epoch, raw, ticket, last_error, attempts, created_at, updated_at
	`, maxAttempts, limit, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to claim ingest failures: %w", err)
	}
	defer rows.Close()

	var failures []*models.IngestFailure
	for rows.Next() {
		var f models.IngestFailure
		var box, typ string
		if err := rows.Scan(
			&f.ID,
			&f.AccountID,
			&box,
			&typ,
			&f.Position,
			&f.Epoch,
			&f.Bytes,
			&f.Ticket,
			&f.LastError,
			&f.Attempts,
			&f.CreatedAt,
			&f.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan ingest failure: %w", err)
		}
		f.Box = models.BoxType(box)
		f.Type = models.MessageType(typ)
		failures = append(failures, &f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ingest failures: %w", err)
	}

	// RETURNING does not keep the subquery order.
	slices.SortFunc(failures, func(a, b *models.IngestFailure) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return failures, nil
}

// ReleaseIngestFailures makes claimed failures eligible for the next retry round again.
func ReleaseIngestFailures(ctx context.Context, pool *pgxpool.Pool, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := pool.Exec(ctx, `UPDATE ingest_failures SET queued_until = NULL WHERE id::text = ANY($1)`, ids); err != nil {
		return fmt.Errorf("failed to release ingest failures: %w", err)
	}
	return nil
}

// DeleteIngestFailure removes a failure after a successful retry.
func DeleteIngestFailure(ctx context.Context, pool *pgxpool.Pool, id string) error {
	if _, err := pool.Exec(ctx, `DELETE FROM ingest_failures WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete ingest failure: %w", err)
	}
	return nil
}
