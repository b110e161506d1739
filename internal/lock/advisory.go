package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// unlockTimeout bounds the pg_advisory_unlock round-trip on release.
const unlockTimeout = 5 * time.Second

// PgAdvisoryLock implements ExternalLock with Postgres session-level advisory locks.
// Each held lock pins one pooled connection until it is released, because advisory
// locks belong to the database session that took them.
type PgAdvisoryLock struct {
	pool   *pgxpool.Pool
	logger *logrus.Logger
}

// NewPgAdvisoryLock creates an advisory lock backed by pool.
func NewPgAdvisoryLock(pool *pgxpool.Pool, logger *logrus.Logger) *PgAdvisoryLock {
	return &PgAdvisoryLock{pool: pool, logger: logger}
}

// Lock waits on pg_advisory_lock until it is granted or ctx expires.
// An expired ctx cancels the statement server-side and surfaces ctx.Err().
func (l *PgAdvisoryLock) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, key); err != nil {
		// The connection may still be waiting on the lock server-side; never reuse it.
		_ = conn.Conn().Close(context.Background())
		conn.Release()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to take advisory lock: %w", err)
	}

	return func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
		defer cancel()

		var released bool
		if err := conn.QueryRow(unlockCtx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key).Scan(&released); err != nil || !released {
			// Closing the session drops every advisory lock it holds.
			l.logger.WithError(err).WithField("key", key).Warn("Failed to release advisory lock, closing connection")
			_ = conn.Conn().Close(context.Background())
		}
		conn.Release()
	}, nil
}

var _ ExternalLock = (*PgAdvisoryLock)(nil)
