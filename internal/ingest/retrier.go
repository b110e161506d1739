package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/ticketmail/internal/models"
	"github.com/vdavid/ticketmail/internal/queue"
)

const retryBatchSize = 100

// retryLeaseTicks is how many retry intervals a queued failure stays claimed. The lease only
// matters when a queued copy is lost, e.g. on shutdown; otherwise ingesting it ends the claim.
const retryLeaseTicks = 12

// FailureClaimer hands out failed messages that may be retried.
type FailureClaimer interface {
	ClaimRetryableFailures(ctx context.Context, maxAttempts, limit int, lease time.Duration) ([]*models.IngestFailure, error)
	ReleaseIngestFailures(ctx context.Context, ids []string) error
}

// Retrier periodically puts failed messages back on the raw message queue.
type Retrier struct {
	store       FailureClaimer
	raw         *queue.Queue[*models.RawMessage]
	interval    time.Duration
	maxAttempts int
	logger      *logrus.Logger
}

// NewRetrier creates a Retrier.
func NewRetrier(store FailureClaimer, raw *queue.Queue[*models.RawMessage], interval time.Duration, maxAttempts int, logger *logrus.Logger) *Retrier {
	return &Retrier{store: store, raw: raw, interval: interval, maxAttempts: maxAttempts, logger: logger}
}

// Run retries on every tick until ctx is done.
func (r *Retrier) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RetryOnce(ctx)
		}
	}
}

// RetryOnce re-enqueues up to one batch of failures and returns how many were queued.
// A failure whose previous copy is still waiting on the queue is not enqueued again.
func (r *Retrier) RetryOnce(ctx context.Context) int {
	failures, err := r.store.ClaimRetryableFailures(ctx, r.maxAttempts, retryBatchSize, r.interval*retryLeaseTicks)
	if err != nil {
		r.logger.WithError(err).Error("Failed to claim ingest failures")
		return 0
	}

	queued := 0
	for _, f := range failures {
		msg := &models.RawMessage{
			TraceID:   uuid.NewString(),
			AccountID: f.AccountID,
			Box:       f.Box,
			Type:      f.Type,
			Position:  f.Position,
			Epoch:     f.Epoch,
			Bytes:     f.Bytes,
			Ticket:    f.Ticket,
			FailureID: f.ID,
		}
		if err := r.raw.TryPut(msg); err != nil {
			r.logger.WithFields(logrus.Fields{
				"queue":   r.raw.Name(),
				"pending": len(failures) - queued,
			}).Warn("Queue full, retry continues next tick")
			r.release(ctx, failures[queued:])
			break
		}
		queued++
	}

	if queued > 0 {
		r.logger.WithField("count", queued).Info("Re-enqueued failed messages")
	}
	return queued
}

func (r *Retrier) release(ctx context.Context, failures []*models.IngestFailure) {
	ids := make([]string, 0, len(failures))
	for _, f := range failures {
		ids = append(ids, f.ID)
	}
	if err := r.store.ReleaseIngestFailures(ctx, ids); err != nil {
		r.logger.WithError(err).Warn("Failed to release ingest failures, they wait for the lease to run out")
	}
}
