package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/ticketmail/internal/queue"
)

// Feeder periodically queues every import-enabled account for the scheduler.
type Feeder struct {
	store    Store
	accounts *queue.Queue[string]
	interval time.Duration
	logger   *logrus.Logger
}

// NewFeeder creates a Feeder.
func NewFeeder(store Store, accounts *queue.Queue[string], interval time.Duration, logger *logrus.Logger) *Feeder {
	return &Feeder{store: store, accounts: accounts, interval: interval, logger: logger}
}

// Run feeds once immediately and then on every tick until ctx is done.
func (f *Feeder) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		f.Feed(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Feed queues all import-enabled accounts. Accounts that do not fit are picked up next time.
func (f *Feeder) Feed(ctx context.Context) int {
	ids, err := f.store.ListImportEnabledAccountIDs(ctx)
	if err != nil {
		f.logger.WithError(err).Error("Failed to list accounts to poll")
		return 0
	}

	queued := 0
	for _, id := range ids {
		if err := f.accounts.TryPut(id); err != nil {
			f.logger.WithFields(logrus.Fields{"account": id, "queue": f.accounts.Name()}).WithError(err).Warn("Queue full, skipping account until next tick")
			continue
		}
		queued++
	}
	return queued
}
