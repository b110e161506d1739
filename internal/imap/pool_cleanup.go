package imap

import (
	"time"
)

// startCleanupGoroutine periodically keeps pooled sessions alive and reaps idle ones.
// It stops when cleanupCtx is canceled (via Manager.Close()).
func (m *Manager) startCleanupGoroutine() {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.cleanupCtx.Done():
			return
		case <-ticker.C:
			m.maintainIdleSessions(time.Now())
		}
	}
}

// maintainIdleSessions logs out pooled sessions idle longer than IdleTimeout and
// sends a NOOP to the others. Sessions whose account lock is taken are skipped.
func (m *Manager) maintainIdleSessions(now time.Time) {
	m.mu.Lock()
	accountIDs := make([]string, 0, len(m.idle))
	for accountID := range m.idle {
		accountIDs = append(accountIDs, accountID)
	}
	m.mu.Unlock()

	for _, accountID := range accountIDs {
		lease, ok := m.locks.TryAcquireLocal(LockKey(accountID))
		if !ok {
			continue
		}

		m.mu.Lock()
		s, stillIdle := m.idle[accountID]
		m.mu.Unlock()

		if stillIdle {
			m.maintain(accountID, s, now)
		}
		lease.Release()
	}
}

func (m *Manager) maintain(accountID string, s *Session, now time.Time) {
	expired := now.Sub(s.LastUsed()) > m.cfg.IdleTimeout
	if !expired && s.Keepalive() == nil {
		return
	}

	m.mu.Lock()
	delete(m.idle, accountID)
	m.mu.Unlock()

	m.logger.WithField("account", accountID).WithField("expired", expired).Debug("Closing pooled IMAP session")
	_ = s.Logout()
}
