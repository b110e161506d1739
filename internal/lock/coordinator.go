// Package lock serializes access to a mailbox account across goroutines and processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a lock could not be acquired within the configured bound.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// ExternalLock is a named lock shared with other processes.
// Lock must respect the deadline of ctx and return a function that releases the lock.
type ExternalLock interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Coordinator hands out at most one Lease per key at a time.
//
// Within a process the exclusion is a one-slot semaphore per key; across processes it is
// delegated to the optional ExternalLock. Both waits share one timeout.
type Coordinator struct {
	mu       sync.Mutex
	slots    map[string]chan struct{}
	external ExternalLock
	timeout  time.Duration
}

// NewCoordinator creates a Coordinator. external may be nil for single-process deployments.
func NewCoordinator(timeout time.Duration, external ExternalLock) *Coordinator {
	return &Coordinator{
		slots:    make(map[string]chan struct{}),
		external: external,
		timeout:  timeout,
	}
}

func (c *Coordinator) slot(key string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slots[key]
	if !ok {
		s = make(chan struct{}, 1)
		c.slots[key] = s
	}
	return s
}

// Acquire blocks until the lock for key is held, ctx is done, or the timeout elapses.
func (c *Coordinator) Acquire(ctx context.Context, key string) (*Lease, error) {
	start := time.Now()
	deadline := start.Add(c.timeout)
	slot := c.slot(key)

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case slot <- struct{}{}:
	case <-timer.C:
		return nil, fmt.Errorf("%w: %q still held after %s", ErrLockTimeout, key, c.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	lease := &Lease{key: key, releaseLocal: func() { <-slot }}

	if c.external != nil {
		extCtx, cancel := context.WithDeadline(ctx, deadline)
		unlock, err := c.external.Lock(extCtx, key)
		cancel()
		if err != nil {
			lease.releaseLocal()
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, fmt.Errorf("%w: %q held by another process after %s", ErrLockTimeout, key, time.Since(start).Round(time.Millisecond))
			}
			return nil, fmt.Errorf("failed to acquire external lock for %q: %w", key, err)
		}
		lease.releaseExternal = unlock
	}

	lease.waited = time.Since(start)
	return lease, nil
}

// TryAcquireLocal takes the in-process slot for key without waiting.
// It does not consult the external lock; it is meant for maintenance of
// process-local state that belongs to key.
func (c *Coordinator) TryAcquireLocal(key string) (*Lease, bool) {
	slot := c.slot(key)
	select {
	case slot <- struct{}{}:
		return &Lease{key: key, releaseLocal: func() { <-slot }}, true
	default:
		return nil, false
	}
}

// Lease is a held lock. Release is safe to call more than once.
type Lease struct {
	key             string
	waited          time.Duration
	releaseLocal    func()
	releaseExternal func()
	once            sync.Once
}

// Key returns the locked key.
func (l *Lease) Key() string {
	return l.key
}

// Waited returns how long acquisition blocked.
func (l *Lease) Waited() time.Duration {
	return l.waited
}

// Release gives the lock back.
func (l *Lease) Release() {
	l.once.Do(func() {
		if l.releaseExternal != nil {
			l.releaseExternal()
		}
		l.releaseLocal()
	})
}
