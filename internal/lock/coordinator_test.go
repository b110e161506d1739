package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinator_AcquireRelease(t *testing.T) {
	c := NewCoordinator(time.Second, nil)

	lease, err := c.Acquire(context.Background(), "account-1")
	require.NoError(t, err)
	assert.Equal(t, "account-1", lease.Key())

	lease.Release()
	lease.Release() // second release is a no-op

	again, err := c.Acquire(context.Background(), "account-1")
	require.NoError(t, err)
	again.Release()
}

func TestCoordinator_BlocksThenTimesOut(t *testing.T) {
	c := NewCoordinator(100*time.Millisecond, nil)

	holder, err := c.Acquire(context.Background(), "account-x")
	require.NoError(t, err)
	defer holder.Release()

	start := time.Now()
	_, err = c.Acquire(context.Background(), "account-x")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLockTimeout))
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestCoordinator_WaiterProceedsAfterRelease(t *testing.T) {
	c := NewCoordinator(time.Second, nil)

	holder, err := c.Acquire(context.Background(), "account-x")
	require.NoError(t, err)

	acquired := make(chan *Lease, 1)
	go func() {
		lease, err := c.Acquire(context.Background(), "account-x")
		if err == nil {
			acquired <- lease
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second acquirer got the lock while it was held")
	case <-time.After(50 * time.Millisecond):
	}

	holder.Release()
	select {
	case lease := <-acquired:
		assert.Greater(t, lease.Waited(), time.Duration(0))
		lease.Release()
	case <-time.After(time.Second):
		t.Fatal("second acquirer never got the lock")
	}
}

func TestCoordinator_KeysAreIndependent(t *testing.T) {
	c := NewCoordinator(50*time.Millisecond, nil)

	a, err := c.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer a.Release()

	b, err := c.Acquire(context.Background(), "b")
	require.NoError(t, err)
	b.Release()
}

func TestCoordinator_AtMostOneHolder(t *testing.T) {
	c := NewCoordinator(5*time.Second, nil)

	var holders, maxHolders int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := c.Acquire(context.Background(), "shared")
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			n := atomic.AddInt32(&holders, 1)
			for {
				m := atomic.LoadInt32(&maxHolders)
				if n <= m || atomic.CompareAndSwapInt32(&maxHolders, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&holders, -1)
			lease.Release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxHolders)
}

func TestCoordinator_ContextCancel(t *testing.T) {
	c := NewCoordinator(time.Second, nil)
	holder, err := c.Acquire(context.Background(), "k")
	require.NoError(t, err)
	defer holder.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrLockTimeout))
}

func TestCoordinator_TryAcquireLocal(t *testing.T) {
	c := NewCoordinator(time.Second, nil)

	lease, ok := c.TryAcquireLocal("k")
	require.True(t, ok)

	_, ok = c.TryAcquireLocal("k")
	assert.False(t, ok)

	lease.Release()
	again, ok := c.TryAcquireLocal("k")
	assert.True(t, ok)
	again.Release()
}

// fakeExternal emulates another process holding keys.
type fakeExternal struct {
	mu       sync.Mutex
	heldElse map[string]bool
	locked   map[string]bool
}

func (f *fakeExternal) Lock(ctx context.Context, key string) (func(), error) {
	f.mu.Lock()
	busy := f.heldElse[key]
	f.mu.Unlock()
	if busy {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.mu.Lock()
	f.locked[key] = true
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.locked, key)
		f.mu.Unlock()
	}, nil
}

func TestCoordinator_ExternalLock(t *testing.T) {
	ext := &fakeExternal{heldElse: map[string]bool{"busy": true}, locked: map[string]bool{}}
	c := NewCoordinator(80*time.Millisecond, ext)

	t.Run("holds and releases the external lock", func(t *testing.T) {
		lease, err := c.Acquire(context.Background(), "free")
		require.NoError(t, err)
		assert.True(t, ext.locked["free"])
		lease.Release()
		assert.False(t, ext.locked["free"])
	})

	t.Run("times out when another process holds the key", func(t *testing.T) {
		_, err := c.Acquire(context.Background(), "busy")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrLockTimeout)
		assert.Contains(t, err.Error(), "another process")

		// The local slot must have been given back.
		lease, ok := c.TryAcquireLocal("busy")
		require.True(t, ok)
		lease.Release()
	})
}
