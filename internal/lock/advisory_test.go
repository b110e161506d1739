package lock

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/ticketmail/internal/testutil"
)

func TestPgAdvisoryLock_CrossProcess(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	// Two coordinators sharing nothing but the database behave like two processes.
	first := NewCoordinator(200*time.Millisecond, NewPgAdvisoryLock(pool, logger))
	second := NewCoordinator(200*time.Millisecond, NewPgAdvisoryLock(pool, logger))

	lease, err := first.Acquire(context.Background(), "account-42")
	require.NoError(t, err)

	_, err = second.Acquire(context.Background(), "account-42")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockTimeout)

	other, err := second.Acquire(context.Background(), "account-43")
	require.NoError(t, err)
	other.Release()

	lease.Release()

	again, err := second.Acquire(context.Background(), "account-42")
	require.NoError(t, err)
	again.Release()
}
