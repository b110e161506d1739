package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/ticketmail/internal/imap"
	"github.com/vdavid/ticketmail/internal/models"
	"github.com/vdavid/ticketmail/internal/queue"
	"github.com/vdavid/ticketmail/internal/testutil"
)

const testAccountID = "acc-1"

type harness struct {
	store    *fakeStore
	session  *fakeSession
	provider *fakeProvider
	alerter  *fakeAlerter
	accounts *queue.Queue[string]
	raw      *queue.Queue[*models.RawMessage]
	sched    *Scheduler
	clock    time.Time
}

func defaultConfig() Config {
	return Config{
		ControlPeriod:  5 * time.Minute,
		MaxPerCycle:    50,
		RollbackWindow: 10,
		AlertThreshold: 3,
	}
}

func newHarness(t *testing.T, cfg Config, incoming, sent models.BoxPointer) *harness {
	t.Helper()
	logger, _ := testutil.NewLogger()

	account := &models.MailboxAccount{
		ID:            testAccountID,
		Email:         "sales@example.com",
		ImportEnabled: true,
		Incoming:      incoming,
		Sent:          sent,
	}
	session := newFakeSession(testAccountID)
	session.reset(models.BoxIncoming, incoming.Position, incoming.Epoch)
	session.reset(models.BoxSent, sent.Position, sent.Epoch)

	h := &harness{
		store:    newFakeStore(account),
		session:  session,
		provider: &fakeProvider{session: session},
		alerter:  &fakeAlerter{},
		accounts: queue.New[string]("accounts", 10),
		raw:      queue.New[*models.RawMessage]("raw", 200),
		clock:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.sched = New(cfg, h.store, h.provider, h.accounts, h.raw, h.alerter, logger)
	h.sched.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) advance(d time.Duration) {
	h.clock = h.clock.Add(d)
}

func (h *harness) drain(t *testing.T) []*models.RawMessage {
	t.Helper()
	var out []*models.RawMessage
	for h.raw.Len() > 0 {
		m, err := h.raw.Get(context.Background())
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func positions(msgs []*models.RawMessage) []uint32 {
	out := make([]uint32, len(msgs))
	for i, m := range msgs {
		out[i] = m.Position
	}
	return out
}

func TestProcessAccount_NewMessages(t *testing.T) {
	h := newHarness(t, defaultConfig(), models.BoxPointer{Position: 100, Epoch: 7}, models.BoxPointer{Position: 1, Epoch: 1})
	for i := 0; i < 3; i++ {
		h.session.add(models.BoxIncoming, fmt.Sprintf("<m%d@example.com>", i), true)
	}

	require.NoError(t, h.sched.ProcessAccount(context.Background(), testAccountID))

	msgs := h.drain(t)
	assert.Equal(t, []uint32{100, 101, 102}, positions(msgs))
	for _, m := range msgs {
		assert.Equal(t, testAccountID, m.AccountID)
		assert.Equal(t, models.BoxIncoming, m.Box)
		assert.Equal(t, models.MessageIncoming, m.Type)
		assert.Equal(t, uint32(7), m.Epoch)
		assert.NotEmpty(t, m.TraceID)
		assert.NotEmpty(t, m.Bytes)
		assert.True(t, m.FromScheduler())
	}
	assert.Equal(t, models.BoxPointer{Position: 103, Epoch: 7}, h.store.pointer(testAccountID, models.BoxIncoming))

	account, err := h.store.GetAccount(context.Background(), testAccountID)
	require.NoError(t, err)
	require.NotNil(t, account.LastImportTime)
	assert.Equal(t, h.clock, *account.LastImportTime)
	assert.Equal(t, 1, h.provider.releases)
}

func TestProcessAccount_SentBoxIsTypedSent(t *testing.T) {
	h := newHarness(t, defaultConfig(), models.BoxPointer{Position: 1, Epoch: 1}, models.BoxPointer{Position: 40, Epoch: 3})
	h.session.add(models.BoxSent, "<reply@example.com>", true)

	require.NoError(t, h.sched.ProcessAccount(context.Background(), testAccountID))

	msgs := h.drain(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.BoxSent, msgs[0].Box)
	assert.Equal(t, models.MessageSent, msgs[0].Type)
	assert.Equal(t, models.BoxPointer{Position: 41, Epoch: 3}, h.store.pointer(testAccountID, models.BoxSent))
}

func TestProcessAccount_SkipsMessagesWithoutTicket(t *testing.T) {
	h := newHarness(t, defaultConfig(), models.BoxPointer{Position: 100, Epoch: 7}, models.BoxPointer{Position: 1, Epoch: 1})
	h.session.add(models.BoxIncoming, "<a@example.com>", true)
	h.session.add(models.BoxIncoming, "<newsletter@example.com>", false)

	require.NoError(t, h.sched.ProcessAccount(context.Background(), testAccountID))

	assert.Equal(t, []uint32{100}, positions(h.drain(t)))
	assert.Equal(t, models.BoxPointer{Position: 102, Epoch: 7}, h.store.pointer(testAccountID, models.BoxIncoming))
}

func TestProcessAccount_NothingNew(t *testing.T) {
	h := newHarness(t, defaultConfig(), models.BoxPointer{Position: 100, Epoch: 7}, models.BoxPointer{Position: 1, Epoch: 1})

	require.NoError(t, h.sched.ProcessAccount(context.Background(), testAccountID))

	assert.Empty(t, h.session.searched())
	assert.Zero(t, h.raw.Len())
	assert.Equal(t, models.BoxPointer{Position: 100, Epoch: 7}, h.store.pointer(testAccountID, models.BoxIncoming))
}

func TestProcessAccount_PointerNeverMovesBackwards(t *testing.T) {
	h := newHarness(t, defaultConfig(), models.BoxPointer{Position: 103, Epoch: 7}, models.BoxPointer{Position: 1, Epoch: 1})
	h.session.reset(models.BoxIncoming, 100, 7)

	require.NoError(t, h.sched.ProcessAccount(context.Background(), testAccountID))

	assert.Empty(t, h.session.fetched())
	assert.Equal(t, models.BoxPointer{Position: 103, Epoch: 7}, h.store.pointer(testAccountID, models.BoxIncoming))
}

func TestProcessAccount_FirstSighting(t *testing.T) {
	t.Run("starts at current position", func(t *testing.T) {
		h := newHarness(t, defaultConfig(), models.BoxPointer{}, models.BoxPointer{})
		h.session.reset(models.BoxIncoming, 1, 5)
		h.session.add(models.BoxIncoming, "<old@example.com>", true)
		h.session.add(models.BoxIncoming, "<older@example.com>", true)

		require.NoError(t, h.sched.ProcessAccount(context.Background(), testAccountID))

		assert.Empty(t, h.session.fetched())
		assert.Equal(t, models.BoxPointer{Position: 3, Epoch: 5}, h.store.pointer(testAccountID, models.BoxIncoming))
	})

	t.Run("imports history when enabled", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.ImportHistory = true
		h := newHarness(t, cfg, models.BoxPointer{}, models.BoxPointer{})
		h.session.reset(models.BoxIncoming, 1, 5)
		h.session.add(models.BoxIncoming, "<old@example.com>", true)
		h.session.add(models.BoxIncoming, "<older@example.com>", true)

		require.NoError(t, h.sched.ProcessAccount(context.Background(), testAccountID))

		assert.Equal(t, []uint32{1, 2}, positions(h.drain(t)))
		assert.Equal(t, models.BoxPointer{Position: 3, Epoch: 5}, h.store.pointer(testAccountID, models.BoxIncoming))
	})
}

func TestProcessAccount_EpochChangeResyncsByMessageID(t *testing.T) {
	h := newHarness(t, defaultConfig(), models.BoxPointer{Position: 100, Epoch: 7}, models.BoxPointer{Position: 1, Epoch: 1})
	h.session.add(models.BoxIncoming, "<a@example.com>", true)
	h.session.add(models.BoxIncoming, "<b@example.com>", true)
	h.session.add(models.BoxIncoming, "<c@example.com>", true)
	require.NoError(t, h.sched.ProcessAccount(context.Background(), testAccountID))
	h.drain(t)

	// The server rebuilt the box: same messages, new numbers, new epoch. One new message arrived.
	h.session.renumber(models.BoxIncoming, 8, 10)
	newUID := h.session.add(models.BoxIncoming, "<d@example.com>", true)
	h.store.recentIDs[models.BoxIncoming] = []string{"<c@example.com>", "<b@example.com>", "<a@example.com>"}
	h.advance(10 * time.Minute)

	require.NoError(t, h.sched.ProcessAccount(context.Background(), testAccountID))

	msgs := h.drain(t)
	assert.Equal(t, []uint32{newUID}, positions(msgs))
	assert.Equal(t, uint32(8), msgs[0].Epoch)
	assert.Equal(t, models.BoxPointer{Position: newUID + 1, Epoch: 8}, h.store.pointer(testAccountID, models.BoxIncoming))
}

func TestProcessAccount_EpochChangeFallsBackToRollback(t *testing.T) {
	h := newHarness(t, defaultConfig(), models.BoxPointer{Position: 103, Epoch: 7}, models.BoxPointer{Position: 1, Epoch: 1})
	h.session.reset(models.BoxIncoming, 90, 8)
	for uid := uint32(90); uid < 100; uid++ {
		h.session.add(models.BoxIncoming, fmt.Sprintf("<%d@example.com>", uid), uid == 90 || uid == 95)
	}
	h.store.recentIDs[models.BoxIncoming] = []string{"<gone@example.com>"}

	require.NoError(t, h.sched.ProcessAccount(context.Background(), testAccountID))

	// 103 - 10 = 93, so 90 is before the rollback window and 95 is inside it.
	assert.Equal(t, []uint32{93}, h.session.searched())
	assert.Equal(t, []uint32{95}, positions(h.drain(t)))
	assert.Equal(t, models.BoxPointer{Position: 100, Epoch: 8}, h.store.pointer(testAccountID, models.BoxIncoming))
}

func TestRollback(t *testing.T) {
	tests := []struct {
		position, window, want uint32
	}{
		{103, 10, 93},
		{12, 10, 2},
		{11, 10, 1},
		{5, 10, 1},
		{0, 10, 1},
		{50, 0, 50},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d-%d", tt.position, tt.window), func(t *testing.T) {
			assert.Equal(t, tt.want, rollback(tt.position, tt.window))
		})
	}
}

func TestProcessAccount_CapsMessagesPerCycle(t *testing.T) {
	h := newHarness(t, defaultConfig(), models.BoxPointer{Position: 1, Epoch: 1}, models.BoxPointer{Position: 1, Epoch: 1})
	for i := 0; i < 60; i++ {
		h.session.add(models.BoxIncoming, fmt.Sprintf("<m%d@example.com>", i), true)
	}

	require.NoError(t, h.sched.ProcessAccount(context.Background(), testAccountID))
	first := h.drain(t)
	require.Len(t, first, 50)
	assert.Equal(t, uint32(50), first[49].Position)
	assert.Equal(t, models.BoxPointer{Position: 51, Epoch: 1}, h.store.pointer(testAccountID, models.BoxIncoming))

	h.advance(10 * time.Minute)
	require.NoError(t, h.sched.ProcessAccount(context.Background(), testAccountID))
	second := h.drain(t)
	require.Len(t, second, 10)
	assert.Equal(t, uint32(51), second[0].Position)
	assert.Equal(t, models.BoxPointer{Position: 61, Epoch: 1}, h.store.pointer(testAccountID, models.BoxIncoming))
}

func TestProcessAccount_FetchRetry(t *testing.T) {
	t.Run("succeeds on retry", func(t *testing.T) {
		h := newHarness(t, defaultConfig(), models.BoxPointer{Position: 100, Epoch: 7}, models.BoxPointer{Position: 1, Epoch: 1})
		uid := h.session.add(models.BoxIncoming, "<a@example.com>", true)
		h.session.fetchErrors[uid] = 1

		require.NoError(t, h.sched.ProcessAccount(context.Background(), testAccountID))

		assert.Equal(t, []uint32{uid, uid}, h.session.fetched())
		assert.Equal(t, []uint32{uid}, positions(h.drain(t)))
	})

	t.Run("skips message after second failure", func(t *testing.T) {
		h := newHarness(t, defaultConfig(), models.BoxPointer{Position: 100, Epoch: 7}, models.BoxPointer{Position: 1, Epoch: 1})
		bad := h.session.add(models.BoxIncoming, "<bad@example.com>", true)
		good := h.session.add(models.BoxIncoming, "<good@example.com>", true)
		h.session.fetchErrors[bad] = 2

		require.NoError(t, h.sched.ProcessAccount(context.Background(), testAccountID))

		assert.Equal(t, []uint32{good}, positions(h.drain(t)))
		assert.Equal(t, models.BoxPointer{Position: 102, Epoch: 7}, h.store.pointer(testAccountID, models.BoxIncoming))
	})
}

func TestProcessAccount_Debounce(t *testing.T) {
	t.Run("before acquiring the session", func(t *testing.T) {
		h := newHarness(t, defaultConfig(), models.BoxPointer{Position: 100, Epoch: 7}, models.BoxPointer{Position: 1, Epoch: 1})
		recent := h.clock.Add(-time.Minute)
		h.store.accounts[testAccountID].LastImportTime = &recent

		require.NoError(t, h.sched.ProcessAccount(context.Background(), testAccountID))
		assert.Zero(t, h.provider.acquires)
	})

	t.Run("after acquiring the session", func(t *testing.T) {
		h := newHarness(t, defaultConfig(), models.BoxPointer{Position: 100, Epoch: 7}, models.BoxPointer{Position: 1, Epoch: 1})
		h.session.add(models.BoxIncoming, "<a@example.com>", true)
		h.store.afterGet = func(n int, a *models.MailboxAccount) {
			if n == 2 {
				polled := h.clock.Add(-time.Second)
				a.LastImportTime = &polled
			}
		}

		require.NoError(t, h.sched.ProcessAccount(context.Background(), testAccountID))
		assert.Equal(t, 1, h.provider.acquires)
		assert.Equal(t, 1, h.provider.releases)
		assert.Empty(t, h.session.searched())
		assert.Zero(t, h.raw.Len())
	})

	t.Run("two cycles in one control period poll once", func(t *testing.T) {
		h := newHarness(t, defaultConfig(), models.BoxPointer{Position: 100, Epoch: 7}, models.BoxPointer{Position: 1, Epoch: 1})
		h.session.add(models.BoxIncoming, "<a@example.com>", true)

		require.NoError(t, h.sched.ProcessAccount(context.Background(), testAccountID))
		h.advance(time.Minute)
		h.session.add(models.BoxIncoming, "<b@example.com>", true)
		require.NoError(t, h.sched.ProcessAccount(context.Background(), testAccountID))

		assert.Equal(t, 1, h.provider.acquires)
		assert.Equal(t, []uint32{100}, positions(h.drain(t)))

		h.advance(5 * time.Minute)
		require.NoError(t, h.sched.ProcessAccount(context.Background(), testAccountID))
		assert.Equal(t, 2, h.provider.acquires)
		assert.Equal(t, []uint32{101}, positions(h.drain(t)))
	})
}

func TestProcessAccount_ImportDisabled(t *testing.T) {
	h := newHarness(t, defaultConfig(), models.BoxPointer{Position: 100, Epoch: 7}, models.BoxPointer{Position: 1, Epoch: 1})
	h.store.accounts[testAccountID].ImportEnabled = false

	require.NoError(t, h.sched.ProcessAccount(context.Background(), testAccountID))
	assert.Zero(t, h.provider.acquires)
}

func TestProcessAccount_UnknownAccount(t *testing.T) {
	h := newHarness(t, defaultConfig(), models.BoxPointer{}, models.BoxPointer{})

	err := h.sched.ProcessAccount(context.Background(), "missing")

	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, "missing", cycleErr.AccountID)
}

func TestConsecutiveFailuresEscalate(t *testing.T) {
	h := newHarness(t, defaultConfig(), models.BoxPointer{Position: 100, Epoch: 7}, models.BoxPointer{Position: 1, Epoch: 1})
	h.provider.err = imap.ErrNotConnected

	for i := 0; i < 2; i++ {
		h.sched.runOne(context.Background(), testAccountID)
	}
	assert.Equal(t, 2, h.sched.ConsecutiveFailures(testAccountID))
	assert.Empty(t, h.alerter.all())

	h.sched.runOne(context.Background(), testAccountID)
	require.Len(t, h.alerter.all(), 1)
	assert.True(t, h.alerter.contains("Mailbox import failing for account acc-1"))
	assert.True(t, h.alerter.contains("consecutive failures: 3"))

	h.provider.err = nil
	h.sched.runOne(context.Background(), testAccountID)
	assert.Zero(t, h.sched.ConsecutiveFailures(testAccountID))
}

func TestBoxFailureCarriesDiagnostics(t *testing.T) {
	cfg := defaultConfig()
	cfg.AlertThreshold = 1
	h := newHarness(t, cfg, models.BoxPointer{Position: 100, Epoch: 7}, models.BoxPointer{Position: 1, Epoch: 1})
	h.session.statusErr = errors.New("BAD command")

	err := h.sched.ProcessAccount(context.Background(), testAccountID)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, "fake session log", cycleErr.Diagnostics)
	assert.Contains(t, err.Error(), "incoming box")
	assert.Contains(t, err.Error(), "sent box")

	h.advance(10 * time.Minute)
	h.sched.runOne(context.Background(), testAccountID)
	assert.True(t, h.alerter.contains("fake session log"))
}

func TestRunOneRecoversFromPanic(t *testing.T) {
	logger, _ := testutil.NewLogger()
	store := newFakeStore(&models.MailboxAccount{ID: testAccountID, ImportEnabled: true})
	alerter := &fakeAlerter{}
	sched := New(Config{AlertThreshold: 1}, store, panicProvider{}, queue.New[string]("accounts", 1), queue.New[*models.RawMessage]("raw", 1), alerter, logger)

	assert.NotPanics(t, func() { sched.runOne(context.Background(), testAccountID) })
	assert.Equal(t, 1, sched.ConsecutiveFailures(testAccountID))
	assert.True(t, alerter.contains("connection table corrupted"))
}

func TestRun(t *testing.T) {
	h := newHarness(t, defaultConfig(), models.BoxPointer{Position: 100, Epoch: 7}, models.BoxPointer{Position: 1, Epoch: 1})
	for i := 0; i < 3; i++ {
		h.session.add(models.BoxIncoming, fmt.Sprintf("<m%d@example.com>", i), true)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.sched.Run(ctx)
		close(done)
	}()

	require.NoError(t, h.accounts.Put(ctx, testAccountID))
	assert.Eventually(t, func() bool { return h.raw.Len() == 3 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
