package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/huangang/costsentry/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// countQueries counts SELECT statements issued through db from now on.
func countQueries(t *testing.T, db *gorm.DB) *atomic.Int64 {
	t.Helper()
	var n atomic.Int64
	err := db.Callback().Query().After("gorm:query").Register("test:count_"+uuid.NewString(), func(*gorm.DB) {
		n.Add(1)
	})
	require.NoError(t, err)
	return &n
}

// seedAlertItems creates one warning alert with n pending email deliveries.
func seedAlertItems(t *testing.T, env *testEnv, n int) *models.Alert {
	t.Helper()
	acct := createAccount(t, env.db, 1, "100")
	pref := createPreference(t, env.db, 1, models.ChannelEmail, "ops@example.com")
	alert := &models.Alert{
		AccountID:   acct.ID,
		Tier:        models.TierWarning,
		FiredAt:     testStart,
		LastFiredAt: testStart,
		FireCount:   1,
	}
	require.NoError(t, env.db.Create(alert).Error)

	msg := buildAlertMessage(acct, models.TierWarning, hundred, 72_000_000, 70_000_000, testStart, testStart)
	for i := 0; i < n; i++ {
		_, err := env.queue.EnqueueForAlert(env.db, alert, []models.NotificationPreference{*pref}, msg)
		require.NoError(t, err)
	}
	return alert
}

func loadItems(t *testing.T, env *testEnv) []models.QueueItem {
	t.Helper()
	var items []models.QueueItem
	require.NoError(t, env.db.Order("id ASC").Find(&items).Error)
	return items
}

func historyRows(t *testing.T, env *testEnv, itemID uint) []models.DeliveryHistory {
	t.Helper()
	var rows []models.DeliveryHistory
	require.NoError(t, env.db.Where("queue_item_id = ?", itemID).Order("id ASC").Find(&rows).Error)
	return rows
}

func TestQueue_FetchDueQueryCountIsConstant(t *testing.T) {
	for _, n := range []int{5, 50} {
		env := newTestEnv(t)
		seedAlertItems(t, env, n)

		counter := countQueries(t, env.db)
		items, err := env.queue.FetchDue(context.Background(), 100)
		require.NoError(t, err)
		require.Len(t, items, n)

		// one select for the items plus one per preloaded relation
		assert.Equal(t, int64(4), counter.Load(), "batch of %d", n)
		for _, item := range items {
			require.NotNil(t, item.Alert)
			require.NotNil(t, item.Account)
			require.NotNil(t, item.Preference)
		}
	}
}

func TestDispatcher_SendsDueItems(t *testing.T) {
	env := newTestEnv(t)
	seedAlertItems(t, env, 1)
	metrics := NewMetrics(prometheus.NewRegistry())
	d := NewDispatcher(env.clock, env.queue, env.limiter, env.registry, env.lock, env.cfg.Dispatch, metrics)

	stats, err := d.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Fetched)
	assert.Equal(t, 1, stats.Sent)

	calls := env.senders[models.ChannelEmail].Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "ops@example.com", calls[0].Address)

	item := loadItems(t, env)[0]
	assert.Equal(t, models.QueueStatusSent, item.Status)
	assert.Equal(t, 1, item.AttemptCount)
	rows := historyRows(t, env, item.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, models.OutcomeSent, rows[0].Outcome)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.deliveries.WithLabelValues("email", "sent")))

	// nothing is due anymore
	stats, err = d.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Fetched)
}

func TestDispatcher_TransientFailuresEndInDeadLetter(t *testing.T) {
	env := newTestEnv(t)
	env.setSender(models.ChannelEmail, newFakeSender(models.ChannelEmail, transientFailure(503, errors.New("service unavailable"))))
	seedAlertItems(t, env, 1)
	d := env.dispatcher()
	ctx := context.Background()

	wantDelays := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute}
	for attempt := 1; attempt <= 4; attempt++ {
		stats, err := d.Tick(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, stats.Retried, "attempt %d", attempt)

		item := loadItems(t, env)[0]
		assert.Equal(t, models.QueueStatusPending, item.Status)
		assert.Equal(t, attempt, item.AttemptCount)
		assert.True(t, env.clock.Now().Add(wantDelays[attempt-1]).Equal(item.NextAttemptAt))
		assert.Contains(t, item.LastError, "service unavailable")

		// not due before the backoff elapses
		stats, err = d.Tick(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.Fetched)

		env.clock.Advance(wantDelays[attempt-1])
	}

	stats, err := d.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeadLettered)

	item := loadItems(t, env)[0]
	assert.Equal(t, models.QueueStatusDeadLetter, item.Status)
	assert.Equal(t, 5, item.AttemptCount)

	rows := historyRows(t, env, item.ID)
	require.Len(t, rows, 5)
	for i, row := range rows {
		assert.Equal(t, i+1, row.Attempt)
		assert.Equal(t, models.OutcomeTransientFailure, row.Outcome)
		assert.Equal(t, 503, row.StatusCode)
	}
	assert.Len(t, env.senders[models.ChannelEmail].Calls(), 5)

	// a manual requeue gives the item a fresh attempt budget
	requeued, err := env.queue.Requeue(ctx, 1, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, requeued.Status)
	assert.Zero(t, requeued.AttemptCount)
	_, err = env.queue.Requeue(ctx, 1, item.ID)
	assert.ErrorIs(t, err, ErrInvalidStatus)
	_, err = env.queue.Requeue(ctx, 2, item.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDispatcher_PermanentFailureDeadLettersImmediately(t *testing.T) {
	env := newTestEnv(t)
	env.setSender(models.ChannelEmail, newFakeSender(models.ChannelEmail, permanentFailure(550, errors.New("no such user"))))
	seedAlertItems(t, env, 1)

	stats, err := env.dispatcher().Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeadLettered)

	item := loadItems(t, env)[0]
	assert.Equal(t, models.QueueStatusDeadLetter, item.Status)
	rows := historyRows(t, env, item.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, models.OutcomePermanentFailure, rows[0].Outcome)
}

func TestDispatcher_RateLimitDefersWithoutCountingAttempts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		_, err := env.queue.EnqueueTest(ctx, 1, models.ChannelEmail, "ops@example.com")
		require.NoError(t, err)
	}
	d := env.dispatcher()

	stats, err := d.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Sent)
	assert.Equal(t, 2, stats.RateLimited)

	hourEnd := time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC)
	limited := 0
	for _, item := range loadItems(t, env) {
		if item.Status != models.QueueStatusRateLimited {
			continue
		}
		limited++
		assert.Zero(t, item.AttemptCount)
		assert.True(t, hourEnd.Equal(item.NextAttemptAt))
		assert.Contains(t, item.LastError, "rate limit")
		assert.Empty(t, historyRows(t, env, item.ID))
	}
	assert.Equal(t, 2, limited)

	env.clock.Set(hourEnd)
	stats, err = d.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Sent)
	assert.Len(t, env.senders[models.ChannelEmail].Calls(), 12)
}

func TestDispatcher_InvalidTargetsFail(t *testing.T) {
	env := newTestEnv(t)
	acct := createAccount(t, env.db, 1, "100")
	// saved before validation existed; the dispatcher must still refuse it
	bad := createPreference(t, env.db, 1, models.ChannelSlack, "http://169.254.169.254/latest/meta-data")
	disabled := createPreference(t, env.db, 1, models.ChannelDiscord, "https://discord.com/api/webhooks/1/a")
	require.NoError(t, env.db.Model(disabled).Update("enabled", false).Error)

	alert := &models.Alert{AccountID: acct.ID, Tier: models.TierCritical, FiredAt: testStart, LastFiredAt: testStart, FireCount: 1}
	require.NoError(t, env.db.Create(alert).Error)
	msg := buildAlertMessage(acct, models.TierCritical, hundred, 1, 1, testStart, testStart)
	_, err := env.queue.EnqueueForAlert(env.db, alert, []models.NotificationPreference{*bad, *disabled}, msg)
	require.NoError(t, err)

	stats, err := env.dispatcher().Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Failed)
	assert.Empty(t, env.senders[models.ChannelSlack].Calls())
	assert.Empty(t, env.senders[models.ChannelDiscord].Calls())

	items := loadItems(t, env)
	for _, item := range items {
		assert.Equal(t, models.QueueStatusFailed, item.Status)
		rows := historyRows(t, env, item.ID)
		require.Len(t, rows, 1)
		assert.Equal(t, models.OutcomeInvalidTarget, rows[0].Outcome)
	}
	assert.Contains(t, items[0].LastError, "scheme")
}

func TestDispatcher_PanicIsIsolatedToItem(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	fs := newFakeSender(models.ChannelEmail)
	fs.panicOn = 2
	env.setSender(models.ChannelEmail, fs)
	for i := 0; i < 3; i++ {
		_, err := env.queue.EnqueueTest(ctx, 1, models.ChannelEmail, "ops@example.com")
		require.NoError(t, err)
	}

	stats, err := env.dispatcher().Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Fetched)
	assert.Equal(t, 2, stats.Sent)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 1, stats.Retried)

	items := loadItems(t, env)
	assert.Equal(t, models.QueueStatusSent, items[0].Status)
	assert.Equal(t, models.QueueStatusPending, items[1].Status)
	assert.Contains(t, items[1].LastError, "sender panic")
	assert.Equal(t, models.QueueStatusSent, items[2].Status)
}

func TestDispatcher_PriorityOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedAlertItems(t, env, 1)
	env.clock.Advance(time.Minute)
	_, err := env.queue.EnqueueTest(ctx, 1, models.ChannelEmail, "test@example.com")
	require.NoError(t, err)

	_, err = env.dispatcher().Tick(ctx)
	require.NoError(t, err)
	calls := env.senders[models.ChannelEmail].Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "test@example.com", calls[0].Address, "test sends outrank alerts")
	assert.Equal(t, "ops@example.com", calls[1].Address)
}

func TestDispatcher_SkipsWhenLeaseHeldElsewhere(t *testing.T) {
	env := newTestEnv(t)
	seedAlertItems(t, env, 1)
	ctx := context.Background()

	other := NewDBLeaderLock(env.db, env.clock, "other-instance")
	release, ok, err := other.TryAcquire(ctx, dispatchLockName, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	stats, err := env.dispatcher().Tick(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Skipped)
	assert.Empty(t, env.senders[models.ChannelEmail].Calls())

	require.NoError(t, release(ctx))
	stats, err = env.dispatcher().Tick(ctx)
	require.NoError(t, err)
	assert.False(t, stats.Skipped)
	assert.Equal(t, 1, stats.Sent)
}

func TestDispatcher_Backoff(t *testing.T) {
	env := newTestEnv(t)
	d := env.dispatcher()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{5, 16 * time.Minute},
		{7, time.Hour},
		{40, time.Hour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, d.backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

// slowSender takes delay to deliver and gives up when its context ends first.
type slowSender struct {
	channel string
	delay   time.Duration
	calls   atomic.Int32
}

func (s *slowSender) Channel() string { return s.channel }

func (s *slowSender) Send(ctx context.Context, _ Target, _ *AlertMessage) SendResult {
	s.calls.Add(1)
	select {
	case <-time.After(s.delay):
		return SendResult{Outcome: OutcomeDelivered, StatusCode: 200}
	case <-ctx.Done():
		return transientFailure(0, ctx.Err())
	}
}

func TestDispatcher_BudgetLetsCurrentItemFinish(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Dispatch.TickBudget = 50 * time.Millisecond
	env.cfg.Dispatch.SendTimeout = 5 * time.Second
	sender := &slowSender{channel: models.ChannelEmail, delay: 200 * time.Millisecond}
	env.registry.senders[models.ChannelEmail] = sender
	seedAlertItems(t, env, 3)

	stats, err := env.dispatcher().Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Fetched)
	assert.Equal(t, 1, stats.Sent)
	assert.Zero(t, stats.Retried)
	assert.True(t, stats.Truncated)
	assert.Equal(t, int32(1), sender.calls.Load())

	items := loadItems(t, env)
	require.Len(t, items, 3)
	assert.Equal(t, models.QueueStatusSent, items[0].Status)
	assert.Equal(t, 1, items[0].AttemptCount)
	assert.Empty(t, items[0].LastError)
	for _, item := range items[1:] {
		assert.Equal(t, models.QueueStatusPending, item.Status)
		assert.Zero(t, item.AttemptCount)
		assert.Empty(t, historyRows(t, env, item.ID))
	}

	// one rate limit slot was spent, for the delivered item only
	status, err := env.limiter.Status(context.Background(), 1, []string{models.ChannelEmail})
	require.NoError(t, err)
	require.Len(t, status, 1)
	assert.Equal(t, int64(1), status[0].HourCount)
}

func TestDispatcher_SendTimeoutIsTransient(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Dispatch.SendTimeout = 50 * time.Millisecond
	env.registry.senders[models.ChannelEmail] = &slowSender{channel: models.ChannelEmail, delay: 10 * time.Second}
	seedAlertItems(t, env, 1)

	started := time.Now()
	stats, err := env.dispatcher().Tick(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 5*time.Second)
	assert.Equal(t, 1, stats.Retried)
	assert.False(t, stats.Truncated)

	item := loadItems(t, env)[0]
	assert.Equal(t, models.QueueStatusPending, item.Status)
	assert.Equal(t, 1, item.AttemptCount)
	assert.Contains(t, item.LastError, "deadline exceeded")
	rows := historyRows(t, env, item.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, models.OutcomeTransientFailure, rows[0].Outcome)
}
