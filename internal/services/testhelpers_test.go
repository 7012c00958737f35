package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/huangang/costsentry/internal/clock"
	"github.com/huangang/costsentry/internal/config"
	"github.com/huangang/costsentry/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testStart = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// newTestDB returns an isolated in-memory database with the full schema.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, models.AutoMigrate(db))
	return db
}

func testConfig() *config.Config {
	return config.DefaultConfig()
}

func createAccount(t *testing.T, db *gorm.DB, userID uint, budget string) *models.Account {
	t.Helper()
	acct := &models.Account{
		UserID:       userID,
		Name:         fmt.Sprintf("acct-%d", userID),
		Provider:     "openai",
		BudgetMicros: models.DecimalToMicros(decimal.RequireFromString(budget)),
		BudgetPeriod: models.BudgetPeriodMonthly,
		Currency:     "USD",
	}
	require.NoError(t, db.Create(acct).Error)
	return acct
}

func createPreference(t *testing.T, db *gorm.DB, userID uint, channel, address string, tiers ...string) *models.NotificationPreference {
	t.Helper()
	pref := &models.NotificationPreference{
		UserID:     userID,
		Channel:    channel,
		Enabled:    true,
		AlertTiers: tiers,
	}
	if channel == models.ChannelEmail {
		pref.EmailAddress = address
	} else {
		pref.WebhookURL = address
	}
	require.NoError(t, db.Create(pref).Error)
	return pref
}

// fakeSender records calls and replays scripted results.
type fakeSender struct {
	channel string
	mu      sync.Mutex
	calls   []Target
	results []SendResult
	panicOn int32
	count   atomic.Int32
}

func newFakeSender(channel string, results ...SendResult) *fakeSender {
	return &fakeSender{channel: channel, results: results}
}

func (f *fakeSender) Channel() string { return f.channel }

func (f *fakeSender) Send(ctx context.Context, target Target, msg *AlertMessage) SendResult {
	n := f.count.Add(1)
	if f.panicOn != 0 && n == f.panicOn {
		panic("sender exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, target)
	if len(f.results) == 0 {
		return SendResult{Outcome: OutcomeDelivered, StatusCode: 200}
	}
	res := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return res
}

func (f *fakeSender) Calls() []Target {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Target(nil), f.calls...)
}

// testEnv wires the services around one database and one fake clock.
type testEnv struct {
	db        *gorm.DB
	clock     *clock.Fake
	cfg       *config.Config
	limiter   *RateLimiter
	queue     *QueueService
	ledger    *LedgerService
	evaluator *EvaluatorService
	senders   map[string]*fakeSender
	registry  *SenderRegistry
	lock      LeaderLock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	clk := clock.NewFake(testStart)
	cfg := testConfig()

	env := &testEnv{db: db, clock: clk, cfg: cfg, senders: map[string]*fakeSender{}}
	var all []Sender
	for _, ch := range cfg.Dispatch.Channels {
		fs := newFakeSender(ch)
		env.senders[ch] = fs
		all = append(all, fs)
	}
	registry, err := NewSenderRegistry(cfg.Dispatch.Channels, all...)
	require.NoError(t, err)

	env.registry = registry
	env.limiter = NewRateLimiter(db, clk, cfg.RateLimit)
	env.queue = NewQueueService(db, clk)
	env.evaluator = NewEvaluatorService(db, clk, env.queue, cfg.Alerts, cfg.Dispatch.Channels, nil)
	env.ledger = NewLedgerService(db, clk, cfg.Ledger, nil, nil)
	env.lock = NewDBLeaderLock(db, clk, "test-instance")
	return env
}

func (e *testEnv) dispatcher() *Dispatcher {
	return NewDispatcher(e.clock, e.queue, e.limiter, e.registry, e.lock, e.cfg.Dispatch, nil)
}

func (e *testEnv) setSender(ch string, fs *fakeSender) {
	e.senders[ch] = fs
	e.registry.senders[ch] = fs
}
