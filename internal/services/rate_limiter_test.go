package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/huangang/costsentry/internal/clock"
	"github.com/huangang/costsentry/internal/config"
	"github.com/huangang/costsentry/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_HourWindow(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFake(time.Date(2026, 3, 10, 12, 15, 0, 0, time.UTC))
	limiter := NewRateLimiter(db, clk, config.RateLimitConfig{
		Default: config.ChannelLimit{PerHour: 10, PerDay: 100},
	})
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		d, err := limiter.Allow(ctx, 1, models.ChannelEmail)
		require.NoError(t, err)
		require.True(t, d.Allowed, "attempt %d should be allowed", i)
		assert.Equal(t, int64(i), d.Count)
	}

	d, err := limiter.Allow(ctx, 1, models.ChannelEmail)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, models.WindowHour, d.Window)
	assert.Equal(t, int64(10), d.Limit)
	assert.Equal(t, time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC), d.RetryAt)

	// other users and channels are independent
	d, err = limiter.Allow(ctx, 2, models.ChannelEmail)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = limiter.Allow(ctx, 1, models.ChannelSlack)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	clk.Set(time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC))
	d, err = limiter.Allow(ctx, 1, models.ChannelEmail)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "next hour window must allow again")
	assert.Equal(t, int64(1), d.Count)
}

func TestRateLimiter_DayWindowWins(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFake(time.Date(2026, 3, 10, 22, 0, 0, 0, time.UTC))
	limiter := NewRateLimiter(db, clk, config.RateLimitConfig{
		Default: config.ChannelLimit{PerHour: 100, PerDay: 3},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := limiter.Allow(ctx, 7, models.ChannelTeams)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		clk.Advance(time.Hour)
	}

	// now 01:00 next day: day window rolled over
	d, err := limiter.Allow(ctx, 7, models.ChannelTeams)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	clk.Set(time.Date(2026, 3, 11, 5, 0, 0, 0, time.UTC))
	_, _ = limiter.Allow(ctx, 7, models.ChannelTeams)
	_, _ = limiter.Allow(ctx, 7, models.ChannelTeams)
	d, err = limiter.Allow(ctx, 7, models.ChannelTeams)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, models.WindowDay, d.Window)
	assert.Equal(t, time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC), d.RetryAt)
}

func TestRateLimiter_ConcurrentCallersNeverExceedCap(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFake(testStart)
	limiter := NewRateLimiter(db, clk, config.RateLimitConfig{
		Default: config.ChannelLimit{PerHour: 10, PerDay: 100},
	})

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := limiter.Allow(context.Background(), 3, models.ChannelDiscord)
			if err != nil || !d.Allowed {
				return
			}
			mu.Lock()
			allowed++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, allowed)
}

func TestRateLimiter_StatusAndPurge(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFake(testStart)
	limiter := NewRateLimiter(db, clk, config.DefaultConfig().RateLimit)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := limiter.Allow(ctx, 5, models.ChannelEmail)
		require.NoError(t, err)
	}

	status, err := limiter.Status(ctx, 5, []string{models.ChannelEmail, models.ChannelSlack})
	require.NoError(t, err)
	require.Len(t, status, 2)
	assert.Equal(t, models.ChannelEmail, status[0].Channel)
	assert.Equal(t, int64(3), status[0].HourCount)
	assert.Equal(t, int64(3), status[0].DayCount)
	assert.Equal(t, int64(10), status[0].HourLimit)
	assert.Equal(t, int64(50), status[0].DayLimit)
	assert.Equal(t, int64(0), status[1].HourCount)
	assert.Equal(t, int64(30), status[1].HourLimit)

	purged, err := limiter.PurgeBefore(ctx, testStart.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)
}
