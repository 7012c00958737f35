package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_StartRegistersJobs(t *testing.T) {
	env := newTestEnv(t)
	s := NewScheduler(env.clock, env.dispatcher(), env.evaluator, env.limiter, env.cfg)

	require.NoError(t, s.Start())
	assert.Len(t, s.cron.Entries(), 3)
	s.Stop()
}

func TestScheduler_RejectsBadInterval(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Dispatch.Interval = 0
	s := NewScheduler(env.clock, env.dispatcher(), env.evaluator, env.limiter, env.cfg)

	err := s.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatch")
	s.cron.Stop()
}

func TestScheduler_PurgeKeepsRecentCounters(t *testing.T) {
	env := newTestEnv(t)
	s := NewScheduler(env.clock, env.dispatcher(), env.evaluator, env.limiter, env.cfg)

	_, err := env.limiter.Allow(t.Context(), 1, "email")
	require.NoError(t, err)
	env.clock.Advance(72 * time.Hour)
	_, err = env.limiter.Allow(t.Context(), 1, "email")
	require.NoError(t, err)

	s.runPurge()
	status, err := env.limiter.Status(t.Context(), 1, []string{"email"})
	require.NoError(t, err)
	require.Len(t, status, 1)
	assert.Equal(t, int64(1), status[0].DayCount)
}
