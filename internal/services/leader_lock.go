package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/huangang/costsentry/internal/clock"
	"github.com/huangang/costsentry/internal/models"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReleaseFunc gives a held lease back.
type ReleaseFunc func(ctx context.Context) error

// LeaderLock elects a single runner for periodic jobs across instances.
type LeaderLock interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (ReleaseFunc, bool, error)
}

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisLeaderLock holds leases as Redis keys with a random token per holder.
type RedisLeaderLock struct {
	client *redis.Client
	script *redis.Script
	prefix string
}

func NewRedisLeaderLock(client *redis.Client) *RedisLeaderLock {
	return &RedisLeaderLock{
		client: client,
		script: redis.NewScript(lockReleaseScript),
		prefix: "costsentry:lock:",
	}
}

func (l *RedisLeaderLock) TryAcquire(ctx context.Context, name string, ttl time.Duration) (ReleaseFunc, bool, error) {
	if name == "" {
		return nil, false, errors.New("lock name is empty")
	}
	if ttl <= 0 {
		return nil, false, errors.New("lock ttl must be positive")
	}

	key := l.prefix + name
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}

	release := func(ctx context.Context) error {
		return l.script.Run(ctx, l.client, []string{key}, token).Err()
	}
	return release, true, nil
}

// DBLeaderLock leases rows in scheduler_locks. A lease is taken when the row is free,
// expired, or already ours.
type DBLeaderLock struct {
	db       *gorm.DB
	clock    clock.Clock
	holderID string
}

func NewDBLeaderLock(db *gorm.DB, clk clock.Clock, instanceID string) *DBLeaderLock {
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	return &DBLeaderLock{db: db, clock: clk, holderID: instanceID}
}

func (l *DBLeaderLock) TryAcquire(ctx context.Context, name string, ttl time.Duration) (ReleaseFunc, bool, error) {
	if name == "" {
		return nil, false, errors.New("lock name is empty")
	}
	if ttl <= 0 {
		return nil, false, errors.New("lock ttl must be positive")
	}

	now := l.clock.Now()
	db := l.db.WithContext(ctx)

	// make sure the row exists; an expired placeholder is claimable below
	err := db.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "lock_name"}}, DoNothing: true}).
		Create(&models.SchedulerLock{LockName: name, LockedAt: now, ExpiresAt: now.Add(-time.Second)}).Error
	if err != nil {
		return nil, false, err
	}

	res := db.Model(&models.SchedulerLock{}).
		Where("lock_name = ? AND (locked_by = ? OR expires_at < ?)", name, l.holderID, now).
		Updates(map[string]interface{}{
			"locked_by":  l.holderID,
			"locked_at":  now,
			"expires_at": now.Add(ttl),
		})
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		return l.db.WithContext(ctx).Model(&models.SchedulerLock{}).
			Where("lock_name = ? AND locked_by = ?", name, l.holderID).
			Updates(map[string]interface{}{"locked_by": "", "expires_at": l.clock.Now().Add(-time.Second)}).Error
	}
	return release, true, nil
}
