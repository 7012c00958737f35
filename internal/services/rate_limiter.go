package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/huangang/costsentry/internal/clock"
	"github.com/huangang/costsentry/internal/config"
	"github.com/huangang/costsentry/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RateDecision is the result of one Allow call.
type RateDecision struct {
	Allowed bool      `json:"allowed"`
	Window  string    `json:"window,omitempty"`
	Count   int64     `json:"count"`
	Limit   int64     `json:"limit"`
	RetryAt time.Time `json:"retry_at,omitempty"`
}

// ChannelRateStatus is the read-only view served to users.
type ChannelRateStatus struct {
	Channel      string    `json:"channel"`
	HourCount    int64     `json:"hour_count"`
	HourLimit    int64     `json:"hour_limit"`
	HourResetsAt time.Time `json:"hour_resets_at"`
	DayCount     int64     `json:"day_count"`
	DayLimit     int64     `json:"day_limit"`
	DayResetsAt  time.Time `json:"day_resets_at"`
}

// RateLimiter enforces per-user, per-channel caps over fixed UTC hour and day windows.
// Counters live in the database so every dispatcher instance sees the same state.
type RateLimiter struct {
	db     *gorm.DB
	clock  clock.Clock
	limits config.RateLimitConfig
}

func NewRateLimiter(db *gorm.DB, clk clock.Clock, limits config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{db: db, clock: clk, limits: limits}
}

func windowBounds(kind string, now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	if kind == models.WindowDay {
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	}
	start := now.Truncate(time.Hour)
	return start, start.Add(time.Hour)
}

// Allow counts one attempt for (user, channel) and reports whether it fits both windows.
// Each window is incremented with a single upsert and read back inside the same
// transaction, so concurrent callers never observe the same count.
func (l *RateLimiter) Allow(ctx context.Context, userID uint, channel string) (*RateDecision, error) {
	now := l.clock.Now()
	caps := l.limits.LimitFor(channel)

	windows := []struct {
		kind  string
		limit int64
	}{
		{models.WindowHour, caps.PerHour},
		{models.WindowDay, caps.PerDay},
	}

	decision := &RateDecision{Allowed: true}
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, w := range windows {
			start, end := windowBounds(w.kind, now)
			count, err := incrementWindow(tx, userID, channel, w.kind, start, now)
			if err != nil {
				return err
			}
			if w.limit > 0 && count > w.limit {
				if decision.Allowed || end.After(decision.RetryAt) {
					decision.Window = w.kind
					decision.Count = count
					decision.Limit = w.limit
					decision.RetryAt = end
				}
				decision.Allowed = false
			} else if decision.Allowed && w.kind == models.WindowHour {
				decision.Count = count
				decision.Limit = w.limit
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rate limit %s for user %d: %w", channel, userID, err)
	}
	return decision, nil
}

func incrementWindow(tx *gorm.DB, userID uint, channel, kind string, start, now time.Time) (int64, error) {
	row := models.RateLimitCounter{
		UserID:      userID,
		Channel:     channel,
		WindowKind:  kind,
		WindowStart: start,
		Hits:        1,
		UpdatedAt:   now,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "channel"}, {Name: "window_kind"}, {Name: "window_start"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"hits":       gorm.Expr("rate_limit_counters.hits + 1"),
			"updated_at": now,
		}),
	}).Create(&row).Error
	if err != nil {
		return 0, err
	}

	var hits int64
	err = tx.Model(&models.RateLimitCounter{}).
		Where("user_id = ? AND channel = ? AND window_kind = ? AND window_start = ?", userID, channel, kind, start).
		Pluck("hits", &hits).Error
	return hits, err
}

// Status reports current window usage for each channel the user has counters or caps for.
func (l *RateLimiter) Status(ctx context.Context, userID uint, channels []string) ([]ChannelRateStatus, error) {
	now := l.clock.Now()
	hourStart, hourEnd := windowBounds(models.WindowHour, now)
	dayStart, dayEnd := windowBounds(models.WindowDay, now)

	var counters []models.RateLimitCounter
	err := l.db.WithContext(ctx).
		Where("user_id = ? AND ((window_kind = ? AND window_start = ?) OR (window_kind = ? AND window_start = ?))",
			userID, models.WindowHour, hourStart, models.WindowDay, dayStart).
		Find(&counters).Error
	if err != nil {
		return nil, err
	}

	byChannel := make(map[string]*ChannelRateStatus)
	get := func(ch string) *ChannelRateStatus {
		st, ok := byChannel[ch]
		if !ok {
			caps := l.limits.LimitFor(ch)
			st = &ChannelRateStatus{
				Channel:      ch,
				HourLimit:    caps.PerHour,
				HourResetsAt: hourEnd,
				DayLimit:     caps.PerDay,
				DayResetsAt:  dayEnd,
			}
			byChannel[ch] = st
		}
		return st
	}
	for _, ch := range channels {
		get(ch)
	}
	for _, c := range counters {
		st := get(c.Channel)
		if c.WindowKind == models.WindowHour {
			st.HourCount = c.Hits
		} else {
			st.DayCount = c.Hits
		}
	}

	out := make([]ChannelRateStatus, 0, len(byChannel))
	for _, st := range byChannel {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out, nil
}

// PurgeBefore deletes counters of windows that started before t.
func (l *RateLimiter) PurgeBefore(ctx context.Context, t time.Time) (int64, error) {
	res := l.db.WithContext(ctx).Where("window_start < ?", t).Delete(&models.RateLimitCounter{})
	return res.RowsAffected, res.Error
}
