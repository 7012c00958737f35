package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/huangang/costsentry/internal/clock"
	"github.com/huangang/costsentry/internal/config"
	"github.com/huangang/costsentry/internal/models"
	"github.com/huangang/costsentry/pkg/logger"
)

const dispatchLockName = "dispatch"

// TickStats summarizes one dispatcher pass.
type TickStats struct {
	Fetched      int  `json:"fetched"`
	Sent         int  `json:"sent"`
	RateLimited  int  `json:"rate_limited"`
	Retried      int  `json:"retried"`
	Failed       int  `json:"failed"`
	DeadLettered int  `json:"dead_lettered"`
	Errors       int  `json:"errors"`
	Skipped      bool `json:"skipped"`   // another instance held the lease
	Truncated    bool `json:"truncated"` // the tick budget ran out before the batch finished
}

// Dispatcher drains due queue items through the rate limiter and the channel senders.
type Dispatcher struct {
	clock    clock.Clock
	queue    *QueueService
	limiter  *RateLimiter
	registry *SenderRegistry
	lock     LeaderLock
	cfg      config.DispatchConfig
	metrics  *Metrics
}

func NewDispatcher(clk clock.Clock, queue *QueueService, limiter *RateLimiter, registry *SenderRegistry,
	lock LeaderLock, cfg config.DispatchConfig, metrics *Metrics) *Dispatcher {
	return &Dispatcher{
		clock:    clk,
		queue:    queue,
		limiter:  limiter,
		registry: registry,
		lock:     lock,
		cfg:      cfg,
		metrics:  metrics,
	}
}

// Tick processes one batch of due items. Only the lease holder runs; other
// instances return Skipped. Items are handled one at a time and a failure or
// panic on one item never stops the rest of the batch.
func (d *Dispatcher) Tick(ctx context.Context) (*TickStats, error) {
	stats := &TickStats{}

	if d.lock != nil {
		release, ok, err := d.lock.TryAcquire(ctx, dispatchLockName, d.cfg.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire dispatch lock: %w", err)
		}
		if !ok {
			stats.Skipped = true
			logger.Debug().Msg("[Dispatcher] lease held elsewhere, skipping tick")
			return stats, nil
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn().Err(err).Msg("[Dispatcher] failed to release lease")
			}
		}()
	}

	tickCtx := ctx
	if d.cfg.TickBudget > 0 {
		var cancel context.CancelFunc
		tickCtx, cancel = context.WithTimeout(ctx, d.cfg.TickBudget)
		defer cancel()
	}

	started := time.Now()
	items, err := d.queue.FetchDue(tickCtx, d.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("fetch due items: %w", err)
	}
	stats.Fetched = len(items)

	// the budget only stops new items; the item in flight runs to completion
	for i := range items {
		if tickCtx.Err() != nil {
			stats.Truncated = true
			break
		}
		d.processItem(ctx, &items[i], stats)
	}

	d.metrics.observeTick(time.Since(started), stats.Fetched)
	if stats.Fetched > 0 {
		logger.Info().
			Int("fetched", stats.Fetched).
			Int("sent", stats.Sent).
			Int("rate_limited", stats.RateLimited).
			Int("retried", stats.Retried).
			Int("failed", stats.Failed).
			Int("dead_lettered", stats.DeadLettered).
			Int("errors", stats.Errors).
			Bool("truncated", stats.Truncated).
			Msg("[Dispatcher] tick finished")
	}
	return stats, nil
}

func (d *Dispatcher) processItem(ctx context.Context, item *models.QueueItem, stats *TickStats) {
	// once picked up, an item is sent and persisted even if ctx is cancelled;
	// only SendTimeout bounds the attempt
	persistCtx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			stats.Errors++
			logger.Error().Uint("item_id", item.ID).Interface("panic", r).Msg("[Dispatcher] recovered from panic")
			d.record(persistCtx, item, transientFailure(0, fmt.Errorf("sender panic: %v", r)), 0, stats)
		}
	}()

	log := logger.Get().With().Uint("item_id", item.ID).Str("channel", item.Channel).Uint("user_id", item.UserID).Logger()
	if item.Alert != nil {
		log = log.With().Str("tier", item.Alert.Tier).Logger()
	}

	target, err := d.resolveTarget(item)
	if err != nil {
		log.Warn().Err(err).Msg("[Dispatcher] invalid delivery target")
		if err := d.queue.MarkFailed(persistCtx, item, err.Error()); err != nil {
			stats.Errors++
			log.Error().Err(err).Msg("[Dispatcher] failed to persist item")
			return
		}
		stats.Failed++
		d.metrics.observeDelivery(item.Channel, models.OutcomeInvalidTarget)
		return
	}

	sender, ok := d.registry.Get(item.Channel)
	if !ok {
		if err := d.queue.MarkFailed(persistCtx, item, fmt.Sprintf("channel %s is not enabled", item.Channel)); err != nil {
			stats.Errors++
			return
		}
		stats.Failed++
		d.metrics.observeDelivery(item.Channel, models.OutcomeInvalidTarget)
		return
	}

	msg, err := decodeAlertMessage(item.Payload)
	if err != nil {
		if err := d.queue.MarkDeadLetter(persistCtx, item, models.OutcomePermanentFailure, 0, "undecodable payload: "+err.Error(), 0); err != nil {
			stats.Errors++
			return
		}
		stats.DeadLettered++
		d.metrics.observeDelivery(item.Channel, models.OutcomePermanentFailure)
		return
	}

	decision, err := d.limiter.Allow(persistCtx, item.UserID, item.Channel)
	if err != nil {
		stats.Errors++
		log.Error().Err(err).Msg("[Dispatcher] rate limiter unavailable")
		return
	}
	if !decision.Allowed {
		limited := &RateLimitedError{Channel: item.Channel, Window: decision.Window, RetryAt: decision.RetryAt}
		if err := d.queue.MarkRateLimited(persistCtx, item, decision.RetryAt, limited.Error()); err != nil {
			stats.Errors++
			log.Error().Err(err).Msg("[Dispatcher] failed to persist item")
			return
		}
		stats.RateLimited++
		d.metrics.observeRateLimited(item.Channel)
		log.Info().Time("retry_at", decision.RetryAt).Str("window", decision.Window).Msg("[Dispatcher] rate limited")
		return
	}

	sendCtx := persistCtx
	if d.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(persistCtx, d.cfg.SendTimeout)
		defer cancel()
	}

	started := time.Now()
	res := sender.Send(sendCtx, target, msg)
	d.record(persistCtx, item, res, time.Since(started), stats)
}

// resolveTarget picks the explicit recipient or the linked preference's address.
func (d *Dispatcher) resolveTarget(item *models.QueueItem) (Target, error) {
	address := item.Recipient
	if address == "" {
		if item.Preference == nil {
			return Target{}, errors.New("notification preference no longer exists")
		}
		if !item.Preference.Enabled {
			return Target{}, fmt.Errorf("%s notifications are disabled", item.Channel)
		}
		address = item.Preference.Address()
	}
	if address == "" {
		return Target{}, fmt.Errorf("no %s destination configured", item.Channel)
	}
	if models.IsWebhookChannel(item.Channel) {
		if err := ValidateWebhookURL(item.Channel, address); err != nil {
			return Target{}, err
		}
	}
	return Target{Channel: item.Channel, Address: address}, nil
}

func (d *Dispatcher) record(ctx context.Context, item *models.QueueItem, res SendResult, took time.Duration, stats *TickStats) {
	reason := ""
	if res.Err != nil {
		reason = res.Err.Error()
	}

	var err error
	outcome := models.OutcomeSent
	switch res.Outcome {
	case OutcomeDelivered:
		err = d.queue.MarkSent(ctx, item, res.StatusCode, took)
		if err == nil {
			stats.Sent++
		}
	case OutcomeTransient:
		outcome = models.OutcomeTransientFailure
		attempt := item.AttemptCount + 1
		if attempt >= d.cfg.MaxAttempts {
			err = d.queue.MarkDeadLetter(ctx, item, outcome, res.StatusCode, reason, took)
			if err == nil {
				stats.DeadLettered++
			}
		} else {
			err = d.queue.MarkRetry(ctx, item, d.clock.Now().Add(d.backoff(attempt)), res.StatusCode, reason, took)
			if err == nil {
				stats.Retried++
			}
		}
	default:
		outcome = models.OutcomePermanentFailure
		err = d.queue.MarkDeadLetter(ctx, item, outcome, res.StatusCode, reason, took)
		if err == nil {
			stats.DeadLettered++
		}
	}

	if err != nil {
		stats.Errors++
		logger.Error().Err(err).Uint("item_id", item.ID).Msg("[Dispatcher] failed to persist delivery outcome")
		return
	}
	d.metrics.observeDelivery(item.Channel, outcome)
	if outcome != models.OutcomeSent {
		logger.Warn().Uint("item_id", item.ID).Str("channel", item.Channel).Int("attempt", item.AttemptCount).
			Str("status", item.Status).Str("error", reason).Msg("[Dispatcher] delivery failed")
	}
}

// backoff returns base * 2^(attempt-1), capped at the configured maximum.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.cfg.BackoffMax {
			return d.cfg.BackoffMax
		}
	}
	if delay > d.cfg.BackoffMax {
		return d.cfg.BackoffMax
	}
	return delay
}
