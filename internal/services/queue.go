package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"time"

	"github.com/huangang/costsentry/internal/clock"
	"github.com/huangang/costsentry/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Delivery priorities; higher runs first.
const (
	PriorityWarning   = 10
	PriorityCritical  = 20
	PriorityEmergency = 30
	PriorityTest      = 50
)

func tierPriority(tier string) int {
	switch tier {
	case models.TierEmergency:
		return PriorityEmergency
	case models.TierCritical:
		return PriorityCritical
	default:
		return PriorityWarning
	}
}

// QueueService owns the notification queue table and its state transitions.
type QueueService struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewQueueService(db *gorm.DB, clk clock.Clock) *QueueService {
	return &QueueService{db: db, clock: clk}
}

// EnqueueForAlert creates one pending item per preference. It runs on the caller's
// transaction so the alert write and its deliveries commit together.
func (s *QueueService) EnqueueForAlert(tx *gorm.DB, alert *models.Alert, prefs []models.NotificationPreference, msg *AlertMessage) ([]models.QueueItem, error) {
	if len(prefs) == 0 {
		return nil, nil
	}
	payload, err := msg.Marshal()
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	items := make([]models.QueueItem, 0, len(prefs))
	for i := range prefs {
		p := prefs[i]
		items = append(items, models.QueueItem{
			AlertID:       &alert.ID,
			AccountID:     &alert.AccountID,
			UserID:        p.UserID,
			PreferenceID:  &p.ID,
			Channel:       p.Channel,
			Priority:      tierPriority(alert.Tier),
			Payload:       datatypes.JSON(payload),
			Status:        models.QueueStatusPending,
			NextAttemptAt: now,
		})
	}
	if err := tx.Create(&items).Error; err != nil {
		return nil, fmt.Errorf("enqueue alert %d: %w", alert.ID, err)
	}
	return items, nil
}

// EnqueueTest queues a high priority test message. A recipient override is validated
// here; otherwise the user's saved preference for the channel is used.
func (s *QueueService) EnqueueTest(ctx context.Context, userID uint, channel, recipient string) (*models.QueueItem, error) {
	if !models.IsKnownChannel(channel) {
		return nil, newValidationError("channel", "", fmt.Sprintf("unknown channel %q", channel))
	}

	item := models.QueueItem{
		UserID:        userID,
		Channel:       channel,
		Priority:      PriorityTest,
		Status:        models.QueueStatusPending,
		NextAttemptAt: s.clock.Now(),
	}

	if recipient != "" {
		if err := validateRecipient(channel, recipient); err != nil {
			return nil, err
		}
		item.Recipient = recipient
	} else {
		var pref models.NotificationPreference
		err := s.db.WithContext(ctx).Where("user_id = ? AND channel = ?", userID, channel).First(&pref).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newValidationError("recipient", "", fmt.Sprintf("no %s preference configured and no recipient given", channel))
		}
		if err != nil {
			return nil, err
		}
		if err := validateRecipient(channel, pref.Address()); err != nil {
			return nil, err
		}
		item.PreferenceID = &pref.ID
	}

	payload, err := buildTestMessage(channel, s.clock.Now()).Marshal()
	if err != nil {
		return nil, err
	}
	item.Payload = datatypes.JSON(payload)

	if err := s.db.WithContext(ctx).Create(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

// validateRecipient checks an address or webhook URL for the channel.
func validateRecipient(channel, recipient string) error {
	if channel == models.ChannelEmail {
		if _, err := mail.ParseAddress(recipient); err != nil {
			return newValidationError("email address", "format", err.Error())
		}
		return nil
	}
	return ValidateWebhookURL(channel, recipient)
}

// FetchDue loads up to limit items that are due, ordered by priority then age.
// Alert, Account and Preference are preloaded with one query each, whatever the batch size.
func (s *QueueService) FetchDue(ctx context.Context, limit int) ([]models.QueueItem, error) {
	var items []models.QueueItem
	err := s.db.WithContext(ctx).
		Preload("Alert").
		Preload("Account").
		Preload("Preference").
		Where("status IN ? AND next_attempt_at <= ?",
			[]string{models.QueueStatusPending, models.QueueStatusRateLimited}, s.clock.Now()).
		Order("priority DESC").
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&items).Error
	return items, err
}

// attemptRecord is one delivery attempt's persisted outcome.
type attemptRecord struct {
	status      string
	attempt     int
	nextAt      time.Time
	lastError   string
	outcome     string
	statusCode  int
	duration    time.Duration
	writeRecord bool
}

// complete writes the item's new state and, for real attempts, the history row in one transaction.
func (s *QueueService) complete(ctx context.Context, item *models.QueueItem, rec attemptRecord) error {
	now := s.clock.Now()
	updates := map[string]interface{}{
		"status":        rec.status,
		"attempt_count": rec.attempt,
		"last_error":    rec.lastError,
		"updated_at":    now,
	}
	if !rec.nextAt.IsZero() {
		updates["next_attempt_at"] = rec.nextAt
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.QueueItem{}).Where("id = ?", item.ID).Updates(updates).Error; err != nil {
			return err
		}
		if !rec.writeRecord {
			return nil
		}
		return tx.Create(&models.DeliveryHistory{
			QueueItemID: item.ID,
			UserID:      item.UserID,
			Channel:     item.Channel,
			Attempt:     rec.attempt,
			Outcome:     rec.outcome,
			StatusCode:  rec.statusCode,
			ErrorDetail: rec.lastError,
			DurationMs:  rec.duration.Milliseconds(),
			CreatedAt:   now,
		}).Error
	})
	if err != nil {
		return fmt.Errorf("persist queue item %d: %w", item.ID, err)
	}

	item.Status = rec.status
	item.AttemptCount = rec.attempt
	item.LastError = rec.lastError
	if !rec.nextAt.IsZero() {
		item.NextAttemptAt = rec.nextAt
	}
	return nil
}

func (s *QueueService) MarkSent(ctx context.Context, item *models.QueueItem, statusCode int, took time.Duration) error {
	return s.complete(ctx, item, attemptRecord{
		status:      models.QueueStatusSent,
		attempt:     item.AttemptCount + 1,
		outcome:     models.OutcomeSent,
		statusCode:  statusCode,
		duration:    took,
		writeRecord: true,
	})
}

// MarkRateLimited defers the item without counting an attempt.
func (s *QueueService) MarkRateLimited(ctx context.Context, item *models.QueueItem, retryAt time.Time, reason string) error {
	return s.complete(ctx, item, attemptRecord{
		status:    models.QueueStatusRateLimited,
		attempt:   item.AttemptCount,
		nextAt:    retryAt,
		lastError: reason,
	})
}

// MarkRetry records a transient failure and schedules the next attempt.
func (s *QueueService) MarkRetry(ctx context.Context, item *models.QueueItem, nextAt time.Time, statusCode int, reason string, took time.Duration) error {
	return s.complete(ctx, item, attemptRecord{
		status:      models.QueueStatusPending,
		attempt:     item.AttemptCount + 1,
		nextAt:      nextAt,
		lastError:   reason,
		outcome:     models.OutcomeTransientFailure,
		statusCode:  statusCode,
		duration:    took,
		writeRecord: true,
	})
}

// MarkFailed records a delivery that can never succeed as configured, such as an invalid target.
func (s *QueueService) MarkFailed(ctx context.Context, item *models.QueueItem, reason string) error {
	return s.complete(ctx, item, attemptRecord{
		status:      models.QueueStatusFailed,
		attempt:     item.AttemptCount + 1,
		lastError:   reason,
		outcome:     models.OutcomeInvalidTarget,
		writeRecord: true,
	})
}

// MarkDeadLetter parks an item after a permanent failure or once retries are exhausted.
func (s *QueueService) MarkDeadLetter(ctx context.Context, item *models.QueueItem, outcome string, statusCode int, reason string, took time.Duration) error {
	return s.complete(ctx, item, attemptRecord{
		status:      models.QueueStatusDeadLetter,
		attempt:     item.AttemptCount + 1,
		lastError:   reason,
		outcome:     outcome,
		statusCode:  statusCode,
		duration:    took,
		writeRecord: true,
	})
}

// Requeue moves a failed or dead-lettered item of the user back to pending with a fresh attempt budget.
func (s *QueueService) Requeue(ctx context.Context, userID, id uint) (*models.QueueItem, error) {
	var item models.QueueItem
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	res := s.db.WithContext(ctx).Model(&models.QueueItem{}).
		Where("id = ? AND status IN ?", id, []string{models.QueueStatusFailed, models.QueueStatusDeadLetter}).
		Updates(map[string]interface{}{
			"status":          models.QueueStatusPending,
			"attempt_count":   0,
			"next_attempt_at": now,
			"last_error":      "",
			"updated_at":      now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: item %d is %s", ErrInvalidStatus, id, item.Status)
	}

	item.Status = models.QueueStatusPending
	item.AttemptCount = 0
	item.NextAttemptAt = now
	item.LastError = ""
	return &item, nil
}

type ListQueueRequest struct {
	UserID uint
	Status string
	Limit  int
}

func (s *QueueService) List(ctx context.Context, req ListQueueRequest) ([]models.QueueItem, error) {
	query := s.db.WithContext(ctx).Where("user_id = ?", req.UserID)
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}
	var items []models.QueueItem
	err := query.Order("created_at DESC").Order("id DESC").Limit(req.Limit).Find(&items).Error
	return items, err
}

type ListHistoryRequest struct {
	UserID  uint
	Outcome string
	Limit   int
}

func (s *QueueService) History(ctx context.Context, req ListHistoryRequest) ([]models.DeliveryHistory, error) {
	query := s.db.WithContext(ctx).Where("user_id = ?", req.UserID)
	if req.Outcome != "" {
		query = query.Where("outcome = ?", req.Outcome)
	}
	var rows []models.DeliveryHistory
	err := query.Order("created_at DESC").Order("id DESC").Limit(req.Limit).Find(&rows).Error
	return rows, err
}
