package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	ChannelEmail   = "email"
	ChannelSlack   = "slack"
	ChannelDiscord = "discord"
	ChannelTeams   = "teams"
)

// IsWebhookChannel reports whether a channel delivers to a chat webhook URL.
func IsWebhookChannel(channel string) bool {
	switch channel {
	case ChannelSlack, ChannelDiscord, ChannelTeams:
		return true
	}
	return false
}

func IsKnownChannel(channel string) bool {
	return channel == ChannelEmail || IsWebhookChannel(channel)
}

const (
	QueueStatusPending     = "pending"
	QueueStatusRateLimited = "rate_limited"
	QueueStatusSent        = "sent"
	QueueStatusFailed      = "failed"
	QueueStatusDeadLetter  = "dead_letter"
)

var QueueStatuses = []string{
	QueueStatusPending, QueueStatusRateLimited, QueueStatusSent, QueueStatusFailed, QueueStatusDeadLetter,
}

const (
	OutcomeSent             = "sent"
	OutcomeTransientFailure = "transient_failure"
	OutcomePermanentFailure = "permanent_failure"
	OutcomeInvalidTarget    = "invalid_target"
)

var DeliveryOutcomes = []string{
	OutcomeSent, OutcomeTransientFailure, OutcomePermanentFailure, OutcomeInvalidTarget,
}

const (
	WindowHour = "hour"
	WindowDay  = "day"
)

// NotificationPreference is one delivery channel of a user.
// The provider kind of a webhook channel is the channel itself.
type NotificationPreference struct {
	ID           uint                        `gorm:"primaryKey" json:"id"`
	UserID       uint                        `gorm:"not null;uniqueIndex:idx_pref_user_channel,priority:1" json:"user_id"`
	Channel      string                      `gorm:"size:20;not null;uniqueIndex:idx_pref_user_channel,priority:2" json:"channel"`
	Enabled      bool                        `gorm:"not null" json:"enabled"`
	EmailAddress string                      `gorm:"size:255" json:"email_address,omitempty"`
	WebhookURL   string                      `gorm:"size:1000" json:"webhook_url,omitempty"`
	AlertTiers   datatypes.JSONSlice[string] `json:"alert_tiers"`
	CreatedAt    time.Time                   `json:"created_at"`
	UpdatedAt    time.Time                   `json:"updated_at"`
}

// Subscribes reports whether the preference wants alerts of the tier. No tiers means all tiers.
func (p *NotificationPreference) Subscribes(tier string) bool {
	if len(p.AlertTiers) == 0 {
		return true
	}
	for _, t := range p.AlertTiers {
		if t == tier {
			return true
		}
	}
	return false
}

// Address returns the destination configured for the channel.
func (p *NotificationPreference) Address() string {
	if p.Channel == ChannelEmail {
		return p.EmailAddress
	}
	return p.WebhookURL
}

// QueueItem is one pending or finished delivery of a rendered message.
type QueueItem struct {
	ID            uint                    `gorm:"primaryKey" json:"id"`
	AlertID       *uint                   `gorm:"index" json:"alert_id"`
	Alert         *Alert                  `gorm:"foreignKey:AlertID" json:"alert,omitempty"`
	AccountID     *uint                   `gorm:"index" json:"account_id"`
	Account       *Account                `gorm:"foreignKey:AccountID" json:"account,omitempty"`
	UserID        uint                    `gorm:"not null;index" json:"user_id"`
	PreferenceID  *uint                   `json:"preference_id"`
	Preference    *NotificationPreference `gorm:"foreignKey:PreferenceID" json:"-"`
	Channel       string                  `gorm:"size:20;not null" json:"channel"`
	Priority      int                     `gorm:"not null;default:0" json:"priority"`
	Recipient     string                  `gorm:"size:1000" json:"recipient,omitempty"`
	Payload       datatypes.JSON          `json:"payload"`
	Status        string                  `gorm:"size:20;not null;index:idx_queue_due,priority:1" json:"status"`
	AttemptCount  int                     `gorm:"not null;default:0" json:"attempt_count"`
	NextAttemptAt time.Time               `gorm:"not null;index:idx_queue_due,priority:2" json:"next_attempt_at"`
	LastError     string                  `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt     time.Time               `json:"created_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
}

// DeliveryHistory is an immutable record of one delivery attempt.
type DeliveryHistory struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	QueueItemID uint      `gorm:"not null;index" json:"queue_item_id"`
	UserID      uint      `gorm:"not null;index" json:"user_id"`
	Channel     string    `gorm:"size:20;not null" json:"channel"`
	Attempt     int       `gorm:"not null" json:"attempt"`
	Outcome     string    `gorm:"size:30;not null;index" json:"outcome"`
	StatusCode  int       `json:"status_code,omitempty"`
	ErrorDetail string    `gorm:"type:text" json:"error_detail,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
}

func (DeliveryHistory) TableName() string { return "delivery_history" }

// RateLimitCounter counts delivery attempts of a user on a channel within one fixed window.
type RateLimitCounter struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	UserID      uint      `gorm:"not null;uniqueIndex:idx_rate_window,priority:1" json:"user_id"`
	Channel     string    `gorm:"size:20;not null;uniqueIndex:idx_rate_window,priority:2" json:"channel"`
	WindowKind  string    `gorm:"size:10;not null;uniqueIndex:idx_rate_window,priority:3" json:"window_kind"`
	WindowStart time.Time `gorm:"not null;uniqueIndex:idx_rate_window,priority:4;index" json:"window_start"`
	Hits        int64     `gorm:"not null;default:0" json:"hits"`
	UpdatedAt   time.Time `json:"updated_at"`
}
