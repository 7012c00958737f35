package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	TierWarning   = "warning"
	TierCritical  = "critical"
	TierEmergency = "emergency"
)

var tierRank = map[string]int{
	TierWarning:   1,
	TierCritical:  2,
	TierEmergency: 3,
}

// TierRank orders tiers by severity. Unknown tiers sort first.
func TierRank(tier string) int {
	return tierRank[tier]
}

func IsKnownTier(tier string) bool {
	_, ok := tierRank[tier]
	return ok
}

// AlertConfig holds the per-account threshold tiers. Accounts without one use the configured defaults.
type AlertConfig struct {
	ID        uint        `gorm:"primaryKey" json:"id"`
	AccountID uint        `gorm:"uniqueIndex;not null" json:"account_id"`
	Enabled   bool        `gorm:"not null" json:"enabled"`
	Tiers     []AlertTier `gorm:"foreignKey:AlertConfigID;constraint:OnDelete:CASCADE" json:"tiers"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

type AlertTier struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	AlertConfigID   uint            `gorm:"index;not null" json:"-"`
	Tier            string          `gorm:"size:20;not null" json:"tier"`
	Percent         decimal.Decimal `gorm:"type:decimal(7,3);not null" json:"percent"`
	CooldownSeconds int64           `gorm:"not null" json:"cooldown_seconds"`
}

func (t AlertTier) Cooldown() time.Duration {
	return time.Duration(t.CooldownSeconds) * time.Second
}

// Alert is the single row per (account, tier); re-firing updates it in place.
type Alert struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	AccountID       uint       `gorm:"not null;uniqueIndex:idx_alert_account_tier,priority:1" json:"account_id"`
	Account         *Account   `gorm:"foreignKey:AccountID" json:"account,omitempty"`
	Tier            string     `gorm:"size:20;not null;uniqueIndex:idx_alert_account_tier,priority:2" json:"tier"`
	ObservedMicros  int64      `gorm:"not null" json:"observed_micros"`
	ThresholdMicros int64      `gorm:"not null" json:"threshold_micros"`
	FiredAt         time.Time  `json:"fired_at"`
	LastFiredAt     time.Time  `gorm:"index" json:"last_fired_at"`
	FireCount       int        `gorm:"not null" json:"fire_count"`
	Acknowledged    bool       `gorm:"not null" json:"acknowledged"`
	AcknowledgedAt  *time.Time `json:"acknowledged_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
