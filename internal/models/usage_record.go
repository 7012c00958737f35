package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	OriginSynced = "synced"
	OriginManual = "manual"
)

// UsageRecord holds one logical usage fact. The composite key
// (account, provider service, time bucket, request type) is unique;
// repeated writes of the same key merge into the row and bump Version.
type UsageRecord struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	AccountID         uint            `gorm:"not null;uniqueIndex:idx_usage_key,priority:1" json:"account_id"`
	ProviderServiceID string          `gorm:"size:100;not null;uniqueIndex:idx_usage_key,priority:2" json:"provider_service_id"`
	TimeBucket        time.Time       `gorm:"not null;uniqueIndex:idx_usage_key,priority:3;index" json:"time_bucket"`
	RequestType       string          `gorm:"size:50;not null;uniqueIndex:idx_usage_key,priority:4" json:"request_type"`
	InputTokens       int64           `gorm:"not null;default:0" json:"input_tokens"`
	OutputTokens      int64           `gorm:"not null;default:0" json:"output_tokens"`
	TotalTokens       int64           `gorm:"not null;default:0" json:"total_tokens"`
	CostMicros        int64           `gorm:"not null;default:0" json:"cost_micros"`
	Cost              decimal.Decimal `gorm:"-" json:"cost"`
	Currency          string          `gorm:"size:3;not null;default:USD" json:"currency"`
	Metadata          datatypes.JSON  `json:"metadata,omitempty"`
	Origin            string          `gorm:"size:20;not null;default:synced;index" json:"origin"`
	Version           int             `gorm:"not null;default:1" json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func (r *UsageRecord) AfterFind(tx *gorm.DB) error {
	r.Cost = MicrosToDecimal(r.CostMicros)
	return nil
}

// BucketOf truncates a timestamp to its UTC day bucket.
func BucketOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
