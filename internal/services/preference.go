package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/huangang/costsentry/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PreferenceInput struct {
	Enabled      bool     `json:"enabled"`
	EmailAddress string   `json:"email_address"`
	WebhookURL   string   `json:"webhook_url"`
	AlertTiers   []string `json:"alert_tiers"`
}

// PreferenceService manages the per-user delivery channels.
type PreferenceService struct {
	db *gorm.DB
}

func NewPreferenceService(db *gorm.DB) *PreferenceService {
	return &PreferenceService{db: db}
}

func (s *PreferenceService) List(ctx context.Context, userID uint) ([]models.NotificationPreference, error) {
	var prefs []models.NotificationPreference
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("channel ASC").Find(&prefs).Error
	return prefs, err
}

// Upsert creates or replaces the user's preference for one channel. The destination
// is validated even when the preference is saved disabled.
func (s *PreferenceService) Upsert(ctx context.Context, userID uint, channel string, in PreferenceInput) (*models.NotificationPreference, error) {
	if !models.IsKnownChannel(channel) {
		return nil, newValidationError("channel", "", fmt.Sprintf("unknown channel %q", channel))
	}

	pref := models.NotificationPreference{UserID: userID, Channel: channel, Enabled: in.Enabled}
	if channel == models.ChannelEmail {
		pref.EmailAddress = strings.TrimSpace(in.EmailAddress)
		if err := validateRecipient(channel, pref.EmailAddress); err != nil {
			return nil, err
		}
	} else {
		pref.WebhookURL = in.WebhookURL
		if err := ValidateWebhookURL(channel, pref.WebhookURL); err != nil {
			return nil, err
		}
	}

	seen := make(map[string]bool)
	for _, tier := range in.AlertTiers {
		if !models.IsKnownTier(tier) {
			return nil, newValidationError("alert_tiers", "", fmt.Sprintf("unknown tier %q", tier))
		}
		if !seen[tier] {
			seen[tier] = true
			pref.AlertTiers = append(pref.AlertTiers, tier)
		}
	}

	var stored models.NotificationPreference
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "channel"}},
			DoUpdates: clause.AssignmentColumns([]string{"enabled", "email_address", "webhook_url", "alert_tiers", "updated_at"}),
		}).Create(&pref).Error
		if err != nil {
			return err
		}
		return tx.Where("user_id = ? AND channel = ?", userID, channel).First(&stored).Error
	})
	if err != nil {
		return nil, fmt.Errorf("save %s preference: %w", channel, err)
	}
	return &stored, nil
}

// Delete removes the user's preference for a channel. Queued items that
// referenced it fail with an invalid target when dispatched.
func (s *PreferenceService) Delete(ctx context.Context, userID uint, channel string) error {
	res := s.db.WithContext(ctx).Where("user_id = ? AND channel = ?", userID, channel).Delete(&models.NotificationPreference{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns one preference of the user.
func (s *PreferenceService) Get(ctx context.Context, userID uint, channel string) (*models.NotificationPreference, error) {
	var pref models.NotificationPreference
	err := s.db.WithContext(ctx).Where("user_id = ? AND channel = ?", userID, channel).First(&pref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &pref, err
}
