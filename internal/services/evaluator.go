package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/huangang/costsentry/internal/clock"
	"github.com/huangang/costsentry/internal/config"
	"github.com/huangang/costsentry/internal/models"
	"github.com/huangang/costsentry/pkg/logger"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errAlertRaced = errors.New("alert fired concurrently")

// TierOutcome describes what one evaluation did for one tier.
type TierOutcome struct {
	Tier            string `json:"tier"`
	ThresholdMicros int64  `json:"threshold_micros"`
	Crossed         bool   `json:"crossed"`
	Fired           bool   `json:"fired"`
	Suppressed      bool   `json:"suppressed"`
	QueuedItems     int    `json:"queued_items"`
}

type EvaluationResult struct {
	AccountID    uint          `json:"account_id"`
	SpendMicros  int64         `json:"spend_micros"`
	BudgetMicros int64         `json:"budget_micros"`
	PeriodStart  time.Time     `json:"period_start"`
	Tiers        []TierOutcome `json:"tiers"`
}

type evalTier struct {
	name     string
	percent  decimal.Decimal
	cooldown time.Duration
}

// EvaluatorService turns budget threshold crossings into alerts and queued deliveries.
type EvaluatorService struct {
	db       *gorm.DB
	clock    clock.Clock
	queue    *QueueService
	cfg      config.AlertsConfig
	channels []string
	metrics  *Metrics
}

func NewEvaluatorService(db *gorm.DB, clk clock.Clock, queue *QueueService, cfg config.AlertsConfig, channels []string, metrics *Metrics) *EvaluatorService {
	return &EvaluatorService{db: db, clock: clk, queue: queue, cfg: cfg, channels: channels, metrics: metrics}
}

func (s *EvaluatorService) defaultTiers() []evalTier {
	tiers := make([]evalTier, 0, len(s.cfg.DefaultTiers))
	for _, t := range s.cfg.DefaultTiers {
		pct, err := decimal.NewFromString(t.Percent)
		if err != nil {
			continue
		}
		tiers = append(tiers, evalTier{name: t.Tier, percent: pct, cooldown: t.Cooldown})
	}
	return tiers
}

// tiersFor returns the account's tiers sorted by severity, and false when alerting is disabled.
func (s *EvaluatorService) tiersFor(ctx context.Context, accountID uint) ([]evalTier, bool, error) {
	var cfg models.AlertConfig
	err := s.db.WithContext(ctx).Preload("Tiers").Where("account_id = ?", accountID).First(&cfg).Error
	var tiers []evalTier
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		tiers = s.defaultTiers()
	case err != nil:
		return nil, false, err
	case !cfg.Enabled:
		return nil, false, nil
	default:
		for _, t := range cfg.Tiers {
			tiers = append(tiers, evalTier{name: t.Tier, percent: t.Percent, cooldown: t.Cooldown()})
		}
	}
	sort.SliceStable(tiers, func(i, j int) bool {
		return models.TierRank(tiers[i].name) < models.TierRank(tiers[j].name)
	})
	return tiers, true, nil
}

// EvaluateAccount compares the account's spend in the current budget period with each tier.
// A tier is crossed when spend >= budget * percent / 100. A crossed tier fires when it has
// never fired or its own cooldown has elapsed; otherwise only the observed spend is refreshed.
func (s *EvaluatorService) EvaluateAccount(ctx context.Context, accountID uint) (*EvaluationResult, error) {
	var account models.Account
	if err := s.db.WithContext(ctx).First(&account, accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	result := &EvaluationResult{AccountID: account.ID, BudgetMicros: account.BudgetMicros}
	if account.BudgetMicros <= 0 {
		return result, nil
	}

	tiers, enabled, err := s.tiersFor(ctx, account.ID)
	if err != nil || !enabled {
		return result, err
	}

	now := s.clock.Now()
	spend, periodStart, err := periodSpend(s.db.WithContext(ctx), &account, now)
	if err != nil {
		return nil, err
	}
	result.SpendMicros = spend
	result.PeriodStart = periodStart

	var existing []models.Alert
	if err := s.db.WithContext(ctx).Where("account_id = ?", account.ID).Find(&existing).Error; err != nil {
		return nil, err
	}
	alerts := make(map[string]*models.Alert, len(existing))
	for i := range existing {
		alerts[existing[i].Tier] = &existing[i]
	}

	var prefs []models.NotificationPreference
	err = s.db.WithContext(ctx).
		Where("user_id = ? AND enabled = ? AND channel IN ?", account.UserID, true, s.channels).
		Order("id ASC").
		Find(&prefs).Error
	if err != nil {
		return nil, err
	}

	budget := decimal.NewFromInt(account.BudgetMicros)
	spent := decimal.NewFromInt(spend).Mul(hundred)

	for _, tier := range tiers {
		limit := budget.Mul(tier.percent)
		outcome := TierOutcome{
			Tier:            tier.name,
			ThresholdMicros: limit.Div(hundred).Ceil().IntPart(),
			Crossed:         spent.GreaterThanOrEqual(limit),
		}
		if !outcome.Crossed {
			result.Tiers = append(result.Tiers, outcome)
			continue
		}

		alert := alerts[tier.name]
		if alert != nil && now.Sub(alert.LastFiredAt) < tier.cooldown {
			outcome.Suppressed = true
			err := s.db.WithContext(ctx).Model(&models.Alert{}).Where("id = ?", alert.ID).
				Update("observed_micros", spend).Error
			if err != nil {
				return nil, err
			}
			result.Tiers = append(result.Tiers, outcome)
			continue
		}

		msg := buildAlertMessage(&account, tier.name, tier.percent, spend, outcome.ThresholdMicros, periodStart, now)
		queued, err := s.fire(ctx, &account, alert, tier.name, spend, outcome.ThresholdMicros, subscribed(prefs, tier.name), msg, now)
		if errors.Is(err, errAlertRaced) {
			outcome.Suppressed = true
			result.Tiers = append(result.Tiers, outcome)
			continue
		}
		if err != nil {
			return nil, err
		}
		outcome.Fired = true
		outcome.QueuedItems = queued
		s.metrics.observeAlert(tier.name)
		logger.Info().Uint("account_id", account.ID).Str("tier", tier.name).Int64("spend_micros", spend).
			Int("queued", queued).Msg("[Evaluator] alert fired")
		result.Tiers = append(result.Tiers, outcome)
	}

	return result, nil
}

func subscribed(prefs []models.NotificationPreference, tier string) []models.NotificationPreference {
	out := make([]models.NotificationPreference, 0, len(prefs))
	for _, p := range prefs {
		if p.Subscribes(tier) {
			out = append(out, p)
		}
	}
	return out
}

// fire upserts the (account, tier) alert and enqueues its deliveries in one transaction.
func (s *EvaluatorService) fire(ctx context.Context, account *models.Account, alert *models.Alert, tier string,
	spend, threshold int64, prefs []models.NotificationPreference, msg *AlertMessage, now time.Time) (int, error) {

	queued := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var fired models.Alert
		if alert == nil {
			fired = models.Alert{
				AccountID:       account.ID,
				Tier:            tier,
				ObservedMicros:  spend,
				ThresholdMicros: threshold,
				FiredAt:         now,
				LastFiredAt:     now,
				FireCount:       1,
			}
			// the unique (account, tier) index settles a race on the first firing
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&fired)
			if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
				return errAlertRaced
			}
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errAlertRaced
			}
		} else {
			// fire_count guards against a concurrent evaluator firing the same tier
			res := tx.Model(&models.Alert{}).
				Where("id = ? AND fire_count = ?", alert.ID, alert.FireCount).
				Updates(map[string]interface{}{
					"observed_micros":  spend,
					"threshold_micros": threshold,
					"last_fired_at":    now,
					"fire_count":       alert.FireCount + 1,
					"acknowledged":     false,
					"acknowledged_at":  nil,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errAlertRaced
			}
			fired = *alert
			fired.FireCount++
			fired.LastFiredAt = now
		}

		items, err := s.queue.EnqueueForAlert(tx, &fired, prefs, msg)
		if err != nil {
			return err
		}
		queued = len(items)
		return nil
	})
	return queued, err
}

// EvaluateAll sweeps every budgeted account whose alerting is not disabled.
func (s *EvaluatorService) EvaluateAll(ctx context.Context) error {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&models.Account{}).
		Where("budget_micros > 0").
		Where("NOT EXISTS (SELECT 1 FROM alert_configs WHERE alert_configs.account_id = accounts.id AND alert_configs.enabled = ?)", false).
		Order("id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return fmt.Errorf("list accounts to evaluate: %w", err)
	}

	var errs []error
	fired := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res, err := s.EvaluateAccount(ctx, id)
		if err != nil {
			logger.Error().Err(err).Uint("account_id", id).Msg("[Evaluator] evaluation failed")
			errs = append(errs, fmt.Errorf("account %d: %w", id, err))
			continue
		}
		for _, t := range res.Tiers {
			if t.Fired {
				fired++
			}
		}
	}

	logger.Info().Int("accounts", len(ids)).Int("fired", fired).Msg("[Evaluator] sweep finished")
	return errors.Join(errs...)
}

// ProcessEvaluationTask is the task queue processor for ingestion-triggered evaluations.
func (s *EvaluatorService) ProcessEvaluationTask(ctx context.Context, task *EvaluationTask) error {
	_, err := s.EvaluateAccount(ctx, task.AccountID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// --- Alert config and alert listing ---

type TierInput struct {
	Tier            string          `json:"tier"`
	Percent         decimal.Decimal `json:"percent"`
	CooldownSeconds int64           `json:"cooldown_seconds"`
}

type AlertConfigInput struct {
	Enabled bool        `json:"enabled"`
	Tiers   []TierInput `json:"tiers"`
}

var maxTierPercent = decimal.NewFromInt(1000)

func (s *EvaluatorService) ownedAccount(ctx context.Context, userID, accountID uint) (*models.Account, error) {
	var account models.Account
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", accountID, userID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &account, err
}

// GetConfig returns the account's alert config, or an unsaved config built from the defaults.
func (s *EvaluatorService) GetConfig(ctx context.Context, userID, accountID uint) (*models.AlertConfig, error) {
	if _, err := s.ownedAccount(ctx, userID, accountID); err != nil {
		return nil, err
	}

	var cfg models.AlertConfig
	err := s.db.WithContext(ctx).Preload("Tiers").Where("account_id = ?", accountID).First(&cfg).Error
	if err == nil {
		return &cfg, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	cfg = models.AlertConfig{AccountID: accountID, Enabled: true}
	for _, t := range s.defaultTiers() {
		cfg.Tiers = append(cfg.Tiers, models.AlertTier{
			Tier:            t.name,
			Percent:         t.percent,
			CooldownSeconds: int64(t.cooldown / time.Second),
		})
	}
	return &cfg, nil
}

// SaveConfig replaces the account's tiers.
func (s *EvaluatorService) SaveConfig(ctx context.Context, userID, accountID uint, input AlertConfigInput) (*models.AlertConfig, error) {
	if _, err := s.ownedAccount(ctx, userID, accountID); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	for _, t := range input.Tiers {
		if !models.IsKnownTier(t.Tier) {
			return nil, newValidationError("tier", "", fmt.Sprintf("unknown tier %q", t.Tier))
		}
		if seen[t.Tier] {
			return nil, newValidationError("tier", "", fmt.Sprintf("tier %q listed twice", t.Tier))
		}
		seen[t.Tier] = true
		if !t.Percent.IsPositive() || t.Percent.GreaterThan(maxTierPercent) {
			return nil, newValidationError("percent", "", fmt.Sprintf("tier %s percent must be in (0, 1000]", t.Tier))
		}
		if t.CooldownSeconds < 0 {
			return nil, newValidationError("cooldown_seconds", "", "must not be negative")
		}
	}

	var cfg models.AlertConfig
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("account_id = ?", accountID).First(&cfg).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			cfg = models.AlertConfig{AccountID: accountID, Enabled: input.Enabled}
			if err := tx.Create(&cfg).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		} else if err := tx.Model(&cfg).Update("enabled", input.Enabled).Error; err != nil {
			return err
		}

		if err := tx.Where("alert_config_id = ?", cfg.ID).Delete(&models.AlertTier{}).Error; err != nil {
			return err
		}
		cfg.Tiers = nil
		for _, t := range input.Tiers {
			cfg.Tiers = append(cfg.Tiers, models.AlertTier{
				AlertConfigID:   cfg.ID,
				Tier:            t.Tier,
				Percent:         t.Percent,
				CooldownSeconds: t.CooldownSeconds,
			})
		}
		if len(cfg.Tiers) > 0 {
			return tx.Create(&cfg.Tiers).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *EvaluatorService) ListAlerts(ctx context.Context, userID uint, limit int) ([]models.Alert, error) {
	var alerts []models.Alert
	err := s.db.WithContext(ctx).
		Preload("Account").
		Joins("JOIN accounts ON accounts.id = alerts.account_id").
		Where("accounts.user_id = ?", userID).
		Order("alerts.last_fired_at DESC").
		Limit(limit).
		Find(&alerts).Error
	return alerts, err
}

func (s *EvaluatorService) Acknowledge(ctx context.Context, userID, alertID uint) (*models.Alert, error) {
	var alert models.Alert
	err := s.db.WithContext(ctx).
		Joins("JOIN accounts ON accounts.id = alerts.account_id").
		Where("alerts.id = ? AND accounts.user_id = ?", alertID, userID).
		First(&alert).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	err = s.db.WithContext(ctx).Model(&alert).Updates(map[string]interface{}{
		"acknowledged":    true,
		"acknowledged_at": now,
	}).Error
	if err != nil {
		return nil, err
	}
	alert.Acknowledged = true
	alert.AcknowledgedAt = &now
	return &alert, nil
}
