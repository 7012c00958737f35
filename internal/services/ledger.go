package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/huangang/costsentry/internal/clock"
	"github.com/huangang/costsentry/internal/config"
	"github.com/huangang/costsentry/internal/models"
	"github.com/huangang/costsentry/pkg/logger"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IngestRequest is one usage reading for one logical key.
type IngestRequest struct {
	AccountID         uint            `json:"account_id"`
	ProviderServiceID string          `json:"provider_service_id"`
	TimeBucket        time.Time       `json:"time_bucket"`
	RequestType       string          `json:"request_type"`
	InputTokens       int64           `json:"input_tokens"`
	OutputTokens      int64           `json:"output_tokens"`
	TotalTokens       int64           `json:"total_tokens"`
	Cost              decimal.Decimal `json:"cost"`
	Currency          string          `json:"currency"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	Origin            string          `json:"-"`
}

type IngestItemResult struct {
	Index  int                 `json:"index"`
	Record *models.UsageRecord `json:"record,omitempty"`
	WasNew bool                `json:"was_new"`
	Error  string              `json:"error,omitempty"`
}

type IngestBatchResult struct {
	Created  int                `json:"created"`
	Merged   int                `json:"merged"`
	Rejected int                `json:"rejected"`
	Items    []IngestItemResult `json:"items"`
}

// LedgerService writes usage facts exactly once per logical key.
type LedgerService struct {
	db      *gorm.DB
	clock   clock.Clock
	cfg     config.LedgerConfig
	tasks   TaskQueue
	metrics *Metrics
}

func NewLedgerService(db *gorm.DB, clk clock.Clock, cfg config.LedgerConfig, tasks TaskQueue, metrics *Metrics) *LedgerService {
	return &LedgerService{db: db, clock: clk, cfg: cfg, tasks: tasks, metrics: metrics}
}

func (s *LedgerService) validate(req *IngestRequest) error {
	if req.AccountID == 0 {
		return newValidationError("account_id", "", "is required")
	}
	if strings.TrimSpace(req.ProviderServiceID) == "" {
		return newValidationError("provider_service_id", "", "is required")
	}
	if strings.TrimSpace(req.RequestType) == "" {
		return newValidationError("request_type", "", "is required")
	}
	if req.TimeBucket.IsZero() {
		return newValidationError("time_bucket", "", "is required")
	}
	if req.Cost.IsNegative() {
		return newValidationError("cost", "", "must not be negative")
	}
	if req.InputTokens < 0 || req.OutputTokens < 0 || req.TotalTokens < 0 {
		return newValidationError("tokens", "", "must not be negative")
	}
	if limit := s.clock.Now().Add(s.cfg.ClockSkew); req.TimeBucket.After(limit) {
		return newValidationError("time_bucket", "", fmt.Sprintf("%s is in the future", req.TimeBucket.UTC().Format(time.RFC3339)))
	}
	if len(req.Metadata) > 0 && !json.Valid(req.Metadata) {
		return newValidationError("metadata", "", "must be valid JSON")
	}
	return nil
}

// Ingest inserts the reading or merges it into the existing row for its key.
// The merge replaces the metrics (last write wins, never additive) and bumps the version;
// wasNew is true only for the call that created the row.
func (s *LedgerService) Ingest(ctx context.Context, req IngestRequest) (*models.UsageRecord, bool, error) {
	if err := s.validate(&req); err != nil {
		return nil, false, err
	}

	var account models.Account
	if err := s.db.WithContext(ctx).Select("id", "currency").First(&account, req.AccountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, newValidationError("account_id", "", fmt.Sprintf("account %d does not exist", req.AccountID))
		}
		return nil, false, err
	}

	now := s.clock.Now()
	origin := req.Origin
	if origin == "" {
		origin = models.OriginSynced
	}
	currency := req.Currency
	if currency == "" {
		currency = account.Currency
	}
	total := req.TotalTokens
	if total == 0 {
		total = req.InputTokens + req.OutputTokens
	}

	rec := models.UsageRecord{
		AccountID:         req.AccountID,
		ProviderServiceID: strings.TrimSpace(req.ProviderServiceID),
		TimeBucket:        models.BucketOf(req.TimeBucket),
		RequestType:       strings.TrimSpace(req.RequestType),
		InputTokens:       req.InputTokens,
		OutputTokens:      req.OutputTokens,
		TotalTokens:       total,
		CostMicros:        models.DecimalToMicros(req.Cost),
		Currency:          currency,
		Metadata:          datatypes.JSON(req.Metadata),
		Origin:            origin,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	var stored models.UsageRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(usageUpsertClause(origin)).Create(&rec).Error; err != nil {
			return err
		}
		// the upsert holds the row lock until commit, so this read sees our own write
		if err := tx.Where("account_id = ? AND provider_service_id = ? AND time_bucket = ? AND request_type = ?",
			rec.AccountID, rec.ProviderServiceID, rec.TimeBucket, rec.RequestType).
			First(&stored).Error; err != nil {
			return err
		}
		// a manual entry never overwrites a synced fact; returning rolls the merge back
		if origin == models.OriginManual && stored.Origin != models.OriginManual {
			return newValidationError("origin", "", "a synced reading already exists for this key")
		}
		return nil
	})
	if err != nil {
		if IsValidationError(err) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("ingest usage for account %d: %w", req.AccountID, err)
	}

	wasNew := stored.Version == 1
	s.metrics.observeIngest(wasNew)
	return &stored, wasNew, nil
}

// usageUpsertClause merges a reading into its key. A synced write takes over a
// manual row; a manual write leaves origin alone.
func usageUpsertClause(origin string) clause.OnConflict {
	columns := []string{
		"input_tokens", "output_tokens", "total_tokens", "cost_micros",
		"currency", "metadata", "updated_at",
	}
	if origin == models.OriginSynced {
		columns = append(columns, "origin")
	}
	set := clause.AssignmentColumns(columns)
	set = append(set, clause.Assignment{
		Column: clause.Column{Name: "version"},
		Value:  gorm.Expr("usage_records.version + 1"),
	})
	return clause.OnConflict{
		Columns: []clause.Column{
			{Name: "account_id"}, {Name: "provider_service_id"}, {Name: "time_bucket"}, {Name: "request_type"},
		},
		DoUpdates: set,
	}
}

// IngestBatch ingests readings independently and then asks for one evaluation
// per affected account. Invalid readings are reported without failing the batch.
func (s *LedgerService) IngestBatch(ctx context.Context, reqs []IngestRequest) (*IngestBatchResult, error) {
	result := &IngestBatchResult{Items: make([]IngestItemResult, 0, len(reqs))}
	touched := make(map[uint]bool)

	for i, req := range reqs {
		rec, wasNew, err := s.Ingest(ctx, req)
		item := IngestItemResult{Index: i}
		switch {
		case err == nil:
			item.Record = rec
			item.WasNew = wasNew
			touched[rec.AccountID] = true
			if wasNew {
				result.Created++
			} else {
				result.Merged++
			}
		case IsValidationError(err):
			item.Error = err.Error()
			result.Rejected++
		default:
			return nil, err
		}
		result.Items = append(result.Items, item)
	}

	for accountID := range touched {
		s.requestEvaluation(accountID)
	}

	logger.Info().Int("created", result.Created).Int("merged", result.Merged).Int("rejected", result.Rejected).
		Msg("[Ledger] batch ingested")
	return result, nil
}

func (s *LedgerService) requestEvaluation(accountID uint) {
	if s.tasks == nil {
		return
	}
	if err := s.tasks.Enqueue(&EvaluationTask{AccountID: accountID}); err != nil {
		// the periodic sweep picks the account up later
		logger.Warn().Err(err).Uint("account_id", accountID).Msg("[Ledger] failed to enqueue evaluation")
	}
}

// CreateManual records a user-entered usage fact on one of the user's accounts.
func (s *LedgerService) CreateManual(ctx context.Context, userID uint, req IngestRequest) (*models.UsageRecord, bool, error) {
	if err := s.ensureOwner(ctx, userID, req.AccountID); err != nil {
		return nil, false, err
	}
	req.Origin = models.OriginManual
	rec, wasNew, err := s.Ingest(ctx, req)
	if err == nil {
		s.requestEvaluation(rec.AccountID)
	}
	return rec, wasNew, err
}

// DeleteManual removes a manual entry. Synced rows are owned by the sync job and cannot be deleted.
func (s *LedgerService) DeleteManual(ctx context.Context, userID, id uint) error {
	var rec models.UsageRecord
	err := s.db.WithContext(ctx).
		Joins("JOIN accounts ON accounts.id = usage_records.account_id").
		Where("usage_records.id = ? AND accounts.user_id = ?", id, userID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if rec.Origin != models.OriginManual {
		return newValidationError("origin", "", "only manual entries can be deleted")
	}
	if err := s.db.WithContext(ctx).Delete(&models.UsageRecord{}, rec.ID).Error; err != nil {
		return err
	}
	s.requestEvaluation(rec.AccountID)
	return nil
}

type ListUsageRequest struct {
	UserID    uint
	AccountID uint
	From      time.Time
	To        time.Time
	Limit     int
}

func (s *LedgerService) List(ctx context.Context, req ListUsageRequest) ([]models.UsageRecord, error) {
	query := s.db.WithContext(ctx).Model(&models.UsageRecord{}).
		Joins("JOIN accounts ON accounts.id = usage_records.account_id").
		Where("accounts.user_id = ?", req.UserID)
	if req.AccountID != 0 {
		query = query.Where("usage_records.account_id = ?", req.AccountID)
	}
	if !req.From.IsZero() {
		query = query.Where("usage_records.time_bucket >= ?", models.BucketOf(req.From))
	}
	if !req.To.IsZero() {
		query = query.Where("usage_records.time_bucket < ?", models.BucketOf(req.To))
	}

	var records []models.UsageRecord
	err := query.Order("usage_records.time_bucket DESC").Order("usage_records.id DESC").
		Limit(req.Limit).Find(&records).Error
	return records, err
}

// PeriodSpend sums the account's cost over the budget period containing now.
func (s *LedgerService) PeriodSpend(ctx context.Context, account *models.Account, now time.Time) (int64, time.Time, error) {
	return periodSpend(s.db.WithContext(ctx), account, now)
}

func periodSpend(db *gorm.DB, account *models.Account, now time.Time) (int64, time.Time, error) {
	start, end := models.PeriodBounds(account.BudgetPeriod, now)
	var total decimal.Decimal
	err := db.Model(&models.UsageRecord{}).
		Select("COALESCE(SUM(cost_micros), 0)").
		Where("account_id = ? AND time_bucket >= ? AND time_bucket < ?", account.ID, start, end).
		Row().Scan(&total)
	if err != nil {
		return 0, start, fmt.Errorf("sum spend for account %d: %w", account.ID, err)
	}
	return total.IntPart(), start, nil
}

func (s *LedgerService) ensureOwner(ctx context.Context, userID, accountID uint) error {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ? AND user_id = ?", accountID, userID).Count(&count).Error
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}
