package models

import "time"

const (
	BudgetPeriodMonthly = "monthly"
	BudgetPeriodDaily   = "daily"
)

// Account is a provider account whose spend is tracked against a budget.
type Account struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	UserID       uint      `gorm:"index;not null" json:"user_id"`
	Name         string    `gorm:"size:200;not null" json:"name"`
	Provider     string    `gorm:"size:50;not null" json:"provider"`
	BudgetMicros int64     `gorm:"not null;default:0" json:"budget_micros"`
	BudgetPeriod string    `gorm:"size:20;not null;default:monthly" json:"budget_period"`
	Currency     string    `gorm:"size:3;not null;default:USD" json:"currency"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PeriodBounds returns the UTC [start, end) of the budget period containing now.
func PeriodBounds(period string, now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	if period == BudgetPeriodDaily {
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	}
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
