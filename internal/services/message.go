package services

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/huangang/costsentry/internal/models"
	"github.com/shopspring/decimal"
)

// AlertMessage is the channel-neutral rendering stored on a queue item.
// Senders turn it into their own wire format.
type AlertMessage struct {
	Title       string         `json:"title"`
	Summary     string         `json:"summary"`
	Severity    string         `json:"severity"`
	AccountName string         `json:"account_name,omitempty"`
	Fields      []MessageField `json:"fields,omitempty"`
	Test        bool           `json:"test,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

type MessageField struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

func (m *AlertMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

func decodeAlertMessage(data []byte) (*AlertMessage, error) {
	var msg AlertMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode alert message: %w", err)
	}
	return &msg, nil
}

// PlainText renders the message for channels without rich formatting.
func (m *AlertMessage) PlainText() string {
	var b strings.Builder
	b.WriteString(m.Title)
	b.WriteString("\n\n")
	b.WriteString(m.Summary)
	b.WriteString("\n")
	for _, f := range m.Fields {
		fmt.Fprintf(&b, "\n%s: %s", f.Label, f.Value)
	}
	return b.String()
}

var hundred = decimal.NewFromInt(100)

func formatMoney(micros int64, currency string) string {
	return fmt.Sprintf("%s %s", models.MicrosToDecimal(micros).StringFixed(2), currency)
}

func buildAlertMessage(account *models.Account, tier string, pct decimal.Decimal, spendMicros, thresholdMicros int64, periodStart, now time.Time) *AlertMessage {
	usedPct := decimal.Zero
	if account.BudgetMicros > 0 {
		usedPct = decimal.NewFromInt(spendMicros).Mul(hundred).Div(decimal.NewFromInt(account.BudgetMicros))
	}
	return &AlertMessage{
		Title:       fmt.Sprintf("Budget %s: %s", tier, account.Name),
		Summary:     fmt.Sprintf("Spend reached %s%% of the %s budget (threshold %s%%).", usedPct.StringFixed(1), account.BudgetPeriod, pct.String()),
		Severity:    tier,
		AccountName: account.Name,
		Fields: []MessageField{
			{Label: "Account", Value: fmt.Sprintf("%s (%s)", account.Name, account.Provider)},
			{Label: "Spend", Value: formatMoney(spendMicros, account.Currency)},
			{Label: "Budget", Value: formatMoney(account.BudgetMicros, account.Currency)},
			{Label: "Threshold", Value: formatMoney(thresholdMicros, account.Currency)},
			{Label: "Period start", Value: periodStart.Format("2006-01-02")},
		},
		Timestamp: now,
	}
}

func buildTestMessage(channel string, now time.Time) *AlertMessage {
	return &AlertMessage{
		Title:     "CostSentry test notification",
		Summary:   fmt.Sprintf("This is a test message for the %s channel. If you can read it, delivery works.", channel),
		Severity:  "info",
		Test:      true,
		Timestamp: now,
	}
}
