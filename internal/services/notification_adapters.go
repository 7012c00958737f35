package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/huangang/costsentry/internal/models"
	"github.com/huangang/costsentry/pkg/logger"
)

// ChatWebhookSender posts alert messages to a chat provider's incoming webhook.
// Each provider only differs in how the payload is built.
type ChatWebhookSender struct {
	channel string
	client  *http.Client
	build   func(msg *AlertMessage) interface{}
}

func NewSlackSender(client *http.Client) *ChatWebhookSender {
	return &ChatWebhookSender{channel: models.ChannelSlack, client: client, build: buildSlackPayload}
}

func NewDiscordSender(client *http.Client) *ChatWebhookSender {
	return &ChatWebhookSender{channel: models.ChannelDiscord, client: client, build: buildDiscordPayload}
}

func NewTeamsSender(client *http.Client) *ChatWebhookSender {
	return &ChatWebhookSender{channel: models.ChannelTeams, client: client, build: buildAdaptiveCard}
}

func (s *ChatWebhookSender) Channel() string { return s.channel }

func (s *ChatWebhookSender) Send(ctx context.Context, target Target, msg *AlertMessage) SendResult {
	return postJSONWithClient(ctx, s.client, target.Address, s.build(msg), nil)
}

// --- Helper functions shared by senders ---

const maxErrorBody = 512

func postJSONWithClient(ctx context.Context, client *http.Client, endpoint string, payload interface{}, headers map[string]string) SendResult {
	body, err := json.Marshal(payload)
	if err != nil {
		return permanentFailure(0, fmt.Errorf("encode payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return permanentFailure(0, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	logger.Debug().Int("status", resp.StatusCode).Int("payload_bytes", len(body)).Msg("[Notification] webhook response")

	switch classifyHTTPStatus(resp.StatusCode) {
	case OutcomeDelivered:
		return delivered(resp.StatusCode)
	case OutcomeTransient:
		return transientFailure(resp.StatusCode, fmt.Errorf("endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	default:
		return permanentFailure(resp.StatusCode, fmt.Errorf("endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func severityEmoji(severity string) string {
	switch severity {
	case models.TierEmergency:
		return ":rotating_light:"
	case models.TierCritical:
		return ":red_circle:"
	case models.TierWarning:
		return ":large_yellow_circle:"
	default:
		return ":information_source:"
	}
}

func severityColor(severity string) int {
	switch severity {
	case models.TierEmergency:
		return 0x8B0000
	case models.TierCritical:
		return 0xE01E5A
	case models.TierWarning:
		return 0xECB22E
	default:
		return 0x2EB67D
	}
}

// --- Payload builders ---

func buildSlackPayload(msg *AlertMessage) interface{} {
	header := fmt.Sprintf("%s *%s*", severityEmoji(msg.Severity), msg.Title)

	blocks := []map[string]interface{}{
		{
			"type": "section",
			"text": map[string]string{"type": "mrkdwn", "text": truncate(header, 3000)},
		},
		{
			"type": "section",
			"text": map[string]string{"type": "mrkdwn", "text": truncate(msg.Summary, 3000)},
		},
	}

	if len(msg.Fields) > 0 {
		fields := make([]map[string]string, 0, len(msg.Fields))
		for _, f := range msg.Fields {
			// slack allows at most 10 fields per section
			if len(fields) == 10 {
				break
			}
			fields = append(fields, map[string]string{
				"type": "mrkdwn",
				"text": truncate(fmt.Sprintf("*%s*\n%s", f.Label, f.Value), 2000),
			})
		}
		blocks = append(blocks, map[string]interface{}{"type": "section", "fields": fields})
	}

	return map[string]interface{}{
		"text":   msg.Title,
		"blocks": blocks,
	}
}

func buildDiscordPayload(msg *AlertMessage) interface{} {
	fields := make([]map[string]interface{}, 0, len(msg.Fields))
	for _, f := range msg.Fields {
		fields = append(fields, map[string]interface{}{
			"name":   truncate(f.Label, 256),
			"value":  truncate(f.Value, 1024),
			"inline": true,
		})
	}

	return map[string]interface{}{
		"content": truncate(msg.Title, 2000),
		"embeds": []map[string]interface{}{
			{
				"title":       truncate(msg.Title, 256),
				"description": truncate(msg.Summary, 4096),
				"color":       severityColor(msg.Severity),
				"fields":      fields,
				"timestamp":   msg.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
			},
		},
	}
}

func buildAdaptiveCard(msg *AlertMessage) interface{} {
	facts := make([]map[string]string, 0, len(msg.Fields))
	for _, f := range msg.Fields {
		facts = append(facts, map[string]string{"title": f.Label, "value": f.Value})
	}

	titleColor := "Warning"
	if msg.Severity == models.TierCritical || msg.Severity == models.TierEmergency {
		titleColor = "Attention"
	} else if msg.Test {
		titleColor = "Good"
	}

	body := []map[string]interface{}{
		{
			"type":   "TextBlock",
			"text":   msg.Title,
			"weight": "Bolder",
			"size":   "Medium",
			"color":  titleColor,
			"wrap":   true,
		},
		{
			"type": "TextBlock",
			"text": msg.Summary,
			"wrap": true,
		},
	}
	if len(facts) > 0 {
		body = append(body, map[string]interface{}{"type": "FactSet", "facts": facts})
	}

	return map[string]interface{}{
		"type": "message",
		"attachments": []map[string]interface{}{
			{
				"contentType": "application/vnd.microsoft.card.adaptive",
				"content": map[string]interface{}{
					"type":    "AdaptiveCard",
					"$schema": "http://adaptivecards.io/schemas/adaptive-card.json",
					"version": "1.5",
					"body":    body,
				},
			},
		},
	}
}
