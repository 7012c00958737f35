package services

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateWebhookURL_Accepts(t *testing.T) {
	tests := []struct {
		channel string
		url     string
	}{
		{"slack", "https://hooks.slack.com/services/T000/B000/XXXX"},
		{"slack", "https://HOOKS.slack.com/services/T000/B000/XXXX"},
		{"slack", "https://hooks.slack.com:443/services/T000/B000/XXXX"},
		{"discord", "https://discord.com/api/webhooks/123/abc"},
		{"discord", "https://discordapp.com/api/webhooks/123/abc"},
		{"discord", "https://canary.discord.com/api/webhooks/123/abc"},
		{"teams", "https://contoso.webhook.office.com/webhookb2/abc@def/IncomingWebhook/123/456"},
		{"teams", "https://prod-12.westus.logic.azure.com/workflows/abc/triggers/manual/paths/invoke?sig=x"},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.NoError(t, ValidateWebhookURL(tt.channel, tt.url))
		})
	}
}

func TestValidateWebhookURL_RejectsSSRFAttempts(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		url     string
		rule    string
	}{
		{"cloud metadata over http", "slack", "http://169.254.169.254/latest/meta-data", "scheme"},
		{"plain http to provider", "slack", "http://hooks.slack.com/services/T/B/X", "scheme"},
		{"file scheme", "slack", "file:///etc/passwd", "format"},
		{"gopher scheme", "discord", "gopher://discord.com/api/webhooks/1/a", "scheme"},
		{"ip literal", "slack", "https://169.254.169.254/services/x", "host"},
		{"ipv6 loopback", "slack", "https://[::1]/services/x", "host"},
		{"localhost", "discord", "https://localhost/api/webhooks/1/a", "host"},
		{"internal host", "teams", "https://intranet.corp.local/webhookb2/x", "host"},
		{"suffix spoof", "slack", "https://hooks.slack.com.evil.example/services/x", "host"},
		{"prefix spoof", "slack", "https://evilhooks.slack.com/services/x", "host"},
		{"userinfo confusion", "slack", "https://hooks.slack.com@evil.example/services/x", "host"},
		{"non-standard port", "slack", "https://hooks.slack.com:8443/services/x", "host"},
		{"bare suffix", "teams", "https://webhook.office.com/webhookb2/x", "host"},
		{"wrong path", "slack", "https://hooks.slack.com/api/x", "path"},
		{"prefix only", "discord", "https://discord.com/api/webhooks/", "path"},
		{"dot segments", "slack", "https://hooks.slack.com/services/../admin", "path"},
		{"encoded dot segments", "slack", "https://hooks.slack.com/services/%2e%2e/admin", "path"},
		{"mixed dot segments", "slack", "https://hooks.slack.com/services/.%2e/admin", "path"},
		{"mixed dot segments reversed", "discord", "https://discord.com/api/webhooks/%2E./x", "path"},
		{"double encoded dot segments", "teams", "https://acme.webhook.office.com/webhookb2/%252e%252e/x", "path"},
		{"encoded single dot", "slack", "https://hooks.slack.com/services/%2e/T/B/X", "path"},
		{"discord path on slack host", "discord", "https://hooks.slack.com/api/webhooks/1/a", "host"},
		{"empty", "slack", "", "format"},
		{"relative", "slack", "/services/x", "format"},
		{"whitespace", "slack", "https://hooks.slack.com/services/x y", "format"},
		{"email is not a webhook channel", "email", "https://hooks.slack.com/services/x", "format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateWebhookURL(tt.channel, tt.url)
			require.Error(t, err)

			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "expected *ValidationError, got %T", err)
			assert.Equal(t, tt.rule, ve.Rule)
			assert.NotEmpty(t, ve.Reason)
		})
	}
}

func TestCheckWebhookURL(t *testing.T) {
	ok, reason := CheckWebhookURL("slack", "https://hooks.slack.com/services/T/B/X")
	assert.True(t, ok)
	assert.Empty(t, reason)

	ok, reason = CheckWebhookURL("slack", "http://169.254.169.254/latest/meta-data")
	assert.False(t, ok)
	assert.Contains(t, reason, "scheme must be https")
}
