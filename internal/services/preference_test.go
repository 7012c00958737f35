package services

import (
	"context"
	"testing"

	"github.com/huangang/costsentry/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreferenceService_Upsert(t *testing.T) {
	svc := NewPreferenceService(newTestDB(t))
	ctx := context.Background()

	pref, err := svc.Upsert(ctx, 1, models.ChannelDiscord, PreferenceInput{
		Enabled:    true,
		WebhookURL: "https://discord.com/api/webhooks/1/abc",
		AlertTiers: []string{"critical", "critical", "emergency"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"critical", "emergency"}, []string(pref.AlertTiers))

	// saving again replaces the row
	updated, err := svc.Upsert(ctx, 1, models.ChannelDiscord, PreferenceInput{
		Enabled:    false,
		WebhookURL: "https://discord.com/api/webhooks/2/def",
	})
	require.NoError(t, err)
	assert.Equal(t, pref.ID, updated.ID)
	assert.False(t, updated.Enabled)
	assert.Equal(t, "https://discord.com/api/webhooks/2/def", updated.WebhookURL)
	assert.Empty(t, updated.AlertTiers)

	prefs, err := svc.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, prefs, 1)
}

func TestPreferenceService_Rejects(t *testing.T) {
	svc := NewPreferenceService(newTestDB(t))
	ctx := context.Background()

	tests := []struct {
		name    string
		channel string
		in      PreferenceInput
		field   string
	}{
		{"unknown channel", "pager", PreferenceInput{}, "channel"},
		{"bad email", models.ChannelEmail, PreferenceInput{EmailAddress: "nope"}, "email address"},
		{"metadata endpoint", models.ChannelSlack, PreferenceInput{WebhookURL: "https://169.254.169.254/services/x"}, "slack webhook URL"},
		{"teams on slack host", models.ChannelTeams, PreferenceInput{WebhookURL: "https://hooks.slack.com/services/x"}, "teams webhook URL"},
		{"unknown tier", models.ChannelEmail, PreferenceInput{EmailAddress: "a@example.com", AlertTiers: []string{"info"}}, "alert_tiers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Upsert(ctx, 1, tt.channel, tt.in)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestPreferenceService_Delete(t *testing.T) {
	svc := NewPreferenceService(newTestDB(t))
	ctx := context.Background()

	_, err := svc.Upsert(ctx, 1, models.ChannelEmail, PreferenceInput{Enabled: true, EmailAddress: "a@example.com"})
	require.NoError(t, err)
	assert.ErrorIs(t, svc.Delete(ctx, 2, models.ChannelEmail), ErrNotFound)
	require.NoError(t, svc.Delete(ctx, 1, models.ChannelEmail))
	_, err = svc.Get(ctx, 1, models.ChannelEmail)
	assert.ErrorIs(t, err, ErrNotFound)
}
