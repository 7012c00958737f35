package services

import (
	"context"
	"testing"

	"github.com/huangang/costsentry/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_EnqueueTest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.queue.EnqueueTest(ctx, 1, "sms", "")
	assert.True(t, IsValidationError(err))

	_, err = env.queue.EnqueueTest(ctx, 1, models.ChannelSlack, "")
	assert.True(t, IsValidationError(err), "no preference and no recipient")

	_, err = env.queue.EnqueueTest(ctx, 1, models.ChannelSlack, "https://hooks.slack.com.evil.example/services/x")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "host", ve.Rule)

	pref := createPreference(t, env.db, 1, models.ChannelSlack, "https://hooks.slack.com/services/T/B/X")
	item, err := env.queue.EnqueueTest(ctx, 1, models.ChannelSlack, "")
	require.NoError(t, err)
	assert.Equal(t, PriorityTest, item.Priority)
	require.NotNil(t, item.PreferenceID)
	assert.Equal(t, pref.ID, *item.PreferenceID)
	assert.Nil(t, item.AlertID)

	msg, err := decodeAlertMessage(item.Payload)
	require.NoError(t, err)
	assert.True(t, msg.Test)
}

func TestQueue_ListAndHistoryAreScopedToUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, user := range []uint{1, 1, 2} {
		_, err := env.queue.EnqueueTest(ctx, user, models.ChannelEmail, "ops@example.com")
		require.NoError(t, err)
	}
	_, err := env.dispatcher().Tick(ctx)
	require.NoError(t, err)

	items, err := env.queue.List(ctx, ListQueueRequest{UserID: 1, Limit: 50})
	require.NoError(t, err)
	assert.Len(t, items, 2)

	items, err = env.queue.List(ctx, ListQueueRequest{UserID: 1, Status: models.QueueStatusPending, Limit: 50})
	require.NoError(t, err)
	assert.Empty(t, items)

	rows, err := env.queue.History(ctx, ListHistoryRequest{UserID: 2, Limit: 50})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.OutcomeSent, rows[0].Outcome)

	rows, err = env.queue.History(ctx, ListHistoryRequest{UserID: 1, Outcome: models.OutcomeTransientFailure, Limit: 50})
	require.NoError(t, err)
	assert.Empty(t, rows)
}
