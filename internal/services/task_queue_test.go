package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/huangang/costsentry/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncQueue_RunsProcessorAndWaitsOnClose(t *testing.T) {
	q := NewSyncQueue()
	assert.False(t, q.IsAsync())

	var mu sync.Mutex
	var seen []uint
	q.SetProcessor(func(ctx context.Context, task *EvaluationTask) error {
		mu.Lock()
		seen = append(seen, task.AccountID)
		mu.Unlock()
		return nil
	})

	for i := uint(1); i <= 3; i++ {
		require.NoError(t, q.Enqueue(&EvaluationTask{AccountID: i}))
	}
	require.NoError(t, q.Close())

	assert.ElementsMatch(t, []uint{1, 2, 3}, seen)
}

func TestSyncQueue_SurvivesFailingProcessor(t *testing.T) {
	q := NewSyncQueue()
	q.SetProcessor(func(ctx context.Context, task *EvaluationTask) error {
		if task.AccountID == 1 {
			panic("boom")
		}
		return errors.New("evaluation failed")
	})

	assert.NoError(t, q.Enqueue(&EvaluationTask{AccountID: 1}))
	assert.NoError(t, q.Enqueue(&EvaluationTask{AccountID: 2}))
	assert.NoError(t, q.Close())
}

func TestSyncQueue_NoProcessorDropsTask(t *testing.T) {
	q := NewSyncQueue()
	assert.NoError(t, q.Enqueue(&EvaluationTask{AccountID: 1}))
	assert.NoError(t, q.Close())
}

func TestNewTaskQueue_DisabledRedisIsSync(t *testing.T) {
	q := NewTaskQueue(&config.RedisConfig{Enabled: false})
	_, ok := q.(*SyncQueue)
	assert.True(t, ok)
	assert.Nil(t, NewWorker(&config.RedisConfig{Enabled: false}, 2))
}

func TestWorker_RejectsMalformedPayloadWithoutRetry(t *testing.T) {
	w := &Worker{}
	err := w.handleEvaluationTask(context.Background(), asynq.NewTask(TaskTypeEvaluate, []byte("{not json")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestWorker_DelegatesToProcessor(t *testing.T) {
	w := &Worker{}
	var got uint
	w.SetProcessor(func(ctx context.Context, task *EvaluationTask) error {
		got = task.AccountID
		return nil
	})
	require.NoError(t, w.handleEvaluationTask(context.Background(), asynq.NewTask(TaskTypeEvaluate, []byte(`{"account_id":42}`))))
	assert.Equal(t, uint(42), got)
}
