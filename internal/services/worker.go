package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/huangang/costsentry/internal/config"
	"github.com/huangang/costsentry/pkg/logger"
	"github.com/rs/zerolog"
)

// Worker processes async evaluation tasks from Redis
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor TaskProcessor
	log       zerolog.Logger
	running   bool
	mu        sync.Mutex
}

// NewWorker returns nil when Redis is disabled.
func NewWorker(cfg *config.RedisConfig, concurrency int) *Worker {
	if !cfg.Enabled {
		return nil
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	log := logger.Component("worker")

	server := asynq.NewServer(
		redisClientOpt(cfg),
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"default": 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Error().Err(err).Str("type", task.Type()).Msg("task failed")
			}),
		},
	)

	return &Worker{
		server: server,
		mux:    asynq.NewServeMux(),
		log:    log,
	}
}

func (w *Worker) SetProcessor(processor TaskProcessor) {
	w.processor = processor
}

// Start begins processing tasks
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	w.mux.HandleFunc(TaskTypeEvaluate, w.handleEvaluationTask)

	// Start returns once the processors are up; signals stay with the caller
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	w.running = true
	w.log.Info().Msg("async worker started")
	return nil
}

// Stop gracefully shuts down the worker
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	w.log.Info().Msg("shutting down")
	w.server.Shutdown()
	w.running = false
	w.log.Info().Msg("shutdown complete")
}

func (w *Worker) handleEvaluationTask(ctx context.Context, t *asynq.Task) error {
	var task EvaluationTask
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		// a malformed payload will never decode; do not retry it
		return fmt.Errorf("decode evaluation task: %v: %w", err, asynq.SkipRetry)
	}

	if w.processor == nil {
		w.log.Warn().Uint("account_id", task.AccountID).Msg("no processor set, dropping task")
		return nil
	}

	return w.processor(ctx, &task)
}
