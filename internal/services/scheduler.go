package services

import (
	"context"
	"fmt"
	"time"

	"github.com/huangang/costsentry/internal/clock"
	"github.com/huangang/costsentry/internal/config"
	"github.com/huangang/costsentry/pkg/logger"
	"github.com/robfig/cron/v3"
)

// counterRetention is how long rate limit windows are kept after they close.
const counterRetention = 48 * time.Hour

// Scheduler runs the periodic jobs: dispatch ticks, evaluation sweeps and counter cleanup.
type Scheduler struct {
	cron       *cron.Cron
	clock      clock.Clock
	dispatcher *Dispatcher
	evaluator  *EvaluatorService
	limiter    *RateLimiter
	cfg        *config.Config
	ctx        context.Context
	cancel     context.CancelFunc
}

func NewScheduler(clk clock.Clock, dispatcher *Dispatcher, evaluator *EvaluatorService, limiter *RateLimiter, cfg *config.Config) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(logger.CronLogger{}),
			cron.SkipIfStillRunning(logger.CronLogger{}),
		), cron.WithLogger(logger.CronLogger{})),
		clock:      clk,
		dispatcher: dispatcher,
		evaluator:  evaluator,
		limiter:    limiter,
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start registers the jobs and starts the cron loop.
func (s *Scheduler) Start() error {
	if s.cfg.Dispatch.Interval <= 0 {
		return fmt.Errorf("schedule dispatch job: interval must be positive")
	}
	if s.cfg.Alerts.EvaluateInterval <= 0 {
		return fmt.Errorf("schedule evaluate job: interval must be positive")
	}

	jobs := []struct {
		name string
		spec string
		run  func()
	}{
		{"dispatch", fmt.Sprintf("@every %s", s.cfg.Dispatch.Interval), s.runDispatch},
		{"evaluate", fmt.Sprintf("@every %s", s.cfg.Alerts.EvaluateInterval), s.runEvaluate},
		{"purge_counters", "@daily", s.runPurge},
	}
	for _, job := range jobs {
		if _, err := s.cron.AddFunc(job.spec, job.run); err != nil {
			return fmt.Errorf("schedule %s job: %w", job.name, err)
		}
		logger.Info().Str("job", job.name).Str("spec", job.spec).Msg("[Scheduler] job registered")
	}
	s.cron.Start()
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	logger.Info().Msg("[Scheduler] stopped")
}

func (s *Scheduler) runDispatch() {
	if _, err := s.dispatcher.Tick(s.ctx); err != nil {
		logger.Error().Err(err).Msg("[Scheduler] dispatch tick failed")
	}
}

func (s *Scheduler) runEvaluate() {
	if err := s.evaluator.EvaluateAll(s.ctx); err != nil {
		logger.Error().Err(err).Msg("[Scheduler] evaluation sweep failed")
	}
}

func (s *Scheduler) runPurge() {
	n, err := s.limiter.PurgeBefore(s.ctx, s.clock.Now().Add(-counterRetention))
	if err != nil {
		logger.Error().Err(err).Msg("[Scheduler] counter purge failed")
		return
	}
	logger.Info().Int64("removed", n).Msg("[Scheduler] purged rate limit counters")
}
