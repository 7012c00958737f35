package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/huangang/costsentry/internal/clock"
	"github.com/huangang/costsentry/internal/config"
	"github.com/huangang/costsentry/internal/handlers"
	"github.com/huangang/costsentry/internal/models"
	"github.com/huangang/costsentry/internal/services"
	"github.com/huangang/costsentry/internal/utils"
	"github.com/huangang/costsentry/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// appServices holds the initialized services shared by the commands.
type appServices struct {
	cfg         *config.Config
	db          *gorm.DB
	metrics     *prometheus.Registry
	redis       *redis.Client
	taskQueue   services.TaskQueue
	worker      *services.Worker
	scheduler   *services.Scheduler
	ledger      *services.LedgerService
	evaluator   *services.EvaluatorService
	preferences *services.PreferenceService
	queue       *services.QueueService
	limiter     *services.RateLimiter
	dispatcher  *services.Dispatcher
	channels    []string
}

// bootstrap opens the database and wires the services. Nothing runs in the
// background until startBackground is called.
func bootstrap(cfg *config.Config) (*appServices, error) {
	utils.SetJWTSecret(cfg.JWT.Secret)

	db, err := models.InitDB(&cfg.Database, cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	app := &appServices{cfg: cfg, db: db, metrics: prometheus.NewRegistry()}
	handlers.RegisterRuntimeMetrics(app.metrics, db)
	metrics := services.NewMetrics(app.metrics)
	clk := clock.New()

	lock := app.leaderLock(clk)

	httpClient := services.NewWebhookHTTPClient(cfg.Dispatch.SendTimeout)
	emailSender, err := services.NewEmailSender(cfg.Email, httpClient)
	if err != nil {
		return nil, fmt.Errorf("configure email sender: %w", err)
	}
	registry, err := services.NewSenderRegistry(cfg.Dispatch.Channels,
		emailSender,
		services.NewSlackSender(httpClient),
		services.NewDiscordSender(httpClient),
		services.NewTeamsSender(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("configure senders: %w", err)
	}
	app.channels = registry.Channels()

	app.limiter = services.NewRateLimiter(db, clk, cfg.RateLimit)
	app.queue = services.NewQueueService(db, clk)
	app.preferences = services.NewPreferenceService(db)
	app.evaluator = services.NewEvaluatorService(db, clk, app.queue, cfg.Alerts, app.channels, metrics)
	app.dispatcher = services.NewDispatcher(clk, app.queue, app.limiter, registry, lock, cfg.Dispatch, metrics)

	// Initialize task queue (uses Redis if enabled, otherwise sync mode)
	app.taskQueue = services.NewTaskQueue(&cfg.Redis)
	if syncQueue, ok := app.taskQueue.(*services.SyncQueue); ok {
		syncQueue.SetProcessor(app.evaluator.ProcessEvaluationTask)
	}
	app.ledger = services.NewLedgerService(db, clk, cfg.Ledger, app.taskQueue, metrics)

	app.scheduler = services.NewScheduler(clk, app.dispatcher, app.evaluator, app.limiter, cfg)

	logger.Info().
		Strs("channels", app.channels).
		Bool("async_queue", app.taskQueue.IsAsync()).
		Msg("Services initialized")
	return app, nil
}

// leaderLock prefers Redis when it is configured and reachable.
func (a *appServices) leaderLock(clk clock.Clock) services.LeaderLock {
	if a.cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := client.Ping(ctx).Err()
		if err == nil {
			a.redis = client
			logger.Info().Str("addr", a.cfg.Redis.Addr).Msg("Using Redis leader lock")
			return services.NewRedisLeaderLock(client)
		}
		logger.Warn().Err(err).Msg("Redis unavailable, using database leader lock")
		client.Close()
	}

	host, _ := os.Hostname()
	return services.NewDBLeaderLock(a.db, clk, fmt.Sprintf("%s-%d", host, os.Getpid()))
}

// startBackground starts the evaluation worker and the scheduler.
func (a *appServices) startBackground() error {
	if a.taskQueue.IsAsync() {
		a.worker = services.NewWorker(&a.cfg.Redis, 4)
		if a.worker != nil {
			a.worker.SetProcessor(a.evaluator.ProcessEvaluationTask)
			if err := a.worker.Start(); err != nil {
				return fmt.Errorf("start worker: %w", err)
			}
		}
	}
	if err := a.scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	return nil
}

// shutdown gracefully stops all services.
func (a *appServices) shutdown() {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.worker != nil {
		a.worker.Stop()
	}
	if a.taskQueue != nil {
		if err := a.taskQueue.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close task queue")
		}
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
	logger.Info().Msg("All services stopped")
}
