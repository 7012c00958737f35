package main

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/costsentry/internal/handlers"
	"github.com/huangang/costsentry/internal/middleware"
	"github.com/huangang/costsentry/pkg/logger"
)

// registerRoutes sets up all HTTP routes on the given Gin engine. The returned
// limiter must be closed when the server stops.
func registerRoutes(r *gin.Engine, svc *appServices) *middleware.RateLimiter {
	// Middleware
	r.Use(logger.GinLogger(), logger.GinRecovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(middleware.CORS(svc.cfg.Server.CORSOrigins...))

	// Rate limiter for ingestion and test sends
	requestLimiter := middleware.NewRateLimiter(svc.cfg.RateLimit.RequestRPS, svc.cfg.RateLimit.RequestBurst)

	healthHandler := handlers.NewHealthHandler(svc.db, svc.taskQueue)
	r.GET("/health", healthHandler.CheckHealth)
	r.GET("/metrics", handlers.Metrics(svc.metrics))

	notificationHandler := handlers.NewNotificationHandler(svc.preferences, svc.queue, svc.limiter, svc.channels)
	alertHandler := handlers.NewAlertHandler(svc.evaluator)
	usageHandler := handlers.NewUsageHandler(svc.ledger)

	api := r.Group("/api")
	api.Use(middleware.AuthRequired())
	{
		// Notification preferences, queue and history
		api.GET("/notifications/preferences", notificationHandler.ListPreferences)
		api.GET("/notifications/preferences/:channel", notificationHandler.GetPreference)
		api.PUT("/notifications/preferences/:channel", notificationHandler.SavePreference)
		api.DELETE("/notifications/preferences/:channel", notificationHandler.DeletePreference)
		api.GET("/notifications/queue", notificationHandler.ListQueue)
		api.POST("/notifications/queue/:id/retry", notificationHandler.Retry)
		api.GET("/notifications/history", notificationHandler.History)
		api.GET("/notifications/rate-limit", notificationHandler.RateLimitStatus)
		api.POST("/notifications/test/:channel", requestLimiter.Middleware(), notificationHandler.TestSend)

		// Alerts
		api.GET("/alerts", alertHandler.List)
		api.POST("/alerts/:id/acknowledge", alertHandler.Acknowledge)
		api.GET("/accounts/:id/alert-config", alertHandler.GetConfig)
		api.PUT("/accounts/:id/alert-config", alertHandler.SaveConfig)

		// Usage
		api.GET("/usage", usageHandler.List)
		api.POST("/usage/manual", usageHandler.CreateManual)
		api.DELETE("/usage/:id", usageHandler.DeleteManual)
		api.POST("/usage/ingest",
			middleware.RoleRequired(middleware.RoleService, middleware.RoleAdmin),
			requestLimiter.Middleware(),
			usageHandler.Ingest)
	}

	return requestLimiter
}
