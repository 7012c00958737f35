package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/costsentry/internal/models"
	"github.com/huangang/costsentry/internal/services"
	"gorm.io/gorm"
)

// HealthHandler reports the state of the database and the evaluation queue.
type HealthHandler struct {
	db    *gorm.DB
	tasks services.TaskQueue
}

func NewHealthHandler(db *gorm.DB, tasks services.TaskQueue) *HealthHandler {
	return &HealthHandler{db: db, tasks: tasks}
}

// CheckHealth returns 503 when the database is unreachable.
// GET /health
func (h *HealthHandler) CheckHealth(c *gin.Context) {
	overall := "healthy"
	status := 200

	dbStatus := "ok"
	sqlDB, err := h.db.DB()
	if err != nil {
		dbStatus = "error: " + err.Error()
	} else if err := sqlDB.PingContext(c.Request.Context()); err != nil {
		dbStatus = "error: " + err.Error()
	}
	if dbStatus != "ok" {
		overall = "unhealthy"
		status = 503
	}

	queueMode := "sync"
	if h.tasks != nil && h.tasks.IsAsync() {
		queueMode = "async (Redis)"
	}

	components := gin.H{
		"database":   dbStatus,
		"queue_mode": queueMode,
	}
	if dbStatus == "ok" {
		var due, deadLetter int64
		h.db.Model(&models.QueueItem{}).
			Where("status IN ?", []string{models.QueueStatusPending, models.QueueStatusRateLimited}).
			Count(&due)
		h.db.Model(&models.QueueItem{}).Where("status = ?", models.QueueStatusDeadLetter).Count(&deadLetter)
		components["pending_notifications"] = due
		components["dead_letter_notifications"] = deadLetter
	}

	c.JSON(status, gin.H{
		"status":     overall,
		"service":    "costsentry",
		"components": components,
	})
}
