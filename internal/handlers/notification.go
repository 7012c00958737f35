package handlers

import (
	"slices"

	"github.com/gin-gonic/gin"
	"github.com/huangang/costsentry/internal/middleware"
	"github.com/huangang/costsentry/internal/models"
	"github.com/huangang/costsentry/internal/services"
	"github.com/huangang/costsentry/pkg/response"
)

type NotificationHandler struct {
	preferences *services.PreferenceService
	queue       *services.QueueService
	limiter     *services.RateLimiter
	channels    []string
}

func NewNotificationHandler(preferences *services.PreferenceService, queue *services.QueueService,
	limiter *services.RateLimiter, channels []string) *NotificationHandler {
	return &NotificationHandler{
		preferences: preferences,
		queue:       queue,
		limiter:     limiter,
		channels:    channels,
	}
}

type preferenceRequest struct {
	Enabled      *bool    `json:"enabled"`
	EmailAddress string   `json:"email_address"`
	WebhookURL   string   `json:"webhook_url"`
	AlertTiers   []string `json:"alert_tiers"`
}

type testSendRequest struct {
	Recipient string `json:"recipient"`
}

// ListPreferences returns the caller's delivery channels
// GET /api/notifications/preferences
func (h *NotificationHandler) ListPreferences(c *gin.Context) {
	prefs, err := h.preferences.List(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		respondError(c, err, "preference")
		return
	}
	response.Success(c, prefs)
}

// SavePreference creates or replaces the caller's preference for a channel
// PUT /api/notifications/preferences/:channel
func (h *NotificationHandler) SavePreference(c *gin.Context) {
	var req preferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	in := services.PreferenceInput{
		Enabled:      true,
		EmailAddress: req.EmailAddress,
		WebhookURL:   req.WebhookURL,
		AlertTiers:   req.AlertTiers,
	}
	if req.Enabled != nil {
		in.Enabled = *req.Enabled
	}

	pref, err := h.preferences.Upsert(c.Request.Context(), middleware.GetUserID(c), c.Param("channel"), in)
	if err != nil {
		respondError(c, err, "preference")
		return
	}
	response.Success(c, pref)
}

// GetPreference returns the caller's preference for one channel
// GET /api/notifications/preferences/:channel
func (h *NotificationHandler) GetPreference(c *gin.Context) {
	pref, err := h.preferences.Get(c.Request.Context(), middleware.GetUserID(c), c.Param("channel"))
	if err != nil {
		respondError(c, err, "preference")
		return
	}
	response.Success(c, pref)
}

// DeletePreference removes the caller's preference for a channel
// DELETE /api/notifications/preferences/:channel
func (h *NotificationHandler) DeletePreference(c *gin.Context) {
	if err := h.preferences.Delete(c.Request.Context(), middleware.GetUserID(c), c.Param("channel")); err != nil {
		respondError(c, err, "preference")
		return
	}
	response.Success(c, gin.H{"message": "preference deleted"})
}

// ListQueue returns the caller's queued notifications
// GET /api/notifications/queue?status=&limit=
func (h *NotificationHandler) ListQueue(c *gin.Context) {
	limit, err := parseLimit(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	status := c.Query("status")
	if status != "" && !slices.Contains(models.QueueStatuses, status) {
		response.Error(c, response.NewBadRequest("unknown queue status: "+status).
			WithDetails(gin.H{"allowed": models.QueueStatuses}))
		return
	}

	items, err := h.queue.List(c.Request.Context(), services.ListQueueRequest{
		UserID: middleware.GetUserID(c),
		Status: status,
		Limit:  limit,
	})
	if err != nil {
		respondError(c, err, "queue item")
		return
	}
	response.Success(c, items)
}

// Retry puts a failed or dead-lettered item back in the queue
// POST /api/notifications/queue/:id/retry
func (h *NotificationHandler) Retry(c *gin.Context) {
	id, err := parseID(c, "queue item")
	if err != nil {
		response.Error(c, err)
		return
	}

	item, err := h.queue.Requeue(c.Request.Context(), middleware.GetUserID(c), id)
	if err != nil {
		respondError(c, err, "queue item")
		return
	}
	response.Success(c, item)
}

// History returns delivery attempts
// GET /api/notifications/history?status=&limit=
func (h *NotificationHandler) History(c *gin.Context) {
	limit, err := parseLimit(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	outcome := c.Query("status")
	if outcome != "" && !slices.Contains(models.DeliveryOutcomes, outcome) {
		response.Error(c, response.NewBadRequest("unknown delivery outcome: "+outcome).
			WithDetails(gin.H{"allowed": models.DeliveryOutcomes}))
		return
	}

	rows, err := h.queue.History(c.Request.Context(), services.ListHistoryRequest{
		UserID:  middleware.GetUserID(c),
		Outcome: outcome,
		Limit:   limit,
	})
	if err != nil {
		respondError(c, err, "history")
		return
	}
	response.Success(c, rows)
}

// TestSend queues a test message on a channel. The body is optional.
// POST /api/notifications/test/:channel
func (h *NotificationHandler) TestSend(c *gin.Context) {
	var req testSendRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
	}

	channel := c.Param("channel")
	if models.IsKnownChannel(channel) && !slices.Contains(h.channels, channel) {
		response.BadRequest(c, "channel "+channel+" is not enabled")
		return
	}

	item, err := h.queue.EnqueueTest(c.Request.Context(), middleware.GetUserID(c), channel, req.Recipient)
	if err != nil {
		respondError(c, err, "preference")
		return
	}
	response.Accepted(c, item)
}

// RateLimitStatus returns the caller's current window usage per channel
// GET /api/notifications/rate-limit
func (h *NotificationHandler) RateLimitStatus(c *gin.Context) {
	status, err := h.limiter.Status(c.Request.Context(), middleware.GetUserID(c), h.channels)
	if err != nil {
		respondError(c, err, "rate limit")
		return
	}
	response.Success(c, status)
}
