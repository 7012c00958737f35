package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/costsentry/internal/middleware"
	"github.com/huangang/costsentry/internal/services"
	"github.com/huangang/costsentry/pkg/response"
)

type AlertHandler struct {
	evaluator *services.EvaluatorService
}

func NewAlertHandler(evaluator *services.EvaluatorService) *AlertHandler {
	return &AlertHandler{evaluator: evaluator}
}

// List returns the caller's alerts, newest first
// GET /api/alerts
func (h *AlertHandler) List(c *gin.Context) {
	limit, err := parseLimit(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	alerts, err := h.evaluator.ListAlerts(c.Request.Context(), middleware.GetUserID(c), limit)
	if err != nil {
		respondError(c, err, "alert")
		return
	}
	response.Success(c, alerts)
}

// Acknowledge marks an alert as seen
// POST /api/alerts/:id/acknowledge
func (h *AlertHandler) Acknowledge(c *gin.Context) {
	id, err := parseID(c, "alert")
	if err != nil {
		response.Error(c, err)
		return
	}

	alert, err := h.evaluator.Acknowledge(c.Request.Context(), middleware.GetUserID(c), id)
	if err != nil {
		respondError(c, err, "alert")
		return
	}
	response.Success(c, alert)
}

// GetConfig returns the account's alert tiers
// GET /api/accounts/:id/alert-config
func (h *AlertHandler) GetConfig(c *gin.Context) {
	id, err := parseID(c, "account")
	if err != nil {
		response.Error(c, err)
		return
	}

	cfg, err := h.evaluator.GetConfig(c.Request.Context(), middleware.GetUserID(c), id)
	if err != nil {
		respondError(c, err, "account")
		return
	}
	response.Success(c, cfg)
}

// SaveConfig replaces the account's alert tiers
// PUT /api/accounts/:id/alert-config
func (h *AlertHandler) SaveConfig(c *gin.Context) {
	id, err := parseID(c, "account")
	if err != nil {
		response.Error(c, err)
		return
	}

	var req services.AlertConfigInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	cfg, err := h.evaluator.SaveConfig(c.Request.Context(), middleware.GetUserID(c), id, req)
	if err != nil {
		respondError(c, err, "account")
		return
	}
	response.Success(c, cfg)
}
