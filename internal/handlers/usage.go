package handlers

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huangang/costsentry/internal/middleware"
	"github.com/huangang/costsentry/internal/services"
	"github.com/huangang/costsentry/pkg/logger"
	"github.com/huangang/costsentry/pkg/response"
)

const maxIngestBatch = 1000

type UsageHandler struct {
	ledger *services.LedgerService
}

func NewUsageHandler(ledger *services.LedgerService) *UsageHandler {
	return &UsageHandler{ledger: ledger}
}

type ingestRequest struct {
	Items []services.IngestRequest `json:"items"`
}

// Ingest writes a batch of synced readings
// POST /api/usage/ingest
func (h *UsageHandler) Ingest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if len(req.Items) == 0 {
		response.BadRequest(c, "items must not be empty")
		return
	}
	if len(req.Items) > maxIngestBatch {
		response.BadRequest(c, fmt.Sprintf("at most %d items per batch", maxIngestBatch))
		return
	}

	result, err := h.ledger.IngestBatch(c.Request.Context(), req.Items)
	if err != nil {
		respondError(c, err, "usage")
		return
	}
	logger.Info().
		Str("source", middleware.GetUsername(c)).
		Int("created", result.Created).
		Int("merged", result.Merged).
		Int("rejected", result.Rejected).
		Msg("[API] usage batch ingested")
	response.Success(c, result)
}

// CreateManual records a user-entered reading
// POST /api/usage/manual
func (h *UsageHandler) CreateManual(c *gin.Context) {
	var req services.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	rec, wasNew, err := h.ledger.CreateManual(c.Request.Context(), middleware.GetUserID(c), req)
	if err != nil {
		respondError(c, err, "account")
		return
	}
	if wasNew {
		response.Created(c, rec)
		return
	}
	response.Success(c, rec)
}

// DeleteManual removes a manual reading
// DELETE /api/usage/:id
func (h *UsageHandler) DeleteManual(c *gin.Context) {
	id, err := parseID(c, "usage record")
	if err != nil {
		response.Error(c, err)
		return
	}

	if err := h.ledger.DeleteManual(c.Request.Context(), middleware.GetUserID(c), id); err != nil {
		respondError(c, err, "usage record")
		return
	}
	response.Success(c, gin.H{"message": "usage record deleted"})
}

// List returns the caller's usage records
// GET /api/usage?account_id=&from=&to=&limit=
func (h *UsageHandler) List(c *gin.Context) {
	limit, err := parseLimit(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	req := services.ListUsageRequest{UserID: middleware.GetUserID(c), Limit: limit}
	if raw := c.Query("account_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			response.BadRequest(c, "invalid account_id")
			return
		}
		req.AccountID = uint(id)
	}
	if req.From, err = parseTimeQuery(c, "from"); err != nil {
		response.Error(c, err)
		return
	}
	if req.To, err = parseTimeQuery(c, "to"); err != nil {
		response.Error(c, err)
		return
	}

	records, err := h.ledger.List(c.Request.Context(), req)
	if err != nil {
		respondError(c, err, "usage")
		return
	}
	response.Success(c, records)
}

func parseTimeQuery(c *gin.Context, name string) (time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, response.NewBadRequest(name + " must be RFC3339 or YYYY-MM-DD")
	}
	return t, nil
}
