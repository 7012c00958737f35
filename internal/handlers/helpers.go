package handlers

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/huangang/costsentry/internal/services"
	"github.com/huangang/costsentry/pkg/logger"
	"github.com/huangang/costsentry/pkg/response"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// parseLimit reads the optional limit query parameter.
func parseLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxLimit {
		return 0, response.NewBadRequest(fmt.Sprintf("limit must be an integer between 1 and %d", maxLimit)).
			WithDetails(gin.H{"limit": raw})
	}
	return n, nil
}

func parseID(c *gin.Context, what string) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		return 0, response.NewBadRequest("invalid " + what + " id")
	}
	return uint(id), nil
}

// respondError maps service errors onto the API error format. Validation
// failures keep their reason verbatim so callers can see which rule failed.
func respondError(c *gin.Context, err error, what string) {
	var ve *services.ValidationError
	switch {
	case errors.As(err, &ve):
		response.Error(c, response.NewBadRequest(ve.Error()).WithDetails(ve))
	case errors.Is(err, services.ErrNotFound):
		response.Error(c, response.NewNotFound(what+" not found"))
	case errors.Is(err, services.ErrInvalidStatus):
		response.Error(c, response.NewConflict(err.Error()))
	default:
		var appErr *response.AppError
		if errors.As(err, &appErr) {
			response.Error(c, appErr)
			return
		}
		logger.Error().Err(err).Str("path", c.FullPath()).Msg("[API] request failed")
		response.ServerError(c, "internal server error")
	}
}
