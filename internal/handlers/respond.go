package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pixelarcade/chat/internal/models"
	"go.uber.org/zap"
)

// ErrorResponse sends a standardized error response and logs at caller if needed
func ErrorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

// HandleError maps domain errors to status codes. Unknown errors are logged
// and reported as 500 without details.
func HandleError(c *gin.Context, logger *zap.Logger, err error) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Message, "field": verr.Field})
	case errors.Is(err, models.ErrNotFound):
		ErrorResponse(c, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrForbidden), errors.Is(err, models.ErrSuspended):
		ErrorResponse(c, http.StatusForbidden, err.Error())
	case errors.Is(err, models.ErrContentRejected):
		ErrorResponse(c, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, models.ErrRateLimited):
		ErrorResponse(c, http.StatusTooManyRequests, "Rate limit exceeded")
	default:
		logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		ErrorResponse(c, http.StatusInternalServerError, "Internal server error")
	}
}

func paramUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name, "field": name})
		return uuid.Nil, false
	}
	return id, true
}

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}
