package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pixelarcade/chat/internal/middleware"
	"github.com/pixelarcade/chat/internal/models"
	"github.com/pixelarcade/chat/internal/moderation"
	"go.uber.org/zap"
)

type ModerationHandler struct {
	moderation *moderation.Service
	logger     *zap.Logger
}

func NewModerationHandler(svc *moderation.Service, logger *zap.Logger) *ModerationHandler {
	return &ModerationHandler{moderation: svc, logger: logger.Named("moderation_handler")}
}

// ApplyAction records a moderator action against a user
func (h *ModerationHandler) ApplyAction(c *gin.Context) {
	var req models.ModerationActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	action, err := models.ParseAction(req.Action)
	if err != nil {
		HandleError(c, h.logger, err)
		return
	}

	actor, _ := middleware.UserID(c)
	entry, err := h.moderation.ApplyAction(c.Request.Context(), moderation.ActionRequest{
		TargetUserID:    req.TargetUserID,
		ActorID:         actor,
		Action:          action,
		Reason:          req.Reason,
		DurationMinutes: req.DurationMinutes,
	})
	if err != nil {
		// The log entry stands even when the state write failed.
		if entry != nil {
			h.logger.Error("Moderation action partially applied",
				zap.String("log_id", entry.ID.String()),
				zap.Error(err))
		}
		HandleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (h *ModerationHandler) GetLogs(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	logs, err := h.moderation.History(c.Request.Context(), id)
	if err != nil {
		HandleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (h *ModerationHandler) GetBanState(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	state, err := h.moderation.BanState(c.Request.Context(), id)
	if err != nil {
		HandleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// GetAutomodRecords lists automod decisions about a user, newest first
func (h *ModerationHandler) GetAutomodRecords(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	records, err := h.moderation.AutomodHistory(c.Request.Context(), id, queryLimit(c))
	if err != nil {
		HandleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, records)
}
