package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pixelarcade/chat/internal/chat"
	"github.com/pixelarcade/chat/internal/middleware"
	"github.com/pixelarcade/chat/internal/models"
	"go.uber.org/zap"
)

type ChatHandler struct {
	chat   *chat.Service
	logger *zap.Logger
}

func NewChatHandler(svc *chat.Service, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{chat: svc, logger: logger.Named("chat_handler")}
}

// GetMessages returns the rendered tail of the global channel
func (h *ChatHandler) GetMessages(c *gin.Context) {
	entries, err := h.chat.Recent(c.Request.Context(), queryLimit(c))
	if err != nil {
		HandleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

// SendMessage posts to the global channel. Moderation runs after the
// response is sent.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req models.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": "content"})
		return
	}

	uid, _ := middleware.UserID(c)
	msg, err := h.chat.SendGlobal(c.Request.Context(), uid, req)
	if err != nil {
		HandleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *ChatHandler) DeleteMessage(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	actor, _ := middleware.Profile(c)
	msg, err := h.chat.Delete(c.Request.Context(), actor, id)
	if err != nil {
		HandleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// SendDirect sends a direct message to :user_id
func (h *ChatHandler) SendDirect(c *gin.Context) {
	recipient, ok := paramUUID(c, "user_id")
	if !ok {
		return
	}

	var req models.SendDirectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": "content"})
		return
	}

	uid, _ := middleware.UserID(c)
	dm, err := h.chat.SendDirect(c.Request.Context(), uid, recipient, req.Content)
	if err != nil {
		HandleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, dm)
}

// GetDirect lists the conversation with :user_id
func (h *ChatHandler) GetDirect(c *gin.Context) {
	other, ok := paramUUID(c, "user_id")
	if !ok {
		return
	}

	uid, _ := middleware.UserID(c)
	msgs, err := h.chat.Conversation(c.Request.Context(), uid, other, queryLimit(c))
	if err != nil {
		HandleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}
