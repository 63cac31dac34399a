package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pixelarcade/chat/internal/middleware"
	"github.com/pixelarcade/chat/internal/models"
	"github.com/pixelarcade/chat/internal/oracle"
	"go.uber.org/zap"
)

// Invoker is the automod gate's function-style entry point.
type Invoker interface {
	Invoke(ctx context.Context, req oracle.Request) models.Verdict
}

type automodRequest struct {
	Content   string `json:"content"`
	UserID    string `json:"userId"`
	Type      string `json:"type"`
	MessageID string `json:"messageId,omitempty"`
}

type AutomodHandler struct {
	gate   Invoker
	logger *zap.Logger
}

func NewAutomodHandler(gate Invoker, logger *zap.Logger) *AutomodHandler {
	return &AutomodHandler{gate: gate, logger: logger.Named("automod_handler")}
}

// Moderate classifies one message. It always answers 200: a request the
// gate cannot act on yields a fail-open verdict carrying the failure reason.
// Callers speak for themselves; only moderators may name another userId.
func (h *AutomodHandler) Moderate(c *gin.Context) {
	var body automodRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.failOpen(c, "invalid request")
		return
	}

	profile, ok := middleware.Profile(c)
	if !ok {
		h.failOpen(c, "invalid userId")
		return
	}

	req := oracle.Request{
		Content: body.Content,
		UserID:  profile.ID,
		Type:    models.MessageContext(body.Type),
	}
	switch req.Type {
	case models.ContextGlobal, models.ContextDirect:
	default:
		h.failOpen(c, "invalid type")
		return
	}
	if body.MessageID != "" {
		id, err := uuid.Parse(body.MessageID)
		if err != nil {
			h.failOpen(c, "invalid messageId")
			return
		}
		req.MessageID = &id
		if profile.Role.CanModerate() {
			// the gate takes the author from the stored row
			req.UserID = uuid.Nil
		}
	}

	if body.UserID != "" {
		userID, err := uuid.Parse(body.UserID)
		if err != nil || (userID != profile.ID && !profile.Role.CanModerate()) {
			h.failOpen(c, "invalid userId")
			return
		}
		req.UserID = userID
	}

	c.JSON(http.StatusOK, h.gate.Invoke(c.Request.Context(), req))
}

func (h *AutomodHandler) failOpen(c *gin.Context, reason string) {
	h.logger.Warn("Automod request rejected, failing open", zap.String("reason", reason))
	c.JSON(http.StatusOK, models.FailOpen(reason))
}
