package websocket

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pixelarcade/chat/internal/delivery"
	"github.com/pixelarcade/chat/internal/feed"
	"github.com/pixelarcade/chat/internal/middleware"
	"go.uber.org/zap"
)

// Handler upgrades authenticated requests and gives each connection its own
// delivery session.
type Handler struct {
	hub        *Hub
	chat       ChatService
	source     delivery.Source
	profiles   delivery.Profiles
	subscriber feed.Subscriber
	cfg        delivery.Config
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

func NewHandler(
	hub *Hub,
	chat ChatService,
	source delivery.Source,
	profiles delivery.Profiles,
	subscriber feed.Subscriber,
	cfg delivery.Config,
	allowedOrigins []string,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		hub:        hub,
		chat:       chat,
		source:     source,
		profiles:   profiles,
		subscriber: subscriber,
		cfg:        cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger.Named("websocket"),
	}
}

// HandleWebSocket runs behind AuthMiddleware, which accepts the token query
// parameter browsers have to use for upgrades.
func (h *Handler) HandleWebSocket(c *gin.Context) {
	profile, ok := middleware.Profile(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(h.hub, conn, profile, h.chat, h.logger)
	if !h.hub.Register(client) {
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	session := delivery.NewSession(
		h.source,
		h.subscriber,
		delivery.NewMetadataCache(h.profiles, h.source),
		h.cfg,
		client.PushUpdate,
		h.logger,
	)
	client.Attach(session)

	go client.WritePump()

	if err := session.Start(ctx); err != nil {
		h.logger.Error("Failed to start chat session",
			zap.String("user_id", profile.ID.String()),
			zap.Error(err))
		client.sendError("Chat is unavailable", "internal")
		cancel()
		h.hub.Unregister(client)
		return
	}

	go client.ReadPump(ctx, cancel)
}

// GetOnlineUsers returns the users with at least one open connection
func (h *Handler) GetOnlineUsers(c *gin.Context) {
	onlineUsers := h.hub.GetOnlineUsers()
	c.JSON(http.StatusOK, gin.H{
		"online_users": onlineUsers,
		"count":        len(onlineUsers),
	})
}

// originChecker allows every origin when none are configured.
func originChecker(allowedOrigins []string) func(r *http.Request) bool {
	if len(allowedOrigins) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return false
		}
		for _, pattern := range allowedOrigins {
			if matchOrigin(pattern, origin) {
				return true
			}
		}
		return false
	}
}

// matchOrigin supports exact matches or wildcard patterns like *.example.com
func matchOrigin(pattern, origin string) bool {
	if pattern == "*" || pattern == origin {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		originHost := origin
		if u, err := url.Parse(origin); err == nil {
			originHost = u.Hostname()
		}
		patHost := strings.TrimPrefix(pattern, "*.")
		if originHost == patHost || strings.HasSuffix(originHost, "."+patHost) {
			return true
		}
	}
	return false
}
