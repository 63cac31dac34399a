package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pixelarcade/chat/internal/delivery"
	"github.com/pixelarcade/chat/internal/models"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 10240 // 10KB

	// Inbound frame budget per connection, on top of the per-user send limit
	framesPerSecond = 20
)

// ChatService is the set of send paths a connection can drive.
type ChatService interface {
	SendGlobal(ctx context.Context, authorID uuid.UUID, req models.SendMessageRequest) (*models.Message, error)
	SendDirect(ctx context.Context, senderID, recipientID uuid.UUID, content string) (*models.DirectMessage, error)
	Delete(ctx context.Context, actor *models.Profile, messageID uuid.UUID) (*models.Message, error)
}

type inboundFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Client is one websocket connection. Global chat reaches it through its
// delivery session; direct frames arrive through the hub.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	userID  uuid.UUID
	profile *models.Profile
	chat    ChatService
	session *delivery.Session
	frames  *rate.Limiter
	logger  *zap.Logger
}

func NewClient(hub *Hub, conn *websocket.Conn, profile *models.Profile, chat ChatService, logger *zap.Logger) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, 256),
		userID:  profile.ID,
		profile: profile,
		chat:    chat,
		frames:  rate.NewLimiter(rate.Limit(framesPerSecond), framesPerSecond),
		logger:  logger.With(zap.String("user_id", profile.ID.String())),
	}
}

// Attach binds the delivery session whose updates this client forwards.
func (c *Client) Attach(session *delivery.Session) {
	c.session = session
	session.OnStateChange(c.pushState)
}

// PushUpdate forwards a session update as a chat.snapshot or chat.upsert frame.
func (c *Client) PushUpdate(u delivery.Update) {
	event := models.EventChatUpsert
	if u.Snapshot {
		event = models.EventChatSnapshot
	}
	c.enqueue(models.WSMessage{Event: event, Payload: u})
}

func (c *Client) pushState(s delivery.State) {
	c.enqueue(models.WSMessage{Event: models.EventChatState, Payload: map[string]string{"state": s.String()}})
}

// ReadPump pumps frames from the connection until it fails, then tears the
// client down.
func (c *Client) ReadPump(ctx context.Context, cancel context.CancelFunc) {
	defer func() {
		if c.session != nil {
			c.session.Close()
		}
		cancel()
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read failed", zap.Error(err))
			}
			return
		}

		if !c.frames.Allow() {
			c.sendError("Too many frames", "rate_limited")
			continue
		}

		c.handleMessage(ctx, message)
	}
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current WebSocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(ctx context.Context, data []byte) {
	var frame inboundFrame
	if err := sonic.Unmarshal(data, &frame); err != nil {
		c.sendError("Invalid message format", "invalid_frame")
		return
	}

	switch frame.Event {
	case models.EventMessageSend:
		var req models.WSMessageSendPayload
		if err := sonic.Unmarshal(frame.Payload, &req); err != nil {
			c.sendError("Invalid message payload", "invalid_frame")
			return
		}
		msg, err := c.chat.SendGlobal(ctx, c.userID, models.SendMessageRequest{Content: req.Content, ReplyToID: req.ReplyToID})
		if err != nil {
			c.sendFailure(err)
			return
		}
		c.enqueue(models.WSMessage{Event: models.EventMessageSent, Payload: msg})

	case models.EventDirectSend:
		var req models.WSDirectSendPayload
		if err := sonic.Unmarshal(frame.Payload, &req); err != nil {
			c.sendError("Invalid direct message payload", "invalid_frame")
			return
		}
		if _, err := c.chat.SendDirect(ctx, c.userID, req.RecipientID, req.Content); err != nil {
			c.sendFailure(err)
		}

	case models.EventMessageDelete:
		var req models.WSMessageDeletePayload
		if err := sonic.Unmarshal(frame.Payload, &req); err != nil {
			c.sendError("Invalid delete payload", "invalid_frame")
			return
		}
		if _, err := c.chat.Delete(ctx, c.profile, req.MessageID); err != nil {
			c.sendFailure(err)
		}

	default:
		c.sendError("Unknown event type", "unknown_event")
	}
}

// sendFailure reports a failed send path to the sender only.
func (c *Client) sendFailure(err error) {
	code := ErrorCode(err)
	if code == "internal" {
		c.logger.Error("Chat operation failed", zap.Error(err))
		c.sendError("Something went wrong", code)
		return
	}
	c.sendError(err.Error(), code)
}

// ErrorCode classifies err for the error frame.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, models.ErrValidation):
		return "validation"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrForbidden):
		return "forbidden"
	case errors.Is(err, models.ErrSuspended):
		return "suspended"
	case errors.Is(err, models.ErrContentRejected):
		return "rejected"
	case errors.Is(err, models.ErrRateLimited):
		return "rate_limited"
	default:
		return "internal"
	}
}

// sendError sends an error message to the client
func (c *Client) sendError(message, code string) {
	c.enqueue(models.WSMessage{
		Event:   models.EventError,
		Payload: models.WSErrorPayload{Message: message, Code: code},
	})
}

func (c *Client) enqueue(frame models.WSMessage) {
	data, err := sonic.Marshal(frame)
	if err != nil {
		c.logger.Error("Failed to encode frame", zap.String("event", frame.Event), zap.Error(err))
		return
	}
	c.hub.mu.RLock()
	if !c.hub.registered(c) {
		c.hub.mu.RUnlock()
		return
	}
	var full bool
	select {
	case c.send <- data:
	default:
		full = true
	}
	c.hub.mu.RUnlock()

	if full {
		c.logger.Warn("Disconnecting slow client", zap.String("event", frame.Event))
		c.hub.Unregister(c)
	}
}
