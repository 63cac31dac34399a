package websocket

import (
	"context"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/pixelarcade/chat/internal/cache"
	"go.uber.org/zap"
)

// DirectRelay fans direct frames out across instances.
type DirectRelay interface {
	PublishDirect(ctx context.Context, userID uuid.UUID, data []byte) error
	SubscribeDirect(ctx context.Context, handle func(cache.DirectEnvelope)) error
}

// Hub tracks connected clients by user. A user may hold several connections.
type Hub struct {
	// Registered clients
	clients map[uuid.UUID]map[*Client]struct{}

	// Optional cross-instance relay for direct frames
	relay DirectRelay

	logger *zap.Logger

	// Set once Run has returned
	stopped bool

	mu sync.RWMutex
}

func NewHub(relay DirectRelay, logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[uuid.UUID]map[*Client]struct{}),
		relay:   relay,
		logger:  logger.Named("hub"),
	}
}

// Run follows the direct relay until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	if h.relay != nil {
		go h.subscribeToRelay(ctx)
	}

	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	for uid, set := range h.clients {
		for client := range set {
			close(client.send)
		}
		delete(h.clients, uid)
	}
}

// Register adds client. It reports false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	set, ok := h.clients[client.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[client.userID] = set
	}
	set[client] = struct{}{}
	h.logger.Debug("Client registered", zap.String("user_id", client.userID.String()))
	return true
}

// Unregister removes client and closes its send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[client.userID]
	if !ok {
		return
	}
	if _, ok := set[client]; !ok {
		return
	}
	delete(set, client)
	close(client.send)
	if len(set) == 0 {
		delete(h.clients, client.userID)
	}
	h.logger.Debug("Client unregistered", zap.String("user_id", client.userID.String()))
}

func (h *Hub) subscribeToRelay(ctx context.Context) {
	err := h.relay.SubscribeDirect(ctx, func(env cache.DirectEnvelope) {
		h.deliver(env.UserID, env.Data)
	})
	if err != nil {
		h.logger.Error("Direct relay subscription ended", zap.Error(err))
	}
}

// SendToUser sends a frame to every connection of userID, on any instance
// when a relay is configured.
func (h *Hub) SendToUser(userID uuid.UUID, message any) error {
	data, err := sonic.Marshal(message)
	if err != nil {
		return err
	}

	if h.relay != nil {
		return h.relay.PublishDirect(context.Background(), userID, data)
	}
	h.deliver(userID, data)
	return nil
}

// deliver queues data on every connection of userID. A connection whose
// queue is full is dropped; its client reconnects and resyncs.
func (h *Hub) deliver(userID uuid.UUID, data []byte) {
	var slow []*Client

	h.mu.RLock()
	for client := range h.clients[userID] {
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.logger.Warn("Disconnecting slow client", zap.String("user_id", userID.String()))
		h.Unregister(client)
	}
}

// registered reports whether client still owns an open send channel.
// Callers hold h.mu.
func (h *Hub) registered(client *Client) bool {
	_, ok := h.clients[client.userID][client]
	return ok
}

// GetOnlineUsers returns the list of online user IDs
func (h *Hub) GetOnlineUsers() []uuid.UUID {
	h.mu.RLock()
	defer h.mu.RUnlock()

	userIDs := make([]uuid.UUID, 0, len(h.clients))
	for userID := range h.clients {
		userIDs = append(userIDs, userID)
	}

	return userIDs
}

// IsUserOnline checks if a user is online
func (h *Hub) IsUserOnline(userID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := h.clients[userID]
	return ok
}
