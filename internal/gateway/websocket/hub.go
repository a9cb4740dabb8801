// Package websocket provides the unified WebSocket gateway: one `/ws`
// endpoint serving browsers and executors, with channel rooms
// (`sessions:{id}`, `messages:{id}`, `tasks:{id}`, `boards:{id}`) for
// scoped fanout.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/agor/agor/internal/common/logger"
	ws "github.com/agor/agor/pkg/websocket"
)

// Hub manages all WebSocket client connections and their room memberships.
type Hub struct {
	// All registered clients
	clients map[*Client]bool

	// Clients subscribed to specific channels (rooms)
	rooms map[string]map[*Client]bool

	// Channels for client management
	register   chan *Client
	unregister chan *Client

	// Channel for broadcasting notifications to every client
	broadcast chan *ws.Message

	// Message dispatcher
	dispatcher *ws.Dispatcher

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *ws.Message, 256),
		dispatcher: dispatcher,
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.broadcastMessage(msg)
		}
	}
}

// closeAllClients closes all client connections.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.rooms = make(map[string]map[*Client]bool)
}

// removeClient removes a client from the hub and all its rooms.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeClientLocked(client)
}

func (h *Hub) removeClientLocked(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	for channel := range client.subscriptions {
		if members, ok := h.rooms[channel]; ok {
			delete(members, client)
			if len(members) == 0 {
				delete(h.rooms, channel)
			}
		}
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// broadcastMessage sends a message to every connected client.
func (h *Hub) broadcastMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Slow consumer: drop the connection rather than block or
			// let it fall behind the stream.
			h.logger.Warn("Dropping slow client", zap.String("client_id", client.ID))
			h.removeClientLocked(client)
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast sends a notification to all connected clients.
func (h *Hub) Broadcast(msg *ws.Message) {
	h.broadcast <- msg
}

// BroadcastToChannel sends a notification to clients subscribed to a
// channel. Delivery per client is FIFO; a client whose buffer is full is
// dropped so producers never block.
func (h *Hub) BroadcastToChannel(channel string, msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.rooms[channel] {
		select {
		case client.send <- data:
		default:
			h.logger.Warn("Dropping slow client",
				zap.String("client_id", client.ID),
				zap.String("channel", channel))
			h.removeClientLocked(client)
		}
	}
}

// Subscribe adds a client to a channel room.
func (h *Hub) Subscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.rooms[channel]; !ok {
		h.rooms[channel] = make(map[*Client]bool)
	}
	h.rooms[channel][client] = true
	client.subscriptions[channel] = true

	h.logger.Debug("Client subscribed",
		zap.String("client_id", client.ID),
		zap.String("channel", channel))
}

// Unsubscribe removes a client from a channel room.
func (h *Hub) Unsubscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, channel)
	if members, ok := h.rooms[channel]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, channel)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dispatcher returns the message dispatcher shared by all clients.
func (h *Hub) Dispatcher() *ws.Dispatcher {
	return h.dispatcher
}
