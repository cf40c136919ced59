// Package dashboard serves the base station's operator surface: a websocket
// hub broadcasting enriched telemetry, an HTTP API over the telemetry
// buffer, the MJPEG video endpoint, and Prometheus metrics.
package dashboard

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	clientSendBuffer = 256
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = 54 * time.Second
)

// Client is one connected dashboard websocket.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
}

// Hub manages connected clients and message broadcasting. Client map access
// is serialized through the register/unregister channels in Run; broadcasts
// take the read lock so several can fan out at once.
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client

	mu     sync.RWMutex
	logger *zap.Logger
}

// NewHub creates a new Hub. Run must be started on its own goroutine.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
	}
}

// NewClient wraps a websocket connection.
func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		ID:   uuid.NewString(),
		Conn: conn,
		Send: make(chan []byte, clientSendBuffer),
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

// Run is the hub's event loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			total := len(h.clients)
			h.mu.Unlock()

			h.logger.Info("dashboard client connected",
				zap.String("client_id", client.ID),
				zap.Int("total_clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.Send)
			}
			total := len(h.clients)
			h.mu.Unlock()

			h.logger.Info("dashboard client disconnected",
				zap.String("client_id", client.ID),
				zap.Int("total_clients", total))
		}
	}
}

// Broadcast sends a message to every connected client. A slow client's full
// buffer drops the message rather than blocking the pipeline.
func (h *Hub) Broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn("dashboard client send buffer full",
				zap.String("client_id", client.ID))
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
