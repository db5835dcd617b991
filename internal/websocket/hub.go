// Package websocket provides WebSocket connection management and message
// delivery for the sync engine's realtime surface.
package websocket

import (
	"log"
	"sync"
)

// userMessage targets all connections belonging to one user.
type userMessage struct {
	userID string
	data   []byte
}

// Hub maintains the set of active WebSocket clients and routes messages to
// them. Connections are keyed by user so notifications reach only the user
// they belong to.
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Messages for every connected client
	broadcast chan []byte

	// Messages for one user's clients
	direct chan userMessage

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	mu sync.RWMutex
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		direct:     make(chan userMessage, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run starts the hub's main event loop.
// This should be called in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Printf("WebSocket client connected for user %s (total: %d)", client.userID, h.ClientCount())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			log.Printf("WebSocket client disconnected (total: %d)", h.ClientCount())

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				h.deliver(client, message)
			}
			h.mu.Unlock()

		case message := <-h.direct:
			h.mu.Lock()
			for client := range h.clients {
				if client.userID == message.userID {
					h.deliver(client, message.data)
				}
			}
			h.mu.Unlock()
		}
	}
}

// deliver writes to one client's send buffer, dropping the connection when
// the buffer is full. Caller holds the write lock.
func (h *Hub) deliver(client *Client, message []byte) {
	select {
	case client.send <- message:
	default:
		close(client.send)
		delete(h.clients, client)
	}
}

// Broadcast sends a message to all connected clients.
func (h *Hub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	default:
		log.Println("Broadcast channel full, dropping message")
	}
}

// Send delivers a message to all of one user's connections.
func (h *Hub) Send(userID string, message []byte) {
	select {
	case h.direct <- userMessage{userID: userID, data: message}:
	default:
		log.Println("Direct channel full, dropping message")
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

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Client represents a WebSocket client connection bound to one user.
type Client struct {
	hub    *Hub
	userID string
	send   chan []byte
}

// NewClient creates a new WebSocket client for a user.
func NewClient(hub *Hub, userID string) *Client {
	return &Client{
		hub:    hub,
		userID: userID,
		send:   make(chan []byte, 256),
	}
}

// Send returns the send channel for the client.
func (c *Client) Send() chan []byte {
	return c.send
}

// UserID returns the user the connection belongs to.
func (c *Client) UserID() string {
	return c.userID
}
