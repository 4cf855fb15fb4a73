// Package streaming bridges the event bus to WebSocket clients so UIs can
// follow sandbox, pool, build and session lifecycles in real time.
package streaming

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/opencode/sandbox/internal/common/logger"
	"github.com/opencode/sandbox/internal/events/bus"
)

// Client represents a WebSocket client connection
type Client struct {
	ID       string
	conn     *websocket.Conn
	patterns map[string]bool // Subject patterns this client follows
	send     chan []byte
	hub      *Hub
	mu       sync.RWMutex
	logger   *logger.Logger
}

// NewClient creates a new WebSocket client
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:       id,
		conn:     conn,
		patterns: make(map[string]bool),
		send:     make(chan []byte, 256),
		hub:      hub,
		logger:   log.WithFields(zap.String("client_id", id)),
	}
}

// Hub fans bus events out to WebSocket clients. Each distinct subject
// pattern holds a single bus subscription shared by every client on it;
// the subscription is dropped when the last client detaches.
type Hub struct {
	eventBus bus.EventBus

	// Registered clients
	clients map[*Client]bool

	// One bus subscription per subject pattern
	patternSubs map[string]*patternSub

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	mu     sync.RWMutex
	logger *logger.Logger
}

type patternSub struct {
	sub     bus.Subscription
	clients map[*Client]bool
}

// BroadcastMessage carries one bus event toward the clients of a pattern
type BroadcastMessage struct {
	Pattern string
	Event   *bus.Event
}

// Envelope is the frame written to clients: which subscription matched and
// the event that fired it.
type Envelope struct {
	Pattern string     `json:"pattern"`
	Event   *bus.Event `json:"event"`
}

// NewHub creates a WebSocket hub on top of the event bus
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		eventBus:    eventBus,
		clients:     make(map[*Client]bool),
		patternSubs: make(map[string]*patternSub),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *BroadcastMessage, 256),
		logger:      log.WithFields(zap.String("component", "streaming_hub")),
	}
}

// Run starts the hub processing loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Streaming hub started")
	defer h.logger.Info("Streaming hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			for pattern, ps := range h.patternSubs {
				_ = ps.sub.Unsubscribe()
				delete(h.patternSubs, pattern)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.detachLocked(client)
			}
			h.mu.Unlock()
			h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))

		case msg := <-h.broadcast:
			h.mu.RLock()
			var clients []*Client
			if ps, ok := h.patternSubs[msg.Pattern]; ok {
				clients = make([]*Client, 0, len(ps.clients))
				for client := range ps.clients {
					clients = append(clients, client)
				}
			}
			h.mu.RUnlock()

			if len(clients) == 0 {
				continue
			}

			data, err := json.Marshal(&Envelope{Pattern: msg.Pattern, Event: msg.Event})
			if err != nil {
				h.logger.Error("Failed to marshal event", zap.Error(err))
				continue
			}

			for _, client := range clients {
				select {
				case client.send <- data:
				default:
					// Client send buffer is full, close connection
					h.mu.Lock()
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
						h.detachLocked(client)
					}
					h.mu.Unlock()
				}
			}
		}
	}
}

// detachLocked removes the client from every pattern it joined and drops bus
// subscriptions left without listeners. Caller holds h.mu.
func (h *Hub) detachLocked(client *Client) {
	client.mu.RLock()
	patterns := make([]string, 0, len(client.patterns))
	for pattern := range client.patterns {
		patterns = append(patterns, pattern)
	}
	client.mu.RUnlock()

	for _, pattern := range patterns {
		h.dropFromPatternLocked(client, pattern)
	}
}

func (h *Hub) dropFromPatternLocked(client *Client, pattern string) {
	ps, ok := h.patternSubs[pattern]
	if !ok {
		return
	}
	delete(ps.clients, client)
	if len(ps.clients) == 0 {
		_ = ps.sub.Unsubscribe()
		delete(h.patternSubs, pattern)
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// SubscribeClient attaches a client to a subject pattern, creating the
// shared bus subscription on first use.
func (h *Hub) SubscribeClient(client *Client, pattern string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	ps, ok := h.patternSubs[pattern]
	if !ok {
		sub, err := h.eventBus.Subscribe(pattern, h.forward(pattern))
		if err != nil {
			return err
		}
		ps = &patternSub{sub: sub, clients: make(map[*Client]bool)}
		h.patternSubs[pattern] = ps
	}
	ps.clients[client] = true

	h.logger.Debug("Client subscribed to pattern",
		zap.String("client_id", client.ID),
		zap.String("pattern", pattern))
	return nil
}

// UnsubscribeClient detaches a client from a subject pattern
func (h *Hub) UnsubscribeClient(client *Client, pattern string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.dropFromPatternLocked(client, pattern)
	h.logger.Debug("Client unsubscribed from pattern",
		zap.String("client_id", client.ID),
		zap.String("pattern", pattern))
}

// forward returns the bus handler feeding one pattern's events into the hub
// loop. Events are dropped rather than blocking the bus when the hub cannot
// keep up.
func (h *Hub) forward(pattern string) bus.EventHandler {
	return func(ctx context.Context, event *bus.Event) error {
		select {
		case h.broadcast <- &BroadcastMessage{Pattern: pattern, Event: event}:
		default:
			h.logger.Warn("Broadcast queue full, dropping event",
				zap.String("pattern", pattern),
				zap.String("event_type", event.Type))
		}
		return nil
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetPatternSubscriberCount returns how many clients follow a pattern
func (h *Hub) GetPatternSubscriberCount(pattern string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if ps, ok := h.patternSubs[pattern]; ok {
		return len(ps.clients)
	}
	return 0
}
