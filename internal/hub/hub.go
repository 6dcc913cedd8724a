// Package hub fans published reload events out to connected clients
// (SSE, WebSocket and gRPC streams).
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/obby/reload-hub/internal/events"
	"github.com/rs/zerolog/log"
)

// AllTopics subscribes a client to every public event.
const AllTopics = "*"

const (
	broadcastBuffer = 256
	clientBuffer    = 256
)

// ErrHubStopped is returned when registering with a hub whose loop has exited.
var ErrHubStopped = errors.New("hub: stopped")

// Message is a single event as delivered to clients
type Message struct {
	Event string          `json:"event"`
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client represents a connected client
type Client struct {
	ID   string
	Send chan Message

	// Internal clients also receive `_`-prefixed events.
	Internal bool

	mu     sync.RWMutex
	topics map[string]bool
	all    bool
	// all came from creating the client without topics; the first
	// explicit Subscribe narrows it
	implicitAll bool
}

// Hub manages client connections and broadcasting. All client map changes
// happen on the Run goroutine.
type Hub struct {
	clients    map[string]*Client
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

// New creates a new hub. Call Run to start delivering.
func New() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan Message, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// NewClient creates a client subscribed to topics. No topics, or AllTopics, means every event.
func (h *Hub) NewClient(topics ...string) *Client {
	c := &Client{
		ID:     uuid.New().String(),
		Send:   make(chan Message, clientBuffer),
		topics: make(map[string]bool),
	}
	for _, topic := range topics {
		c.Subscribe(topic)
	}
	if !c.all && len(c.topics) == 0 {
		c.all = true
		c.implicitAll = true
	}
	return c
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) error {
	select {
	case h.register <- client:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

// Unregister removes a client and closes its Send channel
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Publish implements events.Publisher. It never blocks: when the broadcast
// queue is full the event is dropped with a warning.
func (h *Hub) Publish(event events.Event) {
	msg := Message{Event: string(event.Name), Topic: string(event.Name)}
	if event.Payload != nil {
		data, err := json.Marshal(event.Payload)
		if err != nil {
			log.Warn().Err(err).Str("event", msg.Event).Msg("failed to encode event payload")
			return
		}
		msg.Data = data
	}

	select {
	case h.broadcast <- msg:
	default:
		log.Warn().Str("event", msg.Event).Msg("event dropped: broadcast queue full")
	}
}

// Run runs the hub's main loop until ctx is cancelled
func (h *Hub) Run(ctx context.Context) {
	log.Debug().Msg("hub started")
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			total := len(h.clients)
			h.mu.Unlock()
			log.Debug().Str("client_id", client.ID).Int("total", total).Msg("client registered")

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.deliver(msg)

		case <-ctx.Done():
			h.shutdown()
			return
		}
	}
}

func (h *Hub) deliver(msg Message) {
	internal := events.IsInternal(events.Name(msg.Event))

	var slow []*Client
	h.mu.RLock()
	for _, client := range h.clients {
		if internal && !client.Internal {
			continue
		}
		if !client.IsSubscribed(msg.Topic) {
			continue
		}
		select {
		case client.Send <- msg:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	// Client buffer full, disconnect slow client
	for _, client := range slow {
		log.Warn().Str("client_id", client.ID).Msg("client buffer full, disconnecting")
		h.removeClient(client)
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.clients[client.ID]; !exists {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
	log.Debug().Str("client_id", client.ID).Msg("client unregistered")
}

// IsSubscribed checks if client is subscribed to a topic
func (c *Client) IsSubscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.all || c.topics[topic]
}

// Subscribe subscribes client to a topic. AllTopics subscribes to every event.
func (c *Client) Subscribe(topic string) {
	if topic == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if topic == AllTopics {
		c.all = true
		c.implicitAll = false
		return
	}
	if c.implicitAll {
		c.all = false
		c.implicitAll = false
	}
	c.topics[topic] = true
}

// Unsubscribe unsubscribes client from a topic. It never widens the
// subscription: dropping the last topic leaves the client receiving nothing.
func (c *Client) Unsubscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if topic == AllTopics {
		c.all = false
		c.implicitAll = false
		return
	}
	delete(c.topics, topic)
}

// ClientCount returns the number of active clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// shutdown closes every client and stops accepting registrations
func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	close(h.done)
	for _, client := range h.clients {
		close(client.Send)
	}
	h.clients = make(map[string]*Client)
	log.Debug().Msg("hub stopped")
}
