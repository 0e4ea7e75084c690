package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/clan-roster/internal/metrics"
)

// Message types
const (
	MessageTypeEvent       = "event"
	MessageTypeSubscribe   = "subscribe"
	MessageTypeUnsubscribe = "unsubscribe"
	MessageTypePing        = "ping"
	MessageTypePong        = "pong"
	MessageTypeError       = "error"
)

// Message is the envelope of every frame sent to dashboard clients
type Message struct {
	Type      string    `json:"type"`
	Topic     string    `json:"topic,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub fans roster events out to connected clients. A client without
// subscriptions receives every topic.
type Hub struct {
	// All connected clients with their topic subscriptions
	clients map[*Client]map[string]bool

	broadcast chan *Message

	mu      sync.RWMutex
	metrics *metrics.Metrics
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a new Hub
func NewHub(m *metrics.Metrics, logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:   make(map[*Client]map[string]bool),
		broadcast: make(chan *Message, 256),
		metrics:   m,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Run delivers published messages until Stop is called
func (h *Hub) Run() {
	h.logger.Info("websocket hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("websocket hub stopping")
			h.closeAll()
			return
		case message := <-h.broadcast:
			h.deliver(message)
		}
	}
}

// Stop stops the hub and disconnects every client
func (h *Hub) Stop() {
	h.cancel()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
		h.metrics.ClientConnected(-1)
	}
}

func (h *Hub) deliver(message *Message) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal message", "topic", message.Topic, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client, topics := range h.clients {
		if len(topics) > 0 && !topics[message.Topic] {
			continue
		}
		select {
		case client.send <- data:
		default:
			h.logger.Warn("client buffer full, skipping", "client_id", client.id)
		}
	}
}

// Publish queues an event for every client interested in topic
func (h *Hub) Publish(topic string, event any) {
	message := &Message{
		Type:      MessageTypeEvent,
		Topic:     topic,
		Data:      event,
		Timestamp: time.Now(),
	}

	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("broadcast channel full, dropping message", "topic", topic)
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client] = make(map[string]bool)
	h.mu.Unlock()
	h.metrics.ClientConnected(1)
	h.logger.Debug("client registered", "client_id", client.id)
}

// Unregister removes a client and closes its send channel
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
	if ok {
		h.metrics.ClientConnected(-1)
		h.logger.Debug("client unregistered", "client_id", client.id)
	}
}

// Subscribe limits a client to topic, in addition to its other topics
func (h *Hub) Subscribe(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if topics, ok := h.clients[client]; ok {
		topics[topic] = true
	}
}

// Unsubscribe removes topic from a client's subscriptions
func (h *Hub) Unsubscribe(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if topics, ok := h.clients[client]; ok {
		delete(topics, topic)
	}
}

// SubscriberCount returns how many clients receive topic
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, topics := range h.clients {
		if len(topics) == 0 || topics[topic] {
			n++
		}
	}
	return n
}

// TotalConnections returns the number of connected clients
func (h *Hub) TotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
