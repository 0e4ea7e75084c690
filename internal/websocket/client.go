package websocket

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxControlSize = 1024
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one dashboard connection to the live roster feed
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger
}

// ClientMessage is a control frame sent by a dashboard client. Topic and
// Topics may be combined.
type ClientMessage struct {
	Type   string   `json:"type"`
	Topic  string   `json:"topic,omitempty"`
	Topics []string `json:"topics,omitempty"`
}

func (m *ClientMessage) topics() []string {
	out := make([]string, 0, len(m.Topics)+1)
	if m.Topic != "" {
		out = append(out, m.Topic)
	}
	for _, t := range m.Topics {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// NewClient creates a client for an upgraded connection
func NewClient(hub *Hub, conn *websocket.Conn, logger *slog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:     id,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		logger: logger.With("client_id", id),
	}
}

// readPump handles control frames until the connection drops
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxControlSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if isMalformed(err) {
				c.reply(Message{Type: MessageTypeError, Data: map[string]string{"error": "invalid message format"}})
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		c.handle(&msg)
	}
}

func (c *Client) handle(msg *ClientMessage) {
	switch msg.Type {
	case MessageTypeSubscribe:
		topics := msg.topics()
		if len(topics) == 0 {
			c.reply(Message{Type: MessageTypeError, Data: map[string]string{"error": "topic required for subscribe"}})
			return
		}
		for _, topic := range topics {
			c.hub.Subscribe(c, topic)
			c.reply(Message{Type: "subscribed", Topic: topic})
		}

	case MessageTypeUnsubscribe:
		for _, topic := range msg.topics() {
			c.hub.Unsubscribe(c, topic)
			c.reply(Message{Type: "unsubscribed", Topic: topic})
		}

	case MessageTypePing:
		c.reply(Message{Type: MessageTypePong})

	default:
		c.logger.Debug("ignoring control frame", "type", msg.Type)
	}
}

// writePump writes queued frames and keeps the connection alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply queues a control response. It is dropped when the client is not
// keeping up.
func (c *Client) reply(msg Message) {
	msg.Timestamp = time.Now()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client buffer full, dropping reply", "type", msg.Type)
	}
}

func isMalformed(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

// ServeWs upgrades the request and attaches the client to the hub. A
// comma-separated topics query parameter subscribes the client up front.
func ServeWs(hub *Hub, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(hub, conn, logger)
	hub.Register(client)
	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, topic := range strings.Split(raw, ",") {
			if topic = strings.TrimSpace(topic); topic != "" {
				hub.Subscribe(client, topic)
			}
		}
	}

	go client.writePump()
	go client.readPump()
}
