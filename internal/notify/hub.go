package notify

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"

	"github.com/agrilink/fieldsync/backend/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

// Envelope wraps every message pushed to a client.
type Envelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// client is one WebSocket connection. With no subscriptions it receives
// every event.
type client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub

	// send is written and closed only under sendMu.
	sendMu sync.Mutex
	send   chan []byte
	closed bool

	mu            sync.Mutex
	subscriptions map[string]bool
}

// deliver queues data without blocking. It reports false when the buffer
// is full. Data for a closed client is discarded.
func (c *client) deliver(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// shutdown closes send once, which makes writePump say goodbye.
func (c *client) shutdown() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[eventType]
}

// Hub fans events out to connected WebSocket clients. It implements
// Notifier.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *logging.Logger

	clients    map[string]*client
	broadcast  chan Envelope
	register   chan *client
	unregister chan *client
	done       chan struct{}
	closeOnce  sync.Once

	mu    sync.RWMutex
	count int
}

// NewHub creates a hub and starts its dispatch loop.
func NewHub() *Hub {
	h := &Hub{
		logger:     logging.Get().Named("notify"),
		clients:    make(map[string]*client),
		broadcast:  make(chan Envelope, sendBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}
	go h.run()
	return h
}

// checkOrigin accepts same-host and loopback origins.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return u.Host == r.Host
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c.id] = c
			h.setCount(len(h.clients))
			h.logger.Debug("Client connected", map[string]interface{}{"client_id": c.id, "total": len(h.clients)})

		case c := <-h.unregister:
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				c.shutdown()
			}
			h.setCount(len(h.clients))
			h.logger.Debug("Client disconnected", map[string]interface{}{"client_id": c.id, "total": len(h.clients)})

		case env := <-h.broadcast:
			message, err := json.Marshal(env)
			if err != nil {
				h.logger.Error("Failed to marshal event", err, map[string]interface{}{"type": env.Type})
				continue
			}
			for id, c := range h.clients {
				if !c.wants(env.Type) {
					continue
				}
				if !c.deliver(message) {
					// slow consumer
					c.shutdown()
					delete(h.clients, id)
				}
			}
			h.setCount(len(h.clients))

		case <-h.done:
			for id, c := range h.clients {
				c.shutdown()
				delete(h.clients, id)
			}
			h.setCount(0)
			return
		}
	}
}

func (h *Hub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Broadcast queues an event for every interested client. Events are
// dropped when the hub is closed or its queue is full.
func (h *Hub) Broadcast(eventType string, data map[string]interface{}) {
	env := Envelope{Type: eventType, Data: data, Timestamp: time.Now().Unix()}
	select {
	case <-h.done:
	case h.broadcast <- env:
	default:
		h.logger.Warn("Event queue full, dropping event", map[string]interface{}{"type": eventType})
	}
}

// Toast pushes a notice.
func (h *Hub) Toast(level Level, message string) {
	h.Broadcast(EventToast, map[string]interface{}{
		"level":   string(level),
		"message": message,
	})
}

// OutboxChanged tells clients to reload the outbox of userID.
func (h *Hub) OutboxChanged(userID string) {
	h.Broadcast(EventOutboxChanged, map[string]interface{}{"user_id": userID})
}

// ConnectivityChanged pushes the new connectivity state.
func (h *Hub) ConnectivityChanged(online bool) {
	h.Broadcast(EventConnectivity, map[string]interface{}{"online": online})
}

// SyncCompleted pushes the outcome of a flush.
func (h *Hub) SyncCompleted(replayed, failed int, duration time.Duration) {
	h.Broadcast(EventSyncCompleted, map[string]interface{}{
		"replayed": replayed,
		"failed":   failed,
		"duration": duration.Milliseconds(),
	})
}

// ServeHTTP upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &client{
		id:            ksuid.New().String(),
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		hub:           h,
		subscriptions: make(map[string]bool),
	}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

type clientMessage struct {
	Action string   `json:"action"`
	Events []string `json:"events"`
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("WebSocket read error", map[string]interface{}{"client_id": c.id, "error": err.Error()})
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": msg.Events})
		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()
		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

// reply queues a control answer. A full buffer drops it rather than
// blocking the read loop.
func (c *client) reply(msg map[string]interface{}) {
	msg["timestamp"] = time.Now().Unix()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.deliver(data)
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

var _ Notifier = (*Hub)(nil)
var _ Notifier = (*Recorder)(nil)
