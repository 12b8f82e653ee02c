package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/revolve/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Subscription filters the events a client receives. Empty filters match
// everything.
type Subscription struct {
	EventTypes []EventType `json:"eventTypes"`
	OwnerIDs   []string    `json:"ownerIds"`
}

func (s Subscription) matches(event *Event) bool {
	if len(s.EventTypes) > 0 && !contains(s.EventTypes, event.Type) {
		return false
	}
	if len(s.OwnerIDs) > 0 && !contains(s.OwnerIDs, event.OwnerID) {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
	// owner, when set, pins OwnerIDs so the client only sees its own events.
	owner string
}

func (c *client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub streams events to WebSocket clients. It is a Sink.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan *Event
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
}

// NewHub creates a new WebSocket hub. Call Run to start it.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop and blocks until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("notification hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("notification hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.totalClients.Add(1)
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("ws client connected", "total", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("ws client disconnected", "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			payload, err := json.Marshal(event)
			if err != nil {
				h.logger.Warn("failed to encode event", "event", event.Type, "error", err)
				continue
			}

			h.mu.RLock()
			var slow []*client
			for c := range h.clients {
				if !c.subscription().matches(event) {
					continue
				}
				select {
				case c.send <- payload:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()

			if len(slow) > 0 {
				h.mu.Lock()
				for _, c := range slow {
					if _, ok := h.clients[c]; ok {
						close(c.send)
						delete(h.clients, c)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// Send queues the event for broadcast without blocking. Events are dropped
// when the hub is saturated.
func (h *Hub) Send(_ context.Context, event *Event) error {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "event", event.Type)
	}
	return nil
}

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
	}
}

// HandleWebSocket upgrades the request and subscribes the connection. The
// initial subscription comes from ownerId and type query parameters; the
// client may replace it by sending a Subscription JSON message.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "")
}

// HandleOwnerWebSocket is HandleWebSocket restricted to one owner's events.
// The owner filter survives subscription updates.
func (h *Hub) HandleOwnerWebSocket(w http.ResponseWriter, r *http.Request, ownerID string) {
	h.serve(w, r, ownerID)
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, owner string) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	sub := Subscription{OwnerIDs: q["ownerId"]}
	for _, t := range q["type"] {
		sub.EventTypes = append(sub.EventTypes, EventType(t))
	}

	if owner != "" {
		sub.OwnerIDs = []string{owner}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, 256),
		sub:   sub,
		owner: owner,
	}
	// Run may have exited between the check above and the upgrade.
	if !h.join(c) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// join hands c to Run. It reports false once Run has exited.
func (h *Hub) join(c *client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// leave hands c back to Run for removal. After Run exits there is nothing
// to do: shutdown already closed every client's send channel.
func (h *Hub) leave(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// readPump reads subscription updates and keeps the read deadline fresh.
func (c *client) readPump() {
	defer func() {
		c.hub.leave(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			if c.owner != "" {
				sub.OwnerIDs = []string{c.owner}
			}
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
