// Package realtime streams trade lifecycle events to connected WebSocket
// clients, typically the chat frontend, so it does not have to poll.
//
// A client receives every event until it sends a Filter as a JSON text
// message. An empty filter restores the full stream.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/escrowbot/internal/metrics"
	"github.com/mbd888/escrowbot/internal/webhooks"
)

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 1000

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

// normalCloseCodes are close codes of an expected disconnect.
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
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// Filter narrows what a client receives. Empty fields match everything.
type Filter struct {
	EventTypes []webhooks.EventType `json:"eventTypes"`
	UserIDs    []int64              `json:"userIds"` // events concerning any of these users
}

func (f Filter) matches(event *webhooks.Event) bool {
	if len(f.EventTypes) > 0 {
		ok := false
		for _, t := range f.EventTypes {
			if t == event.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.UserIDs) > 0 {
		for _, want := range f.UserIDs {
			for _, id := range event.Recipients {
				if id == want {
					return true
				}
			}
		}
		return false
	}
	return true
}

// Client is one WebSocket connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.RWMutex
	filter Filter
}

func (c *Client) wants(event *webhooks.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter.matches(event)
}

// Hub fans events out to clients.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *webhooks.Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	running    atomic.Bool
	done       chan struct{} // closed when Run exits
	maxClients int

	totalEvents   atomic.Int64
	droppedEvents atomic.Int64
	totalClients  atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *webhooks.Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Running reports whether Run is active.
func (h *Hub) Running() bool {
	return h.running.Load()
}

// Run serves registrations and broadcasts until ctx is done. Call once.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer func() {
		h.running.Store(false)
		close(h.done)
	}()
	h.logger.Info("event stream started")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends a close frame
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveStreamClients.Set(0)
			h.logger.Info("event stream stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.totalClients.Add(1)
			metrics.ActiveStreamClients.Set(float64(n))
			h.logger.Debug("stream client connected", "clients", n)

		case client := <-h.unregister:
			h.drop(client)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			payload, err := json.Marshal(event)
			if err != nil {
				h.logger.Warn("failed to encode stream event", "event", event.Type, "error", err)
				continue
			}
			var slow []*Client
			h.mu.RLock()
			for client := range h.clients {
				if !client.wants(event) {
					continue
				}
				select {
				case client.send <- payload:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			for _, client := range slow {
				h.logger.Warn("dropping slow stream client")
				h.drop(client)
			}
		}
	}
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveStreamClients.Set(float64(n))
}

// Broadcast queues an event for every matching client. It never blocks; a
// full queue drops the event.
func (h *Hub) Broadcast(event *webhooks.Event) {
	select {
	case h.broadcast <- event:
	default:
		h.droppedEvents.Add(1)
		h.logger.Warn("event stream queue full, dropping event", "event", event.Type, "eventId", event.ID)
	}
}

// Stats returns hub counters.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return map[string]interface{}{
		"connectedClients": n,
		"totalEvents":      h.totalEvents.Load(),
		"droppedEvents":    h.droppedEvents.Load(),
		"totalClients":     h.totalClients.Load(),
	}
}

// RegisterAdminRoutes mounts the stream and its stats.
func (h *Hub) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/events/stream", func(c *gin.Context) {
		h.HandleWebSocket(c.Writer, c.Request)
	})
	r.GET("/admin/events/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, h.Stats())
	})
}

// HandleWebSocket upgrades the request and attaches the connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.Running() {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump applies filter updates and detects disconnects.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var f Filter
		if err := json.Unmarshal(message, &f); err != nil {
			c.hub.logger.Debug("ignoring malformed stream filter", "error", err)
			continue
		}
		c.mu.Lock()
		c.filter = f
		c.mu.Unlock()
	}
}

func (c *Client) writePump() {
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
				c.hub.logger.Debug("websocket write error", "error", err)
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
