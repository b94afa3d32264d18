package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/sync/events"
	"github.com/kimhsiao/offlinesync/internal/uuid"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// same-origin browsers and non-browser clients only
		origin := r.Header.Get("Origin")
		return origin == "" || origin == "http://"+r.Host
	},
}

// Envelope wraps every message pushed to WebSocket clients.
type Envelope struct {
	Type      events.Type    `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu            sync.RWMutex
	subscriptions map[events.Type]bool
}

func (c *client) wants(t events.Type) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions) == 0 || c.subscriptions[t]
}

type outbound struct {
	eventType events.Type
	payload   []byte
}

// Hub fans engine events out to WebSocket clients. Slow clients whose
// buffer fills up are disconnected rather than blocking the engine.
type Hub struct {
	register   chan *client
	unregister chan *client
	broadcast  chan outbound
	done       chan struct{}

	mu      sync.RWMutex
	clients map[string]*client
}

// NewHub creates a hub. Run must be started for it to deliver messages.
func NewHub() *Hub {
	return &Hub{
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan outbound, sendBuffer),
		done:       make(chan struct{}),
		clients:    make(map[string]*client),
	}
}

// Run manages client connections and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, c := range h.clients {
				delete(h.clients, id)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			n := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client connected", map[string]interface{}{"client_id": c.id, "total": n})

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client disconnected", map[string]interface{}{"client_id": c.id, "total": n})

		case msg := <-h.broadcast:
			h.mu.Lock()
			for id, c := range h.clients {
				if !c.wants(msg.eventType) {
					continue
				}
				select {
				case c.send <- msg.payload:
				default:
					delete(h.clients, id)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish queues ev for every subscribed client. It never blocks; when the
// queue is full the event is dropped.
func (h *Hub) Publish(ev events.Event) {
	payload, err := json.Marshal(envelopeOf(ev))
	if err != nil {
		logging.Error("Failed to marshal event", err, map[string]interface{}{"event": ev.Type})
		return
	}
	select {
	case h.broadcast <- outbound{eventType: ev.Type, payload: payload}:
	default:
		logging.Warn("WebSocket broadcast queue full, event dropped", map[string]interface{}{"event": ev.Type})
	}
}

func envelopeOf(ev events.Event) Envelope {
	data := map[string]any{}
	if ev.EntityID != "" {
		data["entity_id"] = ev.EntityID
	}
	if ev.Entity != nil {
		data["sync_status"] = ev.Entity.SyncStatus
		data["entity_type"] = ev.Entity.EntityType
	}
	if ev.Conflict != nil {
		data["conflict_type"] = ev.Conflict.ConflictType
		data["resolved"] = ev.Conflict.Resolved
		if ev.Conflict.Strategy != "" {
			data["strategy"] = ev.Conflict.Strategy
		}
	}
	if ev.Progress != nil {
		data["progress"] = ev.Progress
	}
	if ev.Stats != nil {
		data["stats"] = ev.Stats
	}
	if ev.Err != nil {
		data["error"] = ev.Err.Error()
	}
	if ev.Escalated {
		data["escalated"] = true
	}
	return Envelope{Type: ev.Type, Data: data, Timestamp: ev.Time.UnixMilli()}
}

// ServeWS upgrades the request and registers the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &client{
		id:            uuid.New(),
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		hub:           h,
		subscriptions: make(map[events.Type]bool),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// clientMessage is sent by clients to narrow or widen their event filter.
type clientMessage struct {
	Action string        `json:"action"`
	Events []events.Type `json:"events"`
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug("WebSocket read error", map[string]interface{}{"client_id": c.id, "error": err.Error()})
			}
			return
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, t := range msg.Events {
				c.subscriptions[t] = true
			}
			c.mu.Unlock()
			c.reply(map[string]any{"action": "subscribe_ack", "subscribed": msg.Events})
		case "unsubscribe":
			c.mu.Lock()
			for _, t := range msg.Events {
				delete(c.subscriptions, t)
			}
			c.mu.Unlock()
		case "ping":
			c.reply(map[string]any{"action": "pong"})
		}
	}
}

// reply queues a direct answer. It is dropped if the client is saturated.
func (c *client) reply(v map[string]any) {
	v["timestamp"] = time.Now().UnixMilli()
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	// the hub closes send under its lock once the client is removed
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
