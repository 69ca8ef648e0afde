package events

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gobby/internal/logging"
)

// Hub broadcasts bus events to websocket clients. Each client narrows its
// stream with a subscribe frame: {"type":"subscribe","events":[...]}.
// Events for a given session arrive in the order they were produced.
type Hub struct {
	bus      *Bus
	logger   logging.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]bool
	unsub   func()
}

type client struct {
	conn   *websocket.Conn
	send   chan Event
	filter map[string]bool // empty = all
	mu     sync.Mutex
}

type subscribeFrame struct {
	Type   string   `json:"type"`
	Events []string `json:"events"`
}

const clientBuffer = 128

// NewHub wires a hub to the bus.
func NewHub(bus *Bus, logger logging.Logger) *Hub {
	h := &Hub{
		bus:    bus,
		logger: logging.OrNop(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true }, // local daemon
		},
		clients: make(map[*client]bool),
	}
	h.unsub = bus.Subscribe(nil, h.broadcast)
	return h
}

// HandleWS upgrades the request and serves the client until disconnect.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed: %v", err)
		return
	}
	c := &client{
		conn:   conn,
		send:   make(chan Event, clientBuffer),
		filter: map[string]bool{},
	}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) readLoop(c *client) {
	defer h.drop(c)
	for {
		var frame subscribeFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Type != "subscribe" {
			continue
		}
		c.mu.Lock()
		c.filter = make(map[string]bool, len(frame.Events))
		for _, ev := range frame.Events {
			c.filter[ev] = true
		}
		c.mu.Unlock()
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(ev); err != nil {
				h.drop(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(c)
				return
			}
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	_ = c.conn.Close()
}

func (h *Hub) broadcast(ev Event) {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.mu.Lock()
		wanted := len(c.filter) == 0 || c.filter[ev.Type]
		c.mu.Unlock()
		if !wanted {
			continue
		}
		select {
		case c.send <- ev:
		default:
			h.logger.Warn("websocket client backlog full, dropping %s", ev.Type)
		}
	}
}

// Close detaches the hub from the bus and disconnects all clients.
func (h *Hub) Close() {
	if h.unsub != nil {
		h.unsub()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		_ = c.conn.Close()
	}
}
