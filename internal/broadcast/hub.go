package broadcast

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/discord-voice-companion/internal/logging"
	"github.com/gorilla/websocket"
)

const (
	clientQueue  = 32
	writeTimeout = 5 * time.Second
)

// Hub fans events out to websocket observers connected on /ws. Publish
// never waits on a client: a client whose queue is full misses the event.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	closed  bool
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *hubClient) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			// the UI is served from a different origin during development
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*hubClient]struct{}),
	}
}

// Clients returns the number of connected observers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Publish implements Publisher.
func (h *Hub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		logging.Warnw("broadcast: marshal event failed", "type", e.Type, "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			logging.Debugw("broadcast: client queue full, dropping event", "type", e.Type, "remote", c.conn.RemoteAddr().String())
		}
	}
}

// ServeHTTP upgrades the request and registers the observer until it
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("broadcast: websocket upgrade failed", "err", err)
		return
	}
	c := &hubClient{conn: conn, send: make(chan []byte, clientQueue)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	logging.Infow("broadcast: observer connected", "remote", conn.RemoteAddr().String())

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop discards inbound messages; it exists to notice disconnects.
func (h *Hub) readLoop(c *hubClient) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *hubClient) {
	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logging.Debugw("broadcast: write failed", "err", err)
			h.remove(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.close()
		logging.Infow("broadcast: observer disconnected", "remote", c.conn.RemoteAddr().String())
	}
}

// Close disconnects every observer and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*hubClient]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.close()
	}
}
