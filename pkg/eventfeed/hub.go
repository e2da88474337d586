package eventfeed

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // operator panel is served from another origin
	},
}

type client struct {
	conn *websocket.Conn
	// gorilla connections allow one concurrent writer.
	writeMu sync.Mutex
}

func (c *client) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Hub fans feed messages out to every connected websocket.
type Hub struct {
	log zerolog.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]*client
	latest  []byte
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		log:     logger.With().Str("component", "eventfeed").Logger(),
		clients: make(map[*websocket.Conn]*client),
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and keeps the subscriber until it disconnects.
// The most recent message is sent right away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade error")
		return
	}

	c := &client{conn: conn}
	h.mu.Lock()
	h.clients[conn] = c
	latest := h.latest
	h.mu.Unlock()
	h.log.Debug().Str("remote", r.RemoteAddr).Msg("feed subscriber connected")

	if latest != nil {
		if err := c.write(latest); err != nil {
			h.remove(conn)
			return
		}
	}

	// Keep connection alive
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(conn)
			return
		}
	}
}

func (h *Hub) Broadcast(m Message) {
	payload := m.ToJsonBytes()
	if payload == nil {
		return
	}

	h.mu.Lock()
	h.latest = payload
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if err := c.write(payload); err != nil {
			h.log.Debug().Err(err).Msg("dropping feed subscriber")
			h.remove(c.conn)
		}
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*websocket.Conn]*client)
	h.mu.Unlock()
	for conn := range clients {
		conn.Close()
	}
}
