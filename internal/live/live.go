// Package live pushes flow updates to dashboard WebSocket clients. The
// hub fans one broadcast out to every connected client and never blocks
// the pipeline: a full hub channel drops the message and a client that
// stops reading is evicted.
package live

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowscribe/flowscribe/internal/flow"
)

const (
	MessageTypeFlow = "flow"
	MessageTypePing = "ping"

	defaultPingInterval    = 30 * time.Second
	defaultSendBuffer      = 256
	defaultBroadcastBuffer = 256

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	clientPingWait = 54 * time.Second
	maxReadBytes   = 512
)

// Message is one WebSocket frame payload. Data carries a flow record
// snapshot for flow messages and is empty for pings.
type Message struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

func isLocalOrigin(origin string) bool {
	return strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1")
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || isLocalOrigin(origin)
	},
}

type Config struct {
	// PingInterval spaces the JSON keepalive messages the hub sends so
	// idle dashboards can tell the feed is alive.
	PingInterval time.Duration
	// SendBuffer is the per-client outbound queue. A client that falls
	// this far behind is evicted.
	SendBuffer      int
	BroadcastBuffer int
	Logger          *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.BroadcastBuffer <= 0 {
		c.BroadcastBuffer = defaultBroadcastBuffer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Diagnostics is a point-in-time snapshot of hub health.
type Diagnostics struct {
	Clients             int   `json:"clients"`
	BroadcastTotal      int64 `json:"broadcast_total"`
	DroppedTotal        int64 `json:"dropped_total"`
	EvictedClientsTotal int64 `json:"evicted_clients_total"`
}

// Hub owns the client set and the broadcast loop. Start it with Run;
// broadcasts before Run or after shutdown are counted as dropped.
type Hub struct {
	cfg    Config
	logger *slog.Logger

	clients    map[*Client]bool
	broadcast  chan *Message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex

	broadcastTotal atomic.Int64
	droppedTotal   atomic.Int64
	evictedTotal   atomic.Int64
}

// Client is one WebSocket connection. Clients are read-only consumers:
// inbound frames are drained solely to service pong and close handling.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func NewHub(cfg Config) *Hub {
	cfg = cfg.withDefaults()
	return &Hub{
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "live"),
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Message, cfg.BroadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run drives registration and fan-out until ctx is canceled, then
// closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	pingTicker := time.NewTicker(h.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("live client connected", "clients", count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("live client disconnected", "clients", count)

		case message := <-h.broadcast:
			h.deliver(message)

		case <-pingTicker.C:
			h.deliver(&Message{Type: MessageTypePing, Timestamp: time.Now().UTC()})
		}
	}
}

func (h *Hub) deliver(message *Message) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("marshal live message", "error", err)
		return
	}

	// Find the laggards under the read lock, evict under the write lock.
	h.mu.RLock()
	var evict []*Client
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			evict = append(evict, client)
		}
	}
	h.mu.RUnlock()

	if len(evict) == 0 {
		return
	}
	h.mu.Lock()
	for _, client := range evict {
		// Membership can change between the locks; never close twice.
		if _, ok := h.clients[client]; ok {
			delete(h.clients, client)
			close(client.send)
			h.evictedTotal.Add(1)
		}
	}
	h.mu.Unlock()
	h.logger.Warn("evicted slow live clients", "count", len(evict))
}

// Broadcast queues a message for fan-out without blocking the caller.
func (h *Hub) Broadcast(msg *Message) {
	select {
	case h.broadcast <- msg:
		h.broadcastTotal.Add(1)
	default:
		h.droppedTotal.Add(1)
		h.logger.Warn("live broadcast queue full, dropping message")
	}
}

// BroadcastRecord publishes a flow snapshot to every client.
func (h *Hub) BroadcastRecord(rec *flow.Record) {
	if rec == nil {
		return
	}
	h.Broadcast(&Message{
		Type:      MessageTypeFlow,
		Timestamp: time.Now().UTC(),
		Data:      rec,
	})
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Diagnostics() Diagnostics {
	return Diagnostics{
		Clients:             h.ClientCount(),
		BroadcastTotal:      h.broadcastTotal.Load(),
		DroppedTotal:        h.droppedTotal.Load(),
		EvictedClientsTotal: h.evictedTotal.Load(),
	}
}

// Handler upgrades dashboard connections. An empty token disables
// authentication for local deployments; otherwise the client presents
// it as a bearer header or a token query parameter, compared in
// constant time. WebSocket clients in browsers cannot set headers,
// hence the query fallback.
func (h *Hub) Handler(token string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && !isLocalOrigin(origin) {
			h.logger.Warn("rejected live client origin", "origin", origin)
			http.Error(w, "forbidden origin", http.StatusForbidden)
			return
		}

		if token != "" && !authorized(r, token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error("upgrade live connection", "error", err)
			return
		}

		client := &Client{
			hub:  h,
			conn: conn,
			send: make(chan []byte, h.cfg.SendBuffer),
		}

		select {
		case h.register <- client:
		case <-h.done:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

func authorized(r *http.Request, token string) bool {
	auth := r.Header.Get("Authorization")
	if subtle.ConstantTimeCompare([]byte(auth), []byte("Bearer "+token)) == 1 {
		return true
	}
	query := r.URL.Query().Get("token")
	return subtle.ConstantTimeCompare([]byte(query), []byte(token)) == 1
}

// writePump moves hub messages onto the wire and keeps the protocol
// level ping going. It owns the connection close.
func (c *Client) writePump() {
	ticker := time.NewTicker(clientPingWait)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Flush whatever else is already queued into the same frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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

// readPump drains inbound frames so pong handling works and detects the
// peer going away. Client payloads are ignored; the feed is one way.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxReadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("live client read error", "error", err)
			}
			return
		}
	}
}
