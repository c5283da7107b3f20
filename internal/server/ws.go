package server

import (
	"PoolLedger/internal/ingestion"
	"PoolLedger/internal/observability"
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	clientSendBuffer = 64
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = pongWait * 9 / 10
)

// Hub fans persisted events out to websocket subscribers at /v1/ws.
// A client may pass ?types=DepositExecuted,WithdrawalExecuted to filter.
// Slow clients are disconnected instead of blocking the hub.
type Hub struct {
	in       <-chan ingestion.PublishableEvent
	upgrader websocket.Upgrader
	metrics  *observability.Metrics
	logger   zerolog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn  *websocket.Conn
	send  chan ingestion.PublishableEvent
	types map[string]bool // nil: every type
}

func (c *wsClient) wants(eventType string) bool {
	return c.types == nil || c.types[eventType]
}

func NewHub(in <-chan ingestion.PublishableEvent, metrics *observability.Metrics, logger zerolog.Logger) *Hub {
	return &Hub{
		in: in,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		metrics: metrics,
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// Run broadcasts until ctx is done or the input channel closes, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-h.in:
			if !ok {
				return nil
			}
			h.broadcast(evt)
		}
	}
}

func (h *Hub) broadcast(evt ingestion.PublishableEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(evt.EventType) {
			continue
		}
		select {
		case c.send <- evt:
		default:
			h.logger.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("websocket client too slow, disconnecting")
			h.removeLocked(c)
		}
	}
}

// ServeHTTP upgrades the connection and registers the client
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &wsClient{conn: conn, send: make(chan ingestion.PublishableEvent, clientSendBuffer)}
	if types := r.URL.Query().Get("types"); types != "" {
		c.types = make(map[string]bool)
		for _, t := range strings.Split(types, ",") {
			c.types[strings.TrimSpace(t)] = true
		}
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.WebSocketClients.Inc()
	}

	go h.writePump(c)
	go h.readPump(c)
}

// Clients returns the number of connected subscribers
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// readPump discards client frames and detects disconnects
func (h *Hub) readPump(c *wsClient) {
	defer h.remove(c)
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case evt, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(evt); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

// removeLocked closes the send channel once; writePump then closes the conn
func (h *Hub) removeLocked(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	if h.metrics != nil {
		h.metrics.WebSocketClients.Dec()
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.removeLocked(c)
	}
}
