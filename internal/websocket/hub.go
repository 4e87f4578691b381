package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Priya8975/event-webhooks/internal/domain"
	"github.com/Priya8975/event-webhooks/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxInboundSize = 512
	sendBuffer     = 256
)

// TenantHeader names the tenant a dashboard client subscribes for. The
// tenant_id query parameter is accepted for browsers that cannot set headers.
const TenantHeader = "X-Tenant-ID"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type message struct {
	tenantID string
	data     []byte
}

// Hub fans delivery lifecycle events out to connected dashboard clients.
// Clients are grouped by tenant and never see another tenant's events.
type Hub struct {
	mu      sync.RWMutex
	tenants map[string]map[*client]struct{}
	total   int

	broadcast  chan message
	register   chan *client
	unregister chan *client
	done       chan struct{}
	logger     *slog.Logger
}

type client struct {
	hub      *Hub
	conn     *websocket.Conn
	tenantID string
	send     chan []byte
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		tenants:    make(map[string]map[*client]struct{}),
		broadcast:  make(chan message, sendBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run owns the client sets. It returns when ctx is cancelled, after closing
// every client's send channel.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for tenantID, set := range h.tenants {
				for c := range set {
					close(c.send)
				}
				delete(h.tenants, tenantID)
			}
			h.total = 0
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.add(c)

		case c := <-h.unregister:
			h.mu.Lock()
			h.remove(c)
			h.mu.Unlock()
			h.logger.Debug("websocket client disconnected", "tenant_id", c.tenantID)

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	set, ok := h.tenants[c.tenantID]
	if !ok {
		set = make(map[*client]struct{})
		h.tenants[c.tenantID] = set
	}
	set[c] = struct{}{}
	h.total++
	total := h.total
	h.mu.Unlock()

	metrics.WebSocketClients.Set(float64(total))
	h.logger.Debug("websocket client connected", "tenant_id", c.tenantID, "total_clients", total)
}

// remove drops c and closes its send channel. Callers hold h.mu.
func (h *Hub) remove(c *client) {
	set, ok := h.tenants[c.tenantID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.tenants, c.tenantID)
	}
	h.total--
	metrics.WebSocketClients.Set(float64(h.total))
}

func (h *Hub) deliver(msg message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.tenants[msg.tenantID] {
		select {
		case c.send <- msg.data:
		default:
			h.logger.Warn("dropping slow websocket client", "tenant_id", c.tenantID)
			h.remove(c)
		}
	}
}

// Broadcast queues a lifecycle event for the clients of its tenant. It never
// blocks; events are dropped when the hub is saturated.
func (h *Hub) Broadcast(event domain.LifecycleEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- message{tenantID: event.TenantID, data: data}:
	default:
		h.logger.Warn("websocket broadcast channel full, dropping event",
			"tenant_id", event.TenantID,
			"delivery_id", event.DeliveryID,
		)
	}
	return nil
}

// HandleWebSocket upgrades the request and registers the client for its tenant.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(TenantHeader)
	if tenantID == "" {
		tenantID = r.URL.Query().Get("tenant_id")
	}
	if tenantID == "" {
		http.Error(w, "tenant id is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:      h,
		conn:     conn,
		tenantID: tenantID,
		send:     make(chan []byte, sendBuffer),
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

// readPump discards inbound frames; it exists so pongs and close frames
// are processed.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxInboundSize)
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

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// ClientCount returns the number of connected clients across all tenants.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

// TenantClientCount returns the number of clients connected for tenantID.
func (h *Hub) TenantClientCount(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tenants[tenantID])
}
