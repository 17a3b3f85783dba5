package sinks

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/policygate/policygate/internal/common/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

// StreamHub pushes ledger events to connected websocket clients. A client
// that cannot keep up loses events rather than slowing anyone else down.
type StreamHub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*streamClient
}

type streamClient struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	types   []string
	traceID string
	done    chan struct{}
}

// NewStreamHub creates a hub. With no allowed origins any origin may
// connect; the admin key still applies.
func NewStreamHub(logger *zap.Logger, allowedOrigins ...string) *StreamHub {
	h := &StreamHub{
		logger:  logger.With(zap.String("component", "audit_stream")),
		clients: make(map[string]*streamClient),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return len(allowedOrigins) == 0 || origin == "" || slices.Contains(allowedOrigins, origin)
		},
	}
	return h
}

// Name implements Sink
func (h *StreamHub) Name() string { return "websocket" }

// Handle implements Sink by broadcasting to every matching client
func (h *StreamHub) Handle(_ context.Context, e events.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		if !c.wants(e) {
			continue
		}
		select {
		case c.send <- e.Payload:
		default:
			h.logger.Warn("Client send buffer full, dropping event", zap.String("client_id", c.id))
		}
	}
	return nil
}

// Clients returns the number of connected clients
func (h *StreamHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and streams entries until the client leaves.
// Query parameters: type (comma separated event types), traceId.
func (h *StreamHub) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade to WebSocket", zap.Error(err))
		return
	}

	client := &streamClient{
		id:      uuid.New().String(),
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		traceID: c.Query("traceId"),
		done:    make(chan struct{}),
	}
	if types := c.Query("type"); types != "" {
		for _, t := range strings.Split(types, ",") {
			if t = strings.TrimSpace(t); t != "" {
				client.types = append(client.types, t)
			}
		}
	}

	h.mu.Lock()
	h.clients[client.id] = client
	h.mu.Unlock()

	h.logger.Info("WebSocket client connected",
		zap.String("client_id", client.id),
		zap.String("remote_addr", c.Request.RemoteAddr))

	go h.writePump(client)
	h.readPump(client)
}

// Close disconnects every client
func (h *StreamHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		_ = c.conn.Close()
		delete(h.clients, id)
	}
}

func (c *streamClient) wants(e events.Event) bool {
	if len(c.types) > 0 && !slices.Contains(c.types, e.Type) {
		return false
	}
	return c.traceID == "" || c.traceID == e.TraceID
}

// readPump only exists to process control frames and notice disconnects
func (h *StreamHub) readPump(c *streamClient) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, c.id)
		h.mu.Unlock()
		close(c.done)
		_ = c.conn.Close()
		h.logger.Info("WebSocket client disconnected", zap.String("client_id", c.id))
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket read error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
	}
}

func (h *StreamHub) writePump(c *streamClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("WebSocket write error", zap.String("client_id", c.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
