// Package broadcast pushes accepted transcripts to WebSocket subscribers.
// Delivery is best effort: a slow or dead subscriber is dropped, never
// allowed to stall the pipeline.
package broadcast

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/dispatchwire/dispatchwire/internal/observe"
)

// Event is the JSON message sent to subscribers for each accepted
// transcript.
type Event struct {
	Type      string    `json:"type"`
	ID        int64     `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Duration  float64   `json:"duration_sec"`
	Text      string    `json:"text"`
	Model     string    `json:"model"`
	Escalated bool      `json:"escalated"`
}

// Hub fans accepted transcripts out to all connected WebSocket clients.
// It is safe for concurrent use.
type Hub struct {
	log          *slog.Logger
	writeTimeout time.Duration
	metrics      *observe.Metrics

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
}

// Option is a functional option for the Hub.
type Option func(*Hub)

// WithMetrics keeps the subscriber gauge in step with the connection set.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Hub) {
		h.metrics = m
	}
}

// NewHub constructs an empty Hub.
func NewHub(log *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		log:          log,
		writeTimeout: 5 * time.Second,
		conns:        make(map[*websocket.Conn]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// HandleWS upgrades the request and keeps the connection registered until
// the client goes away. Client messages are read and discarded so closes
// are noticed promptly.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.Subscribers.Add(r.Context(), 1)
	}
	h.log.Debug("subscriber connected", "remote", r.RemoteAddr)

	defer func() {
		h.remove(conn)
		conn.Close(websocket.StatusNormalClosure, "")
		h.log.Debug("subscriber disconnected", "remote", r.RemoteAddr)
	}()

	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// Publish sends ev to every subscriber. Subscribers that fail or block past
// the write timeout are dropped.
func (h *Hub) Publish(ctx context.Context, ev Event) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		wctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
		err := wsjson.Write(wctx, c, ev)
		cancel()
		if err != nil {
			h.log.Debug("dropping slow subscriber", "error", err)
			h.remove(c)
			c.Close(websocket.StatusPolicyViolation, "write timeout")
		}
	}
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close disconnects all subscribers and rejects future connections.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()

	if h.metrics != nil && len(conns) > 0 {
		h.metrics.Subscribers.Add(context.Background(), -int64(len(conns)))
	}
	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "shutting down")
	}
}

// remove is idempotent: Publish may drop a connection whose handler later
// runs its own deferred removal, and the gauge must move only once.
func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	_, present := h.conns[conn]
	delete(h.conns, conn)
	h.mu.Unlock()
	if present && h.metrics != nil {
		h.metrics.Subscribers.Add(context.Background(), -1)
	}
}
