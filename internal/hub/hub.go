// Package hub is the client-facing push server. Subscribers connect
// over WebSocket, authenticate with a token, and receive impulse and
// listing events; a small JSON command set serves per-user filter
// configuration and top lists.
package hub

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Nike5170/Screener/internal/telemetry"
)

// UserStore is the slice of the user store the hub needs.
type UserStore interface {
	ResolveToken(token string) (string, bool)
	UserConfig(userID string) map[string]float64
	PatchConfig(userID string, patch map[string]any) (map[string]float64, error)
}

// TopItem is one get_top row.
type TopItem struct {
	Symbol string  `json:"symbol"`
	Value  float64 `json:"value"`
}

// TopProvider answers get_top. The returned mode echoes the mode that
// was actually served, so fallbacks are visible to the client.
type TopProvider interface {
	Top(mode string, n int) (string, []TopItem)
}

// MetricsSink receives client-side telemetry from the metrics command.
type MetricsSink func(clientID, event string, data json.RawMessage)

// Hub owns the listener and the connection registry. The registry lock
// covers add/remove and the snapshot taken for fanout; actual sends
// happen outside it.
type Hub struct {
	store   UserStore
	top     TopProvider
	sink    MetricsSink
	metrics *telemetry.Metrics

	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener

	mu    sync.RWMutex
	conns map[*conn]struct{}
}

func New(store UserStore, top TopProvider, sink MetricsSink, metrics *telemetry.Metrics) *Hub {
	return &Hub{
		store:   store,
		top:     top,
		sink:    sink,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}
}

// Start binds addr and serves until Shutdown. Any request path
// upgrades; the hub speaks only WebSocket.
func (h *Hub) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("hub listen %s: %w", addr, err)
	}
	h.listener = ln
	h.server = &http.Server{Handler: http.HandlerFunc(h.handleWS)}

	go func() {
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("hub server stopped")
		}
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("push hub listening")
	return nil
}

// Addr returns the bound address, usable after Start.
func (h *Hub) Addr() string {
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Shutdown stops accepting and closes every connection.
func (h *Hub) Shutdown() {
	if h.server != nil {
		h.server.Close()
	}
	h.mu.Lock()
	for c := range h.conns {
		c.ws.Close()
	}
	h.mu.Unlock()
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("hub upgrade failed")
		return
	}
	c := newConn(h, ws)
	h.register(c)
	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.HubClients.Set(float64(n))
	}
	log.Debug().Str("conn_id", c.id).Int("clients", n).Msg("hub client connected")
}

// unregister removes c from the registry and signals its write pump
// to flush queued replies and close the socket. Safe to call from any
// goroutine, any number of times.
func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	_, present := h.conns[c]
	delete(h.conns, c)
	n := len(h.conns)
	h.mu.Unlock()

	if !present {
		return
	}
	c.close()
	if h.metrics != nil {
		h.metrics.HubClients.Set(float64(n))
	}
	log.Debug().Str("conn_id", c.id).Int("clients", n).Msg("hub client disconnected")
}

// authorize flips c to authed under the registry lock so fanout
// snapshots observe a consistent state.
func (h *Hub) authorize(c *conn, userID string) {
	h.mu.Lock()
	c.authed = true
	c.userID = userID
	h.mu.Unlock()
}

// Broadcast serializes payload once and fans it out to every authed
// connection. Connections that cannot keep up are reaped.
func (h *Hub) Broadcast(payload map[string]any) {
	h.fanout(payload, func(*conn) bool { return true })
}

// SendToUser fans payload out to the authed connections of one user.
func (h *Hub) SendToUser(userID string, payload map[string]any) {
	h.fanout(payload, func(c *conn) bool { return c.userID == userID })
}

func (h *Hub) fanout(payload map[string]any, match func(*conn) bool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("hub payload marshal failed")
		return
	}
	kind, _ := payload["type"].(string)
	if kind == "" {
		kind = "event"
	}

	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		if c.authed && match(c) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	var dead []*conn
	for _, c := range targets {
		select {
		case c.send <- raw:
			if h.metrics != nil {
				h.metrics.RecordHubSent(kind)
			}
		default:
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		log.Warn().Str("conn_id", c.id).Msg("hub client too slow, dropping")
		h.unregister(c)
		c.ws.Close()
	}
}

// ClientCount reports registered connections, authed or not.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func nowUnix() float64 { return float64(time.Now().UnixNano()) / 1e9 }
