package hub

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/Nike5170/Screener/internal/config"
)

const (
	writeWait      = 10 * time.Second
	pingInterval   = 20 * time.Second
	pongTimeout    = 20 * time.Second
	readWait       = pingInterval + pongTimeout
	maxMessageSize = 1 << 16
	sendBuffer     = 64

	// Command pacing per connection. Event fanout is not limited.
	commandRate  = 20
	commandBurst = 40
)

type clientMessage struct {
	Type     string          `json:"type"`
	Token    string          `json:"token"`
	ClientID string          `json:"client_id"`
	Patch    map[string]any  `json:"patch"`
	Mode     string          `json:"mode"`
	N        int             `json:"n"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
}

// conn is one client connection. The read loop owns all incoming
// state transitions; the write pump is the only goroutine touching
// the socket for writes, so per-connection sends are serialized.
type conn struct {
	id       string
	hub      *Hub
	ws       *websocket.Conn
	send     chan []byte
	done     chan struct{}
	doneOnce sync.Once
	limiter  *rate.Limiter

	// Guarded by hub.mu for cross-goroutine reads during fanout;
	// written only from the read loop via hub.authorize.
	authed bool
	userID string

	// Advisory id from the auth message, read loop only.
	clientID string
}

func newConn(h *Hub, ws *websocket.Conn) *conn {
	return &conn{
		id:      uuid.New().String()[:8],
		hub:     h,
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(commandRate), commandBurst),
	}
}

// close signals the write pump to flush and shut the socket.
func (c *conn) close() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *conn) readPump() {
	defer c.hub.unregister(c)

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(readWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("conn_id", c.id).Msg("hub read error")
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(readWait))

		if d := c.limiter.Reserve().Delay(); d > 0 {
			time.Sleep(d)
		}
		if !c.dispatch(raw) {
			return
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			// Drain queued replies before the close frame.
			for {
				select {
				case msg := <-c.send:
					c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
					c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					c.ws.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

// dispatch handles one frame. Returning false ends the read loop.
func (c *conn) dispatch(raw []byte) bool {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("ping")) {
		c.enqueue([]byte("pong"))
		return true
	}

	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.reply(map[string]any{"type": "error", "error": "bad_json"})
		return true
	}
	t := strings.ToLower(msg.Type)

	if !c.authed {
		switch t {
		case "ping":
			c.reply(map[string]any{"type": "pong"})
			return true
		case "auth":
			return c.handleAuth(msg)
		default:
			c.reply(map[string]any{"type": "error", "error": "unauthorized"})
			return true
		}
	}

	switch t {
	case "auth":
		return c.handleAuth(msg)
	case "get_config":
		c.reply(map[string]any{"type": "config", "data": c.hub.store.UserConfig(c.userID)})
	case "set_config":
		merged, err := c.hub.store.PatchConfig(c.userID, msg.Patch)
		if err != nil {
			log.Error().Err(err).Str("user_id", c.userID).Msg("set_config write failed")
			merged = c.hub.store.UserConfig(c.userID)
		}
		c.reply(map[string]any{"type": "config", "data": merged})
	case "get_allowed_filters":
		c.reply(map[string]any{"type": "allowed_filters", "data": config.AllowedFilters()})
	case "get_top":
		c.handleGetTop(msg)
	case "metrics":
		c.handleMetrics(msg)
	case "ping":
		c.reply(map[string]any{"type": "pong"})
	default:
		c.reply(map[string]any{"type": "error", "error": "unknown_type"})
	}
	return true
}

func (c *conn) handleAuth(msg clientMessage) bool {
	userID, ok := c.hub.store.ResolveToken(msg.Token)
	if !ok {
		log.Warn().Str("conn_id", c.id).Msg("hub auth rejected")
		c.reply(map[string]any{"type": "error", "error": "unauthorized"})
		return false
	}
	if msg.ClientID != "" {
		c.clientID = msg.ClientID
	}
	c.hub.authorize(c, userID)
	c.reply(map[string]any{"type": "ok", "ts": nowUnix(), "user_id": userID})
	log.Info().Str("conn_id", c.id).Str("user_id", userID).Msg("hub client authed")
	return true
}

func (c *conn) handleGetTop(msg clientMessage) {
	mode := msg.Mode
	if mode == "" {
		mode = "volume24h"
	}
	n := msg.N
	if n <= 0 {
		n = 5
	} else if n > 50 {
		n = 50
	}
	served, items := c.hub.top.Top(mode, n)
	if items == nil {
		items = []TopItem{}
	}
	c.reply(map[string]any{"type": "top", "mode": served, "items": items})
}

func (c *conn) handleMetrics(msg clientMessage) {
	if c.hub.sink != nil {
		id := c.clientID
		if id == "" {
			id = c.id
		}
		c.hub.sink(id, msg.Event, msg.Data)
	}
	if c.hub.metrics != nil && msg.Event != "" {
		c.hub.metrics.RecordClientEvent(msg.Event)
	}
	c.reply(map[string]any{"type": "ok"})
}

func (c *conn) reply(payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("hub reply marshal failed")
		return
	}
	c.enqueue(raw)
}

func (c *conn) enqueue(raw []byte) {
	select {
	case c.send <- raw:
	default:
		log.Warn().Str("conn_id", c.id).Msg("hub client send buffer full")
		c.hub.unregister(c)
	}
}
