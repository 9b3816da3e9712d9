package binance

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Nike5170/Screener/internal/telemetry"
)

var errNotConnected = errors.New("session not connected")

// TradeHandler receives one parsed aggregated trade. The symbol is
// lowercased. Handlers must not block: they run on the session's read
// loop.
type TradeHandler func(symbol string, price, qty float64)

// MarkHandler receives one parsed mark-price update, same contract as
// TradeHandler.
type MarkHandler func(symbol string, mark float64)

const (
	maxStreamsPerFrame = 80
	batchPause         = 50 * time.Millisecond
	heartbeatInterval  = 20 * time.Second
	readTimeout        = 60 * time.Second
	handshakeTimeout   = 10 * time.Second
	writeTimeout       = 10 * time.Second
	maxBackoff         = 30 * time.Second
)

// Mux maintains the two upstream market-data sessions and reconciles
// their live subscriptions against the desired symbol set.
type Mux struct {
	trades *session
	marks  *session
}

// NewMux wires both sessions against wsURL (e.g.
// "wss://fstream.binance.com/ws"). Neither handler may be nil.
func NewMux(wsURL string, metrics *telemetry.Metrics, onTrade TradeHandler, onMark MarkHandler) *Mux {
	m := &Mux{}
	m.trades = newSession("aggTrade", wsURL, "@aggTrade", metrics, func(data []byte) {
		var ev AggTradeEvent
		if err := json.Unmarshal(data, &ev); err != nil || ev.Event != eventAggTrade {
			return
		}
		price, perr := strconv.ParseFloat(ev.Price, 64)
		qty, qerr := strconv.ParseFloat(ev.Quantity, 64)
		if perr != nil || qerr != nil {
			log.Warn().Str("symbol", ev.Symbol).Str("p", ev.Price).Str("q", ev.Quantity).Msg("unparseable trade frame")
			return
		}
		metrics.RecordTick("aggTrade")
		onTrade(strings.ToLower(ev.Symbol), price, qty)
	})
	m.marks = newSession("markPrice", wsURL, "@markPrice@1s", metrics, func(data []byte) {
		var ev MarkPriceEvent
		if err := json.Unmarshal(data, &ev); err != nil || ev.Event != eventMarkPrice {
			return
		}
		mark, err := strconv.ParseFloat(ev.MarkPrice, 64)
		if err != nil {
			log.Warn().Str("symbol", ev.Symbol).Str("p", ev.MarkPrice).Msg("unparseable mark frame")
			return
		}
		metrics.RecordTick("markPrice")
		onMark(strings.ToLower(ev.Symbol), mark)
	})
	return m
}

// Start launches both session loops; they run until ctx is cancelled.
func (m *Mux) Start(ctx context.Context) {
	go m.trades.run(ctx)
	go m.marks.run(ctx)
}

// SetSymbols replaces the desired symbol set on both sessions. Diffs
// are applied immediately on live connections and re-applied on every
// reconnect.
func (m *Mux) SetSymbols(symbols []string) {
	m.trades.setDesired(symbols)
	m.marks.setDesired(symbols)
}

// ConfirmedStreams reports the per-session confirmed stream counts.
func (m *Mux) ConfirmedStreams() (trades, marks int) {
	return m.trades.confirmedCount(), m.marks.confirmedCount()
}

type pendingOp struct {
	method  string
	streams []string
}

// session is one upstream connection with its subscription state. The
// run loop owns the connection; setDesired may fire from any goroutine.
type session struct {
	name     string
	url      string
	suffix   string
	dispatch func(data []byte)
	metrics  *telemetry.Metrics

	mu        sync.Mutex
	desired   map[string]struct{}
	confirmed map[string]struct{}
	pending   map[int64]pendingOp
	nextID    int64
	conn      *websocket.Conn

	writeMu sync.Mutex
}

func newSession(name, url, suffix string, metrics *telemetry.Metrics, dispatch func([]byte)) *session {
	return &session{
		name:      name,
		url:       url,
		suffix:    suffix,
		dispatch:  dispatch,
		metrics:   metrics,
		desired:   make(map[string]struct{}),
		confirmed: make(map[string]struct{}),
		pending:   make(map[int64]pendingOp),
	}
}

func (s *session) run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		connected, err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			attempt = 0
		}

		s.metrics.RecordWSReconnect(s.name)
		delay := backoffDelay(attempt)
		attempt++
		log.Warn().Err(err).Str("session", s.name).Dur("retry_in", delay).Msg("stream session down")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// runOnce dials, reconciles subscriptions and pumps frames until the
// connection dies. The returned bool reports whether the handshake
// succeeded, which resets the backoff.
func (s *session) runOnce(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	s.mu.Lock()
	s.conn = conn
	s.confirmed = make(map[string]struct{})
	s.pending = make(map[int64]pendingOp)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	log.Info().Str("session", s.name).Str("url", s.url).Msg("stream connected")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	go s.heartbeat(conn, stop)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	if err := s.reconcile(); err != nil {
		return true, err
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		s.handleFrame(data)
	}
}

func (s *session) heartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				log.Warn().Err(err).Str("session", s.name).Msg("heartbeat failed")
				conn.Close()
				return
			}
		}
	}
}

// setDesired replaces the desired stream set and pushes the diff when a
// connection is live.
func (s *session) setDesired(symbols []string) {
	want := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		want[strings.ToLower(sym)+s.suffix] = struct{}{}
	}

	s.mu.Lock()
	s.desired = want
	connected := s.conn != nil
	s.mu.Unlock()

	if connected {
		if err := s.reconcile(); err != nil {
			log.Warn().Err(err).Str("session", s.name).Msg("subscription reconcile failed")
		}
	}
}

// reconcile sends SUBSCRIBE for desired-but-unconfirmed streams and
// UNSUBSCRIBE for confirmed-but-undesired ones, batched per frame.
func (s *session) reconcile() error {
	s.mu.Lock()
	var sub, unsub []string
	for st := range s.desired {
		if _, ok := s.confirmed[st]; !ok {
			sub = append(sub, st)
		}
	}
	for st := range s.confirmed {
		if _, ok := s.desired[st]; !ok {
			unsub = append(unsub, st)
		}
	}
	s.mu.Unlock()

	if len(sub) > 0 {
		if err := s.sendBatched("SUBSCRIBE", sub); err != nil {
			return err
		}
	}
	if len(unsub) > 0 {
		if err := s.sendBatched("UNSUBSCRIBE", unsub); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) sendBatched(method string, streams []string) error {
	for start := 0; start < len(streams); start += maxStreamsPerFrame {
		end := min(start+maxStreamsPerFrame, len(streams))
		batch := streams[start:end]

		s.mu.Lock()
		s.nextID++
		id := s.nextID
		s.pending[id] = pendingOp{method: method, streams: batch}
		conn := s.conn
		s.mu.Unlock()

		if conn == nil {
			return errNotConnected
		}

		buf, err := json.Marshal(wsRequest{Method: method, Params: batch, ID: id})
		if err != nil {
			return err
		}

		s.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err = conn.WriteMessage(websocket.TextMessage, buf)
		s.writeMu.Unlock()
		if err != nil {
			return err
		}

		log.Debug().Str("session", s.name).Str("method", method).Int("streams", len(batch)).Int64("id", id).Msg("subscription frame sent")

		if end < len(streams) {
			time.Sleep(batchPause)
		}
	}
	return nil
}

// handleFrame routes control acks by request id and hands everything
// else to the event dispatcher.
func (s *session) handleFrame(data []byte) {
	var ack wsAck
	if err := json.Unmarshal(data, &ack); err == nil && ack.ID != 0 {
		s.applyAck(ack.ID, len(ack.Error) > 0)
		return
	}
	s.dispatch(data)
}

// applyAck commits the pending batch on success. Rejected requests only
// drop the pending entry: their streams stay unconfirmed and the next
// reconcile retries them.
func (s *session) applyAck(id int64, rejected bool) {
	s.mu.Lock()
	op, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
		if !rejected {
			for _, st := range op.streams {
				if op.method == "SUBSCRIBE" {
					s.confirmed[st] = struct{}{}
				} else {
					delete(s.confirmed, st)
				}
			}
		}
	}
	s.mu.Unlock()

	if !ok {
		log.Debug().Str("session", s.name).Int64("id", id).Msg("ack for unknown request")
		return
	}
	if rejected {
		log.Warn().Str("session", s.name).Int64("id", id).Str("method", op.method).Int("streams", len(op.streams)).Msg("subscription request rejected")
	}
}

func (s *session) confirmedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.confirmed)
}

// backoffDelay grows 1s, 2s, 4s, ... capped at 30s, with up to 300ms
// of jitter.
func backoffDelay(k int) time.Duration {
	d := maxBackoff
	if k < 5 {
		d = time.Duration(1<<uint(k)) * time.Second
	}
	return d + time.Duration(rand.Float64()*300)*time.Millisecond
}
