package engine

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Nike5170/Screener/internal/config"
	"github.com/Nike5170/Screener/internal/hub"
	"github.com/Nike5170/Screener/internal/impulse"
	"github.com/Nike5170/Screener/internal/universe"
	"github.com/Nike5170/Screener/internal/users"
)

func newTestEngine(t *testing.T, mutate func(*config.Config)) *Engine {
	t.Helper()
	cfg := config.Defaults()
	cfg.Users.Path = filepath.Join(t.TempDir(), "users.json")
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func dialWS(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func wsRead(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func wsAuth(t *testing.T, ws *websocket.Conn, token string) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(map[string]any{"type": "auth", "token": token}))
	reply := wsRead(t, ws)
	require.Equal(t, "ok", reply["type"])
}

func TestTopProvider(t *testing.T) {
	e := newTestEngine(t, nil)

	mode, items := e.Top("volume24h", 5)
	require.Equal(t, "volume24h", mode)
	require.Empty(t, items)

	e.snapshot.Store(&universe.Snapshot{
		Volumes:   map[string]int64{"btcusdt": 900, "ethusdt": 500, "xrpusdt": 700},
		Trades24h: map[string]int64{"btcusdt": 10, "ethusdt": 30, "xrpusdt": 20},
		FetchedAt: time.Now(),
	})

	mode, items = e.Top("volume24h", 2)
	require.Equal(t, "volume24h", mode)
	require.Equal(t, []hub.TopItem{
		{Symbol: "BTCUSDT", Value: 900},
		{Symbol: "XRPUSDT", Value: 700},
	}, items)

	mode, items = e.Top("trades24h", 10)
	require.Equal(t, "trades24h", mode)
	require.Len(t, items, 3)
	require.Equal(t, "ETHUSDT", items[0].Symbol)

	mode, items = e.Top("bogus", 1)
	require.Equal(t, "volume24h", mode)
	require.Equal(t, []hub.TopItem{{Symbol: "BTCUSDT", Value: 900}}, items)

	e.stats.RecordImpulse("solusdt", 1, 100, 1)
	e.stats.RecordImpulse("solusdt", 2, 100, 1)
	e.stats.RecordImpulse("dogeusdt", 3, 100, -1)

	mode, items = e.Top("impulses", 10)
	require.Equal(t, "impulses", mode)
	require.Len(t, items, 2)
	require.Equal(t, hub.TopItem{Symbol: "SOLUSDT", Value: 2}, items[0])
}

func TestPassesFilters(t *testing.T) {
	measured := map[string]float64{
		"volume_threshold":  50_000_000,
		"min_trades_24h":    20_000,
		"orderbook_min_bid": 50_000,
		"orderbook_min_ask": 50_000,
		"impulse_trades":    150,
	}

	require.True(t, passesFilters(measured, config.DefaultFilters()))

	raised := config.MergeFilters(map[string]float64{"volume_threshold": 100_000_000})
	require.False(t, passesFilters(measured, raised))

	exact := config.MergeFilters(map[string]float64{"volume_threshold": 50_000_000})
	require.True(t, passesFilters(measured, exact))

	require.True(t, passesFilters(measured, nil))
}

func TestCloseBarsFoldsFinalizedGap(t *testing.T) {
	e := newTestEngine(t, nil)
	sym := "abcusdt"

	e.store.AddTick(sym, 59.90, 100, 1)
	e.store.AddTick(sym, 59.92, 102, 1)
	finalized := e.store.AddTick(sym, 60.07, 101, 1)
	require.Equal(t, []int64{1198, 1199, 1200}, finalized)

	e.closeBars(sym, finalized)

	atr, ok := e.atr.ATR(sym)
	require.True(t, ok)
	require.InDelta(t, 2.0, atr, 1e-9)
}

func TestOnTradeDropsWhenQueueFull(t *testing.T) {
	e := newTestEngine(t, func(c *config.Config) { c.Engine.DetectorQueue = 1 })

	e.onTrade("xyzusdt", 100, 1)
	require.Empty(t, e.jobs)

	time.Sleep(120 * time.Millisecond)
	e.onTrade("xyzusdt", 100.5, 1)
	require.Len(t, e.jobs, 1)

	time.Sleep(120 * time.Millisecond)
	e.onTrade("xyzusdt", 101, 1)
	require.Len(t, e.jobs, 1)
}

func TestDeliverFanout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.json")

	us, err := users.NewFileStore(path)
	require.NoError(t, err)
	_, err = us.CreateUser("alice", "", "alice-token", false)
	require.NoError(t, err)
	_, err = us.CreateUser("bob", "", "bob-token", false)
	require.NoError(t, err)
	_, err = us.PatchConfig("bob", map[string]any{"volume_threshold": float64(100_000_000)})
	require.NoError(t, err)

	e := newTestEngine(t, func(c *config.Config) { c.Users.Path = path })
	require.NoError(t, e.hub.Start("127.0.0.1:0"))
	t.Cleanup(e.hub.Shutdown)

	alice := dialWS(t, e.hub.Addr())
	wsAuth(t, alice, "alice-token")
	bob := dialWS(t, e.hub.Addr())
	wsAuth(t, bob, "bob-token")

	e.snapshot.Store(&universe.Snapshot{
		Volumes:    map[string]int64{"btcusdt": 50_000_000},
		Thresholds: map[string]float64{"btcusdt": 1.0},
		Trades24h:  map[string]int64{"btcusdt": 20_000},
		Orderbook:  map[string]universe.BookDepth{"btcusdt": {Bid: 50_000, Ask: 50_000}},
		FetchedAt:  time.Now(),
	})

	e.deliver(&impulse.Event{
		Symbol:             "btcusdt",
		RefPrice:           100,
		TriggerPrice:       105,
		MaxDeltaPrice:      105,
		ChangePctFromStart: 5,
		ChangePctMaxDelta:  5,
		ATRFromStart:       10,
		ATRMaxDelta:        10,
		ImpulseTrades:      150,
		ImpulseVolumeQuote: 12345,
		Reason:             []string{"atr", "threshold", "trades"},
		RefTime:            10,
		ATRValue:           0.5,
		Ts:                 12.5,
	})

	frame := wsRead(t, alice)
	require.Equal(t, "impulse", frame["type"])
	require.Equal(t, "BINANCE-FUT", frame["exchange"])
	require.Equal(t, "FUTURES", frame["market"])
	require.Equal(t, "BTCUSDT", frame["symbol"])
	require.Equal(t, float64(50_000_000), frame["volume_threshold"])
	require.Equal(t, float64(20_000), frame["min_trades_24h"])
	require.Equal(t, float64(50_000), frame["orderbook_min_bid"])
	require.Equal(t, float64(50_000), frame["orderbook_min_ask"])
	require.Equal(t, float64(150), frame["impulse_trades"])
	require.Equal(t, 12.5, frame["ts"])

	// Bob's raised volume floor excludes the impulse: the broadcast
	// below must be the first frame he sees.
	e.hub.Broadcast(map[string]any{"type": "listing", "symbol": "NEWUSDT", "ts": nowUnix()})

	require.Equal(t, "listing", wsRead(t, bob)["type"])
	require.Equal(t, "listing", wsRead(t, alice)["type"])

	require.Equal(t, 1, e.stats.Stats("btcusdt").Total)
}

func TestInfo(t *testing.T) {
	e := newTestEngine(t, nil)
	e.started = time.Now()

	info := e.info()
	require.Greater(t, info["goroutines"].(int), 0)
	require.Equal(t, 0, info["universe_symbols"])
	require.Equal(t, 0, info["hub_clients"])

	e.snapshot.Store(&universe.Snapshot{
		Volumes:   map[string]int64{"btcusdt": 1},
		FetchedAt: time.Now(),
	})
	require.Equal(t, 1, e.info()["universe_symbols"])
}
