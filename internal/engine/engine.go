// Package engine is the composition root. It owns every component,
// routes upstream ticks into the cluster store, fans finalized clusters
// out to a bounded pool of detector workers, and delivers confirmed
// impulses to the push hub and the Telegram notifier.
package engine

import (
	"context"
	"encoding/json"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Nike5170/Screener/internal/binance"
	"github.com/Nike5170/Screener/internal/cache"
	"github.com/Nike5170/Screener/internal/cluster"
	"github.com/Nike5170/Screener/internal/config"
	"github.com/Nike5170/Screener/internal/hub"
	"github.com/Nike5170/Screener/internal/impulse"
	"github.com/Nike5170/Screener/internal/listings"
	"github.com/Nike5170/Screener/internal/notify"
	"github.com/Nike5170/Screener/internal/stats"
	"github.com/Nike5170/Screener/internal/telemetry"
	"github.com/Nike5170/Screener/internal/universe"
	"github.com/Nike5170/Screener/internal/users"
)

const (
	// restRequestsPerSec bounds the shared REST client. The universe
	// refresh is the only heavy consumer and it runs hourly.
	restRequestsPerSec = 8

	shutdownDrain    = 5 * time.Second
	statsLogInterval = 10 * time.Minute
)

// detectJob asks a worker to evaluate symbol after cid finalized.
type detectJob struct {
	symbol string
	cid    int64
}

// Engine wires the screener together. All cross-component routing goes
// through here; the components themselves never import each other.
type Engine struct {
	cfg     config.Config
	metrics *telemetry.Metrics

	store    *cluster.Store
	atr      *cluster.ATRAccumulator
	detector *impulse.Detector

	rest    *binance.RESTClient
	mux     *binance.Mux
	fetcher *universe.Fetcher

	users    users.Store
	hub      *hub.Hub
	notifier *notify.Notifier
	stats    *stats.Tracker
	listings *listings.Detector
	cache    cache.Cache

	// snapshot is the current universe epoch. Swapped whole on refresh;
	// readers never see a partial epoch.
	snapshot atomic.Pointer[universe.Snapshot]
	jobs     chan detectJob

	started time.Time
	wg      sync.WaitGroup
}

// New builds the engine and every component it drives. The user store
// is the only construction that can fail.
func New(cfg config.Config) (*Engine, error) {
	metrics := telemetry.NewMetrics()

	userStore, err := users.New(cfg.Users)
	if err != nil {
		return nil, err
	}

	store := cluster.NewStore(cfg.Cluster.IntervalSec, cfg.Cluster.MaxClusters)
	atr := cluster.NewATRAccumulator(store, cfg.ATR.Period, cfg.ATR.TimeframeSec)
	rest := binance.NewRESTClient(cfg.Binance.RESTBase, cfg.Universe.HTTPTimeout(), restRequestsPerSec, metrics)

	e := &Engine{
		cfg:      cfg,
		metrics:  metrics,
		store:    store,
		atr:      atr,
		detector: impulse.NewDetector(store, atr, cfg.Impulse, cfg.AntiSpam, cfg.ATR.Multiplier),
		rest:     rest,
		fetcher:  universe.NewFetcher(rest, cfg.Universe, cfg.Impulse, metrics),
		users:    userStore,
		notifier: notify.NewNotifier(cfg.Telegram, cfg.Engine.NotifyQueue, metrics),
		stats:    stats.NewTracker(cfg.Stats),
		cache:    cache.New(cfg.Redis.Addr),
		jobs:     make(chan detectJob, cfg.Engine.DetectorQueue),
	}

	e.mux = binance.NewMux(cfg.Binance.WSURL, metrics, e.onTrade, e.onMark)
	e.hub = hub.New(userStore, e, e.clientMetric, metrics)
	if cfg.Listings.Enabled {
		e.listings = listings.NewDetector(rest, e.notifier, e.hub, cfg.Listings.PollInterval())
	}
	return e, nil
}

// Run starts every component and blocks until ctx is cancelled, then
// drains the long-lived loops within the shutdown drain bound.
func (e *Engine) Run(ctx context.Context) error {
	e.started = time.Now()

	// Warm start: detection can begin before the first refresh
	// completes if a recent epoch survives in the cache.
	if snap := universe.LoadCached(e.cache); snap != nil {
		e.snapshot.Store(snap)
		log.Info().
			Int("symbols", len(snap.Volumes)).
			Time("fetched_at", snap.FetchedAt).
			Msg("universe: warm start from cache")
	}

	e.notifier.Start(ctx)
	e.notifier.Send(notify.FormatStartup())

	if err := e.hub.Start(e.cfg.Hub.Addr()); err != nil {
		return err
	}
	defer e.hub.Shutdown()

	ops, err := telemetry.NewServer(e.cfg.Ops.Addr(), e.metrics, e.info)
	if err != nil {
		return err
	}
	go func() {
		if err := ops.Start(); err != nil {
			log.Error().Err(err).Msg("ops server failed")
		}
	}()

	for i := 0; i < e.cfg.Engine.DetectorWorkers; i++ {
		e.wg.Add(1)
		go e.detectorWorker(ctx)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.stats.Run(ctx, statsLogInterval)
	}()

	if e.listings != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.listings.Run(ctx)
		}()
	}

	e.mux.Start(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.universeLoop(ctx)
	}()

	log.Info().
		Str("hub", e.cfg.Hub.Addr()).
		Str("ops", e.cfg.Ops.Addr()).
		Int("workers", e.cfg.Engine.DetectorWorkers).
		Msg("engine started")

	<-ctx.Done()
	log.Info().Msg("engine: shutting down")

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		e.notifier.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownDrain):
		log.Warn().Msg("engine: drain window elapsed, abandoning in-flight work")
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = ops.Shutdown(drainCtx)
	return nil
}

// onTrade runs on the trades session read loop. It mutates in-memory
// state only and must never block on I/O.
func (e *Engine) onTrade(symbol string, price, qty float64) {
	ts := nowUnix()
	e.stats.OnTick(symbol, ts, price)

	finalized := e.store.AddTick(symbol, ts, price, qty)
	if len(finalized) == 0 {
		return
	}
	e.metrics.RecordClustersFinalized(len(finalized))
	e.closeBars(symbol, finalized)

	job := detectJob{symbol: symbol, cid: finalized[len(finalized)-1]}
	select {
	case e.jobs <- job:
		e.metrics.RecordDetectorEnqueue(len(e.jobs))
	default:
		// Losing one check beats stalling tick ingest.
		e.metrics.RecordDetectorDrop()
		log.Warn().Str("symbol", symbol).Int64("cid", job.cid).Msg("detector queue full, check dropped")
	}
}

// onMark runs on the mark-price session read loop.
func (e *Engine) onMark(symbol string, mark float64) {
	e.store.AddMark(symbol, nowUnix(), mark)
}

// closeBars forwards finalized clusters to the ATR accumulator, one
// call per distinct 1m bucket. A long silent gap finalizes hundreds of
// empty clusters at once; the accumulator only needs the last one in
// each bucket.
func (e *Engine) closeBars(symbol string, finalized []int64) {
	interval := e.store.Interval()
	tf := float64(e.cfg.ATR.TimeframeSec)
	for i, cid := range finalized {
		closeTs := float64(cid+1) * interval
		if i+1 < len(finalized) {
			nextClose := float64(finalized[i+1]+1) * interval
			if int64(nextClose/tf) == int64(closeTs/tf) {
				continue
			}
		}
		e.atr.OnClusterClose(symbol, cid, closeTs)
	}
}

func (e *Engine) detectorWorker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-e.jobs:
			e.metrics.DetectorQueueDepth.Set(float64(len(e.jobs)))

			threshold := e.cfg.Impulse.FixedThresholdPct
			if snap := e.snapshot.Load(); snap != nil {
				threshold = snap.Threshold(job.symbol, threshold)
			}
			if ev := e.detector.Check(job.symbol, job.cid, threshold, time.Now()); ev != nil {
				e.deliver(ev)
			}
		}
	}
}

// deliver pushes one confirmed impulse everywhere it goes: the admin
// chat, every user whose filters it clears, and the stats tracker.
func (e *Engine) deliver(ev *impulse.Event) {
	symbolUp := strings.ToUpper(ev.Symbol)
	e.metrics.RecordImpulse(symbolUp)

	snap := e.snapshot.Load()
	var vol24, trades24 int64
	var book universe.BookDepth
	if snap != nil {
		vol24 = snap.Volumes[ev.Symbol]
		trades24 = snap.Trades24h[ev.Symbol]
		book = snap.Orderbook[ev.Symbol]
	}

	text := notify.FormatImpulse(ev, vol24)
	e.notifier.Send(text)

	payload := map[string]any{
		"type":              "impulse",
		"exchange":          "BINANCE-FUT",
		"market":            "FUTURES",
		"symbol":            symbolUp,
		"volume_threshold":  vol24,
		"min_trades_24h":    trades24,
		"orderbook_min_bid": book.Bid,
		"orderbook_min_ask": book.Ask,
		"impulse_trades":    ev.ImpulseTrades,
		"ts":                ev.Ts,
	}
	measured := map[string]float64{
		"volume_threshold":  float64(vol24),
		"min_trades_24h":    float64(trades24),
		"orderbook_min_bid": float64(book.Bid),
		"orderbook_min_ask": float64(book.Ask),
		"impulse_trades":    float64(ev.ImpulseTrades),
	}

	for userID, profile := range e.users.AllUsers() {
		if !passesFilters(measured, profile.Filters) {
			continue
		}
		e.hub.SendToUser(userID, payload)
		if profile.ChatID != "" {
			e.notifier.SendTo(profile.ChatID, text)
		}
	}

	e.stats.RecordImpulse(ev.Symbol, ev.RefTime, ev.RefPrice, ev.Direction())

	log.Info().
		Str("symbol", symbolUp).
		Float64("change_pct", ev.ChangePctFromStart).
		Float64("atr_mult", ev.ATRFromStart).
		Int("trades", ev.ImpulseTrades).
		Strs("reason", ev.Reason).
		Msg("impulse delivered")
}

// passesFilters reports whether every measured value clears the user's
// floor for the same key.
func passesFilters(measured, cfg map[string]float64) bool {
	for key, floor := range cfg {
		if v, ok := measured[key]; ok && v < floor {
			return false
		}
	}
	return true
}

// universeLoop refreshes the symbol universe on the configured cadence.
// The first refresh runs immediately; a warm-start epoch is reconciled
// into the mux first so streams come up without waiting on REST.
func (e *Engine) universeLoop(ctx context.Context) {
	if snap := e.snapshot.Load(); snap != nil {
		e.mux.SetSymbols(snap.Symbols())
	}
	e.refreshUniverse(ctx)

	ticker := time.NewTicker(e.cfg.Universe.RefreshInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.refreshUniverse(ctx)
		}
	}
}

// refreshUniverse fetches a new epoch and reconciles subscriptions and
// per-symbol state against it. A failed fetch keeps the previous epoch.
func (e *Engine) refreshUniverse(ctx context.Context) {
	snap := e.fetcher.Fetch(ctx)
	if snap.Empty() {
		log.Warn().Msg("universe: refresh returned no symbols, keeping previous epoch")
		return
	}

	e.snapshot.Store(snap)
	universe.StoreCached(e.cache, snap, e.cfg.Universe.RefreshInterval())

	symbols := snap.Symbols()
	e.mux.SetSymbols(symbols)

	active := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		active[s] = struct{}{}
		log.Debug().
			Str("symbol", strings.ToUpper(s)).
			Int64("volume24h", snap.Volumes[s]).
			Float64("threshold_pct", snap.Thresholds[s]).
			Msg("universe: symbol")
	}
	evicted := e.store.Retain(active)
	e.atr.Retain(active)

	log.Info().Int("symbols", len(symbols)).Int("evicted", evicted).Msg("universe: epoch applied")
}

// clientMetric receives client-reported metrics from the hub.
func (e *Engine) clientMetric(clientID, event string, data json.RawMessage) {
	entry := log.Debug().Str("client_id", clientID).Str("event", event)
	if len(data) > 0 {
		entry = entry.RawJSON("data", data)
	}
	entry.Msg("hub client metric")
}

// info feeds the ops health endpoint.
func (e *Engine) info() map[string]any {
	trades, marks := e.mux.ConfirmedStreams()
	var symbols int
	var fetchedAt string
	if snap := e.snapshot.Load(); snap != nil {
		symbols = len(snap.Volumes)
		fetchedAt = snap.FetchedAt.UTC().Format(time.RFC3339)
	}
	return map[string]any{
		"goroutines":       runtime.NumGoroutine(),
		"hub_clients":      e.hub.ClientCount(),
		"universe_symbols": symbols,
		"universe_fetched": fetchedAt,
		"streams_trades":   trades,
		"streams_marks":    marks,
		"detector_backlog": len(e.jobs),
		"listings_enabled": e.listings != nil,
		"telegram_enabled": e.cfg.Telegram.BotToken != "",
		"started":          e.started.UTC().Format(time.RFC3339),
	}
}

func nowUnix() float64 { return float64(time.Now().UnixNano()) / 1e9 }
