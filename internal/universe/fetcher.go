// Package universe builds the tradable symbol set: USDT perpetuals
// filtered by 24h volume, 24h trade count and order-book depth, each
// carrying a per-symbol impulse threshold derived from its volume.
package universe

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/Nike5170/Screener/internal/binance"
	"github.com/Nike5170/Screener/internal/cache"
	"github.com/Nike5170/Screener/internal/config"
	"github.com/Nike5170/Screener/internal/telemetry"
)

const depthLimit = 500

// SnapshotCacheKey is where the last good snapshot lives in the cache.
const SnapshotCacheKey = "universe:snapshot"

// BookDepth is the quote volume inside the depth band on each side of
// the book, rounded to whole units.
type BookDepth struct {
	Bid int64 `json:"bid"`
	Ask int64 `json:"ask"`
}

// Snapshot is one universe epoch. Keys are lowercase symbols.
type Snapshot struct {
	Volumes    map[string]int64     `json:"volumes"`
	Thresholds map[string]float64   `json:"thresholds"`
	Trades24h  map[string]int64     `json:"trades24h"`
	Orderbook  map[string]BookDepth `json:"orderbook"`
	FetchedAt  time.Time            `json:"fetched_at"`
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Volumes:    map[string]int64{},
		Thresholds: map[string]float64{},
		Trades24h:  map[string]int64{},
		Orderbook:  map[string]BookDepth{},
		FetchedAt:  time.Now(),
	}
}

// Empty reports whether the snapshot carries no symbols.
func (s *Snapshot) Empty() bool { return s == nil || len(s.Volumes) == 0 }

// Symbols returns the universe ordered by 24h volume descending,
// ties broken lexicographically.
func (s *Snapshot) Symbols() []string {
	out := make([]string, 0, len(s.Volumes))
	for sym := range s.Volumes {
		out = append(out, sym)
	}
	sort.Slice(out, func(i, j int) bool {
		vi, vj := s.Volumes[out[i]], s.Volumes[out[j]]
		if vi != vj {
			return vi > vj
		}
		return out[i] < out[j]
	})
	return out
}

// Threshold returns the symbol's impulse threshold percent, or fallback
// when the symbol is not in this epoch.
func (s *Snapshot) Threshold(symbol string, fallback float64) float64 {
	if s == nil {
		return fallback
	}
	if th, ok := s.Thresholds[symbol]; ok {
		return th
	}
	return fallback
}

// Fetcher runs the filter pipeline against the futures REST API.
type Fetcher struct {
	rest *binance.RESTClient
	cfg  config.UniverseConfig
	imp  config.ImpulseConfig

	volumeFloor int64
	tradesFloor int64
	bidFloor    int64
	askFloor    int64

	metrics *telemetry.Metrics
}

// NewFetcher builds a fetcher. Filter floors come from the first
// allowed value of each filter key, mirroring what new users get as
// defaults.
func NewFetcher(rest *binance.RESTClient, cfg config.UniverseConfig, imp config.ImpulseConfig, metrics *telemetry.Metrics) *Fetcher {
	defaults := config.DefaultFilters()
	return &Fetcher{
		rest:        rest,
		cfg:         cfg,
		imp:         imp,
		volumeFloor: int64(defaults["volume_threshold"]),
		tradesFloor: int64(defaults["min_trades_24h"]),
		bidFloor:    int64(defaults["orderbook_min_bid"]),
		askFloor:    int64(defaults["orderbook_min_ask"]),
		metrics:     metrics,
	}
}

// Fetch runs the full pipeline. It never fails: any upstream error
// yields an empty snapshot and the caller keeps the previous epoch.
func (f *Fetcher) Fetch(ctx context.Context) *Snapshot {
	start := time.Now()
	snap := f.fetch(ctx)
	f.metrics.ObserveUniverseRefresh(time.Since(start), len(snap.Volumes))
	return snap
}

func (f *Fetcher) fetch(ctx context.Context) *Snapshot {
	exclude := make(map[string]struct{}, len(f.cfg.Exclude))
	for _, sym := range f.cfg.Exclude {
		exclude[sym] = struct{}{}
	}

	info, err := f.rest.ExchangeInfo(ctx)
	if err != nil {
		log.Error().Err(err).Msg("universe: exchangeInfo failed")
		return emptySnapshot()
	}

	active := make(map[string]struct{})
	for _, s := range info {
		if !s.ActiveUSDTPerp() {
			continue
		}
		if _, skip := exclude[s.Symbol]; skip {
			continue
		}
		active[s.Symbol] = struct{}{}
	}
	log.Info().Int("count", len(active)).Msg("universe: active USDT perpetuals")

	tickers, err := f.rest.Ticker24h(ctx)
	if err != nil {
		log.Error().Err(err).Msg("universe: ticker24h failed")
		return emptySnapshot()
	}

	var candidates []candidate
	for _, tk := range tickers {
		if _, ok := active[tk.Symbol]; !ok {
			continue
		}
		vol := toIntRound(tk.QuoteVolume)
		if vol < f.volumeFloor || tk.Count < f.tradesFloor {
			continue
		}
		candidates = append(candidates, candidate{symbol: tk.Symbol, volume: vol, trades: tk.Count})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].volume > candidates[j].volume })
	log.Info().Int("count", len(candidates)).Int64("volume_floor", f.volumeFloor).Int64("trades_floor", f.tradesFloor).Msg("universe: after volume and trade filters")

	depths := f.checkBooks(ctx, candidates)

	snap := emptySnapshot()
	for _, c := range candidates {
		book, ok := depths[c.symbol]
		if !ok {
			continue
		}
		sym := strings.ToLower(c.symbol)
		snap.Volumes[sym] = c.volume
		snap.Trades24h[sym] = c.trades
		snap.Orderbook[sym] = book
		if f.imp.DynamicThreshold {
			snap.Thresholds[sym] = dynamicThreshold(float64(c.volume), f.imp.Dynamic)
		} else {
			snap.Thresholds[sym] = f.imp.FixedThresholdPct
		}
	}

	log.Info().Int("count", len(snap.Volumes)).Msg("universe: final symbol set")
	return snap
}

type candidate struct {
	symbol string
	volume int64
	trades int64
}

// checkBooks fetches depth snapshots for every candidate with bounded
// concurrency and keeps only symbols whose in-band bid and ask volumes
// clear the floors. Dispatch is paced by a limiter at one request per
// DepthDelaySec with a burst of one full worker pool.
func (f *Fetcher) checkBooks(ctx context.Context, candidates []candidate) map[string]BookDepth {
	out := make(map[string]BookDepth, len(candidates))
	var mu sync.Mutex
	var wg sync.WaitGroup

	workers := f.cfg.HTTPConcurrency
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	delay := time.Duration(f.cfg.DepthDelaySec * float64(time.Second))
	limiter := rate.NewLimiter(rate.Every(delay), workers)

	for _, c := range candidates {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			defer func() { <-sem }()

			book, ok := f.checkBook(ctx, symbol)
			if ok {
				mu.Lock()
				out[symbol] = book
				mu.Unlock()
			} else {
				log.Debug().Str("symbol", symbol).Msg("universe: filtered on book depth")
			}
		}(c.symbol)
	}
	wg.Wait()
	return out
}

func (f *Fetcher) checkBook(ctx context.Context, symbol string) (BookDepth, bool) {
	depth, err := f.rest.DepthSnapshot(ctx, symbol, depthLimit)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("universe: depth fetch failed")
		return BookDepth{}, false
	}

	bids := parseLevels(depth.Bids)
	asks := parseLevels(depth.Asks)
	if len(bids) == 0 || len(asks) == 0 {
		return BookDepth{}, false
	}

	mid := (bids[0].price + asks[0].price) / 2
	lower := mid * (1 - f.cfg.DepthPercent)
	upper := mid * (1 + f.cfg.DepthPercent)

	// Bids arrive sorted descending, asks ascending.
	var bidVol, askVol float64
	for _, lv := range bids {
		if lv.price < lower {
			break
		}
		bidVol += lv.price * lv.qty
	}
	for _, lv := range asks {
		if lv.price > upper {
			break
		}
		askVol += lv.price * lv.qty
	}

	book := BookDepth{Bid: int64(math.Round(bidVol)), Ask: int64(math.Round(askVol))}
	return book, book.Bid >= f.bidFloor && book.Ask >= f.askFloor
}

type level struct{ price, qty float64 }

func parseLevels(raw [][]string) []level {
	out := make([]level, 0, len(raw))
	for _, e := range raw {
		if len(e) < 2 {
			continue
		}
		p, perr := strconv.ParseFloat(e[0], 64)
		q, qerr := strconv.ParseFloat(e[1], 64)
		if perr != nil || qerr != nil || q <= 0 {
			continue
		}
		out = append(out, level{price: p, qty: q})
	}
	return out
}

// dynamicThreshold maps 24h volume onto a percent threshold: thin
// symbols need a larger move than deep ones. Volume is clamped to the
// [VolMin, VolMax] band and interpolated on a log scale.
func dynamicThreshold(volume float64, dyn config.DynamicThresholdConfig) float64 {
	x := math.Min(math.Max(volume, dyn.VolMin), dyn.VolMax)
	norm := (math.Log10(x) - math.Log10(dyn.VolMin)) / (math.Log10(dyn.VolMax) - math.Log10(dyn.VolMin))
	factor := math.Pow(norm, dyn.Exponent)
	percent := dyn.PctMax - (dyn.PctMax-dyn.PctMin)*factor
	return math.Round(percent*1000) / 1000
}

func toIntRound(s string) int64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int64(math.Round(v))
}

// LoadCached restores the last snapshot from the cache, or nil.
func LoadCached(c cache.Cache) *Snapshot {
	raw, ok := c.Get(SnapshotCacheKey)
	if !ok {
		return nil
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		log.Warn().Err(err).Msg("universe: corrupt cached snapshot")
		return nil
	}
	return &snap
}

// StoreCached saves a snapshot for warm starts within the refresh
// window.
func StoreCached(c cache.Cache, snap *Snapshot, ttl time.Duration) {
	if snap.Empty() {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	c.Set(SnapshotCacheKey, raw, ttl)
}
