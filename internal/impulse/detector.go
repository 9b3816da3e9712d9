// Package impulse implements the lookback impulse detector: on each
// finalized cluster it scans recent clusters backwards for the earliest
// reference price whose excursion to the current price clears both the
// ATR multiple and the percent threshold, then applies trade-count and
// anti-spam gates.
package impulse

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Nike5170/Screener/internal/cluster"
	"github.com/Nike5170/Screener/internal/config"
)

// Event is one detected impulse. Percent and ATR ratios are rounded to
// three decimals.
type Event struct {
	Symbol             string
	RefPrice           float64
	TriggerPrice       float64
	MaxDeltaPrice      float64
	ChangePctFromStart float64
	ChangePctMaxDelta  float64
	ATRFromStart       float64
	ATRMaxDelta        float64
	ImpulseTrades      int
	ImpulseVolumeQuote float64
	MarkDeltaPct       *float64
	Reason             []string
	RefTime            float64
	ATRValue           float64
	Ts                 float64
}

// Direction is +1 for a pump (trigger above reference), -1 for a dump.
func (e *Event) Direction() int {
	if e.TriggerPrice >= e.RefPrice {
		return 1
	}
	return -1
}

// Detector owns the engine-wide alert state: per-symbol cooldowns, the
// burst window, and the global silence deadline. Check is safe for
// concurrent use by the detector workers.
type Detector struct {
	store *cluster.Store
	atr   *cluster.ATRAccumulator

	maxClusters int
	minClusters int
	minTrades   int
	multiplier  float64
	markDelta   bool

	perSymbolSec   float64
	burstCount     int
	burstWindowSec float64
	silenceSec     float64

	mu           sync.Mutex
	lastAlert    map[string]float64
	alertTimes   []float64
	silenceUntil float64
}

func NewDetector(store *cluster.Store, atr *cluster.ATRAccumulator, imp config.ImpulseConfig, spam config.AntiSpamConfig, atrMultiplier float64) *Detector {
	return &Detector{
		store:          store,
		atr:            atr,
		maxClusters:    store.Capacity(),
		minClusters:    imp.MinClusters,
		minTrades:      imp.MinTrades,
		multiplier:     atrMultiplier,
		markDelta:      imp.EnableMarkDelta,
		perSymbolSec:   spam.PerSymbolSec,
		burstCount:     spam.BurstCount,
		burstWindowSec: spam.BurstWindowSec,
		silenceSec:     spam.SilenceSec,
		lastAlert:      make(map[string]float64),
	}
}

// Check evaluates the symbol after lastClosedCid finalized. It returns
// nil when no impulse fires. The evaluation time is explicit so the
// result is a pure function of cluster state, alert state, and now.
func (d *Detector) Check(symbol string, lastClosedCid int64, thresholdPct float64, now time.Time) *Event {
	nowSec := float64(now.UnixNano()) / 1e9

	curPrice, ok := d.store.LastPrice(symbol)
	if !ok {
		return nil
	}
	atr, ok := d.atr.ATR(symbol)
	if !ok || atr <= 0 {
		return nil
	}

	var (
		refCid        int64 = -1
		refPrice      float64
		maxDelta      float64
		maxDeltaPrice float64
		visited       int
	)

	d.store.IterRecent(symbol, lastClosedCid, d.maxClusters, func(c cluster.Cluster) bool {
		visited++
		for _, p := range [2]float64{c.PMin, c.PMax} {
			if p <= 0 {
				continue
			}
			delta := curPrice - p
			da := math.Abs(delta)
			dp := math.Abs(delta/p) * 100.0

			if da > maxDelta {
				maxDelta = da
				maxDeltaPrice = p
			}

			// The first satisfying price on the backwards walk fixes
			// the reference; the walk keeps refining max_delta after.
			if refCid < 0 && visited >= d.minClusters && da >= d.multiplier*atr && dp >= thresholdPct {
				refCid = c.Cid
				refPrice = p
			}
		}
		return true
	})

	if refCid < 0 {
		return nil
	}

	trades := 0
	volume := 0.0
	span := int(lastClosedCid - refCid + 1)
	d.store.IterRecent(symbol, lastClosedCid, span, func(c cluster.Cluster) bool {
		trades += c.Trades
		volume += c.VolumeQuote
		return true
	})
	if trades < d.minTrades {
		return nil
	}

	var markDelta *float64
	if d.markDelta {
		refTime := float64(refCid) * d.store.Interval()
		curTime := float64(lastClosedCid+1) * d.store.Interval()
		if ext := d.store.MarkDeltaExtreme(symbol, refTime, curTime); ext != nil {
			v := round3(ext.Delta)
			markDelta = &v
		}
	}

	// Anti-spam gates, checked in order: per-symbol cooldown, global
	// silence, then the burst window. The alert that trips the burst is
	// itself swallowed.
	d.mu.Lock()
	if nowSec-d.lastAlert[symbol] < d.perSymbolSec || nowSec < d.silenceUntil {
		d.mu.Unlock()
		return nil
	}
	d.alertTimes = append(d.alertTimes, nowSec)
	kept := d.alertTimes[:0]
	for _, t := range d.alertTimes {
		if nowSec-t <= d.burstWindowSec {
			kept = append(kept, t)
		}
	}
	d.alertTimes = kept
	if len(d.alertTimes) >= d.burstCount {
		d.silenceUntil = nowSec + d.silenceSec
		d.mu.Unlock()
		log.Warn().
			Int("burst_count", d.burstCount).
			Float64("silence_sec", d.silenceSec).
			Msg("alert burst threshold reached, muting")
		return nil
	}
	d.lastAlert[symbol] = nowSec
	d.mu.Unlock()

	ev := &Event{
		Symbol:             symbol,
		RefPrice:           refPrice,
		TriggerPrice:       curPrice,
		MaxDeltaPrice:      maxDeltaPrice,
		ChangePctFromStart: round3(math.Abs(curPrice-refPrice) / refPrice * 100.0),
		ChangePctMaxDelta:  round3(maxDelta / refPrice * 100.0),
		ATRFromStart:       round3(math.Abs(curPrice-refPrice) / atr),
		ATRMaxDelta:        round3(maxDelta / atr),
		ImpulseTrades:      trades,
		ImpulseVolumeQuote: volume,
		MarkDeltaPct:       markDelta,
		Reason:             []string{"atr", "threshold", "trades"},
		RefTime:            float64(refCid) * d.store.Interval(),
		ATRValue:           atr,
		Ts:                 nowSec,
	}
	if markDelta != nil {
		ev.Reason = append(ev.Reason, "mark_delta")
	}
	return ev
}

func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}
