// Package stats follows up on delivered impulses: did price keep
// moving in the impulse direction or snap back? Counters feed the
// hub's "impulses" top list and a periodic summary log line.
package stats

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Nike5170/Screener/internal/config"
)

// Unresolved records older than this are dropped.
const expireAfterSec = 3600

type record struct {
	refTime   float64
	refPrice  float64
	direction int
}

// Counters is the per-symbol outcome tally. Rise counts continuation
// in the impulse direction, Fall counts reversals.
type Counters struct {
	Total int `json:"total"`
	Rise  int `json:"rise_count"`
	Fall  int `json:"fall_count"`
}

// SymbolCount is one Top row.
type SymbolCount struct {
	Symbol string
	Total  int
}

// Tracker resolves impulse follow-ups from the live tick flow.
// OnTick is called for every trade, so the zero-pending fast path
// avoids the lock entirely.
type Tracker struct {
	risePct float64
	fallPct float64

	pendingCount atomic.Int64

	mu      sync.Mutex
	pending map[string][]record
	counts  map[string]*Counters
}

func NewTracker(cfg config.StatsConfig) *Tracker {
	return &Tracker{
		risePct: cfg.RiseThresholdPct,
		fallPct: cfg.FallThresholdPct,
		pending: make(map[string][]record),
		counts:  make(map[string]*Counters),
	}
}

// RecordImpulse registers a delivered impulse for follow-up. Total is
// counted immediately; the outcome lands later.
func (t *Tracker) RecordImpulse(symbol string, refTime, refPrice float64, direction int) {
	if refPrice <= 0 {
		return
	}
	t.mu.Lock()
	t.pending[symbol] = append(t.pending[symbol], record{
		refTime:   refTime,
		refPrice:  refPrice,
		direction: direction,
	})
	t.count(symbol).Total++
	t.mu.Unlock()
	t.pendingCount.Add(1)
}

// OnTick resolves pending records for symbol against one trade.
func (t *Tracker) OnTick(symbol string, ts, price float64) {
	if t.pendingCount.Load() == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	recs := t.pending[symbol]
	if len(recs) == 0 {
		return
	}

	kept := recs[:0]
	for _, rec := range recs {
		if ts < rec.refTime {
			kept = append(kept, rec)
			continue
		}
		if ts-rec.refTime > expireAfterSec {
			t.pendingCount.Add(-1)
			continue
		}

		change := (price - rec.refPrice) / rec.refPrice * 100
		resolved := false
		if rec.direction > 0 {
			switch {
			case change >= t.risePct:
				t.count(symbol).Rise++
				resolved = true
			case change <= -t.fallPct:
				t.count(symbol).Fall++
				resolved = true
			}
		} else {
			switch {
			case change <= -t.risePct:
				t.count(symbol).Rise++
				resolved = true
			case change >= t.fallPct:
				t.count(symbol).Fall++
				resolved = true
			}
		}

		if resolved {
			t.pendingCount.Add(-1)
		} else {
			kept = append(kept, rec)
		}
	}

	if len(kept) == 0 {
		delete(t.pending, symbol)
	} else {
		t.pending[symbol] = kept
	}
}

// count returns the tally for symbol, creating it if needed. Caller
// holds the lock.
func (t *Tracker) count(symbol string) *Counters {
	c := t.counts[symbol]
	if c == nil {
		c = &Counters{}
		t.counts[symbol] = c
	}
	return c
}

// Stats returns the tally for one symbol.
func (t *Tracker) Stats(symbol string) Counters {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c := t.counts[symbol]; c != nil {
		return *c
	}
	return Counters{}
}

// Top returns up to n symbols ordered by impulse total.
func (t *Tracker) Top(n int) []SymbolCount {
	t.mu.Lock()
	out := make([]SymbolCount, 0, len(t.counts))
	for sym, c := range t.counts {
		out = append(out, SymbolCount{Symbol: sym, Total: c.Total})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Symbol < out[j].Symbol
	})
	if n < len(out) {
		out = out[:n]
	}
	return out
}

// Run logs a summary of non-zero symbols every interval until ctx is
// canceled.
func (t *Tracker) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.logSummary()
		}
	}
}

func (t *Tracker) logSummary() {
	t.mu.Lock()
	snapshot := make(map[string]Counters, len(t.counts))
	for sym, c := range t.counts {
		if c.Total > 0 {
			snapshot[sym] = *c
		}
	}
	t.mu.Unlock()

	for sym, c := range snapshot {
		log.Info().
			Str("symbol", sym).
			Int("total", c.Total).
			Int("rise", c.Rise).
			Int("fall", c.Fall).
			Float64("rise_pct", t.risePct).
			Float64("fall_pct", t.fallPct).
			Msg("impulse follow-up stats")
	}
}
