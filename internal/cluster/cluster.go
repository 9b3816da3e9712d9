// Package cluster maintains per-symbol rolling market state: a
// fixed-capacity ring of short price/volume clusters fed by trade
// ticks, mark-price segments, and an ATR estimate over closed 1-minute
// bars. Memory is bounded at symbols x capacity regardless of tick
// rate.
package cluster

import (
	"math"
	"sync"
)

// Cluster aggregates the ticks of one fixed-duration interval. A slot
// is valid only while its Cid matches the queried cid; after the ring
// wraps the slot belongs to a newer interval.
type Cluster struct {
	Cid         int64
	PMin        float64
	PMax        float64
	VolumeQuote float64
	Trades      int
}

func (c *Cluster) reset(cid int64, seed float64) {
	c.Cid = cid
	c.PMin = seed
	c.PMax = seed
	c.VolumeQuote = 0
	c.Trades = 0
}

func (c *Cluster) update(price, qty float64) {
	if price < c.PMin {
		c.PMin = price
	}
	if price > c.PMax {
		c.PMax = price
	}
	c.VolumeQuote += price * qty
	c.Trades++
}

type markSegment struct {
	start   float64
	end     float64
	hasEnd  bool
	mark    float64
	lastMin float64
	lastMax float64
}

type symbolState struct {
	mu        sync.RWMutex
	ring      []Cluster
	lastCid   int64
	lastPrice float64

	markCur  float64
	markSet  bool
	markSeg  *markSegment
	markSegs []*markSegment
}

// Store is the per-symbol cluster ring. Trade and mark ingest arrive on
// separate session goroutines while detector workers read concurrently,
// so every symbol's state carries its own lock.
type Store struct {
	interval float64
	capacity int

	mu  sync.RWMutex
	sym map[string]*symbolState
}

func NewStore(intervalSec float64, capacity int) *Store {
	return &Store{
		interval: intervalSec,
		capacity: capacity,
		sym:      make(map[string]*symbolState),
	}
}

func (s *Store) Interval() float64 { return s.interval }
func (s *Store) Capacity() int     { return s.capacity }

func (s *Store) lookup(symbol string) *symbolState {
	s.mu.RLock()
	st := s.sym[symbol]
	s.mu.RUnlock()
	return st
}

func (s *Store) state(symbol string) *symbolState {
	if st := s.lookup(symbol); st != nil {
		return st
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.sym[symbol]; st != nil {
		return st
	}
	st := &symbolState{ring: make([]Cluster, s.capacity), lastCid: -1}
	for i := range st.ring {
		st.ring[i].Cid = -1
	}
	s.sym[symbol] = st
	return st
}

// AddTick folds one trade into the symbol's current cluster and returns
// the cids finalized by this tick, in ascending order. Silent
// intermediate intervals are synthesized as empty clusters seeded at
// the last price so a backwards walk sees no holes until the ring
// wraps. Amortized O(1).
func (s *Store) AddTick(symbol string, ts, price, qty float64) []int64 {
	st := s.state(symbol)

	st.mu.Lock()
	defer st.mu.Unlock()

	st.lastPrice = price

	cid := int64(ts / s.interval)
	var finalized []int64

	switch {
	case st.lastCid == -1:
		s.slot(st, cid).reset(cid, price)
		st.lastCid = cid

	case cid > st.lastCid:
		for fc := st.lastCid; fc < cid; fc++ {
			if fc != st.lastCid {
				s.slot(st, fc).reset(fc, st.lastPrice)
			}
			finalized = append(finalized, fc)
		}
		s.slot(st, cid).reset(cid, st.lastPrice)
		st.lastCid = cid
	}

	c := s.slot(st, cid)
	if c.Cid != cid {
		c.reset(cid, st.lastPrice)
	}
	c.update(price, qty)

	if seg := st.markSeg; seg != nil {
		if price < seg.lastMin {
			seg.lastMin = price
		}
		if price > seg.lastMax {
			seg.lastMax = price
		}
	}

	return finalized
}

func (s *Store) slot(st *symbolState, cid int64) *Cluster {
	return &st.ring[int(cid%int64(s.capacity))]
}

// GetCluster returns a copy of the cluster for cid, honoring the
// slot-validity rule.
func (s *Store) GetCluster(symbol string, cid int64) (Cluster, bool) {
	st := s.lookup(symbol)
	if st == nil || cid < 0 {
		return Cluster{}, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	c := st.ring[int(cid%int64(s.capacity))]
	if c.Cid != cid {
		return Cluster{}, false
	}
	return c, true
}

// IterRecent walks fromCid, fromCid-1, ... passing a copy of each
// cluster to fn. It stops at the first invalid slot, after max
// clusters, or when fn returns false. fn runs under the symbol's read
// lock and must not block.
func (s *Store) IterRecent(symbol string, fromCid int64, max int, fn func(Cluster) bool) {
	st := s.lookup(symbol)
	if st == nil {
		return
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	for i := 0; i < max; i++ {
		cid := fromCid - int64(i)
		if cid < 0 {
			return
		}
		c := st.ring[int(cid%int64(s.capacity))]
		if c.Cid != cid {
			return
		}
		if !fn(c) {
			return
		}
	}
}

// LastPrice returns the most recent trade price, false before the first
// tick.
func (s *Store) LastPrice(symbol string) (float64, bool) {
	st := s.lookup(symbol)
	if st == nil {
		return 0, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.lastPrice <= 0 {
		return 0, false
	}
	return st.lastPrice, true
}

// AddMark records a mark-price update. Consecutive identical marks are
// collapsed; otherwise the open segment is closed and a new one opens,
// seeded with the last trade price (or the mark itself before any
// trade). Segments older than the ring horizon are pruned.
func (s *Store) AddMark(symbol string, t, mark float64) {
	st := s.state(symbol)

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.markSet && st.markCur == mark {
		return
	}

	if st.markSeg != nil {
		st.markSeg.end = t
		st.markSeg.hasEnd = true
		st.markSegs = append(st.markSegs, st.markSeg)
	}

	horizon := t - float64(s.capacity)*s.interval
	for len(st.markSegs) > 0 && st.markSegs[0].hasEnd && st.markSegs[0].end < horizon {
		st.markSegs = st.markSegs[1:]
	}

	seed := st.lastPrice
	if seed <= 0 {
		seed = mark
	}
	st.markCur = mark
	st.markSet = true
	st.markSeg = &markSegment{start: t, mark: mark, lastMin: seed, lastMax: seed}
}

// MarkExtreme is the largest-magnitude mark-vs-trade divergence over a
// time window, in percent, with the number of mark segments touched.
type MarkExtreme struct {
	Delta   float64
	Abs     float64
	Updates int
}

// MarkDeltaExtreme scans the mark segments overlapping
// [refTime, curTime]. Per segment the candidate is the larger-magnitude
// of the mark's deviation from the segment's trade-price extremes; the
// overall winner is returned, nil when nothing overlaps.
func (s *Store) MarkDeltaExtreme(symbol string, refTime, curTime float64) *MarkExtreme {
	st := s.lookup(symbol)
	if st == nil {
		return nil
	}

	st.mu.RLock()
	defer st.mu.RUnlock()

	var best *MarkExtreme
	updates := 0

	consider := func(seg *markSegment) {
		end := seg.end
		if !seg.hasEnd {
			end = curTime
		}
		if end < refTime || seg.start > curTime {
			return
		}
		updates++

		var delta float64
		found := false
		for _, base := range [2]float64{seg.lastMin, seg.lastMax} {
			if base == 0 {
				continue
			}
			d := (seg.mark - base) / base * 100.0
			if !found || math.Abs(d) > math.Abs(delta) {
				delta = d
				found = true
			}
		}
		if !found {
			return
		}
		if best == nil || math.Abs(delta) > best.Abs {
			best = &MarkExtreme{Delta: delta, Abs: math.Abs(delta)}
		}
	}

	for _, seg := range st.markSegs {
		consider(seg)
	}
	if st.markSeg != nil {
		consider(st.markSeg)
	}

	if best == nil {
		return nil
	}
	best.Updates = updates
	return best
}

// Retain drops state for symbols outside the active set. Called on
// universe epoch swaps; returns the number of evicted symbols.
func (s *Store) Retain(active map[string]struct{}) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for sym := range s.sym {
		if _, ok := active[sym]; !ok {
			delete(s.sym, sym)
			removed++
		}
	}
	return removed
}
