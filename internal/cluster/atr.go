package cluster

import "sync"

type bar struct {
	bucket int64
	high   float64
	low    float64
}

type atrState struct {
	cur    *bar
	closed []bar
	atr    float64
	hasATR bool
}

// ATRAccumulator derives a per-symbol ATR from closed clusters bucketed
// into fixed bars. True range is the bar's high-low span only; the
// detector's multiplier is calibrated against that, so the classic
// prev-close terms are intentionally absent. The value updates only
// when a bar closes.
type ATRAccumulator struct {
	store     *Store
	period    int
	timeframe float64

	mu  sync.RWMutex
	sym map[string]*atrState
}

func NewATRAccumulator(store *Store, period, timeframeSec int) *ATRAccumulator {
	return &ATRAccumulator{
		store:     store,
		period:    period,
		timeframe: float64(timeframeSec),
		sym:       make(map[string]*atrState),
	}
}

// OnClusterClose folds a finalized cluster into the symbol's current
// bar. A new time bucket closes the bar into the FIFO (capped at the
// period) and recomputes the ATR as the mean bar range. Callers pass
// close_ts = (cid+1) * cluster interval and at most one cid per bucket.
func (a *ATRAccumulator) OnClusterClose(symbol string, cid int64, closeTs float64) {
	c, ok := a.store.GetCluster(symbol, cid)
	if !ok {
		return
	}
	bucket := int64(closeTs / a.timeframe)

	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.sym[symbol]
	if st == nil {
		st = &atrState{}
		a.sym[symbol] = st
	}

	if st.cur == nil || st.cur.bucket != bucket {
		if st.cur != nil {
			st.closed = append(st.closed, *st.cur)
			if len(st.closed) > a.period {
				st.closed = st.closed[1:]
			}
			st.recompute()
		}
		st.cur = &bar{bucket: bucket, high: c.PMax, low: c.PMin}
		return
	}

	if c.PMax > st.cur.high {
		st.cur.high = c.PMax
	}
	if c.PMin < st.cur.low {
		st.cur.low = c.PMin
	}
}

func (st *atrState) recompute() {
	if len(st.closed) == 0 {
		return
	}
	sum := 0.0
	for _, b := range st.closed {
		sum += b.high - b.low
	}
	st.atr = sum / float64(len(st.closed))
	st.hasATR = true
}

// ATR returns the current value, false until the first bar has closed.
func (a *ATRAccumulator) ATR(symbol string) (float64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st := a.sym[symbol]
	if st == nil || !st.hasATR {
		return 0, false
	}
	return st.atr, true
}

// Retain mirrors Store.Retain for the ATR state.
func (a *ATRAccumulator) Retain(active map[string]struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for sym := range a.sym {
		if _, ok := active[sym]; !ok {
			delete(a.sym, sym)
		}
	}
}
