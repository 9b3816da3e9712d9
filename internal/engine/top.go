package engine

import (
	"sort"
	"strings"

	"github.com/Nike5170/Screener/internal/hub"
	"github.com/Nike5170/Screener/internal/universe"
)

// Top serves the hub's get_top command. Unknown modes fall back to the
// volume ranking and the served mode is echoed back.
func (e *Engine) Top(mode string, n int) (string, []hub.TopItem) {
	switch strings.ToLower(mode) {
	case "impulses":
		top := e.stats.Top(n)
		items := make([]hub.TopItem, 0, len(top))
		for _, c := range top {
			items = append(items, hub.TopItem{Symbol: strings.ToUpper(c.Symbol), Value: float64(c.Total)})
		}
		return "impulses", items
	case "trades24h":
		return "trades24h", e.topOf(n, func(s *universe.Snapshot) map[string]int64 { return s.Trades24h })
	default:
		return "volume24h", e.topOf(n, func(s *universe.Snapshot) map[string]int64 { return s.Volumes })
	}
}

// topOf ranks a snapshot metric descending, ties broken by symbol.
func (e *Engine) topOf(n int, metric func(*universe.Snapshot) map[string]int64) []hub.TopItem {
	snap := e.snapshot.Load()
	if snap == nil {
		return []hub.TopItem{}
	}
	m := metric(snap)
	items := make([]hub.TopItem, 0, len(m))
	for sym, v := range m {
		items = append(items, hub.TopItem{Symbol: strings.ToUpper(sym), Value: float64(v)})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Value != items[j].Value {
			return items[i].Value > items[j].Value
		}
		return items[i].Symbol < items[j].Symbol
	})
	if len(items) > n {
		items = items[:n]
	}
	return items
}
