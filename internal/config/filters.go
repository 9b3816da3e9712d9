package config

import "strconv"

// Per-user filter keys and their enumerated options. Clients may only
// set these keys, and only to one of the listed values. The default for
// each key is its first option.
var filterOptions = map[string][]float64{
	"volume_threshold":  {10_000_000, 50_000_000, 100_000_000, 200_000_000, 500_000_000},
	"min_trades_24h":    {10_000, 50_000, 100_000, 200_000},
	"orderbook_min_bid": {20_000, 50_000, 100_000, 200_000},
	"orderbook_min_ask": {20_000, 50_000, 100_000, 200_000},
	"impulse_trades":    {100, 500, 1000},
}

// FilterKeys is the canonical key order for responses and logs.
var FilterKeys = []string{
	"volume_threshold",
	"min_trades_24h",
	"orderbook_min_bid",
	"orderbook_min_ask",
	"impulse_trades",
}

// AllowedFilters returns a copy of the enumerated options per key.
func AllowedFilters() map[string][]float64 {
	out := make(map[string][]float64, len(filterOptions))
	for k, opts := range filterOptions {
		out[k] = append([]float64(nil), opts...)
	}
	return out
}

// DefaultFilters returns the default per-user config: the first option
// of every key.
func DefaultFilters() map[string]float64 {
	out := make(map[string]float64, len(filterOptions))
	for k, opts := range filterOptions {
		out[k] = opts[0]
	}
	return out
}

// MergeFilters overlays stored per-user overrides on the defaults. The
// result always carries every allowed key.
func MergeFilters(overrides map[string]float64) map[string]float64 {
	out := DefaultFilters()
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// ValidateFilterPatch keeps only allow-listed keys whose value equals
// one of the enumerated options. Unknown keys and off-list values are
// dropped silently. String numbers are accepted.
func ValidateFilterPatch(patch map[string]any) map[string]float64 {
	out := make(map[string]float64)
	for k, raw := range patch {
		opts, ok := filterOptions[k]
		if !ok {
			continue
		}
		v, ok := toNumber(raw)
		if !ok {
			continue
		}
		for _, a := range opts {
			if a == v {
				out[k] = a
				break
			}
		}
	}
	return out
}

func toNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
