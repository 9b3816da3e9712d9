package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Nike5170/Screener/internal/config"
)

func newTracker() *Tracker {
	return NewTracker(config.StatsConfig{RiseThresholdPct: 1.0, FallThresholdPct: 0.5})
}

func TestTracker_PumpContinuation(t *testing.T) {
	tr := newTracker()
	tr.RecordImpulse("btcusdt", 100, 100.0, 1)

	// +0.4% is below both thresholds, stays pending.
	tr.OnTick("btcusdt", 101, 100.4)
	assert.Equal(t, Counters{Total: 1}, tr.Stats("btcusdt"))

	// +1.0% resolves as continuation.
	tr.OnTick("btcusdt", 102, 101.0)
	assert.Equal(t, Counters{Total: 1, Rise: 1}, tr.Stats("btcusdt"))

	// Resolved records never double-count.
	tr.OnTick("btcusdt", 103, 105.0)
	assert.Equal(t, Counters{Total: 1, Rise: 1}, tr.Stats("btcusdt"))
}

func TestTracker_PumpReversal(t *testing.T) {
	tr := newTracker()
	tr.RecordImpulse("btcusdt", 100, 100.0, 1)

	tr.OnTick("btcusdt", 101, 99.5)
	assert.Equal(t, Counters{Total: 1, Fall: 1}, tr.Stats("btcusdt"))
}

func TestTracker_DumpDirections(t *testing.T) {
	tr := newTracker()

	// A dump that keeps falling counts as continuation.
	tr.RecordImpulse("ethusdt", 100, 100.0, -1)
	tr.OnTick("ethusdt", 101, 99.0)
	assert.Equal(t, Counters{Total: 1, Rise: 1}, tr.Stats("ethusdt"))

	// A dump that bounces back counts as reversal.
	tr.RecordImpulse("solusdt", 100, 100.0, -1)
	tr.OnTick("solusdt", 101, 100.5)
	assert.Equal(t, Counters{Total: 1, Fall: 1}, tr.Stats("solusdt"))
}

func TestTracker_IgnoresTicksBeforeReference(t *testing.T) {
	tr := newTracker()
	tr.RecordImpulse("btcusdt", 100, 100.0, 1)

	tr.OnTick("btcusdt", 99, 105.0)
	assert.Equal(t, Counters{Total: 1}, tr.Stats("btcusdt"))

	tr.OnTick("btcusdt", 100, 101.0)
	assert.Equal(t, Counters{Total: 1, Rise: 1}, tr.Stats("btcusdt"))
}

func TestTracker_UnresolvedRecordsExpire(t *testing.T) {
	tr := newTracker()
	tr.RecordImpulse("btcusdt", 100, 100.0, 1)

	tr.OnTick("btcusdt", 100+expireAfterSec+1, 100.0)
	assert.Equal(t, Counters{Total: 1}, tr.Stats("btcusdt"))

	// The record is gone, so even a large move changes nothing.
	tr.OnTick("btcusdt", 100+expireAfterSec+2, 110.0)
	assert.Equal(t, Counters{Total: 1}, tr.Stats("btcusdt"))
}

func TestTracker_OtherSymbolsUntouched(t *testing.T) {
	tr := newTracker()
	tr.RecordImpulse("btcusdt", 100, 100.0, 1)

	tr.OnTick("ethusdt", 101, 1.0)
	assert.Equal(t, Counters{Total: 1}, tr.Stats("btcusdt"))
	assert.Equal(t, Counters{}, tr.Stats("ethusdt"))
}

func TestTracker_Top(t *testing.T) {
	tr := newTracker()
	tr.RecordImpulse("btcusdt", 100, 100.0, 1)
	tr.RecordImpulse("btcusdt", 200, 100.0, 1)
	tr.RecordImpulse("ethusdt", 100, 100.0, 1)
	tr.RecordImpulse("solusdt", 100, 100.0, 1)

	top := tr.Top(2)
	assert.Equal(t, []SymbolCount{
		{Symbol: "btcusdt", Total: 2},
		{Symbol: "ethusdt", Total: 1},
	}, top)

	assert.Len(t, tr.Top(10), 3)
}
