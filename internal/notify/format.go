package notify

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Nike5170/Screener/internal/impulse"
)

// FormatImpulse renders the alert text for one impulse event.
// volume24h is the symbol's 24h quote volume from the universe epoch.
func FormatImpulse(ev *impulse.Event, volume24h int64) string {
	symbol := strings.ToUpper(ev.Symbol)

	marker, directionText := "🔴", "Dump"
	if ev.Direction() > 0 {
		marker, directionText = "🟢", "Pump"
	}

	duration := ev.Ts - ev.RefTime
	if duration < 0.001 {
		duration = 0.001
	}
	speed := ev.ChangePctFromStart / duration

	natr := 0.0
	if ev.TriggerPrice > 0 {
		natr = ev.ATRValue / ev.TriggerPrice * 100
	}
	maxDelta := ev.ATRMaxDelta * ev.ATRValue

	var b strings.Builder
	fmt.Fprintf(&b, "%s <code>%s</code> %s\n", marker, symbol, directionText)
	fmt.Fprintf(&b, "Change: %.2f%% in %.2f sec\n", ev.ChangePctFromStart, duration)
	fmt.Fprintf(&b, "(Binance Futures, NATR 1m/14: %.2f%%)\n\n", natr)
	fmt.Fprintf(&b, "📍 Impulse start price: %s\n", formatPrice(ev.RefPrice))
	fmt.Fprintf(&b, "📉 Max delta price: %s (Δ=%.4f)\n", formatPrice(ev.MaxDeltaPrice), maxDelta)
	fmt.Fprintf(&b, "🚀 Trigger price: %s\n\n", formatPrice(ev.TriggerPrice))
	fmt.Fprintf(&b, "Speed: %.3f%%/sec\n", speed)
	fmt.Fprintf(&b, "📐 Impulse amplitude: %.2f ATR\n", ev.ATRFromStart)
	fmt.Fprintf(&b, "📊 24h volume: %s USDT\n", GroupThousands(float64(volume24h), 0))
	fmt.Fprintf(&b, "🔥 Impulse volume: %s USDT (%d trades)",
		GroupThousands(ev.ImpulseVolumeQuote, 1), ev.ImpulseTrades)
	if ev.MarkDeltaPct != nil {
		fmt.Fprintf(&b, "\n📌 Mark delta: %.2f%%", *ev.MarkDeltaPct)
	}
	return b.String()
}

// FormatStartup is the admin message sent once the stream is up.
func FormatStartup() string {
	return "✅ ATR screener started."
}

// FormatListing announces a newly listed futures symbol.
func FormatListing(symbol string) string {
	return fmt.Sprintf("🆕 New Binance Futures listing: <code>%s</code>", strings.ToUpper(symbol))
}

// formatPrice keeps the shortest exact decimal form, so 0.00001234
// never collapses to scientific notation.
func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}

// GroupThousands renders v with comma-grouped integer digits and the
// given number of decimals.
func GroupThousands(v float64, decimals int) string {
	s := strconv.FormatFloat(v, 'f', decimals, 64)
	intPart, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, frac = s[:i], s[i:]
	}
	neg := strings.HasPrefix(intPart, "-")
	if neg {
		intPart = intPart[1:]
	}

	var b strings.Builder
	for i, c := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}

	out := b.String() + frac
	if neg {
		out = "-" + out
	}
	return out
}
