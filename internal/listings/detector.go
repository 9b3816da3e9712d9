// Package listings watches exchangeInfo for newly tradable USDT
// perpetuals and announces them to the admin chat and the push hub.
package listings

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Nike5170/Screener/internal/binance"
	"github.com/Nike5170/Screener/internal/notify"
)

const fetchTimeout = 5 * time.Second

// ChatSink is the admin chat surface the detector announces on.
type ChatSink interface {
	Send(text string)
}

// Broadcaster pushes the listing event to connected clients.
type Broadcaster interface {
	Broadcast(payload map[string]any)
}

// Detector polls the symbol roster. The first successful fetch only
// seeds the known set; announcements start with the second.
type Detector struct {
	rest  *binance.RESTClient
	chat  ChatSink
	hub   Broadcaster
	poll  time.Duration
	known map[string]struct{}
}

func NewDetector(rest *binance.RESTClient, chat ChatSink, hub Broadcaster, poll time.Duration) *Detector {
	return &Detector{
		rest: rest,
		chat: chat,
		hub:  hub,
		poll: poll,
	}
}

// Run polls until ctx is canceled. Fetch failures log and wait for
// the next tick; symbols delisted upstream never leave the known set.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	d.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.scan(ctx)
		}
	}
}

func (d *Detector) scan(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	info, err := d.rest.ExchangeInfo(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("listings roster fetch failed")
		return
	}

	current := make(map[string]struct{}, len(info))
	for _, s := range info {
		if s.ActiveUSDTPerp() {
			current[strings.ToLower(s.Symbol)] = struct{}{}
		}
	}

	if d.known == nil {
		d.known = current
		log.Info().Int("symbols", len(current)).Msg("listings detector initialized")
		return
	}

	for sym := range current {
		if _, seen := d.known[sym]; seen {
			continue
		}
		d.announce(sym)
		d.known[sym] = struct{}{}
	}
}

func (d *Detector) announce(symbol string) {
	log.Info().Str("symbol", strings.ToUpper(symbol)).Msg("new futures listing detected")
	if d.chat != nil {
		d.chat.Send(notify.FormatListing(symbol))
	}
	if d.hub != nil {
		d.hub.Broadcast(map[string]any{
			"type":   "listing",
			"symbol": strings.ToUpper(symbol),
			"ts":     float64(time.Now().UnixNano()) / 1e9,
		})
	}
}
