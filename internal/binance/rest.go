package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/Nike5170/Screener/internal/telemetry"
)

// RESTClient wraps the futures REST endpoints behind a token-bucket
// limiter and a circuit breaker, so a Binance outage degrades into an
// empty universe instead of a request storm.
type RESTClient struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	metrics *telemetry.Metrics
}

// NewRESTClient builds a client against base (e.g.
// "https://fapi.binance.com"). rps bounds the steady request rate
// across all endpoints.
func NewRESTClient(base string, timeout time.Duration, rps float64, metrics *telemetry.Metrics) *RESTClient {
	settings := gobreaker.Settings{
		Name:        "binance-rest",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	return &RESTClient{
		base:    strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		breaker: gobreaker.NewCircuitBreaker(settings),
		metrics: metrics,
	}
}

// ExchangeInfo returns all listed contracts.
func (c *RESTClient) ExchangeInfo(ctx context.Context) ([]ExchangeSymbol, error) {
	var out exchangeInfoResponse
	if err := c.getJSON(ctx, "exchangeInfo", c.base+"/fapi/v1/exchangeInfo", &out); err != nil {
		return nil, err
	}
	return out.Symbols, nil
}

// Ticker24h returns rolling 24-hour stats for every symbol.
func (c *RESTClient) Ticker24h(ctx context.Context) ([]Ticker24h, error) {
	var out []Ticker24h
	if err := c.getJSON(ctx, "ticker24h", c.base+"/fapi/v1/ticker/24hr", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DepthSnapshot returns the order book for one symbol.
func (c *RESTClient) DepthSnapshot(ctx context.Context, symbol string, limit int) (*Depth, error) {
	url := fmt.Sprintf("%s/fapi/v1/depth?symbol=%s&limit=%d", c.base, strings.ToUpper(symbol), limit)
	var out Depth
	if err := c.getJSON(ctx, "depth", url, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RESTClient) getJSON(ctx context.Context, endpoint, url string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			c.metrics.RecordRESTRequest(endpoint, 0)
			return nil, err
		}
		defer resp.Body.Close()

		c.metrics.RecordRESTRequest(endpoint, resp.StatusCode)
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("binance %s: status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
		}

		return nil, json.NewDecoder(resp.Body).Decode(out)
	})
	return err
}
