// Package telemetry exposes the screener's Prometheus metrics and the
// local ops HTTP server that serves them.
package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the screener.
type Metrics struct {
	// Ingest
	TicksTotal        *prometheus.CounterVec
	ClustersFinalized prometheus.Counter

	// Detector queue
	DetectorQueueDepth prometheus.Gauge
	DetectorEnqueued   prometheus.Counter
	DetectorDropped    prometheus.Counter
	DetectorDropRatio  prometheus.Gauge
	ImpulsesTotal      *prometheus.CounterVec

	// Notifier queue
	NotifierQueueDepth prometheus.Gauge
	NotifierDropped    prometheus.Counter

	// Push hub
	HubClients   prometheus.Gauge
	HubSent      *prometheus.CounterVec
	ClientEvents *prometheus.CounterVec

	// Universe
	UniverseSymbols prometheus.Gauge
	UniverseRefresh prometheus.Histogram

	// Upstream connectivity
	WSReconnects *prometheus.CounterVec
	RESTRequests *prometheus.CounterVec

	reg *prometheus.Registry
}

// NewMetrics creates a metrics set backed by its own registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "screener_ticks_total",
				Help: "Total number of upstream events processed by stream",
			},
			[]string{"stream"},
		),

		ClustersFinalized: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "screener_clusters_finalized_total",
				Help: "Total number of finalized price clusters",
			},
		),

		DetectorQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "screener_detector_queue_depth",
				Help: "Current number of pending detector checks",
			},
		),

		DetectorEnqueued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "screener_detector_enqueued_total",
				Help: "Total number of detector checks accepted into the queue",
			},
		),

		DetectorDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "screener_detector_dropped_total",
				Help: "Total number of detector checks dropped on a full queue",
			},
		),

		DetectorDropRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "screener_detector_drop_ratio",
				Help: "Share of detector checks dropped since start (0.0 to 1.0)",
			},
		),

		ImpulsesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "screener_impulses_total",
				Help: "Total number of impulse events emitted by symbol",
			},
			[]string{"symbol"},
		),

		NotifierQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "screener_notifier_queue_depth",
				Help: "Current number of queued Telegram messages",
			},
		),

		NotifierDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "screener_notifier_dropped_total",
				Help: "Total number of Telegram messages dropped on a full queue",
			},
		),

		HubClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "screener_hub_clients",
				Help: "Current number of connected push hub clients",
			},
		),

		HubSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "screener_hub_sent_total",
				Help: "Total number of hub messages delivered by kind",
			},
			[]string{"kind"},
		),

		ClientEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "screener_client_events_total",
				Help: "Total number of hub client commands by event type",
			},
			[]string{"event"},
		),

		UniverseSymbols: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "screener_universe_symbols",
				Help: "Number of symbols in the active universe",
			},
		),

		UniverseRefresh: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "screener_universe_refresh_seconds",
				Help:    "Duration of universe refresh runs in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),

		WSReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "screener_ws_reconnects_total",
				Help: "Total number of websocket reconnects by session",
			},
			[]string{"session"},
		),

		RESTRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "screener_rest_requests_total",
				Help: "Total number of Binance REST requests by endpoint and status",
			},
			[]string{"endpoint", "code"},
		),

		reg: prometheus.NewRegistry(),
	}

	m.reg.MustRegister(
		m.TicksTotal,
		m.ClustersFinalized,
		m.DetectorQueueDepth,
		m.DetectorEnqueued,
		m.DetectorDropped,
		m.DetectorDropRatio,
		m.ImpulsesTotal,
		m.NotifierQueueDepth,
		m.NotifierDropped,
		m.HubClients,
		m.HubSent,
		m.ClientEvents,
		m.UniverseSymbols,
		m.UniverseRefresh,
		m.WSReconnects,
		m.RESTRequests,
	)

	return m
}

// Registry returns the backing registry for handler wiring.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// RecordTick records one processed upstream event.
func (m *Metrics) RecordTick(stream string) {
	m.TicksTotal.WithLabelValues(stream).Inc()
}

// RecordClustersFinalized records n finalized clusters.
func (m *Metrics) RecordClustersFinalized(n int) {
	if n > 0 {
		m.ClustersFinalized.Add(float64(n))
	}
}

// RecordDetectorEnqueue records a check accepted into the detector queue.
func (m *Metrics) RecordDetectorEnqueue(depth int) {
	m.DetectorEnqueued.Inc()
	m.DetectorQueueDepth.Set(float64(depth))
	m.updateDropRatio()
}

// RecordDetectorDrop records a check dropped because the queue was full.
func (m *Metrics) RecordDetectorDrop() {
	m.DetectorDropped.Inc()
	m.updateDropRatio()
}

// RecordImpulse records an emitted impulse event.
func (m *Metrics) RecordImpulse(symbol string) {
	m.ImpulsesTotal.WithLabelValues(symbol).Inc()
}

// RecordHubSent records a delivered hub message.
func (m *Metrics) RecordHubSent(kind string) {
	m.HubSent.WithLabelValues(kind).Inc()
}

// RecordClientEvent records a hub client command.
func (m *Metrics) RecordClientEvent(event string) {
	m.ClientEvents.WithLabelValues(event).Inc()
}

// RecordWSReconnect records a websocket reconnect for a session.
func (m *Metrics) RecordWSReconnect(session string) {
	m.WSReconnects.WithLabelValues(session).Inc()
}

// RecordRESTRequest records a completed Binance REST request.
func (m *Metrics) RecordRESTRequest(endpoint string, code int) {
	m.RESTRequests.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
}

// ObserveUniverseRefresh records the duration of a universe refresh.
func (m *Metrics) ObserveUniverseRefresh(d time.Duration, symbols int) {
	m.UniverseRefresh.Observe(d.Seconds())
	m.UniverseSymbols.Set(float64(symbols))
}

// updateDropRatio recomputes the derived drop-ratio gauge from the
// enqueue and drop counters.
func (m *Metrics) updateDropRatio() {
	var enqueued, dropped float64

	mf := &io_prometheus_client.Metric{}
	if err := m.DetectorEnqueued.Write(mf); err == nil {
		enqueued = mf.GetCounter().GetValue()
	}

	mf = &io_prometheus_client.Metric{}
	if err := m.DetectorDropped.Write(mf); err == nil {
		dropped = mf.GetCounter().GetValue()
	}

	if total := enqueued + dropped; total > 0 {
		m.DetectorDropRatio.Set(dropped / total)
	}
}
