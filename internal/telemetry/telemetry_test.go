package telemetry

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, m *Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			require.NotEmpty(t, mf.GetMetric())
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestMetrics_DropRatio(t *testing.T) {
	m := NewMetrics()

	m.RecordDetectorEnqueue(1)
	m.RecordDetectorEnqueue(2)
	m.RecordDetectorEnqueue(3)
	m.RecordDetectorDrop()

	assert.InDelta(t, 0.25, gaugeValue(t, m, "screener_detector_drop_ratio"), 1e-9)
	assert.InDelta(t, 3, gaugeValue(t, m, "screener_detector_queue_depth"), 1e-9)
}

func TestMetrics_CounterWrite(t *testing.T) {
	m := NewMetrics()

	m.RecordTick("aggTrade")
	m.RecordTick("aggTrade")
	m.RecordTick("markPrice")

	mf := &io_prometheus_client.Metric{}
	counter, err := m.TicksTotal.GetMetricWithLabelValues("aggTrade")
	require.NoError(t, err)
	require.NoError(t, counter.Write(mf))
	assert.Equal(t, 2.0, mf.GetCounter().GetValue())
}

func TestServer_Health(t *testing.T) {
	srv, err := NewServer("127.0.0.1:0", NewMetrics(), func() map[string]any {
		return map[string]any{"symbols": 42}
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "ok", payload["status"])
	assert.Equal(t, float64(42), payload["symbols"])
}

func TestServer_Metrics(t *testing.T) {
	m := NewMetrics()
	m.RecordImpulse("BTCUSDT")

	srv, err := NewServer("127.0.0.1:0", m, nil)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `screener_impulses_total{symbol="BTCUSDT"} 1`))
}

func TestServer_NotFound(t *testing.T) {
	srv, err := NewServer("127.0.0.1:0", NewMetrics(), nil)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
