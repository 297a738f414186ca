package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedStatus struct{ s Status }

func (f fixedStatus) StatusSnapshot() Status { return f.s }

func newTestServer(t *testing.T) (*MetricsRegistry, *httptest.Server) {
	t.Helper()
	metrics := NewMetricsRegistry()
	srv := NewServer("127.0.0.1:0", fixedStatus{s: Status{
		Monitoring:        true,
		RealtimeConnected: true,
		Username:          "Alice",
		Shard:             "pub-use1a-512",
		Version:           "4.2.1",
		Mode:              "SC_Default",
	}}, metrics)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return metrics, ts
}

func TestServer_Healthz(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_StatusJSON(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.True(t, got.Monitoring)
	assert.True(t, got.RealtimeConnected)
	assert.Equal(t, "Alice", got.Username)
	assert.Equal(t, "pub-use1a-512", got.Shard)
}

func TestServer_MetricsEndpointServesRegistry(t *testing.T) {
	metrics, ts := newTestServer(t)
	metrics.Observe("engine_lines_total", 3, nil)
	metrics.Observe("realtime_broadcasts_total", 1, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsRegistry_ObserveRoutesCounters(t *testing.T) {
	m := NewMetricsRegistry()
	m.Observe("engine_lines_total", 5, nil)
	m.Observe("engine_rule_matches_total", 2, map[string]string{"rule": "player_death"})
	m.Observe("rate_limit_drops_total", 1, map[string]string{"type": "discord"})
	m.Observe("dispatch_batches_total", 1, nil)
	m.Observe("bus_messages_published_total", 4, map[string]string{"level": "INFO"})
	m.Observe("some_unknown_metric", 9, nil)

	families, err := m.Gatherer().Gather()
	require.NoError(t, err)

	byName := map[string]*dto.MetricFamily{}
	for _, f := range families {
		byName[f.GetName()] = f
	}

	assert.Equal(t, float64(5),
		byName["versewatch_log_lines_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, float64(1),
		byName["versewatch_dispatch_batches_total"].GetMetric()[0].GetCounter().GetValue())

	matches := byName["versewatch_rule_matches_total"].GetMetric()
	require.Len(t, matches, 1)
	assert.Equal(t, float64(2), matches[0].GetCounter().GetValue())
	assert.Equal(t, "player_death", matches[0].GetLabel()[0].GetValue())

	published := byName["versewatch_messages_published_total"].GetMetric()
	require.Len(t, published, 1)
	assert.Equal(t, float64(4), published[0].GetCounter().GetValue())

	_, unknownRegistered := byName["some_unknown_metric"]
	assert.False(t, unknownRegistered)
}

func TestMetricsRegistry_GaugeLifecycle(t *testing.T) {
	m := NewMetricsRegistry()
	m.RealtimeConnected.Set(1)

	families, err := m.Gatherer().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "versewatch_realtime_connected" {
			assert.Equal(t, float64(1), f.GetMetric()[0].GetGauge().GetValue())
			return
		}
	}
	t.Fatal("gauge not gathered")
}
