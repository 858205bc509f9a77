package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// metricValue returns the value of the named series whose labels include want.
func metricValue(t *testing.T, m *Metrics, name string, want map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if !hasLabels(metric, want) {
				continue
			}
			switch {
			case metric.GetCounter() != nil:
				return metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				return metric.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, want)
	return 0
}

func hasLabels(metric *dto.Metric, want map[string]string) bool {
	found := 0
	for _, lp := range metric.GetLabel() {
		if v, ok := want[lp.GetName()]; ok && v == lp.GetValue() {
			found++
		}
	}
	return found == len(want)
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.StreamStarted("http")
	m.StreamStarted("http")
	m.StreamStarted("ffmpeg")
	m.StreamStopped("failed")
	m.AdmissionDenied(3)
	m.AcquisitionFailed("connect_failed")
	m.UpstreamBytes(1000)
	m.UpstreamBytes(500)
	m.EmptyRead()
	m.ClientFinished(4096, 128)

	assert.Equal(t, 2.0, metricValue(t, m, "streammux_streams_started_total", map[string]string{"mode": "http"}))
	assert.Equal(t, 1.0, metricValue(t, m, "streammux_streams_started_total", map[string]string{"mode": "ffmpeg"}))
	assert.Equal(t, 1.0, metricValue(t, m, "streammux_streams_stopped_total", map[string]string{"reason": "failed"}))
	assert.Equal(t, 1.0, metricValue(t, m, "streammux_admission_denied_total", map[string]string{"group": "3"}))
	assert.Equal(t, 1.0, metricValue(t, m, "streammux_acquisition_failures_total", map[string]string{"kind": "connect_failed"}))
	assert.Equal(t, 1500.0, metricValue(t, m, "streammux_upstream_bytes_total", nil))
	assert.Equal(t, 1.0, metricValue(t, m, "streammux_upstream_empty_reads_total", nil))
	assert.Equal(t, 4096.0, metricValue(t, m, "streammux_client_bytes_total", nil))
	assert.Equal(t, 128.0, metricValue(t, m, "streammux_reader_dropped_bytes_total", nil))
}

func TestMetrics_HandlerRefreshesGauges(t *testing.T) {
	m := NewMetrics()

	var calls atomic.Int32
	srv := httptest.NewServer(m.Handler(func() {
		calls.Add(1)
		m.SetActiveStreams(2)
		m.SetSubscribers(5)
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
	assert.Contains(t, string(body), "streammux_active_streams 2")
	assert.Contains(t, string(body), "streammux_subscribers 5")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()

	a.UpstreamBytes(10)

	assert.Equal(t, 10.0, metricValue(t, a, "streammux_upstream_bytes_total", nil))
	assert.Equal(t, 0.0, metricValue(t, b, "streammux_upstream_bytes_total", nil))
}
