package observability

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "streammux"

// Metrics holds Prometheus counters and gauges for the stream multiplexer.
type Metrics struct {
	registry *prometheus.Registry

	streamsStarted     *prometheus.CounterVec
	streamsStopped     *prometheus.CounterVec
	admissionDenied    *prometheus.CounterVec
	acquisitionFailed  *prometheus.CounterVec
	upstreamBytes      prometheus.Counter
	emptyReads         prometheus.Counter
	readerDroppedBytes prometheus.Counter
	clientBytes        prometheus.Counter
	activeStreams      prometheus.Gauge
	subscribers        prometheus.Gauge
}

// NewMetrics creates and registers the metrics on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		streamsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "streams_started_total",
			Help:      "Upstream streams started, by acquisition mode",
		}, []string{"mode"}),
		streamsStopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "streams_stopped_total",
			Help:      "Upstream streams stopped, by terminal state",
		}, []string{"reason"}),
		admissionDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "admission_denied_total",
			Help:      "Stream creations rejected by the group limit",
		}, []string{"group"}),
		acquisitionFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "acquisition_failures_total",
			Help:      "Upstream acquisition failures, by kind",
		}, []string{"kind"}),
		upstreamBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_bytes_total",
			Help:      "Bytes read from upstreams into ring buffers",
		}),
		emptyReads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_empty_reads_total",
			Help:      "Upstream reads that returned no data",
		}),
		readerDroppedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reader_dropped_bytes_total",
			Help:      "Bytes skipped for slow downstream clients",
		}),
		clientBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "client_bytes_total",
			Help:      "Bytes delivered to downstream clients",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_streams",
			Help:      "Upstream streams currently registered",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "subscribers",
			Help:      "Downstream clients currently subscribed",
		}),
	}

	registry.MustRegister(
		m.streamsStarted,
		m.streamsStopped,
		m.admissionDenied,
		m.acquisitionFailed,
		m.upstreamBytes,
		m.emptyReads,
		m.readerDroppedBytes,
		m.clientBytes,
		m.activeStreams,
		m.subscribers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// StreamStarted counts a stream that reached the streaming state.
func (m *Metrics) StreamStarted(mode string) {
	m.streamsStarted.WithLabelValues(mode).Inc()
}

// StreamStopped counts a stream that reached a terminal state.
func (m *Metrics) StreamStopped(reason string) {
	m.streamsStopped.WithLabelValues(reason).Inc()
}

// AdmissionDenied counts a rejected creation for group.
func (m *Metrics) AdmissionDenied(group int) {
	m.admissionDenied.WithLabelValues(strconv.Itoa(group)).Inc()
}

// AcquisitionFailed counts a failed acquisition of the given kind.
func (m *Metrics) AcquisitionFailed(kind string) {
	m.acquisitionFailed.WithLabelValues(kind).Inc()
}

// UpstreamBytes adds n bytes read from an upstream.
func (m *Metrics) UpstreamBytes(n int) {
	m.upstreamBytes.Add(float64(n))
}

// EmptyRead counts an upstream read that returned nothing.
func (m *Metrics) EmptyRead() {
	m.emptyReads.Inc()
}

// ClientFinished records the totals of a downstream client that disconnected.
func (m *Metrics) ClientFinished(bytesOut, drops uint64) {
	m.clientBytes.Add(float64(bytesOut))
	m.readerDroppedBytes.Add(float64(drops))
}

// SetActiveStreams sets the active streams gauge.
func (m *Metrics) SetActiveStreams(n int) {
	m.activeStreams.Set(float64(n))
}

// SetSubscribers sets the subscribers gauge.
func (m *Metrics) SetSubscribers(n int) {
	m.subscribers.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	inner := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		inner.ServeHTTP(w, r)
	})
}
