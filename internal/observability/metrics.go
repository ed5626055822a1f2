package observability

import "sync"

// Metrics provides counters, gauges, and histogram recording primitives.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

// Metric names emitted by the streaming path.
const (
	MetricFramesDecoded = "marketws_frames_decoded_total"
	MetricDecodeErrors  = "marketws_decode_errors_total"
	MetricReconnects    = "marketws_reconnects_total"
	MetricBookResyncs   = "marketws_book_resyncs_total"
	MetricDecodeLatency = "marketws_decode_latency_ms"
)

var defaultMetrics Metrics = noopMetrics{}

// SetMetrics overrides the global metrics implementation used by the system.
func SetMetrics(metrics Metrics) {
	if metrics == nil {
		defaultMetrics = noopMetrics{}
		return
	}
	defaultMetrics = metrics
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	return defaultMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, map[string]string)       {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)         {}

// StreamMetricsSnapshot captures per-stream runtime counters.
type StreamMetricsSnapshot struct {
	FramesDecoded map[string]int64 `json:"frames_decoded"`
	DecodeErrors  map[string]int64 `json:"decode_errors"`
	Reconnects    map[string]int64 `json:"reconnects"`
	BookResyncs   map[string]int64 `json:"book_resyncs"`
}

// RuntimeMetrics accumulates stream metrics in-memory for periodic export.
// It implements Metrics, dispatching counter increments by metric name, so
// it can serve as the process-wide sink via SetMetrics or as a per-client
// collector.
type RuntimeMetrics struct {
	mu      sync.Mutex
	streams StreamMetricsSnapshot
}

var _ Metrics = (*RuntimeMetrics)(nil)

// NewRuntimeMetrics constructs a metrics accumulator with empty maps.
func NewRuntimeMetrics() *RuntimeMetrics {
	metrics := new(RuntimeMetrics)
	metrics.streams = StreamMetricsSnapshot{
		FramesDecoded: make(map[string]int64),
		DecodeErrors:  make(map[string]int64),
		Reconnects:    make(map[string]int64),
		BookResyncs:   make(map[string]int64),
	}
	return metrics
}

// RecordFrame increments the decoded-frame counter for a stream key.
func (m *RuntimeMetrics) RecordFrame(stream string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams.FramesDecoded[stream]++
}

// RecordDecodeError increments the decode-error counter for a stream key.
func (m *RuntimeMetrics) RecordDecodeError(stream string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams.DecodeErrors[stream]++
}

// RecordReconnect increments the reconnect counter for a transport label.
func (m *RuntimeMetrics) RecordReconnect(transport string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams.Reconnects[transport]++
}

// RecordBookResync increments the order-book resync counter for a stream key.
func (m *RuntimeMetrics) RecordBookResync(stream string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams.BookResyncs[stream]++
}

// IncCounter routes the named counter to the matching per-stream bucket.
// Unknown counter names are dropped.
func (m *RuntimeMetrics) IncCounter(name string, value float64, labels map[string]string) {
	if value <= 0 {
		return
	}
	key := labelKey(labels)
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := int64(0); i < int64(value); i++ {
		switch name {
		case MetricFramesDecoded:
			m.streams.FramesDecoded[key]++
		case MetricDecodeErrors:
			m.streams.DecodeErrors[key]++
		case MetricReconnects:
			m.streams.Reconnects[key]++
		case MetricBookResyncs:
			m.streams.BookResyncs[key]++
		default:
			return
		}
	}
}

// ObserveHistogram is a no-op; the accumulator tracks counters only.
func (m *RuntimeMetrics) ObserveHistogram(string, float64, map[string]string) {}

// SetGauge is a no-op; the accumulator tracks counters only.
func (m *RuntimeMetrics) SetGauge(string, float64, map[string]string) {}

// labelKey picks the most specific label as the bucket key.
func labelKey(labels map[string]string) string {
	for _, name := range []string{"stream", "transport", "symbol", "endpoint", "exchange"} {
		if v, ok := labels[name]; ok && v != "" {
			return v
		}
	}
	return "unlabeled"
}

// Snapshot copies the current stream metrics state for reporting.
func (m *RuntimeMetrics) Snapshot() StreamMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := StreamMetricsSnapshot{
		FramesDecoded: make(map[string]int64, len(m.streams.FramesDecoded)),
		DecodeErrors:  make(map[string]int64, len(m.streams.DecodeErrors)),
		Reconnects:    make(map[string]int64, len(m.streams.Reconnects)),
		BookResyncs:   make(map[string]int64, len(m.streams.BookResyncs)),
	}
	for k, v := range m.streams.FramesDecoded {
		snapshot.FramesDecoded[k] = v
	}
	for k, v := range m.streams.DecodeErrors {
		snapshot.DecodeErrors[k] = v
	}
	for k, v := range m.streams.Reconnects {
		snapshot.Reconnects[k] = v
	}
	for k, v := range m.streams.BookResyncs {
		snapshot.BookResyncs[k] = v
	}
	return snapshot
}
