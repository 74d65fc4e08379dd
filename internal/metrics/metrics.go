// Package metrics exposes the engine's Prometheus counters and gauges.
// Grounded on the teacher's internal/metrics package: a namespaced registry
// of CounterVec/HistogramVec/GaugeVec instances registered at init, plus an
// HTTP middleware that labels by chi's matched route pattern to keep
// cardinality bounded.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "edge_agent"

// HTTP metrics (diagnostics surface — incremented by InstrumentHandler).
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Diagnostics HTTP requests processed.",
	}, []string{"method", "path_pattern", "status_code"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Diagnostics HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path_pattern"})

	HTTPResponseSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_response_size_bytes",
		Help:      "Diagnostics HTTP response size in bytes.",
		Buckets:   prometheus.ExponentialBuckets(100, 10, 7),
	}, []string{"method", "path_pattern"})

	SSEEventsPublishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sse_events_published_total",
		Help:      "Live diagnostics events published over /ws/events.",
	})
)

// Engine metrics (spec.md §7: "every dropped sample, dropped payload,
// rejected campaign, and failed transport attempt increments a named
// counter").
var (
	SamplesDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "samples_dropped_total",
		Help:      "Samples dropped by the Signal Buffer Distributor on per-source queue overflow.",
	}, []string{"source"})

	HistoryEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "history_evictions_total",
		Help:      "Samples evicted from a full signal history ring to make room for a newer sample.",
	})

	CampaignsByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "campaigns_by_state",
		Help:      "Number of known campaigns currently in each lifecycle state.",
	}, []string{"state"})

	PayloadsFiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payloads_fired_total",
		Help:      "Campaign fires that produced a Payload.",
	})

	SenderQueueDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sender_queue_dropped_total",
		Help:      "Payloads dropped because the Sender Queue was full past its backpressure timeout.",
	})

	PayloadStoreBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "payload_store_bytes",
		Help:      "Current total bytes held in the on-disk Payload Manager store.",
	})

	PayloadStoreEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payload_store_evictions_total",
		Help:      "Payloads evicted from the on-disk store to satisfy the byte quota.",
	})

	CommandsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "commands_in_flight",
		Help:      "Commands awaiting a terminal CommandResponse.",
	})

	CommandTimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "command_timeouts_total",
		Help:      "Commands that reached execution_timeout_ms with no terminal status from their dispatcher.",
	})

	MQTTMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mqtt_messages_total",
		Help:      "MQTT messages processed, by topic and direction.",
	}, []string{"topic", "direction"})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPResponseSize,
		SSEEventsPublishedTotal,
		SamplesDroppedTotal,
		HistoryEvictionsTotal,
		CampaignsByState,
		PayloadsFiredTotal,
		SenderQueueDroppedTotal,
		PayloadStoreBytes,
		PayloadStoreEvictionsTotal,
		CommandsInFlight,
		CommandTimeoutsTotal,
		MQTTMessagesTotal,
	)
}

// InstrumentHandler returns middleware that records HTTP request metrics.
// It uses chi's route pattern as the path label to avoid cardinality
// explosion from raw paths.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unknown"
		}
		method := r.Method
		status := strconv.Itoa(sw.status)
		duration := time.Since(start).Seconds()

		HTTPRequestsTotal.WithLabelValues(method, pattern, status).Inc()
		HTTPRequestDuration.WithLabelValues(method, pattern).Observe(duration)
		HTTPResponseSize.WithLabelValues(method, pattern).Observe(float64(sw.written))
	})
}

// statusWriter wraps http.ResponseWriter to capture status code and bytes written.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}

// Unwrap supports http.ResponseController and middleware that check for
// wrapped writers (e.g. http.Flusher for SSE streaming).
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
