package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for quasar metrics
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	framesTotal        *prometheus.CounterVec
	chunkBytesTotal    *prometheus.CounterVec
	protocolViolations *prometheus.CounterVec
	rpcErrorsTotal     *prometheus.CounterVec
	tasksSubmitted     prometheus.Counter
	tasksTotal         *prometheus.CounterVec
	storeOpsTotal      *prometheus.CounterVec

	// Histograms
	decodeDuration *prometheus.HistogramVec
	taskDuration   *prometheus.HistogramVec

	// Gauges
	uptime        prometheus.GaugeFunc
	activeStreams *prometheus.GaugeVec
}

// Default histogram buckets for durations (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem. Calling it
// again replaces the registry.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	startedAt := time.Now()

	pm := &PrometheusMetrics{
		registry: registry,

		framesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_total",
				Help:      "Frames sent or received, by direction and kind",
			},
			[]string{"direction", "kind"},
		),

		chunkBytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunk_bytes_total",
				Help:      "Payload and data bytes carried in frames",
			},
			[]string{"direction"},
		),

		protocolViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "protocol_violations_total",
				Help:      "Streams rejected because of an illegal frame sequence",
			},
			[]string{"stage"},
		),

		rpcErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rpc_errors_total",
				Help:      "Failed RPCs by method and error class",
			},
			[]string{"method", "class"},
		),

		tasksSubmitted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_submitted_total",
				Help:      "Tasks accepted through CreateLargeTasks",
			},
		),

		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_processed_total",
				Help:      "Tasks processed by workers",
			},
			[]string{"handler", "status"},
		),

		storeOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "datastore_operations_total",
				Help:      "Data store operations by backend, operation and result",
			},
			[]string{"backend", "op", "result"},
		),

		decodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "decode_duration_ms",
				Help:      "Time spent decoding inbound frame streams",
				Buckets:   buckets,
			},
			[]string{"decoder", "result"},
		),

		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_ms",
				Help:      "Worker handler execution time",
				Buckets:   buckets,
			},
			[]string{"handler"},
		),

		activeStreams: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_streams",
				Help:      "Streams currently open, by method",
			},
			[]string{"method"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds",
		},
		func() float64 { return time.Since(startedAt).Seconds() },
	)

	registry.MustRegister(
		pm.framesTotal,
		pm.chunkBytesTotal,
		pm.protocolViolations,
		pm.rpcErrorsTotal,
		pm.tasksSubmitted,
		pm.tasksTotal,
		pm.storeOpsTotal,
		pm.decodeDuration,
		pm.taskDuration,
		pm.uptime,
		pm.activeStreams,
	)

	promMetrics = pm
}

// RecordPrometheusFrame counts one frame and its data bytes.
func RecordPrometheusFrame(direction, kind string, dataBytes int) {
	if promMetrics == nil {
		return
	}
	promMetrics.framesTotal.WithLabelValues(direction, kind).Inc()
	if dataBytes > 0 {
		promMetrics.chunkBytesTotal.WithLabelValues(direction).Add(float64(dataBytes))
	}
}

// RecordProtocolViolation counts a rejected stream.
func RecordProtocolViolation(stage string) {
	if promMetrics == nil {
		return
	}
	promMetrics.protocolViolations.WithLabelValues(stage).Inc()
}

// RecordRPCError counts a failed RPC.
func RecordRPCError(method, class string) {
	if promMetrics == nil {
		return
	}
	promMetrics.rpcErrorsTotal.WithLabelValues(method, class).Inc()
}

// RecordTasksSubmitted counts tasks accepted in one batch.
func RecordTasksSubmitted(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.tasksSubmitted.Add(float64(n))
}

// RecordPrometheusTask records a processed task.
func RecordPrometheusTask(handler string, durationMs int64, success bool) {
	if promMetrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.tasksTotal.WithLabelValues(handler, status).Inc()
	promMetrics.taskDuration.WithLabelValues(handler).Observe(float64(durationMs))
}

// RecordDecodeDuration records how long a decoder ran.
func RecordDecodeDuration(decoder string, durationMs float64, success bool) {
	if promMetrics == nil {
		return
	}
	result := "ok"
	if !success {
		result = "error"
	}
	promMetrics.decodeDuration.WithLabelValues(decoder, result).Observe(durationMs)
}

// RecordStoreOp counts a data store operation.
func RecordStoreOp(backend, op, result string) {
	if promMetrics == nil {
		return
	}
	promMetrics.storeOpsTotal.WithLabelValues(backend, op, result).Inc()
}

// IncActiveStreams increments the open stream gauge for method.
func IncActiveStreams(method string) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeStreams.WithLabelValues(method).Inc()
}

// DecActiveStreams decrements the open stream gauge for method.
func DecActiveStreams(method string) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeStreams.WithLabelValues(method).Dec()
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors)
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
