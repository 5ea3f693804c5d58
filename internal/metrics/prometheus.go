package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for the agent pipeline.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	samplesTotal           *prometheus.CounterVec
	sessionsCompletedTotal prometheus.Counter
	batchesEnqueuedTotal   prometheus.Counter
	batchesDroppedTotal    prometheus.Counter
	batchesUploadedTotal   prometheus.Counter
	uploadFailuresTotal    *prometheus.CounterVec
	tokenRefreshesTotal    *prometheus.CounterVec

	uploadRequestDuration prometheus.Histogram

	queueDepth prometheus.Gauge
	uptime     prometheus.GaugeFunc
}

var (
	promMetrics *PrometheusMetrics
	startTime   = time.Now()
)

// InitPrometheus initializes the Prometheus metrics subsystem. Recording
// functions are no-ops until this is called.
func InitPrometheus(namespace string) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		samplesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "samples_total",
				Help:      "Foreground samples taken, by whether a package was tracked",
			},
			[]string{"tracked"},
		),

		sessionsCompletedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_completed_total",
				Help:      "Usage sessions finalized by the tracker",
			},
		),

		batchesEnqueuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_enqueued_total",
				Help:      "Batches accepted into the durable queue",
			},
		),

		batchesDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_dropped_total",
				Help:      "Batches dropped at enqueue for exceeding the size ceiling",
			},
		),

		batchesUploadedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_uploaded_total",
				Help:      "Batches fully delivered and popped from the queue",
			},
		),

		uploadFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upload_failures_total",
				Help:      "Upload passes that stopped early, by failure reason",
			},
			[]string{"reason"},
		),

		tokenRefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_refreshes_total",
				Help:      "Token refresh attempts by result",
			},
			[]string{"result"},
		),

		uploadRequestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upload_request_duration_milliseconds",
				Help:      "Duration of chunk POST requests including retries",
				Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
			},
		),

		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Batches currently pending in the durable queue",
			},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the agent started",
		},
		func() float64 {
			return time.Since(startTime).Seconds()
		},
	)

	registry.MustRegister(
		pm.samplesTotal,
		pm.sessionsCompletedTotal,
		pm.batchesEnqueuedTotal,
		pm.batchesDroppedTotal,
		pm.batchesUploadedTotal,
		pm.uploadFailuresTotal,
		pm.tokenRefreshesTotal,
		pm.uploadRequestDuration,
		pm.queueDepth,
		pm.uptime,
	)

	promMetrics = pm
}

// RecordSample records one foreground sample.
func RecordSample(tracked bool) {
	if promMetrics == nil {
		return
	}
	label := "false"
	if tracked {
		label = "true"
	}
	promMetrics.samplesTotal.WithLabelValues(label).Inc()
}

// RecordSessionCompleted records a finalized session.
func RecordSessionCompleted() {
	if promMetrics == nil {
		return
	}
	promMetrics.sessionsCompletedTotal.Inc()
}

// RecordBatchEnqueued records a batch accepted into the queue.
func RecordBatchEnqueued() {
	if promMetrics == nil {
		return
	}
	promMetrics.batchesEnqueuedTotal.Inc()
}

// RecordBatchDropped records a batch dropped for exceeding the size ceiling.
func RecordBatchDropped() {
	if promMetrics == nil {
		return
	}
	promMetrics.batchesDroppedTotal.Inc()
}

// RecordBatchUploaded records a fully delivered batch.
func RecordBatchUploaded() {
	if promMetrics == nil {
		return
	}
	promMetrics.batchesUploadedTotal.Inc()
}

// RecordUploadFailure records an upload pass that stopped with a reason.
func RecordUploadFailure(reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.uploadFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordTokenRefresh records a refresh attempt. result: success, failed, unauthorized
func RecordTokenRefresh(result string) {
	if promMetrics == nil {
		return
	}
	promMetrics.tokenRefreshesTotal.WithLabelValues(result).Inc()
}

// ObserveUploadRequestDuration records a chunk POST duration in milliseconds.
func ObserveUploadRequestDuration(durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.uploadRequestDuration.Observe(durationMs)
}

// SetQueueDepth sets the pending batch gauge.
func SetQueueDepth(depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueDepth.Set(float64(depth))
}

// Handler returns an HTTP handler for Prometheus scraping.
func Handler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}
