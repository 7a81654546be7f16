package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal prometheus.Counter
	dequeueTotal *prometheus.CounterVec
	taskDuration prometheus.Histogram

	activeSessions   prometheus.Gauge
	sessionsTotal    *prometheus.CounterVec
	boundChannels    prometheus.Gauge
	bindsTotal       *prometheus.CounterVec
	messagesTotal    *prometheus.CounterVec
	logAppendLatency prometheus.Histogram
	deliveriesTotal  *prometheus.CounterVec
	pendingOutbound  prometheus.Gauge

	responderTotal    *prometheus.CounterVec
	responderDuration *prometheus.HistogramVec
	analysisTotal     *prometheus.CounterVec
	uploadBytes       prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "vice_queue_size",
					Help: "Queued session tasks by queue.",
				},
				[]string{"queue"},
			),
			enqueueTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "vice_queue_enqueue_total",
					Help: "Total session tasks enqueued.",
				},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vice_queue_dequeue_total",
					Help: "Total session tasks completed by status.",
				},
				[]string{"status"},
			),
			taskDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "vice_queue_task_duration_seconds",
					Help:    "Session task execution duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "vice_sessions_active",
					Help: "Current active session count.",
				},
			),
			sessionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vice_sessions_total",
					Help: "Session lifecycle transitions by action.",
				},
				[]string{"action"},
			),
			boundChannels: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "vice_channels_bound",
					Help: "Current number of live channel bindings.",
				},
			),
			bindsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vice_channel_binds_total",
					Help: "Channel bind attempts by outcome.",
				},
				[]string{"outcome"},
			),
			messagesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vice_messages_total",
					Help: "Messages appended by sender and type.",
				},
				[]string{"sender", "type"},
			),
			logAppendLatency: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "vice_message_log_append_seconds",
					Help:    "Message log append duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			deliveriesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vice_deliveries_total",
					Help: "Outbound events by kind and outcome (sent, buffered, dropped).",
				},
				[]string{"kind", "outcome"},
			),
			pendingOutbound: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "vice_pending_outbound_flushed",
					Help: "Events flushed on the most recent bind.",
				},
			),
			responderTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vice_responder_calls_total",
					Help: "Responder calls by operation and status.",
				},
				[]string{"operation", "status"},
			),
			responderDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "vice_responder_duration_seconds",
					Help:    "Responder call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			analysisTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vice_analysis_requests_total",
					Help: "Analysis requests by terminal status.",
				},
				[]string{"status"},
			),
			uploadBytes: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "vice_upload_bytes",
					Help:    "Accepted upload sizes in bytes.",
					Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
				},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.activeSessions,
			m.sessionsTotal,
			m.boundChannels,
			m.bindsTotal,
			m.messagesTotal,
			m.logAppendLatency,
			m.deliveriesTotal,
			m.pendingOutbound,
			m.responderTotal,
			m.responderDuration,
			m.analysisTotal,
			m.uploadBytes,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordQueueEnqueue(queueSize int) {
	m := getMetrics()
	m.enqueueTotal.Inc()
	m.queueSize.WithLabelValues("session").Set(float64(queueSize))
}

func RecordQueueCompletion(duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(status(success)).Inc()
	m.taskDuration.Observe(duration.Seconds())
	m.queueSize.WithLabelValues("session").Set(float64(queueSize))
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionTransition(action string) {
	m := getMetrics()
	m.sessionsTotal.WithLabelValues(action).Inc()
	switch action {
	case "created":
		m.activeSessions.Inc()
	case "expired":
		m.activeSessions.Dec()
	}
}

func RecordBind(outcome string) {
	m := getMetrics()
	m.bindsTotal.WithLabelValues(outcome).Inc()
	if outcome == "bound" {
		m.boundChannels.Inc()
	}
}

func RecordUnbind() {
	getMetrics().boundChannels.Dec()
}

func RecordFlush(count int) {
	getMetrics().pendingOutbound.Set(float64(count))
}

func RecordMessage(sender, msgType string, duration time.Duration) {
	m := getMetrics()
	m.messagesTotal.WithLabelValues(sender, msgType).Inc()
	m.logAppendLatency.Observe(duration.Seconds())
}

func RecordDelivery(kind, outcome string) {
	getMetrics().deliveriesTotal.WithLabelValues(kind, outcome).Inc()
}

func RecordResponderCall(provider, operation string, duration time.Duration, success bool) {
	m := getMetrics()
	m.responderTotal.WithLabelValues(operation, status(success)).Inc()
	m.responderDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordAnalysis(statusLabel string) {
	getMetrics().analysisTotal.WithLabelValues(statusLabel).Inc()
}

func RecordUpload(size int64) {
	getMetrics().uploadBytes.Observe(float64(size))
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
