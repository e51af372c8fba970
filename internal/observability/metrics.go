package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	storeRequestsTotal  *prometheus.CounterVec
	storeDuration       *prometheus.HistogramVec
	taskPollsTotal      *prometheus.CounterVec
	uploadFallbacks     *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "annostore_http_requests_total",
				Help: "Total number of HTTP requests handled by the relay.",
			},
			[]string{"route", "method", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "annostore_http_request_duration_seconds",
				Help:    "Relay HTTP request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method", "status"},
		),
		storeRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "annostore_store_requests_total",
				Help: "Total requests sent to the annotation store, by operation.",
			},
			[]string{"operation", "status"},
		),
		storeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "annostore_store_request_duration_seconds",
				Help:    "Annotation store request duration in seconds.",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"operation", "status"},
		),
		taskPollsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "annostore_task_polls_total",
				Help: "Task status polls, by whether the task was still running.",
			},
			[]string{"running"},
		),
		uploadFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "annostore_upload_legacy_fallback_total",
				Help: "Uploads that fell back to the legacy single-phase endpoint.",
			},
			[]string{"merge"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.storeRequestsTotal,
		m.storeDuration,
		m.taskPollsTotal,
		m.uploadFallbacks,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTP(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "UNKNOWN"
	}
	statusLabel := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(route, method, statusLabel).Inc()
	m.httpRequestDuration.WithLabelValues(route, method, statusLabel).Observe(duration.Seconds())
}

// ObserveStore matches store.ObserverFunc. Status 0 means no response.
func (m *Metrics) ObserveStore(operation string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	statusLabel := strconv.Itoa(status)
	m.storeRequestsTotal.WithLabelValues(operation, statusLabel).Inc()
	m.storeDuration.WithLabelValues(operation, statusLabel).Observe(duration.Seconds())
}

// ObserveTaskPoll matches task.PollObserver.
func (m *Metrics) ObserveTaskPoll(_ string, running bool) {
	if m == nil {
		return
	}
	m.taskPollsTotal.WithLabelValues(strconv.FormatBool(running)).Inc()
}

// IncUploadFallback matches upload.FallbackObserver.
func (m *Metrics) IncUploadFallback(merge bool) {
	if m == nil {
		return
	}
	m.uploadFallbacks.WithLabelValues(strconv.FormatBool(merge)).Inc()
}
