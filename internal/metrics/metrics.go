// Package metrics exposes Prometheus collectors for the Skiff client and
// emulator.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	opsTotal            *prometheus.CounterVec
	opDurationSeconds   *prometheus.HistogramVec
	watchesActive       prometheus.Gauge
	watchEventsTotal    *prometheus.CounterVec
	txAttempts          *prometheus.HistogramVec
	uploadBytesTotal    prometheus.Counter
	feedEventsDropped   prometheus.Counter
	httpRequestsTotal   *prometheus.CounterVec
	httpDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		opsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skiff_ops_total",
				Help: "Total number of client operations, labeled by op and status.",
			},
			[]string{"op", "status"},
		)

		opDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "skiff_op_duration_seconds",
				Help:    "Histogram of client operation latencies, labeled by op.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"op"},
		)

		watchesActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "skiff_watches_active",
				Help: "Number of realtime watches currently registered.",
			},
		)

		watchEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skiff_watch_events_total",
				Help: "Total number of watch events delivered, labeled by kind.",
			},
			[]string{"kind"},
		)

		txAttempts = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "skiff_tx_attempts",
				Help:    "Histogram of attempts per transaction, labeled by outcome.",
				Buckets: []float64{1, 2, 3, 4, 5},
			},
			[]string{"outcome"},
		)

		uploadBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "skiff_upload_bytes_total",
				Help: "Total number of blob bytes transferred by uploads.",
			},
		)

		feedEventsDropped = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "skiff_feed_events_dropped_total",
				Help: "Total number of change events dropped by a saturated feed.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveOp records one client operation. Calls made before Init are
// discarded so library users who never opt in pay nothing.
func ObserveOp(op string, duration time.Duration, err error) {
	if opsTotal == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	opsTotal.WithLabelValues(op, status).Inc()
	opDurationSeconds.WithLabelValues(op).Observe(duration.Seconds())
}

// WatchOpened increments the active watches gauge.
func WatchOpened() {
	if watchesActive == nil {
		return
	}
	watchesActive.Inc()
}

// WatchClosed decrements the active watches gauge.
func WatchClosed() {
	if watchesActive == nil {
		return
	}
	watchesActive.Dec()
}

// ObserveWatchEvent counts one delivered watch event of the given kind
// (snapshot, error, complete).
func ObserveWatchEvent(kind string) {
	if watchEventsTotal == nil {
		return
	}
	watchEventsTotal.WithLabelValues(kind).Inc()
}

// ObserveTxAttempts records how many attempts a transaction took before it
// settled with the given outcome (committed, aborted, rejected).
func ObserveTxAttempts(outcome string, attempts int) {
	if txAttempts == nil {
		return
	}
	txAttempts.WithLabelValues(outcome).Observe(float64(attempts))
}

// AddUploadBytes counts transferred blob bytes.
func AddUploadBytes(n int64) {
	if uploadBytesTotal == nil || n <= 0 {
		return
	}
	uploadBytesTotal.Add(float64(n))
}

// FeedEventDropped counts one change event dropped by a saturated feed.
func FeedEventDropped() {
	if feedEventsDropped == nil {
		return
	}
	feedEventsDropped.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
