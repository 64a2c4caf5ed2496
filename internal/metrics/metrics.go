// Package metrics exposes Prometheus counters for the submission pipeline.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	submissions        *prometheus.CounterVec
	submissionDuration prometheus.Histogram
	logBursts          *prometheus.CounterVec
	resultsCaptured    prometheus.Counter
	queueDepth         prometheus.Gauge
	wsConnections      prometheus.Gauge
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors. Used by tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

func resetLocked() {
	reg = prometheus.NewRegistry()

	submissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sling",
		Subsystem: "submit",
		Name:      "submissions_total",
		Help:      "Completed submission attempts by outcome.",
	}, []string{"outcome"})

	submissionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sling",
		Subsystem: "submit",
		Name:      "duration_seconds",
		Help:      "Wall-clock duration of one submission pipeline run.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
	})

	logBursts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sling",
		Subsystem: "logs",
		Name:      "bursts_total",
		Help:      "Persisted log bursts by stream.",
	}, []string{"stream"})

	resultsCaptured = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sling",
		Subsystem: "results",
		Name:      "captured_total",
		Help:      "Result files ingested into the media store.",
	})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sling",
		Subsystem: "dispatch",
		Name:      "queue_depth",
		Help:      "Deferred submissions waiting for a worker.",
	})

	wsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sling",
		Subsystem: "events",
		Name:      "ws_connections",
		Help:      "Open websocket subscriber connections.",
	})

	reg.MustRegister(submissions, submissionDuration, logBursts,
		resultsCaptured, queueDepth, wsConnections)
}

// Handler returns an HTTP handler exposing the registry in Prometheus
// format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveSubmission records one finished submission pipeline run.
func ObserveSubmission(outcome string, duration time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	submissions.WithLabelValues(outcome).Inc()
	submissionDuration.Observe(duration.Seconds())
}

// ObserveLogBurst records one persisted log burst.
func ObserveLogBurst(stream string) {
	mu.RLock()
	defer mu.RUnlock()
	logBursts.WithLabelValues(stream).Inc()
}

// ObserveResultCaptured records one ingested result file.
func ObserveResultCaptured() {
	mu.RLock()
	defer mu.RUnlock()
	resultsCaptured.Inc()
}

// SetQueueDepth records the current deferred-submission backlog.
func SetQueueDepth(n int) {
	mu.RLock()
	defer mu.RUnlock()
	queueDepth.Set(float64(n))
}

// WSConnectionOpened and WSConnectionClosed track subscriber connections.
func WSConnectionOpened() {
	mu.RLock()
	defer mu.RUnlock()
	wsConnections.Inc()
}

func WSConnectionClosed() {
	mu.RLock()
	defer mu.RUnlock()
	wsConnections.Dec()
}
