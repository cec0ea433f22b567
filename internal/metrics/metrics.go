// Package metrics owns the Prometheus collectors exported on /metrics.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pulsefeed"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	venueMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "venue",
			Name:      "messages_total",
			Help:      "Frames received per venue.",
		},
		[]string{"venue"},
	)

	venueErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "venue",
			Name:      "errors_total",
			Help:      "Parse and transport errors per venue.",
		},
		[]string{"venue", "kind"},
	)

	venueReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "venue",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts per venue.",
		},
		[]string{"venue"},
	)

	venueConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "venue",
			Name:      "connected",
			Help:      "1 while the venue stream is connected.",
		},
		[]string{"venue"},
	)

	aggregateSources = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "aggregate",
			Name:      "sources",
			Help:      "Fresh sources in the latest aggregation.",
		},
		[]string{"feed"},
	)

	aggregateDivergence = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "aggregate",
			Name:      "divergence_pct",
			Help:      "Cross-venue divergence percent.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.3, 0.5, 1, 2},
		},
		[]string{"feed"},
	)

	aggregateConfidence = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "aggregate",
			Name:      "confidence",
			Help:      "Confidence score of the latest aggregation.",
		},
		[]string{"feed"},
	)

	outcomeEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outcome",
			Name:      "events_total",
			Help:      "Order-book events applied, by event type.",
		},
		[]string{"event"},
	)

	rolloverSwaps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rollover",
			Name:      "swaps_total",
			Help:      "Feed hand-offs per market key and path (preconnect|lazy).",
		},
		[]string{"market", "path"},
	)

	rolloverFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rollover",
			Name:      "failures_total",
			Help:      "Failed lookups or connects during hand-off.",
		},
		[]string{"market", "stage"},
	)

	captureRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "rows_total",
			Help:      "Capture rows emitted, by price source.",
		},
		[]string{"market", "source"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method"},
	)
)

func init() {
	Registry.MustRegister(
		venueMessages,
		venueErrors,
		venueReconnects,
		venueConnected,
		aggregateSources,
		aggregateDivergence,
		aggregateConfidence,
		outcomeEvents,
		rolloverSwaps,
		rolloverFailures,
		captureRows,
		httpRequests,
		httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func VenueMessage(venue string) { venueMessages.WithLabelValues(venue).Inc() }

// VenueError records a failure; kind is "parse" or "transport".
func VenueError(venue, kind string) { venueErrors.WithLabelValues(venue, kind).Inc() }

func VenueReconnect(venue string) { venueReconnects.WithLabelValues(venue).Inc() }

func VenueConnected(venue string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	venueConnected.WithLabelValues(venue).Set(v)
}

// ObserveAggregate records the shape of one aggregation pass.
func ObserveAggregate(feed string, sources int, divergencePct, confidence float64) {
	aggregateSources.WithLabelValues(feed).Set(float64(sources))
	aggregateDivergence.WithLabelValues(feed).Observe(divergencePct)
	aggregateConfidence.WithLabelValues(feed).Set(confidence)
}

func OutcomeEvent(event string) { outcomeEvents.WithLabelValues(event).Inc() }

func RolloverSwap(market, path string) { rolloverSwaps.WithLabelValues(market, path).Inc() }

func RolloverFailure(market, stage string) { rolloverFailures.WithLabelValues(market, stage).Inc() }

func CaptureRow(market, source string) { captureRows.WithLabelValues(market, source).Inc() }

// InstrumentHandler wraps next with request count and latency collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		httpRequests.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
