// Package metrics holds the Prometheus collectors of the monitoring service and the HTTP instrumentation middleware.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "monitoring"

// Drop and rejection reasons.
const (
	ReasonQueueFull  = "queue_full"
	ReasonClosed     = "closed"
	ReasonDecode     = "decode"
	ReasonValidation = "validation"
)

var (
	TotalRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	ActiveRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_active",
			Help:      "Number of in-flight HTTP requests",
		},
		[]string{"method", "route"},
	)

	IngestReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_received_total",
			Help:      "Messages accepted from the broker into the hand-off queue",
		},
	)

	IngestStored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_stored_total",
			Help:      "Metrics persisted by the ingest pipeline",
		},
	)

	IngestStoreErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_store_errors_total",
			Help:      "Metrics that failed to persist",
		},
	)

	IngestRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_rejected_total",
			Help:      "Messages rejected by the normalizer",
		},
		[]string{"reason"},
	)

	IngestDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_dropped_total",
			Help:      "Messages dropped before processing",
		},
		[]string{"reason"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingest_queue_depth",
			Help:      "Current number of messages waiting in the hand-off queue",
		},
	)

	FanoutErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_errors_total",
			Help:      "Failed event deliveries per sink",
		},
		[]string{"sink"},
	)

	FanoutDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_client_dropped_total",
			Help:      "Events dropped because a websocket client buffer was full",
		},
	)

	WebsocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected websocket clients",
		},
	)

	SnapshotFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_fetches_total",
			Help:      "Snapshot source fetches by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		TotalRequests,
		RequestDuration,
		ActiveRequests,
		IngestReceived,
		IngestStored,
		IngestStoreErrors,
		IngestRejected,
		IngestDropped,
		QueueDepth,
		FanoutErrors,
		FanoutDropped,
		WebsocketClients,
		SnapshotFetches,
	)
}

// Handler serves the default registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request count, latency and in-flight requests.
// The route label is the mux path template so path parameters do not create new series.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := routeLabel(r)

		ActiveRequests.WithLabelValues(r.Method, route).Inc()
		defer ActiveRequests.WithLabelValues(r.Method, route).Dec()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		TotalRequests.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
	})
}

func routeLabel(r *http.Request) string {
	if cur := mux.CurrentRoute(r); cur != nil {
		if tpl, err := cur.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack exposes the underlying connection for websocket upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	rw.wroteHeader = true
	rw.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer (websocket hijack, flush).
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
