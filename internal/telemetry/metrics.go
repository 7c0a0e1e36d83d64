package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fabricsync"

var (
	Registry = prometheus.NewRegistry()

	// ---- State synchronization ----
	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeats sent and received, by direction and whether a hashset was attached.",
		},
		[]string{"direction", "hashset"},
	)

	StateRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_requests_total",
			Help:      "GET requests issued by this controller, by outcome.",
		},
		[]string{"outcome"},
	)

	StateRequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "state_request_duration_seconds",
			Help:      "Latency of GET requests until reply or timeout.",
			// 1ms .. ~8s
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	InFlightStateRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_state_requests",
			Help:      "GET requests awaiting a reply.",
		},
	)

	StateChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_changes_total",
			Help:      "State changes handed to the local store, by operation and result.",
		},
		[]string{"op", "result"},
	)

	ServedRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "served_requests_total",
			Help:      "GET and CLAIM requests answered by this controller, by op and status code.",
		},
		[]string{"op", "status"},
	)

	DecodeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Messages dropped by the codec, by reason.",
		},
		[]string{"reason"},
	)

	Peers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Known peers by state.",
		},
		[]string{"state"},
	)

	PeersLostTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_lost_total",
			Help:      "Peers removed after the heartbeat timeout.",
		},
	)

	ClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Site claims redeemed by this controller, by outcome.",
		},
		[]string{"outcome"},
	)

	// ---- HTTP introspection ----
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version, git_sha and controller class).",
		},
		[]string{"version", "git_sha", "class"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		HeartbeatsTotal, StateRequestsTotal, StateRequestDuration, InFlightStateRequests,
		StateChangesTotal, ServedRequestsTotal, DecodeErrorsTotal, Peers, PeersLostTotal, ClaimsTotal,
		RequestsTotal, RequestDuration, buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA, class string) {
	buildInfo.WithLabelValues(version, gitSHA, class).Set(1)
}

// ObserveHeartbeat counts one heartbeat in direction "sent" or "received".
func ObserveHeartbeat(direction string, withHashSet bool) {
	HeartbeatsTotal.WithLabelValues(direction, strconv.FormatBool(withHashSet)).Inc()
}

// ---- Middleware instrumentation ----

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
// Example:
//
//	mux.Handle("/peers", telemetry.Instrument("peers", http.HandlerFunc(n.Peers)))
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
