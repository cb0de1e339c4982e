package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service reports ready, 0 otherwise.",
	})

	envelopeTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envelope_transitions_total",
			Help: "Envelope status transitions by target status.",
		},
		[]string{"status"},
	)

	fieldsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signing_fields_completed_total",
		Help: "Signature fields completed by recipients.",
	})

	sweepExpirations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sweep_expired_envelopes_total",
		Help: "Envelopes expired by the background sweep.",
	})
)

// Init registers all service metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		readyGauge, envelopeTransitions, fieldsCompleted, sweepExpirations,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady reflects readiness in the service_ready gauge.
func SetReady(ready bool) {
	if ready {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// CountTransition records an envelope status transition.
func CountTransition(status string) {
	envelopeTransitions.WithLabelValues(status).Inc()
}

// CountFieldCompleted records a completed signature field.
func CountFieldCompleted() { fieldsCompleted.Inc() }

// CountSweepExpiration records an envelope expired by the sweep.
func CountSweepExpiration() { sweepExpirations.Inc() }

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses resource identifiers so metric label cardinality
// stays bounded.
func CanonicalPath(path string) string {
	if path == "" {
		return "/"
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	replace := func(idx int) {
		if idx < len(segments) && segments[idx] != "" {
			segments[idx] = ":id"
		}
	}
	if len(segments) >= 3 && segments[0] == "v1" {
		switch segments[1] {
		case "envelopes", "documents":
			replace(2)
		case "signing":
			if len(segments) >= 4 && segments[2] == "sessions" {
				replace(3)
				if len(segments) >= 6 && segments[4] == "fields" {
					replace(5)
				}
			}
		}
	}
	return "/" + strings.Join(segments, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
