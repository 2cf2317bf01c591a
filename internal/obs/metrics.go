package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
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
)

// Engine metrics
var (
	reconcileOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_reconcile_outcomes_total",
			Help: "Reconciliation outcomes by kind.",
		},
		[]string{"outcome"},
	)

	reconcileErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_reconcile_errors_total",
			Help: "Failed reconciliations by error kind.",
		},
		[]string{"kind"},
	)

	roleResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_role_resolutions_total",
			Help: "Effective role decisions by role and source of truth.",
		},
		[]string{"role", "source"},
	)

	roleResolutionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_role_resolution_failures_total",
			Help: "Role resolutions that failed closed, by error kind.",
		},
		[]string{"kind"},
	)

	roleHintMismatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "identity_role_hint_mismatches_total",
		Help: "Cached role hints that disagreed with a fresh resolution.",
	})

	repairRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_repair_runs_total",
			Help: "Repair runs by final status.",
		},
		[]string{"status"},
	)

	repairLastScanned = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "identity_repair_last_scanned",
		Help: "Identities scanned by the most recent repair run.",
	})

	repairDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "identity_repair_duration_seconds",
		Help:    "Repair run durations in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	})
)

var initOnce sync.Once

// Init registers all collectors in the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			reconcileOutcomes, reconcileErrors,
			roleResolutions, roleResolutionFailures, roleHintMismatches,
			repairRuns, repairLastScanned, repairDuration,
		)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveReconcile counts outcomes of one reconciliation, or its failure kind.
func ObserveReconcile(outcomes []string, errKind string) {
	if errKind != "" {
		reconcileErrors.WithLabelValues(errKind).Inc()
		return
	}
	for _, o := range outcomes {
		reconcileOutcomes.WithLabelValues(o).Inc()
	}
}

// ObserveRole counts a successful role decision.
func ObserveRole(role, source string) {
	roleResolutions.WithLabelValues(role, source).Inc()
}

// ObserveRoleFailure counts a resolution that failed closed.
func ObserveRoleFailure(kind string) {
	roleResolutionFailures.WithLabelValues(kind).Inc()
}

// ObserveHintMismatch counts a stale cached role.
func ObserveHintMismatch() {
	roleHintMismatches.Inc()
}

// ObserveRepair records a finished repair run.
func ObserveRepair(status string, scanned int, d time.Duration) {
	repairRuns.WithLabelValues(status).Inc()
	repairLastScanned.Set(float64(scanned))
	repairDuration.Observe(d.Seconds())
}

// Instrument measures request rate, latency and concurrency.
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

// CanonicalPath replaces identity and grant ids with placeholders so metric
// label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	if len(parts) < 2 || parts[0] != "identity" {
		return p
	}
	parts[1] = ":id"
	switch {
	case len(parts) == 2:
	case len(parts) == 3 && (parts[2] == "reconcile" || parts[2] == "role" || parts[2] == "grants"):
	case len(parts) == 4 && parts[2] == "role" && parts[3] == "hint":
	case len(parts) == 5 && parts[2] == "grants" && parts[4] == "revoke":
		parts[3] = ":grant"
	default:
		return p
	}
	return "/" + strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
