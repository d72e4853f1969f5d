package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	engineDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets       = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Engine metrics
	TransitionsTotal   *prometheus.CounterVec
	TransitionDuration *prometheus.HistogramVec
	MatchesTotal       *prometheus.CounterVec
	ConflictsTotal     *prometheus.CounterVec
	SLABreachesTotal   prometheus.Counter

	// Merge and ledger metrics
	MergesTotal          *prometheus.CounterVec
	UnmergeFailuresTotal prometheus.Counter
	RevisionsTotal       *prometheus.CounterVec
	RevisionRetriesTotal prometheus.Counter

	// Action metrics
	ActionsTotal              *prometheus.CounterVec
	ActionQueueDroppedTotal   *prometheus.CounterVec
	ActionCircuitBreakerState *prometheus.GaugeVec

	// System metrics
	DefinitionReloadTotal *prometheus.CounterVec
	DefinitionsLoaded     prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Engine
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_transitions_total",
			Help: "Total number of transition executions by outcome.",
		}, []string{"workflow_id", "transition", "outcome"}),
		TransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_transition_duration_seconds",
			Help:    "Transition execution duration in seconds.",
			Buckets: engineDurationBuckets,
		}, []string{"workflow_id"}),
		MatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_matches_total",
			Help: "Total number of workflow matches by result.",
		}, []string{"result"}),
		ConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts.",
		}, []string{"operation"}),
		SLABreachesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caseflow_sla_breaches_total",
			Help: "Total number of cases flagged as SLA breached.",
		}),

		// Merge and ledger
		MergesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_merges_total",
			Help: "Total number of merge operations by outcome.",
		}, []string{"outcome"}),
		UnmergeFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caseflow_unmerge_failures_total",
			Help: "Total number of per-case unmerge failures.",
		}),
		RevisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_revisions_total",
			Help: "Total number of revisions written by action type.",
		}, []string{"action_type"}),
		RevisionRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caseflow_revision_retries_total",
			Help: "Total number of revision appends retried after a conflict.",
		}),

		// Actions
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_actions_total",
			Help: "Total number of transition actions run by outcome.",
		}, []string{"action_type", "outcome"}),
		ActionQueueDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_action_queue_dropped_total",
			Help: "Total number of actions dropped because the queue was full.",
		}, []string{"action_type"}),
		ActionCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "caseflow_action_circuit_breaker_state",
			Help: "Webhook circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"host"}),

		// System
		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_definition_reload_total",
			Help: "Total definition reloads.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "caseflow_definitions_loaded",
			Help: "Number of live workflow definitions.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Engine
		m.TransitionsTotal,
		m.TransitionDuration,
		m.MatchesTotal,
		m.ConflictsTotal,
		m.SLABreachesTotal,
		// Merge and ledger
		m.MergesTotal,
		m.UnmergeFailuresTotal,
		m.RevisionsTotal,
		m.RevisionRetriesTotal,
		// Actions
		m.ActionsTotal,
		m.ActionQueueDroppedTotal,
		m.ActionCircuitBreakerState,
		// System
		m.DefinitionReloadTotal,
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordTransition records a transition execution. outcome is "ok" or the
// lowercased error code.
func (m *Metrics) RecordTransition(workflowID, transition, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(workflowID, transition, outcome).Inc()
	m.TransitionDuration.WithLabelValues(workflowID).Observe(duration.Seconds())
}

// RecordMatch records a workflow match. result is one of "scored",
// "default", "fallback" or "none".
func (m *Metrics) RecordMatch(result string) {
	if m == nil {
		return
	}
	m.MatchesTotal.WithLabelValues(result).Inc()
}

// RecordConflict records an optimistic concurrency conflict.
func (m *Metrics) RecordConflict(operation string) {
	if m == nil {
		return
	}
	m.ConflictsTotal.WithLabelValues(operation).Inc()
}

// RecordSLABreach records a case flagged as breached.
func (m *Metrics) RecordSLABreach() {
	if m == nil {
		return
	}
	m.SLABreachesTotal.Inc()
}

// RecordMerge records a merge operation.
func (m *Metrics) RecordMerge(outcome string) {
	if m == nil {
		return
	}
	m.MergesTotal.WithLabelValues(outcome).Inc()
}

// RecordUnmergeFailure records a per-case unmerge failure.
func (m *Metrics) RecordUnmergeFailure() {
	if m == nil {
		return
	}
	m.UnmergeFailuresTotal.Inc()
}

// RecordRevision records a revision written to the ledger.
func (m *Metrics) RecordRevision(actionType string) {
	if m == nil {
		return
	}
	m.RevisionsTotal.WithLabelValues(actionType).Inc()
}

// RecordRevisionRetry records a revision append retried after a conflict.
func (m *Metrics) RecordRevisionRetry() {
	if m == nil {
		return
	}
	m.RevisionRetriesTotal.Inc()
}

// RecordAction records a transition action run.
func (m *Metrics) RecordAction(actionType, outcome string) {
	if m == nil {
		return
	}
	m.ActionsTotal.WithLabelValues(actionType, outcome).Inc()
}

// RecordActionDropped records an action dropped because the queue was full.
func (m *Metrics) RecordActionDropped(actionType string) {
	if m == nil {
		return
	}
	m.ActionQueueDroppedTotal.WithLabelValues(actionType).Inc()
}

// SetActionCircuitBreakerState sets the circuit breaker state for a webhook
// host. State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetActionCircuitBreakerState(host string, state float64) {
	if m == nil {
		return
	}
	m.ActionCircuitBreakerState.WithLabelValues(host).Set(state)
}

// RecordDefinitionReload records a definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	if m == nil {
		return
	}
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of live definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := rctx.RoutePattern()
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Flush lets streaming handlers flush through the wrapper.
func (w *metricsResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
