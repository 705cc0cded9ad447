package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics collection for the orchestrator
// (§4.12: "Emits per-execution metrics (duration, exit code, success
// rate)" for services; the scheduler and pipeline executor reuse the same
// registry for worker/step/merge metrics). Every method is nil-receiver
// safe, so a disabled Metrics (nil, matching Manager.Metrics() when
// metrics are off) is a correct no-op.
type Metrics struct {
	config   *MetricsConfig
	registry *prometheus.Registry

	// Worker/agent metrics
	agentCalls        *prometheus.CounterVec
	agentCallDuration *prometheus.HistogramVec
	agentErrors       *prometheus.CounterVec
	activeWorkers     *prometheus.GaugeVec

	// Pipeline step metrics
	stepExecutions *prometheus.CounterVec
	stepDuration   *prometheus.HistogramVec

	// Scheduler metrics
	poolOccupancy   *prometheus.GaugeVec
	conflictBatches prometheus.Gauge
	mergeAttempts   *prometheus.CounterVec

	// Service scheduler metrics
	serviceRuns     *prometheus.CounterVec
	serviceDuration *prometheus.HistogramVec
	circuitState    *prometheus.GaugeVec

	// HTTP metrics (handlers wrapped by HTTPMiddleware; /metrics is not wrapped)
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance from configuration.
func NewMetrics(cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	cfg.SetDefaults()

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),
	}

	m.initAgentMetrics()
	m.initStepMetrics()
	m.initSchedulerMetrics()
	m.initServiceMetrics()
	m.initHTTPMetrics()

	return m, nil
}

func (m *Metrics) initAgentMetrics() {
	m.agentCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "agent",
			Name:      "calls_total",
			Help:      "Total number of agenthost invocations, by agent kind",
		},
		[]string{"agent_kind"},
	)

	m.agentCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.config.Namespace,
			Subsystem: "agent",
			Name:      "call_duration_seconds",
			Help:      "Backend CLI invocation duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34min
		},
		[]string{"agent_kind"},
	)

	m.agentErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "agent",
			Name:      "errors_total",
			Help:      "Total number of agenthost invocation errors",
		},
		[]string{"agent_kind", "error_type"},
	)

	m.activeWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: m.config.Namespace,
			Subsystem: "agent",
			Name:      "active_workers",
			Help:      "Number of currently active worker processes, by pool",
		},
		[]string{"pool"},
	)

	m.registry.MustRegister(m.agentCalls, m.agentCallDuration, m.agentErrors, m.activeWorkers)
}

func (m *Metrics) initStepMetrics() {
	m.stepExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "step",
			Name:      "executions_total",
			Help:      "Total number of pipeline step executions, by gate result",
		},
		[]string{"step_id", "gate_result"},
	)

	m.stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.config.Namespace,
			Subsystem: "step",
			Name:      "duration_seconds",
			Help:      "Pipeline step duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		},
		[]string{"step_id"},
	)

	m.registry.MustRegister(m.stepExecutions, m.stepDuration)
}

func (m *Metrics) initSchedulerMetrics() {
	m.poolOccupancy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: m.config.Namespace,
			Subsystem: "scheduler",
			Name:      "pool_occupancy",
			Help:      "Number of workers currently occupying a scheduler pool",
		},
		[]string{"pool"},
	)

	m.conflictBatches = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: m.config.Namespace,
			Subsystem: "scheduler",
			Name:      "conflict_batches",
			Help:      "Number of active conflict batches awaiting resolution",
		},
	)

	m.mergeAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "scheduler",
			Name:      "merge_attempts_total",
			Help:      "Total number of PR merge attempts, by outcome",
		},
		[]string{"outcome"},
	)

	m.registry.MustRegister(m.poolOccupancy, m.conflictBatches, m.mergeAttempts)
}

func (m *Metrics) initServiceMetrics() {
	m.serviceRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "service",
			Name:      "runs_total",
			Help:      "Total number of service scheduler executions, by success",
		},
		[]string{"service_id", "success"},
	)

	m.serviceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.config.Namespace,
			Subsystem: "service",
			Name:      "duration_seconds",
			Help:      "Service execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service_id"},
	)

	m.circuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: m.config.Namespace,
			Subsystem: "service",
			Name:      "circuit_state",
			Help:      "Per-service circuit state: 0=closed, 1=half-open, 2=open",
		},
		[]string{"service_id"},
	)

	m.registry.MustRegister(m.serviceRuns, m.serviceDuration, m.circuitState)
}

func (m *Metrics) initHTTPMetrics() {
	m.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests to the orchestrator's own endpoints (e.g. /status)",
		},
		[]string{"method", "path", "status"},
	)

	m.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.config.Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	m.registry.MustRegister(m.httpRequests, m.httpDuration)
}

// RecordAgentCall records one agenthost handler invocation.
func (m *Metrics) RecordAgentCall(agentKind string, duration time.Duration) {
	if m == nil {
		return
	}
	m.agentCalls.WithLabelValues(agentKind).Inc()
	m.agentCallDuration.WithLabelValues(agentKind).Observe(duration.Seconds())
}

// RecordAgentError records an agenthost invocation error.
func (m *Metrics) RecordAgentError(agentKind, errorType string) {
	if m == nil {
		return
	}
	m.agentErrors.WithLabelValues(agentKind, errorType).Inc()
}

// SetActiveWorkers sets the current worker count for pool.
func (m *Metrics) SetActiveWorkers(pool string, count int) {
	if m == nil {
		return
	}
	m.activeWorkers.WithLabelValues(pool).Set(float64(count))
}

// RecordStepExecution records one pipeline step's outcome.
func (m *Metrics) RecordStepExecution(stepID, gateResult string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepExecutions.WithLabelValues(stepID, gateResult).Inc()
	m.stepDuration.WithLabelValues(stepID).Observe(duration.Seconds())
}

// SetPoolOccupancy sets the current member count for a scheduler pool.
func (m *Metrics) SetPoolOccupancy(pool string, count int) {
	if m == nil {
		return
	}
	m.poolOccupancy.WithLabelValues(pool).Set(float64(count))
}

// SetConflictBatches sets the number of active conflict batches.
func (m *Metrics) SetConflictBatches(count int) {
	if m == nil {
		return
	}
	m.conflictBatches.Set(float64(count))
}

// RecordMergeAttempt records one merge attempt's outcome (ok|conflict|fail).
func (m *Metrics) RecordMergeAttempt(outcome string) {
	if m == nil {
		return
	}
	m.mergeAttempts.WithLabelValues(outcome).Inc()
}

// RecordServiceRun records one service scheduler execution.
func (m *Metrics) RecordServiceRun(serviceID string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.serviceRuns.WithLabelValues(serviceID, boolLabel(success)).Inc()
	m.serviceDuration.WithLabelValues(serviceID).Observe(duration.Seconds())
}

// SetCircuitState records a service's circuit breaker state transition.
func (m *Metrics) SetCircuitState(serviceID, state string) {
	if m == nil {
		return
	}
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.circuitState.WithLabelValues(serviceID).Set(v)
}

// RecordHTTPRequest records a request to one of the orchestrator's own HTTP
// endpoints. HTTPMiddleware calls it; `orc run` wraps only /status with that
// middleware, so the Prometheus scrape path is not recorded.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, statusCodeLabel(statusCode)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

// statusCodeLabel converts a status code to a label string.
func statusCodeLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics not enabled"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
