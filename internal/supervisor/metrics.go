package supervisor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector receives supervisor instrumentation. Implementations must
// be safe for concurrent use.
type MetricsCollector interface {
	StateTransition(cliType string, from, to Status)
	Restart(cliType string)
	RecoveryExhausted(cliType string)
	SpawnDuration(cliType string, d time.Duration, err error)
	ProbeResult(cliType string, ok bool)
	SessionsLive(n int)
}

// NoopMetricsCollector discards all metrics.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) StateTransition(string, Status, Status)     {}
func (NoopMetricsCollector) Restart(string)                             {}
func (NoopMetricsCollector) RecoveryExhausted(string)                   {}
func (NoopMetricsCollector) SpawnDuration(string, time.Duration, error) {}
func (NoopMetricsCollector) ProbeResult(string, bool)                   {}
func (NoopMetricsCollector) SessionsLive(int)                           {}

// PrometheusMetricsCollector implements MetricsCollector on a private
// Prometheus registry. Labels use the CLI kind, not the session ID, to keep
// cardinality bounded for large fleets.
type PrometheusMetricsCollector struct {
	transitions   *prometheus.CounterVec
	restarts      *prometheus.CounterVec
	exhausted     *prometheus.CounterVec
	spawnDuration *prometheus.HistogramVec
	probes        *prometheus.CounterVec
	live          prometheus.Gauge

	registry *prometheus.Registry
}

// NewPrometheusMetricsCollector creates a collector under the given metric
// namespace (default "supervisor").
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "supervisor"
	}

	c := &PrometheusMetricsCollector{registry: prometheus.NewRegistry()}

	c.transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_state_transitions_total",
			Help:      "Total number of session state transitions",
		},
		[]string{"cli_type", "from_state", "to_state"},
	)

	c.restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_restarts_total",
			Help:      "Total number of session restarts",
		},
		[]string{"cli_type"},
	)

	c.exhausted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_recovery_exhausted_total",
			Help:      "Sessions whose automatic recovery hit the restart ceiling",
		},
		[]string{"cli_type"},
	)

	c.spawnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_spawn_duration_seconds",
			Help:      "Duration of subprocess spawn operations",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"cli_type", "status"},
	)

	c.probes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_probes_total",
			Help:      "Total number of health probes by outcome",
		},
		[]string{"cli_type", "outcome"},
	)

	c.live = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_live",
			Help:      "Number of sessions with a live subprocess",
		},
	)

	c.registry.MustRegister(
		c.transitions,
		c.restarts,
		c.exhausted,
		c.spawnDuration,
		c.probes,
		c.live,
	)

	return c
}

func (c *PrometheusMetricsCollector) StateTransition(cliType string, from, to Status) {
	c.transitions.WithLabelValues(cliType, string(from), string(to)).Inc()
}

func (c *PrometheusMetricsCollector) Restart(cliType string) {
	c.restarts.WithLabelValues(cliType).Inc()
}

func (c *PrometheusMetricsCollector) RecoveryExhausted(cliType string) {
	c.exhausted.WithLabelValues(cliType).Inc()
}

func (c *PrometheusMetricsCollector) SpawnDuration(cliType string, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.spawnDuration.WithLabelValues(cliType, status).Observe(d.Seconds())
}

func (c *PrometheusMetricsCollector) ProbeResult(cliType string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	c.probes.WithLabelValues(cliType, outcome).Inc()
}

func (c *PrometheusMetricsCollector) SessionsLive(n int) {
	c.live.Set(float64(n))
}

// Registry exposes the underlying registry for HTTP handler setup.
func (c *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return c.registry
}

var _ MetricsCollector = (*PrometheusMetricsCollector)(nil)
var _ MetricsCollector = NoopMetricsCollector{}
