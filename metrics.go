package devicefleet

import "github.com/prometheus/client_golang/prometheus"

// Observer is a pluggable sink for scheduler/device events, reworked
// around command invocations and device lifecycle transitions.
type Observer interface {
	// ObserveInvocation is called once a command invocation finishes.
	ObserveInvocation(serial string, latencySeconds float64, success bool)
	// ObserveQueueDepth is called after each insertion into the
	// scheduler's queue with its current pending-command count.
	ObserveQueueDepth(depth int)
	// ObserveRecovery is called once a recovery attempt against a
	// device completes.
	ObserveRecovery(serial string, policy string, success bool)
}

// NoOpObserver discards everything; used when no metrics sink is configured.
type NoOpObserver struct{}

func (NoOpObserver) ObserveInvocation(string, float64, bool) {}
func (NoOpObserver) ObserveQueueDepth(int)                   {}
func (NoOpObserver) ObserveRecovery(string, string, bool)    {}

// Metrics is a Prometheus-backed Observer. Register it with a
// *prometheus.Registry (or the default one) to expose it over /metrics.
type Metrics struct {
	invocations      *prometheus.CounterVec
	invocationLatency *prometheus.HistogramVec
	queueDepth       prometheus.Gauge
	recoveries       *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance and registers its collectors
// with reg. Pass prometheus.DefaultRegisterer for process-wide metrics,
// or a fresh *prometheus.Registry in tests to avoid collisions between
// parallel test runs.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicefleet_invocations_total",
			Help: "Total command invocations, labeled by outcome.",
		}, []string{"outcome"}),
		invocationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "devicefleet_invocation_duration_seconds",
			Help:    "Command invocation latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devicefleet_queue_depth",
			Help: "Current number of pending commands in the scheduler queue.",
		}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicefleet_recoveries_total",
			Help: "Total recovery attempts, labeled by policy and outcome.",
		}, []string{"policy", "outcome"}),
	}
	reg.MustRegister(m.invocations, m.invocationLatency, m.queueDepth, m.recoveries)
	return m
}

func (m *Metrics) ObserveInvocation(_ string, latencySeconds float64, success bool) {
	outcome := outcomeLabel(success)
	m.invocations.WithLabelValues(outcome).Inc()
	m.invocationLatency.WithLabelValues(outcome).Observe(latencySeconds)
}

func (m *Metrics) ObserveQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) ObserveRecovery(_ string, policy string, success bool) {
	m.recoveries.WithLabelValues(policy, outcomeLabel(success)).Inc()
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

var (
	_ Observer = NoOpObserver{}
	_ Observer = (*Metrics)(nil)
)
