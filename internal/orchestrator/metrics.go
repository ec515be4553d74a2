package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report orchestrator activity.
type Metrics struct {
	sessionsActive   prometheus.Gauge
	deployments      *prometheus.CounterVec
	agentRuns        *prometheus.CounterVec
	agentRunDuration *prometheus.HistogramVec
	eventsTotal      *prometheus.CounterVec
	handlerFailures  *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the metrics registered with the global Prometheus
// registry. The collectors are created once so that building many
// orchestrators never registers twice.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Collectors that are already registered are reused; any other registration
// error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "betaforge",
			Subsystem: "orchestrator",
			Name:      "sessions_active",
			Help:      "Number of sessions whose agents are currently deployed.",
		}),
		deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "betaforge",
			Subsystem: "orchestrator",
			Name:      "deployments_total",
			Help:      "Agent deployments by result.",
		}, []string{"result"}),
		agentRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "betaforge",
			Subsystem: "orchestrator",
			Name:      "agent_runs_total",
			Help:      "Finished agent runs by outcome and failure reason.",
		}, []string{"outcome", "reason"}),
		agentRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "betaforge",
			Subsystem: "orchestrator",
			Name:      "agent_run_duration_seconds",
			Help:      "Wall time of agent runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"outcome"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "betaforge",
			Subsystem: "orchestrator",
			Name:      "events_total",
			Help:      "Events delivered to the session event handler by type.",
		}, []string{"type"}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "betaforge",
			Subsystem: "orchestrator",
			Name:      "event_handler_failures_total",
			Help:      "Events the session event handler failed to process.",
		}, []string{"type"}),
	}

	m.sessionsActive = register(reg, m.sessionsActive)
	m.deployments = register(reg, m.deployments)
	m.agentRuns = register(reg, m.agentRuns)
	m.agentRunDuration = register(reg, m.agentRunDuration)
	m.eventsTotal = register(reg, m.eventsTotal)
	m.handlerFailures = register(reg, m.handlerFailures)
	return m
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) sessionStarted() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *Metrics) sessionFinished(result string) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.deployments.WithLabelValues(result).Inc()
}

func (m *Metrics) deploymentRejected(result string) {
	if m == nil {
		return
	}
	m.deployments.WithLabelValues(result).Inc()
}

func (m *Metrics) agentFinished(outcome, reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.agentRuns.WithLabelValues(outcome, reason).Inc()
	m.agentRunDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Metrics) eventDelivered(eventType string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(eventType).Inc()
}

func (m *Metrics) handlerFailed(eventType string) {
	if m == nil {
		return
	}
	m.handlerFailures.WithLabelValues(eventType).Inc()
}
