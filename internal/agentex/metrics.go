package agentex

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for outbound agent traffic.
type Metrics struct {
	calls        *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	pollAttempts *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns metrics registered with the global Prometheus registry.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs Metrics on the given registerer. Tests should pass a
// fresh prometheus.NewRegistry() to avoid duplicate registration panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "simulab",
				Subsystem: "agent",
				Name:      "calls_total",
				Help:      "Agent calls by agent, endpoint and outcome.",
			},
			[]string{"agent", "endpoint", "outcome"},
		),
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "simulab",
				Subsystem: "agent",
				Name:      "call_duration_seconds",
				Help:      "Latency of agent calls.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"agent", "endpoint"},
		),
		pollAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "simulab",
				Subsystem: "agent",
				Name:      "poll_attempts_total",
				Help:      "Status polls issued for long-running agent jobs.",
			},
			[]string{"agent", "status"},
		),
	}

	m.calls = register(reg, m.calls)
	m.callDuration = register(reg, m.callDuration)
	m.pollAttempts = register(reg, m.pollAttempts)
	return m
}

// register adds c to reg, reusing an identical collector that is already there.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) observeCall(agent, endpoint, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(agent, endpoint, outcome).Inc()
	m.callDuration.WithLabelValues(agent, endpoint).Observe(elapsed.Seconds())
}

func (m *Metrics) observePoll(agent, status string) {
	if m == nil {
		return
	}
	m.pollAttempts.WithLabelValues(agent, status).Inc()
}
