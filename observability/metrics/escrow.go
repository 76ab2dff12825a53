package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type EscrowMetrics struct {
	transitions   *prometheus.CounterVec
	failures      *prometheus.CounterVec
	keeperRuns    *prometheus.CounterVec
	keeperRelease *prometheus.CounterVec
	keeperLatency prometheus.Histogram
	expiredSeen   prometheus.Gauge
}

var (
	escrowOnce     sync.Once
	escrowRegistry *EscrowMetrics
)

func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_transitions_total",
				Help: "Count of lifecycle operations by operation and outcome.",
			}, []string{"op", "outcome"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_failures_total",
				Help: "Count of rejected lifecycle operations by error kind.",
			}, []string{"op", "kind"}),
			keeperRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_keeper_runs_total",
				Help: "Number of keeper sweeps by result.",
			}, []string{"result"}),
			keeperRelease: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_keeper_releases_total",
				Help: "Auto-release attempts made by the keeper by outcome.",
			}, []string{"outcome"}),
			keeperLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "escrow_keeper_sweep_seconds",
				Help:    "Duration of keeper sweeps.",
				Buckets: prometheus.DefBuckets,
			}),
			expiredSeen: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "escrow_keeper_expired_pending",
				Help: "Expired agreements found by the most recent sweep.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.transitions,
			escrowRegistry.failures,
			escrowRegistry.keeperRuns,
			escrowRegistry.keeperRelease,
			escrowRegistry.keeperLatency,
			escrowRegistry.expiredSeen,
		)
	})
	return escrowRegistry
}

// ObserveOperation records one lifecycle call. An empty kind means success.
func (m *EscrowMetrics) ObserveOperation(op, kind string) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	if kind == "" {
		m.transitions.WithLabelValues(op, "ok").Inc()
		return
	}
	m.transitions.WithLabelValues(op, "error").Inc()
	m.failures.WithLabelValues(op, kind).Inc()
}

func (m *EscrowMetrics) ObserveKeeperSweep(result string, expired int, took time.Duration) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.keeperRuns.WithLabelValues(result).Inc()
	m.keeperLatency.Observe(took.Seconds())
	m.expiredSeen.Set(float64(expired))
}

func (m *EscrowMetrics) ObserveKeeperRelease(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.keeperRelease.WithLabelValues(outcome).Inc()
}

func (m *EscrowMetrics) InitOperation(op string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(op, "ok").Add(0)
	m.transitions.WithLabelValues(op, "error").Add(0)
}
