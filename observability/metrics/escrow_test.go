package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveOperationSplitsOutcomes(t *testing.T) {
	m := Escrow()
	require.Same(t, m, Escrow())

	m.InitOperation("approve")
	base := testutil.ToFloat64(m.transitions.WithLabelValues("approve", "ok"))
	m.ObserveOperation("approve", "")
	m.ObserveOperation("approve", "AlreadyReleased")

	require.Equal(t, base+1, testutil.ToFloat64(m.transitions.WithLabelValues("approve", "ok")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.failures.WithLabelValues("approve", "AlreadyReleased")))
}

func TestObserveKeeperSweep(t *testing.T) {
	m := Escrow()
	m.ObserveKeeperSweep("ok", 3, 25*time.Millisecond)
	m.ObserveKeeperRelease("released")

	require.Equal(t, float64(3), testutil.ToFloat64(m.expiredSeen))
	require.GreaterOrEqual(t, testutil.ToFloat64(m.keeperRuns.WithLabelValues("ok")), float64(1))
	require.GreaterOrEqual(t, testutil.ToFloat64(m.keeperRelease.WithLabelValues("released")), float64(1))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *EscrowMetrics
	m.ObserveOperation("create", "")
	m.ObserveKeeperSweep("ok", 0, 0)
	m.ObserveKeeperRelease("")
	m.InitOperation("create")
}
