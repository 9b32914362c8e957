package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCountersRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Message()
	m.Message()
	m.Command("on", OutcomePublished)
	m.Command("on", OutcomeSuppressed)
	m.Task(OutcomeDone)
	m.EntityError("behavior")
	m.ObserveLoop("evaluate", time.Now())

	require.Equal(t, 2.0, testutil.ToFloat64(m.messages))
	require.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("on", OutcomePublished)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("on", OutcomeSuppressed)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.tasks.WithLabelValues(OutcomeDone)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.entityErrors.WithLabelValues("behavior")))

	n, err := testutil.GatherAndCount(reg, "homecore_loop_duration_seconds")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Message()
	m.Command("off", OutcomeFailed)
	m.Task(OutcomeFailed)
	m.EntityError("regulator")
	m.ObserveLoop("drain", time.Now())
}
