package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_RecordOnPrivateRegistry(t *testing.T) {
	t.Parallel()
	m := New(prometheus.NewRegistry())

	m.ObserveCycle("resolved")
	m.ObserveCycle("resolved")
	m.ObserveAction("issue", false)
	m.ObserveDream("dom_removal", 3*time.Second, 0.9)
	m.ObserveDreamFailure("cache_clear", "navigate")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CyclesTotal.WithLabelValues("resolved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActionsTotal.WithLabelValues("issue", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DreamFailures.WithLabelValues("cache_clear", "navigate")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.DreamScore))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.ObserveCycle("x")
	m.ObserveDream("x", time.Second, 1)
	m.ObserveDreamFailure("x", "y")
	m.ObserveAction("x", true)
	m.ObserveFlowFailure("p", "f")
	m.ObserveReasoningFallback("diagnose")
}
