package devicefleet

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveInvocation("S1", 1.5, true)
	m.ObserveInvocation("S1", 0.5, false)
	m.ObserveQueueDepth(7)
	m.ObserveRecovery("S1", "available", true)

	if got := testutil.ToFloat64(m.invocations.WithLabelValues("success")); got != 1 {
		t.Errorf("success invocations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.invocations.WithLabelValues("failure")); got != 1 {
		t.Errorf("failure invocations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.queueDepth); got != 7 {
		t.Errorf("queue depth = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.recoveries.WithLabelValues("available", "success")); got != 1 {
		t.Errorf("recoveries = %v, want 1", got)
	}
}
