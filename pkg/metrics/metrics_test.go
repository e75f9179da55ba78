package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestBusQueriesTotalCountsByOutcome(t *testing.T) {
	BusQueriesTotal.Reset()

	BusQueriesTotal.WithLabelValues("ok").Inc()
	BusQueriesTotal.WithLabelValues("ok").Inc()
	BusQueriesTotal.WithLabelValues("timeout").Inc()

	if got := testutil.ToFloat64(BusQueriesTotal.WithLabelValues("ok")); got != 2 {
		t.Errorf("ok count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(BusQueriesTotal.WithLabelValues("timeout")); got != 1 {
		t.Errorf("timeout count = %v, want 1", got)
	}
}

func TestNodesTotalGaugeVecTracksRoleAndStatus(t *testing.T) {
	NodesTotal.Reset()

	NodesTotal.WithLabelValues("head", "ready").Set(1)
	NodesTotal.WithLabelValues("worker", "ready").Set(3)

	if got := testutil.ToFloat64(NodesTotal.WithLabelValues("worker", "ready")); got != 3 {
		t.Errorf("worker/ready gauge = %v, want 3", got)
	}
}

func TestPlacementFailuresTotalIncrements(t *testing.T) {
	before := testutil.ToFloat64(PlacementFailuresTotal)
	PlacementFailuresTotal.Inc()
	after := testutil.ToFloat64(PlacementFailuresTotal)

	if after != before+1 {
		t.Errorf("PlacementFailuresTotal after Inc = %v, want %v", after, before+1)
	}
}
