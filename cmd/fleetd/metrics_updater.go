package main

import (
	"time"

	"github.com/hearthnet/fleet/pkg/metrics"
)

const metricsRefreshInterval = 5 * time.Second

// startMetricsUpdater periodically refreshes the node/service gauges
// from the provider's roster and the manager's snapshot table, since
// neither is naturally an event the tick loop's short-task model
// suits (§4.2 reserves the tick thread for short, ordered work).
// Returns a stop function.
func startMetricsUpdater(rt *runtime) func() {
	stop := make(chan struct{})
	ticker := time.NewTicker(metricsRefreshInterval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				refreshMetrics(rt)
			}
		}
	}()

	var once bool
	return func() {
		if once {
			return
		}
		once = true
		close(stop)
	}
}

func refreshMetrics(rt *runtime) {
	metrics.NodesTotal.Reset()
	for _, n := range rt.provider.Nodes() {
		role := "worker"
		if n.Head {
			role = "head"
		}
		metrics.NodesTotal.WithLabelValues(role, string(n.State)).Inc()
	}

	metrics.ServicesTotal.Reset()
	for _, s := range rt.manager.AllSnapshots() {
		metrics.ServicesTotal.WithLabelValues(string(s.LifeCycle)).Inc()
	}
}
