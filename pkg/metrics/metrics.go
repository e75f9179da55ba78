// Package metrics exposes the Prometheus collectors exercised by the
// rest of the module: placement latency, bus query/timeout counters,
// chunk transfer throughput, and queue depth.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_nodes_total",
			Help: "Total number of nodes by role and ready state",
		},
		[]string{"role", "status"},
	)

	ServicesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_services_total",
			Help: "Total number of services by lifecycle state",
		},
		[]string{"lifecycle"},
	)

	// Placement (C8) metrics
	PlacementDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_placement_duration_seconds",
			Help:    "Time taken to pick a node to place a new service on",
			Buckets: prometheus.DefBuckets,
		},
	)

	PlacementCandidates = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_placement_candidates",
			Help:    "Number of ready nodes considered for a placement decision",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21, 34},
		},
	)

	PlacementFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_placement_failures_total",
			Help: "Total number of placement attempts that found no ready candidate",
		},
	)

	// Bus (C5) metrics
	BusQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_bus_queries_total",
			Help: "Total number of synchronous bus queries by outcome",
		},
		[]string{"outcome"}, // ok, timeout, error
	)

	BusQueryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_bus_query_duration_seconds",
			Help:    "Round-trip duration of synchronous bus queries",
			Buckets: prometheus.DefBuckets,
		},
	)

	BusQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_bus_queue_depth",
			Help: "Number of bus messages buffered awaiting dispatch",
		},
	)

	// Chunk (C4 file transfer) metrics
	ChunkBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_chunk_bytes_total",
			Help: "Total bytes transferred in chunked file sessions by direction",
		},
		[]string{"direction"}, // send, receive
	)

	ChunkTransferDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_chunk_transfer_duration_seconds",
			Help:    "Duration of a complete chunked file transfer",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 300},
		},
	)

	// Tick loop (C2) metrics
	TickCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_tick_cycle_duration_seconds",
			Help:    "Time taken to run one tick-loop cycle across all scheduled tasks",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Deployment (template staging) metrics
	DeployDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_deploy_duration_seconds",
			Help:    "Duration of a template deployment run by direction",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"direction"}, // push, pull
	)

	// Data sync (C7) metrics
	DataSyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_datasync_duration_seconds",
			Help:    "Duration of a full entity data-sync pass",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		NodesTotal,
		ServicesTotal,
		PlacementDuration,
		PlacementCandidates,
		PlacementFailuresTotal,
		BusQueriesTotal,
		BusQueryDuration,
		BusQueueDepth,
		ChunkBytesTotal,
		ChunkTransferDuration,
		TickCycleDuration,
		DeployDuration,
		DataSyncDuration,
	)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing an operation and later recording
// its duration to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a histogram vec under
// the given label values.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
