package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RoadnetNodes tracks the number of nodes per world
	RoadnetNodes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "roadnet_nodes",
			Help: "Number of nodes in the road graph",
		},
		[]string{"world_id"},
	)

	// RoadnetEdges tracks the number of edges per status
	RoadnetEdges = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "roadnet_edges",
			Help: "Number of edges in the road graph by status",
		},
		[]string{"world_id", "status"},
	)

	// RoadnetCycleSeconds tracks pipeline cycle duration
	RoadnetCycleSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roadnet_cycle_seconds",
			Help:    "Duration of a pipeline cycle",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"world_id"},
	)

	// RoadnetPlacementsTotal counts builder steps
	RoadnetPlacementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roadnet_placements_total",
			Help: "Total number of path positions processed by builders",
		},
		[]string{"world_id"},
	)

	// RoadnetPathFailuresTotal counts failed path requests
	RoadnetPathFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roadnet_path_failures_total",
			Help: "Total number of failed path requests",
		},
		[]string{"world_id"},
	)

	// RoadnetFlushTotal counts flushes by result
	RoadnetFlushTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roadnet_flush_total",
			Help: "Total number of world flushes",
		},
		[]string{"world_id", "result"},
	)

	// RoadnetSuspendedBuilders tracks builders waiting for their partition
	RoadnetSuspendedBuilders = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "roadnet_suspended_builders",
			Help: "Number of suspended path builders",
		},
		[]string{"world_id"},
	)
)

func init() {
	// Register metrics with the default registry
	prometheus.MustRegister(RoadnetNodes)
	prometheus.MustRegister(RoadnetEdges)
	prometheus.MustRegister(RoadnetCycleSeconds)
	prometheus.MustRegister(RoadnetPlacementsTotal)
	prometheus.MustRegister(RoadnetPathFailuresTotal)
	prometheus.MustRegister(RoadnetFlushTotal)
	prometheus.MustRegister(RoadnetSuspendedBuilders)
}
