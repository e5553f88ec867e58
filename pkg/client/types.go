package client

import (
	"time"

	"github.com/rmax-ai/roadnet/pkg/graph"
	"github.com/rmax-ai/roadnet/pkg/ledger"
)

// Health is the response of GET /v1/health.
type Health struct {
	Status string `json:"status"`
}

// CycleReport summarizes the last pipeline cycle.
type CycleReport struct {
	Cycle      int64         `json:"cycle"`
	Scanned    int           `json:"scanned"`
	NewNodes   int           `json:"new_nodes"`
	Proposed   int           `json:"proposed"`
	Retried    int           `json:"retried"`
	Requested  int           `json:"requested"`
	Registered int           `json:"registered"`
	Failed     int           `json:"failed"`
	Scheduled  int           `json:"scheduled"`
	Duration   time.Duration `json:"duration"`
}

// Status is the response of GET /v1/status.
type Status struct {
	WorldID           string                   `json:"world_id"`
	Cycle             int64                    `json:"cycle"`
	Nodes             int                      `json:"nodes"`
	Edges             map[graph.EdgeStatus]int `json:"edges"`
	ActiveBuilders    int                      `json:"active_builders"`
	SuspendedBuilders int                      `json:"suspended_builders"`
	InFlight          int                      `json:"in_flight"`
	LastCycle         CycleReport              `json:"last_cycle"`
	Unloaded          []ledger.PartitionCoord  `json:"unloaded_partitions,omitempty"`
	Owner             bool                     `json:"owner"`
}

// EdgesResponse is the response of GET /v1/edges.
type EdgesResponse struct {
	Edges []graph.Edge `json:"edges"`
	Count int          `json:"count"`
}
