package simulation

import (
	"encoding/json"
	"time"

	"github.com/rmax-ai/roadnet/pkg/graph"
)

// SimulationResult captures the final state of the simulation for reporting
type SimulationResult struct {
	ScenarioName      string                   `json:"scenario_name"`
	Seed              int64                    `json:"seed"`
	Cycles            int                      `json:"cycles"`
	Ticks             int                      `json:"ticks"`
	Duration          time.Duration            `json:"duration"`
	Nodes             int                      `json:"nodes"`
	Edges             map[graph.EdgeStatus]int `json:"edges"`
	Placements        int                      `json:"placements"`
	Decorations       int                      `json:"decorations"`
	SuspendedBuilders int                      `json:"suspended_builders"`
	UncoveredBuilt    int                      `json:"uncovered_built"`
	Digest            string                   `json:"digest"`
	Invariants        []InvariantResult        `json:"invariants"`
	Success           bool                     `json:"success"`
}

type InvariantResult struct {
	Metric   string `json:"metric"`
	Expected string `json:"expected"` // e.g. ">= 0.90"
	Actual   string `json:"actual"`   // e.g. "0.95"
	Passed   bool   `json:"passed"`
}

type Scenario struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Seed        int64  `json:"seed"` // Deterministic seed
	WorldID     string `json:"world_id"`

	// World layout
	POIs          int      `json:"pois"`
	Extent        int      `json:"extent"`
	Kinds         []string `json:"kinds,omitempty"`
	Blocked       []Column `json:"blocked,omitempty"`
	MaxPathLength int      `json:"max_path_length,omitempty"`

	// Run length
	Cycles        int `json:"cycles"`
	TicksPerCycle int `json:"ticks_per_cycle"`
	// SettleTicks run after the last cycle so that builders can finish.
	SettleTicks int `json:"settle_ticks,omitempty"`

	// Pipeline is a pipeline config document; unset fields take defaults.
	Pipeline json.RawMessage `json:"pipeline,omitempty"`
	Events   []Event         `json:"events,omitempty"`

	// Verify runs the scenario a second time and compares digests.
	Verify bool `json:"verify,omitempty"`
	// RoundTrip persists the final world to SQLite, restores it into a
	// fresh controller and compares digests.
	RoundTrip bool `json:"round_trip,omitempty"`

	Invariants []Invariant `json:"invariants,omitempty"`
}

// Column is a blocked (x, z) column that paths cannot cross.
type Column struct {
	X int `json:"x"`
	Z int `json:"z"`
}

// Event changes a partition's load state before the given cycle runs.
type Event struct {
	Cycle     int    `json:"cycle"`
	Action    string `json:"action"`    // "load" or "unload"
	Partition string `json:"partition"` // "x,z"
}

type Invariant struct {
	Metric    string  `json:"metric"`    // e.g., "built_ratio", "failed_edges", "uncovered_built"
	Condition string  `json:"condition"` // e.g., ">", "<", ">=", "<="
	Value     float64 `json:"value"`
}
