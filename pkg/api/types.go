package api

import (
	"github.com/rmax-ai/roadnet/pkg/engine"
	"github.com/rmax-ai/roadnet/pkg/graph"
)

// StatusResponse matches the response for GET /v1/status
type StatusResponse struct {
	engine.Status
	Owner bool `json:"owner"`
}

// EdgesResponse matches the response for GET /v1/edges
type EdgesResponse struct {
	Edges []graph.Edge `json:"edges"`
	Count int          `json:"count"`
}
