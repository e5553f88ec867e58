package reports

import (
	"context"
	"errors"
	"io"

	"github.com/rmax-ai/roadnet/pkg/graph"
	"github.com/rmax-ai/roadnet/pkg/ledger"
)

// ErrInvalidFilter is returned for filter values a report cannot parse.
var ErrInvalidFilter = errors.New("invalid report filter")

type ReportType string

const (
	ReportTypeEdges    ReportType = "edges"
	ReportTypeSegments ReportType = "segments"
)

type ReportParams struct {
	Filters map[string]interface{}
}

// ReportSource is the world state the reports read from.
type ReportSource interface {
	Graph() *graph.Store
	Ledger() *ledger.Ledger
}

type Generator interface {
	Generate(ctx context.Context, params ReportParams) (io.Reader, error)
}

func stringFilter(params ReportParams, key string) string {
	if v, ok := params.Filters[key].(string); ok {
		return v
	}
	return ""
}
