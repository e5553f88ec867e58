package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/rmax-ai/roadnet/pkg/graph"
)

// EdgeReport lists edges with their build progress.
type EdgeReport struct {
	src ReportSource
}

func NewEdgeReport(src ReportSource) *EdgeReport {
	return &EdgeReport{src: src}
}

// Generate writes one row per edge. Filters: "status".
func (r *EdgeReport) Generate(ctx context.Context, params ReportParams) (io.Reader, error) {
	status := graph.EdgeStatus(stringFilter(params, "status"))
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("status %q: %w", status, ErrInvalidFilter)
	}

	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)

	headers := []string{"key", "a", "b", "status", "path_len", "placed", "attempts", "retry_after_cycle"}
	if err := writer.Write(headers); err != nil {
		return nil, fmt.Errorf("failed to write headers: %w", err)
	}

	l := r.src.Ledger()
	for _, e := range r.src.Graph().EdgesWithStatus(status) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row := []string{
			e.Key.String(),
			e.A,
			e.B,
			string(e.Status),
			strconv.Itoa(len(e.Path)),
			strconv.Itoa(l.Covered(e.Key.String())),
			strconv.Itoa(e.Attempts),
			strconv.FormatInt(e.RetryAfterCycle, 10),
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush writer: %w", err)
	}
	return buf, nil
}
