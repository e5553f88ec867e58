package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/rmax-ai/roadnet/pkg/ledger"
)

// SegmentReport lists the segment table, one row per entry.
type SegmentReport struct {
	src ReportSource
}

func NewSegmentReport(src ReportSource) *SegmentReport {
	return &SegmentReport{src: src}
}

// Generate writes the entries in partition order. Filters: "partition"
// ("x,z") and "path" ("lo|hi").
func (r *SegmentReport) Generate(ctx context.Context, params ReportParams) (io.Reader, error) {
	l := r.src.Ledger()

	var entries []ledger.SegmentEntry
	switch {
	case stringFilter(params, "partition") != "":
		var coord ledger.PartitionCoord
		if err := coord.UnmarshalText([]byte(stringFilter(params, "partition"))); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
		}
		entries = l.SegmentsFor(coord)
	case stringFilter(params, "path") != "":
		entries = l.SegmentsForPath(stringFilter(params, "path"))
	default:
		for _, coord := range l.Partitions() {
			entries = append(entries, l.SegmentsFor(coord)...)
		}
	}

	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)

	headers := []string{"partition", "path_key", "start", "end", "limit", "complete"}
	if err := writer.Write(headers); err != nil {
		return nil, fmt.Errorf("failed to write headers: %w", err)
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row := []string{
			e.Partition.String(),
			e.PathKey,
			strconv.Itoa(e.Start),
			strconv.Itoa(e.End),
			strconv.Itoa(e.Limit),
			strconv.FormatBool(e.End == e.Limit),
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
