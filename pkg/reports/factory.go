package reports

import (
	"fmt"
)

// NewReportGenerator creates a report generator based on the report type.
func NewReportGenerator(reportType ReportType, src ReportSource) (Generator, error) {
	switch reportType {
	case ReportTypeEdges:
		return NewEdgeReport(src), nil
	case ReportTypeSegments:
		return NewSegmentReport(src), nil
	default:
		return nil, fmt.Errorf("unknown report type: %s", reportType)
	}
}
