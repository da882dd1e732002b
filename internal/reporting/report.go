package reporting

import (
	"context"
	"errors"

	"trafficdash/internal/catalog"
)

var (
	// ErrRemoteUnavailable covers transport failures, auth failures and
	// non-2xx answers from the analytics service
	ErrRemoteUnavailable = errors.New("analytics service unavailable")
	// ErrRemoteMalformed is returned when a response lacks the expected
	// report structure
	ErrRemoteMalformed = errors.New("malformed analytics response")
)

// MetricHeaderEntry describes one metric column of a report
type MetricHeaderEntry struct {
	Name string
	Type string
}

// Row holds the dimension values of one report row and its metric values,
// one slice per requested date range.
type Row struct {
	Dimensions []string
	Metrics    [][]string
}

// RawReport is the normalized shape of one remote report
type RawReport struct {
	DimensionNames []string
	MetricHeaders  []MetricHeaderEntry
	Rows           []Row
}

// MetricNames returns the metric header names in order
func (r *RawReport) MetricNames() []string {
	names := make([]string, len(r.MetricHeaders))
	for i, h := range r.MetricHeaders {
		names[i] = h.Name
	}
	return names
}

// Remote is the read-only analytics data source
type Remote interface {
	FetchReport(ctx context.Context, q catalog.Query) (*RawReport, error)
	FetchRealtime(ctx context.Context, q catalog.Query) (*RawReport, error)
}
