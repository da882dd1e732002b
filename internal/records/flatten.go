package records

import (
	"fmt"

	"trafficdash/internal/catalog"
	"trafficdash/internal/reporting"
	"trafficdash/internal/timeframe"
)

// Flatten turns a raw report into the family's flat records. Each row
// becomes dimension values followed by metric values in header order; daily
// families also get the date and an empty description. A report without
// rows yields one zero record when the family asks for default fill.
func Flatten(family catalog.Family, report *reporting.RawReport, date timeframe.DateKey) ([]FlatRecord, error) {
	if report == nil {
		return nil, fmt.Errorf("%w: nil report for %s", reporting.ErrRemoteMalformed, family.ID)
	}
	if err := verifyHeaders(family, report); err != nil {
		return nil, err
	}

	if len(report.Rows) == 0 {
		if !family.DefaultFill {
			return []FlatRecord{}, nil
		}
		return []FlatRecord{zeroRecord(family, date)}, nil
	}

	out := make([]FlatRecord, 0, len(report.Rows))
	for i, row := range report.Rows {
		if len(row.Dimensions) != len(family.Dimensions) || len(row.Metrics) == 0 || len(row.Metrics[0]) != len(family.Metrics) {
			return nil, fmt.Errorf("%w: %s row %d does not match its header", reporting.ErrRemoteMalformed, family.ID, i)
		}

		fields := make([]Field, 0, len(family.Dimensions)+len(family.Metrics)+2)
		for j, d := range family.Dimensions {
			fields = append(fields, Text(d.Column, row.Dimensions[j]))
		}
		for j, m := range family.Metrics {
			fields = append(fields, Text(m.Column, row.Metrics[0][j]))
		}
		out = append(out, withDate(family, fields, date))
	}
	return out, nil
}

func zeroRecord(family catalog.Family, date timeframe.DateKey) FlatRecord {
	fields := make([]Field, 0, len(family.Dimensions)+len(family.Metrics)+2)
	for _, d := range family.Dimensions {
		fields = append(fields, Null(d.Column))
	}
	for _, m := range family.Metrics {
		fields = append(fields, Text(m.Column, "0"))
	}
	return withDate(family, fields, date)
}

func withDate(family catalog.Family, fields []Field, date timeframe.DateKey) FlatRecord {
	if family.IsDaily() {
		fields = append(fields,
			Text(catalog.DateColumn, date.String()),
			Text(catalog.DescriptionColumn, ""),
		)
	}
	return FlatRecord{Fields: fields}
}

func verifyHeaders(family catalog.Family, report *reporting.RawReport) error {
	if !sameNames(family.DimensionNames(), report.DimensionNames) {
		return fmt.Errorf("%w: %s dimensions %v, expected %v",
			reporting.ErrRemoteMalformed, family.ID, report.DimensionNames, family.DimensionNames())
	}
	if !sameNames(family.MetricExpressions(), report.MetricNames()) {
		return fmt.Errorf("%w: %s metrics %v, expected %v",
			reporting.ErrRemoteMalformed, family.ID, report.MetricNames(), family.MetricExpressions())
	}
	return nil
}

func sameNames(want, got []string) bool {
	if len(want) != len(got) {
		return false
	}
	for i := range want {
		if want[i] != got[i] {
			return false
		}
	}
	return true
}
