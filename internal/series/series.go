package series

import (
	"trafficdash/internal/records"
	"trafficdash/internal/timeframe"
)

// Point holds the records of one date
type Point struct {
	Date    timeframe.DateKey    `json:"date"`
	Records []records.FlatRecord `json:"records"`
}

// Series is an ascending, date-indexed sequence of points. The zero value is
// a valid empty series.
type Series struct {
	Family string  `json:"family"`
	Points []Point `json:"points"`
}

// Empty returns an explicit empty series of a family
func Empty(family string) Series {
	return Series{Family: family, Points: []Point{}}
}

// Len returns the number of dates in the series
func (s Series) Len() int {
	return len(s.Points)
}

// IsEmpty reports whether the series has no dates
func (s Series) IsEmpty() bool {
	return len(s.Points) == 0
}

// Dates returns the dates in order
func (s Series) Dates() []timeframe.DateKey {
	dates := make([]timeframe.DateKey, len(s.Points))
	for i, p := range s.Points {
		dates[i] = p.Date
	}
	return dates
}

// Records returns every record of the series in date order
func (s Series) Records() []records.FlatRecord {
	var out []records.FlatRecord
	for _, p := range s.Points {
		out = append(out, p.Records...)
	}
	return out
}

// Latest returns the records of the last date, or nil when empty
func (s Series) Latest() []records.FlatRecord {
	if s.IsEmpty() {
		return nil
	}
	return s.Points[len(s.Points)-1].Records
}
