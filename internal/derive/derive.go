// Package derive computes the arithmetic columns shown next to raw metrics.
package derive

import (
	"fmt"
	"math"
	"strconv"

	"trafficdash/internal/catalog"
	"trafficdash/internal/records"
	"trafficdash/internal/series"
)

// Default bandwidth factors
const (
	DefaultFactorA = 1.55
	DefaultFactorB = 4.5
)

// Factors are the constants of the bandwidth estimate
type Factors struct {
	A float64
	B float64
}

// DefaultFactors returns the stock bandwidth factors
func DefaultFactors() Factors {
	return Factors{A: DefaultFactorA, B: DefaultFactorB}
}

// Round2 rounds half away from zero to two decimals
func Round2(x float64) float64 {
	return RoundTo(x, 2)
}

// RoundTo rounds half away from zero to the given number of decimals
func RoundTo(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}

// Format renders x with a fixed number of decimals
func Format(x float64, places int) string {
	return strconv.FormatFloat(RoundTo(x, places), 'f', places, 64)
}

// Bandwidth estimates the transferred volume of a day
func Bandwidth(users, pageviews float64, f Factors) float64 {
	return Round2(users * pageviews * f.A * f.B)
}

// PerUser divides a total by users, zero when there are no users
func PerUser(total, users float64) float64 {
	if users == 0 {
		return 0
	}
	return Round2(total / users)
}

// Record returns a copy of r with the family's metric precision applied and
// its derived columns appended.
func Record(family catalog.Family, r records.FlatRecord, f Factors) (records.FlatRecord, error) {
	out := r.Clone()

	for _, m := range family.Metrics {
		if m.Precision == nil {
			continue
		}
		v, err := r.Float(m.Column)
		if err != nil {
			return records.FlatRecord{}, err
		}
		out.Set(m.Column, Format(v, *m.Precision))
	}

	if len(family.Derived) == 0 {
		return out, nil
	}

	users, err := r.Float("users")
	if err != nil {
		return records.FlatRecord{}, err
	}
	pageviews, err := r.Float("pageviews")
	if err != nil {
		return records.FlatRecord{}, err
	}

	bw := Bandwidth(users, pageviews, f)
	if family.HasDerived(catalog.DerivedBandwidth) {
		out.Set(catalog.DerivedBandwidth, Format(bw, 2))
	}
	if family.HasDerived(catalog.DerivedAvgBandwidth) {
		out.Set(catalog.DerivedAvgBandwidth, Format(PerUser(bw, users), 2))
	}
	return out, nil
}

// Records applies Record to every record of a slice
func Records(family catalog.Family, recs []records.FlatRecord, f Factors) ([]records.FlatRecord, error) {
	out := make([]records.FlatRecord, len(recs))
	for i, r := range recs {
		d, err := Record(family, r, f)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

// Apply derives every point of a series. The input is left untouched.
func Apply(family catalog.Family, s series.Series, f Factors) (series.Series, error) {
	out := series.Series{Family: s.Family, Points: make([]series.Point, len(s.Points))}
	for i, p := range s.Points {
		recs, err := Records(family, p.Records, f)
		if err != nil {
			return series.Series{}, fmt.Errorf("%s on %s: %w", family.ID, p.Date, err)
		}
		out.Points[i] = series.Point{Date: p.Date, Records: recs}
	}
	return out, nil
}
