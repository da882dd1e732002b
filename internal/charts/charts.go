package charts

import (
	"fmt"
	"math"

	"github.com/pariz/gountries"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"trafficdash/internal/catalog"
	"trafficdash/internal/records"
	"trafficdash/internal/series"
)

// Geo map modes
const (
	GeoGeneral = "general"
	GeoSource  = "source"
	GeoMedium  = "medium"
)

// OverviewInput holds the derived series of the overview page
type OverviewInput struct {
	Bandwidth series.Series
	OS        series.Series
	Browser   series.Series
	Device    series.Series
	Sessions  series.Series
	Pageviews series.Series
	Users     series.Series
	Overall   series.Series
}

// BuildOverview renders the six overview panels
func BuildOverview(in OverviewInput) (Overview, error) {
	bandwidth, err := Bandwidth(in.Bandwidth)
	if err != nil {
		return Overview{}, err
	}
	system, err := System(in.OS, in.Browser, in.Device)
	if err != nil {
		return Overview{}, err
	}
	sessions, err := Sessions(in.Sessions)
	if err != nil {
		return Overview{}, err
	}
	pageviews, err := Pageviews(in.Pageviews)
	if err != nil {
		return Overview{}, err
	}
	visitors, err := Visitors(in.Users)
	if err != nil {
		return Overview{}, err
	}
	overall, err := Overall(in.Overall)
	if err != nil {
		return Overview{}, err
	}

	return Overview{
		Title:   "Overall Analysis",
		Figures: []Figure{bandwidth, system, sessions, pageviews, visitors, overall},
	}, nil
}

// Bandwidth renders total and per-user bandwidth bars
func Bandwidth(s series.Series) (Figure, error) {
	total := Trace{Kind: KindBar, Name: "Bandwidth", Marker: &Marker{Color: "indianred"}}
	perUser := Trace{Kind: KindBar, Name: "Avg. Bandwidth", Marker: &Marker{Color: "lightsalmon"}}

	for _, r := range s.Records() {
		bw, err := r.Float(catalog.DerivedBandwidth)
		if err != nil {
			return Figure{}, err
		}
		avg, err := r.Float(catalog.DerivedAvgBandwidth)
		if err != nil {
			return Figure{}, err
		}
		date := r.Value(catalog.DateColumn)

		total.X = append(total.X, date)
		total.Y = append(total.Y, bw)
		total.Text = append(total.Text, fmt.Sprintf("Users : %s<br>Total Bandwidth per Day : %s MBps",
			r.Value("users"), r.Value(catalog.DerivedBandwidth)))

		perUser.X = append(perUser.X, date)
		perUser.Y = append(perUser.Y, avg)
		perUser.Text = append(perUser.Text, fmt.Sprintf("Avg. Bandwidth per User : %s MBps",
			r.Value(catalog.DerivedAvgBandwidth)))
	}

	return Figure{ID: catalog.Bandwidth, Title: "Bandwidth", Traces: []Trace{total, perUser}}, nil
}

// System renders the OS, browser and device breakdowns as bubbles sized by
// users
func System(os, browser, device series.Series) (Figure, error) {
	caser := cases.Title(language.AmericanEnglish)

	var traces []Trace
	for _, part := range []struct {
		s      series.Series
		name   string
		column string
		label  func(string) string
	}{
		{s: os, name: "Operating System", column: "operating_system"},
		{s: browser, name: "Browser", column: "browser"},
		{s: device, name: "Device Category", column: "device_category", label: caser.String},
	} {
		trace := Trace{Kind: KindScatter, Name: part.name, Mode: "markers", Marker: &Marker{}}
		for _, r := range part.s.Records() {
			dim, ok := r.Get(part.column)
			if !ok || dim.Null {
				// zero-filled day
				continue
			}
			users, err := r.Int("users")
			if err != nil {
				return Figure{}, err
			}
			label := dim.Value
			if part.label != nil {
				label = part.label(label)
			}
			trace.X = append(trace.X, r.Value(catalog.DateColumn))
			trace.Y = append(trace.Y, label)
			trace.Text = append(trace.Text, "Users : "+r.Value("users"))
			trace.Marker.Sizes = append(trace.Marker.Sizes, float64(users*10))
		}
		traces = append(traces, trace)
	}

	return Figure{ID: "system", Title: "System", Traces: traces}, nil
}

// Sessions renders sessions, bounce rate and hits as lines
func Sessions(s series.Series) (Figure, error) {
	var traces []Trace
	for _, m := range []struct{ column, name string }{
		{"sessions", "Sessions"},
		{"bounce_rate", "Bounce Rate"},
		{"hits", "Hits"},
	} {
		trace := Trace{Kind: KindScatter, Name: m.name, Mode: "markers+lines", Marker: &Marker{}}
		for _, r := range s.Records() {
			v, err := r.Float(m.column)
			if err != nil {
				return Figure{}, err
			}
			trace.X = append(trace.X, r.Value(catalog.DateColumn))
			trace.Y = append(trace.Y, v)
			trace.Marker.Sizes = append(trace.Marker.Sizes, math.Trunc(v)*0.65)
		}
		traces = append(traces, trace)
	}
	return Figure{ID: catalog.Sessions, Title: "Sessions", Traces: traces}, nil
}

// Pageviews renders the pageview metrics as markers
func Pageviews(s series.Series) (Figure, error) {
	var traces []Trace
	for _, m := range []struct {
		column, name, color string
		opacity             float64
	}{
		{"pageviews_per_session", "Pageviews Per Session", "ghostwhite", 0.7},
		{"avg_time_on_page", "Avg. Time On Page", "sandybrown", 0.7},
		{"pageviews", "Pageviews", "hotpink", 0.85},
		{"unique_pageviews", "Unique Pageviews", "dodgerblue", 0.7},
	} {
		trace := Trace{Kind: KindScatter, Name: m.name, Mode: "markers",
			Marker: &Marker{Color: m.color, Size: 12, Opacity: m.opacity}}
		for _, r := range s.Records() {
			v, err := r.Float(m.column)
			if err != nil {
				return Figure{}, err
			}
			trace.X = append(trace.X, r.Value(catalog.DateColumn))
			trace.Y = append(trace.Y, v)
		}
		traces = append(traces, trace)
	}
	return Figure{ID: catalog.Pageviews, Title: "Pageviews", Traces: traces}, nil
}

// Visitors renders new against returning visitors as a donut
func Visitors(s series.Series) (Figure, error) {
	trace := Trace{Kind: KindPie, Hole: 0.3, Labels: []string{}, Values: []float64{}}
	for _, r := range s.Latest() {
		label, ok := r.Get("visitor_type")
		if !ok || label.Null {
			continue
		}
		users, err := r.Float("users")
		if err != nil {
			return Figure{}, err
		}
		trace.Labels = append(trace.Labels, label.Value)
		trace.Values = append(trace.Values, users)
	}
	return Figure{ID: catalog.Users, Title: "Visitor Type", Traces: []Trace{trace}}, nil
}

// Overall renders the overall metrics as an attribute table
func Overall(s series.Series) (Figure, error) {
	family, err := catalog.Default().Get(catalog.Overall)
	if err != nil {
		return Figure{}, err
	}

	table := &Table{Header: []string{"Attributes", "Value"}, Cells: [][]string{{}, {}}}
	latest := s.Latest()
	for _, m := range family.Metrics {
		value := ""
		if len(latest) > 0 {
			if _, ok := latest[0].Get(m.Column); !ok {
				return Figure{}, fmt.Errorf("%w: column %q is absent", records.ErrMissingField, m.Column)
			}
			value = latest[0].Value(m.Column)
		}
		table.Cells[0] = append(table.Cells[0], m.Title)
		table.Cells[1] = append(table.Cells[1], value)
	}

	return Figure{ID: catalog.Overall, Title: "Overall", Traces: []Trace{{Kind: KindTable, Table: table}}}, nil
}

// Geo renders the location map of a range family
func Geo(s series.Series, mode string) (Figure, error) {
	switch mode {
	case GeoGeneral:
		return geoFigure("geo-"+mode, "Location Vs Info", s.Latest(), "sessions", func(r records.FlatRecord, place string) string {
			return fmt.Sprintf("%s<br>Users : %s<br>Sessions : %s<br>Unique Pageviews : %s<br>Bounce Rate : %s<br>Avg. Session Duration : %s<br>Hits : %s",
				place, r.Value("users"), r.Value("sessions"), r.Value("unique_pageviews"),
				r.Value("bounce_rate"), r.Value("avg_session_duration"), r.Value("hits"))
		})
	case GeoSource:
		return geoFigure("geo-"+mode, "Location Vs Info", s.Latest(), "latitude", func(r records.FlatRecord, place string) string {
			return fmt.Sprintf("%s<br>Users : %s<br>Source : %s", place, r.Value("users"), r.Value("source"))
		})
	case GeoMedium:
		return geoFigure("geo-"+mode, "Location Vs Info", s.Latest(), "longitude", func(r records.FlatRecord, place string) string {
			return fmt.Sprintf("%s<br>Users : %s<br>Medium : %s", place, r.Value("users"), r.Value("medium"))
		})
	default:
		return Figure{}, fmt.Errorf("unknown geo mode %q", mode)
	}
}

// GeoFamily returns the range family behind a geo mode
func GeoFamily(mode string) (string, bool) {
	switch mode {
	case GeoGeneral:
		return catalog.GeoOverview, true
	case GeoSource:
		return catalog.GeoSource, true
	case GeoMedium:
		return catalog.GeoMedium, true
	}
	return "", false
}

// Live renders the real-time visitor map. An empty series gives an empty map.
func Live(s series.Series) (Figure, error) {
	return geoFigure("live", "Live Visitors", s.Latest(), "users", func(r records.FlatRecord, place string) string {
		return fmt.Sprintf("%s<br>Users : %s", r.Value("city"), r.Value("users"))
	})
}

func geoFigure(id, title string, recs []records.FlatRecord, colorColumn string, text func(records.FlatRecord, string) string) (Figure, error) {
	countries := gountries.New()

	trace := Trace{
		Kind:      KindScatterGeo,
		Mode:      "markers",
		Lon:       []float64{},
		Lat:       []float64{},
		Text:      []string{},
		Locations: []string{},
		Marker:    &Marker{Sizes: []float64{}, Colors: []float64{}},
	}

	shares := make([]float64, 0, len(recs))
	var total float64
	for _, r := range recs {
		lon, err := r.Float("longitude")
		if err != nil {
			return Figure{}, err
		}
		lat, err := r.Float("latitude")
		if err != nil {
			return Figure{}, err
		}
		users, err := r.Int("users")
		if err != nil {
			return Figure{}, err
		}
		colorValue, err := r.Float(colorColumn)
		if err != nil {
			return Figure{}, err
		}

		countryName := r.Value("country")
		alpha3 := ""
		if country, err := countries.FindCountryByName(countryName); err == nil {
			countryName = country.Name.Common
			alpha3 = country.Codes.Alpha3
		}
		place := fmt.Sprintf("%s,%s,%s", r.Value("city"), r.Value("region"), countryName)

		trace.Lon = append(trace.Lon, lon)
		trace.Lat = append(trace.Lat, lat)
		trace.Locations = append(trace.Locations, alpha3)
		trace.Text = append(trace.Text, text(r, place))
		trace.Marker.Sizes = append(trace.Marker.Sizes, float64(users*10))
		shares = append(shares, colorValue)
		total += colorValue
	}

	for _, v := range shares {
		if total == 0 {
			trace.Marker.Colors = append(trace.Marker.Colors, 0)
			continue
		}
		trace.Marker.Colors = append(trace.Marker.Colors, v/total*100)
	}

	return Figure{ID: id, Title: title, Traces: []Trace{trace}}, nil
}
