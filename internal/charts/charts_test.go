package charts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trafficdash/internal/catalog"
	"trafficdash/internal/derive"
	"trafficdash/internal/records"
	"trafficdash/internal/series"
	"trafficdash/internal/timeframe"
)

func point(date string, recs ...records.FlatRecord) series.Point {
	return series.Point{Date: timeframe.DateKey(date), Records: recs}
}

func derived(t *testing.T, familyID string, points ...series.Point) series.Series {
	t.Helper()
	family, err := catalog.Default().Get(familyID)
	require.NoError(t, err)
	out, err := derive.Apply(family, series.Series{Family: familyID, Points: points}, derive.DefaultFactors())
	require.NoError(t, err)
	return out
}

func geoRecord(country, city, users, source string) records.FlatRecord {
	return records.New(
		records.Text("country", country),
		records.Text("region", "Region"),
		records.Text("city", city),
		records.Text("longitude", "13.4"),
		records.Text("latitude", "52.5"),
		records.Text("source", source),
		records.Text("users", users),
	)
}

func TestBandwidthFigure(t *testing.T) {
	s := derived(t, catalog.Bandwidth,
		point("2024-03-01", records.New(
			records.Text("pageviews", "5"),
			records.Text("users", "10"),
			records.Text("date", "2024-03-01"),
			records.Text("description", ""),
		)),
	)

	fig, err := Bandwidth(s)
	require.NoError(t, err)
	require.Len(t, fig.Traces, 2)

	total := fig.Traces[0]
	assert.Equal(t, KindBar, total.Kind)
	assert.Equal(t, []string{"2024-03-01"}, total.X)
	assert.Equal(t, []any{348.75}, total.Y)
	assert.Equal(t, "Users : 10<br>Total Bandwidth per Day : 348.75 MBps", total.Text[0])

	perUser := fig.Traces[1]
	assert.Equal(t, []any{34.88}, perUser.Y)
	assert.Equal(t, "Avg. Bandwidth per User : 34.88 MBps", perUser.Text[0])
}

func TestBandwidthFigureNeedsDerivedColumns(t *testing.T) {
	s := series.Series{Family: catalog.Bandwidth, Points: []series.Point{
		point("2024-03-01", records.New(records.Text("users", "10"), records.Text("pageviews", "5"))),
	}}

	_, err := Bandwidth(s)
	assert.ErrorIs(t, err, records.ErrMissingField)
}

func TestSystemFigure(t *testing.T) {
	os := series.Series{Points: []series.Point{
		point("2024-03-01", records.New(
			records.Text("operating_system", "Linux"),
			records.Text("users", "3"),
			records.Text("date", "2024-03-01"),
		)),
		point("2024-03-02", records.New(
			records.Null("operating_system"),
			records.Text("users", "0"),
			records.Text("date", "2024-03-02"),
		)),
	}}
	device := series.Series{Points: []series.Point{
		point("2024-03-01", records.New(
			records.Text("device_category", "desktop"),
			records.Text("users", "2"),
			records.Text("date", "2024-03-01"),
		)),
	}}

	fig, err := System(os, series.Series{}, device)
	require.NoError(t, err)
	require.Len(t, fig.Traces, 3)

	assert.Equal(t, []any{"Linux"}, fig.Traces[0].Y, "zero-filled days are skipped")
	assert.Equal(t, []float64{30}, fig.Traces[0].Marker.Sizes)
	assert.Equal(t, []string{"Users : 3"}, fig.Traces[0].Text)
	assert.Empty(t, fig.Traces[1].X)
	assert.Equal(t, []any{"Desktop"}, fig.Traces[2].Y)
}

func TestSessionsFigure(t *testing.T) {
	s := derived(t, catalog.Sessions,
		point("2024-03-01", records.New(
			records.Text("sessions", "20"),
			records.Text("bounce_rate", "45.6789"),
			records.Text("hits", "100"),
			records.Text("date", "2024-03-01"),
			records.Text("description", ""),
		)),
	)

	fig, err := Sessions(s)
	require.NoError(t, err)
	require.Len(t, fig.Traces, 3)
	assert.Equal(t, "markers+lines", fig.Traces[0].Mode)
	assert.Equal(t, []any{45.68}, fig.Traces[1].Y)
	assert.InDelta(t, 45*0.65, fig.Traces[1].Marker.Sizes[0], 1e-9)
	assert.InDelta(t, 13.0, fig.Traces[0].Marker.Sizes[0], 1e-9)
}

func TestPageviewsFigure(t *testing.T) {
	s := derived(t, catalog.Pageviews,
		point("2024-03-01", records.New(
			records.Text("pageviews", "40"),
			records.Text("pageviews_per_session", "2.6"),
			records.Text("unique_pageviews", "30"),
			records.Text("avg_time_on_page", "61.4"),
			records.Text("date", "2024-03-01"),
			records.Text("description", ""),
		)),
	)

	fig, err := Pageviews(s)
	require.NoError(t, err)
	require.Len(t, fig.Traces, 4)
	assert.Equal(t, []any{3.0}, fig.Traces[0].Y)
	assert.Equal(t, []any{61.0}, fig.Traces[1].Y)
	assert.Equal(t, "hotpink", fig.Traces[2].Marker.Color)
	assert.Equal(t, 0.85, fig.Traces[2].Marker.Opacity)
}

func TestVisitorsFigure(t *testing.T) {
	s := series.Series{Points: []series.Point{
		point("2024-03-02",
			records.New(records.Text("visitor_type", "New Visitor"), records.Text("users", "7")),
			records.New(records.Text("visitor_type", "Returning Visitor"), records.Text("users", "3")),
		),
	}}

	fig, err := Visitors(s)
	require.NoError(t, err)
	pie := fig.Traces[0]
	assert.Equal(t, KindPie, pie.Kind)
	assert.Equal(t, 0.3, pie.Hole)
	assert.Equal(t, []string{"New Visitor", "Returning Visitor"}, pie.Labels)
	assert.Equal(t, []float64{7, 3}, pie.Values)
}

func TestOverallTable(t *testing.T) {
	s := derived(t, catalog.Overall, point("2024-03-02", records.New(
		records.Text("users", "10"),
		records.Text("sessions", "12"),
		records.Text("avg_session_duration", "33.456"),
		records.Text("pageviews", "40"),
		records.Text("pageviews_per_session", "3.3333"),
		records.Text("bounce_rate", "50"),
		records.Text("avg_time_on_page", "20.1"),
		records.Text("hits", "90"),
		records.Text("unique_pageviews", "35"),
	)))

	fig, err := Overall(s)
	require.NoError(t, err)
	table := fig.Traces[0].Table
	require.NotNil(t, table)
	assert.Equal(t, []string{"Attributes", "Value"}, table.Header)
	assert.Equal(t, "Users", table.Cells[0][0])
	assert.Equal(t, "10", table.Cells[1][0])
	assert.Equal(t, "Avg. Session Duration", table.Cells[0][2])
	assert.Equal(t, "33.46", table.Cells[1][2])
	assert.Equal(t, "50.00", table.Cells[1][5])
}

func TestGeoSourceFigure(t *testing.T) {
	s := series.Series{Points: []series.Point{
		point("2024-03-02",
			geoRecord("Germany", "Berlin", "3", "google"),
			geoRecord("Atlantis", "Poseidonia", "1", "(direct)"),
		),
	}}

	fig, err := Geo(s, GeoSource)
	require.NoError(t, err)
	geo := fig.Traces[0]
	assert.Equal(t, KindScatterGeo, geo.Kind)
	assert.Equal(t, []string{"DEU", ""}, geo.Locations)
	assert.Equal(t, []float64{30, 10}, geo.Marker.Sizes)
	assert.Equal(t, "Berlin,Region,Germany<br>Users : 3<br>Source : google", geo.Text[0])
	assert.Equal(t, "Poseidonia,Region,Atlantis<br>Users : 1<br>Source : (direct)", geo.Text[1])
	// both rows share the same latitude
	assert.InDeltaSlice(t, []float64{50, 50}, geo.Marker.Colors, 1e-9)
}

func TestGeoUnknownMode(t *testing.T) {
	_, err := Geo(series.Series{}, "weather")
	assert.Error(t, err)

	_, ok := GeoFamily("weather")
	assert.False(t, ok)
	id, ok := GeoFamily(GeoMedium)
	assert.True(t, ok)
	assert.Equal(t, catalog.GeoMedium, id)
}

func TestLiveFigure(t *testing.T) {
	fig, err := Live(series.Empty(catalog.Realtime))
	require.NoError(t, err)
	assert.Empty(t, fig.Traces[0].Lon)
	assert.Empty(t, fig.Traces[0].Marker.Colors)

	s := series.Series{Points: []series.Point{
		point("2024-03-02",
			geoRecord("Germany", "Berlin", "3", "google"),
			geoRecord("Germany", "Hamburg", "1", "google"),
		),
	}}
	fig, err = Live(s)
	require.NoError(t, err)
	assert.Equal(t, []string{"Berlin<br>Users : 3", "Hamburg<br>Users : 1"}, fig.Traces[0].Text)
	assert.InDeltaSlice(t, []float64{75, 25}, fig.Traces[0].Marker.Colors, 1e-9)
}

func TestGeoZeroColorTotal(t *testing.T) {
	s := series.Series{Points: []series.Point{
		point("2024-03-02", geoRecord("Germany", "Berlin", "0", "google")),
	}}

	fig, err := Live(s)
	require.NoError(t, err)
	assert.Equal(t, []float64{0}, fig.Traces[0].Marker.Colors)
}

func TestBuildOverview(t *testing.T) {
	in := OverviewInput{
		Bandwidth: derived(t, catalog.Bandwidth),
		Sessions:  derived(t, catalog.Sessions),
		Pageviews: derived(t, catalog.Pageviews),
		Overall:   derived(t, catalog.Overall),
	}

	ov, err := BuildOverview(in)
	require.NoError(t, err)
	assert.Equal(t, "Overall Analysis", ov.Title)
	require.Len(t, ov.Figures, 6)
	assert.Equal(t, catalog.Bandwidth, ov.Figures[0].ID)
	assert.Equal(t, catalog.Overall, ov.Figures[5].ID)
}
