// Package charts maps finished series into declarative chart specifications
// that the dashboard front end renders.
package charts

// Trace kinds
const (
	KindBar        = "bar"
	KindScatter    = "scatter"
	KindPie        = "pie"
	KindTable      = "table"
	KindScatterGeo = "scattergeo"
)

// Marker styles the points of a trace
type Marker struct {
	Color   string    `json:"color,omitempty"`
	Colors  []float64 `json:"colors,omitempty"`
	Size    float64   `json:"size,omitempty"`
	Sizes   []float64 `json:"sizes,omitempty"`
	Opacity float64   `json:"opacity,omitempty"`
}

// Table is the content of a table trace, cells listed per column
type Table struct {
	Header []string   `json:"header"`
	Cells  [][]string `json:"cells"`
}

// Trace is one data layer of a figure
type Trace struct {
	Kind      string    `json:"type"`
	Name      string    `json:"name,omitempty"`
	Mode      string    `json:"mode,omitempty"`
	X         []string  `json:"x,omitempty"`
	Y         []any     `json:"y,omitempty"`
	Text      []string  `json:"text,omitempty"`
	Lon       []float64 `json:"lon,omitempty"`
	Lat       []float64 `json:"lat,omitempty"`
	Locations []string  `json:"locations,omitempty"`
	Labels    []string  `json:"labels,omitempty"`
	Values    []float64 `json:"values,omitempty"`
	Hole      float64   `json:"hole,omitempty"`
	Marker    *Marker   `json:"marker,omitempty"`
	Table     *Table    `json:"table,omitempty"`
}

// Figure is a titled chart made of traces
type Figure struct {
	ID     string  `json:"id"`
	Title  string  `json:"title"`
	Traces []Trace `json:"traces"`
}

// Overview is the six-panel summary page
type Overview struct {
	Title   string   `json:"title"`
	Figures []Figure `json:"figures"`
}
