package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrUnknownFamily is returned when a family identifier is not in the catalog
var ErrUnknownFamily = errors.New("unknown metric family")

// Scope describes how a family is queried and whether it is persisted
type Scope string

const (
	// ScopeDaily families are fetched one day at a time and cached per date
	ScopeDaily Scope = "daily"
	// ScopeRange families are fetched over the whole configured range
	ScopeRange Scope = "range"
	// ScopeRealtime families come from the real-time API
	ScopeRealtime Scope = "realtime"
)

// Family identifiers
const (
	Bandwidth   = "bandwidth"
	OS          = "os"
	Browser     = "browser"
	Device      = "device"
	Sessions    = "sessions"
	Pageviews   = "pageviews"
	GeoOverview = "geo-overview"
	GeoSource   = "geo-source"
	GeoMedium   = "geo-medium"
	Users       = "users"
	Overall     = "overall"
	Realtime    = "realtime"
)

// Reserved columns appended to every daily family
const (
	DateColumn        = "date"
	DescriptionColumn = "description"
	IDColumn          = "id"
)

// Derived column names
const (
	DerivedBandwidth    = "bandwidth"
	DerivedAvgBandwidth = "avg_bandwidth"
)

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

//go:embed families.yaml
var familiesYAML []byte

// Dimension is a remote dimension and the column it lands in
type Dimension struct {
	Name   string `yaml:"name"`
	Column string `yaml:"column"`
}

// Metric is a remote metric expression and the column it lands in.
// Precision is the number of decimals used when the value is formatted for
// display; nil keeps the source text.
type Metric struct {
	Expression string `yaml:"expression"`
	Column     string `yaml:"column"`
	Title      string `yaml:"title"`
	Precision  *int   `yaml:"precision"`
}

// Family describes one metric family: its query shape and column schema
type Family struct {
	ID          string      `yaml:"id"`
	Label       string      `yaml:"label"`
	Scope       Scope       `yaml:"scope"`
	Table       string      `yaml:"table"`
	DefaultFill bool        `yaml:"default_fill"`
	Dimensions  []Dimension `yaml:"dimensions"`
	Metrics     []Metric    `yaml:"metrics"`
	Derived     []string    `yaml:"derived"`
}

// Query is the declarative request sent to the remote service
type Query struct {
	StartDate  string
	EndDate    string
	Dimensions []string
	Metrics    []string
}

// IsDaily reports whether the family is persisted per date
func (f Family) IsDaily() bool {
	return f.Scope == ScopeDaily
}

// Columns returns the record columns in order: dimensions, metrics and,
// for daily families, date and description.
func (f Family) Columns() []string {
	cols := make([]string, 0, len(f.Dimensions)+len(f.Metrics)+2)
	for _, d := range f.Dimensions {
		cols = append(cols, d.Column)
	}
	for _, m := range f.Metrics {
		cols = append(cols, m.Column)
	}
	if f.IsDaily() {
		cols = append(cols, DateColumn, DescriptionColumn)
	}
	return cols
}

// DimensionNames returns the remote dimension names in declared order
func (f Family) DimensionNames() []string {
	names := make([]string, len(f.Dimensions))
	for i, d := range f.Dimensions {
		names[i] = d.Name
	}
	return names
}

// MetricExpressions returns the remote metric expressions in declared order
func (f Family) MetricExpressions() []string {
	exprs := make([]string, len(f.Metrics))
	for i, m := range f.Metrics {
		exprs[i] = m.Expression
	}
	return exprs
}

// Query builds the remote query for [start, end]
func (f Family) Query(start, end string) Query {
	return Query{
		StartDate:  start,
		EndDate:    end,
		Dimensions: f.DimensionNames(),
		Metrics:    f.MetricExpressions(),
	}
}

// HasDerived reports whether the family declares the given derived column
func (f Family) HasDerived(name string) bool {
	for _, d := range f.Derived {
		if d == name {
			return true
		}
	}
	return false
}

// Catalog is the immutable set of families known to the dashboard
type Catalog struct {
	families []Family
	byID     map[string]Family
}

type document struct {
	Families []Family `yaml:"families"`
}

// Load parses and validates a catalog document
func Load(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	c := &Catalog{byID: make(map[string]Family, len(doc.Families))}
	for _, f := range doc.Families {
		if err := validate(f); err != nil {
			return nil, fmt.Errorf("family %q: %w", f.ID, err)
		}
		if _, dup := c.byID[f.ID]; dup {
			return nil, fmt.Errorf("family %q declared twice", f.ID)
		}
		c.families = append(c.families, f)
		c.byID[f.ID] = f
	}
	return c, nil
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// Default returns the catalog embedded in the binary
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := Load(familiesYAML)
		if err != nil {
			panic(err)
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

// Get returns the family with the given identifier
func (c *Catalog) Get(id string) (Family, error) {
	f, ok := c.byID[id]
	if !ok {
		return Family{}, fmt.Errorf("%w: %s", ErrUnknownFamily, id)
	}
	return f, nil
}

// All returns every family in declaration order
func (c *Catalog) All() []Family {
	out := make([]Family, len(c.families))
	copy(out, c.families)
	return out
}

// Daily returns the families persisted per date
func (c *Catalog) Daily() []Family {
	var out []Family
	for _, f := range c.families {
		if f.IsDaily() {
			out = append(out, f)
		}
	}
	return out
}

// ValidIdentifier reports whether name is safe to use as a SQL identifier
func ValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

func validate(f Family) error {
	if f.ID == "" {
		return errors.New("missing id")
	}
	switch f.Scope {
	case ScopeDaily:
		if !ValidIdentifier(f.Table) {
			return fmt.Errorf("invalid table name %q", f.Table)
		}
	case ScopeRange, ScopeRealtime:
	default:
		return fmt.Errorf("invalid scope %q", f.Scope)
	}
	if len(f.Metrics) == 0 {
		return errors.New("at least one metric is required")
	}

	seen := map[string]bool{}
	for _, col := range f.Columns() {
		if !ValidIdentifier(col) {
			return fmt.Errorf("invalid column name %q", col)
		}
		if seen[col] {
			return fmt.Errorf("duplicate column %q", col)
		}
		seen[col] = true
	}
	if seen[IDColumn] {
		return fmt.Errorf("column %q is reserved", IDColumn)
	}
	for _, d := range f.Derived {
		if d != DerivedBandwidth && d != DerivedAvgBandwidth {
			return fmt.Errorf("unknown derived column %q", d)
		}
	}
	return nil
}
