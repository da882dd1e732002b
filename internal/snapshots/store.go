// Package snapshots persists the flat records of daily metric families, one
// table per family, keyed by date.
package snapshots

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"trafficdash/internal/catalog"
	"trafficdash/internal/records"
	"trafficdash/internal/timeframe"
)

// ErrStoreUnavailable wraps every failure of the underlying database
var ErrStoreUnavailable = errors.New("snapshot store unavailable")

// Session runs cache operations on one dedicated connection
type Session interface {
	// Lookup returns the rows stored for (family, date) in insertion order
	Lookup(ctx context.Context, family catalog.Family, date timeframe.DateKey) ([]records.FlatRecord, bool, error)
	// Upsert stores recs unless the date is already present. It reports
	// whether rows were written.
	Upsert(ctx context.Context, family catalog.Family, date timeframe.DateKey, recs []records.FlatRecord) (bool, error)
	// Replace swaps the rows of a date for recs and returns the rows as
	// stored. A description already set on the date is kept.
	Replace(ctx context.Context, family catalog.Family, date timeframe.DateKey, recs []records.FlatRecord) ([]records.FlatRecord, error)
	// Annotate sets the description of every row of a date
	Annotate(ctx context.Context, family catalog.Family, date timeframe.DateKey, text string) (int64, error)
	// Prune deletes rows dated before the given date
	Prune(ctx context.Context, family catalog.Family, before timeframe.DateKey) (int64, error)
}

// Store hands out sessions and owns the schema
type Store interface {
	WithConn(ctx context.Context, fn func(Session) error) error
	Migrate(ctx context.Context, families []catalog.Family) error
	Ping(ctx context.Context) error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

func checkFamily(family catalog.Family) error {
	if !family.IsDaily() {
		return fmt.Errorf("family %s is not persisted per date", family.ID)
	}
	if !catalog.ValidIdentifier(family.Table) {
		return fmt.Errorf("invalid table name %q", family.Table)
	}
	return nil
}

// checkRecords makes sure every record has exactly the family's columns and
// belongs to the given date.
func checkRecords(family catalog.Family, date timeframe.DateKey, recs []records.FlatRecord) error {
	want := family.Columns()
	for i, r := range recs {
		cols := r.Columns()
		if strings.Join(cols, ",") != strings.Join(want, ",") {
			return fmt.Errorf("record %d of %s has columns %v, expected %v", i, family.ID, cols, want)
		}
		if r.Value(catalog.DateColumn) != date.String() {
			return fmt.Errorf("record %d of %s is dated %q, expected %s", i, family.ID, r.Value(catalog.DateColumn), date)
		}
	}
	return nil
}

// scanRecords reads the family's columns from rows
func scanRecords(rows *sql.Rows, family catalog.Family) ([]records.FlatRecord, error) {
	cols := family.Columns()
	var out []records.FlatRecord
	for rows.Next() {
		values := make([]sql.NullString, len(cols))
		dest := make([]any, len(cols))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}

		fields := make([]records.Field, len(cols))
		for i, col := range cols {
			if values[i].Valid {
				fields[i] = records.Text(col, values[i].String)
			} else {
				fields[i] = records.Null(col)
			}
		}
		out = append(out, records.New(fields...))
	}
	return out, rows.Err()
}

// withDescription copies recs, filling empty descriptions with text
func withDescription(recs []records.FlatRecord, text string) []records.FlatRecord {
	if text == "" {
		return recs
	}
	out := make([]records.FlatRecord, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
		if out[i].Value(catalog.DescriptionColumn) == "" {
			out[i].Set(catalog.DescriptionColumn, text)
		}
	}
	return out
}

// rowValues returns the insert arguments of a record, nil for null fields
func rowValues(r records.FlatRecord) []any {
	args := make([]any, len(r.Fields))
	for i, f := range r.Fields {
		if f.Null {
			args[i] = nil
		} else {
			args[i] = f.Value
		}
	}
	return args
}

// tableDDL builds the CREATE TABLE and CREATE INDEX statements of a family
func tableDDL(family catalog.Family, quote func(string) string, idColumn string) []string {
	defs := []string{quote(catalog.IDColumn) + " " + idColumn}
	for _, col := range family.Columns() {
		defs = append(defs, quote(col)+" TEXT")
	}
	table := quote(family.Table)
	index := quote("idx_" + family.Table + "_date")
	return []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, strings.Join(defs, ", ")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", index, table, quote(catalog.DateColumn)),
	}
}

func quoteColumns(cols []string, quote func(string) string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quote(c)
	}
	return strings.Join(quoted, ", ")
}
