package records

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMissingField is returned when a column needed for arithmetic is absent,
// null, empty or not numeric
var ErrMissingField = errors.New("missing or non-numeric field")

// Field is one column of a FlatRecord. Values are kept as the source text.
type Field struct {
	Name  string
	Value string
	Null  bool
}

// FlatRecord is an ordered set of columns
type FlatRecord struct {
	Fields []Field
}

// New creates a record from fields in order
func New(fields ...Field) FlatRecord {
	return FlatRecord{Fields: fields}
}

// Text returns a non-null field
func Text(name, value string) Field {
	return Field{Name: name, Value: value}
}

// Null returns a null field
func Null(name string) Field {
	return Field{Name: name, Null: true}
}

// Columns returns the column names in order
func (r FlatRecord) Columns() []string {
	cols := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		cols[i] = f.Name
	}
	return cols
}

// Get returns the field with the given name
func (r FlatRecord) Get(name string) (Field, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Value returns the text of a column, or "" when it is absent or null
func (r FlatRecord) Value(name string) string {
	f, ok := r.Get(name)
	if !ok || f.Null {
		return ""
	}
	return f.Value
}

// Set replaces the value of a column, appending it when absent
func (r *FlatRecord) Set(name, value string) {
	for i := range r.Fields {
		if r.Fields[i].Name == name {
			r.Fields[i] = Text(name, value)
			return
		}
	}
	r.Fields = append(r.Fields, Text(name, value))
}

// Clone returns a deep copy
func (r FlatRecord) Clone() FlatRecord {
	fields := make([]Field, len(r.Fields))
	copy(fields, r.Fields)
	return FlatRecord{Fields: fields}
}

// Equal compares two records column by column, as text
func (r FlatRecord) Equal(other FlatRecord) bool {
	if len(r.Fields) != len(other.Fields) {
		return false
	}
	for i := range r.Fields {
		if r.Fields[i] != other.Fields[i] {
			return false
		}
	}
	return true
}

// Float coerces a column to float64
func (r FlatRecord) Float(name string) (float64, error) {
	f, ok := r.Get(name)
	if !ok {
		return 0, fmt.Errorf("%w: column %q is absent", ErrMissingField, name)
	}
	if f.Null || strings.TrimSpace(f.Value) == "" {
		return 0, fmt.Errorf("%w: column %q is empty", ErrMissingField, name)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(f.Value), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: column %q has value %q", ErrMissingField, name, f.Value)
	}
	return v, nil
}

// Int coerces a column to int64
func (r FlatRecord) Int(name string) (int64, error) {
	v, err := r.Float(name)
	if err != nil {
		return 0, err
	}
	if v != float64(int64(v)) {
		return 0, fmt.Errorf("%w: column %q is not an integer", ErrMissingField, name)
	}
	return int64(v), nil
}

// MarshalJSON encodes the record as an object keeping column order
func (r FlatRecord) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.Fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if f.Null {
			buf.WriteString("null")
			continue
		}
		val, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
