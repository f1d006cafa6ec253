// Package results turns parsed agent records into column-aligned tables.
package results

import (
	"fmt"

	"github.com/tinytelemetry/probelog/internal/agents"
	"github.com/tinytelemetry/probelog/internal/model"
)

// Builder accumulates rows for a fixed schema, one column slice per name.
type Builder struct {
	name    string
	columns []model.Column
}

// NewBuilder creates a builder for the given schema. capacity is a row hint.
func NewBuilder(name string, columns []string, capacity int) *Builder {
	b := &Builder{name: name, columns: make([]model.Column, len(columns))}
	for i, c := range columns {
		b.columns[i] = model.Column{Name: c, Values: make([]model.Value, 0, capacity)}
	}
	return b
}

// Append adds one row read from r. On error no column is modified.
func (b *Builder) Append(r agents.Record) error {
	row := make([]model.Value, len(b.columns))
	for i, c := range b.columns {
		v, err := r.Value(c.Name)
		if err != nil {
			return fmt.Errorf("table %q: %w", b.name, err)
		}
		row[i] = v
	}
	for i := range b.columns {
		b.columns[i].Values = append(b.columns[i].Values, row[i])
	}
	return nil
}

// Len is the number of rows appended so far.
func (b *Builder) Len() int {
	if len(b.columns) == 0 {
		return 0
	}
	return len(b.columns[0].Values)
}

// Table returns the accumulated table.
func (b *Builder) Table() model.Table {
	return model.Table{Name: b.name, Columns: b.columns}
}

// Build creates one table where column c at row i is records[i].Value(c).
// ok is false when there are no records: an empty result is not published.
// An error wrapping agents.ErrUnknownColumn means the schema does not fit
// the record kind.
func Build[R agents.Record](name string, columns []string, records []R) (table model.Table, ok bool, err error) {
	if len(records) == 0 {
		return model.Table{}, false, nil
	}
	b := NewBuilder(name, columns, len(records))
	for _, r := range records {
		if err := b.Append(r); err != nil {
			return model.Table{}, false, err
		}
	}
	return b.Table(), true, nil
}
