package model

import "fmt"

// Column is one named, ordered sequence of cells.
type Column struct {
	Name   string  `json:"name"`
	Values []Value `json:"values"`
}

// Table is a named set of equal-length columns. Row i across all columns
// describes one observation.
type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Rows returns the row count, taken from the first column.
func (t Table) Rows() int {
	if len(t.Columns) == 0 {
		return 0
	}
	return len(t.Columns[0].Values)
}

// ColumnNames returns the column names in order.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Column looks up a column by name.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Row returns the cells of row i in column order.
func (t Table) Row(i int) []Value {
	row := make([]Value, len(t.Columns))
	for c, col := range t.Columns {
		row[c] = col.Values[i]
	}
	return row
}

// Validate checks that every column has the same length and that names are unique.
func (t Table) Validate() error {
	seen := make(map[string]struct{}, len(t.Columns))
	rows := t.Rows()
	for _, c := range t.Columns {
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("table %q: duplicate column %q", t.Name, c.Name)
		}
		seen[c.Name] = struct{}{}
		if len(c.Values) != rows {
			return fmt.Errorf("table %q: column %q has %d rows, want %d", t.Name, c.Name, len(c.Values), rows)
		}
	}
	return nil
}
