// Package source reads tabular source data and produces normalized tables.
package source

import (
	"dimroute/internal/normalize"
)

// Table is a header plus rows of string cells. Every row has len(Columns) cells.
type Table struct {
	Columns []string
	Rows    [][]string
}

// ColumnIndex returns the position of the named column, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// HasColumn reports whether the table has the named column.
func (t *Table) HasColumn(name string) bool {
	return t.ColumnIndex(name) >= 0
}

// Len returns the number of data rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Normalize returns a copy of t with normalized column names and with the values of the
// given dimension columns normalized. Dimension names are matched after normalization;
// names that are not present are ignored here and reported by the leaf index builder.
// Other columns keep their original cell values.
func Normalize(t *Table, dims []string) *Table {
	columns := normalize.Columns(t.Columns)
	out := &Table{Columns: columns, Rows: make([][]string, len(t.Rows))}

	dimIdx := make([]int, 0, len(dims))
	for _, d := range dims {
		if i := out.ColumnIndex(normalize.Column(d)); i >= 0 {
			dimIdx = append(dimIdx, i)
		}
	}

	for r, row := range t.Rows {
		cells := make([]string, len(columns))
		copy(cells, row)
		for _, i := range dimIdx {
			cells[i] = normalize.Value(cells[i])
		}
		out.Rows[r] = cells
	}
	return out
}
