// Package query runs canonical filters against a dataset table.
package query

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"dimroute/internal/dbexec"
	"dimroute/internal/planner"
)

// Target describes the table a query runs against and which of its columns callers may
// filter and read.
type Target struct {
	Table       string
	Dims        []string
	Retrievable []string
	Metrics     []string
}

// Filterable returns the columns a filter may name: dimensions first, then retrievable
// columns, without duplicates.
func (t Target) Filterable() []string {
	out := slices.Clone(t.Dims)
	for _, c := range t.Retrievable {
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}

// Projection returns the selected columns: the retrievable columns, or the dimensions and
// metrics when none are declared. An empty projection selects every column.
func (t Target) Projection() []string {
	if len(t.Retrievable) > 0 {
		return slices.Clone(t.Retrievable)
	}
	return append(slices.Clone(t.Dims), t.Metrics...)
}

// Cell is one column value of a row.
type Cell struct {
	Column string
	Value  any
}

// Row is an ordered list of cells. It encodes as a JSON object with keys in column order.
type Row []Cell

// Get returns the value of column.
func (r Row) Get(column string) (any, bool) {
	for _, c := range r {
		if c.Column == column {
			return c.Value, true
		}
	}
	return nil, false
}

func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(c.Column)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(c.Value)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Column, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Result is the materialized output of a query.
type Result struct {
	Columns []string
	Rows    []Row
	// Ignored lists filter keys that were not filterable columns.
	Ignored []string
}

// Count returns the number of rows returned.
func (r *Result) Count() int {
	return len(r.Rows)
}

// Executor plans and runs queries.
type Executor struct {
	exec   dbexec.QueryExecutor
	limits planner.Limits
}

// NewExecutor creates an executor over exec.
func NewExecutor(exec dbexec.QueryExecutor, limits planner.Limits) *Executor {
	return &Executor{exec: exec, limits: limits}
}

// Execute selects the rows of target matching every filter. Filter keys that are not
// filterable columns are dropped and reported; empty values are dropped. A filter map
// without usable values scans the whole table up to the limit.
func (e *Executor) Execute(ctx context.Context, target Target, filters map[string][]string, limit int) (*Result, error) {
	spec := planner.SelectSpec{
		Table:   target.Table,
		Columns: target.Projection(),
		Limit:   e.limits.Effective(limit),
	}

	filterable := target.Filterable()
	result := &Result{}
	for key := range filters {
		if !slices.Contains(filterable, key) {
			result.Ignored = append(result.Ignored, key)
		}
	}
	slices.Sort(result.Ignored)

	for _, col := range filterable {
		var values []string
		for _, v := range filters[col] {
			if strings.TrimSpace(v) != "" {
				values = append(values, v)
			}
		}
		if len(values) > 0 {
			spec.Filters = append(spec.Filters, planner.Filter{Column: col, Values: values})
		}
	}

	q, err := planner.PlanSelect(spec)
	if err != nil {
		return nil, err
	}

	rows, err := e.exec.QueryContext(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", target.Table, err)
	}
	defer rows.Close()

	result.Columns, err = rows.Columns()
	if err != nil {
		return nil, err
	}
	result.Rows, err = scanRows(rows, result.Columns)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func scanRows(rows dbexec.Rows, columns []string) ([]Row, error) {
	out := []Row{}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(columns))
		for i, col := range columns {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[i] = Cell{Column: col, Value: v}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
