// Package leafindex aggregates a normalized table into its distinct dimension-value
// combinations.
package leafindex

import (
	"slices"
	"strings"

	"github.com/cockroachdb/apd/v3"

	"dimroute/internal/apperr"
	"dimroute/internal/normalize"
	"dimroute/internal/source"
)

// keySep joins tuple values into map keys. Normalized values never contain it.
const keySep = "\x1f"

var decimalCtx = apd.BaseContext.WithPrecision(34)

// Entry is one distinct dimension-value tuple present in the data.
type Entry struct {
	Values []string
	Count  int64
	// Sums is aligned with Index.Metrics.
	Sums []apd.Decimal
}

// Sum returns the formatted sum of the i-th metric.
func (e *Entry) Sum(i int) string {
	return e.Sums[i].String()
}

// Stats summarizes a build.
type Stats struct {
	TotalRows          int64          `json:"total_rows" yaml:"total_rows"`
	LeafRowCount       int            `json:"leaf_row_count" yaml:"leaf_row_count"`
	Cardinality        map[string]int `json:"cardinality" yaml:"cardinality"`
	InvalidMetricCells int64          `json:"invalid_metric_cells" yaml:"invalid_metric_cells"`
}

// Index is the ordered set of leaf entries for one dataset.
type Index struct {
	Dims    []string
	Metrics []string
	Entries []Entry
	Stats   Stats

	// DroppedDims and DroppedMetrics list configured columns that were not present in
	// the table after normalization.
	DroppedDims    []string
	DroppedMetrics []string
}

// Build groups the rows of t by their full dimension-value tuple. Dimension and metric
// names are normalized before lookup; names absent from the table are dropped and
// reported on the index. An empty dimension list yields a single aggregate entry.
//
// Entries are ordered lexicographically by value tuple.
func Build(t *source.Table, dims, metrics []string) (*Index, error) {
	if t == nil {
		return nil, apperr.New(apperr.MalformedSource, "no source table")
	}

	idx := &Index{}
	dimCols := resolveColumns(t, dims, &idx.Dims, &idx.DroppedDims)
	metricCols := resolveColumns(t, metrics, &idx.Metrics, &idx.DroppedMetrics)
	if len(dims) > 0 && len(idx.Dims) == 0 {
		return nil, apperr.New(apperr.MalformedSource, "none of the configured dimensions %v are present", dims)
	}

	groups := make(map[string]int)
	for _, row := range t.Rows {
		values := make([]string, len(dimCols))
		for i, c := range dimCols {
			values[i] = row[c]
		}
		key := strings.Join(values, keySep)
		pos, ok := groups[key]
		if !ok {
			pos = len(idx.Entries)
			groups[key] = pos
			idx.Entries = append(idx.Entries, Entry{Values: values, Sums: make([]apd.Decimal, len(metricCols))})
		}
		entry := &idx.Entries[pos]
		entry.Count++
		for i, c := range metricCols {
			if !addCell(&entry.Sums[i], row[c]) {
				idx.Stats.InvalidMetricCells++
			}
		}
	}

	if len(idx.Dims) == 0 && len(idx.Entries) == 0 {
		idx.Entries = append(idx.Entries, Entry{Values: []string{}, Sums: make([]apd.Decimal, len(metricCols))})
	}

	slices.SortStableFunc(idx.Entries, func(a, b Entry) int {
		return slices.Compare(a.Values, b.Values)
	})
	idx.computeStats()
	return idx, nil
}

func resolveColumns(t *source.Table, names []string, effective, dropped *[]string) []int {
	var cols []int
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		col := normalize.Column(name)
		if _, dup := seen[col]; dup {
			continue
		}
		seen[col] = struct{}{}
		i := t.ColumnIndex(col)
		if i < 0 {
			*dropped = append(*dropped, col)
			continue
		}
		*effective = append(*effective, col)
		cols = append(cols, i)
	}
	return cols
}

// addCell adds a metric cell to sum. Empty cells add nothing; cells that are not finite
// decimals add nothing and report false.
func addCell(sum *apd.Decimal, cell string) bool {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return true
	}
	var d apd.Decimal
	if _, _, err := d.SetString(cell); err != nil || d.Form != apd.Finite {
		return false
	}
	if _, err := decimalCtx.Add(sum, sum, &d); err != nil {
		return false
	}
	return true
}

func (idx *Index) computeStats() {
	idx.Stats.TotalRows = 0
	idx.Stats.LeafRowCount = len(idx.Entries)
	idx.Stats.Cardinality = make(map[string]int, len(idx.Dims))

	distinct := make([]map[string]struct{}, len(idx.Dims))
	for i := range distinct {
		distinct[i] = make(map[string]struct{})
	}
	for _, e := range idx.Entries {
		idx.Stats.TotalRows += e.Count
		for i, v := range e.Values {
			distinct[i][v] = struct{}{}
		}
	}
	for i, d := range idx.Dims {
		idx.Stats.Cardinality[d] = len(distinct[i])
	}
}
