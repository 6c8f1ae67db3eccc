package leafindex

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/cockroachdb/apd/v3"
)

// CountColumn is the header of the row-count column in the CSV form.
const CountColumn = "count"

// WriteCSV writes the index as CSV: one column per dimension, the row count, then one
// column per metric sum.
func (idx *Index) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	header := make([]string, 0, len(idx.Dims)+1+len(idx.Metrics))
	header = append(header, idx.Dims...)
	header = append(header, CountColumn)
	header = append(header, idx.Metrics...)
	if err := cw.Write(header); err != nil {
		return err
	}

	record := make([]string, len(header))
	for _, e := range idx.Entries {
		n := copy(record, e.Values)
		record[n] = strconv.FormatInt(e.Count, 10)
		for i := range e.Sums {
			record[n+1+i] = e.Sum(i)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV reads an index written by WriteCSV. Columns are taken positionally from dims
// and metrics. Stats are recomputed from the entries; InvalidMetricCells is not part of
// the CSV form and reads as zero.
func ReadCSV(r io.Reader, dims, metrics []string) (*Index, error) {
	cr := csv.NewReader(r)
	width := len(dims) + 1 + len(metrics)
	cr.FieldsPerRecord = width

	if _, err := cr.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("leaf index: missing header")
		}
		return nil, fmt.Errorf("leaf index header: %w", err)
	}

	idx := &Index{
		Dims:    append([]string{}, dims...),
		Metrics: append([]string{}, metrics...),
	}
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("leaf index: %w", err)
		}
		count, err := strconv.ParseInt(record[len(dims)], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("leaf index count %q: %w", record[len(dims)], err)
		}
		entry := Entry{
			Values: append([]string{}, record[:len(dims)]...),
			Count:  count,
			Sums:   make([]apd.Decimal, len(metrics)),
		}
		for i, cell := range record[len(dims)+1:] {
			if _, _, err := entry.Sums[i].SetString(cell); err != nil {
				return nil, fmt.Errorf("leaf index metric %s: %w", metrics[i], err)
			}
		}
		idx.Entries = append(idx.Entries, entry)
	}
	idx.computeStats()
	return idx, nil
}
