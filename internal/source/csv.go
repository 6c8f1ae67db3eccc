package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"dimroute/internal/apperr"
)

// Reader produces a source table.
type Reader interface {
	Read(ctx context.Context) (*Table, error)
}

// CSVReader reads a header plus rows from CSV input.
// A UTF-8 or UTF-16 byte order mark is honoured and stripped.
type CSVReader struct {
	src   io.Reader
	comma rune
}

// CSVOption configures a CSVReader.
type CSVOption func(*CSVReader)

// WithComma sets the field delimiter.
func WithComma(r rune) CSVOption {
	return func(c *CSVReader) { c.comma = r }
}

// NewCSVReader creates a reader over src.
func NewCSVReader(src io.Reader, opts ...CSVOption) *CSVReader {
	r := &CSVReader{src: src, comma: ','}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Read consumes the whole input. Short rows are padded with empty cells and extra cells
// are dropped so every row matches the header width.
func (r *CSVReader) Read(ctx context.Context) (*Table, error) {
	decoded := transform.NewReader(r.src, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	cr := csv.NewReader(decoded)
	cr.Comma = r.comma
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, apperr.New(apperr.MalformedSource, "source is empty")
		}
		return nil, apperr.Wrap(apperr.MalformedSource, err, "read header")
	}
	table := &Table{Columns: append([]string(nil), header...)}

	line := 1
	for {
		if line%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, apperr.Wrap(apperr.MalformedSource, err, "read line %d", line)
		}
		row := make([]string, len(header))
		copy(row, record)
		table.Rows = append(table.Rows, row)
	}

	if len(table.Rows) == 0 {
		return nil, apperr.New(apperr.MalformedSource, "source has a header but no rows")
	}
	return table, nil
}

// ReadCSVFile reads a CSV file from disk.
func ReadCSVFile(ctx context.Context, path string, opts ...CSVOption) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.MalformedSource, err, "open %s", path)
	}
	defer f.Close()

	table, err := NewCSVReader(f, opts...).Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return table, nil
}

// WriteCSV writes the table as CSV with a header row.
func WriteCSV(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return err
	}
	return cw.Error()
}
