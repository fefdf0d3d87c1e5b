package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/fork-the-planet/datasets/dataset"
)

// RowWriter writes rows one at a time, for callers that drive iteration
// themselves (checkpointed runs). The CSV header is fixed by the first
// row written.
type RowWriter struct {
	format Format
	out    *countingWriter
	enc    *json.Encoder
	cw     *csv.Writer
	header []string
	count  int
}

// NewRowWriter creates a writer for the given format.
func NewRowWriter(w io.Writer, format Format) (*RowWriter, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	rw := &RowWriter{format: format, out: &countingWriter{w: w}}
	if format == FormatCSV {
		rw.cw = csv.NewWriter(rw.out)
	} else {
		rw.enc = json.NewEncoder(rw.out)
	}
	return rw, nil
}

// Write appends one row.
func (rw *RowWriter) Write(row dataset.Row) error {
	row = exportableRow(row)
	defer func() { rw.count++ }()

	if rw.format == FormatJSON {
		return rw.enc.Encode(row)
	}

	if rw.header == nil {
		rw.header = make([]string, 0, len(row))
		for col := range row {
			rw.header = append(rw.header, col)
		}
		sort.Strings(rw.header)
		if err := rw.cw.Write(rw.header); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	record := make([]string, len(rw.header))
	for i, col := range rw.header {
		v, ok := row[col]
		if !ok {
			return fmt.Errorf("row %d is missing column %q", rw.count, col)
		}
		record[i] = formatCell(v)
	}
	return rw.cw.Write(record)
}

// SetHeader fixes the CSV column order without emitting a header line,
// for appending to a file that already has one.
func (rw *RowWriter) SetHeader(cols []string) {
	if rw.format == FormatCSV && len(cols) > 0 {
		rw.header = append([]string(nil), cols...)
	}
}

// Count returns the number of rows written so far.
func (rw *RowWriter) Count() int { return rw.count }

// Bytes returns the number of bytes flushed to the underlying writer so
// far. CSV output is buffered; call Flush first for an exact figure.
func (rw *RowWriter) Bytes() int64 { return rw.out.n }

// Flush forces buffered output out.
func (rw *RowWriter) Flush() error {
	if rw.cw != nil {
		rw.cw.Flush()
		return rw.cw.Error()
	}
	return nil
}

// countingWriter tallies the bytes passing through it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
