package dataset

import (
	"fmt"
	"sort"
	"strings"
)

// Row holds the column values of a single example.
type Row map[string]any

// Batch holds column values for a group of examples in columnar form.
// All columns must have the same length.
type Batch map[string][]any

// Example is a keyed row. Keys are stable across runs for the same inputs
// and unique within a source.
type Example struct {
	Key string
	Row Row
}

// Clone returns a shallow copy of the row (column values are shared).
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Columns returns the sorted column names of the row.
func (r Row) Columns() []string {
	cols := make([]string, 0, len(r))
	for k := range r {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// rowsToBatch converts a slice of rows into columnar form. A column present
// in one row must be present in all of them.
func rowsToBatch(rows []Row) (Batch, error) {
	if len(rows) == 0 {
		return Batch{}, nil
	}
	batch := make(Batch, len(rows[0]))
	for col := range rows[0] {
		batch[col] = make([]any, 0, len(rows))
	}
	for i, row := range rows {
		if len(row) != len(batch) {
			return nil, fmt.Errorf("row %d has %d columns, expected %d: %w", i, len(row), len(batch), ErrColumnMismatch)
		}
		for col := range batch {
			v, ok := row[col]
			if !ok {
				return nil, fmt.Errorf("row %d is missing column %q: %w", i, col, ErrColumnMismatch)
			}
			batch[col] = append(batch[col], v)
		}
	}
	return batch, nil
}

// batchToRows splits a batch back into rows. All columns must have the same
// length.
func batchToRows(batch Batch) ([]Row, error) {
	n, err := batchLen(batch)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, n)
	for i := 0; i < n; i++ {
		row := make(Row, len(batch))
		for col, values := range batch {
			row[col] = values[i]
		}
		rows[i] = row
	}
	return rows, nil
}

// batchLen returns the common column length of the batch, or
// ErrColumnLengthMismatch when columns disagree.
func batchLen(batch Batch) (int, error) {
	first := ""
	n := 0
	for col, values := range batch {
		if first == "" {
			first, n = col, len(values)
			continue
		}
		if len(values) != n {
			return 0, fmt.Errorf("column %q has length %d while %q has length %d: %w",
				col, len(values), first, n, ErrColumnLengthMismatch)
		}
	}
	return n, nil
}

// joinKeys concatenates example keys when a batch merges several examples.
func joinKeys(keys []string) string {
	return strings.Join(keys, "_")
}

// checkNoDuplicateColumns reports an error when the same column name appears
// more than once across the given rows.
func checkNoDuplicateColumns(rows []Row) error {
	seen := make(map[string]struct{})
	for _, row := range rows {
		for col := range row {
			if _, dup := seen[col]; dup {
				return fmt.Errorf("column %q: %w", col, ErrDuplicateColumn)
			}
			seen[col] = struct{}{}
		}
	}
	return nil
}
