package dataset

import (
	"context"
	"fmt"
)

// RenameColumn renames a column. Errors when the old name is typed but
// unknown, or when the new name collides with an existing typed column.
func (d *Dataset) RenameColumn(oldName, newName string) (*Dataset, error) {
	return d.RenameColumns(map[string]string{oldName: newName})
}

// RenameColumns renames several columns at once.
func (d *Dataset) RenameColumns(mapping map[string]string) (*Dataset, error) {
	if d.features != nil {
		for oldName, newName := range mapping {
			if _, ok := d.features[oldName]; !ok {
				return nil, fmt.Errorf("rename %q: %w", oldName, ErrUnknownColumn)
			}
			if _, ok := d.features[newName]; ok {
				if _, renamed := mapping[newName]; !renamed {
					return nil, fmt.Errorf("rename to %q: %w", newName, ErrDuplicateColumn)
				}
			}
		}
	}
	out, err := d.Map(func(_ context.Context, row Row) (Row, error) {
		for oldName, newName := range mapping {
			v, ok := row[oldName]
			if !ok {
				return nil, fmt.Errorf("rename %q: %w", oldName, ErrUnknownColumn)
			}
			if _, exists := row[newName]; exists {
				if _, renamed := mapping[newName]; !renamed {
					return nil, fmt.Errorf("rename to %q: %w", newName, ErrDuplicateColumn)
				}
			}
			delete(row, oldName)
			row[newName] = v
		}
		return row, nil
	}, nil)
	if err != nil {
		return nil, err
	}
	if d.features != nil {
		features := make(Features, len(d.features))
		for col, feat := range d.features {
			if newName, ok := mapping[col]; ok {
				features[newName] = feat
			} else {
				features[col] = feat
			}
		}
		out.features = features
	}
	return out, nil
}

// RemoveColumns drops the named columns from every row.
func (d *Dataset) RemoveColumns(columns ...string) (*Dataset, error) {
	if d.features != nil {
		for _, col := range columns {
			if _, ok := d.features[col]; !ok {
				return nil, fmt.Errorf("remove %q: %w", col, ErrUnknownColumn)
			}
		}
	}
	return d.Map(func(_ context.Context, row Row) (Row, error) {
		return row, nil
	}, &MapOptions{RemoveColumns: columns})
}

// SelectColumns keeps only the named columns.
func (d *Dataset) SelectColumns(columns ...string) (*Dataset, error) {
	if d.features != nil {
		for _, col := range columns {
			if _, ok := d.features[col]; !ok {
				return nil, fmt.Errorf("select %q: %w", col, ErrUnknownColumn)
			}
		}
	}
	keep := make(map[string]bool, len(columns))
	for _, col := range columns {
		keep[col] = true
	}
	out, err := d.Map(func(_ context.Context, row Row) (Row, error) {
		for col := range row {
			if !keep[col] {
				delete(row, col)
			}
		}
		return row, nil
	}, nil)
	if err != nil {
		return nil, err
	}
	if d.features != nil {
		features := make(Features, len(columns))
		for _, col := range columns {
			features[col] = d.features[col]
		}
		out.features = features
	}
	return out, nil
}

// AddColumn attaches a new column whose value at position i is
// values[i]. Iterating past len(values) is an error.
func (d *Dataset) AddColumn(name string, values []any) (*Dataset, error) {
	if d.features != nil {
		if _, ok := d.features[name]; ok {
			return nil, fmt.Errorf("add %q: %w", name, ErrDuplicateColumn)
		}
	}
	out, err := d.MapIndexed(func(_ context.Context, row Row, index int) (Row, error) {
		if index >= len(values) {
			return nil, fmt.Errorf("column %q has %d values but example %d was reached",
				name, len(values), index)
		}
		row[name] = values[index]
		return row, nil
	}, nil)
	if err != nil {
		return nil, err
	}
	if d.features != nil && len(values) > 0 {
		if feat := inferFeature(values[0]); feat != nil {
			out.features = out.features.Clone()
			out.features[name] = feat
		}
	}
	return out, nil
}
