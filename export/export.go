// Package export writes streaming datasets to JSON Lines or CSV files,
// optionally one file per shard slice in parallel.
package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/fork-the-planet/datasets/dataset"
)

// Format selects the output encoding.
type Format string

const (
	FormatJSON Format = "jsonl"
	FormatCSV  Format = "csv"
)

func (f Format) Validate() error {
	switch f {
	case FormatJSON, FormatCSV:
		return nil
	}
	return fmt.Errorf("unknown export format %q", f)
}

// JSONLines streams the dataset to w, one JSON object per row. Audio
// cells marshal as metadata, not raw samples.
func JSONLines(ctx context.Context, ds *dataset.Dataset, w io.Writer) (int, error) {
	sc, err := ds.Iterate(ctx)
	if err != nil {
		return 0, err
	}
	defer sc.Close()

	enc := json.NewEncoder(w)
	count := 0
	for sc.Next() {
		if err := enc.Encode(exportableRow(sc.Row())); err != nil {
			return count, fmt.Errorf("encode row %d: %w", count, err)
		}
		count++
	}
	if err := sc.Err(); err != nil {
		return count, err
	}
	return count, nil
}

// CSV streams the dataset to w. The header comes from the first row's
// sorted column names; later rows must have the same columns.
func CSV(ctx context.Context, ds *dataset.Dataset, w io.Writer) (int, error) {
	sc, err := ds.Iterate(ctx)
	if err != nil {
		return 0, err
	}
	defer sc.Close()

	cw := csv.NewWriter(w)
	var header []string
	count := 0
	for sc.Next() {
		row := exportableRow(sc.Row())
		if header == nil {
			header = make([]string, 0, len(row))
			for col := range row {
				header = append(header, col)
			}
			sort.Strings(header)
			if err := cw.Write(header); err != nil {
				return 0, fmt.Errorf("write header: %w", err)
			}
		}
		record := make([]string, len(header))
		for i, col := range header {
			v, ok := row[col]
			if !ok {
				return count, fmt.Errorf("row %d is missing column %q", count, col)
			}
			record[i] = formatCell(v)
		}
		if err := cw.Write(record); err != nil {
			return count, fmt.Errorf("write row %d: %w", count, err)
		}
		count++
	}
	if err := sc.Err(); err != nil {
		return count, err
	}
	cw.Flush()
	return count, cw.Error()
}

// Stats summarizes one export run.
type Stats struct {
	Rows  int
	Bytes int64
}

// WriteJSON exports the dataset to a JSON Lines file.
func WriteJSON(ctx context.Context, ds *dataset.Dataset, path string) (Stats, error) {
	return writeFile(ctx, ds, path, FormatJSON)
}

// WriteCSV exports the dataset to a CSV file.
func WriteCSV(ctx context.Context, ds *dataset.Dataset, path string) (Stats, error) {
	return writeFile(ctx, ds, path, FormatCSV)
}

func writeFile(ctx context.Context, ds *dataset.Dataset, path string, format Format) (Stats, error) {
	f, err := os.Create(path)
	if err != nil {
		return Stats{}, fmt.Errorf("create %s: %w", path, err)
	}
	out := &countingWriter{w: f}
	var count int
	switch format {
	case FormatCSV:
		count, err = CSV(ctx, ds, out)
	default:
		count, err = JSONLines(ctx, ds, out)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return Stats{Rows: count, Bytes: out.n}, err
}

// ShardedOptions configures Sharded.
type ShardedOptions struct {
	Format Format
	// NumWorkers bounds how many shard files are written concurrently.
	// Defaults to 4.
	NumWorkers int
	Logger     *slog.Logger
}

func (o *ShardedOptions) withDefaults() ShardedOptions {
	out := ShardedOptions{Format: FormatJSON, NumWorkers: 4}
	if o != nil {
		if o.Format != "" {
			out.Format = o.Format
		}
		if o.NumWorkers > 0 {
			out.NumWorkers = o.NumWorkers
		}
		out.Logger = o.Logger
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Sharded splits the dataset into numShards contiguous slices and writes
// each to its own file under dir, in parallel. Files are named
// prefix-00000-of-0000N.jsonl (or .csv). Returns the totals over all
// shard files.
func Sharded(ctx context.Context, ds *dataset.Dataset, dir, prefix string, numShards int, opts *ShardedOptions) (Stats, error) {
	if numShards < 1 {
		return Stats{}, fmt.Errorf("number of output shards must be at least 1, got %d", numShards)
	}
	o := opts.withDefaults()
	if err := o.Format.Validate(); err != nil {
		return Stats{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Stats{}, fmt.Errorf("create output dir: %w", err)
	}

	var totalRows, totalBytes atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.NumWorkers)
	for i := 0; i < numShards; i++ {
		i := i
		g.Go(func() error {
			slice, err := ds.Shard(numShards, i)
			if err != nil {
				return err
			}
			path := filepath.Join(dir, ShardFileName(prefix, i, numShards, o.Format))
			stats, err := writeFile(gctx, slice, path, o.Format)
			if err != nil {
				return fmt.Errorf("shard %d: %w", i, err)
			}
			totalRows.Add(int64(stats.Rows))
			totalBytes.Add(stats.Bytes)
			o.Logger.Info("shard exported",
				slog.String("path", path),
				slog.Int("rows", stats.Rows),
				slog.Int64("bytes", stats.Bytes))
			return nil
		})
	}
	err := g.Wait()
	return Stats{Rows: int(totalRows.Load()), Bytes: totalBytes.Load()}, err
}

// ShardFileName returns the canonical shard file name, zero padded.
func ShardFileName(prefix string, index, total int, format Format) string {
	ext := "jsonl"
	if format == FormatCSV {
		ext = "csv"
	}
	return fmt.Sprintf("%s-%05d-of-%05d.%s", prefix, index, total, ext)
}

// exportableRow replaces cells that do not serialize usefully. Audio
// payloads become a small metadata object.
func exportableRow(row dataset.Row) dataset.Row {
	out := make(dataset.Row, len(row))
	for col, v := range row {
		if a, ok := v.(*dataset.AudioData); ok && a != nil {
			out[col] = map[string]any{
				"path":          a.Path,
				"sampling_rate": a.SampleRate,
				"num_samples":   len(a.Samples),
			}
			continue
		}
		out[col] = v
	}
	return out
}

func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
