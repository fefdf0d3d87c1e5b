// Package webdataset loads WebDataset-style TAR shards as a streaming
// dataset. Files inside a shard that share a basename form one example,
// with the file extension naming the column.
package webdataset

import (
	"archive/tar"
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/fork-the-planet/datasets/dataset"
)

var shardRegexp = regexp.MustCompile(`^shard-[0-9]{6,}\.tar$`)

const defaultPendingCap = 1024

// Options configures Load.
type Options struct {
	// PendingCap bounds how many example groups a shard reader keeps open
	// while pairing files. A group is emitted once PendingCap newer groups
	// have started (or at end of archive), so archives whose files
	// interleave within the window still group correctly. Defaults to 1024.
	PendingCap int
	// ShardPattern overrides the shard file name pattern.
	ShardPattern *regexp.Regexp
	Logger       *slog.Logger
}

func (o *Options) Validate() error {
	if o == nil {
		return nil
	}
	if o.PendingCap < 0 {
		return fmt.Errorf("pending cap must not be negative, got %d", o.PendingCap)
	}
	return nil
}

func (o *Options) withDefaults() Options {
	out := Options{PendingCap: defaultPendingCap, ShardPattern: shardRegexp}
	if o != nil {
		if o.PendingCap > 0 {
			out.PendingCap = o.PendingCap
		}
		if o.ShardPattern != nil {
			out.ShardPattern = o.ShardPattern
		}
		out.Logger = o.Logger
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// DiscoverShards returns the sorted paths of shard TAR files beneath
// root.
func DiscoverShards(root string, pattern *regexp.Regexp) ([]string, error) {
	if pattern == nil {
		pattern = shardRegexp
	}
	entries := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if pattern.MatchString(d.Name()) {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover shards: %w", err)
	}
	sort.Strings(entries)
	return entries, nil
}

// Load discovers shard TAR files under the given roots and builds a
// dataset over them. Each TAR file is one shard.
func Load(ctx context.Context, roots []string, opts *Options) (*dataset.Dataset, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	o := opts.withDefaults()

	var paths []string
	for _, root := range roots {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		found, err := DiscoverShards(root, o.ShardPattern)
		if err != nil {
			return nil, err
		}
		paths = append(paths, found...)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no shard files found under %v", roots)
	}

	shards := make([]dataset.ShardReader, len(paths))
	for i, path := range paths {
		shards[i] = &tarShard{path: path, pendingCap: o.PendingCap}
	}

	o.Logger.Info("webdataset loaded",
		slog.Int("shards", len(shards)),
		slog.Int("roots", len(roots)))

	return dataset.FromShards(shards), nil
}

// tarShard reads one TAR file, pairing entries into examples by key
// within a bounded window.
type tarShard struct {
	path       string
	pendingCap int
}

func (s *tarShard) Name() string { return s.path }

func (s *tarShard) Open(ctx context.Context) (dataset.ExampleReader, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open shard: %w", err)
	}
	return &tarReader{
		ctx:     ctx,
		shard:   s,
		file:    f,
		tr:      tar.NewReader(bufio.NewReader(f)),
		pending: make(map[string]dataset.Row),
	}, nil
}

type tarReader struct {
	ctx   context.Context
	shard *tarShard
	file  *os.File
	tr    *tar.Reader

	pending map[string]dataset.Row
	order   []string
	ready   []dataset.Example
	eof     bool
}

func (r *tarReader) Next() (dataset.Example, error) {
	for {
		if err := r.ctx.Err(); err != nil {
			return dataset.Example{}, err
		}
		if len(r.ready) > 0 {
			ex := r.ready[0]
			r.ready = r.ready[1:]
			return ex, nil
		}
		if r.eof {
			return dataset.Example{}, io.EOF
		}

		hdr, err := r.tr.Next()
		if errors.Is(err, io.EOF) {
			r.eof = true
			// Trailing groups flush at end of archive. A group missing
			// columns cannot be told apart from a complete one here, so
			// they are yielded as-is.
			r.flushThrough(len(r.order))
			continue
		}
		if err != nil {
			return dataset.Example{}, fmt.Errorf("read tar: %w", err)
		}
		if hdr.FileInfo().IsDir() {
			continue
		}

		name := filepath.Base(hdr.Name)
		ext := strings.ToLower(filepath.Ext(name))
		if ext == "" {
			continue
		}
		key := strings.TrimSuffix(name, ext)

		row, open := r.pending[key]
		if !open {
			row = make(dataset.Row)
			r.pending[key] = row
			r.order = append(r.order, key)
			// A group stays open until pendingCap newer groups have
			// started, so shards that interleave a group's files within
			// the window still pair correctly.
			if excess := len(r.order) - r.shard.pendingCap; excess > 0 {
				r.flushThrough(excess)
			}
		}

		value, err := parseEntry(r.tr, ext)
		if err != nil {
			return dataset.Example{}, fmt.Errorf("entry %s: %w", hdr.Name, err)
		}
		row[strings.TrimPrefix(ext, ".")] = value
	}
}

// flushThrough emits the first n pending groups in arrival order.
func (r *tarReader) flushThrough(n int) {
	for i := 0; i < n && i < len(r.order); i++ {
		key := r.order[i]
		r.ready = append(r.ready, dataset.Example{Key: key, Row: r.pending[key]})
		delete(r.pending, key)
	}
	if n > len(r.order) {
		n = len(r.order)
	}
	r.order = r.order[n:]
}

func (r *tarReader) Close() error { return r.file.Close() }

// parseEntry decodes one TAR entry by extension: .cls is an integer
// label, .json a generic object, .txt a string, anything else raw bytes.
func parseEntry(src io.Reader, ext string) (any, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("read entry: %w", err)
	}
	switch ext {
	case ".cls":
		label, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse label: %w", err)
		}
		return label, nil
	case ".json":
		var obj map[string]any
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
		return obj, nil
	case ".txt":
		return string(data), nil
	default:
		return data, nil
	}
}
