// Package audiofolder loads a directory tree of audio files as a
// streaming dataset. Each subdirectory becomes one shard; without a
// metadata.csv the subdirectory names double as class labels.
package audiofolder

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bogem/id3v2"

	"github.com/fork-the-planet/datasets/dataset"
)

// MetadataFile is the optional per-folder metadata file joined to the
// audio files by its file_name column.
const MetadataFile = "metadata.csv"

// Options configures Load.
type Options struct {
	// Extensions lists the audio file extensions to collect, lowercase
	// with leading dot. Defaults to .wav and .mp3.
	Extensions []string
	// EnableTags extracts ID3 tags (artist, album, title, year) from MP3
	// files into columns.
	EnableTags bool
	// SampleRate sets the target rate on the audio feature; decoded WAV
	// samples are resampled to it when set.
	SampleRate int
	Logger     *slog.Logger
}

func (o *Options) Validate() error {
	if o == nil {
		return nil
	}
	if o.SampleRate < 0 {
		return fmt.Errorf("sample rate must not be negative, got %d", o.SampleRate)
	}
	for _, ext := range o.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("extension %q must start with a dot", ext)
		}
	}
	return nil
}

func (o *Options) withDefaults() Options {
	out := Options{Extensions: []string{".wav", ".mp3"}}
	if o != nil {
		out = *o
		if len(out.Extensions) == 0 {
			out.Extensions = []string{".wav", ".mp3"}
		}
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Load walks root and builds a typed dataset over the audio files found
// there. Files are grouped into one shard per immediate subdirectory, in
// sorted order, so iteration is deterministic and resumable.
func Load(ctx context.Context, root string, opts *Options) (*dataset.Dataset, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	o := opts.withDefaults()

	wantExt := make(map[string]bool, len(o.Extensions))
	for _, ext := range o.Extensions {
		wantExt[strings.ToLower(ext)] = true
	}

	groups := make(map[string][]string) // subdir -> relative file paths
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		if !wantExt[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		group := ""
		if i := strings.Index(rel, "/"); i >= 0 {
			group = rel[:i]
		}
		groups[group] = append(groups[group], rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("no audio files with extensions %v under %s", o.Extensions, root)
	}

	metadata, metaColumns, err := loadMetadata(filepath.Join(root, MetadataFile))
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(groups))
	total := 0
	for name, files := range groups {
		sort.Strings(files)
		total += len(files)
		names = append(names, name)
	}
	sort.Strings(names)

	// Labels come from the subdirectory names, but only when there is no
	// metadata file to carry the supervision instead.
	var labelNames []string
	if metadata == nil {
		for _, name := range names {
			if name != "" {
				labelNames = append(labelNames, name)
			}
		}
	}

	shards := make([]dataset.ShardReader, 0, len(names))
	for _, name := range names {
		shards = append(shards, &folderShard{
			root:     root,
			name:     name,
			files:    groups[name],
			label:    labelFor(name, labelNames),
			metadata: metadata,
			tags:     o.EnableTags,
		})
	}

	o.Logger.Info("audio folder loaded",
		slog.String("root", root),
		slog.Int("shards", len(shards)),
		slog.Int("files", total),
		slog.Bool("metadata", metadata != nil))

	features := dataset.Features{
		"audio": dataset.Audio{SampleRate: o.SampleRate, Decode: true},
	}
	if labelNames != nil {
		features["label"] = dataset.ClassLabel{Names: labelNames}
	}
	for _, col := range metaColumns {
		features[col] = dataset.Value{DType: "string"}
	}

	return dataset.FromShards(shards).Cast(features), nil
}

func labelFor(group string, labelNames []string) string {
	for _, name := range labelNames {
		if name == group {
			return name
		}
	}
	return ""
}

// loadMetadata reads metadata.csv if present. The returned map is keyed
// by the file_name column; metaColumns lists the remaining columns in
// file order.
func loadMetadata(path string) (map[string]map[string]string, []string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open metadata: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	head, err := r.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read metadata header: %w", err)
	}
	fileCol := -1
	var metaColumns []string
	for i, col := range head {
		if col == "file_name" {
			fileCol = i
		} else {
			metaColumns = append(metaColumns, col)
		}
	}
	if fileCol < 0 {
		return nil, nil, fmt.Errorf("metadata file %s has no file_name column", path)
	}

	rows := make(map[string]map[string]string)
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read metadata row: %w", err)
		}
		entry := make(map[string]string, len(head)-1)
		for i, col := range head {
			if i != fileCol && i < len(record) {
				entry[col] = record[i]
			}
		}
		rows[filepath.ToSlash(record[fileCol])] = entry
	}
	return rows, metaColumns, nil
}

// folderShard reads the audio files of one subdirectory.
type folderShard struct {
	root     string
	name     string
	files    []string
	label    string
	metadata map[string]map[string]string
	tags     bool
}

func (s *folderShard) Name() string {
	if s.name == "" {
		return "."
	}
	return s.name
}

func (s *folderShard) Open(ctx context.Context) (dataset.ExampleReader, error) {
	return &folderReader{ctx: ctx, shard: s}, nil
}

type folderReader struct {
	ctx   context.Context
	shard *folderShard
	pos   int
}

func (r *folderReader) Next() (dataset.Example, error) {
	if err := r.ctx.Err(); err != nil {
		return dataset.Example{}, err
	}
	if r.pos >= len(r.shard.files) {
		return dataset.Example{}, io.EOF
	}
	rel := r.shard.files[r.pos]
	r.pos++

	path := filepath.Join(r.shard.root, filepath.FromSlash(rel))
	row := dataset.Row{"audio": &dataset.AudioData{Path: path}}
	if r.shard.label != "" {
		row["label"] = r.shard.label
	}
	if meta, ok := r.shard.metadata[rel]; ok {
		for col, v := range meta {
			row[col] = v
		}
	}
	if r.shard.tags && strings.EqualFold(filepath.Ext(rel), ".mp3") {
		if err := readTags(path, row); err != nil {
			return dataset.Example{}, fmt.Errorf("read tags of %s: %w", rel, err)
		}
	}

	key := strings.TrimSuffix(rel, filepath.Ext(rel))
	return dataset.Example{Key: key, Row: row}, nil
}

func (r *folderReader) Close() error { return nil }

// readTags pulls the common ID3 frames into row columns, skipping empty
// frames.
func readTags(path string, row dataset.Row) error {
	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return err
	}
	defer tag.Close()

	for col, v := range map[string]string{
		"artist": tag.Artist(),
		"album":  tag.Album(),
		"title":  tag.Title(),
		"year":   tag.Year(),
		"genre":  tag.Genre(),
	} {
		if v != "" {
			row[col] = v
		}
	}
	return nil
}
