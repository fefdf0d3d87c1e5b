package audiofolder

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/bogem/id3v2"

	"github.com/fork-the-planet/datasets/dataset"
	"github.com/fork-the-planet/datasets/internal/wav"
)

func writeWAV(t *testing.T, path string, rate, n int) {
	t.Helper()
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(i)
	}
	data, err := wav.Encode(samples, rate)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
}

func collectRows(t *testing.T, d *dataset.Dataset) []dataset.Row {
	t.Helper()
	sc, err := d.Iterate(context.Background())
	if err != nil {
		t.Fatalf("Iterate failed: %v", err)
	}
	defer sc.Close()
	var rows []dataset.Row
	for sc.Next() {
		rows = append(rows, sc.Row())
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("iteration failed: %v", err)
	}
	return rows
}

func TestLoadLabeledFolders(t *testing.T) {
	root := t.TempDir()
	writeWAV(t, filepath.Join(root, "dog", "b.wav"), 8000, 32)
	writeWAV(t, filepath.Join(root, "dog", "a.wav"), 8000, 32)
	writeWAV(t, filepath.Join(root, "cat", "x.wav"), 8000, 32)

	d, err := Load(context.Background(), root, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	rows := collectRows(t, d)
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}

	// Shards iterate in sorted subdirectory order, files sorted within.
	label, ok := d.Features()["label"].(dataset.ClassLabel)
	if !ok {
		t.Fatalf("expected a class label feature, got %v", d.Features()["label"])
	}
	if len(label.Names) != 2 || label.Names[0] != "cat" || label.Names[1] != "dog" {
		t.Fatalf("unexpected label names: %v", label.Names)
	}
	wantLabels := []int64{0, 1, 1} // cat/x, dog/a, dog/b
	for i, row := range rows {
		if row["label"] != wantLabels[i] {
			t.Errorf("row %d: expected label %d, got %v", i, wantLabels[i], row["label"])
		}
	}

	audio, ok := rows[0]["audio"].(*dataset.AudioData)
	if !ok {
		t.Fatalf("expected *AudioData, got %T", rows[0]["audio"])
	}
	if !audio.Decoded() {
		t.Error("expected decoded samples")
	}
	if audio.SampleRate != 8000 {
		t.Errorf("expected sample rate 8000, got %d", audio.SampleRate)
	}
}

func TestLoadWithMetadata(t *testing.T) {
	root := t.TempDir()
	writeWAV(t, filepath.Join(root, "clips", "one.wav"), 8000, 16)
	writeWAV(t, filepath.Join(root, "clips", "two.wav"), 8000, 16)
	meta := "file_name,transcript\nclips/one.wav,hello\nclips/two.wav,world\n"
	if err := os.WriteFile(filepath.Join(root, MetadataFile), []byte(meta), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	d, err := Load(context.Background(), root, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Metadata carries the supervision, so folder names are not labels.
	if _, ok := d.Features()["label"]; ok {
		t.Error("expected no label feature when metadata is present")
	}
	if _, ok := d.Features()["transcript"]; !ok {
		t.Error("expected a transcript feature from the metadata columns")
	}

	rows := collectRows(t, d)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0]["transcript"] != "hello" || rows[1]["transcript"] != "world" {
		t.Errorf("unexpected transcripts: %v, %v", rows[0]["transcript"], rows[1]["transcript"])
	}
}

func TestLoadResamplesToTargetRate(t *testing.T) {
	root := t.TempDir()
	writeWAV(t, filepath.Join(root, "clips", "a.wav"), 8000, 80)

	d, err := Load(context.Background(), root, &Options{SampleRate: 16000})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	rows := collectRows(t, d)
	audio := rows[0]["audio"].(*dataset.AudioData)
	if audio.SampleRate != 16000 {
		t.Errorf("expected resampled rate 16000, got %d", audio.SampleRate)
	}
	if len(audio.Samples) != 160 {
		t.Errorf("expected 160 samples, got %d", len(audio.Samples))
	}
}

func TestLoadShardPerSubdirectory(t *testing.T) {
	root := t.TempDir()
	writeWAV(t, filepath.Join(root, "a", "1.wav"), 8000, 8)
	writeWAV(t, filepath.Join(root, "b", "1.wav"), 8000, 8)
	writeWAV(t, filepath.Join(root, "c", "1.wav"), 8000, 8)

	d, err := Load(context.Background(), root, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	// One shard per subdirectory means NumShards-way sharding works.
	first, err := d.Shard(3, 0)
	if err != nil {
		t.Fatalf("Shard failed: %v", err)
	}
	rows := collectRows(t, first)
	if len(rows) != 1 {
		t.Errorf("expected 1 row in the first of 3 shards, got %d", len(rows))
	}
}

func TestLoadMP3Tags(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "music", "song.mp3")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	// The frame-sync fixture must be at least 10 bytes: id3v2's parseHeader
	// rejects anything shorter with ErrSmallHeaderSize instead of errNoTag.
	if err := os.WriteFile(path, []byte{0xff, 0xfb, 0x90, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		t.Fatalf("id3v2.Open failed: %v", err)
	}
	tag.SetArtist("someone")
	tag.SetTitle("a song")
	if err := tag.Save(); err != nil {
		t.Fatalf("tag.Save failed: %v", err)
	}
	tag.Close()

	d, err := Load(context.Background(), root, &Options{EnableTags: true})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	rows := collectRows(t, d)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0]["artist"] != "someone" {
		t.Errorf("expected artist tag, got %v", rows[0]["artist"])
	}
	if rows[0]["title"] != "a song" {
		t.Errorf("expected title tag, got %v", rows[0]["title"])
	}
	if _, ok := rows[0]["album"]; ok {
		t.Error("expected empty album frame to be skipped")
	}
}

func TestLoadEmptyRoot(t *testing.T) {
	if _, err := Load(context.Background(), t.TempDir(), nil); err == nil {
		t.Error("expected an error for a root without audio files")
	}
}

func TestOptionsValidate(t *testing.T) {
	cases := []struct {
		name    string
		opts    *Options
		wantErr bool
	}{
		{"nil", nil, false},
		{"defaults", &Options{}, false},
		{"negative rate", &Options{SampleRate: -1}, true},
		{"extension without dot", &Options{Extensions: []string{"wav"}}, true},
		{"good extension", &Options{Extensions: []string{".flac"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.opts.Validate()
			if tc.wantErr && err == nil {
				t.Error("expected a validation error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
