package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fork-the-planet/datasets/dataset"
)

func sampleDataset(n int) *dataset.Dataset {
	rows := make([]dataset.Row, n)
	for i := range rows {
		rows[i] = dataset.Row{"id": int64(i), "name": "row" + string(rune('a'+i))}
	}
	return dataset.FromRows(rows)
}

func TestJSONLines(t *testing.T) {
	var buf bytes.Buffer
	count, err := JSONLines(context.Background(), sampleDataset(3), &buf)
	if err != nil {
		t.Fatalf("JSONLines failed: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 rows written, got %d", count)
	}

	sc := bufio.NewScanner(&buf)
	var lines int
	for sc.Scan() {
		var obj map[string]any
		if err := json.Unmarshal(sc.Bytes(), &obj); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", lines, err)
		}
		if obj["id"] != float64(lines) {
			t.Errorf("line %d: expected id %d, got %v", lines, lines, obj["id"])
		}
		lines++
	}
	if lines != 3 {
		t.Errorf("expected 3 lines, got %d", lines)
	}
}

func TestCSV(t *testing.T) {
	var buf bytes.Buffer
	count, err := CSV(context.Background(), sampleDataset(2), &buf)
	if err != nil {
		t.Fatalf("CSV failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 rows written, got %d", count)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("reading output failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d records", len(records))
	}
	// Header columns are sorted.
	if records[0][0] != "id" || records[0][1] != "name" {
		t.Errorf("unexpected header: %v", records[0])
	}
	if records[1][0] != "0" || records[1][1] != "rowa" {
		t.Errorf("unexpected first row: %v", records[1])
	}
}

func TestAudioCellsExportAsMetadata(t *testing.T) {
	d := dataset.FromRows([]dataset.Row{{
		"id": int64(0),
		"audio": &dataset.AudioData{
			Path:       "/data/a.wav",
			SampleRate: 16000,
			Samples:    make([]float32, 320),
		},
	}})
	var buf bytes.Buffer
	if _, err := JSONLines(context.Background(), d, &buf); err != nil {
		t.Fatalf("JSONLines failed: %v", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(buf.Bytes(), &obj); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	audio, ok := obj["audio"].(map[string]any)
	if !ok {
		t.Fatalf("expected an audio metadata object, got %v", obj["audio"])
	}
	if audio["path"] != "/data/a.wav" {
		t.Errorf("unexpected path: %v", audio["path"])
	}
	if audio["num_samples"] != float64(320) {
		t.Errorf("unexpected num_samples: %v", audio["num_samples"])
	}
	if strings.Contains(buf.String(), "Samples") {
		t.Error("raw samples leaked into the export")
	}
}

func TestWriteFiles(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "out.jsonl")
	stats, err := WriteJSON(context.Background(), sampleDataset(4), jsonPath)
	if err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	if stats.Rows != 4 {
		t.Errorf("expected 4 rows, got %d", stats.Rows)
	}
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if got := strings.Count(string(data), "\n"); got != 4 {
		t.Errorf("expected 4 lines, got %d", got)
	}
	if stats.Bytes != int64(len(data)) {
		t.Errorf("expected %d bytes reported, got %d", len(data), stats.Bytes)
	}

	csvPath := filepath.Join(dir, "out.csv")
	if _, err := WriteCSV(context.Background(), sampleDataset(4), csvPath); err != nil {
		t.Fatalf("WriteCSV failed: %v", err)
	}
	data, err = os.ReadFile(csvPath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if got := strings.Count(string(data), "\n"); got != 5 {
		t.Errorf("expected header plus 4 lines, got %d", got)
	}
}

func TestShardedCoversEveryRowOnce(t *testing.T) {
	dir := t.TempDir()
	stats, err := Sharded(context.Background(), sampleDataset(10), dir, "train", 3, nil)
	if err != nil {
		t.Fatalf("Sharded failed: %v", err)
	}
	if stats.Rows != 10 {
		t.Errorf("expected 10 rows in total, got %d", stats.Rows)
	}

	seen := make(map[float64]bool)
	var fileBytes int64
	for i := 0; i < 3; i++ {
		name := ShardFileName("train", i, 3, FormatJSON)
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("shard file %s missing: %v", name, err)
		}
		fileBytes += int64(len(data))
		sc := bufio.NewScanner(bytes.NewReader(data))
		for sc.Scan() {
			var obj map[string]any
			if err := json.Unmarshal(sc.Bytes(), &obj); err != nil {
				t.Fatalf("invalid JSON in %s: %v", name, err)
			}
			id := obj["id"].(float64)
			if seen[id] {
				t.Errorf("id %v appears in more than one shard", id)
			}
			seen[id] = true
		}
	}
	if len(seen) != 10 {
		t.Errorf("expected 10 distinct ids across shards, got %d", len(seen))
	}
	if stats.Bytes != fileBytes {
		t.Errorf("expected %d bytes reported, got %d", fileBytes, stats.Bytes)
	}
}

func TestShardedValidation(t *testing.T) {
	if _, err := Sharded(context.Background(), sampleDataset(2), t.TempDir(), "x", 0, nil); err == nil {
		t.Error("expected an error for zero shards")
	}
	if _, err := Sharded(context.Background(), sampleDataset(2), t.TempDir(), "x", 1, &ShardedOptions{Format: "xml"}); err == nil {
		t.Error("expected an error for an unknown format")
	}
}

func TestShardFileName(t *testing.T) {
	if got := ShardFileName("train", 2, 10, FormatJSON); got != "train-00002-of-00010.jsonl" {
		t.Errorf("unexpected name: %q", got)
	}
	if got := ShardFileName("val", 0, 1, FormatCSV); got != "val-00000-of-00001.csv" {
		t.Errorf("unexpected name: %q", got)
	}
}

func TestFormatValidate(t *testing.T) {
	if err := FormatJSON.Validate(); err != nil {
		t.Errorf("jsonl should validate: %v", err)
	}
	if err := FormatCSV.Validate(); err != nil {
		t.Errorf("csv should validate: %v", err)
	}
	if err := Format("parquet").Validate(); err == nil {
		t.Error("expected an error for an unsupported format")
	}
}

func TestRowWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	rw, err := NewRowWriter(&buf, FormatJSON)
	if err != nil {
		t.Fatalf("NewRowWriter failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := rw.Write(dataset.Row{"id": int64(i)}); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if err := rw.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if rw.Count() != 3 {
		t.Errorf("expected count 3, got %d", rw.Count())
	}
	if got := strings.Count(buf.String(), "\n"); got != 3 {
		t.Errorf("expected 3 lines, got %d", got)
	}
	if rw.Bytes() != int64(buf.Len()) {
		t.Errorf("expected %d bytes reported, got %d", buf.Len(), rw.Bytes())
	}
}

func TestRowWriterCSVHeaderOnce(t *testing.T) {
	var buf bytes.Buffer
	rw, err := NewRowWriter(&buf, FormatCSV)
	if err != nil {
		t.Fatalf("NewRowWriter failed: %v", err)
	}
	if err := rw.Write(dataset.Row{"id": int64(0), "name": "a"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := rw.Write(dataset.Row{"id": int64(1), "name": "b"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := rw.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("reading output failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d", len(records))
	}
}

func TestRowWriterSetHeaderSkipsHeaderLine(t *testing.T) {
	var buf bytes.Buffer
	rw, err := NewRowWriter(&buf, FormatCSV)
	if err != nil {
		t.Fatalf("NewRowWriter failed: %v", err)
	}
	rw.SetHeader([]string{"id", "name"})
	if err := rw.Write(dataset.Row{"id": int64(7), "name": "resumed"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := rw.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("reading output failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected a single data row without header, got %d", len(records))
	}
	if records[0][0] != "7" || records[0][1] != "resumed" {
		t.Errorf("unexpected row: %v", records[0])
	}
}

func TestRowWriterMissingColumn(t *testing.T) {
	var buf bytes.Buffer
	rw, err := NewRowWriter(&buf, FormatCSV)
	if err != nil {
		t.Fatalf("NewRowWriter failed: %v", err)
	}
	if err := rw.Write(dataset.Row{"id": int64(0), "name": "a"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := rw.Write(dataset.Row{"id": int64(1)}); err == nil {
		t.Error("expected an error for a row missing a header column")
	}
}
