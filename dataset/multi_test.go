package dataset

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

// taggedRows builds rows carrying a source tag alongside the id.
func taggedRows(tag string, start, n int) []Row {
	rows := make([]Row, n)
	for i := range rows {
		rows[i] = Row{"id": int64(start + i), "src": tag}
	}
	return rows
}

func collectRows(t *testing.T, d *Dataset) []Row {
	t.Helper()
	sc, err := d.Iterate(context.Background())
	if err != nil {
		t.Fatalf("Iterate failed: %v", err)
	}
	defer sc.Close()
	var rows []Row
	for sc.Next() {
		rows = append(rows, sc.Row())
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("iteration failed: %v", err)
	}
	return rows
}

func collectTags(t *testing.T, d *Dataset) []string {
	t.Helper()
	var tags []string
	for _, row := range collectRows(t, d) {
		tags = append(tags, row["src"].(string))
	}
	return tags
}

func TestConcatenateKeepsOrder(t *testing.T) {
	a := FromRows(taggedRows("a", 0, 3))
	b := FromRows(taggedRows("b", 3, 2))
	cat, err := Concatenate(a, b)
	if err != nil {
		t.Fatalf("Concatenate failed: %v", err)
	}
	ids := collectIDs(t, cat)
	want := []int64{0, 1, 2, 3, 4}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("expected %v, got %v", want, ids)
	}
}

func TestConcatenateNoDatasets(t *testing.T) {
	if _, err := Concatenate(); err == nil {
		t.Error("expected an error for zero datasets")
	}
}

func TestInterleaveAlternates(t *testing.T) {
	a := FromRows(taggedRows("a", 0, 3))
	b := FromRows(taggedRows("b", 10, 5))
	mixed, err := Interleave([]*Dataset{a, b}, nil)
	if err != nil {
		t.Fatalf("Interleave failed: %v", err)
	}
	tags := collectTags(t, mixed)
	// Sources alternate in order and iteration stops when the smaller one
	// runs dry.
	want := []string{"a", "b", "a", "b", "a"}
	if !reflect.DeepEqual(tags, want) {
		t.Errorf("expected %v, got %v", want, tags)
	}
}

func TestInterleaveAllExhaustedRestartsSources(t *testing.T) {
	a := FromRows(taggedRows("a", 0, 2))
	b := FromRows(taggedRows("b", 10, 3))
	mixed, err := Interleave([]*Dataset{a, b}, &InterleaveOptions{Strategy: AllExhausted})
	if err != nil {
		t.Fatalf("Interleave failed: %v", err)
	}
	ids := collectIDs(t, mixed)
	// The shorter source restarts from the top until the longer one is
	// drained too.
	want := []int64{0, 10, 1, 11, 0, 12}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("expected %v, got %v", want, ids)
	}
}

func TestInterleaveProbabilitiesDeterministic(t *testing.T) {
	build := func(seed int64) *Dataset {
		a := FromRows(taggedRows("a", 0, 20))
		b := FromRows(taggedRows("b", 100, 20))
		mixed, err := Interleave([]*Dataset{a, b}, &InterleaveOptions{
			Probabilities: []float64{0.7, 0.3},
			Seed:          seed,
		})
		if err != nil {
			t.Fatalf("Interleave failed: %v", err)
		}
		return mixed
	}

	first := collectIDs(t, build(42))
	second := collectIDs(t, build(42))
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("same seed produced different sequences:\n%v\n%v", first, second)
	}
	other := collectIDs(t, build(7))
	if reflect.DeepEqual(first, other) {
		t.Error("different seeds produced identical sequences")
	}

	var fromA int
	for _, id := range first {
		if id < 100 {
			fromA++
		}
	}
	if fromA == 0 || fromA == len(first) {
		t.Errorf("expected a mix of both sources, got %d/%d from the first", fromA, len(first))
	}
}

func TestInterleaveProbabilityValidation(t *testing.T) {
	a := FromRows(taggedRows("a", 0, 2))
	b := FromRows(taggedRows("b", 10, 2))

	cases := []struct {
		name  string
		probs []float64
	}{
		{"wrong length", []float64{1.0}},
		{"negative", []float64{-0.5, 1.5}},
		{"zero sum", []float64{0, 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Interleave([]*Dataset{a, b}, &InterleaveOptions{Probabilities: tc.probs})
			if err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestInterleaveBadStrategy(t *testing.T) {
	a := FromRows(taggedRows("a", 0, 2))
	if _, err := Interleave([]*Dataset{a}, &InterleaveOptions{Strategy: "both"}); err == nil {
		t.Error("expected an error for an unknown stopping strategy")
	}
}

func TestInterleaveResume(t *testing.T) {
	build := func(t *testing.T) *Dataset {
		a := FromRows(taggedRows("a", 0, 4))
		b := FromRows(taggedRows("b", 10, 4))
		mixed, err := Interleave([]*Dataset{a, b}, nil)
		if err != nil {
			t.Fatalf("Interleave failed: %v", err)
		}
		return mixed
	}

	full := collectIDs(t, build(t))

	d := build(t)
	sc, err := d.Iterate(context.Background())
	if err != nil {
		t.Fatalf("Iterate failed: %v", err)
	}
	head := readN(t, sc, 3)
	ckpt, err := d.State()
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	sc.Close()

	rest := resumeAndCollect(t, build(t), ckpt)
	combined := append(head, rest...)
	if !reflect.DeepEqual(combined, full) {
		t.Errorf("resumed sequence diverged:\nfull:     %v\ncombined: %v", full, combined)
	}
}

func TestConcatenateColumnsZips(t *testing.T) {
	left := FromRows([]Row{{"id": int64(0)}, {"id": int64(1)}})
	right := FromRows([]Row{{"name": "zero"}, {"name": "one"}})
	zipped, err := ConcatenateColumns(left, right)
	if err != nil {
		t.Fatalf("ConcatenateColumns failed: %v", err)
	}
	rows := collectRows(t, zipped)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0]["id"] != int64(0) || rows[0]["name"] != "zero" {
		t.Errorf("unexpected first row: %v", rows[0])
	}
	if rows[1]["id"] != int64(1) || rows[1]["name"] != "one" {
		t.Errorf("unexpected second row: %v", rows[1])
	}
}

func TestConcatenateColumnsDuplicateColumn(t *testing.T) {
	left := FromRows([]Row{{"id": int64(0)}})
	right := FromRows([]Row{{"id": int64(1)}})
	zipped, err := ConcatenateColumns(left, right)
	if err != nil {
		t.Fatalf("ConcatenateColumns failed: %v", err)
	}
	sc, err := zipped.Iterate(context.Background())
	if err != nil {
		t.Fatalf("Iterate failed: %v", err)
	}
	defer sc.Close()
	for sc.Next() {
	}
	if !errors.Is(sc.Err(), ErrDuplicateColumn) {
		t.Errorf("expected ErrDuplicateColumn, got %v", sc.Err())
	}
}
