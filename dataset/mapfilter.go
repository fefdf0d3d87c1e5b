package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"
)

// MapFunc transforms one row. The returned columns are merged over the
// input row.
type MapFunc func(ctx context.Context, row Row) (Row, error)

// IndexedMapFunc is MapFunc with the example's position in the stream.
type IndexedMapFunc func(ctx context.Context, row Row, index int) (Row, error)

// BatchMapFunc transforms a columnar batch of rows at once. All returned
// columns must have the same length.
type BatchMapFunc func(ctx context.Context, batch Batch) (Batch, error)

// IndexedBatchMapFunc is BatchMapFunc with the positions of the batch rows.
type IndexedBatchMapFunc func(ctx context.Context, batch Batch, indices []int) (Batch, error)

// FilterFunc decides whether a row is kept.
type FilterFunc func(ctx context.Context, row Row) (bool, error)

// BatchFilterFunc decides for a whole batch which rows are kept. It must
// return one bool per row.
type BatchFilterFunc func(ctx context.Context, batch Batch) ([]bool, error)

// MapOptions configures Map and MapBatches.
type MapOptions struct {
	// BatchSize is the number of rows per call for MapBatches. Zero means
	// the default of 1000; negative values feed the whole dataset as one
	// batch.
	BatchSize int
	// DropLastBatch discards a final batch smaller than BatchSize.
	DropLastBatch bool
	// InputColumns restricts the columns the function sees. The untouched
	// columns are still carried through.
	InputColumns []string
	// RemoveColumns drops columns after the function output is merged in.
	RemoveColumns []string
	// NumWorkers applies the function on several batches in parallel while
	// keeping the output order. Defaults to 1.
	NumWorkers int
}

func (o *MapOptions) withDefaults() MapOptions {
	out := MapOptions{BatchSize: 1000, NumWorkers: 1}
	if o != nil {
		out = *o
		if out.BatchSize == 0 {
			out.BatchSize = 1000
		}
		if out.NumWorkers < 1 {
			out.NumWorkers = 1
		}
	}
	return out
}

// FilterOptions configures Filter and FilterBatches.
type FilterOptions struct {
	BatchSize    int
	InputColumns []string
	NumWorkers   int
}

// Map applies fn to every row.
func (d *Dataset) Map(fn MapFunc, opts *MapOptions) (*Dataset, error) {
	if fn == nil {
		return nil, errors.New("dataset: nil map function")
	}
	return d.mapIndexed(func(ctx context.Context, row Row, _ int) (Row, error) {
		return fn(ctx, row)
	}, opts)
}

// MapIndexed applies fn to every row along with its position.
func (d *Dataset) MapIndexed(fn IndexedMapFunc, opts *MapOptions) (*Dataset, error) {
	if fn == nil {
		return nil, errors.New("dataset: nil map function")
	}
	return d.mapIndexed(fn, opts)
}

func (d *Dataset) mapIndexed(fn IndexedMapFunc, opts *MapOptions) (*Dataset, error) {
	o := opts.withDefaults()
	apply := func(ctx context.Context, rows []Row, baseIdx int) ([]Row, error) {
		outs := make([]Row, len(rows))
		for i, row := range rows {
			input := row.Clone()
			seen := input
			if o.InputColumns != nil {
				seen = projectRow(input, o.InputColumns)
			}
			out, err := fn(ctx, seen, baseIdx+i)
			if err != nil {
				return nil, err
			}
			merged := input
			for col, v := range out {
				merged[col] = v
			}
			for _, col := range o.RemoveColumns {
				delete(merged, col)
			}
			outs[i] = merged
		}
		return outs, nil
	}
	out := d.clone()
	out.src = &mappedSource{
		inner:      d.src,
		apply:      apply,
		stateType:  stateMap,
		batchSize:  1,
		numWorkers: o.NumWorkers,
	}
	out.features = featuresWithout(d.features, o.RemoveColumns)
	return out, nil
}

// MapBatches applies fn to batches of rows.
func (d *Dataset) MapBatches(fn BatchMapFunc, opts *MapOptions) (*Dataset, error) {
	if fn == nil {
		return nil, errors.New("dataset: nil map function")
	}
	return d.mapBatchesIndexed(func(ctx context.Context, batch Batch, _ []int) (Batch, error) {
		return fn(ctx, batch)
	}, opts)
}

// MapBatchesIndexed applies fn to batches of rows along with the row
// positions.
func (d *Dataset) MapBatchesIndexed(fn IndexedBatchMapFunc, opts *MapOptions) (*Dataset, error) {
	if fn == nil {
		return nil, errors.New("dataset: nil map function")
	}
	return d.mapBatchesIndexed(fn, opts)
}

func (d *Dataset) mapBatchesIndexed(fn IndexedBatchMapFunc, opts *MapOptions) (*Dataset, error) {
	o := opts.withDefaults()
	apply := func(ctx context.Context, rows []Row, baseIdx int) ([]Row, error) {
		batch, err := rowsToBatch(rows)
		if err != nil {
			return nil, err
		}
		seen := batch
		if o.InputColumns != nil {
			seen = projectBatch(batch, o.InputColumns)
		}
		indices := make([]int, len(rows))
		for i := range indices {
			indices[i] = baseIdx + i
		}
		out, err := fn(ctx, seen, indices)
		if err != nil {
			return nil, err
		}
		merged := make(Batch, len(batch)+len(out))
		for col, values := range batch {
			merged[col] = values
		}
		for col, values := range out {
			merged[col] = values
		}
		for _, col := range o.RemoveColumns {
			delete(merged, col)
		}
		return batchToRows(merged)
	}
	out := d.clone()
	out.src = &mappedSource{
		inner:      d.src,
		apply:      apply,
		stateType:  stateMap,
		batched:    true,
		batchSize:  o.BatchSize,
		dropLast:   o.DropLastBatch,
		numWorkers: o.NumWorkers,
	}
	out.features = featuresWithout(d.features, o.RemoveColumns)
	return out, nil
}

// Filter keeps only the rows for which pred returns true.
func (d *Dataset) Filter(pred FilterFunc, opts *FilterOptions) (*Dataset, error) {
	if pred == nil {
		return nil, errors.New("dataset: nil filter predicate")
	}
	o := filterDefaults(opts)
	apply := func(ctx context.Context, rows []Row, baseIdx int) ([]Row, error) {
		var kept []Row
		for _, row := range rows {
			seen := row
			if o.InputColumns != nil {
				seen = projectRow(row, o.InputColumns)
			}
			keep, err := pred(ctx, seen)
			if err != nil {
				return nil, err
			}
			if keep {
				kept = append(kept, row)
			}
		}
		return kept, nil
	}
	out := d.clone()
	out.src = &mappedSource{
		inner:      d.src,
		apply:      apply,
		stateType:  stateFilter,
		batchSize:  1,
		numWorkers: o.NumWorkers,
	}
	return out, nil
}

// FilterBatches keeps only the rows for which the batched predicate
// returns true.
func (d *Dataset) FilterBatches(pred BatchFilterFunc, opts *FilterOptions) (*Dataset, error) {
	if pred == nil {
		return nil, errors.New("dataset: nil filter predicate")
	}
	o := filterDefaults(opts)
	apply := func(ctx context.Context, rows []Row, baseIdx int) ([]Row, error) {
		batch, err := rowsToBatch(rows)
		if err != nil {
			return nil, err
		}
		seen := batch
		if o.InputColumns != nil {
			seen = projectBatch(batch, o.InputColumns)
		}
		mask, err := pred(ctx, seen)
		if err != nil {
			return nil, err
		}
		if len(mask) != len(rows) {
			return nil, fmt.Errorf("filter mask has %d entries for %d rows: %w",
				len(mask), len(rows), ErrColumnLengthMismatch)
		}
		var kept []Row
		for i, keep := range mask {
			if keep {
				kept = append(kept, rows[i])
			}
		}
		return kept, nil
	}
	out := d.clone()
	out.src = &mappedSource{
		inner:      d.src,
		apply:      apply,
		stateType:  stateFilter,
		batched:    true,
		batchSize:  o.BatchSize,
		numWorkers: o.NumWorkers,
	}
	return out, nil
}

func filterDefaults(opts *FilterOptions) FilterOptions {
	o := FilterOptions{BatchSize: 1000, NumWorkers: 1}
	if opts != nil {
		o = *opts
		if o.BatchSize == 0 {
			o.BatchSize = 1000
		}
		if o.NumWorkers < 1 {
			o.NumWorkers = 1
		}
	}
	return o
}

// Batch groups batchSize rows into single rows whose column values are
// slices.
func (d *Dataset) Batch(batchSize int, dropLastBatch bool) (*Dataset, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("batch size must be at least 1, got %d", batchSize)
	}
	return d.MapBatches(func(_ context.Context, batch Batch) (Batch, error) {
		out := make(Batch, len(batch))
		for col, values := range batch {
			out[col] = []any{values}
		}
		return out, nil
	}, &MapOptions{BatchSize: batchSize, DropLastBatch: dropLastBatch})
}

func projectRow(row Row, cols []string) Row {
	out := make(Row, len(cols))
	for _, col := range cols {
		if v, ok := row[col]; ok {
			out[col] = v
		}
	}
	return out
}

func projectBatch(batch Batch, cols []string) Batch {
	out := make(Batch, len(cols))
	for _, col := range cols {
		if v, ok := batch[col]; ok {
			out[col] = v
		}
	}
	return out
}

// mappedSource applies a row transformation, one row or one batch at a
// time. Filtering is the same node with a transformation that drops rows.
//
// Checkpointing snapshots the inner state at batch boundaries and counts
// the outputs yielded since; resuming replays the current batch through
// the (deterministic) function and skips the already-yielded outputs.
type mappedSource struct {
	inner      source
	apply      func(ctx context.Context, rows []Row, baseIdx int) ([]Row, error)
	stateType  string
	batched    bool
	batchSize  int
	dropLast   bool
	numWorkers int
}

func (s *mappedSource) initState() *State {
	return &State{Type: s.stateType, Inner: s.inner.initState()}
}

func (s *mappedSource) numShards() int { return s.inner.numShards() }

func (s *mappedSource) shuffleSources(rng *rand.Rand) source {
	out := *s
	out.inner = s.inner.shuffleSources(rng)
	return &out
}

func (s *mappedSource) shardSources(numShards, index int, contiguous bool) (source, error) {
	inner, err := s.inner.shardSources(numShards, index, contiguous)
	if err != nil {
		return nil, err
	}
	out := *s
	out.inner = inner
	return &out, nil
}

// unitSize is the number of rows consumed per function call; 0 means the
// whole dataset at once.
func (s *mappedSource) unitSize() int {
	if !s.batched {
		return 1
	}
	if s.batchSize <= 0 {
		return 0
	}
	return s.batchSize
}

func (s *mappedSource) open(ctx context.Context, st *State, obs Observer) (iterator, error) {
	skip := 0
	if st.PrevState != nil {
		// Resume: rewind the inner source to the latest batch boundary and
		// skip the outputs that were already yielded.
		st.Inner = st.PrevState.Clone()
		skip = st.ExamplesSincePrev
		st.ExamplesSincePrev = 0
	}
	if s.numWorkers > 1 {
		return newParallelMapIter(ctx, s, st, obs, skip)
	}
	inner, err := s.inner.open(ctx, st.Inner, obs)
	if err != nil {
		return nil, err
	}
	return &mappedIter{ctx: ctx, src: s, st: st, inner: inner, obs: obs, skip: skip, nextIdx: st.ExampleIdx}, nil
}

type mappedIter struct {
	ctx     context.Context
	src     *mappedSource
	st      *State
	inner   iterator
	obs     Observer
	skip    int
	nextIdx int

	pending    []Example
	pendingPos int
	eof        bool
}

func (it *mappedIter) next() (Example, error) {
	for {
		if err := it.ctx.Err(); err != nil {
			return Example{}, err
		}
		if it.pendingPos < len(it.pending) {
			ex := it.pending[it.pendingPos]
			it.pendingPos++
			it.st.ExamplesSincePrev++
			if it.skip > 0 {
				it.skip--
				continue
			}
			return ex, nil
		}
		if it.eof {
			return Example{}, io.EOF
		}
		if err := it.fillUnit(); err != nil {
			return Example{}, err
		}
	}
}

// fillUnit consumes the next unit of rows from the inner source, applies
// the transformation, and stages the outputs.
func (it *mappedIter) fillUnit() error {
	it.st.PrevState = it.st.Inner.Clone()
	it.st.ExamplesSincePrev = 0
	it.st.ExampleIdx = it.nextIdx

	size := it.src.unitSize()
	var keys []string
	var rows []Row
	for size == 0 || len(rows) < size {
		ex, err := it.inner.next()
		if errors.Is(err, io.EOF) {
			it.eof = true
			break
		}
		if err != nil {
			return err
		}
		keys = append(keys, ex.Key)
		rows = append(rows, ex.Row)
	}
	if len(rows) == 0 {
		it.eof = true
		it.pending, it.pendingPos = nil, 0
		return nil
	}
	if it.src.dropLast && size > 0 && len(rows) < size {
		it.pending, it.pendingPos = nil, 0
		return nil
	}
	start := time.Now()
	outs, err := it.src.apply(it.ctx, rows, it.nextIdx)
	if it.obs != nil {
		it.obs.StageDuration(it.src.stateType, time.Since(start).Seconds())
	}
	if err != nil {
		return err
	}
	it.nextIdx += len(rows)
	it.pending = make([]Example, len(outs))
	key := keys[0]
	if it.src.batched {
		key = joinKeys(keys)
	}
	for i, row := range outs {
		it.pending[i] = Example{Key: key, Row: row}
	}
	it.pendingPos = 0
	return nil
}

func (it *mappedIter) close() error { return it.inner.close() }

// Parallel path: a feeder goroutine pulls input units and snapshots the
// inner state after each one, workers apply the function, and the
// consumer reassembles the outputs in order. The live checkpoint tree is
// only touched by the consumer; the feeder iterates a private copy.
type mapUnit struct {
	seq       int
	keys      []string
	rows      []Row
	baseIdx   int
	snapAfter *State
}

type mapResult struct {
	unit    mapUnit
	outs    []Row
	seconds float64
	err     error
}

type parallelMapIter struct {
	src    *mappedSource
	st     *State
	obs    Observer
	cancel context.CancelFunc
	group  *errgroup.Group

	results    chan mapResult
	reorder    map[int]mapResult
	expect     int
	skip       int
	pending    []Example
	pendingPos int
	snapBefore *State
	baseIdx    int
	done       bool
}

func newParallelMapIter(parent context.Context, s *mappedSource, st *State, obs Observer, skip int) (iterator, error) {
	ctx, cancel := context.WithCancel(parent)
	feederState := st.Inner.Clone()
	inner, err := s.inner.open(ctx, feederState, obs)
	if err != nil {
		cancel()
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan mapUnit, s.numWorkers)
	results := make(chan mapResult, s.numWorkers)

	it := &parallelMapIter{
		src:        s,
		st:         st,
		obs:        obs,
		cancel:     cancel,
		group:      g,
		results:    results,
		reorder:    make(map[int]mapResult),
		skip:       skip,
		snapBefore: st.Inner.Clone(),
		baseIdx:    st.ExampleIdx,
	}

	// Feeder: form units in order, snapshotting the private inner state
	// after each unit is consumed.
	g.Go(func() error {
		defer close(jobs)
		defer inner.close()
		seq := 0
		nextIdx := st.ExampleIdx
		size := s.unitSize()
		for {
			var keys []string
			var rows []Row
			eof := false
			for size == 0 || len(rows) < size {
				ex, err := inner.next()
				if errors.Is(err, io.EOF) {
					eof = true
					break
				}
				if err != nil {
					return err
				}
				keys = append(keys, ex.Key)
				rows = append(rows, ex.Row)
			}
			if len(rows) > 0 && !(s.dropLast && size > 0 && len(rows) < size) {
				unit := mapUnit{
					seq:       seq,
					keys:      keys,
					rows:      rows,
					baseIdx:   nextIdx,
					snapAfter: feederState.Clone(),
				}
				nextIdx += len(rows)
				seq++
				select {
				case jobs <- unit:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			if eof {
				return nil
			}
		}
	})

	var workers errgroup.Group
	workers.SetLimit(s.numWorkers)
	g.Go(func() error {
		defer close(results)
		for unit := range jobs {
			unit := unit
			workers.Go(func() error {
				start := time.Now()
				outs, err := s.apply(gctx, unit.rows, unit.baseIdx)
				seconds := time.Since(start).Seconds()
				select {
				case results <- mapResult{unit: unit, outs: outs, seconds: seconds, err: err}:
				case <-gctx.Done():
					return gctx.Err()
				}
				return err
			})
		}
		return workers.Wait()
	})

	return it, nil
}

func (it *parallelMapIter) next() (Example, error) {
	for {
		if it.pendingPos < len(it.pending) {
			ex := it.pending[it.pendingPos]
			it.pendingPos++
			it.st.ExamplesSincePrev++
			if it.skip > 0 {
				it.skip--
				continue
			}
			return ex, nil
		}
		if it.done {
			return Example{}, io.EOF
		}
		res, ok := it.reorder[it.expect]
		if !ok {
			r, open := <-it.results
			if !open {
				it.done = true
				if err := it.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
					return Example{}, err
				}
				continue
			}
			if r.err != nil {
				return Example{}, r.err
			}
			it.reorder[r.unit.seq] = r
			continue
		}
		delete(it.reorder, it.expect)
		it.expect++
		if it.obs != nil {
			// Durations are reported here rather than from the workers so
			// the observer only ever sees one goroutine.
			it.obs.StageDuration(it.src.stateType, res.seconds)
		}
		// The unit begins: the checkpoint says "inner consumed through the
		// previous unit, no outputs of this one yielded yet".
		it.st.PrevState = it.snapBefore
		it.st.Inner = it.snapBefore
		it.st.ExamplesSincePrev = 0
		it.st.ExampleIdx = res.unit.baseIdx
		it.snapBefore = res.unit.snapAfter

		key := res.unit.keys[0]
		if it.src.batched {
			key = joinKeys(res.unit.keys)
		}
		it.pending = make([]Example, len(res.outs))
		for i, row := range res.outs {
			it.pending[i] = Example{Key: key, Row: row}
		}
		it.pendingPos = 0
	}
}

func (it *parallelMapIter) close() error {
	it.cancel()
	for range it.results {
	}
	err := it.group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func featuresWithout(f Features, removed []string) Features {
	if f == nil {
		return nil
	}
	out := make(Features, len(f))
	for col, feat := range f {
		out[col] = feat
	}
	for _, col := range removed {
		delete(out, col)
	}
	return out
}
