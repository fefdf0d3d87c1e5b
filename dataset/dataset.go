package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Dataset is an immutable handle over a pipeline of example sources. Every
// transformation returns a new handle; nothing is read until Iterate.
//
// A Dataset is not safe for concurrent iteration: State reflects the most
// recently started iteration.
type Dataset struct {
	src      source
	features Features
	shuffle  *shuffleConfig
	sharded  bool
	dist     *distConfig
	epoch    int
	observer Observer
	logger   *slog.Logger

	pending *Checkpoint
	live    *Checkpoint
}

type shuffleConfig struct {
	seed       int64
	bufferSize int
}

type distConfig struct {
	rank      int
	worldSize int
}

// FromShards builds a dataset over the given shards.
func FromShards(shards []ShardReader) *Dataset {
	return &Dataset{src: &shardedSource{shards: shards}}
}

// FromRows builds a single-shard in-memory dataset, mostly for small data
// and tests.
func FromRows(rows []Row) *Dataset {
	return FromShards([]ShardReader{NewSliceShard("rows", rows)})
}

// clone copies the handle so transformations never mutate their input.
func (d *Dataset) clone() *Dataset {
	out := *d
	out.pending = d.pending.Clone()
	out.live = nil
	return &out
}

// WithLogger returns a dataset that logs iteration progress to logger.
func (d *Dataset) WithLogger(logger *slog.Logger) *Dataset {
	out := d.clone()
	out.logger = logger
	return out
}

// WithObserver returns a dataset reporting iteration events to obs, for
// example a metrics pipeline.
func (d *Dataset) WithObserver(obs Observer) *Dataset {
	out := d.clone()
	out.observer = obs
	return out
}

// NumShards returns the number of shards of the underlying source, the
// maximum useful number of parallel workers.
func (d *Dataset) NumShards() int { return d.src.numShards() }

// Features returns the dataset's schema, or nil when untyped.
func (d *Dataset) Features() Features { return d.features }

// ColumnNames returns the sorted schema columns, or nil when untyped.
func (d *Dataset) ColumnNames() []string {
	if d.features == nil {
		return nil
	}
	return d.features.Columns()
}

// Epoch returns the current epoch set with SetEpoch.
func (d *Dataset) Epoch() int { return d.epoch }

// SetEpoch changes the shuffling epoch. Each epoch derives a different
// effective seed, so a shuffled dataset reshuffles between epochs.
func (d *Dataset) SetEpoch(epoch int) {
	d.epoch = epoch
}

// Shuffle randomly reorders examples: the shard order is shuffled and
// examples are drawn from a buffer of bufferSize examples, replacing each
// drawn example with the next one from the stream.
func (d *Dataset) Shuffle(seed int64, bufferSize int) (*Dataset, error) {
	if bufferSize < 1 {
		return nil, fmt.Errorf("shuffle buffer size must be at least 1, got %d", bufferSize)
	}
	if d.sharded {
		return nil, ErrShuffleAfterShard
	}
	out := d.clone()
	out.shuffle = &shuffleConfig{seed: seed, bufferSize: bufferSize}
	out.src = &bufferShuffledSource{inner: d.src, bufferSize: bufferSize, seed: seed}
	return out, nil
}

// Shard keeps only the index-th of numShards contiguous slices of the
// dataset's shards.
func (d *Dataset) Shard(numShards, index int) (*Dataset, error) {
	src, err := d.src.shardSources(numShards, index, true)
	if err != nil {
		return nil, err
	}
	out := d.clone()
	out.src = src
	out.sharded = true
	return out, nil
}

// SplitByNode splits the dataset for the node at rank in a pool of
// worldSize nodes. When the shard count divides evenly the shards are dealt
// round-robin across nodes; otherwise each node keeps one example out of
// worldSize, skipping the others.
func (d *Dataset) SplitByNode(rank, worldSize int) (*Dataset, error) {
	if worldSize < 1 || rank < 0 || rank >= worldSize {
		return nil, fmt.Errorf("invalid node rank %d for world size %d", rank, worldSize)
	}
	out := d.clone()
	out.sharded = true
	if d.src.numShards()%worldSize == 0 {
		src, err := d.src.shardSources(worldSize, rank, false)
		if err != nil {
			return nil, err
		}
		out.src = src
		return out, nil
	}
	out.dist = &distConfig{rank: rank, worldSize: worldSize}
	return out, nil
}

// Skip omits the first n examples.
func (d *Dataset) Skip(n int) (*Dataset, error) {
	if n < 0 {
		return nil, fmt.Errorf("cannot skip a negative number of examples: %d", n)
	}
	out := d.clone()
	out.src = &skipSource{inner: d.src, n: n}
	return out, nil
}

// Take keeps only the first n examples.
func (d *Dataset) Take(n int) (*Dataset, error) {
	if n < 0 {
		return nil, fmt.Errorf("cannot take a negative number of examples: %d", n)
	}
	out := d.clone()
	out.src = &takeSource{inner: d.src, n: n}
	return out, nil
}

// Repeat iterates the dataset numTimes times. A negative numTimes repeats
// forever; zero yields nothing.
func (d *Dataset) Repeat(numTimes int) *Dataset {
	out := d.clone()
	out.src = &repeatSource{inner: d.src, numTimes: numTimes}
	return out
}

// State returns the checkpoint at the latest yielded example of the most
// recent iteration, or the initial position when the dataset has not been
// iterated yet.
//
// Restoring resumes exactly where the checkpoint was saved except that
// examples held in shuffle buffers are dropped (the buffers refill with new
// data) and batched map functions may rerun from the latest batch boundary.
func (d *Dataset) State() (*Checkpoint, error) {
	if d.live != nil {
		return d.live.Clone(), nil
	}
	prepared, err := d.prepare()
	if err != nil {
		return nil, err
	}
	ckpt := &Checkpoint{Epoch: d.epoch, Examples: prepared.initState()}
	if d.pending != nil && d.pending.Epoch == d.epoch {
		if err := mergeState(ckpt.Examples, d.pending.Examples); err != nil {
			return nil, err
		}
	}
	return ckpt, nil
}

// Restore positions the next iteration at the example following the
// checkpoint. The checkpoint must come from a dataset with the same
// pipeline; the epoch it was saved at is restored as well.
func (d *Dataset) Restore(ckpt *Checkpoint) error {
	if ckpt == nil {
		return errors.New("dataset: nil checkpoint")
	}
	d.epoch = ckpt.Epoch
	prepared, err := d.prepare()
	if err != nil {
		return err
	}
	// Validate the shape eagerly so a mismatch fails here, not mid-training.
	if err := mergeState(prepared.initState(), ckpt.Examples); err != nil {
		return err
	}
	d.pending = ckpt.Clone()
	return nil
}

// prepare resolves the iteration-time tree: shard shuffling with the
// epoch's effective seed, distributed example stepping and schema typing.
func (d *Dataset) prepare() (source, error) {
	src := d.src
	if d.shuffle != nil {
		src = src.shuffleSources(newRNG(effectiveSeed(d.shuffle.seed, d.epoch)))
	}
	if d.dist != nil {
		src = &stepSource{inner: src, step: d.dist.worldSize, offset: d.dist.rank}
	}
	if d.features != nil {
		src = &typedSource{inner: src, features: d.features}
	}
	return src, nil
}

// Iterate starts reading the dataset. The returned scanner is not safe for
// concurrent use; Close releases any open shard.
func (d *Dataset) Iterate(ctx context.Context) (*Scanner, error) {
	prepared, err := d.prepare()
	if err != nil {
		return nil, err
	}
	st := prepared.initState()
	if d.pending != nil && d.pending.Epoch == d.epoch {
		if err := mergeState(st, d.pending.Examples); err != nil {
			return nil, err
		}
	}
	d.live = &Checkpoint{Epoch: d.epoch, Examples: st}
	it, err := prepared.open(ctx, st, d.observer)
	if err != nil {
		return nil, err
	}
	if d.logger != nil {
		d.logger.Debug("iteration started",
			slog.Int("num_shards", prepared.numShards()),
			slog.Int("epoch", d.epoch),
		)
	}
	if d.observer != nil {
		d.observer.IteratorOpened()
	}
	return &Scanner{it: it, obs: d.observer}, nil
}

// Head collects the first n rows.
func (d *Dataset) Head(ctx context.Context, n int) ([]Row, error) {
	sc, err := d.Iterate(ctx)
	if err != nil {
		return nil, err
	}
	defer sc.Close()
	rows := make([]Row, 0, n)
	for len(rows) < n && sc.Next() {
		rows = append(rows, sc.Row())
	}
	return rows, sc.Err()
}

// Scanner iterates examples in the style of bufio.Scanner.
type Scanner struct {
	it     iterator
	obs    Observer
	cur    Example
	err    error
	done   bool
	closed bool
}

// Next advances to the next example. It returns false at the end of the
// dataset or on error; consult Err afterwards.
func (s *Scanner) Next() bool {
	if s.done {
		return false
	}
	ex, err := s.it.next()
	if err != nil {
		s.done = true
		if !errors.Is(err, io.EOF) {
			s.err = err
		}
		return false
	}
	s.cur = ex
	return true
}

// Example returns the current keyed example.
func (s *Scanner) Example() Example { return s.cur }

// Row returns the current row.
func (s *Scanner) Row() Row { return s.cur.Row }

// Err returns the first error encountered, if any. Reaching the end of the
// dataset is not an error.
func (s *Scanner) Err() error { return s.err }

// Close releases open shards and stops any background work. Closing more
// than once is a no-op.
func (s *Scanner) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.done = true
	if s.obs != nil {
		s.obs.IteratorClosed()
	}
	return s.it.close()
}

// IterateBatches reads the dataset batchSize rows at a time, yielding
// columnar batches. When dropLast is set a final short batch is discarded.
func (d *Dataset) IterateBatches(ctx context.Context, batchSize int, dropLast bool) (*BatchScanner, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("batch size must be at least 1, got %d", batchSize)
	}
	sc, err := d.Iterate(ctx)
	if err != nil {
		return nil, err
	}
	return &BatchScanner{sc: sc, batchSize: batchSize, dropLast: dropLast}, nil
}

// BatchScanner iterates columnar batches.
type BatchScanner struct {
	sc        *Scanner
	batchSize int
	dropLast  bool
	cur       Batch
	err       error
}

// Next advances to the next batch.
func (b *BatchScanner) Next() bool {
	rows := make([]Row, 0, b.batchSize)
	for len(rows) < b.batchSize && b.sc.Next() {
		rows = append(rows, b.sc.Row())
	}
	if err := b.sc.Err(); err != nil {
		b.err = err
		return false
	}
	if len(rows) == 0 || (b.dropLast && len(rows) < b.batchSize) {
		return false
	}
	batch, err := rowsToBatch(rows)
	if err != nil {
		b.err = err
		return false
	}
	b.cur = batch
	return true
}

// Batch returns the current batch.
func (b *BatchScanner) Batch() Batch { return b.cur }

// Err returns the first error encountered, if any.
func (b *BatchScanner) Err() error { return b.err }

// Close releases the underlying scanner.
func (b *BatchScanner) Close() error { return b.sc.Close() }
