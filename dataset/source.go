package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strconv"
)

// ShardReader provides the examples of one shard of a dataset. Shards are
// the unit of resumption and parallel distribution: a reader must yield the
// same examples in the same order every time it is opened.
type ShardReader interface {
	// Name identifies the shard, stable across runs.
	Name() string
	// Open starts reading the shard from its first example.
	Open(ctx context.Context) (ExampleReader, error)
}

// ExampleReader reads the examples of an open shard. Next returns io.EOF
// when the shard is exhausted.
type ExampleReader interface {
	Next() (Example, error)
	Close() error
}

// Observer receives pipeline events during iteration. All events arrive
// from the iterating goroutine, one at a time.
type Observer interface {
	ExampleYielded()
	ShardCompleted()
	ShuffleBufferFill(size, capacity int)
	// StageDuration reports one map or filter function call; stage is the
	// node kind, "map" or "filter".
	StageDuration(stage string, seconds float64)
	IteratorOpened()
	IteratorClosed()
}

// source is a node of the pipeline tree.
type source interface {
	// open starts iterating. st is the node's live checkpoint state and is
	// mutated as examples are yielded; it is never nil. obs may be nil.
	open(ctx context.Context, st *State, obs Observer) (iterator, error)
	// shuffleSources shuffles the shard/source order, or returns the
	// receiver when its semantics pin the order.
	shuffleSources(rng *rand.Rand) source
	// shardSources keeps only the shards assigned to worker index out of
	// numShards workers.
	shardSources(numShards, index int, contiguous bool) (source, error)
	numShards() int
	// initState builds a fresh checkpoint subtree for this node.
	initState() *State
}

// iterator pulls keyed examples. next returns io.EOF at exhaustion.
type iterator interface {
	next() (Example, error)
	close() error
}

// splitShardIndices assigns shard indices to the given worker. Contiguous
// assignment hands each worker a run of div shards plus one of the mod
// leftovers; otherwise shards are dealt round-robin.
func splitShardIndices(totalShards, numShards, index int, contiguous bool) []int {
	if contiguous {
		div := totalShards / numShards
		mod := totalShards % numShards
		start := div*index + min(index, mod)
		end := start + div
		if index < mod {
			end++
		}
		indices := make([]int, 0, end-start)
		for i := start; i < end; i++ {
			indices = append(indices, i)
		}
		return indices
	}
	var indices []int
	for i := index; i < totalShards; i += numShards {
		indices = append(indices, i)
	}
	return indices
}

// splitCount spreads num across n workers, earlier workers taking the
// remainder.
func splitCount(num, n int) []int {
	quot, rem := num/n, num%n
	out := make([]int, n)
	for i := range out {
		out[i] = quot
		if i < rem {
			out[i]++
		}
	}
	return out
}

// shardedSource is the base of every pipeline: an ordered list of shards.
type shardedSource struct {
	shards []ShardReader
}

func (s *shardedSource) initState() *State {
	return &State{Type: stateSharded}
}

func (s *shardedSource) numShards() int { return len(s.shards) }

func (s *shardedSource) shuffleSources(rng *rand.Rand) source {
	shuffled := append([]ShardReader(nil), s.shards...)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return &shardedSource{shards: shuffled}
}

func (s *shardedSource) shardSources(numShards, index int, contiguous bool) (source, error) {
	if numShards < 1 || index < 0 || index >= numShards {
		return nil, fmt.Errorf("invalid shard request %d/%d", index, numShards)
	}
	indices := splitShardIndices(len(s.shards), numShards, index, contiguous)
	kept := make([]ShardReader, 0, len(indices))
	for _, i := range indices {
		kept = append(kept, s.shards[i])
	}
	return &shardedSource{shards: kept}, nil
}

func (s *shardedSource) open(ctx context.Context, st *State, obs Observer) (iterator, error) {
	return &shardedIter{ctx: ctx, src: s, st: st, obs: obs, skipInShard: st.ShardExampleIdx}, nil
}

// shardedIter walks the shard list. Resuming skips the shards already read,
// then skips examples within the current shard until reaching the saved
// position.
type shardedIter struct {
	ctx         context.Context
	src         *shardedSource
	st          *State
	obs         Observer
	cur         ExampleReader
	skipInShard int
}

func (it *shardedIter) next() (Example, error) {
	for {
		if err := it.ctx.Err(); err != nil {
			return Example{}, err
		}
		if it.cur == nil {
			if it.st.ShardIdx >= len(it.src.shards) {
				return Example{}, io.EOF
			}
			shard := it.src.shards[it.st.ShardIdx]
			reader, err := shard.Open(it.ctx)
			if err != nil {
				return Example{}, fmt.Errorf("open shard %s: %w", shard.Name(), err)
			}
			it.cur = reader
			for i := 0; i < it.skipInShard; i++ {
				if _, err := reader.Next(); err != nil {
					reader.Close()
					return Example{}, fmt.Errorf("resume shard %s at example %d: %w", shard.Name(), it.skipInShard, err)
				}
			}
			it.skipInShard = 0
		}
		ex, err := it.cur.Next()
		if errors.Is(err, io.EOF) {
			if cerr := it.cur.Close(); cerr != nil {
				return Example{}, cerr
			}
			it.cur = nil
			it.st.ShardIdx++
			it.st.ShardExampleIdx = 0
			if it.obs != nil {
				it.obs.ShardCompleted()
			}
			continue
		}
		if err != nil {
			return Example{}, err
		}
		it.st.ShardExampleIdx++
		if it.obs != nil {
			it.obs.ExampleYielded()
		}
		return ex, nil
	}
}

func (it *shardedIter) close() error {
	if it.cur != nil {
		err := it.cur.Close()
		it.cur = nil
		return err
	}
	return nil
}

// sliceShard is an in-memory shard, mostly used by FromRows and in tests.
type sliceShard struct {
	name string
	rows []Row
}

// NewSliceShard wraps in-memory rows as a shard. Keys are the shard name
// followed by the row index.
func NewSliceShard(name string, rows []Row) ShardReader {
	return &sliceShard{name: name, rows: rows}
}

func (s *sliceShard) Name() string { return s.name }

func (s *sliceShard) Open(ctx context.Context) (ExampleReader, error) {
	return &sliceReader{shard: s}, nil
}

type sliceReader struct {
	shard *sliceShard
	pos   int
}

func (r *sliceReader) Next() (Example, error) {
	if r.pos >= len(r.shard.rows) {
		return Example{}, io.EOF
	}
	ex := Example{
		Key: r.shard.name + "_" + strconv.Itoa(r.pos),
		Row: r.shard.rows[r.pos].Clone(),
	}
	r.pos++
	return ex, nil
}

func (r *sliceReader) Close() error { return nil }
