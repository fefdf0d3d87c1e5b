package dataset

import (
	"context"
	"errors"
	"io"
	"math/rand"
)

// skipSource omits the first n examples of the inner source. Once the skip
// has happened it is recorded in the state so a resumed iteration does not
// skip again.
type skipSource struct {
	inner source
	n     int
}

func (s *skipSource) initState() *State {
	return &State{Type: stateSkip, Inner: s.inner.initState()}
}

func (s *skipSource) numShards() int { return s.inner.numShards() }

// shuffleSources returns the receiver: shuffling the inner source would
// skip different examples than the ones the caller asked to skip.
func (s *skipSource) shuffleSources(rng *rand.Rand) source { return s }

func (s *skipSource) shardSources(numShards, index int, contiguous bool) (source, error) {
	inner, err := s.inner.shardSources(numShards, index, contiguous)
	if err != nil {
		return nil, err
	}
	return &skipSource{inner: inner, n: splitCount(s.n, numShards)[index]}, nil
}

func (s *skipSource) open(ctx context.Context, st *State, obs Observer) (iterator, error) {
	inner, err := s.inner.open(ctx, st.Inner, obs)
	if err != nil {
		return nil, err
	}
	toSkip := s.n
	if st.Skipped {
		toSkip = 0
	}
	return &skipIter{inner: inner, st: st, toSkip: toSkip}, nil
}

type skipIter struct {
	inner  iterator
	st     *State
	toSkip int
}

func (it *skipIter) next() (Example, error) {
	it.st.Skipped = true
	for it.toSkip > 0 {
		if _, err := it.inner.next(); err != nil {
			return Example{}, err
		}
		it.toSkip--
	}
	return it.inner.next()
}

func (it *skipIter) close() error { return it.inner.close() }

// takeSource keeps only the first n examples of the inner source.
type takeSource struct {
	inner source
	n     int
}

func (s *takeSource) initState() *State {
	return &State{Type: stateTake, Inner: s.inner.initState()}
}

func (s *takeSource) numShards() int { return s.inner.numShards() }

// shuffleSources returns the receiver: shuffling the inner source would
// take different examples than the first n.
func (s *takeSource) shuffleSources(rng *rand.Rand) source { return s }

func (s *takeSource) shardSources(numShards, index int, contiguous bool) (source, error) {
	inner, err := s.inner.shardSources(numShards, index, contiguous)
	if err != nil {
		return nil, err
	}
	return &takeSource{inner: inner, n: splitCount(s.n, numShards)[index]}, nil
}

func (s *takeSource) open(ctx context.Context, st *State, obs Observer) (iterator, error) {
	inner, err := s.inner.open(ctx, st.Inner, obs)
	if err != nil {
		return nil, err
	}
	return &takeIter{inner: inner, st: st, n: s.n}, nil
}

type takeIter struct {
	inner iterator
	st    *State
	n     int
}

func (it *takeIter) next() (Example, error) {
	if it.st.NumTaken >= it.n {
		return Example{}, io.EOF
	}
	ex, err := it.inner.next()
	if err != nil {
		return Example{}, err
	}
	it.st.NumTaken++
	return ex, nil
}

func (it *takeIter) close() error { return it.inner.close() }

// stepSource yields every step-th example starting at offset. It is the
// distributed fallback when the shard count does not divide evenly across
// nodes. Checkpoint-transparent.
type stepSource struct {
	inner  source
	step   int
	offset int
}

func (s *stepSource) initState() *State { return s.inner.initState() }

func (s *stepSource) numShards() int { return s.inner.numShards() }

func (s *stepSource) shuffleSources(rng *rand.Rand) source {
	return &stepSource{inner: s.inner.shuffleSources(rng), step: s.step, offset: s.offset}
}

func (s *stepSource) shardSources(numShards, index int, contiguous bool) (source, error) {
	inner, err := s.inner.shardSources(numShards, index, contiguous)
	if err != nil {
		return nil, err
	}
	return &stepSource{inner: inner, step: s.step, offset: s.offset}, nil
}

func (s *stepSource) open(ctx context.Context, st *State, obs Observer) (iterator, error) {
	inner, err := s.inner.open(ctx, st, obs)
	if err != nil {
		return nil, err
	}
	return &stepIter{inner: inner, step: s.step, offset: s.offset}, nil
}

type stepIter struct {
	inner  iterator
	step   int
	offset int
}

func (it *stepIter) next() (Example, error) {
	// Read a window of step examples and keep the offset-th. A window
	// shorter than offset+1 means the source is done.
	var kept Example
	have := false
	for i := 0; i < it.step; i++ {
		ex, err := it.inner.next()
		if errors.Is(err, io.EOF) {
			if have {
				return kept, nil
			}
			return Example{}, io.EOF
		}
		if err != nil {
			return Example{}, err
		}
		if i == it.offset {
			kept = ex
			have = true
		}
	}
	if !have {
		return Example{}, io.EOF
	}
	return kept, nil
}

func (it *stepIter) close() error { return it.inner.close() }

// repeatSource repeats the inner source numTimes times, negative meaning
// forever. The inner state resets between repeats.
type repeatSource struct {
	inner    source
	numTimes int
}

func (s *repeatSource) initState() *State {
	return &State{Type: stateRepeat, Inner: s.inner.initState()}
}

func (s *repeatSource) numShards() int { return s.inner.numShards() }

func (s *repeatSource) shuffleSources(rng *rand.Rand) source {
	return &repeatSource{inner: s.inner.shuffleSources(rng), numTimes: s.numTimes}
}

func (s *repeatSource) shardSources(numShards, index int, contiguous bool) (source, error) {
	inner, err := s.inner.shardSources(numShards, index, contiguous)
	if err != nil {
		return nil, err
	}
	return &repeatSource{inner: inner, numTimes: s.numTimes}, nil
}

func (s *repeatSource) open(ctx context.Context, st *State, obs Observer) (iterator, error) {
	return &repeatIter{ctx: ctx, src: s, st: st, obs: obs}, nil
}

type repeatIter struct {
	ctx   context.Context
	src   *repeatSource
	st    *State
	obs   Observer
	inner iterator
}

func (it *repeatIter) next() (Example, error) {
	for {
		if it.src.numTimes >= 0 && it.st.RepeatIdx >= it.src.numTimes {
			return Example{}, io.EOF
		}
		if it.inner == nil {
			inner, err := it.src.inner.open(it.ctx, it.st.Inner, it.obs)
			if err != nil {
				return Example{}, err
			}
			it.inner = inner
		}
		ex, err := it.inner.next()
		if errors.Is(err, io.EOF) {
			if cerr := it.inner.close(); cerr != nil {
				return Example{}, cerr
			}
			it.inner = nil
			it.st.RepeatIdx++
			*it.st.Inner = *it.src.inner.initState()
			continue
		}
		if err != nil {
			return Example{}, err
		}
		return ex, nil
	}
}

func (it *repeatIter) close() error {
	if it.inner != nil {
		return it.inner.close()
	}
	return nil
}
