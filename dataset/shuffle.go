package dataset

import (
	"context"
	"errors"
	"io"
	"math/rand"
)

// bufferShuffledSource draws examples at random from a bounded buffer fed
// by the inner source. The buffer fills first; each drawn example is
// replaced by the next incoming one, and once the input runs out the
// remainder is shuffled and drained.
//
// The node is checkpoint-transparent: its state is the inner state, so
// examples sitting in the buffer are lost on resume and the buffer refills
// with new data.
type bufferShuffledSource struct {
	inner      source
	bufferSize int
	seed       int64
}

func (s *bufferShuffledSource) initState() *State { return s.inner.initState() }

func (s *bufferShuffledSource) numShards() int { return s.inner.numShards() }

func (s *bufferShuffledSource) shuffleSources(rng *rand.Rand) source {
	return &bufferShuffledSource{
		inner:      s.inner.shuffleSources(rng),
		bufferSize: s.bufferSize,
		seed:       rng.Int63(),
	}
}

func (s *bufferShuffledSource) shardSources(numShards, index int, contiguous bool) (source, error) {
	inner, err := s.inner.shardSources(numShards, index, contiguous)
	if err != nil {
		return nil, err
	}
	return &bufferShuffledSource{inner: inner, bufferSize: s.bufferSize, seed: s.seed}, nil
}

func (s *bufferShuffledSource) open(ctx context.Context, st *State, obs Observer) (iterator, error) {
	inner, err := s.inner.open(ctx, st, obs)
	if err != nil {
		return nil, err
	}
	return &bufferShuffledIter{
		inner: inner,
		rng:   newRNG(s.seed),
		buf:   make([]Example, 0, s.bufferSize),
		cap:   s.bufferSize,
		obs:   obs,
	}, nil
}

type bufferShuffledIter struct {
	inner    iterator
	rng      *rand.Rand
	buf      []Example
	cap      int
	obs      Observer
	draining bool
	drainPos int
}

func (it *bufferShuffledIter) next() (Example, error) {
	if it.draining {
		if it.drainPos >= len(it.buf) {
			return Example{}, io.EOF
		}
		ex := it.buf[it.drainPos]
		it.drainPos++
		return ex, nil
	}
	for {
		ex, err := it.inner.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Example{}, err
		}
		if len(it.buf) < it.cap {
			it.buf = append(it.buf, ex)
			if it.obs != nil {
				it.obs.ShuffleBufferFill(len(it.buf), it.cap)
			}
			continue
		}
		i := it.rng.Intn(it.cap)
		out := it.buf[i]
		it.buf[i] = ex
		return out, nil
	}
	// Input exhausted: shuffle what is left and drain it.
	it.rng.Shuffle(len(it.buf), func(i, j int) {
		it.buf[i], it.buf[j] = it.buf[j], it.buf[i]
	})
	it.draining = true
	return it.next()
}

func (it *bufferShuffledIter) close() error { return it.inner.close() }
