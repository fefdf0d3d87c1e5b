package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
)

// StoppingStrategy controls when an interleaved dataset ends.
type StoppingStrategy string

const (
	// FirstExhausted stops as soon as one source runs out of examples
	// (undersampling).
	FirstExhausted StoppingStrategy = "first_exhausted"
	// AllExhausted stops once every source has run out at least once,
	// restarting exhausted sources in the meantime (oversampling).
	AllExhausted StoppingStrategy = "all_exhausted"
)

func (s StoppingStrategy) validate() error {
	switch s {
	case FirstExhausted, AllExhausted:
		return nil
	}
	return fmt.Errorf("unknown stopping strategy %q", s)
}

func (s StoppingStrategy) met(exhausted []bool) bool {
	if s == AllExhausted {
		for _, e := range exhausted {
			if !e {
				return false
			}
		}
		return true
	}
	for _, e := range exhausted {
		if e {
			return true
		}
	}
	return false
}

// cyclingSource round-robins over its sources one example at a time.
type cyclingSource struct {
	inners   []source
	strategy StoppingStrategy
}

func (s *cyclingSource) initState() *State {
	return &State{
		Type:      stateCycle,
		Exhausted: make([]bool, len(s.inners)),
		Prev:      make([]*State, len(s.inners)),
		Inners:    initStates(s.inners),
	}
}

func (s *cyclingSource) numShards() int { return minShards(s.inners) }

func (s *cyclingSource) shuffleSources(rng *rand.Rand) source {
	return &cyclingSource{inners: shuffleEach(s.inners, rng), strategy: s.strategy}
}

func (s *cyclingSource) shardSources(numShards, index int, contiguous bool) (source, error) {
	inners, err := shardEach(s.inners, numShards, index, contiguous)
	if err != nil {
		return nil, err
	}
	return &cyclingSource{inners: inners, strategy: s.strategy}, nil
}

func (s *cyclingSource) open(ctx context.Context, st *State, obs Observer) (iterator, error) {
	it := newCycleIter(ctx, s.inners, s.strategy, st, obs)
	it.nextIndex = func() int {
		i := st.SourceIdx
		st.SourceIdx = (i + 1) % len(s.inners)
		return i
	}
	return it, nil
}

// randomCyclingSource picks the next source at random, optionally biased by
// sampling probabilities. The number of consumed draws is checkpointed so a
// resumed iteration continues the same random sequence.
type randomCyclingSource struct {
	inners        []source
	strategy      StoppingStrategy
	seed          int64
	probabilities []float64
}

func (s *randomCyclingSource) initState() *State {
	return &State{
		Type:      stateRandomCycle,
		Exhausted: make([]bool, len(s.inners)),
		Prev:      make([]*State, len(s.inners)),
		Inners:    initStates(s.inners),
	}
}

func (s *randomCyclingSource) numShards() int { return minShards(s.inners) }

func (s *randomCyclingSource) shuffleSources(rng *rand.Rand) source {
	return &randomCyclingSource{
		inners:        shuffleEach(s.inners, rng),
		strategy:      s.strategy,
		seed:          rng.Int63(),
		probabilities: s.probabilities,
	}
}

func (s *randomCyclingSource) shardSources(numShards, index int, contiguous bool) (source, error) {
	inners, err := shardEach(s.inners, numShards, index, contiguous)
	if err != nil {
		return nil, err
	}
	return &randomCyclingSource{inners: inners, strategy: s.strategy, seed: s.seed, probabilities: s.probabilities}, nil
}

func (s *randomCyclingSource) open(ctx context.Context, st *State, obs Observer) (iterator, error) {
	rng := newRNG(s.seed)
	discardDraws(rng, st.RNGDraws)
	it := newCycleIter(ctx, s.inners, s.strategy, st, obs)
	it.nextIndex = func() int {
		// One Int63 per draw so resumption can replay the sequence by count.
		v := rng.Int63()
		st.RNGDraws++
		if s.probabilities == nil {
			return int(v % int64(len(s.inners)))
		}
		f := float64(v) / float64(1<<63)
		acc := 0.0
		for i, p := range s.probabilities {
			acc += p
			if f < acc {
				return i
			}
		}
		return len(s.inners) - 1
	}
	return it, nil
}

// cycleIter implements both cycling flavors. It keeps a one-example
// lookahead per source to detect exhaustion the moment the last example is
// yielded; Prev snapshots let a resumed iteration regenerate the buffered
// lookahead.
type cycleIter struct {
	ctx       context.Context
	inners    []source
	strategy  StoppingStrategy
	st        *State
	obs       Observer
	nextIndex func() int

	iters  []iterator
	nexts  []*Example
	opened bool
}

func newCycleIter(ctx context.Context, inners []source, strategy StoppingStrategy, st *State, obs Observer) *cycleIter {
	return &cycleIter{
		ctx:      ctx,
		inners:   inners,
		strategy: strategy,
		st:       st,
		obs:      obs,
		iters:    make([]iterator, len(inners)),
		nexts:    make([]*Example, len(inners)),
	}
}

// restorePrev rewinds each source to the state before its buffered
// lookahead was pulled, so the lookahead is produced again on reopen.
func (it *cycleIter) restorePrev() {
	for i, prev := range it.st.Prev {
		if prev != nil {
			it.st.Inners[i] = prev.Clone()
		}
	}
	it.opened = true
}

func (it *cycleIter) pull(i int) (Example, error) {
	if it.iters[i] == nil {
		inner, err := it.inners[i].open(it.ctx, it.st.Inners[i], it.obs)
		if err != nil {
			return Example{}, err
		}
		it.iters[i] = inner
	}
	return it.iters[i].next()
}

func (it *cycleIter) next() (Example, error) {
	if !it.opened {
		it.restorePrev()
	}
	for {
		if err := it.ctx.Err(); err != nil {
			return Example{}, err
		}
		if it.strategy.met(it.st.Exhausted) {
			return Example{}, io.EOF
		}
		i := it.nextIndex()

		var result *Example
		if it.nexts[i] != nil {
			result = it.nexts[i]
			it.nexts[i] = nil
		} else {
			ex, err := it.pull(i)
			if err == nil {
				result = &ex
			} else if !errors.Is(err, io.EOF) {
				return Example{}, err
			}
		}
		// Snapshot the source position after the result, before the
		// lookahead consumes one more example.
		it.st.Prev[i] = it.st.Inners[i].Clone()

		la, err := it.pull(i)
		switch {
		case err == nil:
			it.nexts[i] = &la
		case errors.Is(err, io.EOF):
			it.st.Exhausted[i] = true
			it.nexts[i] = nil
			// Reset so the source can restart if the stopping criterion is
			// not met yet.
			if it.iters[i] != nil {
				if cerr := it.iters[i].close(); cerr != nil {
					return Example{}, cerr
				}
				it.iters[i] = nil
			}
			it.st.Inners[i] = it.inners[i].initState()
			it.st.Prev[i] = nil
		default:
			return Example{}, err
		}

		if result != nil {
			return *result, nil
		}
	}
}

func (it *cycleIter) close() error {
	var firstErr error
	for i, inner := range it.iters {
		if inner != nil {
			if err := inner.close(); err != nil && firstErr == nil {
				firstErr = err
			}
			it.iters[i] = nil
		}
	}
	return firstErr
}

// vconcatSource chains its sources one after the other.
type vconcatSource struct {
	inners []source
}

func (s *vconcatSource) initState() *State {
	return &State{Type: stateVConcat, Inners: initStates(s.inners)}
}

func (s *vconcatSource) numShards() int { return minShards(s.inners) }

func (s *vconcatSource) shuffleSources(rng *rand.Rand) source {
	shuffled := append([]source(nil), s.inners...)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return &vconcatSource{inners: shuffleEach(shuffled, rng)}
}

func (s *vconcatSource) shardSources(numShards, index int, contiguous bool) (source, error) {
	inners, err := shardEach(s.inners, numShards, index, contiguous)
	if err != nil {
		return nil, err
	}
	return &vconcatSource{inners: inners}, nil
}

func (s *vconcatSource) open(ctx context.Context, st *State, obs Observer) (iterator, error) {
	return &vconcatIter{ctx: ctx, src: s, st: st, obs: obs}, nil
}

type vconcatIter struct {
	ctx context.Context
	src *vconcatSource
	st  *State
	obs Observer
	cur iterator
}

func (it *vconcatIter) next() (Example, error) {
	for {
		if it.st.SourceIdx >= len(it.src.inners) {
			return Example{}, io.EOF
		}
		if it.cur == nil {
			inner, err := it.src.inners[it.st.SourceIdx].open(it.ctx, it.st.Inners[it.st.SourceIdx], it.obs)
			if err != nil {
				return Example{}, err
			}
			it.cur = inner
		}
		ex, err := it.cur.next()
		if errors.Is(err, io.EOF) {
			if cerr := it.cur.close(); cerr != nil {
				return Example{}, cerr
			}
			it.cur = nil
			it.st.SourceIdx++
			continue
		}
		if err != nil {
			return Example{}, err
		}
		return ex, nil
	}
}

func (it *vconcatIter) close() error {
	if it.cur != nil {
		return it.cur.close()
	}
	return nil
}

// hconcatSource zips its sources, merging the columns of one example from
// each into a single row. Sources that run out drop out of the zip. Column
// names must not collide; this is checked on the first example.
type hconcatSource struct {
	inners []source
}

func (s *hconcatSource) initState() *State {
	return &State{Type: stateHConcat, Inners: initStates(s.inners)}
}

// numShards is 1: the zip alignment prevents distributing sources
// independently.
func (s *hconcatSource) numShards() int { return 1 }

// shuffleSources returns the receiver: shuffling would break the row
// alignment between the zipped sources.
func (s *hconcatSource) shuffleSources(rng *rand.Rand) source { return s }

func (s *hconcatSource) shardSources(numShards, index int, contiguous bool) (source, error) {
	inners, err := shardEach(s.inners, numShards, index, contiguous)
	if err != nil {
		return nil, err
	}
	return &hconcatSource{inners: inners}, nil
}

func (s *hconcatSource) open(ctx context.Context, st *State, obs Observer) (iterator, error) {
	iters := make([]iterator, len(s.inners))
	for i, inner := range s.inners {
		it, err := inner.open(ctx, st.Inners[i], obs)
		if err != nil {
			return nil, err
		}
		iters[i] = it
	}
	return &hconcatIter{ctx: ctx, iters: iters}, nil
}

type hconcatIter struct {
	ctx     context.Context
	iters   []iterator
	checked bool
}

func (it *hconcatIter) next() (Example, error) {
	if err := it.ctx.Err(); err != nil {
		return Example{}, err
	}
	var keys []string
	var rows []Row
	live := it.iters[:0]
	for _, inner := range it.iters {
		ex, err := inner.next()
		if errors.Is(err, io.EOF) {
			if cerr := inner.close(); cerr != nil {
				return Example{}, cerr
			}
			continue
		}
		if err != nil {
			return Example{}, err
		}
		keys = append(keys, ex.Key)
		rows = append(rows, ex.Row)
		live = append(live, inner)
	}
	it.iters = live
	if len(rows) == 0 {
		return Example{}, io.EOF
	}
	if !it.checked {
		if err := checkNoDuplicateColumns(rows); err != nil {
			return Example{}, err
		}
		it.checked = true
	}
	merged := make(Row)
	for _, row := range rows {
		for col, v := range row {
			merged[col] = v
		}
	}
	return Example{Key: joinKeys(keys), Row: merged}, nil
}

func (it *hconcatIter) close() error {
	var firstErr error
	for _, inner := range it.iters {
		if err := inner.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	it.iters = nil
	return firstErr
}

func initStates(inners []source) []*State {
	states := make([]*State, len(inners))
	for i, inner := range inners {
		states[i] = inner.initState()
	}
	return states
}

func minShards(inners []source) int {
	n := inners[0].numShards()
	for _, inner := range inners[1:] {
		if m := inner.numShards(); m < n {
			n = m
		}
	}
	return n
}

func shuffleEach(inners []source, rng *rand.Rand) []source {
	out := make([]source, len(inners))
	for i, inner := range inners {
		out[i] = inner.shuffleSources(rng)
	}
	return out
}

func shardEach(inners []source, numShards, index int, contiguous bool) ([]source, error) {
	out := make([]source, len(inners))
	for i, inner := range inners {
		sharded, err := inner.shardSources(numShards, index, contiguous)
		if err != nil {
			return nil, err
		}
		out[i] = sharded
	}
	return out, nil
}

// InterleaveOptions configures Interleave.
type InterleaveOptions struct {
	// Probabilities biases source selection; nil alternates sources in
	// order. Must have one non-negative entry per dataset, summing to a
	// positive value (they are normalized).
	Probabilities []float64
	// Seed drives the random source selection when Probabilities is set or
	// randomness is wanted.
	Seed int64
	// Strategy defaults to FirstExhausted.
	Strategy StoppingStrategy
}

// Interleave merges several datasets into one that alternates between them
// to yield examples. Without probabilities the sources are cycled in order;
// with probabilities the next source is sampled at random.
func Interleave(datasets []*Dataset, opts *InterleaveOptions) (*Dataset, error) {
	if len(datasets) == 0 {
		return nil, errors.New("dataset: interleave needs at least one dataset")
	}
	if opts == nil {
		opts = &InterleaveOptions{}
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = FirstExhausted
	}
	if err := strategy.validate(); err != nil {
		return nil, err
	}
	inners := make([]source, len(datasets))
	for i, d := range datasets {
		inners[i] = d.src
	}
	var src source
	if opts.Probabilities == nil {
		src = &cyclingSource{inners: inners, strategy: strategy}
	} else {
		probs, err := normalizeProbabilities(opts.Probabilities, len(datasets))
		if err != nil {
			return nil, err
		}
		src = &randomCyclingSource{inners: inners, strategy: strategy, seed: opts.Seed, probabilities: probs}
	}
	return &Dataset{src: src, features: mergeFeatures(datasets), logger: datasets[0].logger, observer: datasets[0].observer}, nil
}

// Concatenate chains datasets end to end. Missing columns are filled with
// nil when the datasets are typed.
func Concatenate(datasets ...*Dataset) (*Dataset, error) {
	if len(datasets) == 0 {
		return nil, errors.New("dataset: concatenate needs at least one dataset")
	}
	inners := make([]source, len(datasets))
	for i, d := range datasets {
		inners[i] = d.src
	}
	return &Dataset{
		src:      &vconcatSource{inners: inners},
		features: mergeFeatures(datasets),
		logger:   datasets[0].logger,
		observer: datasets[0].observer,
	}, nil
}

// ConcatenateColumns zips datasets side by side, merging their columns per
// row. Column names must be disjoint.
func ConcatenateColumns(datasets ...*Dataset) (*Dataset, error) {
	if len(datasets) == 0 {
		return nil, errors.New("dataset: concatenate needs at least one dataset")
	}
	seen := make(map[string]struct{})
	for _, d := range datasets {
		for _, col := range d.ColumnNames() {
			if _, dup := seen[col]; dup {
				return nil, fmt.Errorf("column %q: %w", col, ErrDuplicateColumn)
			}
			seen[col] = struct{}{}
		}
	}
	inners := make([]source, len(datasets))
	for i, d := range datasets {
		inners[i] = d.src
	}
	return &Dataset{
		src:      &hconcatSource{inners: inners},
		features: mergeFeatures(datasets),
		logger:   datasets[0].logger,
		observer: datasets[0].observer,
	}, nil
}

func normalizeProbabilities(probs []float64, n int) ([]float64, error) {
	if len(probs) != n {
		return nil, fmt.Errorf("got %d probabilities for %d datasets", len(probs), n)
	}
	sum := 0.0
	for i, p := range probs {
		if p < 0 {
			return nil, fmt.Errorf("probability %d is negative: %f", i, p)
		}
		sum += p
	}
	if sum <= 0 {
		return nil, errors.New("dataset: probabilities sum to zero")
	}
	out := make([]float64, n)
	for i, p := range probs {
		out[i] = p / sum
	}
	return out, nil
}

// mergeFeatures merges the schemas of several datasets, first dataset
// winning on conflicts. The result is nil unless every dataset is typed.
func mergeFeatures(datasets []*Dataset) Features {
	for _, d := range datasets {
		if d.features == nil {
			return nil
		}
	}
	merged := make(Features)
	for _, d := range datasets {
		for col, f := range d.features {
			if _, ok := merged[col]; !ok {
				merged[col] = f
			}
		}
	}
	return merged
}
