package dataset

import (
	"encoding/json"
	"fmt"
	"io"
)

// Node type tags recorded in checkpoints. Restoring a checkpoint into a
// pipeline whose node types differ fails with ErrStateMismatch.
const (
	stateSharded     = "sharded"
	stateSkip        = "skip"
	stateTake        = "take"
	stateRepeat      = "repeat"
	stateCycle       = "cycle"
	stateRandomCycle = "random_cycle"
	stateVConcat     = "vconcat"
	stateHConcat     = "hconcat"
	stateMap         = "map"
	stateFilter      = "filter"
)

// State is the checkpoint of a single pipeline node. It forms a tree
// mirroring the source tree: wrapper nodes keep their child under Inner,
// multi-source nodes under Inners. Nodes that add no bookkeeping of their
// own (shuffle buffers, step, typing) are transparent and reuse their
// child's state directly.
//
// The zero value of most fields means "nothing consumed yet".
type State struct {
	Type string `json:"type"`

	// Sharded source progress.
	ShardIdx        int `json:"shard_idx,omitempty"`
	ShardExampleIdx int `json:"shard_example_idx,omitempty"`

	// Skip/take progress.
	Skipped  bool `json:"skipped,omitempty"`
	NumTaken int  `json:"num_taken,omitempty"`

	// Repeat progress.
	RepeatIdx int `json:"repeat_idx,omitempty"`

	// Multi-source progress. SourceIdx is the next source to draw from
	// (cycling) or the source currently being drained (vertical concat).
	SourceIdx int    `json:"source_idx,omitempty"`
	RNGDraws  int    `json:"rng_draws,omitempty"`
	Exhausted []bool `json:"exhausted,omitempty"`
	// Prev holds, per source, the child state as of the latest yielded
	// example, i.e. before the one-example lookahead was pulled.
	Prev []*State `json:"prev,omitempty"`

	// Map/filter replay bookkeeping. PrevState snapshots the child at the
	// latest batch boundary; ExamplesSincePrev counts outputs yielded since,
	// which are skipped again on resume. ExampleIdx feeds indexed map
	// functions.
	PrevState         *State `json:"prev_state,omitempty"`
	ExamplesSincePrev int    `json:"examples_since_prev,omitempty"`
	ExampleIdx        int    `json:"example_idx,omitempty"`

	Inner  *State   `json:"inner,omitempty"`
	Inners []*State `json:"inners,omitempty"`
}

// Checkpoint is the full saved position of a dataset iteration.
type Checkpoint struct {
	Epoch    int    `json:"epoch"`
	Examples *State `json:"examples"`
}

// Clone deep-copies the state tree.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	if s.Exhausted != nil {
		out.Exhausted = append([]bool(nil), s.Exhausted...)
	}
	if s.Prev != nil {
		out.Prev = make([]*State, len(s.Prev))
		for i, p := range s.Prev {
			out.Prev[i] = p.Clone()
		}
	}
	out.PrevState = s.PrevState.Clone()
	out.Inner = s.Inner.Clone()
	if s.Inners != nil {
		out.Inners = make([]*State, len(s.Inners))
		for i, in := range s.Inners {
			out.Inners[i] = in.Clone()
		}
	}
	return &out
}

// Clone deep-copies the checkpoint.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	return &Checkpoint{Epoch: c.Epoch, Examples: c.Examples.Clone()}
}

// Save writes the checkpoint as JSON.
func (c *Checkpoint) Save(w io.Writer) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint reads a checkpoint previously written with Save.
func LoadCheckpoint(r io.Reader) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.NewDecoder(r).Decode(&c); err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return &c, nil
}

// mergeState copies the progress recorded in loaded into the freshly
// initialized state tree init, validating that both trees have the same
// shape. The merged tree is init, mutated in place.
func mergeState(init, loaded *State) error {
	if loaded == nil {
		return nil
	}
	if init == nil {
		return fmt.Errorf("checkpoint has node %q where the pipeline has none: %w", loaded.Type, ErrStateMismatch)
	}
	if init.Type != loaded.Type {
		return fmt.Errorf("checkpoint node %q does not match pipeline node %q: %w", loaded.Type, init.Type, ErrStateMismatch)
	}
	if len(init.Inners) != len(loaded.Inners) {
		return fmt.Errorf("checkpoint node %q has %d sources, pipeline has %d: %w",
			loaded.Type, len(loaded.Inners), len(init.Inners), ErrStateMismatch)
	}
	inner, inners := init.Inner, init.Inners
	*init = *loaded.Clone()
	if err := mergeState(inner, loaded.Inner); err != nil {
		return err
	}
	init.Inner = inner
	for i := range inners {
		if err := mergeState(inners[i], loaded.Inners[i]); err != nil {
			return err
		}
	}
	init.Inners = inners
	return nil
}
