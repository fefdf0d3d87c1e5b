package dataset

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"

	"github.com/fork-the-planet/datasets/internal/wav"
)

// Cast replaces the dataset's schema. Passing nil removes typing.
func (d *Dataset) Cast(features Features) *Dataset {
	out := d.clone()
	out.features = features.Clone()
	return out
}

// CastColumn sets the feature type of a single column.
func (d *Dataset) CastColumn(name string, feature Feature) *Dataset {
	out := d.clone()
	out.features = d.features.Clone()
	if out.features == nil {
		out.features = make(Features, 1)
	}
	out.features[name] = feature
	return out
}

// Decode toggles audio decoding for all audio columns. With numThreads
// greater than one the decoding runs as an ordered parallel stage, which
// changes the pipeline shape: checkpoints are only portable between
// identically configured datasets.
func (d *Dataset) Decode(enable bool, numThreads int) (*Dataset, error) {
	if d.features == nil {
		return nil, errors.New("dataset: Decode requires a typed dataset")
	}
	if numThreads < 1 {
		numThreads = 1
	}
	audioCols := make(map[string]Audio)
	features := d.features.Clone()
	for col, feat := range features {
		if a, ok := feat.(Audio); ok {
			a.Decode = enable
			features[col] = a
			audioCols[col] = a
		}
	}
	if len(audioCols) == 0 {
		return nil, errors.New("dataset: no audio columns to decode")
	}
	out := d.clone()
	out.features = features
	if !enable || numThreads == 1 {
		return out, nil
	}
	// Decoding happens in the parallel stage; the typed stage must not
	// redo it.
	for col, a := range audioCols {
		a.Decode = false
		out.features[col] = a
	}
	return out.Map(func(_ context.Context, row Row) (Row, error) {
		for col, feat := range audioCols {
			raw, ok := row[col]
			if !ok || raw == nil {
				continue
			}
			cell, err := feat.Cast(raw)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", col, err)
			}
			audio := cell.(*AudioData)
			if err := decodeAudio(audio, feat); err != nil {
				return nil, fmt.Errorf("column %q: %w", col, err)
			}
			row[col] = audio
		}
		return row, nil
	}, &MapOptions{NumWorkers: numThreads})
}

// typedSource applies the schema to every example: absent columns are
// filled with nil, present ones are cast, extra columns pass through.
// It is transparent to checkpointing.
type typedSource struct {
	inner    source
	features Features
}

func (s *typedSource) initState() *State { return s.inner.initState() }

func (s *typedSource) numShards() int { return s.inner.numShards() }

func (s *typedSource) shuffleSources(rng *rand.Rand) source {
	return &typedSource{inner: s.inner.shuffleSources(rng), features: s.features}
}

func (s *typedSource) shardSources(numShards, index int, contiguous bool) (source, error) {
	inner, err := s.inner.shardSources(numShards, index, contiguous)
	if err != nil {
		return nil, err
	}
	return &typedSource{inner: inner, features: s.features}, nil
}

func (s *typedSource) open(ctx context.Context, st *State, obs Observer) (iterator, error) {
	inner, err := s.inner.open(ctx, st, obs)
	if err != nil {
		return nil, err
	}
	return &typedIter{src: s, inner: inner}, nil
}

type typedIter struct {
	src   *typedSource
	inner iterator
}

func (it *typedIter) next() (Example, error) {
	ex, err := it.inner.next()
	if err != nil {
		return Example{}, err
	}
	for col, feat := range it.src.features {
		raw, ok := ex.Row[col]
		if !ok || raw == nil {
			ex.Row[col] = nil
			continue
		}
		cell, err := feat.Cast(raw)
		if err != nil {
			return Example{}, fmt.Errorf("column %q: %w", col, err)
		}
		if a, isAudio := feat.(Audio); isAudio && a.Decode {
			audio := cell.(*AudioData)
			if err := decodeAudio(audio, a); err != nil {
				return Example{}, fmt.Errorf("column %q: %w", col, err)
			}
			cell = audio
		}
		ex.Row[col] = cell
	}
	return ex, nil
}

func (it *typedIter) close() error { return it.inner.close() }

// decodeAudio materializes samples for WAV payloads. Other formats keep
// their raw bytes.
func decodeAudio(a *AudioData, feat Audio) error {
	if a == nil || a.Decoded() {
		return nil
	}
	data := a.Bytes
	if data == nil {
		if a.Path == "" {
			return errors.New("audio cell has neither bytes nor path")
		}
		var err error
		data, err = os.ReadFile(a.Path)
		if err != nil {
			return fmt.Errorf("read audio file: %w", err)
		}
		a.Bytes = data
	}
	if !wav.IsWAV(data) {
		return nil
	}
	pcm, rate, err := wav.Decode(data)
	if err != nil {
		return fmt.Errorf("decode wav: %w", err)
	}
	samples := wav.ToFloat32(pcm)
	if feat.SampleRate > 0 && rate != feat.SampleRate {
		samples = wav.Resample(samples, rate, feat.SampleRate)
		rate = feat.SampleRate
	}
	a.Samples = samples
	a.SampleRate = rate
	return nil
}
