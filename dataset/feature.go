package dataset

import (
	"fmt"
	"math"
	"sort"
)

// Feature describes the type of a column and knows how to coerce raw
// values into it.
type Feature interface {
	// Cast converts a raw cell value to the feature's native
	// representation.
	Cast(v any) (any, error)
	String() string
}

// Features maps column names to their feature types.
type Features map[string]Feature

// Columns returns the column names in sorted order.
func (f Features) Columns() []string {
	cols := make([]string, 0, len(f))
	for col := range f {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

// Clone returns a shallow copy; Feature values are immutable.
func (f Features) Clone() Features {
	if f == nil {
		return nil
	}
	out := make(Features, len(f))
	for col, feat := range f {
		out[col] = feat
	}
	return out
}

// Value is a scalar column type. DType is one of "string", "int64",
// "float64", "bool" or "binary".
type Value struct {
	DType string
}

func (v Value) String() string { return v.DType }

func (v Value) Cast(raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch v.DType {
	case "string":
		switch x := raw.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		}
	case "int64":
		switch x := raw.(type) {
		case int64:
			return x, nil
		case int:
			return int64(x), nil
		case int8:
			return int64(x), nil
		case int16:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case uint8:
			return int64(x), nil
		case uint16:
			return int64(x), nil
		case uint32:
			return int64(x), nil
		case uint:
			if uint64(x) > math.MaxInt64 {
				return nil, fmt.Errorf("value %d overflows int64", x)
			}
			return int64(x), nil
		case uint64:
			if x > math.MaxInt64 {
				return nil, fmt.Errorf("value %d overflows int64", x)
			}
			return int64(x), nil
		case float64:
			if x == float64(int64(x)) {
				return int64(x), nil
			}
		}
	case "float64":
		switch x := raw.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case int:
			return float64(x), nil
		}
	case "bool":
		if x, ok := raw.(bool); ok {
			return x, nil
		}
	case "binary":
		switch x := raw.(type) {
		case []byte:
			return x, nil
		case string:
			return []byte(x), nil
		}
	default:
		return nil, fmt.Errorf("unknown value dtype %q", v.DType)
	}
	return nil, fmt.Errorf("cannot cast %T to %s", raw, v.DType)
}

// ClassLabel is an integer column with a fixed set of named classes.
// Raw string values are looked up by name.
type ClassLabel struct {
	Names []string
}

func (c ClassLabel) String() string {
	return fmt.Sprintf("class_label(num_classes=%d)", len(c.Names))
}

func (c ClassLabel) Cast(raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch x := raw.(type) {
	case string:
		for i, name := range c.Names {
			if name == x {
				return int64(i), nil
			}
		}
		return nil, fmt.Errorf("label %q: %w", x, ErrUnknownLabel)
	case int64:
		if x < 0 || x >= int64(len(c.Names)) {
			return nil, fmt.Errorf("label index %d out of range [0, %d): %w",
				x, len(c.Names), ErrUnknownLabel)
		}
		return x, nil
	case int:
		return c.Cast(int64(x))
	}
	return nil, fmt.Errorf("cannot cast %T to class label", raw)
}

// Name returns the class name for an index.
func (c ClassLabel) Name(index int64) (string, error) {
	if index < 0 || index >= int64(len(c.Names)) {
		return "", fmt.Errorf("label index %d out of range [0, %d): %w",
			index, len(c.Names), ErrUnknownLabel)
	}
	return c.Names[index], nil
}

// Audio is a column holding audio. Cells are *AudioData; decoding the
// raw bytes into samples is deferred until the typed stage runs with
// decoding enabled.
type Audio struct {
	// SampleRate, when non-zero, is the rate decoded samples are
	// expected at.
	SampleRate int
	// Decode controls whether WAV bytes are decoded into samples when
	// the typed stage runs.
	Decode bool
}

func (a Audio) String() string {
	if a.SampleRate > 0 {
		return fmt.Sprintf("audio(sampling_rate=%d)", a.SampleRate)
	}
	return "audio"
}

func (a Audio) Cast(raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch x := raw.(type) {
	case *AudioData:
		return x, nil
	case AudioData:
		return &x, nil
	case string:
		return &AudioData{Path: x}, nil
	case []byte:
		return &AudioData{Bytes: x}, nil
	}
	return nil, fmt.Errorf("cannot cast %T to audio", raw)
}

// AudioData is the cell value of an Audio column. Before decoding only
// Path or Bytes is set; after decoding Samples and SampleRate are
// populated.
type AudioData struct {
	Path       string
	Bytes      []byte
	SampleRate int
	Samples    []float32
}

// Decoded reports whether the samples have been materialized.
func (a *AudioData) Decoded() bool { return a != nil && a.Samples != nil }

// inferFeature guesses a feature type from a sample value. Returns nil
// when the value has no scalar mapping.
func inferFeature(v any) Feature {
	switch v.(type) {
	case string:
		return Value{DType: "string"}
	case int, int32, int64:
		return Value{DType: "int64"}
	case float32, float64:
		return Value{DType: "float64"}
	case bool:
		return Value{DType: "bool"}
	case []byte:
		return Value{DType: "binary"}
	case *AudioData, AudioData:
		return Audio{}
	}
	return nil
}
