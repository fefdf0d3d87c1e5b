package dataset

import "errors"

var (
	// ErrDuplicateColumn indicates the same column name appears in more than
	// one source being merged.
	ErrDuplicateColumn = errors.New("dataset: duplicate column")

	// ErrColumnMismatch indicates rows disagree on their set of columns.
	ErrColumnMismatch = errors.New("dataset: column mismatch")

	// ErrColumnLengthMismatch indicates the columns of a batch have different
	// lengths.
	ErrColumnLengthMismatch = errors.New("dataset: column length mismatch")

	// ErrUnknownColumn indicates an operation referenced a column that does
	// not exist in the examples.
	ErrUnknownColumn = errors.New("dataset: unknown column")

	// ErrStateMismatch indicates a checkpoint does not match the shape of the
	// pipeline it is being restored into.
	ErrStateMismatch = errors.New("dataset: checkpoint does not match pipeline")

	// ErrShuffleAfterShard indicates Shuffle was called on a dataset that was
	// already split with Shard or SplitByNode, which would lock in the shard
	// order seen by this worker and desynchronize it from the others.
	ErrShuffleAfterShard = errors.New("dataset: cannot shuffle after sharding")

	// ErrUnknownLabel indicates a class label string has no index in the
	// label names.
	ErrUnknownLabel = errors.New("dataset: unknown class label")
)
