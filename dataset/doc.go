// Package dataset implements streaming datasets consumed by sequential
// iteration without full local materialization. A Dataset is an immutable
// handle over a tree of example sources; transformations (shuffle, skip,
// take, map, filter, interleave, ...) return new handles and the tree is
// only walked during iteration. Iteration state can be checkpointed and
// restored at shard granularity, skipping shards already read and then
// skipping examples within the current shard until reaching the saved
// position.
package dataset
