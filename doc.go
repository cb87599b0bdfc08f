// Package reverb implements the client side of a trajectory writer for
// an RL experience-replay service: it batches per-step column values
// into immutable chunks, assembles items referencing those chunks, and
// streams both to a replay service over a reconnecting gRPC stream.
//
// The zero-value entry point is NewTrajectoryWriter. Callers append
// per-step values with Append, assemble items from the returned
// CellRefs with CreateItem, and use Flush or EndEpisode to wait for
// delivery. See SequenceRange, Chunk, and TrajectoryColumn for the data
// model these operations build on.
package reverb
