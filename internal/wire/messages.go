// Package wire defines the client/server messages exchanged on the
// Insert stream (spec §6) and the Stream abstraction the writer's
// StreamWorker drives it through.
package wire

// Slice addresses a contiguous run of cells within a single chunk.
// Column-major trajectories are encoded as a list of slices per column
// rather than one slice per cell so a column that draws several
// consecutive cells from the same chunk costs one slice, not N.
type Slice struct {
	ChunkKey uint64
	Offset   int32
	Length   int32
	Squeeze  bool
}

// ColumnSlices is the wire encoding of one TrajectoryColumn.
type ColumnSlices struct {
	Slices []Slice
}

// ChunkMessage is the wire encoding of a finalized Chunk.
type ChunkMessage struct {
	ChunkKey    uint64
	EpisodeID   uint64
	StartStep   int64
	EndStep     int64
	Sparse      bool
	ColumnIndex int32
	Dtype       int32
	Shape       []int64
	Payload     [][]byte
}

// ItemMessage is the wire encoding of an Item.
type ItemMessage struct {
	Key              uint64
	Table            string
	Priority         float64
	Columns          []ColumnSlices
	KeepChunkKeys    []uint64
	SendConfirmation bool
}

// ClientMessage is one message sent on the Insert stream. Exactly one of
// Chunk or Item is set.
type ClientMessage struct {
	Chunk *ChunkMessage
	Item  *ItemMessage
}

// ServerMessage is one message received on the Insert stream: an echo of
// a confirmed item key.
type ServerMessage struct {
	ConfirmedItemKey uint64
}
