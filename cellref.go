package reverb

import "sync"

// CellRef is a non-owning handle to one appended value. It resolves to
// data either in the owning Chunker's staging buffer or, once the
// containing chunk is finalized, in the Chunk itself. A CellRef is owned
// jointly by the producing Chunker's keep-alive ring and by any Items
// referring to it; once the ring evicts it, it is expired and may no
// longer be dereferenced.
//
// All mutable state is guarded by mu, a mutex private to this CellRef
// and distinct from the owning TrajectoryWriter's mutex. Chunker methods
// that mutate a ref (attachChunkLocked, expireLocked) are themselves
// always called with the writer's mutex held, but still take ref.mu
// before touching it, since a CellRef's own accessors -- IsReady,
// Expired, GetData and friends -- are meant to be called by ordinary
// user goroutines that hold no lock at all. Sharing one mutex between
// the two would deadlock the moment a Chunker method (already inside
// the writer's critical section) tried to lock it again.
type CellRef struct {
	mu sync.Mutex

	columnIndex int
	episodeID   uint64
	episodeStep int64

	expired  bool
	chunkKey uint64
	offset   int

	// Exactly one of value / chunk is set while the ref is live: value
	// while the cell is still staged, chunk once it has been finalized.
	value *Value
	chunk *Chunk
}

// IsReady reports whether the ref's chunk has been finalized. Monotone:
// once true it stays true until the ref expires.
func (r *CellRef) IsReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.expired && r.chunk != nil
}

// Expired reports whether the ref has been evicted from its owning
// Chunker's keep-alive ring or expired by a Reset.
func (r *CellRef) Expired() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expired
}

// GetData materializes the originally appended value, whether it still
// lives in the staging buffer or has been moved into a finalized Chunk.
// Returns an error if the ref has expired.
func (r *CellRef) GetData() (Value, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.expired {
		return Value{}, invalidArgument("reverb: cell ref expired")
	}
	if r.chunk != nil {
		return r.chunk.CellAt(r.offset)
	}
	return *r.value, nil
}

// ChunkKey returns the key of the chunk this ref belongs to, assigned at
// append time and unchanged across finalization.
func (r *CellRef) ChunkKey() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chunkKey
}

// EpisodeID returns the episode this cell was appended in.
func (r *CellRef) EpisodeID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.episodeID
}

// EpisodeStep returns the step index of this cell within its episode.
func (r *CellRef) EpisodeStep() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.episodeStep
}

// ColumnIndex returns the index of the column this cell was appended to.
func (r *CellRef) ColumnIndex() int {
	return r.columnIndex
}

// chunkOrNilLocked returns the finalized Chunk backing this ref, or nil if it
// is still staged or has expired. Callers must already hold mu.
func (r *CellRef) chunkOrNilLocked() *Chunk {
	if r.expired {
		return nil
	}
	return r.chunk
}

// offsetLocked returns the ref's offset. Callers must already hold mu.
func (r *CellRef) offsetLocked() int {
	return r.offset
}

// keyAndOffset returns the ref's chunk key and offset atomically.
func (r *CellRef) keyAndOffset() (uint64, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chunkKey, r.offset
}

// expireLocked marks the ref expired. Callers must already hold mu.
func (r *CellRef) expireLocked() {
	r.expired = true
	r.value = nil
	r.chunk = nil
}

// attachChunkLocked swaps the ref's resolution path from the staging
// buffer to the finalized Chunk without changing its chunk key. Callers
// must already hold mu.
func (r *CellRef) attachChunkLocked(chunk *Chunk) {
	r.value = nil
	r.chunk = chunk
}
