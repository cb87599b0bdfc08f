package reverb

// ChunkerOptions configures a Chunker's batching and keep-alive window.
type ChunkerOptions struct {
	// MaxChunkLength is the number of staged cells that triggers an
	// automatic flush. Must be positive.
	MaxChunkLength int
	// NumKeepAliveRefs is the size of the keep-alive ring. Must be
	// positive and at least MaxChunkLength.
	NumKeepAliveRefs int
}

// Validate checks the invariants ChunkerOptions must satisfy.
func (o ChunkerOptions) Validate() error {
	if o.MaxChunkLength <= 0 {
		return invalidArgument("max_chunk_length must be positive, got %d", o.MaxChunkLength)
	}
	if o.NumKeepAliveRefs <= 0 {
		return invalidArgument("num_keep_alive_refs must be positive, got %d", o.NumKeepAliveRefs)
	}
	if o.NumKeepAliveRefs < o.MaxChunkLength {
		return invalidArgument(
			"num_keep_alive_refs (%d) must be >= max_chunk_length (%d)",
			o.NumKeepAliveRefs, o.MaxChunkLength)
	}
	return nil
}

// Chunker is the per-column staging buffer described in spec §4.1. All
// exported methods assume the caller already holds the owning
// TrajectoryWriter's mutex -- Chunker itself performs no locking of its
// own state. The CellRefs it hands out carry their own private mutex
// instead, since they can outlive any single Chunker call and are read
// by arbitrary user goroutines that never touch the writer's lock.
type Chunker struct {
	columnIndex int
	spec        ColumnSpec
	opts        ChunkerOptions

	staging          []*CellRef
	stagingEpisodeID uint64
	stagingLastStep  int64
	hasStaging       bool

	// lastEpisodeID/lastStep/everAppended track the step-monotonicity
	// invariant across flushes: unlike hasStaging, Flush never clears
	// these, only Reset does, so an append immediately after a flush is
	// still checked against the step it finalized.
	lastEpisodeID uint64
	lastStep      int64
	everAppended  bool

	ring []*CellRef

	currentChunkKey uint64
}

// NewChunker creates a Chunker for one column. Every call must happen
// with the owning TrajectoryWriter's mutex held, the same way every
// other Chunker method does.
func NewChunker(columnIndex int, spec ColumnSpec, opts ChunkerOptions) (*Chunker, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{
		columnIndex:     columnIndex,
		spec:            spec,
		opts:            opts,
		currentChunkKey: newKey(),
	}, nil
}

// Append validates and stages one value, returning a handle to it.
func (c *Chunker) Append(value Value, episodeID uint64, step int64) (*CellRef, error) {
	if !c.spec.matches(value) {
		return nil, invalidArgument(
			"column %q: dtype/shape mismatch: expected %s%s, got %s%s",
			c.spec.Name, c.spec.Dtype, c.spec.Shape, value.Dtype, value.Shape)
	}
	if want := value.byteSize(); len(value.Data) != want {
		return nil, invalidArgument(
			"column %q: value has %d bytes of data, want %d for %s%s",
			c.spec.Name, len(value.Data), want, value.Dtype, value.Shape)
	}
	if len(c.staging) > 0 && c.stagingEpisodeID != episodeID {
		return nil, failedPrecondition(
			"column %q: cannot append episode %d while episode %d is still staged; flush first",
			c.spec.Name, episodeID, c.stagingEpisodeID)
	}
	if c.everAppended && episodeID == c.lastEpisodeID && step <= c.lastStep {
		return nil, failedPrecondition(
			"column %q: step %d is not greater than last staged or finalized step %d",
			c.spec.Name, step, c.lastStep)
	}

	ref := &CellRef{
		columnIndex: c.columnIndex,
		episodeID:   episodeID,
		episodeStep: step,
		chunkKey:    c.currentChunkKey,
		offset:      len(c.staging),
		value:       &value,
	}

	c.staging = append(c.staging, ref)
	c.stagingEpisodeID = episodeID
	c.stagingLastStep = step
	c.hasStaging = true

	c.lastEpisodeID = episodeID
	c.lastStep = step
	c.everAppended = true

	c.pushRing(ref)

	if len(c.staging) == c.opts.MaxChunkLength {
		if _, err := c.Flush(); err != nil {
			return nil, err
		}
	}

	return ref, nil
}

// pushRing inserts ref into the keep-alive ring, expiring and evicting
// the oldest entry once the ring is full.
func (c *Chunker) pushRing(ref *CellRef) {
	if len(c.ring) >= c.opts.NumKeepAliveRefs {
		evicted := c.ring[0]
		evicted.mu.Lock()
		evicted.expireLocked()
		evicted.mu.Unlock()
		c.ring = c.ring[1:]
	}
	c.ring = append(c.ring, ref)
}

// Flush finalizes the staging buffer into a Chunk, if non-empty, and
// mints a fresh chunk key for subsequent appends. Returns the newly
// finalized chunk, or nil if there was nothing staged.
func (c *Chunker) Flush() (*Chunk, error) {
	if len(c.staging) == 0 {
		return nil, nil
	}

	cells := make([][]byte, len(c.staging))
	steps := make([]int64, len(c.staging))
	for i, ref := range c.staging {
		cells[i] = ref.value.Data
		steps[i] = ref.episodeStep
	}

	chunk := newChunk(c.currentChunkKey, c.columnIndex, c.spec, c.stagingEpisodeID, steps, cells)

	for _, ref := range c.staging {
		ref.mu.Lock()
		ref.attachChunkLocked(chunk)
		ref.mu.Unlock()
	}

	c.staging = nil
	c.hasStaging = false
	c.currentChunkKey = newKey()

	return chunk, nil
}

// Reset expires every outstanding CellRef (staged and ringed), clears
// all buffers, and mints a fresh chunk key.
func (c *Chunker) Reset() {
	for _, ref := range c.ring {
		ref.mu.Lock()
		ref.expireLocked()
		ref.mu.Unlock()
	}
	for _, ref := range c.staging {
		ref.mu.Lock()
		ref.expireLocked()
		ref.mu.Unlock()
	}
	c.ring = nil
	c.staging = nil
	c.hasStaging = false
	c.everAppended = false
	c.currentChunkKey = newKey()
}

// ApplyConfig resizes the chunker's batching and keep-alive parameters.
// Fails with FailedPrecondition if staging is non-empty; the caller
// must Flush first.
func (c *Chunker) ApplyConfig(opts ChunkerOptions) error {
	if len(c.staging) > 0 {
		return failedPrecondition("column %q: cannot reconfigure while staging buffer is non-empty", c.spec.Name)
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	c.opts = opts
	for len(c.ring) > opts.NumKeepAliveRefs {
		evicted := c.ring[0]
		evicted.mu.Lock()
		evicted.expireLocked()
		evicted.mu.Unlock()
		c.ring = c.ring[1:]
	}
	return nil
}

// GetKeepKeys returns the union of chunk keys held live by the
// keep-alive ring, including the pending staging chunk key if the
// staging buffer is non-empty.
func (c *Chunker) GetKeepKeys() map[uint64]struct{} {
	keys := make(map[uint64]struct{}, len(c.ring)+1)
	for _, ref := range c.ring {
		keys[ref.chunkKey] = struct{}{}
	}
	if len(c.staging) > 0 {
		keys[c.currentChunkKey] = struct{}{}
	}
	return keys
}

// History returns the keep-alive ring's CellRefs, oldest first.
func (c *Chunker) History() []*CellRef {
	out := make([]*CellRef, len(c.ring))
	copy(out, c.ring)
	return out
}

// HasStaged reports whether the chunker currently has an open,
// unfinalized staging buffer.
func (c *Chunker) HasStaged() bool {
	return len(c.staging) > 0
}
