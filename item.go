package reverb

// Item is a named table destination, priority, and a list of
// TrajectoryColumns, identified by a client-minted key. An item cannot
// be emitted until every CellRef it references IsReady.
type Item struct {
	Key                      uint64
	Table                    string
	Priority                 float64
	Trajectory               []TrajectoryColumn
	SendConfirmationRequired bool
}

// validate checks the rules CreateItem enforces before enqueueing: the
// trajectory must be non-empty and every column must independently
// validate.
func (it Item) validate() error {
	if len(it.Trajectory) == 0 {
		return invalidArgument("trajectory must reference at least one column")
	}
	empty := true
	for _, col := range it.Trajectory {
		if len(col.Cells) > 0 {
			empty = false
		}
	}
	if empty {
		return invalidArgument("trajectory must reference at least one non-empty column")
	}
	for i, col := range it.Trajectory {
		if err := col.validate(i); err != nil {
			return err
		}
	}
	return nil
}

// ready reports whether every column in the item's trajectory is ready.
func (it Item) ready() bool {
	for _, col := range it.Trajectory {
		if !col.ready() {
			return false
		}
	}
	return true
}

// chunkKeys returns the union of chunk keys referenced by the item's
// trajectory.
func (it Item) chunkKeys() map[uint64]struct{} {
	keys := make(map[uint64]struct{})
	for _, col := range it.Trajectory {
		for k := range col.chunkKeys() {
			keys[k] = struct{}{}
		}
	}
	return keys
}

// requiredChunks returns the distinct finalized chunks (not necessarily
// sent yet) this item's cells currently resolve to. Cells that are still
// staged contribute nothing, so before ready() the result holds only the
// chunks sealed so far.
func (it Item) requiredChunks() map[uint64]*Chunk {
	out := make(map[uint64]*Chunk)
	for _, col := range it.Trajectory {
		for _, cell := range col.Cells {
			cell.mu.Lock()
			chunk := cell.chunkOrNilLocked()
			cell.mu.Unlock()
			if chunk != nil {
				out[chunk.Key] = chunk
			}
		}
	}
	return out
}
