package reverb

// TrajectoryColumn is an ordered list of CellRefs forming one column of
// an Item. If Squeeze is set, the column is logically scalar along its
// cell axis and must contain exactly one cell.
type TrajectoryColumn struct {
	Cells   []*CellRef
	Squeeze bool
}

// validate checks the rules spec §3/§4.2 place on a single column: must
// be non-empty, squeeze columns must carry exactly one cell, and every
// cell must be live and agree on dtype/shape.
func (tc TrajectoryColumn) validate(index int) error {
	if len(tc.Cells) == 0 {
		return columnErrorf(index, "column is empty")
	}
	if tc.Squeeze && len(tc.Cells) != 1 {
		return columnErrorf(index, "squeeze column must contain exactly one cell, got %d", len(tc.Cells))
	}

	var first Value
	for i, cell := range tc.Cells {
		if cell.Expired() {
			return columnErrorf(index, "column contains expired CellRef")
		}
		v, err := cell.GetData()
		if err != nil {
			return columnErrorf(index, "%v", err)
		}
		if i == 0 {
			first = v
			continue
		}
		if first.Dtype != v.Dtype || !first.Shape.Equal(v.Shape) {
			return columnErrorf(index, "cells disagree on dtype/shape: %s%s vs %s%s",
				first.Dtype, first.Shape, v.Dtype, v.Shape)
		}
	}
	return nil
}

// ready reports whether every cell in the column has a finalized chunk.
func (tc TrajectoryColumn) ready() bool {
	for _, cell := range tc.Cells {
		if !cell.IsReady() {
			return false
		}
	}
	return true
}

// chunkKeys returns the set of chunk keys this column's cells reference.
func (tc TrajectoryColumn) chunkKeys() map[uint64]struct{} {
	keys := make(map[uint64]struct{}, len(tc.Cells))
	for _, cell := range tc.Cells {
		keys[cell.ChunkKey()] = struct{}{}
	}
	return keys
}
