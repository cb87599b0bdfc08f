package reverb

import "fmt"

// SequenceRange describes the episode and step range a Chunk's cells
// span.
type SequenceRange struct {
	EpisodeID uint64
	StartStep int64
	EndStep   int64
	// Sparse is true iff the steps in the chunk are not consecutive,
	// i.e. (EndStep - StartStep + 1) != cell count.
	Sparse bool
}

// Chunk is an immutable, finalized batch of consecutive cells for one
// column. Once built it is never mutated; it is shared by reference
// between the owning Chunker's keep-alive ring, in-flight RPC messages,
// and any Items referencing its cells.
type Chunk struct {
	Key         uint64
	ColumnIndex int
	Dtype       Dtype
	CellShape   Shape
	Range       SequenceRange
	cells       [][]byte
}

// newChunk finalizes a staged batch of cell payloads into a Chunk.
func newChunk(key uint64, columnIndex int, spec ColumnSpec, episodeID uint64, steps []int64, cells [][]byte) *Chunk {
	minStep, maxStep := steps[0], steps[0]
	for _, s := range steps {
		if s < minStep {
			minStep = s
		}
		if s > maxStep {
			maxStep = s
		}
	}
	sparse := (maxStep-minStep+1) != int64(len(cells))
	return &Chunk{
		Key:         key,
		ColumnIndex: columnIndex,
		Dtype:       spec.Dtype,
		CellShape:   spec.Shape,
		Range: SequenceRange{
			EpisodeID: episodeID,
			StartStep: minStep,
			EndStep:   maxStep,
			Sparse:    sparse,
		},
		cells: cells,
	}
}

// CellCount returns the number of cells batched into this chunk.
func (c *Chunk) CellCount() int {
	return len(c.cells)
}

// BatchedShape returns [cell_count, ...CellShape], the shape of the
// chunk's payload once all cells are stacked along a new leading axis.
func (c *Chunk) BatchedShape() Shape {
	return c.CellShape.Batched(c.CellCount())
}

// CellAt materializes the value stored at the given offset within the
// chunk.
func (c *Chunk) CellAt(offset int) (Value, error) {
	if offset < 0 || offset >= len(c.cells) {
		return Value{}, fmt.Errorf("reverb: chunk %d: offset %d out of range [0,%d)", c.Key, offset, len(c.cells))
	}
	return Value{Dtype: c.Dtype, Shape: c.CellShape, Data: c.cells[offset]}, nil
}
