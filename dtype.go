package reverb

import "fmt"

// Dtype identifies the element type of a tensor cell. Reverb treats
// tensor contents as opaque byte payloads; only the dtype and shape
// metadata are interpreted by the writer.
type Dtype int

const (
	// DtypeInvalid is the zero value and never appears on a valid Value.
	DtypeInvalid Dtype = iota
	DtypeFloat32
	DtypeFloat64
	DtypeInt32
	DtypeInt64
	DtypeUint8
	DtypeBool
)

// ByteWidth returns the size in bytes of a single scalar of this dtype.
func (d Dtype) ByteWidth() int {
	switch d {
	case DtypeFloat32, DtypeInt32:
		return 4
	case DtypeFloat64, DtypeInt64:
		return 8
	case DtypeUint8, DtypeBool:
		return 1
	default:
		return 0
	}
}

func (d Dtype) String() string {
	switch d {
	case DtypeFloat32:
		return "float32"
	case DtypeFloat64:
		return "float64"
	case DtypeInt32:
		return "int32"
	case DtypeInt64:
		return "int64"
	case DtypeUint8:
		return "uint8"
	case DtypeBool:
		return "bool"
	default:
		return "invalid"
	}
}

// Shape is the per-cell shape of a column, excluding the batch dimension
// chunks add when they are finalized.
type Shape []int64

// NumElements returns the product of the shape's dimensions.
func (s Shape) NumElements() int64 {
	n := int64(1)
	for _, d := range s {
		n *= d
	}
	return n
}

// Equal reports whether two shapes describe the same dimensions.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

// Batched returns the shape with a leading batch dimension of size n
// prepended, the shape a finalized Chunk's payload has.
func (s Shape) Batched(n int) Shape {
	out := make(Shape, 0, len(s)+1)
	out = append(out, int64(n))
	out = append(out, s...)
	return out
}

// Value is one appended cell: an opaque tensor payload tagged with the
// dtype and per-cell shape needed to interpret it.
type Value struct {
	Dtype Dtype
	Shape Shape
	Data  []byte
}

// byteSize returns the expected length of Data given Dtype and Shape.
func (v Value) byteSize() int {
	return int(v.Shape.NumElements()) * v.Dtype.ByteWidth()
}

// ColumnSpec describes the expected dtype and per-cell shape of a column.
// Name is advisory only, used in error messages and logging.
type ColumnSpec struct {
	Name  string
	Dtype Dtype
	Shape Shape
}

func (s ColumnSpec) matches(v Value) bool {
	return s.Dtype == v.Dtype && s.Shape.Equal(v.Shape)
}
