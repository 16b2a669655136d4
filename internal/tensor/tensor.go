// Package tensor provides the small dense n-dimensional arrays carried
// inside graph constants. The rewrite passes only ever need flat element
// access, shapes, and dtype bookkeeping, never strided views or kernels.
package tensor

import "fmt"

// DType enumerates the element encodings a graph constant can hold.
type DType uint8

const (
	DTypeInvalid DType = iota
	DTypeF32
	DTypeI32
	DTypeI8
	DTypeU8
	DTypeQI8
	DTypeQU8
	DTypeQI32
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeI32:
		return "i32"
	case DTypeI8:
		return "i8"
	case DTypeU8:
		return "u8"
	case DTypeQI8:
		return "qi8"
	case DTypeQU8:
		return "qu8"
	case DTypeQI32:
		return "qi32"
	default:
		return fmt.Sprintf("dtype_%d", uint8(d))
	}
}

// Size returns the element size in bytes.
func (d DType) Size() int {
	switch d {
	case DTypeF32, DTypeI32, DTypeQI32:
		return 4
	case DTypeI8, DTypeU8, DTypeQI8, DTypeQU8:
		return 1
	default:
		return 0
	}
}

// Quantized reports whether the dtype is one of the 8/32-bit quantized
// encodings that carry an external scale range.
func (d DType) Quantized() bool {
	return d == DTypeQI8 || d == DTypeQU8 || d == DTypeQI32
}

// Dense is a dense row-major n-dimensional array. Exactly one of the data
// slices is populated, selected by DType. A scalar has an empty Shape.
type Dense struct {
	DType DType
	Shape []int

	F32 []float32
	I32 []int32
	I8  []int8
	U8  []uint8
}

// NumElems returns the element count implied by a shape.
func NumElems(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// NewF32 builds a float32 tensor, checking that data matches the shape.
func NewF32(shape []int, data []float32) (*Dense, error) {
	if len(data) != NumElems(shape) {
		return nil, fmt.Errorf("tensor: f32 data length %d does not match shape %v", len(data), shape)
	}
	return &Dense{DType: DTypeF32, Shape: shape, F32: data}, nil
}

// NewI32 builds an int32 tensor, checking that data matches the shape.
func NewI32(shape []int, data []int32) (*Dense, error) {
	if len(data) != NumElems(shape) {
		return nil, fmt.Errorf("tensor: i32 data length %d does not match shape %v", len(data), shape)
	}
	return &Dense{DType: DTypeI32, Shape: shape, I32: data}, nil
}

// ScalarF32 builds a rank-0 float32 tensor.
func ScalarF32(v float32) *Dense {
	return &Dense{DType: DTypeF32, F32: []float32{v}}
}

// Elems returns the number of elements actually stored.
func (t *Dense) Elems() int {
	switch t.DType {
	case DTypeF32:
		return len(t.F32)
	case DTypeI32, DTypeQI32:
		return len(t.I32)
	case DTypeI8, DTypeQI8:
		return len(t.I8)
	case DTypeU8, DTypeQU8:
		return len(t.U8)
	default:
		return 0
	}
}

// Clone deep-copies the tensor.
func (t *Dense) Clone() *Dense {
	if t == nil {
		return nil
	}
	out := &Dense{DType: t.DType}
	out.Shape = append([]int(nil), t.Shape...)
	out.F32 = append([]float32(nil), t.F32...)
	out.I32 = append([]int32(nil), t.I32...)
	out.I8 = append([]int8(nil), t.I8...)
	out.U8 = append([]uint8(nil), t.U8...)
	return out
}

// MinMax returns the smallest and largest float32 element. It errors on
// non-float tensors and on empty ones, where no range exists.
func (t *Dense) MinMax() (float32, float32, error) {
	if t.DType != DTypeF32 {
		return 0, 0, fmt.Errorf("tensor: min/max needs f32, have %s", t.DType)
	}
	if len(t.F32) == 0 {
		return 0, 0, fmt.Errorf("tensor: min/max of empty tensor")
	}
	lo, hi := t.F32[0], t.F32[0]
	for _, v := range t.F32[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi, nil
}
