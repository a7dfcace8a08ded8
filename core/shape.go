package core

import "fmt"

// Shape is the extent of a tensor along each dimension.
type Shape []int

// Strides holds the byte step between consecutive elements along each
// dimension. All layout math in this package works in bytes, not
// element counts.
type Strides []int

// NumElements returns how many elements a tensor of this shape holds.
// A zero-length shape is a scalar and counts as one element.
func (s Shape) NumElements() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// NDim returns the number of dimensions.
func (s Shape) NDim() int { return len(s) }

// Equal reports whether the two shapes have the same extents.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i, d := range s {
		if d != other[i] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (s Shape) Clone() Shape {
	return append(Shape(nil), s...)
}

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int(s))
}

// ContiguousStrides returns row-major byte strides for the shape:
// the last dimension steps by elemSize, each earlier dimension by the
// full extent of everything after it.
func ContiguousStrides(shape Shape, elemSize uintptr) Strides {
	if len(shape) == 0 {
		return Strides{}
	}
	strides := make(Strides, len(shape))
	step := int(elemSize)
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = step
		step *= shape[i]
	}
	return strides
}

// IsContiguous reports whether the strides describe a dense row-major
// layout for the shape.
func IsContiguous(shape Shape, strides Strides, elemSize uintptr) bool {
	if len(shape) != len(strides) {
		return false
	}
	want := ContiguousStrides(shape, elemSize)
	for i := range strides {
		if strides[i] != want[i] {
			return false
		}
	}
	return true
}

// BroadcastShapes resolves the common shape of two operands under
// NumPy rules: trailing dimensions must match or one of them must be 1.
func BroadcastShapes(a, b Shape) (Shape, error) {
	ndim := len(a)
	if len(b) > ndim {
		ndim = len(b)
	}

	out := make(Shape, ndim)
	for i := 1; i <= ndim; i++ {
		da, db := 1, 1
		if i <= len(a) {
			da = a[len(a)-i]
		}
		if i <= len(b) {
			db = b[len(b)-i]
		}

		switch {
		case da == db, db == 1:
			out[ndim-i] = da
		case da == 1:
			out[ndim-i] = db
		default:
			return nil, fmt.Errorf("shapes %v and %v are not broadcast-compatible", a, b)
		}
	}
	return out, nil
}

// Permute reorders shape and strides by axes, producing the layout of
// a transposed view over the same storage. Every axis must appear
// exactly once.
func Permute(shape Shape, strides Strides, axes []int) (Shape, Strides, error) {
	if len(axes) != len(shape) {
		return nil, nil, fmt.Errorf("axes length %d != ndim %d", len(axes), len(shape))
	}

	seen := make([]bool, len(axes))
	newShape := make(Shape, len(shape))
	newStrides := make(Strides, len(strides))
	for i, a := range axes {
		if a < 0 || a >= len(shape) {
			return nil, nil, fmt.Errorf("axis %d out of range for %d dimensions", a, len(shape))
		}
		if seen[a] {
			return nil, nil, fmt.Errorf("duplicate axis %d", a)
		}
		seen[a] = true
		newShape[i] = shape[a]
		newStrides[i] = strides[a]
	}
	return newShape, newStrides, nil
}
