// Package shapes provides tensor shapes, strides, and the index arithmetic
// shared by every backend: canonical C-contiguous strides, NumPy-style
// broadcasting, and the linear-index translation used by broadcast and
// reduce kernels.
package shapes

import "fmt"

// Shape is an ordered list of nonnegative dimension sizes. An empty shape
// denotes a scalar.
type Shape []int

// Stride holds per-dimension element strides.
type Stride []int

// Index addresses one element of a tensor.
type Index []int

// NumElements returns the product of the dimensions. The product of an
// empty shape is 1.
func (s Shape) NumElements() int {
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Equal reports whether two shapes are identical.
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

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}

// Validate checks that every dimension is positive.
func (s Shape) Validate() error {
	for i, dim := range s {
		if dim <= 0 {
			return fmt.Errorf("invalid dimension at index %d: %d (must be > 0)", i, dim)
		}
	}
	return nil
}

// ComputeStrides returns the canonical C-contiguous strides for the shape:
// stride[i] is the product of all dimensions after i.
func (s Shape) ComputeStrides() Stride {
	strides := make(Stride, len(s))
	stride := 1
	for i := len(s) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= s[i]
	}
	return strides
}

// FlattenIndex maps a multi-index to a linear offset through strides.
func FlattenIndex(indices Index, strides Stride) int {
	offset := 0
	for i := range indices {
		offset += indices[i] * strides[i]
	}
	return offset
}

// UnflattenIndex maps a linear offset back to a multi-index through
// canonical strides.
func UnflattenIndex(index int, strides Stride) Index {
	indices := make(Index, len(strides))
	for i := range strides {
		indices[i] = index / strides[i]
		index %= strides[i]
	}
	return indices
}

// CheckBroadcast reports whether two shapes are compatible for
// broadcasting: compared right-aligned, each dimension pair must be equal
// or contain a 1. Missing dimensions count as 1.
func CheckBroadcast(a, b Shape) bool {
	for i, j := len(a)-1, len(b)-1; i >= 0 || j >= 0; i, j = i-1, j-1 {
		da, db := 1, 1
		if i >= 0 {
			da = a[i]
		}
		if j >= 0 {
			db = b[j]
		}
		if da != db && da != 1 && db != 1 {
			return false
		}
	}
	return true
}

// Broadcast returns the joined shape of a and b, or an error when they are
// incompatible. The result right-aligns to max(a[i], b[i]) under the 1-dim
// rule, so the join is symmetric.
func Broadcast(a, b Shape) (Shape, error) {
	n := max(len(a), len(b))
	result := make(Shape, n)
	for i := 0; i < n; i++ {
		da, db := 1, 1
		if ai := len(a) - 1 - i; ai >= 0 {
			da = a[ai]
		}
		if bi := len(b) - 1 - i; bi >= 0 {
			db = b[bi]
		}
		if da != db && da != 1 && db != 1 {
			return nil, fmt.Errorf("shapes %v and %v are not compatible for broadcasting", a, b)
		}
		result[n-1-i] = max(da, db)
	}
	return result, nil
}

// CheckBroadcastTo reports whether src can be broadcast to tgt: src may
// not have more dimensions, and right-aligned each source dimension must
// equal the target dimension or be 1.
func CheckBroadcastTo(src, tgt Shape) bool {
	if len(src) > len(tgt) {
		return false
	}
	for i, j := len(src)-1, len(tgt)-1; j >= 0; i, j = i-1, j-1 {
		ds := 1
		if i >= 0 {
			ds = src[i]
		}
		if ds != tgt[j] && ds != 1 {
			return false
		}
	}
	return true
}

// TranslationIndex maps a linear index of the broadcast shape tgt back to
// the linear index of the source shape src it was gathered from. It is the
// shared address computation of the broadcast-to gather and the reduce-to
// scatter.
func TranslationIndex(index int, src, tgt Shape) int {
	srcIndex := 0
	tgtStride := 1
	srcStride := 1
	for i, j := len(tgt)-1, len(src)-1; i >= 0; i-- {
		dimIndex := (index / tgtStride) % tgt[i]
		if j >= 0 {
			if src[j] == tgt[i] {
				srcIndex += dimIndex * srcStride
			}
			srcStride *= src[j]
			j--
		}
		tgtStride *= tgt[i]
	}
	return srcIndex
}
