package tensor

import (
	"runtime"

	"github.com/pkg/errors"

	"github.com/loom-ml/loom"
	"github.com/loom-ml/loom/types/dtypes"
	"github.com/loom-ml/loom/types/shapes"
)

// prepareOperands equalizes two operands for a binary kernel: it promotes
// both to the joined dtype and broadcasts both to the joined shape. The
// returned operands are contiguous and equal in shape, size, and dtype.
func prepareOperands(lhs, rhs *Value) (l, r *Value) {
	if lhs.dtype != rhs.dtype {
		promoted := dtypes.Promote(lhs.dtype, rhs.dtype)
		lhs = lhs.To(promoted)
		rhs = rhs.To(promoted)
	}
	if !lhs.shape.Equal(rhs.shape) {
		bcShape, err := shapes.Broadcast(lhs.shape, rhs.shape)
		if err != nil {
			panic(errors.Wrap(loom.ErrShapeMismatch, err.Error()))
		}
		lhs = lhs.BroadcastTo(bcShape)
		rhs = rhs.BroadcastTo(bcShape)
	}
	return lhs, rhs
}

type binaryKernel func(a, b, dst []byte, n int, dt dtypes.DataType)

func (v *Value) binary(other *Value, kernel binaryKernel) *Value {
	if v.shape.Equal(other.shape) && v.dtype == other.dtype {
		result := New(v.shape, v.dev, v.dtype)
		kernel(v.data, other.data, result.data, v.size, v.dtype)
		return result
	}
	lhs, rhs := prepareOperands(v, other)
	result := New(lhs.shape, lhs.dev, lhs.dtype)
	kernel(lhs.data, rhs.data, result.data, lhs.size, result.dtype)
	return result
}

// binaryAssign runs the kernel in place on the receiver. When promotion or
// broadcasting widened the left side, the receiver is reassigned to the
// widened result converted back to its original dtype.
func (v *Value) binaryAssign(other *Value, kernel binaryKernel) *Value {
	if v.shape.Equal(other.shape) && v.dtype == other.dtype {
		kernel(v.data, other.data, v.data, v.size, v.dtype)
		return v
	}
	lhs, rhs := prepareOperands(v, other)
	kernel(lhs.data, rhs.data, lhs.data, lhs.size, lhs.dtype)
	widened := FromBytes(lhs.data, lhs.dtype, lhs.shape, lhs.dev, v.dtype)
	v.dev.Deallocate(v.data)
	*v = *widened
	// The receiver took ownership of the widened buffer; disarm the
	// donor so its finalizer cannot release it.
	widened.data = nil
	runtime.SetFinalizer(widened, nil)
	return v
}

// Add returns v + other with dtype promotion and broadcasting.
func (v *Value) Add(other *Value) *Value { return v.binary(other, v.dev.Add) }

// Sub returns v - other.
func (v *Value) Sub(other *Value) *Value { return v.binary(other, v.dev.Sub) }

// Mul returns the elementwise product.
func (v *Value) Mul(other *Value) *Value { return v.binary(other, v.dev.Mul) }

// Div returns the elementwise quotient.
func (v *Value) Div(other *Value) *Value { return v.binary(other, v.dev.Div) }

// Pow returns v raised elementwise to exp.
func (v *Value) Pow(exp *Value) *Value { return v.binary(exp, v.dev.Pow) }

// AddAssign adds other into v in place.
func (v *Value) AddAssign(other *Value) *Value { return v.binaryAssign(other, v.dev.Add) }

// SubAssign subtracts other from v in place.
func (v *Value) SubAssign(other *Value) *Value { return v.binaryAssign(other, v.dev.Sub) }

// MulAssign multiplies v by other in place.
func (v *Value) MulAssign(other *Value) *Value { return v.binaryAssign(other, v.dev.Mul) }

// DivAssign divides v by other in place.
func (v *Value) DivAssign(other *Value) *Value { return v.binaryAssign(other, v.dev.Div) }

// AddScalar returns v + s.
func (v *Value) AddScalar(s float64) *Value {
	result := New(v.shape, v.dev, v.dtype)
	v.dev.AddScalar(v.data, s, result.data, v.size, v.dtype)
	return result
}

// SubScalar returns v - s.
func (v *Value) SubScalar(s float64) *Value {
	result := New(v.shape, v.dev, v.dtype)
	v.dev.SubScalar(v.data, s, result.data, v.size, v.dtype)
	return result
}

// MulScalar returns v * s.
func (v *Value) MulScalar(s float64) *Value {
	result := New(v.shape, v.dev, v.dtype)
	v.dev.MulScalar(v.data, s, result.data, v.size, v.dtype)
	return result
}

// DivScalar returns v / s.
func (v *Value) DivScalar(s float64) *Value {
	result := New(v.shape, v.dev, v.dtype)
	v.dev.DivScalar(v.data, s, result.data, v.size, v.dtype)
	return result
}

// RSubScalar returns s - v.
func (v *Value) RSubScalar(s float64) *Value {
	result := New(v.shape, v.dev, v.dtype)
	v.dev.RSubScalar(s, v.data, result.data, v.size, v.dtype)
	return result
}

// RDivScalar returns s / v.
func (v *Value) RDivScalar(s float64) *Value {
	result := New(v.shape, v.dev, v.dtype)
	v.dev.RDivScalar(s, v.data, result.data, v.size, v.dtype)
	return result
}

// MulScalarAssign multiplies v by s in place.
func (v *Value) MulScalarAssign(s float64) *Value {
	v.dev.MulScalar(v.data, s, v.data, v.size, v.dtype)
	return v
}

// AddScalarAssign adds s to v in place.
func (v *Value) AddScalarAssign(s float64) *Value {
	v.dev.AddScalar(v.data, s, v.data, v.size, v.dtype)
	return v
}

// Neg returns -v.
func (v *Value) Neg() *Value {
	result := New(v.shape, v.dev, v.dtype)
	v.dev.Neg(v.data, result.data, v.size, v.dtype)
	return result
}

func (v *Value) unary(kernel func(a, dst []byte, n int, dt dtypes.DataType)) *Value {
	result := New(v.shape, v.dev, v.dtype)
	kernel(v.data, result.data, v.size, v.dtype)
	return result
}

// Sqrt returns the elementwise square root.
func (v *Value) Sqrt() *Value { return v.unary(v.dev.Sqrt) }

// Sin returns the elementwise sine.
func (v *Value) Sin() *Value { return v.unary(v.dev.Sin) }

// Cos returns the elementwise cosine.
func (v *Value) Cos() *Value { return v.unary(v.dev.Cos) }

// Tanh returns the elementwise hyperbolic tangent.
func (v *Value) Tanh() *Value { return v.unary(v.dev.Tanh) }

// Log returns the elementwise natural logarithm.
func (v *Value) Log() *Value { return v.unary(v.dev.Log) }

// Exp returns the elementwise exponential.
func (v *Value) Exp() *Value { return v.unary(v.dev.Exp) }

// Sum reduces the whole tensor to a rank-0 Value.
func (v *Value) Sum() *Value {
	result := New(shapes.Shape{}, v.dev, v.dtype)
	v.dev.Sum(v.data, v.size, result.data, v.dtype)
	return result
}

// Mean reduces the whole tensor to its rank-0 average.
func (v *Value) Mean() *Value {
	result := New(shapes.Shape{}, v.dev, v.dtype)
	v.dev.Mean(v.data, v.size, result.data, v.dtype)
	return result
}

// Max reduces the whole tensor to its rank-0 maximum.
func (v *Value) Max() *Value {
	result := New(shapes.Shape{}, v.dev, v.dtype)
	v.dev.Max(v.data, v.size, result.data, v.dtype)
	return result
}

// SumDim sums along one dimension. With keepDim the reduced dimension
// stays with size 1, otherwise it is dropped from the shape.
func (v *Value) SumDim(dim int, keepDim bool) *Value {
	if dim < 0 || dim >= len(v.shape) {
		panic(errors.Wrapf(loom.ErrShapeMismatch,
			"tensor: sum dimension %d out of range for shape %v", dim, v.shape))
	}
	target := v.shape.Clone()
	target[dim] = 1
	result := v.ReduceTo(target)
	if !keepDim {
		squeezed := append(target[:dim:dim], target[dim+1:]...)
		result = result.Reshape(squeezed)
	}
	return result
}

// Matmul multiplies two 2-D tensors. The inner dimensions must match;
// mixed dtypes promote both sides.
func (v *Value) Matmul(other *Value) *Value {
	if len(v.shape) != 2 || len(other.shape) != 2 {
		panic(errors.Wrapf(loom.ErrShapeMismatch,
			"tensor: matmul requires 2-D tensors, got %v and %v", v.shape, other.shape))
	}
	if v.shape[1] != other.shape[0] {
		panic(errors.Wrapf(loom.ErrShapeMismatch,
			"tensor: matmul inner dimensions do not match (%v vs %v)", v.shape, other.shape))
	}
	lhs, rhs := v, other
	dt := v.dtype
	if v.dtype != other.dtype {
		dt = dtypes.Promote(v.dtype, other.dtype)
		lhs = v.To(dt)
		rhs = other.To(dt)
	}
	result := New(shapes.Shape{lhs.shape[0], rhs.shape[1]}, lhs.dev, dt)
	lhs.dev.Matmul(lhs.data, lhs.shape, rhs.data, rhs.shape, result.data, dt)
	return result
}

// Transpose swaps two axes, producing a fresh contiguous tensor whose
// strides are canonical for the new shape.
func (v *Value) Transpose(dim0, dim1 int) *Value {
	if dim0 >= len(v.shape) || dim1 >= len(v.shape) || dim0 < 0 || dim1 < 0 {
		panic(errors.Wrapf(loom.ErrShapeMismatch,
			"tensor: transpose dimensions (%d, %d) out of range for shape %v", dim0, dim1, v.shape))
	}
	newShape := v.shape.Clone()
	newShape[dim0], newShape[dim1] = newShape[dim1], newShape[dim0]
	result := New(newShape, v.dev, v.dtype)
	v.dev.Transpose(dim0, dim1, v.data, v.shape, v.strides, result.strides, v.size, result.data, v.dtype)
	return result
}
