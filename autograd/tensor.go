package autograd

import (
	"github.com/pkg/errors"

	"github.com/loom-ml/loom"
	"github.com/loom-ml/loom/device"
	"github.com/loom-ml/loom/tensor"
	"github.com/loom-ml/loom/types/dtypes"
	"github.com/loom-ml/loom/types/shapes"
)

// Tensor is a lightweight, copyable handle around a shared graph node.
// Aliasing copies refer to the same node; mutation through one handle is
// visible through all. A Tensor never owns forward or backward state
// directly.
type Tensor struct {
	node *Node
}

// New wraps an existing value in a leaf tensor.
func New(value *tensor.Value, requireGrad bool) Tensor {
	return Tensor{node: newNode(value, requireGrad)}
}

// Node exposes the underlying graph node.
func (t Tensor) Node() *Node { return t.node }

// Value returns the forward value.
func (t Tensor) Value() *tensor.Value { return t.node.Value }

// Shape returns the value's shape.
func (t Tensor) Shape() shapes.Shape { return t.node.Value.Shape() }

// DType returns the value's element type.
func (t Tensor) DType() dtypes.DataType { return t.node.Value.DType() }

// Device returns the value's device.
func (t Tensor) Device() device.Device { return t.node.Value.Device() }

// Item returns the scalar of a rank-0 tensor.
func (t Tensor) Item() float64 { return t.node.Value.Item() }

// String renders the forward value.
func (t Tensor) String() string { return t.node.Value.String() }

// Name returns the tensor's diagnostic name.
func (t Tensor) Name() string { return t.node.Name }

// SetName attaches a diagnostic name.
func (t Tensor) SetName(name string) Tensor {
	t.node.Name = name
	return t
}

// Grad returns the accumulated gradient. It fails on a non-leaf tensor
// that did not retain its gradient: such gradients are not populated
// during the backward pass. Use RetainGrad before backward, or read the
// leaf instead.
func (t Tensor) Grad() (*tensor.Value, error) {
	leaf := t.node.a == nil && t.node.b == nil
	if !t.node.retainGrad && !(leaf && t.node.requireGrad) {
		return nil, errors.Wrap(loom.ErrInvalidGradAccess,
			"autograd: gradients for non-leaf tensors are not populated; call RetainGrad on the non-leaf tensor or access the leaf instead")
	}
	return t.node.Grad, nil
}

// MustGrad is Grad for call sites that already guaranteed the flags.
func (t Tensor) MustGrad() *tensor.Value {
	g, err := t.Grad()
	if err != nil {
		panic(err)
	}
	return g
}

// ZeroGrad clears the accumulated gradient.
func (t Tensor) ZeroGrad() { t.node.Grad.Fill(0) }

// IsRequireGrad reports whether the tensor requires gradients. Leaves take
// the flag from their constructor; op results require gradients when any
// operand does.
func (t Tensor) IsRequireGrad() bool { return t.node.requireGrad }

// RetainGrad requests gradient accumulation on a non-leaf node. The
// gradient is cleared so subsequent backward passes start from zero.
func (t Tensor) RetainGrad() Tensor {
	t.node.retainGrad = true
	t.node.Grad.Fill(0)
	return t
}

// ToDevice migrates the tensor's value and gradient to a device.
func (t Tensor) ToDevice(dev device.Device) Tensor {
	t.node.Value.ToDevice(dev)
	t.node.Grad.ToDevice(dev)
	return t
}

// Backward seeds the graph with 1 and propagates gradients to the leaves.
// The seed tensor takes the shape of the sink's parent gradient, so a
// reduction sink distributes to every parent element.
func (t Tensor) Backward() { t.BackwardValue(1) }

// BackwardValue seeds the graph with the given scalar.
func (t Tensor) BackwardValue(value float64) {
	shape := t.node.Value.Shape()
	if t.node.a != nil {
		shape = t.node.a.Grad.Shape()
	}
	t.BackwardSeed(value, shape)
}

// BackwardSeed seeds the graph with a filled tensor of an explicit shape.
// The shape is not validated here. A seed that cannot broadcast against
// the values and gradients it meets panics with a shape mismatch at the
// first kernel that combines them; a broadcast-compatible seed of a
// different shape is not rejected and is broadcast instead.
func (t Tensor) BackwardSeed(value float64, shape shapes.Shape) {
	seed := tensor.Full(value, shape, t.node.Value.Device(), t.node.Value.DType())
	t.node.Backward(seed)
}

// newResult allocates the node for an op result and wires its parents.
func newResult(value *tensor.Value, requireGrad bool, a, b *Node,
	backward func(*Node, *tensor.Value)) Tensor {
	n := newNode(value, requireGrad)
	n.a = a
	n.b = b
	n.backward = backward
	return Tensor{node: n}
}

// broadcastShape joins the tensor's shape with another, or returns the
// shared shape unchanged.
func (t Tensor) broadcastShape(other shapes.Shape) shapes.Shape {
	if t.Shape().Equal(other) {
		return t.Shape()
	}
	bc, err := shapes.Broadcast(t.Shape(), other)
	if err != nil {
		panic(errors.Wrap(loom.ErrShapeMismatch, err.Error()))
	}
	return bc
}

// BroadcastTo lifts the tensor to a broadcast shape. The gradient reduces
// back to the original shape by summation.
func (t Tensor) BroadcastTo(newShape shapes.Shape) Tensor {
	if t.Shape().Equal(newShape) {
		return t
	}
	value := t.node.Value.BroadcastTo(newShape)
	return newResult(value, t.node.requireGrad, t.node, nil, broadcastBackward)
}

// To converts the tensor to a new dtype. The gradient converts back to the
// parent's dtype on the way down.
func (t Tensor) To(dt dtypes.DataType) Tensor {
	if t.DType() == dt {
		return t
	}
	value := t.node.Value.To(dt)
	return newResult(value, t.node.requireGrad, t.node, nil, toBackward)
}

// Reshape returns a tensor with the same elements in a new shape. The new
// tensor is a fresh leaf sharing no state with the receiver.
func (t Tensor) Reshape(newShape shapes.Shape) Tensor {
	return New(t.node.Value.Reshape(newShape), t.node.requireGrad)
}

// binaryOp promotes and broadcasts both operands, computes the forward
// value, and records the backward rule.
func (t Tensor) binaryOp(other Tensor,
	forward func(a, b *tensor.Value) *tensor.Value,
	backward func(*Node, *tensor.Value)) Tensor {
	promoted := dtypes.Promote(t.DType(), other.DType())
	bcShape := t.broadcastShape(other.Shape())
	lhs := t.BroadcastTo(bcShape).To(promoted)
	rhs := other.BroadcastTo(bcShape).To(promoted)

	value := forward(lhs.node.Value, rhs.node.Value)
	req := t.node.requireGrad || other.node.requireGrad
	return newResult(value, req, lhs.node, rhs.node, backward)
}

// Add returns t + other with broadcasting and dtype promotion.
func (t Tensor) Add(other Tensor) Tensor {
	return t.binaryOp(other, (*tensor.Value).Add, addBackward)
}

// Sub returns t - other.
func (t Tensor) Sub(other Tensor) Tensor {
	return t.binaryOp(other, (*tensor.Value).Sub, subBackward)
}

// Mul returns the elementwise product.
func (t Tensor) Mul(other Tensor) Tensor {
	return t.binaryOp(other, (*tensor.Value).Mul, mulBackward)
}

// Div returns the elementwise quotient.
func (t Tensor) Div(other Tensor) Tensor {
	return t.binaryOp(other, (*tensor.Value).Div, divBackward)
}

// Pow raises t elementwise to the exponent tensor. Gradients flow to the
// base only.
func (t Tensor) Pow(exp Tensor) Tensor {
	return t.binaryOp(exp, (*tensor.Value).Pow, powBackward)
}

// scalarOperand builds a constant tensor shaped like t from a scalar.
func (t Tensor) scalarOperand(s float64) Tensor {
	return New(tensor.Full(s, t.Shape(), t.Device(), t.DType()), false)
}

// AddScalar returns t + s.
func (t Tensor) AddScalar(s float64) Tensor { return t.Add(t.scalarOperand(s)) }

// SubScalar returns t - s.
func (t Tensor) SubScalar(s float64) Tensor { return t.Sub(t.scalarOperand(s)) }

// MulScalar returns t * s.
func (t Tensor) MulScalar(s float64) Tensor { return t.Mul(t.scalarOperand(s)) }

// DivScalar returns t / s.
func (t Tensor) DivScalar(s float64) Tensor { return t.Div(t.scalarOperand(s)) }

// RSubScalar returns s - t.
func (t Tensor) RSubScalar(s float64) Tensor { return t.scalarOperand(s).Sub(t) }

// RDivScalar returns s / t.
func (t Tensor) RDivScalar(s float64) Tensor { return t.scalarOperand(s).Div(t) }

func (t Tensor) unaryOp(forward func(*tensor.Value) *tensor.Value,
	backward func(*Node, *tensor.Value)) Tensor {
	return newResult(forward(t.node.Value), t.node.requireGrad, t.node, nil, backward)
}

// Neg returns -t.
func (t Tensor) Neg() Tensor { return t.unaryOp((*tensor.Value).Neg, negBackward) }

// Sqrt returns the elementwise square root.
func (t Tensor) Sqrt() Tensor { return t.unaryOp((*tensor.Value).Sqrt, sqrtBackward) }

// Sin returns the elementwise sine.
func (t Tensor) Sin() Tensor { return t.unaryOp((*tensor.Value).Sin, sinBackward) }

// Cos returns the elementwise cosine.
func (t Tensor) Cos() Tensor { return t.unaryOp((*tensor.Value).Cos, cosBackward) }

// Tanh returns the elementwise hyperbolic tangent.
func (t Tensor) Tanh() Tensor { return t.unaryOp((*tensor.Value).Tanh, tanhBackward) }

// Log returns the elementwise natural logarithm.
func (t Tensor) Log() Tensor { return t.unaryOp((*tensor.Value).Log, logBackward) }

// Exp returns the elementwise exponential.
func (t Tensor) Exp() Tensor { return t.unaryOp((*tensor.Value).Exp, expBackward) }

// Sum reduces the tensor to a rank-0 scalar. The backward rule passes the
// seed to every element unchanged.
func (t Tensor) Sum() Tensor {
	return newResult(t.node.Value.Sum(), t.node.requireGrad, t.node, nil, sumBackward)
}

// Mean reduces the tensor to its rank-0 average. The backward rule
// distributes seed/|t| to every element.
func (t Tensor) Mean() Tensor {
	return newResult(t.node.Value.Mean(), t.node.requireGrad, t.node, nil, meanBackward)
}

// SumDim sums along one dimension, keeping it with size 1 when keepDim is
// set. The gradient broadcasts the seed back across the reduced axis.
func (t Tensor) SumDim(dim int, keepDim bool) Tensor {
	value := t.node.Value.SumDim(dim, keepDim)
	origShape := t.Shape().Clone()
	keepShape := origShape.Clone()
	keepShape[dim] = 1
	backward := func(n *Node, seed *tensor.Value) {
		if n.a == nil {
			return
		}
		if !keepDim && seed.Size() == keepShape.NumElements() {
			seed = seed.Reshape(keepShape)
		}
		n.a.Backward(seed.BroadcastTo(origShape))
	}
	return newResult(value, t.node.requireGrad, t.node, nil, backward)
}

// Matmul multiplies two 2-D tensors, promoting mixed dtypes.
func (t Tensor) Matmul(other Tensor) Tensor {
	promoted := dtypes.Promote(t.DType(), other.DType())
	lhs := t.To(promoted)
	rhs := other.To(promoted)
	value := lhs.node.Value.Matmul(rhs.node.Value)
	req := t.node.requireGrad || other.node.requireGrad
	return newResult(value, req, lhs.node, rhs.node, matmulBackward)
}

// Transpose swaps two axes. The gradient transposes back through the same
// pair.
func (t Tensor) Transpose(dim0, dim1 int) Tensor {
	value := t.node.Value.Transpose(dim0, dim1)
	result := newResult(value, t.node.requireGrad, t.node, nil, transposeBackward)
	result.node.dim0 = dim0
	result.node.dim1 = dim1
	return result
}
