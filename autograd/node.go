// Package autograd implements the dynamic expression graph for
// reverse-mode automatic differentiation. Every tensor-producing operation
// records a graph node holding the forward value, the operand references,
// and the operation's local backward rule; Backward walks the graph from a
// sink and pushes seed gradients to the leaves.
package autograd

import (
	"github.com/loom-ml/loom/tensor"
)

// Node is one vertex of the expression DAG. Nodes are shared: a tensor
// used twice in one expression is referenced by two children. Parents are
// set once at construction and never mutated, so cycles cannot occur.
//
// Grad always matches Value in shape, dtype, and device. It is zeroed at
// construction and accumulates contributions during backward passes.
type Node struct {
	Name  string
	Value *tensor.Value
	Grad  *tensor.Value

	requireGrad bool
	retainGrad  bool

	a, b       *Node
	dim0, dim1 int

	backward func(n *Node, seed *tensor.Value)
}

// newNode wraps a forward value in a graph node with a zeroed gradient of
// the same shape, dtype, and device.
func newNode(value *tensor.Value, requireGrad bool) *Node {
	grad := tensor.New(value.Shape(), value.Device(), value.DType())
	grad.Fill(0)
	return &Node{
		Value:       value,
		Grad:        grad,
		requireGrad: requireGrad,
		backward:    defaultBackward,
	}
}

// Backward accumulates the seed when the node retains its gradient, then
// applies the node's backward rule.
//
// The traversal is depth-first and does not deduplicate shared parents:
// a subexpression reachable over k paths is visited k times. The result
// is still correct because local rules are distributive and accumulation
// is additive, at the cost of redundant work on diamond-shaped graphs.
func (n *Node) Backward(seed *tensor.Value) {
	if n.retainGrad {
		n.Grad.AddAssign(seed)
	}
	n.backward(n, seed)
}

// defaultBackward is the leaf rule: accumulate the seed into the gradient
// when the node requires one. Retaining nodes already accumulated in
// Backward.
func defaultBackward(n *Node, seed *tensor.Value) {
	if n.requireGrad && !n.retainGrad {
		n.Grad.AddAssign(seed)
	}
}

func broadcastBackward(n *Node, seed *tensor.Value) {
	if n.a == nil {
		return
	}
	// Each original element contributed to several broadcast positions, so
	// the incoming gradient reduces by summation.
	n.a.Backward(seed.ReduceTo(n.a.Value.Shape()))
}

func toBackward(n *Node, seed *tensor.Value) {
	if n.a == nil {
		return
	}
	n.a.Backward(seed.To(n.a.Value.DType()))
}

func addBackward(n *Node, seed *tensor.Value) {
	if n.a == nil || n.b == nil {
		return
	}
	n.a.Backward(seed)
	n.b.Backward(seed)
}

func subBackward(n *Node, seed *tensor.Value) {
	if n.a == nil || n.b == nil {
		return
	}
	n.a.Backward(seed)
	n.b.Backward(seed.Neg())
}

func mulBackward(n *Node, seed *tensor.Value) {
	if n.a == nil || n.b == nil {
		return
	}
	n.a.Backward(n.b.Value.Mul(seed))
	n.b.Backward(n.a.Value.Mul(seed))
}

func divBackward(n *Node, seed *tensor.Value) {
	if n.a == nil || n.b == nil {
		return
	}
	// ∂(a/b)/∂a = 1/b, ∂(a/b)/∂b = -a/b².
	n.a.Backward(seed.Div(n.b.Value))
	n.b.Backward(n.a.Value.Neg().Mul(seed).Div(n.b.Value.Mul(n.b.Value)))
}

func negBackward(n *Node, seed *tensor.Value) {
	if n.a == nil {
		return
	}
	n.a.Backward(seed.Neg())
}

func sqrtBackward(n *Node, seed *tensor.Value) {
	if n.a == nil {
		return
	}
	// ∂√a/∂a = 0.5/√a.
	n.a.Backward(n.a.Value.Sqrt().RDivScalar(0.5).Mul(seed))
}

func sinBackward(n *Node, seed *tensor.Value) {
	if n.a == nil {
		return
	}
	n.a.Backward(n.a.Value.Cos().Mul(seed))
}

func cosBackward(n *Node, seed *tensor.Value) {
	if n.a == nil {
		return
	}
	n.a.Backward(n.a.Value.Sin().Neg().Mul(seed))
}

func tanhBackward(n *Node, seed *tensor.Value) {
	if n.a == nil {
		return
	}
	// ∂tanh(a)/∂a = 1 - tanh²(a).
	th := n.a.Value.Tanh()
	n.a.Backward(th.Mul(th).RSubScalar(1).Mul(seed))
}

func logBackward(n *Node, seed *tensor.Value) {
	if n.a == nil {
		return
	}
	n.a.Backward(seed.Div(n.a.Value))
}

func expBackward(n *Node, seed *tensor.Value) {
	if n.a == nil {
		return
	}
	n.a.Backward(seed.Mul(n.a.Value.Exp()))
}

func powBackward(n *Node, seed *tensor.Value) {
	if n.a == nil || n.b == nil {
		return
	}
	// ∂(a^b)/∂a = b·a^(b-1). The exponent branch receives no gradient.
	n.a.Backward(seed.Mul(n.b.Value).Mul(n.a.Value.Pow(n.b.Value.SubScalar(1))))
}

func matmulBackward(n *Node, seed *tensor.Value) {
	if n.a == nil || n.b == nil {
		return
	}
	// ∂E/∂A = seed·Bᵀ, ∂E/∂B = Aᵀ·seed.
	n.a.Backward(seed.Matmul(n.b.Value.Transpose(0, 1)))
	n.b.Backward(n.a.Value.Transpose(0, 1).Matmul(seed))
}

func transposeBackward(n *Node, seed *tensor.Value) {
	if n.a == nil {
		return
	}
	n.a.Backward(seed.Transpose(n.dim0, n.dim1))
}

func sumBackward(n *Node, seed *tensor.Value) {
	if n.a == nil {
		return
	}
	n.a.Backward(seed)
}

func meanBackward(n *Node, seed *tensor.Value) {
	if n.a == nil {
		return
	}
	n.a.Backward(seed.DivScalar(float64(n.a.Value.Size())))
}
