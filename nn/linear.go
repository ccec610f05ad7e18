package nn

import (
	"github.com/loom-ml/loom/autograd"
	"github.com/loom-ml/loom/types/shapes"
)

// Linear is a fully connected layer computing x·W + b. The weight has
// shape [in, out] and the bias [1, out]; both initialize uniformly in
// [-1, 1) and require gradients.
type Linear struct {
	ParamSet
	W autograd.Tensor
	B autograd.Tensor
}

// NewLinear creates a dense layer mapping in features to out features.
func NewLinear(in, out int) *Linear {
	l := &Linear{
		W: autograd.Randn(shapes.Shape{in, out}, true),
		B: autograd.Randn(shapes.Shape{1, out}, true),
	}
	l.Register(l.W)
	l.Register(l.B)
	return l
}

// Forward computes x·W + b; the bias row broadcasts over the batch.
func (l *Linear) Forward(x autograd.Tensor) autograd.Tensor {
	return x.Matmul(l.W).Add(l.B)
}
