package nn

import (
	"math"

	"github.com/loom-ml/loom/autograd"
)

// Tanh applies the hyperbolic tangent elementwise.
type Tanh struct{ ParamSet }

// Forward applies tanh.
func (a *Tanh) Forward(x autograd.Tensor) autograd.Tensor {
	return x.Tanh()
}

// Sigmoid applies 1/(1+exp(-x)) elementwise.
type Sigmoid struct{ ParamSet }

// Forward applies the logistic function.
func (a *Sigmoid) Forward(x autograd.Tensor) autograd.Tensor {
	return x.Neg().Exp().AddScalar(1).RDivScalar(1)
}

// Softmax normalizes exponentials over the whole tensor.
type Softmax struct{ ParamSet }

// Forward computes exp(x)/sum(exp(x)).
func (a *Softmax) Forward(x autograd.Tensor) autograd.Tensor {
	ex := x.Exp()
	return ex.Div(ex.Sum())
}

// LogSoftmax computes the log of the softmax in one subtraction:
// x - log(sum(exp(x))).
type LogSoftmax struct{ ParamSet }

// Forward computes the log-softmax.
func (a *LogSoftmax) Forward(x autograd.Tensor) autograd.Tensor {
	return x.Sub(x.Exp().Sum().Log())
}

// GELU applies the tanh approximation of the Gaussian error linear unit.
type GELU struct{ ParamSet }

// Forward computes 0.5·x·(1 + tanh(√(2/π)·(x + 0.044715·x³))).
func (a *GELU) Forward(x autograd.Tensor) autograd.Tensor {
	inner := x.Add(x.Mul(x).Mul(x).MulScalar(0.044715)).
		MulScalar(math.Sqrt(2 / math.Pi)).Tanh().AddScalar(1)
	return x.MulScalar(0.5).Mul(inner)
}
