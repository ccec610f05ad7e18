// Package optim provides the optimizers that consume parameter gradients
// produced by the autograd core: plain SGD and Adam. Both mutate
// parameter values in place, which leaves the parameters' graph nodes
// intact.
package optim

import (
	"math"

	"github.com/loom-ml/loom/autograd"
	"github.com/loom-ml/loom/tensor"
)

// Optimizer steps parameters and clears their gradients between steps.
type Optimizer interface {
	Step()
	ZeroGrad()
}

type base struct {
	params []autograd.Tensor
}

// ZeroGrad clears every parameter gradient.
func (b *base) ZeroGrad() {
	for _, p := range b.params {
		p.ZeroGrad()
	}
}

// SGD is plain stochastic gradient descent: w ← w − lr·∇w.
type SGD struct {
	base
	lr float64
}

// NewSGD creates an SGD optimizer over the parameters.
func NewSGD(params []autograd.Tensor, lr float64) *SGD {
	return &SGD{base: base{params: params}, lr: lr}
}

// Step applies one descent update to every parameter requiring gradients.
func (o *SGD) Step() {
	for _, p := range o.params {
		if !p.IsRequireGrad() {
			continue
		}
		p.Value().SubAssign(p.MustGrad().MulScalar(o.lr))
	}
}

// Adam maintains exponential moving averages of gradients and squared
// gradients with bias correction (Kingma & Ba, 2014).
type Adam struct {
	base
	lr       float64
	beta1    float64
	beta2    float64
	epsilon  float64
	timestep int
	m        []*tensor.Value
	v        []*tensor.Value
}

// NewAdam creates an Adam optimizer with the conventional defaults for
// the moment decays and epsilon.
func NewAdam(params []autograd.Tensor, lr float64) *Adam {
	o := &Adam{
		base:    base{params: params},
		lr:      lr,
		beta1:   0.9,
		beta2:   0.999,
		epsilon: 1e-8,
	}
	for _, p := range params {
		value := p.Value()
		o.m = append(o.m, tensor.Full(0, value.Shape(), value.Device(), value.DType()))
		o.v = append(o.v, tensor.Full(0, value.Shape(), value.Device(), value.DType()))
	}
	return o
}

// Step applies one Adam update:
//
//	m ← β₁·m + (1-β₁)·g
//	v ← β₂·v + (1-β₂)·g²
//	w ← w − lr·m̂/(√v̂ + ε)
func (o *Adam) Step() {
	o.timestep++
	c1 := 1 - math.Pow(o.beta1, float64(o.timestep))
	c2 := 1 - math.Pow(o.beta2, float64(o.timestep))
	for i, p := range o.params {
		if !p.IsRequireGrad() {
			continue
		}
		grad := p.MustGrad()

		o.m[i] = o.m[i].MulScalar(o.beta1).Add(grad.MulScalar(1 - o.beta1))
		o.v[i] = o.v[i].MulScalar(o.beta2).Add(grad.Mul(grad).MulScalar(1 - o.beta2))

		mHat := o.m[i].DivScalar(c1)
		vHat := o.v[i].DivScalar(c2)

		p.Value().SubAssign(mHat.MulScalar(o.lr).Div(vHat.Sqrt().AddScalar(o.epsilon)))
	}
}
