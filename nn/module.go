// Package nn provides the small neural-network collaborator surface on
// top of the autograd core: a module tree with parameter enumeration,
// common layers and activations, loss functions, and parameter
// persistence.
package nn

import (
	"github.com/loom-ml/loom/autograd"
	"github.com/loom-ml/loom/device"
)

// Module is anything with a forward pass and learnable parameters.
type Module interface {
	Forward(x autograd.Tensor) autograd.Tensor
	Parameters() []autograd.Tensor
}

// ParamSet collects a module's parameter tensors. Embed it and register
// parameters and submodules at construction.
type ParamSet struct {
	params []autograd.Tensor
}

// Register adds a parameter tensor.
func (p *ParamSet) Register(t autograd.Tensor) {
	p.params = append(p.params, t)
}

// RegisterModule adopts every parameter of a submodule.
func (p *ParamSet) RegisterModule(m Module) {
	p.params = append(p.params, m.Parameters()...)
}

// Parameters returns the registered parameter tensors.
func (p *ParamSet) Parameters() []autograd.Tensor {
	return p.params
}

// LearnableElements counts the elements of all parameters that require
// gradients.
func (p *ParamSet) LearnableElements() int {
	total := 0
	for _, param := range p.params {
		if param.IsRequireGrad() {
			total += param.Value().Size()
		}
	}
	return total
}

// ToDevice migrates every parameter.
func (p *ParamSet) ToDevice(dev device.Device) {
	for _, param := range p.params {
		param.ToDevice(dev)
	}
}

// Sequential chains modules in order.
type Sequential struct {
	ParamSet
	modules []Module
}

// NewSequential builds a chain from the given modules.
func NewSequential(modules ...Module) *Sequential {
	s := &Sequential{}
	for _, m := range modules {
		s.Add(m)
	}
	return s
}

// Add appends a module and adopts its parameters.
func (s *Sequential) Add(m Module) {
	s.RegisterModule(m)
	s.modules = append(s.modules, m)
}

// Forward runs the chain.
func (s *Sequential) Forward(x autograd.Tensor) autograd.Tensor {
	for _, m := range s.modules {
		x = m.Forward(x)
	}
	return x
}
