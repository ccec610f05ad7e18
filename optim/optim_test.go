package optim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-ml/loom/autograd"
	"github.com/loom-ml/loom/nn"
	"github.com/loom-ml/loom/types/shapes"
)

func TestSGDStep(t *testing.T) {
	p := autograd.Scalar(5, true)
	opt := NewSGD([]autograd.Tensor{p}, 0.1)

	opt.ZeroGrad()
	loss := p.Mul(p)
	loss.Backward()
	opt.Step()

	// w' = w - lr·2w = 5 - 0.1·10 = 4.
	assert.InDelta(t, 4.0, p.Item(), 1e-6)
}

func TestAdamFirstStepMovesByLR(t *testing.T) {
	p := autograd.Scalar(5, true)
	opt := NewAdam([]autograd.Tensor{p}, 0.05)

	opt.ZeroGrad()
	p.Mul(p).Backward()
	opt.Step()

	// With bias correction the first Adam step is ≈ lr·sign(grad).
	assert.InDelta(t, 5-0.05, p.Item(), 1e-4)
}

func TestSGDConvergesOnQuadratic(t *testing.T) {
	p := autograd.Scalar(3, true)
	opt := NewSGD([]autograd.Tensor{p}, 0.1)
	for i := 0; i < 100; i++ {
		opt.ZeroGrad()
		p.Mul(p).Backward()
		opt.Step()
	}
	assert.InDelta(t, 0.0, p.Item(), 1e-6)
}

// XOR end to end: 2-4-1 MLP with tanh hidden activation, MSE loss, and
// Adam. The loss must drop below 1e-3 within 1000 steps.
func TestXORLearning(t *testing.T) {
	autograd.ManualSeed(42)

	inputs := autograd.FromFloat32([]float32{
		0, 0,
		0, 1,
		1, 0,
		1, 1,
	}, shapes.Shape{4, 2}, false)
	targets := autograd.FromFloat32([]float32{0, 1, 1, 0}, shapes.Shape{4, 1}, false)

	model := nn.NewSequential(
		nn.NewLinear(2, 4),
		&nn.Tanh{},
		nn.NewLinear(4, 1),
	)
	opt := NewAdam(model.Parameters(), 0.05)
	mse := nn.MSELoss{}

	finalLoss := 1.0
	for step := 0; step < 1000; step++ {
		opt.ZeroGrad()
		loss := mse.Loss(model.Forward(inputs), targets)
		loss.Backward()
		opt.Step()
		finalLoss = loss.Item()
		if finalLoss <= 1e-5 {
			break
		}
	}
	require.Less(t, finalLoss, 1e-3, "XOR did not converge")

	pred := model.Forward(inputs)
	assert.InDelta(t, 0.0, pred.Value().At(0, 0), 0.1)
	assert.InDelta(t, 1.0, pred.Value().At(1, 0), 0.1)
	assert.InDelta(t, 1.0, pred.Value().At(2, 0), 0.1)
	assert.InDelta(t, 0.0, pred.Value().At(3, 0), 0.1)
}
