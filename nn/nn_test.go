package nn

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-ml/loom/autograd"
	"github.com/loom-ml/loom/types/shapes"
)

func TestLinearShapes(t *testing.T) {
	autograd.ManualSeed(1)
	l := NewLinear(3, 5)
	assert.Equal(t, shapes.Shape{3, 5}, l.W.Shape())
	assert.Equal(t, shapes.Shape{1, 5}, l.B.Shape())
	assert.Len(t, l.Parameters(), 2)
	assert.Equal(t, 20, l.LearnableElements())

	x := autograd.Ones(shapes.Shape{4, 3}, false)
	y := l.Forward(x)
	assert.Equal(t, shapes.Shape{4, 5}, y.Shape())
}

func TestSequentialChains(t *testing.T) {
	autograd.ManualSeed(1)
	m := NewSequential(NewLinear(2, 4), &Tanh{}, NewLinear(4, 1))
	assert.Len(t, m.Parameters(), 4)

	x := autograd.Ones(shapes.Shape{3, 2}, false)
	y := m.Forward(x)
	assert.Equal(t, shapes.Shape{3, 1}, y.Shape())
}

func TestSigmoidValues(t *testing.T) {
	x := autograd.FromFloat32([]float32{0}, shapes.Shape{1}, false)
	y := (&Sigmoid{}).Forward(x)
	assert.InDelta(t, 0.5, y.Value().At(0), 1e-6)

	x2 := autograd.FromFloat32([]float32{100}, shapes.Shape{1}, false)
	y2 := (&Sigmoid{}).Forward(x2)
	assert.InDelta(t, 1.0, y2.Value().At(0), 1e-6)
}

func TestSoftmaxSumsToOne(t *testing.T) {
	x := autograd.FromFloat32([]float32{1, 2, 3, 4}, shapes.Shape{4}, false)
	y := (&Softmax{}).Forward(x)
	assert.InDelta(t, 1.0, y.Sum().Item(), 1e-5)
}

func TestGELUValues(t *testing.T) {
	x := autograd.FromFloat32([]float32{0, 1, -1}, shapes.Shape{3}, false)
	y := (&GELU{}).Forward(x)
	assert.InDelta(t, 0.0, y.Value().At(0), 1e-6)
	assert.InDelta(t, 0.8412, y.Value().At(1), 1e-3)
	assert.InDelta(t, -0.1588, y.Value().At(2), 1e-3)
}

func TestMSELoss(t *testing.T) {
	pred := autograd.FromFloat32([]float32{1, 2}, shapes.Shape{2}, false)
	target := autograd.FromFloat32([]float32{3, 2}, shapes.Shape{2}, false)
	loss := MSELoss{}.Loss(pred, target)
	assert.InDelta(t, 2.0, loss.Item(), 1e-6)
}

func TestBCELoss(t *testing.T) {
	pred := autograd.FromFloat32([]float32{0.9, 0.1}, shapes.Shape{2}, false)
	target := autograd.FromFloat32([]float32{1, 0}, shapes.Shape{2}, false)
	loss := BCELoss{}.Loss(pred, target)
	assert.InDelta(t, 0.10536, loss.Item(), 1e-4)
}

func TestCheckpointRoundTrip(t *testing.T) {
	autograd.ManualSeed(3)
	m := NewSequential(NewLinear(2, 3), &Tanh{}, NewLinear(3, 1))
	path := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, Save(m, path))

	before := m.Forward(autograd.Ones(shapes.Shape{1, 2}, false)).Value().At(0, 0)

	// A model initialized from a different seed must match after Load.
	autograd.ManualSeed(99)
	m2 := NewSequential(NewLinear(2, 3), &Tanh{}, NewLinear(3, 1))
	require.NoError(t, Load(m2, path))
	after := m2.Forward(autograd.Ones(shapes.Shape{1, 2}, false)).Value().At(0, 0)
	assert.InDelta(t, before, after, 1e-6)
}

func TestLoadRefusesSizeMismatch(t *testing.T) {
	autograd.ManualSeed(3)
	m := NewSequential(NewLinear(2, 3))
	path := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, Save(m, path))

	other := NewSequential(NewLinear(4, 3))
	require.Error(t, Load(other, path))
}
