package autograd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-ml/loom"
	"github.com/loom-ml/loom/device"
	"github.com/loom-ml/loom/types/dtypes"
	"github.com/loom-ml/loom/types/shapes"
)

func gradValues(t *testing.T, tn Tensor) []float64 {
	t.Helper()
	g, err := tn.Grad()
	require.NoError(t, err)
	out := make([]float64, g.Size())
	for i := range out {
		out[i] = dtypes.ReadScalar(g.Bytes(), i, g.DType())
	}
	return out
}

// The reference expression from the expression-graph check:
// z = x(x+y)/t − tanh(y²), m = x·z + sin(u)·u.
func TestScalarExpressionGradients(t *testing.T) {
	x := Scalar(2, true)
	y := Scalar(3, true)
	tt := Scalar(4, true)
	u := Scalar(5, true)

	z := x.Mul(x.Add(y)).Div(tt).Sub(y.Mul(y).Tanh())
	m := x.Mul(z).Add(u.Sin().Mul(u))

	assert.InDelta(t, -1.79462, m.Item(), 1e-4)

	m.Backward()

	assert.InDelta(t, 5.0, gradValues(t, x)[0], 1e-4)
	assert.InDelta(t, 1.0, gradValues(t, y)[0], 1e-4)
	assert.InDelta(t, -1.25, gradValues(t, tt)[0], 1e-4)
	assert.InDelta(t, 0.459387, gradValues(t, u)[0], 1e-4)
}

func TestBroadcastGradient(t *testing.T) {
	x := FromFloat32([]float32{1, 2, 3}, shapes.Shape{1, 3}, true)
	y := FromFloat32([]float32{7, 8, 9, 10, 11, 12}, shapes.Shape{2, 3}, true)

	z := x.Mul(y)
	z.Backward()

	// x.grad sums the broadcast axis: [7+10, 8+11, 9+12].
	assert.Equal(t, []float64{17, 19, 21}, gradValues(t, x))
	assert.Equal(t, []float64{1, 2, 3, 1, 2, 3}, gradValues(t, y))
}

func TestTransposeRoundTripGradient(t *testing.T) {
	x := Ones(shapes.Shape{3, 2}, true)
	z := x.Transpose(0, 1)
	z.BackwardSeed(1, shapes.Shape{2, 3})

	assert.Equal(t, []float64{1, 1, 1, 1, 1, 1}, gradValues(t, x))
	assert.Equal(t, shapes.Shape{3, 2}, x.MustGrad().Shape())
}

func TestSumDimReduction(t *testing.T) {
	data := make([]float32, 24)
	for i := range data {
		data[i] = float32(i + 1)
	}
	x := FromFloat32(data, shapes.Shape{3, 4, 2}, true)

	s := x.SumDim(1, true)
	assert.Equal(t, shapes.Shape{3, 1, 2}, s.Shape())
	assert.Equal(t, 16.0, s.Value().At(0, 0, 0))

	s.BackwardSeed(1, s.Shape())
	for _, g := range gradValues(t, x) {
		assert.Equal(t, 1.0, g)
	}
}

func TestSumBackwardDistributesSeed(t *testing.T) {
	x := FromFloat32([]float32{1, 2, 3, 4}, shapes.Shape{2, 2}, true)
	x.Sum().Backward()
	assert.Equal(t, []float64{1, 1, 1, 1}, gradValues(t, x))
}

func TestMeanBackward(t *testing.T) {
	x := FromFloat32([]float32{1, 2, 3, 4}, shapes.Shape{4}, true)
	x.Mean().Backward()
	assert.Equal(t, []float64{0.25, 0.25, 0.25, 0.25}, gradValues(t, x))
}

func TestSharedParentAccumulates(t *testing.T) {
	x := Scalar(3, true)
	z := x.Mul(x) // dz/dx = 2x = 6
	z.Backward()
	assert.Equal(t, []float64{6}, gradValues(t, x))
}

func TestGradAccessOnNonLeaf(t *testing.T) {
	x := Scalar(2, true)
	z := x.Mul(x)
	_, err := z.Grad()
	require.ErrorIs(t, err, loom.ErrInvalidGradAccess)
}

func TestRetainGrad(t *testing.T) {
	x := Scalar(2, true)
	z := x.Mul(x)
	z.RetainGrad()
	m := z.MulScalar(3)
	m.Backward()

	g, err := z.Grad()
	require.NoError(t, err)
	assert.InDelta(t, 3.0, g.Item(), 1e-6)
	assert.InDelta(t, 12.0, x.MustGrad().Item(), 1e-6)
}

func TestZeroGradBetweenPasses(t *testing.T) {
	x := Scalar(3, true)
	z := x.Mul(x)
	z.Backward()
	assert.Equal(t, []float64{6}, gradValues(t, x))

	z2 := x.Mul(x)
	z2.Backward()
	// Without ZeroGrad, contributions accumulate.
	assert.Equal(t, []float64{12}, gradValues(t, x))

	x.ZeroGrad()
	assert.Equal(t, []float64{0}, gradValues(t, x))
}

func TestDTypeConversionBackward(t *testing.T) {
	x := FromFloat64On([]float64{2, 3}, shapes.Shape{2}, true, dtypes.Float64, device.Default())
	z := x.To(dtypes.Float32).Sum()
	z.Backward()
	g := x.MustGrad()
	assert.Equal(t, dtypes.Float64, g.DType())
	assert.Equal(t, []float64{1, 1}, gradValues(t, x))
}

// Central-difference gradient check on a composite scalar loss.
func TestNumericalGradient(t *testing.T) {
	const eps = 1e-5
	data := []float64{0.3, -0.7, 1.2}

	loss := func(p []float64) float64 {
		x := FromFloat64On(p, shapes.Shape{3}, false, dtypes.Float64, device.Default())
		return x.Tanh().Mul(x).Add(x.Exp()).Sum().Item()
	}

	x := FromFloat64On(data, shapes.Shape{3}, true, dtypes.Float64, device.Default())
	x.Tanh().Mul(x).Add(x.Exp()).Sum().Backward()
	analytic := gradValues(t, x)

	for i := range data {
		plus := append([]float64{}, data...)
		minus := append([]float64{}, data...)
		plus[i] += eps
		minus[i] -= eps
		numeric := (loss(plus) - loss(minus)) / (2 * eps)
		assert.InDelta(t, numeric, analytic[i], 1e-6, "element %d", i)
	}
}

func TestPowBackward(t *testing.T) {
	x := FromFloat64On([]float64{2, 3}, shapes.Shape{2}, true, dtypes.Float64, device.Default())
	e := FromFloat64On([]float64{3, 2}, shapes.Shape{2}, false, dtypes.Float64, device.Default())
	x.Pow(e).Sum().Backward()
	// d(x^b)/dx = b·x^(b-1): [3·4, 2·3].
	assert.Equal(t, []float64{12, 6}, gradValues(t, x))
}

func TestDivBackward(t *testing.T) {
	a := Scalar(6, true)
	b := Scalar(2, true)
	a.Div(b).Backward()
	assert.InDelta(t, 0.5, a.MustGrad().Item(), 1e-6)
	assert.InDelta(t, -1.5, b.MustGrad().Item(), 1e-6)
}

func TestManualSeedReproducible(t *testing.T) {
	ManualSeed(7)
	a := Randn(shapes.Shape{8}, false)
	ManualSeed(7)
	b := Randn(shapes.Shape{8}, false)
	for i := 0; i < 8; i++ {
		v := a.Value().At(i)
		assert.Equal(t, v, b.Value().At(i))
		assert.GreaterOrEqual(t, v, -1.0)
		assert.Less(t, v, 1.0)
	}
}
