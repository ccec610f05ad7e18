package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-ml/loom"
	"github.com/loom-ml/loom/device"
	"github.com/loom-ml/loom/types/dtypes"
	"github.com/loom-ml/loom/types/shapes"
)

func f32(t *testing.T, data []float32, shape shapes.Shape) *Value {
	t.Helper()
	return FromFloat32(data, shape, device.Default(), dtypes.Float32)
}

func values(v *Value) []float64 {
	out := make([]float64, v.Size())
	for i := range out {
		out[i] = dtypes.ReadScalar(v.Bytes(), i, v.DType())
	}
	return out
}

func TestInvariants(t *testing.T) {
	v := New(shapes.Shape{3, 4, 2}, device.Default(), dtypes.Float32)
	assert.Equal(t, 24, v.Size())
	assert.Equal(t, v.Shape().NumElements(), v.Size())
	assert.Equal(t, v.Shape().ComputeStrides(), v.Strides())

	s := Scalar(7, device.Default(), dtypes.Float32)
	assert.Equal(t, 1, s.Size())
	assert.Equal(t, 7.0, s.Item())
}

func TestAtAndSetAt(t *testing.T) {
	v := f32(t, []float32{1, 2, 3, 4, 5, 6}, shapes.Shape{2, 3})
	assert.Equal(t, 6.0, v.At(1, 2))
	v.SetAt(9, 0, 1)
	assert.Equal(t, 9.0, v.At(0, 1))
}

func TestReshape(t *testing.T) {
	v := f32(t, []float32{1, 2, 3, 4}, shapes.Shape{2, 2})
	r := v.Reshape(shapes.Shape{4})
	assert.Equal(t, shapes.Shape{4}, r.Shape())
	assert.Equal(t, []float64{1, 2, 3, 4}, values(r))

	panicsWithShapeMismatch(t, func() { v.Reshape(shapes.Shape{3}) })
	panicsWithShapeMismatch(t, func() { v.Transpose(0, 5) })
	panicsWithShapeMismatch(t, func() { v.Matmul(f32(t, []float32{1, 2, 3}, shapes.Shape{1, 3})) })
}

// panicsWithShapeMismatch asserts fn panics with an error wrapping
// ErrShapeMismatch.
func panicsWithShapeMismatch(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected panic")
		err, ok := r.(error)
		require.True(t, ok, "panic value is not an error: %v", r)
		require.ErrorIs(t, err, loom.ErrShapeMismatch)
	}()
	fn()
}

func TestConversionRoundTrip(t *testing.T) {
	v := f32(t, []float32{1.5, -2.25, 3}, shapes.Shape{3})
	round := v.To(dtypes.Float64).To(dtypes.Float32)
	assert.Equal(t, values(v), values(round))

	same := v.To(dtypes.Float32)
	assert.Same(t, v, same)
}

func TestPromotionOnMixedAdd(t *testing.T) {
	a := f32(t, []float32{1, 2}, shapes.Shape{2})
	b := FromFloat64([]float64{0.5, 0.5}, shapes.Shape{2}, device.Default(), dtypes.Float64)
	sum := a.Add(b)
	assert.Equal(t, dtypes.Float64, sum.DType())
	assert.Equal(t, []float64{1.5, 2.5}, values(sum))
}

func TestBroadcastBinaryOp(t *testing.T) {
	row := f32(t, []float32{1, 2, 3}, shapes.Shape{1, 3})
	mat := f32(t, []float32{10, 20, 30, 40, 50, 60}, shapes.Shape{2, 3})
	sum := row.Add(mat)
	assert.Equal(t, shapes.Shape{2, 3}, sum.Shape())
	assert.Equal(t, []float64{11, 22, 33, 41, 52, 63}, values(sum))
}

func TestInPlaceWidening(t *testing.T) {
	v := f32(t, []float32{1, 2, 3}, shapes.Shape{3})
	w := f32(t, []float32{1, 1, 1, 1, 1, 1}, shapes.Shape{2, 3})
	v.AddAssign(w)
	assert.Equal(t, shapes.Shape{2, 3}, v.Shape())
	assert.Equal(t, []float64{2, 3, 4, 2, 3, 4}, values(v))
	assert.Equal(t, dtypes.Float32, v.DType())
}

func TestBroadcastToReduceToOnes(t *testing.T) {
	ones := Full(1, shapes.Shape{1, 3}, device.Default(), dtypes.Float32)
	bc := ones.BroadcastTo(shapes.Shape{4, 3})
	assert.Equal(t, shapes.Shape{4, 3}, bc.Shape())

	back := bc.ReduceTo(shapes.Shape{1, 3})
	// Each original element was expanded 4 times, so the reduction
	// counts the broadcast multiplicity.
	assert.Equal(t, []float64{4, 4, 4}, values(back))
}

func TestTransposeInvolution(t *testing.T) {
	v := f32(t, []float32{1, 2, 3, 4, 5, 6}, shapes.Shape{3, 2})
	tr := v.Transpose(0, 1)
	assert.Equal(t, shapes.Shape{2, 3}, tr.Shape())
	assert.Equal(t, tr.Shape().ComputeStrides(), tr.Strides())

	back := tr.Transpose(0, 1)
	assert.Equal(t, values(v), values(back))
}

func TestTranspose3D(t *testing.T) {
	data := make([]float32, 24)
	for i := range data {
		data[i] = float32(i + 1)
	}
	v := f32(t, data, shapes.Shape{3, 4, 2})
	tr := v.Transpose(0, 2)
	assert.Equal(t, shapes.Shape{2, 4, 3}, tr.Shape())
	assert.Equal(t, v.At(1, 2, 0), tr.At(0, 2, 1))

	back := tr.Transpose(0, 2)
	assert.Equal(t, values(v), values(back))
}

func TestMatmul(t *testing.T) {
	a := f32(t, []float32{1, 2, 3, 4, 5, 6}, shapes.Shape{2, 3})
	b := f32(t, []float32{7, 8, 9, 10, 11, 12}, shapes.Shape{3, 2})
	c := a.Matmul(b)
	assert.Equal(t, shapes.Shape{2, 2}, c.Shape())
	assert.Equal(t, []float64{58, 64, 139, 154}, values(c))
}

func TestSumMeanMax(t *testing.T) {
	v := f32(t, []float32{1, 2, 3, 4}, shapes.Shape{2, 2})
	assert.Equal(t, 10.0, v.Sum().Item())
	assert.Equal(t, 2.5, v.Mean().Item())
	assert.Equal(t, 4.0, v.Max().Item())
}

func TestSumDim(t *testing.T) {
	data := make([]float32, 24)
	for i := range data {
		data[i] = float32(i + 1)
	}
	v := f32(t, data, shapes.Shape{3, 4, 2})

	s := v.SumDim(1, true)
	assert.Equal(t, shapes.Shape{3, 1, 2}, s.Shape())
	assert.Equal(t, 16.0, s.At(0, 0, 0)) // 1+3+5+7

	squeezed := v.SumDim(1, false)
	assert.Equal(t, shapes.Shape{3, 2}, squeezed.Shape())
	assert.Equal(t, 16.0, squeezed.At(0, 0))
}

func TestScalarOps(t *testing.T) {
	v := f32(t, []float32{2, 4}, shapes.Shape{2})
	assert.Equal(t, []float64{4, 8}, values(v.MulScalar(2)))
	assert.Equal(t, []float64{8, 6}, values(v.RSubScalar(10)))
	assert.Equal(t, []float64{4, 2}, values(v.RDivScalar(8)))
	assert.Equal(t, []float64{-2, -4}, values(v.Neg()))
}

func TestPrintFormats(t *testing.T) {
	s := Scalar(5, device.Default(), dtypes.Float32)
	assert.Equal(t, "5\n\n[ Float{} ]\n", s.String())

	v1 := f32(t, []float32{1, 2}, shapes.Shape{2})
	assert.Equal(t, "  1\n  2\n\n[ Float{2} ]\n", v1.String())

	v2 := f32(t, []float32{1, 2, 3, 4}, shapes.Shape{2, 2})
	assert.Equal(t, "  1  2\n  3  4\n\n[ Float{2,2} ]\n", v2.String())

	v3 := f32(t, []float32{1, 2, 3, 4}, shapes.Shape{2, 1, 2})
	expected := "(0,.,.) =\n  1  2\n\n(1,.,.) =\n  3  4\n\n[ Float{2,1,2} ]\n"
	assert.Equal(t, expected, v3.String())
}

func TestClone(t *testing.T) {
	v := f32(t, []float32{1, 2}, shapes.Shape{2})
	c := v.Clone()
	c.SetAt(9, 0)
	assert.Equal(t, 1.0, v.At(0))
	assert.Equal(t, 9.0, c.At(0))
}
