package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-ml/loom/types/dtypes"
	"github.com/loom-ml/loom/types/shapes"
)

func alloc(t *testing.T, d Device, count int, dt dtypes.DataType) []byte {
	t.Helper()
	buf, err := d.Allocate(count, dt)
	require.NoError(t, err)
	return buf
}

func fillValues(buf []byte, dt dtypes.DataType, values []float64) {
	for i, v := range values {
		dtypes.WriteScalar(buf, i, dt, v)
	}
}

func readValues(buf []byte, dt dtypes.DataType, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = dtypes.ReadScalar(buf, i, dt)
	}
	return out
}

func TestAddAllDTypes(t *testing.T) {
	d := NewCPU()
	for _, dt := range []dtypes.DataType{
		dtypes.Float64, dtypes.Float32, dtypes.Float16, dtypes.BFloat16,
		dtypes.Int64, dtypes.Int32, dtypes.Int16, dtypes.Int8, dtypes.Uint8,
	} {
		a := alloc(t, d, 4, dt)
		b := alloc(t, d, 4, dt)
		dst := alloc(t, d, 4, dt)
		fillValues(a, dt, []float64{1, 2, 3, 4})
		fillValues(b, dt, []float64{10, 20, 30, 40})
		d.Add(a, b, dst, 4, dt)
		assert.Equal(t, []float64{11, 22, 33, 44}, readValues(dst, dt, 4), dt.String())
	}
}

func TestScalarKernels(t *testing.T) {
	d := NewCPU()
	dt := dtypes.Float32
	a := alloc(t, d, 3, dt)
	dst := alloc(t, d, 3, dt)
	fillValues(a, dt, []float64{2, 4, 8})

	d.MulScalar(a, 0.5, dst, 3, dt)
	assert.Equal(t, []float64{1, 2, 4}, readValues(dst, dt, 3))

	d.RSubScalar(10, a, dst, 3, dt)
	assert.Equal(t, []float64{8, 6, 2}, readValues(dst, dt, 3))

	d.RDivScalar(16, a, dst, 3, dt)
	assert.Equal(t, []float64{8, 4, 2}, readValues(dst, dt, 3))
}

func TestFillAndReductions(t *testing.T) {
	d := NewCPU()
	dt := dtypes.Float64
	a := alloc(t, d, 5, dt)
	d.Fill(3, a, 5, dt)
	assert.Equal(t, []float64{3, 3, 3, 3, 3}, readValues(a, dt, 5))

	out := alloc(t, d, 1, dt)
	d.Sum(a, 5, out, dt)
	assert.Equal(t, 15.0, dtypes.ReadScalar(out, 0, dt))
	d.Mean(a, 5, out, dt)
	assert.Equal(t, 3.0, dtypes.ReadScalar(out, 0, dt))

	fillValues(a, dt, []float64{-4, 7, 2, -9, 5})
	d.Max(a, 5, out, dt)
	assert.Equal(t, 7.0, dtypes.ReadScalar(out, 0, dt))
}

func TestConversionCopy(t *testing.T) {
	d := NewCPU()
	src := alloc(t, d, 3, dtypes.Float64)
	fillValues(src, dtypes.Float64, []float64{1.5, -2, 3})

	dst := alloc(t, d, 3, dtypes.Float32)
	d.Copy(src, dtypes.Float64, dst, dtypes.Float32, 3)
	assert.Equal(t, []float64{1.5, -2, 3}, readValues(dst, dtypes.Float32, 3))

	idst := alloc(t, d, 3, dtypes.Int32)
	d.Copy(src, dtypes.Float64, idst, dtypes.Int32, 3)
	assert.Equal(t, []float64{1, -2, 3}, readValues(idst, dtypes.Int32, 3))
}

func TestMatmul(t *testing.T) {
	d := NewCPU()
	dt := dtypes.Float32
	a := alloc(t, d, 6, dt)
	b := alloc(t, d, 6, dt)
	dst := alloc(t, d, 4, dt)
	// a = [[1,2,3],[4,5,6]], b = [[7,8],[9,10],[11,12]]
	fillValues(a, dt, []float64{1, 2, 3, 4, 5, 6})
	fillValues(b, dt, []float64{7, 8, 9, 10, 11, 12})
	d.Matmul(a, shapes.Shape{2, 3}, b, shapes.Shape{3, 2}, dst, dt)
	assert.Equal(t, []float64{58, 64, 139, 154}, readValues(dst, dt, 4))
}

func TestTranspose(t *testing.T) {
	d := NewCPU()
	dt := dtypes.Float32
	src := alloc(t, d, 6, dt)
	dst := alloc(t, d, 6, dt)
	fillValues(src, dt, []float64{1, 2, 3, 4, 5, 6})

	shape := shapes.Shape{2, 3}
	newShape := shapes.Shape{3, 2}
	d.Transpose(0, 1, src, shape, shape.ComputeStrides(), newShape.ComputeStrides(), 6, dst, dt)
	assert.Equal(t, []float64{1, 4, 2, 5, 3, 6}, readValues(dst, dt, 6))
}

func TestBroadcastAndReduce(t *testing.T) {
	d := NewCPU()
	dt := dtypes.Float32
	src := alloc(t, d, 3, dt)
	fillValues(src, dt, []float64{1, 2, 3})

	dst := alloc(t, d, 6, dt)
	d.BroadcastTo(src, dst, 6, shapes.Shape{1, 3}, shapes.Shape{2, 3}, dt)
	assert.Equal(t, []float64{1, 2, 3, 1, 2, 3}, readValues(dst, dt, 6))

	back := alloc(t, d, 3, dt)
	d.Fill(0, back, 3, dt)
	d.ReduceTo(dst, back, 6, shapes.Shape{1, 3}, shapes.Shape{2, 3}, dt)
	assert.Equal(t, []float64{2, 4, 6}, readValues(back, dt, 3))
}

func TestDefaultDevice(t *testing.T) {
	assert.Same(t, Default(), Default())
	assert.Equal(t, CPU, Default().Type())
}
