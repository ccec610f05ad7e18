package webgpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-ml/loom/device"
	"github.com/loom-ml/loom/tensor"
	"github.com/loom-ml/loom/types/dtypes"
	"github.com/loom-ml/loom/types/shapes"
)

// newTestBackend skips when no adapter is present (CI machines, headless
// containers).
func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	if !IsAvailable() {
		t.Skip("webgpu: no adapter available")
	}
	b, err := New(Config{})
	require.NoError(t, err)
	t.Cleanup(b.Release)
	return b
}

func readAll(v *tensor.Value) []float64 {
	out := make([]float64, v.Size())
	data := v.Bytes()
	for i := range out {
		out[i] = dtypes.ReadScalar(data, i, v.DType())
	}
	return out
}

func TestAddMatchesCPU(t *testing.T) {
	b := newTestBackend(t)
	data1 := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	data2 := []float32{10, 20, 30, 40, 50, 60, 70, 80}

	g1 := tensor.FromFloat32(data1, shapes.Shape{8}, b, dtypes.Float32)
	g2 := tensor.FromFloat32(data2, shapes.Shape{8}, b, dtypes.Float32)
	gpuSum := g1.Add(g2)

	c1 := tensor.FromFloat32(data1, shapes.Shape{8}, device.Default(), dtypes.Float32)
	c2 := tensor.FromFloat32(data2, shapes.Shape{8}, device.Default(), dtypes.Float32)
	cpuSum := c1.Add(c2)

	assert.Equal(t, readAll(cpuSum), readAll(gpuSum))
}

// Float64 has no compiled pipelines; the op must synchronize and fall
// through to the CPU with bit-exact results.
func TestFloat64FallsThroughToCPU(t *testing.T) {
	b := newTestBackend(t)
	data1 := []float64{1.5, 2.25, -3.125, 4}
	data2 := []float64{0.5, 0.75, 3.125, -4}

	g1 := tensor.FromFloat64(data1, shapes.Shape{4}, b, dtypes.Float64)
	g2 := tensor.FromFloat64(data2, shapes.Shape{4}, b, dtypes.Float64)
	gpuSum := g1.Add(g2)

	c1 := tensor.FromFloat64(data1, shapes.Shape{4}, device.Default(), dtypes.Float64)
	c2 := tensor.FromFloat64(data2, shapes.Shape{4}, device.Default(), dtypes.Float64)
	cpuSum := c1.Add(c2)

	assert.Equal(t, readAll(cpuSum), readAll(gpuSum))
}

func TestMatmulMatchesCPU(t *testing.T) {
	b := newTestBackend(t)
	m, k, n := 5, 7, 3
	data1 := make([]float32, m*k)
	data2 := make([]float32, k*n)
	for i := range data1 {
		data1[i] = float32(i%11) - 5
	}
	for i := range data2 {
		data2[i] = float32(i%7) - 3
	}

	gp := tensor.FromFloat32(data1, shapes.Shape{m, k}, b, dtypes.Float32).
		Matmul(tensor.FromFloat32(data2, shapes.Shape{k, n}, b, dtypes.Float32))
	cp := tensor.FromFloat32(data1, shapes.Shape{m, k}, device.Default(), dtypes.Float32).
		Matmul(tensor.FromFloat32(data2, shapes.Shape{k, n}, device.Default(), dtypes.Float32))

	gpuOut := readAll(gp)
	cpuOut := readAll(cp)
	for i := range cpuOut {
		assert.InDelta(t, cpuOut[i], gpuOut[i], 1e-4, "element %d", i)
	}
}

func TestTiledMatmulVariant(t *testing.T) {
	b := newTestBackend(t)
	// M=64, K=32, N=32 selects the 32x64 tile variant.
	m, k, n := 64, 32, 32
	data1 := make([]float32, m*k)
	data2 := make([]float32, k*n)
	for i := range data1 {
		data1[i] = float32(i%13) * 0.25
	}
	for i := range data2 {
		data2[i] = float32(i%17) * 0.125
	}

	gp := tensor.FromFloat32(data1, shapes.Shape{m, k}, b, dtypes.Float32).
		Matmul(tensor.FromFloat32(data2, shapes.Shape{k, n}, b, dtypes.Float32))
	cp := tensor.FromFloat32(data1, shapes.Shape{m, k}, device.Default(), dtypes.Float32).
		Matmul(tensor.FromFloat32(data2, shapes.Shape{k, n}, device.Default(), dtypes.Float32))

	gpuOut := readAll(gp)
	cpuOut := readAll(cp)
	for i := range cpuOut {
		assert.InDelta(t, cpuOut[i], gpuOut[i], 1e-2, "element %d", i)
	}
}

func TestSumReduction(t *testing.T) {
	b := newTestBackend(t)
	n := 1000
	data := make([]float32, n)
	for i := range data {
		data[i] = 0.5
	}
	v := tensor.FromFloat32(data, shapes.Shape{n}, b, dtypes.Float32)
	assert.InDelta(t, 500.0, v.Sum().Item(), 1e-3)
	assert.InDelta(t, 0.5, v.Mean().Item(), 1e-5)
}

func TestTransposeOnGPU(t *testing.T) {
	b := newTestBackend(t)
	v := tensor.FromFloat32([]float32{1, 2, 3, 4, 5, 6}, shapes.Shape{2, 3}, b, dtypes.Float32)
	tr := v.Transpose(0, 1)
	assert.Equal(t, []float64{1, 4, 2, 5, 3, 6}, readAll(tr))
}

func TestBroadcastAndReduceOnGPU(t *testing.T) {
	b := newTestBackend(t)
	v := tensor.FromFloat32([]float32{1, 2, 3}, shapes.Shape{1, 3}, b, dtypes.Float32)
	bc := v.BroadcastTo(shapes.Shape{4, 3})
	assert.Equal(t, []float64{1, 2, 3, 1, 2, 3, 1, 2, 3, 1, 2, 3}, readAll(bc))

	back := bc.ReduceTo(shapes.Shape{1, 3})
	assert.Equal(t, []float64{4, 8, 12}, readAll(back))
}

func TestBatchingAcrossManyOps(t *testing.T) {
	b := newTestBackend(t)
	v := tensor.Full(1, shapes.Shape{64}, b, dtypes.Float32)
	// Push well past the batch limit to exercise intermediate commits.
	for i := 0; i < 300; i++ {
		v = v.AddScalar(1)
	}
	assert.Equal(t, 301.0, v.At(0))
}
