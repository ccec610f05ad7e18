package device

import (
	"github.com/loom-ml/loom/types/dtypes"
	"github.com/loom-ml/loom/types/shapes"
)

// CPUDevice is the reference backend. Buffers are ordinary Go slices and
// every kernel runs synchronously in the calling goroutine.
type CPUDevice struct{}

// NewCPU creates a CPU device.
func NewCPU() *CPUDevice {
	return &CPUDevice{}
}

// Type returns CPU.
func (d *CPUDevice) Type() Type { return CPU }

// Allocate returns a zeroed buffer for count elements of dt.
func (d *CPUDevice) Allocate(count int, dt dtypes.DataType) ([]byte, error) {
	return d.AllocateBytes(count * dt.Size())
}

// AllocateBytes returns a zeroed buffer of n bytes.
func (d *CPUDevice) AllocateBytes(n int) ([]byte, error) {
	if n == 0 {
		n = 1
	}
	return make([]byte, n), nil
}

// Deallocate is a no-op; the garbage collector reclaims CPU buffers.
func (d *CPUDevice) Deallocate(buf []byte) {}

func (d *CPUDevice) Add(a, b, dst []byte, n int, dt dtypes.DataType) { addTable[dt](a, b, dst, n) }
func (d *CPUDevice) Sub(a, b, dst []byte, n int, dt dtypes.DataType) { subTable[dt](a, b, dst, n) }
func (d *CPUDevice) Mul(a, b, dst []byte, n int, dt dtypes.DataType) { mulTable[dt](a, b, dst, n) }
func (d *CPUDevice) Div(a, b, dst []byte, n int, dt dtypes.DataType) { divTable[dt](a, b, dst, n) }
func (d *CPUDevice) Pow(a, b, dst []byte, n int, dt dtypes.DataType) { powTable[dt](a, b, dst, n) }

func (d *CPUDevice) AddScalar(a []byte, scalar float64, dst []byte, n int, dt dtypes.DataType) {
	addScalarTable[dt](a, scalar, dst, n)
}

func (d *CPUDevice) SubScalar(a []byte, scalar float64, dst []byte, n int, dt dtypes.DataType) {
	subScalarTable[dt](a, scalar, dst, n)
}

func (d *CPUDevice) MulScalar(a []byte, scalar float64, dst []byte, n int, dt dtypes.DataType) {
	mulScalarTable[dt](a, scalar, dst, n)
}

func (d *CPUDevice) DivScalar(a []byte, scalar float64, dst []byte, n int, dt dtypes.DataType) {
	divScalarTable[dt](a, scalar, dst, n)
}

func (d *CPUDevice) RSubScalar(scalar float64, a []byte, dst []byte, n int, dt dtypes.DataType) {
	rsubScalarTable[dt](a, scalar, dst, n)
}

func (d *CPUDevice) RDivScalar(scalar float64, a []byte, dst []byte, n int, dt dtypes.DataType) {
	rdivScalarTable[dt](a, scalar, dst, n)
}

func (d *CPUDevice) Neg(a, dst []byte, n int, dt dtypes.DataType) { negTable[dt](a, dst, n) }

func (d *CPUDevice) Fill(scalar float64, dst []byte, n int, dt dtypes.DataType) {
	fillTable[dt](scalar, dst, n)
}

func (d *CPUDevice) Sum(a []byte, n int, dst []byte, dt dtypes.DataType)  { sumTable[dt](a, n, dst) }
func (d *CPUDevice) Mean(a []byte, n int, dst []byte, dt dtypes.DataType) { meanTable[dt](a, n, dst) }
func (d *CPUDevice) Max(a []byte, n int, dst []byte, dt dtypes.DataType)  { maxTable[dt](a, n, dst) }

func (d *CPUDevice) Sqrt(a, dst []byte, n int, dt dtypes.DataType) { sqrtTable[dt](a, dst, n) }
func (d *CPUDevice) Sin(a, dst []byte, n int, dt dtypes.DataType)  { sinTable[dt](a, dst, n) }
func (d *CPUDevice) Cos(a, dst []byte, n int, dt dtypes.DataType)  { cosTable[dt](a, dst, n) }
func (d *CPUDevice) Tanh(a, dst []byte, n int, dt dtypes.DataType) { tanhTable[dt](a, dst, n) }
func (d *CPUDevice) Log(a, dst []byte, n int, dt dtypes.DataType)  { logTable[dt](a, dst, n) }
func (d *CPUDevice) Exp(a, dst []byte, n int, dt dtypes.DataType)  { expTable[dt](a, dst, n) }

func (d *CPUDevice) Matmul(a []byte, sa shapes.Shape, b []byte, sb shapes.Shape, dst []byte, dt dtypes.DataType) {
	matmulTable[dt](a, sa, b, sb, dst)
}

// Transpose moves each source element to the offset obtained by swapping
// dim0 and dim1 in its multi-index and re-flattening through newStrides.
// The move is dtype-agnostic, so one byte-block copy serves every type.
func (d *CPUDevice) Transpose(dim0, dim1 int, src []byte, shape shapes.Shape,
	strides, newStrides shapes.Stride, n int, dst []byte, dt dtypes.DataType) {
	es := dt.Size()
	for i := 0; i < n; i++ {
		idx := shapes.UnflattenIndex(i, strides)
		idx[dim0], idx[dim1] = idx[dim1], idx[dim0]
		j := shapes.FlattenIndex(idx, newStrides)
		copy(dst[j*es:(j+1)*es], src[i*es:(i+1)*es])
	}
}

// Copy copies n elements, converting through a float64 lane when the
// dtypes differ.
func (d *CPUDevice) Copy(src []byte, srcDT dtypes.DataType, dst []byte, dstDT dtypes.DataType, n int) {
	if srcDT == dstDT {
		copy(dst, src[:n*srcDT.Size()])
		return
	}
	lane := make([]float64, n)
	decodeTable[srcDT](src, n, lane)
	encodeTable[dstDT](lane, dst, n)
}

// CopyImmediate is identical to Copy on the CPU; the CommitAndWait call
// only marks the synchronous contract.
func (d *CPUDevice) CopyImmediate(src []byte, srcDT dtypes.DataType, dst []byte, dstDT dtypes.DataType, n int) {
	d.Copy(src, srcDT, dst, dstDT, n)
	d.CommitAndWait()
}

// BroadcastTo gathers each destination element from the source offset its
// index translates to.
func (d *CPUDevice) BroadcastTo(src, dst []byte, n int, srcShape, tgtShape shapes.Shape, dt dtypes.DataType) {
	es := dt.Size()
	for i := 0; i < n; i++ {
		j := shapes.TranslationIndex(i, srcShape, tgtShape)
		copy(dst[i*es:(i+1)*es], src[j*es:(j+1)*es])
	}
}

func (d *CPUDevice) ReduceTo(src, dst []byte, n int, srcShape, tgtShape shapes.Shape, dt dtypes.DataType) {
	reduceToTable[dt](src, dst, n, srcShape, tgtShape)
}

func (d *CPUDevice) MaxTo(src, dst []byte, n int, srcShape, tgtShape shapes.Shape, dt dtypes.DataType) {
	maxToTable[dt](src, dst, n, srcShape, tgtShape)
}

// CommitAndWait is a no-op; CPU kernels complete before returning.
func (d *CPUDevice) CommitAndWait() {}
