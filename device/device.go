// Package device defines the compute-device contract all tensor kernels
// dispatch through, and provides the CPU reference implementation.
//
// The CPU device is the correctness oracle: every kernel is a plain scalar
// loop selected from a per-dtype function table. Accelerator devices
// implement the same interface and fall through to the CPU for data types
// they cannot execute.
package device

import (
	"sync"

	"github.com/loom-ml/loom/types/dtypes"
	"github.com/loom-ml/loom/types/shapes"
)

// Type identifies a device family.
type Type int

// Supported device families.
const (
	CPU Type = iota
	WebGPU
)

// String returns a human-readable device name.
func (t Type) String() string {
	switch t {
	case CPU:
		return "CPU"
	case WebGPU:
		return "WebGPU"
	default:
		return "Unknown"
	}
}

// Device is the capability set every backend provides. Buffers are raw
// byte slices obtained from the same device's Allocate; kernels interpret
// them according to the dtype argument. Operations on equal-size
// contiguous buffers assume the caller validated shapes and dtypes.
//
// Ordinary kernels may execute asynchronously; CommitAndWait flushes all
// pending work. On the CPU device every call completes synchronously and
// CommitAndWait is a no-op.
type Device interface {
	// Type returns the device family.
	Type() Type

	// Allocate returns a buffer for count elements of dt. The buffer may
	// be padded beyond count*dt.Size() for vector alignment.
	Allocate(count int, dt dtypes.DataType) ([]byte, error)

	// AllocateBytes returns a buffer of at least n bytes.
	AllocateBytes(n int) ([]byte, error)

	// Deallocate releases a buffer obtained from Allocate/AllocateBytes.
	// Accelerators may defer the release until in-flight work completes.
	Deallocate(buf []byte)

	// Elementwise binary kernels on equal-size buffers of dtype dt.
	Add(a, b, dst []byte, n int, dt dtypes.DataType)
	Sub(a, b, dst []byte, n int, dt dtypes.DataType)
	Mul(a, b, dst []byte, n int, dt dtypes.DataType)
	Div(a, b, dst []byte, n int, dt dtypes.DataType)
	Pow(a, b, dst []byte, n int, dt dtypes.DataType)

	// Scalar-broadcast kernels. The scalar is typed at the call site and
	// converted to dt inside the kernel.
	AddScalar(a []byte, scalar float64, dst []byte, n int, dt dtypes.DataType)
	SubScalar(a []byte, scalar float64, dst []byte, n int, dt dtypes.DataType)
	MulScalar(a []byte, scalar float64, dst []byte, n int, dt dtypes.DataType)
	DivScalar(a []byte, scalar float64, dst []byte, n int, dt dtypes.DataType)
	RSubScalar(scalar float64, a []byte, dst []byte, n int, dt dtypes.DataType)
	RDivScalar(scalar float64, a []byte, dst []byte, n int, dt dtypes.DataType)

	// Neg negates elementwise.
	Neg(a, dst []byte, n int, dt dtypes.DataType)

	// Fill writes the scalar, converted to dt, to every element.
	Fill(scalar float64, dst []byte, n int, dt dtypes.DataType)

	// Whole-buffer reductions into a single element.
	Sum(a []byte, n int, dst []byte, dt dtypes.DataType)
	Mean(a []byte, n int, dst []byte, dt dtypes.DataType)
	Max(a []byte, n int, dst []byte, dt dtypes.DataType)

	// Unary elementwise transcendentals.
	Sqrt(a, dst []byte, n int, dt dtypes.DataType)
	Sin(a, dst []byte, n int, dt dtypes.DataType)
	Cos(a, dst []byte, n int, dt dtypes.DataType)
	Tanh(a, dst []byte, n int, dt dtypes.DataType)
	Log(a, dst []byte, n int, dt dtypes.DataType)
	Exp(a, dst []byte, n int, dt dtypes.DataType)

	// Matmul multiplies a[m,k] by b[k,n] into dst[m,n]. Shapes are
	// validated by the caller.
	Matmul(a []byte, sa shapes.Shape, b []byte, sb shapes.Shape, dst []byte, dt dtypes.DataType)

	// Transpose remaps each source element through (strides, newStrides)
	// with dimensions dim0 and dim1 swapped.
	Transpose(dim0, dim1 int, src []byte, shape shapes.Shape, strides, newStrides shapes.Stride,
		n int, dst []byte, dt dtypes.DataType)

	// Copy copies n elements, converting between dtypes when they differ.
	Copy(src []byte, srcDT dtypes.DataType, dst []byte, dstDT dtypes.DataType, n int)

	// CopyImmediate is Copy followed by CommitAndWait.
	CopyImmediate(src []byte, srcDT dtypes.DataType, dst []byte, dstDT dtypes.DataType, n int)

	// BroadcastTo gathers src (shape srcShape) into dst (shape tgtShape,
	// n elements) following broadcast rules.
	BroadcastTo(src, dst []byte, n int, srcShape, tgtShape shapes.Shape, dt dtypes.DataType)

	// ReduceTo scatter-adds src (shape tgtShape, n elements) into dst
	// (shape srcShape). It is the summing inverse of BroadcastTo; dst must
	// be zero-initialized by the caller.
	ReduceTo(src, dst []byte, n int, srcShape, tgtShape shapes.Shape, dt dtypes.DataType)

	// MaxTo is ReduceTo with max in place of addition; dst must be
	// pre-filled with the lowest representable value.
	MaxTo(src, dst []byte, n int, srcShape, tgtShape shapes.Shape, dt dtypes.DataType)

	// CommitAndWait blocks until all pending work completes.
	CommitAndWait()
}

var (
	defaultOnce sync.Once
	defaultDev  *CPUDevice
)

// Default returns the process-wide CPU device, created on first use.
func Default() Device {
	defaultOnce.Do(func() {
		defaultDev = NewCPU()
	})
	return defaultDev
}
