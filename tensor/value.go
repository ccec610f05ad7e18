// Package tensor implements the eager numerical array layer: typed,
// contiguous, device-resident buffers with shape and stride metadata,
// dtype promotion, broadcasting, and the full elementwise / reduction /
// matmul / transpose operation set.
package tensor

import (
	"runtime"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/loom-ml/loom"
	"github.com/loom-ml/loom/device"
	"github.com/loom-ml/loom/types/dtypes"
	"github.com/loom-ml/loom/types/shapes"
)

// Value is a multi-dimensional array on a specific device. It owns its
// buffer: the buffer lives exactly as long as the Value, and Clone
// reallocates and deep-copies. Every Value produced by this package is
// C-contiguous; non-contiguous layouts exist only as transient kernel
// inputs (transpose receives explicit strides).
type Value struct {
	dtype   dtypes.DataType
	data    []byte
	size    int
	shape   shapes.Shape
	strides shapes.Stride
	dev     device.Device
}

// New allocates an uninitialized Value of the given shape and dtype.
func New(shape shapes.Shape, dev device.Device, dt dtypes.DataType) *Value {
	size := shape.NumElements()
	data, err := dev.Allocate(size, dt)
	if err != nil {
		panic(errors.Wrapf(loom.ErrAllocationFailure, "tensor: allocating %d elements of %s: %v", size, dt, err))
	}
	v := &Value{
		dtype:   dt,
		data:    data,
		size:    size,
		shape:   shape.Clone(),
		strides: shape.ComputeStrides(),
		dev:     dev,
	}
	// Dropped values return their device buffer through Deallocate, which
	// accelerators defer until in-flight work completes.
	runtime.SetFinalizer(v, (*Value).Free)
	return v
}

// Full allocates a Value and fills it with the scalar converted to dt.
func Full(value float64, shape shapes.Shape, dev device.Device, dt dtypes.DataType) *Value {
	v := New(shape, dev, dt)
	dev.Fill(value, v.data, v.size, dt)
	return v
}

// Scalar allocates a rank-0 Value holding one element.
func Scalar(value float64, dev device.Device, dt dtypes.DataType) *Value {
	return Full(value, shapes.Shape{}, dev, dt)
}

// FromBytes allocates a Value of dtype dt and fills it by converting
// count elements of src, which are encoded as srcDT.
func FromBytes(src []byte, srcDT dtypes.DataType, shape shapes.Shape, dev device.Device, dt dtypes.DataType) *Value {
	v := New(shape, dev, dt)
	dev.CopyImmediate(src, srcDT, v.data, dt, v.size)
	return v
}

// FromFloat32 allocates a Value of dtype dt from float32 data. The data
// length must match the shape's element count.
func FromFloat32(data []float32, shape shapes.Shape, dev device.Device, dt dtypes.DataType) *Value {
	if len(data) != shape.NumElements() {
		panic(errors.Wrapf(loom.ErrShapeMismatch,
			"tensor: shape %v requires %d elements, got %d", shape, shape.NumElements(), len(data)))
	}
	var src []byte
	if len(data) > 0 {
		src = unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(data))), len(data)*4)
	}
	return FromBytes(src, dtypes.Float32, shape, dev, dt)
}

// FromFloat64 allocates a Value of dtype dt from float64 data.
func FromFloat64(data []float64, shape shapes.Shape, dev device.Device, dt dtypes.DataType) *Value {
	if len(data) != shape.NumElements() {
		panic(errors.Wrapf(loom.ErrShapeMismatch,
			"tensor: shape %v requires %d elements, got %d", shape, shape.NumElements(), len(data)))
	}
	var src []byte
	if len(data) > 0 {
		src = unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(data))), len(data)*8)
	}
	return FromBytes(src, dtypes.Float64, shape, dev, dt)
}

// DType returns the element type.
func (v *Value) DType() dtypes.DataType { return v.dtype }

// Shape returns the tensor's shape.
func (v *Value) Shape() shapes.Shape { return v.shape }

// Strides returns the canonical strides.
func (v *Value) Strides() shapes.Stride { return v.strides }

// Size returns the element count.
func (v *Value) Size() int { return v.size }

// Device returns the owning device.
func (v *Value) Device() device.Device { return v.dev }

// Data returns the raw buffer without synchronizing pending device work.
// It is the kernel-facing accessor; use Bytes for host reads.
func (v *Value) Data() []byte { return v.data }

// Bytes flushes pending device work and returns the host bytes of the
// buffer, truncated to the exact payload length.
func (v *Value) Bytes() []byte {
	v.dev.CommitAndWait()
	return v.data[:v.size*v.dtype.Size()]
}

// Clone reallocates and deep-copies the Value on the same device.
func (v *Value) Clone() *Value {
	c := New(v.shape, v.dev, v.dtype)
	v.dev.CopyImmediate(v.data, v.dtype, c.data, v.dtype, v.size)
	return c
}

// Fill overwrites every element with the scalar converted to the dtype.
func (v *Value) Fill(value float64) {
	v.dev.Fill(value, v.data, v.size, v.dtype)
}

// Item returns the single element of a rank-0 tensor as a float64.
// It panics if the tensor has dimensions.
func (v *Value) Item() float64 {
	if len(v.shape) != 0 {
		panic(errors.Wrapf(loom.ErrShapeMismatch, "tensor: Item on non-scalar shape %v", v.shape))
	}
	v.dev.CommitAndWait()
	return dtypes.ReadScalar(v.data, 0, v.dtype)
}

// At returns the element at the multi-index as a float64.
func (v *Value) At(indices ...int) float64 {
	if len(indices) != len(v.shape) {
		panic(errors.Wrapf(loom.ErrShapeMismatch,
			"tensor: expected %d indices, got %d", len(v.shape), len(indices)))
	}
	v.dev.CommitAndWait()
	return dtypes.ReadScalar(v.data, shapes.FlattenIndex(indices, v.strides), v.dtype)
}

// SetAt stores the scalar, converted to the dtype, at the multi-index.
func (v *Value) SetAt(value float64, indices ...int) {
	if len(indices) != len(v.shape) {
		panic(errors.Wrapf(loom.ErrShapeMismatch,
			"tensor: expected %d indices, got %d", len(v.shape), len(indices)))
	}
	v.dev.CommitAndWait()
	dtypes.WriteScalar(v.data, shapes.FlattenIndex(indices, v.strides), v.dtype, value)
}

// Reshape returns a new Value with the same elements and a new shape.
// The element counts must match.
func (v *Value) Reshape(newShape shapes.Shape) *Value {
	if newShape.NumElements() != v.size {
		panic(errors.Wrapf(loom.ErrShapeMismatch,
			"tensor: reshape element count mismatch (%d vs %d)", v.size, newShape.NumElements()))
	}
	return FromBytes(v.data, v.dtype, newShape, v.dev, v.dtype)
}

// To returns the Value converted to a new dtype, or the receiver when the
// dtype already matches.
func (v *Value) To(dt dtypes.DataType) *Value {
	if v.dtype == dt {
		return v
	}
	return FromBytes(v.data, v.dtype, v.shape, v.dev, dt)
}

// BroadcastTo materializes a contiguous Value of the broadcast shape.
// Each target dimension must equal the source dimension or the source
// dimension must be 1, compared right-aligned.
func (v *Value) BroadcastTo(newShape shapes.Shape) *Value {
	if !shapes.CheckBroadcastTo(v.shape, newShape) {
		panic(errors.Wrapf(loom.ErrShapeMismatch,
			"tensor: shape %v is not broadcastable to %v", v.shape, newShape))
	}
	resultShape, err := shapes.Broadcast(v.shape, newShape)
	if err != nil {
		panic(errors.Wrap(loom.ErrShapeMismatch, err.Error()))
	}
	result := New(resultShape, v.dev, v.dtype)
	v.dev.BroadcastTo(v.data, result.data, result.size, v.shape, resultShape, v.dtype)
	return result
}

// ReduceTo sums the elements of a broadcast-shaped Value back into the
// original shape. Each original element receives the sum of every
// broadcast position it was expanded to.
func (v *Value) ReduceTo(origShape shapes.Shape) *Value {
	result := Full(0, origShape, v.dev, v.dtype)
	v.dev.ReduceTo(v.data, result.data, v.size, origShape, v.shape, v.dtype)
	return result
}

// ToDevice moves the buffer to a new device, freeing the old allocation.
func (v *Value) ToDevice(dev device.Device) {
	if v.dev == dev {
		return
	}
	v.dev.CommitAndWait()
	newData, err := dev.Allocate(v.size, v.dtype)
	if err != nil {
		panic(errors.Wrapf(loom.ErrAllocationFailure, "tensor: migrating %d elements: %v", v.size, err))
	}
	dev.CopyImmediate(v.data, v.dtype, newData, v.dtype, v.size)
	v.dev.Deallocate(v.data)
	v.data = newData
	v.dev = dev
}

// Free releases the buffer eagerly. The Value must not be used afterward.
// Values that are simply dropped release through their finalizer instead.
func (v *Value) Free() {
	if v.data != nil {
		v.dev.Deallocate(v.data)
		v.data = nil
		v.size = 0
	}
	runtime.SetFinalizer(v, nil)
}
