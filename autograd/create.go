package autograd

import (
	"github.com/loom-ml/loom/device"
	"github.com/loom-ml/loom/tensor"
	"github.com/loom-ml/loom/types/dtypes"
	"github.com/loom-ml/loom/types/shapes"
)

// Scalar creates a rank-0 float32 leaf on the default device.
func Scalar(value float64, requireGrad bool) Tensor {
	return New(tensor.Scalar(value, device.Default(), dtypes.Float32), requireGrad)
}

// Full creates a leaf filled with a scalar.
func Full(value float64, shape shapes.Shape, requireGrad bool) Tensor {
	return FullOn(value, shape, requireGrad, dtypes.Float32, device.Default())
}

// FullOn creates a filled leaf with explicit dtype and device.
func FullOn(value float64, shape shapes.Shape, requireGrad bool, dt dtypes.DataType, dev device.Device) Tensor {
	return New(tensor.Full(value, shape, dev, dt), requireGrad)
}

// Zeros creates a zero-filled float32 leaf on the default device.
func Zeros(shape shapes.Shape, requireGrad bool) Tensor {
	return Full(0, shape, requireGrad)
}

// Ones creates a one-filled float32 leaf on the default device.
func Ones(shape shapes.Shape, requireGrad bool) Tensor {
	return Full(1, shape, requireGrad)
}

// ZerosLike creates a zero-filled leaf matching another tensor's shape,
// dtype, and device.
func ZerosLike(t Tensor, requireGrad bool) Tensor {
	return FullOn(0, t.Shape(), requireGrad, t.DType(), t.Device())
}

// OnesLike creates a one-filled leaf matching another tensor's shape,
// dtype, and device.
func OnesLike(t Tensor, requireGrad bool) Tensor {
	return FullOn(1, t.Shape(), requireGrad, t.DType(), t.Device())
}

// FromFloat32 creates a float32 leaf on the default device from a slice.
func FromFloat32(data []float32, shape shapes.Shape, requireGrad bool) Tensor {
	return FromFloat32On(data, shape, requireGrad, dtypes.Float32, device.Default())
}

// FromFloat32On creates a leaf with explicit dtype and device from
// float32 data.
func FromFloat32On(data []float32, shape shapes.Shape, requireGrad bool, dt dtypes.DataType, dev device.Device) Tensor {
	return New(tensor.FromFloat32(data, shape, dev, dt), requireGrad)
}

// FromFloat64 creates a float32 leaf on the default device from float64
// data (the default dtype stays float32, matching the scalar
// constructors).
func FromFloat64(data []float64, shape shapes.Shape, requireGrad bool) Tensor {
	return FromFloat64On(data, shape, requireGrad, dtypes.Float32, device.Default())
}

// FromFloat64On creates a leaf with explicit dtype and device from
// float64 data.
func FromFloat64On(data []float64, shape shapes.Shape, requireGrad bool, dt dtypes.DataType, dev device.Device) Tensor {
	return New(tensor.FromFloat64(data, shape, dev, dt), requireGrad)
}

// Randn creates a float32 leaf with elements drawn uniformly from
// [-1, 1) using the process RNG.
func Randn(shape shapes.Shape, requireGrad bool) Tensor {
	return RandnOn(shape, requireGrad, dtypes.Float32, device.Default())
}

// RandnOn creates a uniform [-1, 1) leaf with explicit dtype and device.
func RandnOn(shape shapes.Shape, requireGrad bool, dt dtypes.DataType, dev device.Device) Tensor {
	n := shape.NumElements()
	data := make([]float32, n)
	for i := range data {
		data[i] = uniform()
	}
	return FromFloat32On(data, shape, requireGrad, dt, dev)
}
