package device

import (
	"math"
	"unsafe"

	"golang.org/x/exp/constraints"

	"github.com/loom-ml/loom/types/dtypes"
	"github.com/loom-ml/loom/types/shapes"
	"github.com/x448/float16"
)

// Kernel function shapes. Tables indexed by dtype hold one entry per
// supported type, so dispatch is a single indexed call rather than a
// per-element type switch.
type (
	binaryFn       func(a, b, dst []byte, n int)
	binaryScalarFn func(a []byte, scalar float64, dst []byte, n int)
	unaryFn        func(a, dst []byte, n int)
	fillFn         func(scalar float64, dst []byte, n int)
	reduceFn       func(a []byte, n int, dst []byte)
	matmulFn       func(a []byte, sa shapes.Shape, b []byte, sb shapes.Shape, dst []byte)
	translateFn    func(src, dst []byte, n int, srcShape, tgtShape shapes.Shape)
)

// element covers the native Go types backing tensor buffers.
type element interface {
	constraints.Integer | constraints.Float
}

// view reinterprets a byte buffer as n elements of T.
func view[T element](b []byte, n int) []T {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(b))), n)
}

// view16 reinterprets a byte buffer as raw 16-bit float lanes.
func view16(b []byte, n int) []uint16 {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*uint16)(unsafe.Pointer(unsafe.SliceData(b))), n)
}

// codec16 decodes and encodes one 16-bit float format.
type codec16 struct {
	dec func(uint16) float32
	enc func(float32) uint16
}

var (
	f16Codec = codec16{
		dec: func(u uint16) float32 { return float16.Frombits(u).Float32() },
		enc: func(f float32) uint16 { return float16.Fromfloat32(f).Bits() },
	}
	bf16Codec = codec16{
		dec: dtypes.BF16ToFloat32,
		enc: dtypes.BF16FromFloat32,
	}
)

// Generic scalar operators instantiated per dtype in the tables below.

func opAdd[T element](x, y T) T { return x + y }
func opSub[T element](x, y T) T { return x - y }
func opMul[T element](x, y T) T { return x * y }
func opDiv[T element](x, y T) T { return x / y }
func opMax[T element](x, y T) T {
	if x > y {
		return x
	}
	return y
}

// binaryNative builds an elementwise kernel over a native element type.
func binaryNative[T element](op func(T, T) T) binaryFn {
	return func(a, b, dst []byte, n int) {
		ta, tb, td := view[T](a, n), view[T](b, n), view[T](dst, n)
		for i := 0; i < n; i++ {
			td[i] = op(ta[i], tb[i])
		}
	}
}

// binary16 builds an elementwise kernel over a 16-bit float format,
// computing in float32.
func binary16(c codec16, op func(float32, float32) float32) binaryFn {
	return func(a, b, dst []byte, n int) {
		ta, tb, td := view16(a, n), view16(b, n), view16(dst, n)
		for i := 0; i < n; i++ {
			td[i] = c.enc(op(c.dec(ta[i]), c.dec(tb[i])))
		}
	}
}

// makeBinaryTable instantiates one kernel per dtype from the generic
// operator pair (float path, integer path share the same generic op).
func makeBinaryTable(
	f64 func(float64, float64) float64,
	f32 func(float32, float32) float32,
	i64 func(int64, int64) int64,
	i32 func(int32, int32) int32,
	i16 func(int16, int16) int16,
	i8 func(int8, int8) int8,
	u8 func(uint8, uint8) uint8,
) [dtypes.Count]binaryFn {
	return [dtypes.Count]binaryFn{
		dtypes.Float64:  binaryNative(f64),
		dtypes.Float32:  binaryNative(f32),
		dtypes.Float16:  binary16(f16Codec, f32),
		dtypes.BFloat16: binary16(bf16Codec, f32),
		dtypes.Int64:    binaryNative(i64),
		dtypes.Int32:    binaryNative(i32),
		dtypes.Int16:    binaryNative(i16),
		dtypes.Int8:     binaryNative(i8),
		dtypes.Uint8:    binaryNative(u8),
	}
}

var (
	addTable = makeBinaryTable(opAdd[float64], opAdd[float32], opAdd[int64], opAdd[int32], opAdd[int16], opAdd[int8], opAdd[uint8])
	subTable = makeBinaryTable(opSub[float64], opSub[float32], opSub[int64], opSub[int32], opSub[int16], opSub[int8], opSub[uint8])
	mulTable = makeBinaryTable(opMul[float64], opMul[float32], opMul[int64], opMul[int32], opMul[int16], opMul[int8], opMul[uint8])
	divTable = makeBinaryTable(opDiv[float64], opDiv[float32], opDiv[int64], opDiv[int32], opDiv[int16], opDiv[int8], opDiv[uint8])

	powTable = [dtypes.Count]binaryFn{
		dtypes.Float64:  binaryNative(math.Pow),
		dtypes.Float32:  binaryNative(pow32),
		dtypes.Float16:  binary16(f16Codec, pow32),
		dtypes.BFloat16: binary16(bf16Codec, pow32),
		dtypes.Int64:    binaryNative(powInt[int64]),
		dtypes.Int32:    binaryNative(powInt[int32]),
		dtypes.Int16:    binaryNative(powInt[int16]),
		dtypes.Int8:     binaryNative(powInt[int8]),
		dtypes.Uint8:    binaryNative(powInt[uint8]),
	}
)

func pow32(x, y float32) float32 { return float32(math.Pow(float64(x), float64(y))) }

func powInt[T constraints.Integer](x, y T) T {
	return T(math.Pow(float64(x), float64(y)))
}

// scalarNative builds a scalar-broadcast kernel; the float64 scalar is
// converted to the element type once, outside the loop.
func scalarNative[T element](op func(T, T) T, rev bool) binaryScalarFn {
	return func(a []byte, scalar float64, dst []byte, n int) {
		s := T(scalar)
		ta, td := view[T](a, n), view[T](dst, n)
		if rev {
			for i := 0; i < n; i++ {
				td[i] = op(s, ta[i])
			}
			return
		}
		for i := 0; i < n; i++ {
			td[i] = op(ta[i], s)
		}
	}
}

func scalar16(c codec16, op func(float32, float32) float32, rev bool) binaryScalarFn {
	return func(a []byte, scalar float64, dst []byte, n int) {
		s := float32(scalar)
		ta, td := view16(a, n), view16(dst, n)
		if rev {
			for i := 0; i < n; i++ {
				td[i] = c.enc(op(s, c.dec(ta[i])))
			}
			return
		}
		for i := 0; i < n; i++ {
			td[i] = c.enc(op(c.dec(ta[i]), s))
		}
	}
}

func makeScalarTable(
	f64 func(float64, float64) float64,
	f32 func(float32, float32) float32,
	i64 func(int64, int64) int64,
	i32 func(int32, int32) int32,
	i16 func(int16, int16) int16,
	i8 func(int8, int8) int8,
	u8 func(uint8, uint8) uint8,
	rev bool,
) [dtypes.Count]binaryScalarFn {
	return [dtypes.Count]binaryScalarFn{
		dtypes.Float64:  scalarNative(f64, rev),
		dtypes.Float32:  scalarNative(f32, rev),
		dtypes.Float16:  scalar16(f16Codec, f32, rev),
		dtypes.BFloat16: scalar16(bf16Codec, f32, rev),
		dtypes.Int64:    scalarNative(i64, rev),
		dtypes.Int32:    scalarNative(i32, rev),
		dtypes.Int16:    scalarNative(i16, rev),
		dtypes.Int8:     scalarNative(i8, rev),
		dtypes.Uint8:    scalarNative(u8, rev),
	}
}

var (
	addScalarTable  = makeScalarTable(opAdd[float64], opAdd[float32], opAdd[int64], opAdd[int32], opAdd[int16], opAdd[int8], opAdd[uint8], false)
	subScalarTable  = makeScalarTable(opSub[float64], opSub[float32], opSub[int64], opSub[int32], opSub[int16], opSub[int8], opSub[uint8], false)
	mulScalarTable  = makeScalarTable(opMul[float64], opMul[float32], opMul[int64], opMul[int32], opMul[int16], opMul[int8], opMul[uint8], false)
	divScalarTable  = makeScalarTable(opDiv[float64], opDiv[float32], opDiv[int64], opDiv[int32], opDiv[int16], opDiv[int8], opDiv[uint8], false)
	rsubScalarTable = makeScalarTable(opSub[float64], opSub[float32], opSub[int64], opSub[int32], opSub[int16], opSub[int8], opSub[uint8], true)
	rdivScalarTable = makeScalarTable(opDiv[float64], opDiv[float32], opDiv[int64], opDiv[int32], opDiv[int16], opDiv[int8], opDiv[uint8], true)
)

// unaryNative builds an elementwise kernel computing through float64.
// Integer types truncate toward zero on the way back.
func unaryNative[T element](f func(float64) float64) unaryFn {
	return func(a, dst []byte, n int) {
		ta, td := view[T](a, n), view[T](dst, n)
		for i := 0; i < n; i++ {
			td[i] = T(f(float64(ta[i])))
		}
	}
}

func unary16(c codec16, f func(float64) float64) unaryFn {
	return func(a, dst []byte, n int) {
		ta, td := view16(a, n), view16(dst, n)
		for i := 0; i < n; i++ {
			td[i] = c.enc(float32(f(float64(c.dec(ta[i])))))
		}
	}
}

func makeUnaryTable(f func(float64) float64) [dtypes.Count]unaryFn {
	return [dtypes.Count]unaryFn{
		dtypes.Float64:  unaryNative[float64](f),
		dtypes.Float32:  unaryNative[float32](f),
		dtypes.Float16:  unary16(f16Codec, f),
		dtypes.BFloat16: unary16(bf16Codec, f),
		dtypes.Int64:    unaryNative[int64](f),
		dtypes.Int32:    unaryNative[int32](f),
		dtypes.Int16:    unaryNative[int16](f),
		dtypes.Int8:     unaryNative[int8](f),
		dtypes.Uint8:    unaryNative[uint8](f),
	}
}

var (
	negTable  = makeUnaryTable(func(x float64) float64 { return -x })
	sqrtTable = makeUnaryTable(math.Sqrt)
	sinTable  = makeUnaryTable(math.Sin)
	cosTable  = makeUnaryTable(math.Cos)
	tanhTable = makeUnaryTable(math.Tanh)
	logTable  = makeUnaryTable(math.Log)
	expTable  = makeUnaryTable(math.Exp)
)

// fillNative writes the converted scalar to every element.
func fillNative[T element]() fillFn {
	return func(scalar float64, dst []byte, n int) {
		s := T(scalar)
		td := view[T](dst, n)
		for i := 0; i < n; i++ {
			td[i] = s
		}
	}
}

func fill16(c codec16) fillFn {
	return func(scalar float64, dst []byte, n int) {
		s := c.enc(float32(scalar))
		td := view16(dst, n)
		for i := 0; i < n; i++ {
			td[i] = s
		}
	}
}

var fillTable = [dtypes.Count]fillFn{
	dtypes.Float64:  fillNative[float64](),
	dtypes.Float32:  fillNative[float32](),
	dtypes.Float16:  fill16(f16Codec),
	dtypes.BFloat16: fill16(bf16Codec),
	dtypes.Int64:    fillNative[int64](),
	dtypes.Int32:    fillNative[int32](),
	dtypes.Int16:    fillNative[int16](),
	dtypes.Int8:     fillNative[int8](),
	dtypes.Uint8:    fillNative[uint8](),
}

// Reductions accumulate in the element type, matching the accelerator
// kernels, except the 16-bit formats which accumulate in float32.

func sumNative[T element](mean bool) reduceFn {
	return func(a []byte, n int, dst []byte) {
		ta, td := view[T](a, n), view[T](dst, 1)
		var sum T
		for i := 0; i < n; i++ {
			sum += ta[i]
		}
		if mean {
			sum /= T(n)
		}
		td[0] = sum
	}
}

func sum16(c codec16, mean bool) reduceFn {
	return func(a []byte, n int, dst []byte) {
		ta, td := view16(a, n), view16(dst, 1)
		var sum float32
		for i := 0; i < n; i++ {
			sum += c.dec(ta[i])
		}
		if mean {
			sum /= float32(n)
		}
		td[0] = c.enc(sum)
	}
}

func makeSumTable(mean bool) [dtypes.Count]reduceFn {
	return [dtypes.Count]reduceFn{
		dtypes.Float64:  sumNative[float64](mean),
		dtypes.Float32:  sumNative[float32](mean),
		dtypes.Float16:  sum16(f16Codec, mean),
		dtypes.BFloat16: sum16(bf16Codec, mean),
		dtypes.Int64:    sumNative[int64](mean),
		dtypes.Int32:    sumNative[int32](mean),
		dtypes.Int16:    sumNative[int16](mean),
		dtypes.Int8:     sumNative[int8](mean),
		dtypes.Uint8:    sumNative[uint8](mean),
	}
}

var (
	sumTable  = makeSumTable(false)
	meanTable = makeSumTable(true)
)

func maxNative[T element]() reduceFn {
	return func(a []byte, n int, dst []byte) {
		ta, td := view[T](a, n), view[T](dst, 1)
		best := ta[0]
		for i := 1; i < n; i++ {
			if ta[i] > best {
				best = ta[i]
			}
		}
		td[0] = best
	}
}

func max16(c codec16) reduceFn {
	return func(a []byte, n int, dst []byte) {
		ta, td := view16(a, n), view16(dst, 1)
		best := c.dec(ta[0])
		for i := 1; i < n; i++ {
			if v := c.dec(ta[i]); v > best {
				best = v
			}
		}
		td[0] = c.enc(best)
	}
}

var maxTable = [dtypes.Count]reduceFn{
	dtypes.Float64:  maxNative[float64](),
	dtypes.Float32:  maxNative[float32](),
	dtypes.Float16:  max16(f16Codec),
	dtypes.BFloat16: max16(bf16Codec),
	dtypes.Int64:    maxNative[int64](),
	dtypes.Int32:    maxNative[int32](),
	dtypes.Int16:    maxNative[int16](),
	dtypes.Int8:     maxNative[int8](),
	dtypes.Uint8:    maxNative[uint8](),
}

// matmulNative multiplies a[m,k] by b[k,n] with the classic triple loop.
// Shape validation happened in the tensor layer.
func matmulNative[T element]() matmulFn {
	return func(a []byte, sa shapes.Shape, b []byte, sb shapes.Shape, dst []byte) {
		m, inner, n := sa[0], sa[1], sb[1]
		ta, tb, td := view[T](a, m*inner), view[T](b, inner*n), view[T](dst, m*n)
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				var sum T
				for k := 0; k < inner; k++ {
					sum += ta[i*inner+k] * tb[k*n+j]
				}
				td[i*n+j] = sum
			}
		}
	}
}

func matmul16(c codec16) matmulFn {
	return func(a []byte, sa shapes.Shape, b []byte, sb shapes.Shape, dst []byte) {
		m, inner, n := sa[0], sa[1], sb[1]
		ta, tb, td := view16(a, m*inner), view16(b, inner*n), view16(dst, m*n)
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				var sum float32
				for k := 0; k < inner; k++ {
					sum += c.dec(ta[i*inner+k]) * c.dec(tb[k*n+j])
				}
				td[i*n+j] = c.enc(sum)
			}
		}
	}
}

var matmulTable = [dtypes.Count]matmulFn{
	dtypes.Float64:  matmulNative[float64](),
	dtypes.Float32:  matmulNative[float32](),
	dtypes.Float16:  matmul16(f16Codec),
	dtypes.BFloat16: matmul16(bf16Codec),
	dtypes.Int64:    matmulNative[int64](),
	dtypes.Int32:    matmulNative[int32](),
	dtypes.Int16:    matmulNative[int16](),
	dtypes.Int8:     matmulNative[int8](),
	dtypes.Uint8:    matmulNative[uint8](),
}

// scatterAddNative builds the reduce-to kernel: each source element of the
// broadcast shape accumulates into the destination cell its index
// translates back to.
func scatterAddNative[T element]() translateFn {
	return func(src, dst []byte, n int, srcShape, tgtShape shapes.Shape) {
		ts := view[T](src, n)
		td := view[T](dst, srcShape.NumElements())
		for i := 0; i < n; i++ {
			td[shapes.TranslationIndex(i, srcShape, tgtShape)] += ts[i]
		}
	}
}

func scatterAdd16(c codec16) translateFn {
	return func(src, dst []byte, n int, srcShape, tgtShape shapes.Shape) {
		ts := view16(src, n)
		td := view16(dst, srcShape.NumElements())
		for i := 0; i < n; i++ {
			j := shapes.TranslationIndex(i, srcShape, tgtShape)
			td[j] = c.enc(c.dec(td[j]) + c.dec(ts[i]))
		}
	}
}

var reduceToTable = [dtypes.Count]translateFn{
	dtypes.Float64:  scatterAddNative[float64](),
	dtypes.Float32:  scatterAddNative[float32](),
	dtypes.Float16:  scatterAdd16(f16Codec),
	dtypes.BFloat16: scatterAdd16(bf16Codec),
	dtypes.Int64:    scatterAddNative[int64](),
	dtypes.Int32:    scatterAddNative[int32](),
	dtypes.Int16:    scatterAddNative[int16](),
	dtypes.Int8:     scatterAddNative[int8](),
	dtypes.Uint8:    scatterAddNative[uint8](),
}

func scatterMaxNative[T element]() translateFn {
	return func(src, dst []byte, n int, srcShape, tgtShape shapes.Shape) {
		ts := view[T](src, n)
		td := view[T](dst, srcShape.NumElements())
		for i := 0; i < n; i++ {
			j := shapes.TranslationIndex(i, srcShape, tgtShape)
			td[j] = opMax(td[j], ts[i])
		}
	}
}

func scatterMax16(c codec16) translateFn {
	return func(src, dst []byte, n int, srcShape, tgtShape shapes.Shape) {
		ts := view16(src, n)
		td := view16(dst, srcShape.NumElements())
		for i := 0; i < n; i++ {
			j := shapes.TranslationIndex(i, srcShape, tgtShape)
			td[j] = c.enc(opMax(c.dec(td[j]), c.dec(ts[i])))
		}
	}
}

var maxToTable = [dtypes.Count]translateFn{
	dtypes.Float64:  scatterMaxNative[float64](),
	dtypes.Float32:  scatterMaxNative[float32](),
	dtypes.Float16:  scatterMax16(f16Codec),
	dtypes.BFloat16: scatterMax16(bf16Codec),
	dtypes.Int64:    scatterMaxNative[int64](),
	dtypes.Int32:    scatterMaxNative[int32](),
	dtypes.Int16:    scatterMaxNative[int16](),
	dtypes.Int8:     scatterMaxNative[int8](),
	dtypes.Uint8:    scatterMaxNative[uint8](),
}

// Conversion copy goes through a float64 lane: one decode loop, one encode
// loop, each specialized per dtype.

func decodeNative[T element]() func(src []byte, n int, out []float64) {
	return func(src []byte, n int, out []float64) {
		ts := view[T](src, n)
		for i := 0; i < n; i++ {
			out[i] = float64(ts[i])
		}
	}
}

func decode16(c codec16) func(src []byte, n int, out []float64) {
	return func(src []byte, n int, out []float64) {
		ts := view16(src, n)
		for i := 0; i < n; i++ {
			out[i] = float64(c.dec(ts[i]))
		}
	}
}

func encodeNative[T element]() func(in []float64, dst []byte, n int) {
	return func(in []float64, dst []byte, n int) {
		td := view[T](dst, n)
		for i := 0; i < n; i++ {
			td[i] = T(in[i])
		}
	}
}

func encode16(c codec16) func(in []float64, dst []byte, n int) {
	return func(in []float64, dst []byte, n int) {
		td := view16(dst, n)
		for i := 0; i < n; i++ {
			td[i] = c.enc(float32(in[i]))
		}
	}
}

var decodeTable = [dtypes.Count]func(src []byte, n int, out []float64){
	dtypes.Float64:  decodeNative[float64](),
	dtypes.Float32:  decodeNative[float32](),
	dtypes.Float16:  decode16(f16Codec),
	dtypes.BFloat16: decode16(bf16Codec),
	dtypes.Int64:    decodeNative[int64](),
	dtypes.Int32:    decodeNative[int32](),
	dtypes.Int16:    decodeNative[int16](),
	dtypes.Int8:     decodeNative[int8](),
	dtypes.Uint8:    decodeNative[uint8](),
}

var encodeTable = [dtypes.Count]func(in []float64, dst []byte, n int){
	dtypes.Float64:  encodeNative[float64](),
	dtypes.Float32:  encodeNative[float32](),
	dtypes.Float16:  encode16(f16Codec),
	dtypes.BFloat16: encode16(bf16Codec),
	dtypes.Int64:    encodeNative[int64](),
	dtypes.Int32:    encodeNative[int32](),
	dtypes.Int16:    encodeNative[int16](),
	dtypes.Int8:     encodeNative[int8](),
	dtypes.Uint8:    encodeNative[uint8](),
}
