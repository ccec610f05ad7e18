package dtypes

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"
)

// BF16FromFloat32 truncates a float32 to bfloat16 bits (round toward
// zero; bfloat16 shares the float32 exponent range).
func BF16FromFloat32(f float32) uint16 {
	return uint16(math.Float32bits(f) >> 16)
}

// BF16ToFloat32 expands bfloat16 bits to float32.
func BF16ToFloat32(bits uint16) float32 {
	return math.Float32frombits(uint32(bits) << 16)
}

// ReadScalar decodes element i of buf, interpreted as dt, into a float64.
// Integer types widen exactly; Int64 values beyond 2^53 lose precision,
// which matches the conversion-copy kernels.
func ReadScalar(buf []byte, i int, dt DataType) float64 {
	switch dt {
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:])))
	case Float16:
		return float64(float16.Frombits(binary.LittleEndian.Uint16(buf[i*2:])).Float32())
	case BFloat16:
		return float64(BF16ToFloat32(binary.LittleEndian.Uint16(buf[i*2:])))
	case Int64:
		return float64(int64(binary.LittleEndian.Uint64(buf[i*8:])))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(buf[i*4:])))
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(buf[i*2:])))
	case Int8:
		return float64(int8(buf[i]))
	case Uint8:
		return float64(buf[i])
	default:
		panic("dtypes: unknown data type")
	}
}

// WriteScalar encodes v as dt into element i of buf. Float-to-integer
// conversion truncates toward zero, matching the conversion-copy kernels.
func WriteScalar(buf []byte, i int, dt DataType, v float64) {
	switch dt {
	case Float64:
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	case Float32:
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
	case Float16:
		binary.LittleEndian.PutUint16(buf[i*2:], float16.Fromfloat32(float32(v)).Bits())
	case BFloat16:
		binary.LittleEndian.PutUint16(buf[i*2:], BF16FromFloat32(float32(v)))
	case Int64:
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(int64(v)))
	case Int32:
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(int32(v)))
	case Int16:
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(v)))
	case Int8:
		buf[i] = byte(int8(v))
	case Uint8:
		buf[i] = byte(uint8(v))
	default:
		panic("dtypes: unknown data type")
	}
}
