package dtypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allTypes = []DataType{
	Float64, Float32, Float16, BFloat16, Int64, Int32, Int16, Int8, Uint8,
}

func TestSizes(t *testing.T) {
	assert.Equal(t, 8, Float64.Size())
	assert.Equal(t, 4, Float32.Size())
	assert.Equal(t, 2, Float16.Size())
	assert.Equal(t, 2, BFloat16.Size())
	assert.Equal(t, 8, Int64.Size())
	assert.Equal(t, 4, Int32.Size())
	assert.Equal(t, 2, Int16.Size())
	assert.Equal(t, 1, Int8.Size())
	assert.Equal(t, 1, Uint8.Size())
}

func TestPromoteIdempotent(t *testing.T) {
	for _, dt := range allTypes {
		assert.Equal(t, dt, Promote(dt, dt), dt.String())
	}
}

func TestPromoteCommutative(t *testing.T) {
	for _, a := range allTypes {
		for _, b := range allTypes {
			assert.Equal(t, Promote(a, b), Promote(b, a), "%s vs %s", a, b)
		}
	}
}

func TestPromoteAssociative(t *testing.T) {
	for _, a := range allTypes {
		for _, b := range allTypes {
			for _, c := range allTypes {
				left := Promote(Promote(a, b), c)
				right := Promote(a, Promote(b, c))
				assert.Equal(t, left, right, "%s %s %s", a, b, c)
			}
		}
	}
}

func TestPromoteRules(t *testing.T) {
	// Wider wins within a family.
	assert.Equal(t, Float64, Promote(Float64, Float32))
	assert.Equal(t, Int64, Promote(Int64, Int32))
	assert.Equal(t, Int32, Promote(Int32, Int8))

	// Float wins over integer.
	assert.Equal(t, Float32, Promote(Float32, Int64))
	assert.Equal(t, Float16, Promote(Float16, Int8))

	// The half-precision pair joins at Float32.
	assert.Equal(t, Float32, Promote(Float16, BFloat16))

	// Same-width signed/unsigned joins at the next wider signed type.
	assert.Equal(t, Int16, Promote(Int8, Uint8))
}

func TestBF16RoundTrip(t *testing.T) {
	for _, f := range []float32{0, 1, -1, 0.5, 2, 1024, -3.25} {
		// Values with short mantissas survive the truncation exactly.
		assert.Equal(t, f, BF16ToFloat32(BF16FromFloat32(f)))
	}
}

func TestScalarRoundTrip(t *testing.T) {
	for _, dt := range allTypes {
		buf := make([]byte, 4*dt.Size())
		for i, v := range []float64{0, 1, -1, 42} {
			if dt == Uint8 && v < 0 {
				continue
			}
			WriteScalar(buf, i, dt, v)
			require.Equal(t, v, ReadScalar(buf, i, dt), "%s value %v", dt, v)
		}
	}
}

func TestNames(t *testing.T) {
	assert.Equal(t, "Float", Float32.Name())
	assert.Equal(t, "Double", Float64.Name())
	assert.Equal(t, "Unknown", DataType(-1).Name())
	assert.Equal(t, "f32", Float32.String())
}
