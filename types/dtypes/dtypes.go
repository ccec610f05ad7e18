// Package dtypes defines the runtime element types supported by loom
// tensors, their byte sizes, and the promotion rule used when two tensors
// of different types meet in one operation.
package dtypes

// DataType identifies the element type of a tensor buffer.
type DataType int

// Supported data types. The numeric order doubles as the index into the
// per-dtype kernel tables, so it must stay stable.
const (
	Float64 DataType = iota
	Float32
	Float16
	BFloat16
	Int64
	Int32
	Int16
	Int8
	Uint8
)

// Count is the number of supported data types. Kernel tables are sized
// with it.
const Count = 9

// Size returns the byte size of one element.
func (dt DataType) Size() int {
	switch dt {
	case Float64, Int64:
		return 8
	case Float32, Int32:
		return 4
	case Float16, BFloat16, Int16:
		return 2
	case Int8, Uint8:
		return 1
	default:
		panic("dtypes: unknown data type")
	}
}

// String returns the lower-case type name used in kernel names and error
// messages.
func (dt DataType) String() string {
	switch dt {
	case Float64:
		return "f64"
	case Float32:
		return "f32"
	case Float16:
		return "f16"
	case BFloat16:
		return "bf16"
	case Int64:
		return "i64"
	case Int32:
		return "i32"
	case Int16:
		return "i16"
	case Int8:
		return "i8"
	case Uint8:
		return "u8"
	default:
		return "unknown"
	}
}

// Name returns the display name used in the tensor print tag.
func (dt DataType) Name() string {
	switch dt {
	case Float64:
		return "Double"
	case Float32:
		return "Float"
	case Float16:
		return "Half"
	case BFloat16:
		return "BFloat16"
	case Int64:
		return "Long"
	case Int32:
		return "Int"
	case Int16:
		return "Short"
	case Int8:
		return "Char"
	case Uint8:
		return "Byte"
	default:
		return "Unknown"
	}
}

// IsFloat reports whether the type is a floating-point type.
func (dt DataType) IsFloat() bool {
	switch dt {
	case Float64, Float32, Float16, BFloat16:
		return true
	}
	return false
}

// IsValid reports whether dt is one of the supported types.
func (dt DataType) IsValid() bool {
	return dt >= Float64 && dt <= Uint8
}

// floatRank orders float widths for promotion. BFloat16 and Float16 share
// a rank: neither can represent the other, so their join is Float32.
func floatRank(dt DataType) int {
	switch dt {
	case Float64:
		return 3
	case Float32:
		return 2
	default: // Float16, BFloat16
		return 1
	}
}

// intRank orders integer widths for promotion.
func intRank(dt DataType) int {
	switch dt {
	case Int64:
		return 4
	case Int32:
		return 3
	case Int16:
		return 2
	default: // Int8, Uint8
		return 1
	}
}

// Promote returns the result type of an operation mixing a and b.
//
// The join is commutative and idempotent: a float type wins over any
// integer type, a wider type wins over a narrower one of the same family,
// and the BFloat16/Float16 pair promotes to Float32. Int8 mixed with Uint8
// joins to Int16, the narrowest signed type that holds both.
func Promote(a, b DataType) DataType {
	if a == b {
		return a
	}
	af, bf := a.IsFloat(), b.IsFloat()
	switch {
	case af && bf:
		ra, rb := floatRank(a), floatRank(b)
		switch {
		case ra > rb:
			return a
		case rb > ra:
			return b
		default: // BFloat16 vs Float16
			return Float32
		}
	case af:
		return a
	case bf:
		return b
	default:
		ra, rb := intRank(a), intRank(b)
		switch {
		case ra > rb:
			return a
		case rb > ra:
			return b
		default: // Int8 vs Uint8
			return Int16
		}
	}
}
