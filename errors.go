// Package loom provides shared error kinds for the loom tensor library.
//
// Subpackages wrap these sentinels with call-site context via
// github.com/pkg/errors, so callers can both match the kind with errors.Is
// and read the full failure chain.
package loom

import "errors"

var (
	// ErrShapeMismatch reports incompatible shapes: reshape element-count
	// mismatches, broadcast failures, matmul inner-dimension mismatches,
	// out-of-range transpose dimensions, and backward seed shapes that
	// differ from the expected gradient shape.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrDTypeUnsupported reports an operation a backend cannot execute for
	// the given data type and for which no fallback applies.
	ErrDTypeUnsupported = errors.New("data type unsupported")

	// ErrInvalidGradAccess reports a gradient read on a non-leaf tensor
	// that did not retain its gradient.
	ErrInvalidGradAccess = errors.New("gradients not populated")

	// ErrAllocationFailure reports device memory exhaustion after cache
	// eviction.
	ErrAllocationFailure = errors.New("allocation failure")

	// ErrDeviceFault reports an accelerator command buffer that failed
	// after submission. The backend does not recover; subsequent use is
	// undefined.
	ErrDeviceFault = errors.New("device fault")

	// ErrIOFailure reports a persistence read or write that could not
	// complete.
	ErrIOFailure = errors.New("i/o failure")
)
