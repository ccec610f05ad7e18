package tensor

import (
	"fmt"
	"strings"
)

// String renders the tensor for diagnostics: rank 0 prints the scalar,
// rank 1 prints one value per line, rank >= 2 prints row-major 2-D slabs,
// each preceded by a "(i0,…,.,.) =" header when the rank exceeds 2. A
// trailing tag names the dtype and shape, e.g. "[ Float{2,3} ]".
func (v *Value) String() string {
	var sb strings.Builder
	switch len(v.shape) {
	case 0:
		fmt.Fprintf(&sb, "%v\n\n", v.Item())
	case 1:
		for i := 0; i < v.shape[0]; i++ {
			fmt.Fprintf(&sb, "  %v\n", v.At(i))
		}
		sb.WriteString("\n")
	default:
		v.printSlabs(&sb)
	}

	sb.WriteString("[ " + v.dtype.Name() + "{")
	for i, dim := range v.shape {
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, "%d", dim)
	}
	sb.WriteString("} ]\n")
	return sb.String()
}

// printSlabs walks the leading dimensions in row-major order and prints
// each trailing 2-D slab.
func (v *Value) printSlabs(sb *strings.Builder) {
	rank := len(v.shape)
	rows, cols := v.shape[rank-2], v.shape[rank-1]
	outer := 1
	for _, dim := range v.shape[:rank-2] {
		outer *= dim
	}
	leadStrides := v.shape[:rank-2].ComputeStrides()

	idx := make([]int, rank)
	for o := 0; o < outer; o++ {
		rem := o
		for i := range leadStrides {
			idx[i] = rem / leadStrides[i]
			rem %= leadStrides[i]
		}
		if rank > 2 {
			sb.WriteString("(")
			for i := 0; i < rank-2; i++ {
				fmt.Fprintf(sb, "%d,", idx[i])
			}
			sb.WriteString(".,.) =\n")
		}
		for r := 0; r < rows; r++ {
			idx[rank-2] = r
			for c := 0; c < cols; c++ {
				idx[rank-1] = c
				fmt.Fprintf(sb, "  %v", v.At(idx...))
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
}
