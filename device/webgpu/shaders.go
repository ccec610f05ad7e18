package webgpu

import (
	"fmt"
	"strings"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/loom-ml/loom/types/dtypes"
)

// workgroupSize is the thread count of all 1-D kernels and the per-group
// thread budget of the reducers.
const workgroupSize = 256

// wgslType maps an accelerated dtype to its WGSL element type. Only types
// WGSL can address natively compile to pipelines; every other dtype binds
// a null entry and falls through to the CPU.
func wgslType(dt dtypes.DataType) string {
	switch dt {
	case dtypes.Float32:
		return "f32"
	case dtypes.Int32:
		return "i32"
	default:
		return ""
	}
}

// acceleratedDTypes lists the dtypes with compiled pipelines.
var acceleratedDTypes = []dtypes.DataType{dtypes.Float32, dtypes.Int32}

func render(tpl string, repl ...string) string {
	return strings.NewReplacer(repl...).Replace(tpl)
}

// binaryTpl is the elementwise kernel over two arrays.
const binaryTpl = `
@group(0) @binding(0) var<storage, read> a: array<$T$>;
@group(0) @binding(1) var<storage, read> b: array<$T$>;
@group(0) @binding(2) var<storage, read_write> result: array<$T$>;

struct Params {
    size: u32,
}
@group(0) @binding(3) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let idx = gid.x;
    if (idx < params.size) {
        result[idx] = $EXPR$;
    }
}
`

// scalarTpl broadcasts a scalar, carried in the uniform block, to every
// element. The scalar crosses the wire as f32 and converts to the element
// type inside the kernel.
const scalarTpl = `
@group(0) @binding(0) var<storage, read> a: array<$T$>;
@group(0) @binding(1) var<storage, read_write> result: array<$T$>;

struct Params {
    size: u32,
    scalar: f32,
}
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let idx = gid.x;
    if (idx < params.size) {
        let s = $T$(params.scalar);
        result[idx] = $EXPR$;
    }
}
`

// unaryTpl is the single-input elementwise kernel.
const unaryTpl = `
@group(0) @binding(0) var<storage, read> a: array<$T$>;
@group(0) @binding(1) var<storage, read_write> result: array<$T$>;

struct Params {
    size: u32,
}
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let idx = gid.x;
    if (idx < params.size) {
        result[idx] = $EXPR$;
    }
}
`

// fillTpl writes the converted uniform scalar to every element.
const fillTpl = `
@group(0) @binding(0) var<storage, read_write> result: array<$T$>;

struct Params {
    size: u32,
    scalar: f32,
}
@group(0) @binding(1) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let idx = gid.x;
    if (idx < params.size) {
        result[idx] = $T$(params.scalar);
    }
}
`

// copyTpl converts between two accelerated dtypes.
const copyTpl = `
@group(0) @binding(0) var<storage, read> src: array<$S$>;
@group(0) @binding(1) var<storage, read_write> dst: array<$D$>;

struct Params {
    size: u32,
}
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let idx = gid.x;
    if (idx < params.size) {
        dst[idx] = $D$(src[idx]);
    }
}
`

// reduceTpl collapses up to 256 elements per workgroup into one partial
// result. The host ping-pongs between two scratch buffers until a single
// element remains.
const reduceTpl = `
@group(0) @binding(0) var<storage, read> src: array<$T$>;
@group(0) @binding(1) var<storage, read_write> dst: array<$T$>;

struct Params {
    size: u32,
}
@group(0) @binding(2) var<uniform> params: Params;

var<workgroup> scratch: array<$T$, 256>;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>,
        @builtin(local_invocation_id) lid: vec3<u32>,
        @builtin(workgroup_id) wid: vec3<u32>) {
    var v = $IDENT$;
    if (gid.x < params.size) {
        v = src[gid.x];
    }
    scratch[lid.x] = v;
    workgroupBarrier();
    var stride = 128u;
    loop {
        if (stride == 0u) { break; }
        if (lid.x < stride) {
            scratch[lid.x] = $COMBINE$;
        }
        workgroupBarrier();
        stride = stride / 2u;
    }
    if (lid.x == 0u) {
        dst[wid.x] = scratch[0];
    }
}
`

// matmulTpl multiplies a[M,K] by b[K,N] into c[M,N] with shared-memory
// tiling and register blocking. The tile constants are substituted per
// variant; each 16x16 workgroup covers a TSY x TSX output block.
const matmulTpl = `
@group(0) @binding(0) var<storage, read> a: array<$T$>;
@group(0) @binding(1) var<storage, read> b: array<$T$>;
@group(0) @binding(2) var<storage, read_write> c: array<$T$>;

struct Params {
    m: u32,
    k: u32,
    n: u32,
}
@group(0) @binding(3) var<uniform> params: Params;

const TSX = $TSX$u;
const TSY = $TSY$u;
const TK = 8u;
const RX = $RX$u;
const RY = $RY$u;

var<workgroup> asub: array<$T$, $ASUB$>;
var<workgroup> bsub: array<$T$, $BSUB$>;

@compute @workgroup_size(16, 16)
fn main(@builtin(workgroup_id) wid: vec3<u32>,
        @builtin(local_invocation_id) lid: vec3<u32>) {
    let m = params.m;
    let k = params.k;
    let n = params.n;
    var acc: array<$T$, $RACC$>;
    for (var i = 0u; i < $RACC$u; i = i + 1u) {
        acc[i] = $T$(0);
    }
    let tid = lid.y * 16u + lid.x;
    let tiles = (k + TK - 1u) / TK;
    for (var t = 0u; t < tiles; t = t + 1u) {
        for (var i = tid; i < TSY * TK; i = i + 256u) {
            let row = i / TK;
            let col = i % TK;
            let gr = wid.y * TSY + row;
            let gc = t * TK + col;
            if (gr < m && gc < k) {
                asub[i] = a[gr * k + gc];
            } else {
                asub[i] = $T$(0);
            }
        }
        for (var i = tid; i < TK * TSX; i = i + 256u) {
            let row = i / TSX;
            let col = i % TSX;
            let gr = t * TK + row;
            let gc = wid.x * TSX + col;
            if (gr < k && gc < n) {
                bsub[i] = b[gr * n + gc];
            } else {
                bsub[i] = $T$(0);
            }
        }
        workgroupBarrier();
        for (var kk = 0u; kk < TK; kk = kk + 1u) {
            for (var ry = 0u; ry < RY; ry = ry + 1u) {
                let av = asub[(lid.y + ry * 16u) * TK + kk];
                for (var rx = 0u; rx < RX; rx = rx + 1u) {
                    acc[ry * RX + rx] = acc[ry * RX + rx] + av * bsub[kk * TSX + lid.x + rx * 16u];
                }
            }
        }
        workgroupBarrier();
    }
    for (var ry = 0u; ry < RY; ry = ry + 1u) {
        for (var rx = 0u; rx < RX; rx = rx + 1u) {
            let gr = wid.y * TSY + lid.y + ry * 16u;
            let gc = wid.x * TSX + lid.x + rx * 16u;
            if (gr < m && gc < n) {
                c[gr * n + gc] = acc[ry * RX + rx];
            }
        }
    }
}
`

// transpose2DTpl swaps the axes of a rank-2 tensor element by element.
const transpose2DTpl = `
@group(0) @binding(0) var<storage, read> src: array<$T$>;
@group(0) @binding(1) var<storage, read_write> dst: array<$T$>;

struct Params {
    rows: u32,
    cols: u32,
}
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(16, 16)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let col = gid.x;
    let row = gid.y;
    if (row < params.rows && col < params.cols) {
        dst[col * params.rows + row] = src[row * params.cols + col];
    }
}
`

// transpose2DTiledTpl stages a 16x16 tile in shared memory so both the
// read and the write stay coalesced. The extra column avoids shared-memory
// bank conflicts.
const transpose2DTiledTpl = `
@group(0) @binding(0) var<storage, read> src: array<$T$>;
@group(0) @binding(1) var<storage, read_write> dst: array<$T$>;

struct Params {
    rows: u32,
    cols: u32,
}
@group(0) @binding(2) var<uniform> params: Params;

var<workgroup> tile: array<$T$, 272>;

@compute @workgroup_size(16, 16)
fn main(@builtin(workgroup_id) wid: vec3<u32>,
        @builtin(local_invocation_id) lid: vec3<u32>) {
    let srcCol = wid.x * 16u + lid.x;
    let srcRow = wid.y * 16u + lid.y;
    if (srcRow < params.rows && srcCol < params.cols) {
        tile[lid.y * 17u + lid.x] = src[srcRow * params.cols + srcCol];
    }
    workgroupBarrier();
    let dstCol = wid.y * 16u + lid.x;
    let dstRow = wid.x * 16u + lid.y;
    if (dstRow < params.cols && dstCol < params.rows) {
        dst[dstRow * params.rows + dstCol] = tile[lid.x * 17u + lid.y];
    }
}
`

// transposeNDTpl remaps each element through the source strides with two
// dimensions swapped, the general N-D transpose.
const transposeNDTpl = `
@group(0) @binding(0) var<storage, read> src: array<$T$>;
@group(0) @binding(1) var<storage, read_write> dst: array<$T$>;
@group(0) @binding(2) var<storage, read> strides: array<u32>;
@group(0) @binding(3) var<storage, read> newStrides: array<u32>;

struct Params {
    size: u32,
    ndim: u32,
    dim0: u32,
    dim1: u32,
}
@group(0) @binding(4) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let idx = gid.x;
    if (idx >= params.size) {
        return;
    }
    var indices: array<u32, 16>;
    var rem = idx;
    for (var d = 0u; d < params.ndim; d = d + 1u) {
        indices[d] = rem / strides[d];
        rem = rem % strides[d];
    }
    let tmp = indices[params.dim0];
    indices[params.dim0] = indices[params.dim1];
    indices[params.dim1] = tmp;
    var out = 0u;
    for (var d = 0u; d < params.ndim; d = d + 1u) {
        out = out + indices[d] * newStrides[d];
    }
    dst[out] = src[idx];
}
`

// translateFnTpl is the shared broadcast address computation: it maps a
// linear index of the broadcast shape back to the source linear index.
const translateFnTpl = `
fn translate(idx: u32) -> u32 {
    var srcIndex = 0u;
    var tgtStride = 1u;
    var srcStride = 1u;
    var j = i32(params.srcNdim) - 1;
    var i = i32(params.tgtNdim) - 1;
    loop {
        if (i < 0) { break; }
        let dimIndex = (idx / tgtStride) % tgtShape[i];
        if (j >= 0) {
            if (srcShape[j] == tgtShape[i]) {
                srcIndex = srcIndex + dimIndex * srcStride;
            }
            srcStride = srcStride * srcShape[j];
            j = j - 1;
        }
        tgtStride = tgtStride * tgtShape[i];
        i = i - 1;
    }
    return srcIndex;
}
`

// broadcastToTpl gathers each element of the broadcast shape from its
// source position.
const broadcastToTpl = `
@group(0) @binding(0) var<storage, read> src: array<$T$>;
@group(0) @binding(1) var<storage, read_write> dst: array<$T$>;
@group(0) @binding(2) var<storage, read> srcShape: array<u32>;
@group(0) @binding(3) var<storage, read> tgtShape: array<u32>;

struct Params {
    size: u32,
    srcNdim: u32,
    tgtNdim: u32,
}
@group(0) @binding(4) var<uniform> params: Params;
` + translateFnTpl + `
@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let idx = gid.x;
    if (idx < params.size) {
        dst[idx] = src[translate(idx)];
    }
}
`

// reduceToF32 scatter-adds the broadcast-shaped source into the original
// shape. Float atomics are emulated with a compare-exchange loop on the
// bit pattern; the accumulation order across threads is unspecified, so
// repeated runs may differ in the last float bits.
const reduceToF32 = `
@group(0) @binding(0) var<storage, read> src: array<f32>;
@group(0) @binding(1) var<storage, read_write> dst: array<atomic<u32>>;
@group(0) @binding(2) var<storage, read> srcShape: array<u32>;
@group(0) @binding(3) var<storage, read> tgtShape: array<u32>;

struct Params {
    size: u32,
    srcNdim: u32,
    tgtNdim: u32,
}
@group(0) @binding(4) var<uniform> params: Params;
` + translateFnTpl + `
@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let idx = gid.x;
    if (idx >= params.size) {
        return;
    }
    let v = src[idx];
    let j = translate(idx);
    loop {
        let old = atomicLoad(&dst[j]);
        let repl = bitcast<u32>(bitcast<f32>(old) + v);
        let r = atomicCompareExchangeWeak(&dst[j], old, repl);
        if (r.exchanged) { break; }
    }
}
`

// reduceToI32 uses the native integer atomic add.
const reduceToI32 = `
@group(0) @binding(0) var<storage, read> src: array<i32>;
@group(0) @binding(1) var<storage, read_write> dst: array<atomic<i32>>;
@group(0) @binding(2) var<storage, read> srcShape: array<u32>;
@group(0) @binding(3) var<storage, read> tgtShape: array<u32>;

struct Params {
    size: u32,
    srcNdim: u32,
    tgtNdim: u32,
}
@group(0) @binding(4) var<uniform> params: Params;
` + translateFnTpl + `
@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let idx = gid.x;
    if (idx >= params.size) {
        return;
    }
    atomicAdd(&dst[translate(idx)], src[idx]);
}
`

// maxToF32 is the max-scatter dual of reduceToF32.
const maxToF32 = `
@group(0) @binding(0) var<storage, read> src: array<f32>;
@group(0) @binding(1) var<storage, read_write> dst: array<atomic<u32>>;
@group(0) @binding(2) var<storage, read> srcShape: array<u32>;
@group(0) @binding(3) var<storage, read> tgtShape: array<u32>;

struct Params {
    size: u32,
    srcNdim: u32,
    tgtNdim: u32,
}
@group(0) @binding(4) var<uniform> params: Params;
` + translateFnTpl + `
@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let idx = gid.x;
    if (idx >= params.size) {
        return;
    }
    let v = src[idx];
    let j = translate(idx);
    loop {
        let old = atomicLoad(&dst[j]);
        let cur = bitcast<f32>(old);
        if (v <= cur) { break; }
        let r = atomicCompareExchangeWeak(&dst[j], old, bitcast<u32>(v));
        if (r.exchanged) { break; }
    }
}
`

// maxToI32 uses the native integer atomic max.
const maxToI32 = `
@group(0) @binding(0) var<storage, read> src: array<i32>;
@group(0) @binding(1) var<storage, read_write> dst: array<atomic<i32>>;
@group(0) @binding(2) var<storage, read> srcShape: array<u32>;
@group(0) @binding(3) var<storage, read> tgtShape: array<u32>;

struct Params {
    size: u32,
    srcNdim: u32,
    tgtNdim: u32,
}
@group(0) @binding(4) var<uniform> params: Params;
` + translateFnTpl + `
@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let idx = gid.x;
    if (idx >= params.size) {
        return;
    }
    atomicMax(&dst[translate(idx)], src[idx]);
}
`

// matmulVariant names one tiled matmul pipeline.
type matmulVariant struct {
	name     string
	tsx, tsy int
}

// The 32-wide variants are selected by divisibility of M; the 16x16
// kernel is the fallback for ragged shapes.
var matmulVariants = []matmulVariant{
	{"matmulTiled_32_128", 32, 128},
	{"matmulTiled_32_64", 32, 64},
	{"matmulTiled_32_32", 32, 32},
	{"matmulTiled", 16, 16},
}

func renderMatmul(t string, v matmulVariant) string {
	rx, ry := v.tsx/16, v.tsy/16
	return render(matmulTpl,
		"$T$", t,
		"$TSX$", fmt.Sprint(v.tsx),
		"$TSY$", fmt.Sprint(v.tsy),
		"$RX$", fmt.Sprint(rx),
		"$RY$", fmt.Sprint(ry),
		"$RACC$", fmt.Sprint(rx*ry),
		"$ASUB$", fmt.Sprint(v.tsy*8),
		"$BSUB$", fmt.Sprint(8*v.tsx),
	)
}

// buildPipelines compiles every (kernel, dtype) pair up front. Entries for
// dtypes WGSL cannot express stay absent from the table; dispatch treats a
// missing pipeline as the null-kernel stub and falls through to the CPU.
func (b *Backend) buildPipelines() {
	binaryExprs := map[string]string{
		"add": "a[idx] + b[idx]",
		"sub": "a[idx] - b[idx]",
		"mul": "a[idx] * b[idx]",
		"div": "a[idx] / b[idx]",
	}
	scalarExprs := map[string]string{
		"addS":  "a[idx] + s",
		"subS":  "a[idx] - s",
		"subSA": "s - a[idx]",
		"mulS":  "a[idx] * s",
		"divS":  "a[idx] / s",
		"divSA": "s / a[idx]",
	}
	floatUnary := map[string]string{
		"sqrt": "sqrt(a[idx])",
		"sin":  "sin(a[idx])",
		"cos":  "cos(a[idx])",
		"tanh": "tanh(a[idx])",
		"log":  "log(a[idx])",
		"exp":  "exp(a[idx])",
	}

	for _, dt := range acceleratedDTypes {
		t := wgslType(dt)
		suffix := "_" + dt.String()

		for name, expr := range binaryExprs {
			b.compile(name+suffix, render(binaryTpl, "$T$", t, "$EXPR$", expr))
		}
		for name, expr := range scalarExprs {
			b.compile(name+suffix, render(scalarTpl, "$T$", t, "$EXPR$", expr))
		}
		b.compile("neg"+suffix, render(unaryTpl, "$T$", t, "$EXPR$", "-a[idx]"))
		b.compile("fill"+suffix, render(fillTpl, "$T$", t))

		ident := "f32(0)"
		minIdent := "f32(-3.4028235e38)"
		if dt == dtypes.Int32 {
			ident = "i32(0)"
			minIdent = "i32(-2147483647 - 1)"
		}
		b.compile("sum"+suffix, render(reduceTpl, "$T$", t,
			"$IDENT$", ident, "$COMBINE$", "scratch[lid.x] + scratch[lid.x + stride]"))
		b.compile("max"+suffix, render(reduceTpl, "$T$", t,
			"$IDENT$", minIdent, "$COMBINE$", "max(scratch[lid.x], scratch[lid.x + stride])"))

		for _, v := range matmulVariants {
			b.compile(v.name+suffix, renderMatmul(t, v))
		}
		b.compile("transpose2D"+suffix, render(transpose2DTpl, "$T$", t))
		b.compile("transpose2DTiled"+suffix, render(transpose2DTiledTpl, "$T$", t))
		b.compile("transpose"+suffix, render(transposeNDTpl, "$T$", t))
		b.compile("broadcastTo"+suffix, render(broadcastToTpl, "$T$", t))

		for _, src := range acceleratedDTypes {
			b.compile("copy_"+src.String()+"_"+dt.String(),
				render(copyTpl, "$S$", wgslType(src), "$D$", t))
		}
	}

	// Float unary transcendentals only exist for f32; integer inputs fall
	// through to the CPU.
	for name, expr := range floatUnary {
		b.compile(name+"_f32", render(unaryTpl, "$T$", "f32", "$EXPR$", expr))
	}
	b.compile("pow_f32", render(binaryTpl, "$T$", "f32", "$EXPR$", "pow(a[idx], b[idx])"))

	b.compile("reduceTo_f32", reduceToF32)
	b.compile("reduceTo_i32", reduceToI32)
	b.compile("maxTo_f32", maxToF32)
	b.compile("maxTo_i32", maxToI32)
}

// compile creates the shader module and compute pipeline for one kernel.
func (b *Backend) compile(name, code string) {
	shader := b.dev.CreateShaderModuleWGSL(code)
	b.shaders[name] = shader
	b.pipelines[name] = b.dev.CreateComputePipelineSimple(nil, shader, "main")
}

// pipeline resolves a compiled pipeline; nil means the null stub.
func (b *Backend) pipeline(name string, dt dtypes.DataType) *wgpu.ComputePipeline {
	return b.pipelines[name+"_"+dt.String()]
}
