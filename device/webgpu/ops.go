package webgpu

import (
	"encoding/binary"
	"math"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/loom-ml/loom"
	"github.com/loom-ml/loom/types/dtypes"
	"github.com/loom-ml/loom/types/shapes"
)

// uniformParams packs 32-bit words into a 16-byte-aligned uniform buffer.
// The buffer lives until the batch that bound it completes.
func (b *Backend) uniformParams(words ...uint32) *wgpu.Buffer {
	size := align(uint64(len(words)*4), 16)
	buf := b.dev.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	mapped := buf.GetMappedRange(0, size)
	dst := unsafe.Slice((*byte)(mapped), size)
	for i, w := range words {
		binary.LittleEndian.PutUint32(dst[i*4:], w)
	}
	buf.Unmap()
	b.uniforms = append(b.uniforms, buf)
	return buf
}

// u32Input uploads a slice of small integers (shapes, strides) as a
// temporary u32 storage buffer. Scalar tensors have empty shapes; the
// buffer is padded so the binding is never zero-sized.
func (b *Backend) u32Input(values []int) *wgpu.Buffer {
	n := len(values)
	if n == 0 {
		n = 1
	}
	data := make([]byte, n*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], uint32(v))
	}
	return b.inputBuffer(data, len(data))
}

func entry(binding uint32, buf *wgpu.Buffer, size uint64) wgpu.BindGroupEntry {
	return wgpu.BufferBindingEntry(binding, buf, 0, size)
}

// dispatch encodes one compute pass on the open encoder.
func (b *Backend) dispatch(pl *wgpu.ComputePipeline, entries []wgpu.BindGroupEntry, gx, gy uint32) {
	bg := b.dev.CreateBindGroupSimple(pl.GetBindGroupLayout(0), entries)
	pass := b.encoder.BeginComputePass(nil)
	pass.SetPipeline(pl)
	pass.SetBindGroup(0, bg, nil)
	pass.DispatchWorkgroups(gx, gy, 1)
	pass.End()
	bg.Release()
}

func groups1D(n int) uint32 {
	return uint32((n + workgroupSize - 1) / workgroupSize)
}

// markHostDirty records that the CPU fallback rewrote the host shadow, so
// the buffer re-uploads before its next use as a GPU input.
func (b *Backend) markHostDirty(buf []byte) {
	if db := b.lookup(buf); db != nil {
		db.hostDirty = true
	}
}

// fallback synchronizes pending work, runs the CPU kernel, and marks the
// outputs host-dirty. It serves every dtype without a compiled pipeline,
// Float64 included.
func (b *Backend) fallback(op string, dt dtypes.DataType, run func(), outs ...[]byte) {
	klog.V(2).Infof("webgpu: %s falls through to CPU for dtype %s", op, dt)
	b.Synchronize()
	run()
	for _, out := range outs {
		b.markHostDirty(out)
	}
}

// unalias returns a GPU input for a, copying it first when a aliases dst:
// WebGPU forbids binding one buffer as both read-only and read-write
// storage in a single pass.
func (b *Backend) unalias(a, dst []byte, byteLen int) *wgpu.Buffer {
	db := b.lookup(a)
	if db == nil || b.lookup(dst) != db {
		return b.inputBuffer(a, byteLen)
	}
	shadow, size, err := b.newGPUBuffer(uint64(byteLen))
	if err != nil {
		panic(err)
	}
	b.encoder.CopyBufferToBuffer(db.gpu, 0, shadow, 0, align(uint64(byteLen), vectorWidth))
	b.temps = append(b.temps, &deviceBuffer{gpu: shadow, size: size, temp: true})
	return shadow
}

func (b *Backend) binaryOp(name string, a, a2, dst []byte, n int, dt dtypes.DataType,
	cpuRun func()) {
	pl := b.pipeline(name, dt)
	if pl == nil {
		b.fallback(name, dt, cpuRun, dst)
		return
	}
	es := uint64(n * dt.Size())
	bufA := b.unalias(a, dst, n*dt.Size())
	bufB := b.unalias(a2, dst, n*dt.Size())
	out := b.outputBuffer(dst)
	params := b.uniformParams(uint32(n))
	b.dispatch(pl, []wgpu.BindGroupEntry{
		entry(0, bufA, align(es, vectorWidth)),
		entry(1, bufB, align(es, vectorWidth)),
		entry(2, out.gpu, align(es, vectorWidth)),
		entry(3, params, 16),
	}, groups1D(n), 1)
	b.commitBatch()
}

// Add dispatches the elementwise sum kernel.
func (b *Backend) Add(a, a2, dst []byte, n int, dt dtypes.DataType) {
	b.binaryOp("add", a, a2, dst, n, dt, func() { b.cpu.Add(a, a2, dst, n, dt) })
}

// Sub dispatches the elementwise difference kernel.
func (b *Backend) Sub(a, a2, dst []byte, n int, dt dtypes.DataType) {
	b.binaryOp("sub", a, a2, dst, n, dt, func() { b.cpu.Sub(a, a2, dst, n, dt) })
}

// Mul dispatches the elementwise product kernel.
func (b *Backend) Mul(a, a2, dst []byte, n int, dt dtypes.DataType) {
	b.binaryOp("mul", a, a2, dst, n, dt, func() { b.cpu.Mul(a, a2, dst, n, dt) })
}

// Div dispatches the elementwise quotient kernel.
func (b *Backend) Div(a, a2, dst []byte, n int, dt dtypes.DataType) {
	b.binaryOp("div", a, a2, dst, n, dt, func() { b.cpu.Div(a, a2, dst, n, dt) })
}

// Pow dispatches the elementwise power kernel; integers fall through.
func (b *Backend) Pow(a, a2, dst []byte, n int, dt dtypes.DataType) {
	b.binaryOp("pow", a, a2, dst, n, dt, func() { b.cpu.Pow(a, a2, dst, n, dt) })
}

func (b *Backend) scalarOp(name string, a []byte, scalar float64, dst []byte, n int,
	dt dtypes.DataType, cpuRun func()) {
	pl := b.pipeline(name, dt)
	if pl == nil {
		b.fallback(name, dt, cpuRun, dst)
		return
	}
	es := uint64(n * dt.Size())
	bufA := b.unalias(a, dst, n*dt.Size())
	out := b.outputBuffer(dst)
	params := b.uniformParams(uint32(n), math.Float32bits(float32(scalar)))
	b.dispatch(pl, []wgpu.BindGroupEntry{
		entry(0, bufA, align(es, vectorWidth)),
		entry(1, out.gpu, align(es, vectorWidth)),
		entry(2, params, 16),
	}, groups1D(n), 1)
	b.commitBatch()
}

// AddScalar adds a scalar to every element.
func (b *Backend) AddScalar(a []byte, s float64, dst []byte, n int, dt dtypes.DataType) {
	b.scalarOp("addS", a, s, dst, n, dt, func() { b.cpu.AddScalar(a, s, dst, n, dt) })
}

// SubScalar subtracts a scalar from every element.
func (b *Backend) SubScalar(a []byte, s float64, dst []byte, n int, dt dtypes.DataType) {
	b.scalarOp("subS", a, s, dst, n, dt, func() { b.cpu.SubScalar(a, s, dst, n, dt) })
}

// MulScalar multiplies every element by a scalar.
func (b *Backend) MulScalar(a []byte, s float64, dst []byte, n int, dt dtypes.DataType) {
	b.scalarOp("mulS", a, s, dst, n, dt, func() { b.cpu.MulScalar(a, s, dst, n, dt) })
}

// DivScalar divides every element by a scalar.
func (b *Backend) DivScalar(a []byte, s float64, dst []byte, n int, dt dtypes.DataType) {
	b.scalarOp("divS", a, s, dst, n, dt, func() { b.cpu.DivScalar(a, s, dst, n, dt) })
}

// RSubScalar computes scalar - element.
func (b *Backend) RSubScalar(s float64, a []byte, dst []byte, n int, dt dtypes.DataType) {
	b.scalarOp("subSA", a, s, dst, n, dt, func() { b.cpu.RSubScalar(s, a, dst, n, dt) })
}

// RDivScalar computes scalar / element.
func (b *Backend) RDivScalar(s float64, a []byte, dst []byte, n int, dt dtypes.DataType) {
	b.scalarOp("divSA", a, s, dst, n, dt, func() { b.cpu.RDivScalar(s, a, dst, n, dt) })
}

func (b *Backend) unaryOp(name string, a, dst []byte, n int, dt dtypes.DataType, cpuRun func()) {
	pl := b.pipeline(name, dt)
	if pl == nil {
		b.fallback(name, dt, cpuRun, dst)
		return
	}
	es := uint64(n * dt.Size())
	bufA := b.unalias(a, dst, n*dt.Size())
	out := b.outputBuffer(dst)
	params := b.uniformParams(uint32(n))
	b.dispatch(pl, []wgpu.BindGroupEntry{
		entry(0, bufA, align(es, vectorWidth)),
		entry(1, out.gpu, align(es, vectorWidth)),
		entry(2, params, 16),
	}, groups1D(n), 1)
	b.commitBatch()
}

// Neg negates every element.
func (b *Backend) Neg(a, dst []byte, n int, dt dtypes.DataType) {
	b.unaryOp("neg", a, dst, n, dt, func() { b.cpu.Neg(a, dst, n, dt) })
}

// Sqrt computes the elementwise square root.
func (b *Backend) Sqrt(a, dst []byte, n int, dt dtypes.DataType) {
	b.unaryOp("sqrt", a, dst, n, dt, func() { b.cpu.Sqrt(a, dst, n, dt) })
}

// Sin computes the elementwise sine.
func (b *Backend) Sin(a, dst []byte, n int, dt dtypes.DataType) {
	b.unaryOp("sin", a, dst, n, dt, func() { b.cpu.Sin(a, dst, n, dt) })
}

// Cos computes the elementwise cosine.
func (b *Backend) Cos(a, dst []byte, n int, dt dtypes.DataType) {
	b.unaryOp("cos", a, dst, n, dt, func() { b.cpu.Cos(a, dst, n, dt) })
}

// Tanh computes the elementwise hyperbolic tangent.
func (b *Backend) Tanh(a, dst []byte, n int, dt dtypes.DataType) {
	b.unaryOp("tanh", a, dst, n, dt, func() { b.cpu.Tanh(a, dst, n, dt) })
}

// Log computes the elementwise natural logarithm.
func (b *Backend) Log(a, dst []byte, n int, dt dtypes.DataType) {
	b.unaryOp("log", a, dst, n, dt, func() { b.cpu.Log(a, dst, n, dt) })
}

// Exp computes the elementwise exponential.
func (b *Backend) Exp(a, dst []byte, n int, dt dtypes.DataType) {
	b.unaryOp("exp", a, dst, n, dt, func() { b.cpu.Exp(a, dst, n, dt) })
}

// Fill writes the scalar to every element of a device buffer.
func (b *Backend) Fill(scalar float64, dst []byte, n int, dt dtypes.DataType) {
	pl := b.pipeline("fill", dt)
	if pl == nil {
		b.fallback("fill", dt, func() { b.cpu.Fill(scalar, dst, n, dt) }, dst)
		return
	}
	es := uint64(n * dt.Size())
	out := b.outputBuffer(dst)
	params := b.uniformParams(uint32(n), math.Float32bits(float32(scalar)))
	b.dispatch(pl, []wgpu.BindGroupEntry{
		entry(0, out.gpu, align(es, vectorWidth)),
		entry(1, params, 16),
	}, groups1D(n), 1)
	b.commitBatch()
}

// Copy copies n elements with dtype conversion. Pairs without a compiled
// pipeline, or destinations outside device memory, run on the CPU.
func (b *Backend) Copy(src []byte, srcDT dtypes.DataType, dst []byte, dstDT dtypes.DataType, n int) {
	pl := b.pipelines["copy_"+srcDT.String()+"_"+dstDT.String()]
	if pl == nil || b.lookup(dst) == nil {
		b.Synchronize()
		b.cpu.Copy(src, srcDT, dst, dstDT, n)
		b.markHostDirty(dst)
		return
	}
	bufSrc := b.unalias(src, dst, n*srcDT.Size())
	out := b.outputBuffer(dst)
	params := b.uniformParams(uint32(n))
	b.dispatch(pl, []wgpu.BindGroupEntry{
		entry(0, bufSrc, align(uint64(n*srcDT.Size()), vectorWidth)),
		entry(1, out.gpu, align(uint64(n*dstDT.Size()), vectorWidth)),
		entry(2, params, 16),
	}, groups1D(n), 1)
	b.commitBatch()
}

// CopyImmediate is Copy followed by a full synchronization.
func (b *Backend) CopyImmediate(src []byte, srcDT dtypes.DataType, dst []byte, dstDT dtypes.DataType, n int) {
	b.Copy(src, srcDT, dst, dstDT, n)
	b.Synchronize()
}

// Matmul selects a tile variant by divisibility and dispatches the tiled
// kernel grid.
func (b *Backend) Matmul(a []byte, sa shapes.Shape, a2 []byte, sb shapes.Shape, dst []byte, dt dtypes.DataType) {
	m, k, n := sa[0], sa[1], sb[1]

	variant := matmulVariants[3] // generic fallback tile
	common := k%32 == 0 && n%32 == 0 && dt == dtypes.Float32
	switch {
	case common && m%128 == 0:
		variant = matmulVariants[0]
	case common && m%64 == 0:
		variant = matmulVariants[1]
	case common && m%32 == 0:
		variant = matmulVariants[2]
	}

	pl := b.pipeline(variant.name, dt)
	if pl == nil {
		b.fallback("matmul", dt, func() { b.cpu.Matmul(a, sa, a2, sb, dst, dt) }, dst)
		return
	}
	bufA := b.unalias(a, dst, m*k*dt.Size())
	bufB := b.unalias(a2, dst, k*n*dt.Size())
	out := b.outputBuffer(dst)
	params := b.uniformParams(uint32(m), uint32(k), uint32(n))
	gx := uint32((n + variant.tsx - 1) / variant.tsx)
	gy := uint32((m + variant.tsy - 1) / variant.tsy)
	b.dispatch(pl, []wgpu.BindGroupEntry{
		entry(0, bufA, align(uint64(m*k*dt.Size()), vectorWidth)),
		entry(1, bufB, align(uint64(k*n*dt.Size()), vectorWidth)),
		entry(2, out.gpu, align(uint64(m*n*dt.Size()), vectorWidth)),
		entry(3, params, 16),
	}, gx, gy)
	b.commitBatch()
}

// Transpose runs the fast tiled 2-D kernel for plain matrix transposes
// and the stride-remap kernel for everything else. Tensors beyond 16
// dimensions exceed the kernel's index registers.
func (b *Backend) Transpose(dim0, dim1 int, src []byte, shape shapes.Shape,
	strides, newStrides shapes.Stride, n int, dst []byte, dt dtypes.DataType) {
	if len(strides) > 16 {
		panic(errors.Wrapf(loom.ErrDTypeUnsupported,
			"webgpu: transpose supports at most 16 dimensions, got %d", len(strides)))
	}

	if len(shape) == 2 && ((dim0 == 0 && dim1 == 1) || (dim0 == 1 && dim1 == 0)) {
		b.transpose2D(src, shape, dst, dt, n)
		return
	}

	pl := b.pipeline("transpose", dt)
	if pl == nil {
		b.fallback("transpose", dt, func() {
			b.cpu.Transpose(dim0, dim1, src, shape, strides, newStrides, n, dst, dt)
		}, dst)
		return
	}
	bufSrc := b.unalias(src, dst, n*dt.Size())
	out := b.outputBuffer(dst)
	bufStrides := b.u32Input(strides)
	bufNewStrides := b.u32Input(newStrides)
	params := b.uniformParams(uint32(n), uint32(len(strides)), uint32(dim0), uint32(dim1))
	es := align(uint64(n*dt.Size()), vectorWidth)
	b.dispatch(pl, []wgpu.BindGroupEntry{
		entry(0, bufSrc, es),
		entry(1, out.gpu, es),
		entry(2, bufStrides, uint64(max(len(strides), 1)*4)),
		entry(3, bufNewStrides, uint64(max(len(newStrides), 1)*4)),
		entry(4, params, 16),
	}, groups1D(n), 1)
	b.commitBatch()
}

func (b *Backend) transpose2D(src []byte, shape shapes.Shape, dst []byte, dt dtypes.DataType, n int) {
	rows, cols := shape[0], shape[1]
	name := "transpose2D"
	if rows%16 == 0 && cols%16 == 0 {
		name = "transpose2DTiled"
	}
	pl := b.pipeline(name, dt)
	if pl == nil {
		b.fallback(name, dt, func() {
			b.cpu.Transpose(0, 1, src, shape, shape.ComputeStrides(),
				shapes.Shape{cols, rows}.ComputeStrides(), n, dst, dt)
		}, dst)
		return
	}
	bufSrc := b.unalias(src, dst, n*dt.Size())
	out := b.outputBuffer(dst)
	params := b.uniformParams(uint32(rows), uint32(cols))
	es := align(uint64(n*dt.Size()), vectorWidth)
	gx := uint32((cols + 15) / 16)
	gy := uint32((rows + 15) / 16)
	b.dispatch(pl, []wgpu.BindGroupEntry{
		entry(0, bufSrc, es),
		entry(1, out.gpu, es),
		entry(2, params, 16),
	}, gx, gy)
	b.commitBatch()
}

// BroadcastTo gathers the source into the broadcast shape on the GPU.
func (b *Backend) BroadcastTo(src, dst []byte, n int, srcShape, tgtShape shapes.Shape, dt dtypes.DataType) {
	pl := b.pipeline("broadcastTo", dt)
	if pl == nil {
		b.fallback("broadcastTo", dt, func() {
			b.cpu.BroadcastTo(src, dst, n, srcShape, tgtShape, dt)
		}, dst)
		return
	}
	bufSrc := b.unalias(src, dst, srcShape.NumElements()*dt.Size())
	out := b.outputBuffer(dst)
	bufSrcShape := b.u32Input(srcShape)
	bufTgtShape := b.u32Input(tgtShape)
	params := b.uniformParams(uint32(n), uint32(len(srcShape)), uint32(len(tgtShape)))
	b.dispatch(pl, []wgpu.BindGroupEntry{
		entry(0, bufSrc, align(uint64(srcShape.NumElements()*dt.Size()), vectorWidth)),
		entry(1, out.gpu, align(uint64(n*dt.Size()), vectorWidth)),
		entry(2, bufSrcShape, uint64(max(len(srcShape), 1)*4)),
		entry(3, bufTgtShape, uint64(max(len(tgtShape), 1)*4)),
		entry(4, params, 16),
	}, groups1D(n), 1)
	b.commitBatch()
}

// ReduceTo scatter-adds into the original shape with atomics. Only
// Float32 and Int32 carry atomic support; everything else falls through.
// Floating-point accumulation order across GPU threads is unspecified, so
// results may differ from the CPU in the last bits.
func (b *Backend) ReduceTo(src, dst []byte, n int, srcShape, tgtShape shapes.Shape, dt dtypes.DataType) {
	b.translateScatter("reduceTo", src, dst, n, srcShape, tgtShape, dt, func() {
		b.cpu.ReduceTo(src, dst, n, srcShape, tgtShape, dt)
	})
}

// MaxTo scatters the running maximum into the original shape.
func (b *Backend) MaxTo(src, dst []byte, n int, srcShape, tgtShape shapes.Shape, dt dtypes.DataType) {
	b.translateScatter("maxTo", src, dst, n, srcShape, tgtShape, dt, func() {
		b.cpu.MaxTo(src, dst, n, srcShape, tgtShape, dt)
	})
}

func (b *Backend) translateScatter(name string, src, dst []byte, n int,
	srcShape, tgtShape shapes.Shape, dt dtypes.DataType, cpuRun func()) {
	pl := b.pipeline(name, dt)
	if pl == nil {
		b.fallback(name, dt, cpuRun, dst)
		return
	}
	bufSrc := b.unalias(src, dst, n*dt.Size())
	out := b.outputBuffer(dst)
	bufSrcShape := b.u32Input(srcShape)
	bufTgtShape := b.u32Input(tgtShape)
	params := b.uniformParams(uint32(n), uint32(len(srcShape)), uint32(len(tgtShape)))
	b.dispatch(pl, []wgpu.BindGroupEntry{
		entry(0, bufSrc, align(uint64(n*dt.Size()), vectorWidth)),
		entry(1, out.gpu, align(uint64(srcShape.NumElements()*dt.Size()), vectorWidth)),
		entry(2, bufSrcShape, uint64(max(len(srcShape), 1)*4)),
		entry(3, bufTgtShape, uint64(max(len(tgtShape), 1)*4)),
		entry(4, params, 16),
	}, groups1D(n), 1)
	b.commitBatch()
}

// Sum runs the ping-pong parallel reduction into a single element.
func (b *Backend) Sum(a []byte, n int, dst []byte, dt dtypes.DataType) {
	b.reduce("sum", a, n, dst, dt, false, func() { b.cpu.Sum(a, n, dst, dt) })
}

// Mean is Sum followed by a scalar division of the single result element.
func (b *Backend) Mean(a []byte, n int, dst []byte, dt dtypes.DataType) {
	b.reduce("sum", a, n, dst, dt, true, func() { b.cpu.Mean(a, n, dst, dt) })
}

// Max runs the ping-pong parallel maximum reduction.
func (b *Backend) Max(a []byte, n int, dst []byte, dt dtypes.DataType) {
	b.reduce("max", a, n, dst, dt, false, func() { b.cpu.Max(a, n, dst, dt) })
}

// reduce repeatedly divides the active range by the workgroup size,
// alternating between two scratch buffers until one element remains, then
// copies (or scales, for the mean) that element into dst.
func (b *Backend) reduce(name string, a []byte, n int, dst []byte, dt dtypes.DataType,
	mean bool, cpuRun func()) {
	pl := b.pipeline(name, dt)
	if pl == nil {
		b.fallback(name, dt, cpuRun, dst)
		return
	}

	es := dt.Size()
	byteLen := uint64(n * es)
	ping, pingSize, err := b.newGPUBuffer(byteLen)
	if err != nil {
		panic(err)
	}
	pong, pongSize, err := b.newGPUBuffer(byteLen)
	if err != nil {
		panic(err)
	}

	bufIn := b.inputBuffer(a, n*es)
	b.encoder.CopyBufferToBuffer(bufIn, 0, ping, 0, align(byteLen, vectorWidth))

	remaining := n
	for remaining > 1 {
		groups := (remaining + workgroupSize - 1) / workgroupSize
		params := b.uniformParams(uint32(remaining))
		b.dispatch(pl, []wgpu.BindGroupEntry{
			entry(0, ping, align(byteLen, vectorWidth)),
			entry(1, pong, align(byteLen, vectorWidth)),
			entry(2, params, 16),
		}, uint32(groups), 1)
		ping, pong = pong, ping
		remaining = groups
		b.commitBatchKeepAlive()
	}

	out := b.outputBuffer(dst)
	if mean {
		scale := b.pipeline("divS", dt)
		params := b.uniformParams(1, math.Float32bits(float32(n)))
		b.dispatch(scale, []wgpu.BindGroupEntry{
			entry(0, ping, align(uint64(es), vectorWidth)),
			entry(1, out.gpu, align(uint64(es), vectorWidth)),
			entry(2, params, 16),
		}, 1, 1)
	} else {
		b.encoder.CopyBufferToBuffer(ping, 0, out.gpu, 0, align(uint64(es), vectorWidth))
	}

	// The scratch buffers recycle only after this batch retires.
	b.temps = append(b.temps,
		&deviceBuffer{gpu: ping, size: pingSize, temp: true},
		&deviceBuffer{gpu: pong, size: pongSize, temp: true})
	b.commitBatch()
}

// commitBatchKeepAlive counts a dispatch without allowing an early commit;
// reduction loops hold scratch buffers that must stay out of the cache
// until the whole reduction is encoded.
func (b *Backend) commitBatchKeepAlive() {
	b.batchSize++
}
