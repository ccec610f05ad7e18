package webgpu

import (
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/loom-ml/loom"
	"github.com/loom-ml/loom/device"
	"github.com/loom-ml/loom/types/dtypes"
)

const (
	// maxCmdBatchSize caps the dispatches accumulated in one command
	// buffer before a forced commit.
	maxCmdBatchSize = 128

	// vectorWidth pads element counts so kernels may process full
	// 4-element vectors without bounds concern.
	vectorWidth = 4

	// byteAlignment aligns sub-page allocations; pageSize aligns the rest.
	byteAlignment = 64
	pageSize      = 4096

	// defaultMemoryBudget stands in for the recommended working-set size
	// the WebGPU API does not expose. The backend keeps its working set
	// under 70% of it.
	defaultMemoryBudget = 1 << 30
)

// Config carries backend construction options.
type Config struct {
	// MemoryBudget bounds accelerator memory; 70% of it becomes the max
	// working set. Zero selects the default budget.
	MemoryBudget uint64

	// MaxBatchSize overrides the dispatch count per command buffer.
	// Zero selects the default.
	MaxBatchSize int
}

// deviceBuffer pairs one allocation's GPU storage with its host shadow.
// WebGPU storage buffers are not host-visible, so the shadow carries data
// across the boundary: gpuDirty marks GPU results not yet read back,
// hostDirty marks host writes not yet uploaded.
type deviceBuffer struct {
	host      []byte
	gpu       *wgpu.Buffer
	size      uint64 // aligned GPU byte size
	gpuDirty  bool
	hostDirty bool
	temp      bool
}

// readback carries one pending GPU-to-host copy of a committed batch.
type readback struct {
	staging *wgpu.Buffer
	db      *deviceBuffer
}

// inflightBatch is the single committed-but-unretired command buffer.
// Uniform buffers are released rather than recycled: their usage flags
// would poison the storage-buffer cache.
type inflightBatch struct {
	temps     []*deviceBuffer
	uniforms  []*wgpu.Buffer
	readbacks []readback
}

// Backend is the accelerator device. It satisfies device.Device; all
// kernels append to the current command batch and ordinary operations
// return before the GPU runs them.
type Backend struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	dev      *wgpu.Device
	queue    *wgpu.Queue

	shaders   map[string]*wgpu.ShaderModule
	pipelines map[string]*wgpu.ComputePipeline

	cache *bufferCache

	// allocMap is guarded by allocMu: tensor finalizers call Deallocate
	// from the GC goroutine.
	allocMu  sync.Mutex
	allocMap map[*byte]*deviceBuffer

	// freed collects buffers released by Deallocate until the main flow
	// drains them onto the deferred-free list.
	freeMu sync.Mutex
	freed  []*deviceBuffer

	encoder *wgpu.CommandEncoder

	// Batch state. written tracks output buffers of the current batch for
	// readback; temps holds buffers whose recycle is deferred until the
	// batch completes.
	written  []*deviceBuffer
	temps    []*deviceBuffer
	uniforms []*wgpu.Buffer
	inflight *inflightBatch

	batchSize     int
	maxBatchSize  int
	maxBatchSeen  int
	workingSet    uint64
	maxWorkingSet uint64

	// cpu executes kernels for dtypes without compiled pipelines.
	cpu *device.CPUDevice
}

// New constructs the accelerator backend: it requests an adapter and
// device, creates the command queue and the first command encoder, and
// compiles the full kernel pipeline table.
func New(cfg Config) (backend *Backend, err error) {
	// A missing native library surfaces as a panic inside the bindings.
	defer func() {
		if r := recover(); r != nil {
			backend = nil
			err = errors.Errorf("webgpu: native library not available: %v", r)
		}
	}()

	instance := wgpu.CreateInstance(nil)
	adapter, adapterErr := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if adapterErr != nil {
		instance.Release()
		return nil, errors.Wrap(adapterErr, "webgpu: requesting adapter")
	}

	dev, devErr := adapter.RequestDevice(nil)
	if devErr != nil {
		adapter.Release()
		instance.Release()
		return nil, errors.Wrap(devErr, "webgpu: requesting device")
	}

	queue := dev.GetQueue()
	if queue == nil {
		dev.Release()
		adapter.Release()
		instance.Release()
		return nil, errors.New("webgpu: no command queue")
	}

	budget := cfg.MemoryBudget
	if budget == 0 {
		budget = defaultMemoryBudget
	}
	batch := cfg.MaxBatchSize
	if batch == 0 {
		batch = maxCmdBatchSize
	}

	b := &Backend{
		instance:      instance,
		adapter:       adapter,
		dev:           dev,
		queue:         queue,
		shaders:       make(map[string]*wgpu.ShaderModule),
		pipelines:     make(map[string]*wgpu.ComputePipeline),
		cache:         newBufferCache(),
		allocMap:      make(map[*byte]*deviceBuffer),
		maxBatchSize:  batch,
		maxWorkingSet: budget * 7 / 10,
		cpu:           device.NewCPU(),
	}
	b.buildPipelines()
	b.encoder = dev.CreateCommandEncoder(nil)
	return b, nil
}

// IsAvailable reports whether a WebGPU adapter can be acquired.
func IsAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()
	instance := wgpu.CreateInstance(nil)
	defer instance.Release()
	adapter, err := instance.RequestAdapter(nil)
	if err != nil {
		return false
	}
	adapter.Release()
	return true
}

// Type returns WebGPU.
func (b *Backend) Type() device.Type { return device.WebGPU }

// Release flushes pending work and frees every GPU resource.
func (b *Backend) Release() {
	if b.batchSize > 0 {
		klog.Warning("webgpu: queued tensor operations at release; missing Synchronize?")
	}
	b.Synchronize()
	b.cache.Clear()
	for _, db := range b.allocMap {
		db.gpu.Release()
	}
	b.allocMap = nil
	for _, p := range b.pipelines {
		p.Release()
	}
	b.pipelines = nil
	for _, s := range b.shaders {
		s.Release()
	}
	b.shaders = nil
	b.queue.Release()
	b.dev.Release()
	b.adapter.Release()
	b.instance.Release()
}

func align(n, a uint64) uint64 {
	return (n + a - 1) / a * a
}

// newGPUBuffer acquires a storage buffer of the aligned size, reusing the
// cache when possible. Allocation pressure first forces a commit, then
// empties the cache before failing.
func (b *Backend) newGPUBuffer(size uint64) (*wgpu.Buffer, uint64, error) {
	asize := align(size, byteAlignment)
	if size >= pageSize {
		asize = align(size, pageSize)
	}

	b.workingSet += asize
	if b.workingSet*2 >= b.maxWorkingSet {
		b.commit()
	}

	if buf := b.cache.Reuse(asize); buf != nil {
		return buf, asize, nil
	}
	buf := b.createStorageBuffer(asize)
	if buf == nil {
		klog.Warningf("webgpu: clearing %s buffer cache to satisfy %s allocation",
			humanize.IBytes(b.cache.Size()), humanize.IBytes(asize))
		b.cache.Clear()
		buf = b.createStorageBuffer(asize)
		if buf == nil {
			return nil, 0, errors.Wrapf(loom.ErrAllocationFailure,
				"webgpu: allocating %d bytes", size)
		}
	}
	return buf, asize, nil
}

func (b *Backend) createStorageBuffer(size uint64) (buf *wgpu.Buffer) {
	defer func() {
		if r := recover(); r != nil {
			buf = nil
		}
	}()
	return b.dev.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
}

// Allocate returns a buffer for count elements padded to the vector
// width.
func (b *Backend) Allocate(count int, dt dtypes.DataType) ([]byte, error) {
	padded := int(align(uint64(count), vectorWidth))
	return b.AllocateBytes(padded * dt.Size())
}

// AllocateBytes allocates GPU storage with a host shadow and registers
// the pair.
func (b *Backend) AllocateBytes(n int) ([]byte, error) {
	if n == 0 {
		n = byteAlignment
	}
	gpu, asize, err := b.newGPUBuffer(uint64(n))
	if err != nil {
		return nil, err
	}
	host := make([]byte, n)
	db := &deviceBuffer{host: host, gpu: gpu, size: asize}
	b.allocMu.Lock()
	b.allocMap[unsafe.SliceData(host)] = db
	b.allocMu.Unlock()
	return host, nil
}

// Deallocate hands the buffer's GPU storage to the deferred-free queue;
// it recycles into the cache only after the batch that may reference it
// completes. Safe to call from finalizers.
func (b *Backend) Deallocate(buf []byte) {
	key := unsafe.SliceData(buf)
	b.allocMu.Lock()
	db, ok := b.allocMap[key]
	if ok {
		delete(b.allocMap, key)
	}
	b.allocMu.Unlock()
	if !ok {
		return
	}
	db.temp = true
	b.freeMu.Lock()
	b.freed = append(b.freed, db)
	b.freeMu.Unlock()
}

// drainFreed moves finalizer-released buffers onto the current batch's
// deferred-free list. Runs on the main flow only.
func (b *Backend) drainFreed() {
	b.freeMu.Lock()
	freed := b.freed
	b.freed = nil
	b.freeMu.Unlock()
	b.temps = append(b.temps, freed...)
}

// lookup resolves a host slice to its registered device buffer.
func (b *Backend) lookup(buf []byte) *deviceBuffer {
	if len(buf) == 0 {
		return nil
	}
	b.allocMu.Lock()
	db := b.allocMap[unsafe.SliceData(buf)]
	b.allocMu.Unlock()
	return db
}

// uploadBuffer creates a GPU buffer pre-filled with host bytes.
func (b *Backend) uploadBuffer(data []byte) *wgpu.Buffer {
	size := align(uint64(len(data)), vectorWidth)
	buf := b.dev.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	mapped := buf.GetMappedRange(0, size)
	dst := unsafe.Slice((*byte)(mapped), size)
	copy(dst, data)
	buf.Unmap()
	return buf
}

// inputBuffer prepares a kernel input. Registered buffers reuse their GPU
// storage, re-uploading first when the host shadow is newer. Foreign host
// memory becomes a temporary GPU buffer scheduled for deferred recycling.
func (b *Backend) inputBuffer(data []byte, byteLen int) *wgpu.Buffer {
	if db := b.lookup(data); db != nil {
		if db.hostDirty {
			upload := b.uploadBuffer(db.host)
			b.encoder.CopyBufferToBuffer(upload, 0, db.gpu, 0, align(uint64(len(db.host)), vectorWidth))
			b.temps = append(b.temps, &deviceBuffer{gpu: upload, size: align(uint64(len(db.host)), vectorWidth), temp: true})
			db.hostDirty = false
		}
		return db.gpu
	}
	upload := b.uploadBuffer(data[:byteLen])
	b.temps = append(b.temps, &deviceBuffer{gpu: upload, size: align(uint64(byteLen), vectorWidth), temp: true})
	return upload
}

// outputBuffer resolves a kernel output, which must be device memory, and
// marks it for readback at the next commit.
func (b *Backend) outputBuffer(data []byte) *deviceBuffer {
	db := b.lookup(data)
	if db == nil {
		panic(errors.Wrap(loom.ErrDeviceFault, "webgpu: kernel output must be device memory"))
	}
	if !db.gpuDirty {
		db.gpuDirty = true
		b.written = append(b.written, db)
	}
	return db
}

// commitBatch counts one dispatch and commits when the batch is full.
func (b *Backend) commitBatch() {
	b.batchSize++
	if b.batchSize >= b.maxBatchSize {
		b.commit()
	}
}

// commit retires the previous command buffer, encodes readbacks for every
// buffer the batch wrote, submits, and opens a fresh encoder. At most one
// command buffer is in flight afterward.
func (b *Backend) commit() {
	b.drainFreed()
	if b.batchSize == 0 && len(b.written) == 0 && len(b.temps) == 0 {
		return
	}

	// One buffer in flight: retire the previously committed batch first.
	b.waitInflight()

	batch := &inflightBatch{temps: b.temps, uniforms: b.uniforms}
	for _, db := range b.written {
		staging := b.dev.CreateBuffer(&wgpu.BufferDescriptor{
			Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
			Size:  align(uint64(len(db.host)), vectorWidth),
		})
		b.encoder.CopyBufferToBuffer(db.gpu, 0, staging, 0, align(uint64(len(db.host)), vectorWidth))
		batch.readbacks = append(batch.readbacks, readback{staging: staging, db: db})
		db.gpuDirty = false
	}

	// Without a readback there is nothing to wait on, yet the batch's
	// temporaries must not recycle before the GPU finishes with them: map
	// a 4-byte fence copy as the completion signal.
	if len(batch.readbacks) == 0 && len(batch.temps) > 0 {
		staging := b.dev.CreateBuffer(&wgpu.BufferDescriptor{
			Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
			Size:  4,
		})
		b.encoder.CopyBufferToBuffer(batch.temps[0].gpu, 0, staging, 0, 4)
		batch.readbacks = append(batch.readbacks, readback{staging: staging})
	}

	cmd := b.encoder.Finish(nil)
	b.queue.Submit(cmd)
	b.inflight = batch

	if b.cache.Size() > b.maxWorkingSet {
		b.cache.ReduceSize(b.cache.Size() - b.maxWorkingSet)
	}

	b.written = nil
	b.temps = nil
	b.uniforms = nil
	b.encoder = b.dev.CreateCommandEncoder(nil)

	if b.batchSize > b.maxBatchSeen {
		b.maxBatchSeen = b.batchSize
	}
	b.batchSize = 0
	b.workingSet = 0
}

// waitInflight blocks until the committed command buffer completes, reads
// every written buffer back into its host shadow, and recycles the
// batch's temporary buffers into the cache. Recycling must not happen
// earlier: the GPU may still read the temporaries until completion.
func (b *Backend) waitInflight() {
	if b.inflight == nil {
		return
	}
	for _, rb := range b.inflight.readbacks {
		size := uint64(4)
		if rb.db != nil {
			size = align(uint64(len(rb.db.host)), vectorWidth)
		}
		if err := rb.staging.MapAsync(b.dev, wgpu.MapModeRead, 0, size); err != nil {
			klog.Errorf("webgpu: command buffer failed: %v", err)
			panic(errors.Wrapf(loom.ErrDeviceFault, "webgpu: reading back %d bytes: %v", size, err))
		}
		if rb.db != nil {
			mapped := rb.staging.GetMappedRange(0, size)
			src := unsafe.Slice((*byte)(mapped), size)
			copy(rb.db.host, src)
		}
		rb.staging.Unmap()
		rb.staging.Release()
	}
	for _, db := range b.inflight.temps {
		b.cache.Recycle(db.gpu, db.size)
	}
	for _, u := range b.inflight.uniforms {
		u.Release()
	}
	b.inflight = nil
}

// Synchronize commits the open batch and waits for it to complete.
func (b *Backend) Synchronize() {
	b.commit()
	b.waitInflight()
}

// CommitAndWait flushes all pending work.
func (b *Backend) CommitAndWait() { b.Synchronize() }

// EmptyCache drops every cached buffer.
func (b *Backend) EmptyCache() {
	b.cache.Clear()
}
