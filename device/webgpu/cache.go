// Package webgpu implements the accelerator backend on top of the WebGPU
// API: a heap-backed allocator with a reusable-buffer cache, a batched
// command queue with at most one command buffer in flight, a precompiled
// per-dtype kernel pipeline table, and CPU fall-through for data types the
// GPU cannot execute.
package webgpu

import (
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/go-webgpu/webgpu/wgpu"
	"k8s.io/klog/v2"
)

// bufferCache keeps released GPU buffers keyed by their aligned byte size
// so subsequent allocations of the same size skip the heap entirely.
// Buffers enter the cache only after the command buffer that referenced
// them has completed.
type bufferCache struct {
	pools map[uint64][]*wgpu.Buffer
	size  uint64
}

func newBufferCache() *bufferCache {
	return &bufferCache{pools: make(map[uint64][]*wgpu.Buffer)}
}

// Reuse returns a cached buffer of exactly the aligned size, or nil. The
// tight fit avoids handing out oversized buffers that would waste memory.
func (c *bufferCache) Reuse(size uint64) *wgpu.Buffer {
	pool := c.pools[size]
	if len(pool) == 0 {
		return nil
	}
	buf := pool[len(pool)-1]
	c.pools[size] = pool[:len(pool)-1]
	c.size -= size
	return buf
}

// Recycle returns a buffer to its size pool.
func (c *bufferCache) Recycle(buf *wgpu.Buffer, size uint64) {
	c.pools[size] = append(c.pools[size], buf)
	c.size += size
}

// Size returns the total bytes held by the cache.
func (c *bufferCache) Size() uint64 {
	return c.size
}

// Clear releases every cached buffer.
func (c *bufferCache) Clear() {
	for size, pool := range c.pools {
		for _, buf := range pool {
			buf.Release()
		}
		delete(c.pools, size)
	}
	c.size = 0
}

// ReduceSize evicts buffers, largest sizes first, until at least the
// requested number of bytes has been freed.
func (c *bufferCache) ReduceSize(bytes uint64) {
	sizes := make([]uint64, 0, len(c.pools))
	for size := range c.pools {
		sizes = append(sizes, size)
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] > sizes[j] })

	var freed uint64
	for _, size := range sizes {
		pool := c.pools[size]
		for len(pool) > 0 && freed < bytes {
			buf := pool[len(pool)-1]
			pool = pool[:len(pool)-1]
			buf.Release()
			freed += size
			c.size -= size
		}
		if len(pool) == 0 {
			delete(c.pools, size)
		} else {
			c.pools[size] = pool
		}
		if freed >= bytes {
			break
		}
	}
	if freed > 0 {
		klog.V(2).Infof("webgpu: buffer cache evicted %s", humanize.IBytes(freed))
	}
}
