// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package chunkio

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/pkg/errors"
)

// Chunk is a logical array of float64 elements persisted in one byte range
// of a Storage region. Accesses go through a local write-back page cache;
// see the package documentation for the staging model.
//
// A chunk must be driven by a single executor. Read and write positions
// are element indices in [0, Len()).
type Chunk struct {
	cache *cache

	eng   Engine
	st    *Storage
	pool  *PagePool
	off   int64  // byte offset inside the storage region
	pages uint32 // capacity in pages (N)
	elems uint64 // addressable float64 elements: N << (blockOrder-3)
	order uint32
}

// NewChunk allocates userBytes of backing space from st and returns a
// chunk staged through pool and eng, with DefaultPredictionRate.
//
// The pool region is registered with the engine here, so the engine must
// be fresh or already hold this pool's registration. Fails with iox.ErrWouldBlock when the pool cannot supply the
// first cache page; callers may retry after other chunks release pages.
func NewChunk(eng Engine, st *Storage, pool *PagePool, userBytes int64) (*Chunk, error) {
	return NewChunkWithPrediction(eng, st, pool, userBytes, DefaultPredictionRate)
}

// NewChunkWithPrediction is NewChunk with an explicit initial predictor
// value in [0, 255].
func NewChunkWithPrediction(eng Engine, st *Storage, pool *PagePool, userBytes int64, prediction uint8) (*Chunk, error) {
	pages, err := chunkGeometry(pool, userBytes)
	if err != nil {
		return nil, err
	}
	off, err := st.Allocate(int64(pages) << pool.BlockOrder())
	if err != nil {
		return nil, err
	}
	ck, err := attach(eng, st, pool, off, pages, prediction)
	if err != nil {
		st.Free(off, int64(pages)<<pool.BlockOrder())
		return nil, err
	}
	return ck, nil
}

// AttachChunk reopens a chunk over an existing byte range of the region,
// for example after a process restart. The caller re-supplies the same
// offset and size it created the chunk with; contents are preserved.
func AttachChunk(eng Engine, st *Storage, pool *PagePool, off int64, userBytes int64) (*Chunk, error) {
	pages, err := chunkGeometry(pool, userBytes)
	if err != nil {
		return nil, err
	}
	if off < 0 || off&int64(pool.BlockSize()-1) != 0 {
		return nil, errors.Errorf("chunkio: bad chunk offset %d", off)
	}
	if off+int64(pages)<<pool.BlockOrder() > st.Capacity() {
		return nil, errors.Errorf("chunkio: chunk range [%d, %d) exceeds region capacity %d",
			off, off+int64(pages)<<pool.BlockOrder(), st.Capacity())
	}
	return attach(eng, st, pool, off, pages, DefaultPredictionRate)
}

func chunkGeometry(pool *PagePool, userBytes int64) (uint32, error) {
	if userBytes <= 0 {
		return 0, errors.Errorf("chunkio: bad chunk size %d", userBytes)
	}
	blockSize := int64(pool.BlockSize())
	pages := (userBytes + blockSize - 1) / blockSize
	return uint32(pages), nil
}

func attach(eng Engine, st *Storage, pool *PagePool, off int64, pages uint32, prediction uint8) (*Chunk, error) {
	if eng == nil || st == nil || pool == nil {
		return nil, errors.New("chunkio: nil collaborator")
	}
	if err := eng.RegisterBuffers(pool.IoVecs()); err != nil {
		return nil, err
	}
	c, err := newCache(eng, pool, st.Fd(), off, pages, prediction)
	if err != nil {
		return nil, err
	}
	return &Chunk{
		cache: c,
		eng:   eng,
		st:    st,
		pool:  pool,
		off:   off,
		pages: pages,
		elems: uint64(pages) << (uint32(pool.BlockOrder()) - doubleOrder),
		order: uint32(pool.BlockOrder()),
	}, nil
}

// Len returns the number of addressable float64 elements. The count is
// page-rounded and may exceed the userBytes the chunk was created with.
func (ck *Chunk) Len() uint64 { return ck.elems }

// Pages returns the chunk capacity in pages.
func (ck *Chunk) Pages() int { return int(ck.pages) }

// Offset returns the chunk's byte offset inside the storage region, to be
// re-supplied to AttachChunk across restarts.
func (ck *Chunk) Offset() int64 { return ck.off }

// ReadDouble returns the element at pos. An out-of-range position or an
// engine submission failure is reported through the package logger and
// yields 0; the chunk state is not mutated.
func (ck *Chunk) ReadDouble(pos uint64) float64 {
	if pos >= ck.elems {
		logger.Errorf("chunkio: read position %d out of range [0, %d)", pos, ck.elems)
		return 0
	}
	buf, err := ck.cache.fetch(ck.pageID(pos))
	if err != nil || buf == nil {
		logger.Errorf("chunkio: read at %d: %v", pos, err)
		return 0
	}
	return *(*float64)(unsafe.Pointer(&buf[ck.elemOffset(pos)]))
}

// WriteDouble stores value at pos. An out-of-range position or an engine
// submission failure is reported through the package logger and the write
// is dropped.
func (ck *Chunk) WriteDouble(pos uint64, value float64) {
	if pos >= ck.elems {
		logger.Errorf("chunkio: write position %d out of range [0, %d)", pos, ck.elems)
		return
	}
	buf, err := ck.cache.fetch(ck.pageID(pos))
	if err != nil || buf == nil {
		logger.Errorf("chunkio: write at %d: %v", pos, err)
		return
	}
	*(*float64)(unsafe.Pointer(&buf[ck.elemOffset(pos)])) = value
	ck.cache.markDirty()
}

// Sync blocks until every queued write-back has been submitted and every
// outstanding I/O has completed. On return all earlier writes are durable
// in the backing file and every cache line is clean.
func (ck *Chunk) Sync() error {
	return ck.cache.sync()
}

// Close flushes the chunk and returns its pages to the pool. The chunk
// must not be used afterwards; its backing range stays allocated in the
// region (bump allocation does not reclaim).
func (ck *Chunk) Close() error {
	if ck.cache == nil {
		return nil
	}
	err := ck.cache.sync()
	ck.cache.release()
	ck.st.Free(ck.off, int64(ck.pages)<<ck.order)
	ck.cache = nil
	return err
}

// Print writes a human-readable dump of the chunk state for debugging.
func (ck *Chunk) Print(w io.Writer) {
	fmt.Fprintf(w, "chunk: pool=%#x capacity=%d B pagesize=%d B offset=%d\n",
		ck.pool.Base(), int64(ck.pages)<<ck.order, 1<<ck.order, ck.off)
	c := ck.cache
	fmt.Fprintf(w, "cache: lines=%d/%d usage=%d current=%d prediction=%d queued=%d\n",
		len(c.lines), cap(c.lines), c.usage, c.current, c.prediction, c.queue.blockCount())
	for i := range c.lines {
		ln := &c.lines[i]
		state := ln.pending.String()
		dirty := "CLEAN"
		if ln.dirty {
			dirty = "DIRTY"
		}
		fmt.Fprintf(w, "  line %2d: id=%-8d %-14s %s addr=%#x\n",
			i, ln.id, state, dirty, uintptr(unsafe.Pointer(unsafe.SliceData(ln.buf))))
	}
}

func (ck *Chunk) pageID(pos uint64) uint32 {
	return uint32(pos >> (ck.order - doubleOrder))
}

func (ck *Chunk) elemOffset(pos uint64) uint64 {
	return (pos & (1<<(ck.order-doubleOrder) - 1)) << doubleOrder
}
