// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package chunkio

import (
	"math"
	"sync/atomic"
	"unsafe"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/spin"
	"github.com/pkg/errors"
)

// pageNone marks an empty free list head.
const pageNone = math.MaxUint32

// PagePool is a bounded lock-free LIFO of fixed-size, page-aligned RAM
// buffers carved from one contiguous memory region. All pages have size
// 1 << blockOrder and are aligned to their own size, as required for
// registered-buffer DMA.
//
// A popped page is exclusively owned by the popper until pushed back; a
// page is either in the pool or in exactly one chunk cache, never both.
// Pushing a buffer that was not carved from this pool's region is a misuse
// and panics. Pushing the same page twice is also a misuse, but it is not
// detected: Push does not check whether the page is already in the pool.
//
// The free list head packs a 32-bit generation counter with the head page
// index into a single 64-bit word, so compare-and-swap updates are immune
// to the ABA problem when a page is popped and pushed back between a load
// and the matching CAS.
//
// PagePool is safe for concurrent use. Pop does not wait when the pool is
// non-empty; on an empty pool it returns iox.ErrWouldBlock instead of
// blocking, acknowledging that page exhaustion is resolved by another
// chunk releasing its working set, not by spinning harder.
type PagePool struct {
	_ noCopy

	membuf      []byte
	base        uintptr
	blockNumber uint32
	blockOrder  uint32

	// next holds the free-list links, indexed by page number. A link is
	// only written by the owner of page i during Push, before the page
	// is published with a CAS on head; atomic access keeps the stale
	// reads taken by racing poppers well defined.
	next []atomic.Uint32

	// head packs {generation:32 | page index:32}.
	head atomic.Uint64
}

// NewPagePool partitions membuf into blockNumber pages of 1 << blockOrder
// bytes each and pushes them all onto the internal LIFO.
//
// membuf must be at least blockNumber << blockOrder bytes long and its
// base address must be aligned to the page size (see AlignedMem).
// blockOrder must be in [6, 30]; typical values are 17 to 21.
func NewPagePool(blockNumber int, blockOrder int, membuf []byte) (*PagePool, error) {
	if blockNumber < 1 || blockNumber >= pageNone {
		return nil, errors.Errorf("chunkio: bad block number %d", blockNumber)
	}
	if blockOrder < 6 || blockOrder > 30 {
		return nil, errors.Errorf("chunkio: bad block order %d", blockOrder)
	}
	blockSize := uintptr(1) << blockOrder
	if membuf == nil || len(membuf) < blockNumber<<blockOrder {
		return nil, errors.New("chunkio: pool buffer is nil or too small")
	}
	base := uintptr(unsafe.Pointer(unsafe.SliceData(membuf)))
	if base&(blockSize-1) != 0 {
		return nil, errors.Errorf("chunkio: pool buffer is not aligned to %d bytes", blockSize)
	}

	pool := &PagePool{
		membuf:      membuf,
		base:        base,
		blockNumber: uint32(blockNumber),
		blockOrder:  uint32(blockOrder),
		next:        make([]atomic.Uint32, blockNumber),
	}
	for i := range uint32(blockNumber) - 1 {
		pool.next[i].Store(i + 1)
	}
	pool.next[blockNumber-1].Store(pageNone)
	pool.head.Store(0)
	return pool, nil
}

// BlockNumber returns the total number of pages the pool was built with.
func (pool *PagePool) BlockNumber() int { return int(pool.blockNumber) }

// BlockOrder returns log2 of the page size.
func (pool *PagePool) BlockOrder() int { return int(pool.blockOrder) }

// BlockSize returns the page size in bytes.
func (pool *PagePool) BlockSize() int { return 1 << pool.blockOrder }

// Base returns the starting address of the pool region. Useful for
// identifying the pool in diagnostics.
func (pool *PagePool) Base() uintptr { return pool.base }

// Pop removes one page from the pool and transfers its ownership to the
// caller. Returns iox.ErrWouldBlock if the pool is empty.
func (pool *PagePool) Pop() ([]byte, error) {
	sw := spin.Wait{}
	for {
		h := pool.head.Load()
		idx := uint32(h)
		if idx == pageNone {
			return nil, iox.ErrWouldBlock
		}
		// The link read may be stale if another popper won the race;
		// the generation bump makes the CAS below fail in that case.
		nxt := pool.next[idx].Load()
		tag := (h >> 32) + 1
		if pool.head.CompareAndSwap(h, tag<<32|uint64(nxt)) {
			return pool.page(idx), nil
		}
		sw.Once()
	}
}

// Push returns a page previously obtained from Pop to the pool.
// The buffer must be one of this pool's pages; anything else panics.
func (pool *PagePool) Push(buf []byte) {
	idx := pool.index(buf)
	sw := spin.Wait{}
	for {
		h := pool.head.Load()
		pool.next[idx].Store(uint32(h))
		tag := (h >> 32) + 1
		if pool.head.CompareAndSwap(h, tag<<32|uint64(idx)) {
			return
		}
		sw.Once()
	}
}

// Empty reports whether the pool currently has no free pages.
func (pool *PagePool) Empty() bool {
	return uint32(pool.head.Load()) == pageNone
}

// Index returns the pool page number of the given buffer. The page pool
// region is registered with the I/O engine one iovec per page, so this is
// also the registered buffer index used for fixed-buffer I/O.
func (pool *PagePool) Index(buf []byte) int {
	return int(pool.index(buf))
}

// IoVecs returns one IoVec per pool page, in page order, for registering
// the whole region with an Engine.
func (pool *PagePool) IoVecs() []IoVec {
	vec := make([]IoVec, pool.blockNumber)
	for i := range pool.blockNumber {
		p := pool.page(i)
		vec[i] = IoVec{Base: unsafe.SliceData(p), Len: uint64(len(p))}
	}
	return vec
}

func (pool *PagePool) page(idx uint32) []byte {
	blockSize := 1 << pool.blockOrder
	lo, hi := int(idx)*blockSize, (int(idx)+1)*blockSize
	return pool.membuf[lo:hi:hi]
}

func (pool *PagePool) index(buf []byte) uint32 {
	if len(buf) != 1<<pool.blockOrder {
		panic("invalid page pool buffer")
	}
	off := uintptr(unsafe.Pointer(unsafe.SliceData(buf))) - pool.base
	if off&(1<<pool.blockOrder-1) != 0 {
		panic("invalid page pool buffer")
	}
	idx := off >> pool.blockOrder
	if idx >= uintptr(pool.blockNumber) {
		panic("invalid page pool buffer")
	}
	return uint32(idx)
}
