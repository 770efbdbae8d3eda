// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package chunkio

import (
	"unsafe"

	"code.hybscloud.com/chunkio/internal"
)

// AlignedMem returns a byte slice with the specified size
// and starting address aligned to align bytes.
//
// This is useful for DMA operations and io_uring registered buffers
// that require page-aligned memory addresses. The pool region handed to
// NewPagePool must be aligned to the page size, which this provides.
//
// The returned slice shares underlying memory with a larger allocation;
// do not assume len(result) == cap(result).
func AlignedMem(size int, align uintptr) []byte {
	p := make([]byte, uintptr(size)+align-1)
	base := unsafe.Pointer(unsafe.SliceData(p))
	offset := ((uintptr(base)+align-1)/align)*align - uintptr(base)
	return unsafe.Slice((*byte)(unsafe.Add(base, offset)), size)
}

// AlignedMemBlocks returns n aligned byte slices, each of length blockSize.
//
// All returned slices share a single contiguous underlying allocation,
// which is more memory-efficient than calling AlignedMem n times.
//
// Panics if n < 1.
func AlignedMemBlocks(n int, blockSize uintptr) (blocks [][]byte) {
	if n < 1 {
		panic("bad block num")
	}
	blocks = make([][]byte, n)
	p := make([]byte, blockSize*uintptr(n+1))
	base := unsafe.Pointer(unsafe.SliceData(p))
	offset := ((uintptr(base)+blockSize-1)/blockSize)*blockSize - uintptr(base)
	for i := range n {
		blocks[i] = unsafe.Slice((*byte)(unsafe.Add(base, offset+uintptr(i)*blockSize)), blockSize)
	}
	return
}

// CacheLineSize is the CPU L1 cache line size for the current architecture.
// This is detected at compile time based on the target architecture:
//   - amd64: 64 bytes (Intel/AMD)
//   - arm64: 128 bytes (conservative for Apple Silicon)
//   - riscv64: 64 bytes
//   - loong64: 64 bytes
//   - others: 64 bytes (default)
const CacheLineSize = internal.CacheLineSize

// CacheLineAlignedMem returns a byte slice with the specified size
// and starting address aligned to the CPU cache line size.
// This is useful for preventing false sharing in concurrent data structures.
func CacheLineAlignedMem(size int) []byte {
	return AlignedMem(size, uintptr(CacheLineSize))
}
