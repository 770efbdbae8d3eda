// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package chunkio_test

import (
	"testing"
	"unsafe"

	"code.hybscloud.com/chunkio"
)

func TestAlignedMem(t *testing.T) {
	sizes := []int{1, 4096, 65536, 1 << 17}
	aligns := []uintptr{4096, 1 << 13, 1 << 17}

	for _, size := range sizes {
		for _, align := range aligns {
			mem := chunkio.AlignedMem(size, align)
			if len(mem) != size {
				t.Errorf("AlignedMem(%d, %d) length = %d", size, align, len(mem))
			}
			addr := uintptr(unsafe.Pointer(unsafe.SliceData(mem)))
			if addr%align != 0 {
				t.Errorf("AlignedMem(%d, %d) address %#x not aligned", size, align, addr)
			}
		}
	}
}

func TestAlignedMemBlocks(t *testing.T) {
	const n = 16
	const blockSize = 4096
	blocks := chunkio.AlignedMemBlocks(n, blockSize)
	if len(blocks) != n {
		t.Fatalf("AlignedMemBlocks() returned %d blocks, want %d", len(blocks), n)
	}
	for i, b := range blocks {
		if len(b) != blockSize {
			t.Errorf("block %d length = %d, want %d", i, len(b), blockSize)
		}
		addr := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
		if addr%blockSize != 0 {
			t.Errorf("block %d address %#x not aligned", i, addr)
		}
	}

	// Blocks are contiguous and disjoint.
	for i := 1; i < n; i++ {
		prev := uintptr(unsafe.Pointer(unsafe.SliceData(blocks[i-1])))
		cur := uintptr(unsafe.Pointer(unsafe.SliceData(blocks[i])))
		if cur-prev != blockSize {
			t.Errorf("blocks %d and %d not adjacent", i-1, i)
		}
	}
}

func TestAlignedMemBlocks_PanicOnBadCount(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("AlignedMemBlocks(0) did not panic")
		}
	}()
	_ = chunkio.AlignedMemBlocks(0, 4096)
}

func TestCacheLineAlignedMem(t *testing.T) {
	mem := chunkio.CacheLineAlignedMem(1024)
	if len(mem) != 1024 {
		t.Errorf("CacheLineAlignedMem(1024) length = %d", len(mem))
	}
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(mem)))
	if addr%chunkio.CacheLineSize != 0 {
		t.Errorf("address %#x not cache line aligned", addr)
	}
}
