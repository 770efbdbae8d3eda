// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package chunkio_test

import (
	"sync"
	"testing"

	"code.hybscloud.com/chunkio"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/spin"
)

func newTestPool(t *testing.T, blocks, order int) *chunkio.PagePool {
	t.Helper()
	mem := chunkio.AlignedMem(blocks<<order, 1<<order)
	pool, err := chunkio.NewPagePool(blocks, order, mem)
	if err != nil {
		t.Fatalf("NewPagePool() failed: %v", err)
	}
	return pool
}

func TestPagePool_BasicPopPush(t *testing.T) {
	const blocks = 16
	const order = 12
	pool := newTestPool(t, blocks, order)

	// Pop all pages
	pages := make([][]byte, blocks)
	for i := range blocks {
		p, err := pool.Pop()
		if err != nil {
			t.Fatalf("Pop() failed at iteration %d: %v", i, err)
		}
		if len(p) != 1<<order {
			t.Fatalf("Pop() returned %d bytes, want %d", len(p), 1<<order)
		}
		pages[i] = p
	}
	if !pool.Empty() {
		t.Error("pool not empty after popping all pages")
	}

	// Push all pages back
	for _, p := range pages {
		pool.Push(p)
	}
	if pool.Empty() {
		t.Error("pool empty after pushing all pages back")
	}

	// Verify we can pop them again
	for i := range blocks {
		_, err := pool.Pop()
		if err != nil {
			t.Fatalf("second Pop() failed at iteration %d: %v", i, err)
		}
	}
}

func TestPagePool_PopEmpty(t *testing.T) {
	const blocks = 4
	const order = 12
	pool := newTestPool(t, blocks, order)

	for range blocks {
		if _, err := pool.Pop(); err != nil {
			t.Fatalf("Pop() failed: %v", err)
		}
	}

	_, err := pool.Pop()
	if err != iox.ErrWouldBlock {
		t.Errorf("expected iox.ErrWouldBlock on empty pool, got %v", err)
	}
}

func TestPagePool_LIFOOrder(t *testing.T) {
	const blocks = 8
	const order = 12
	pool := newTestPool(t, blocks, order)

	a, err := pool.Pop()
	if err != nil {
		t.Fatalf("Pop() failed: %v", err)
	}
	b, err := pool.Pop()
	if err != nil {
		t.Fatalf("Pop() failed: %v", err)
	}
	pool.Push(a)
	pool.Push(b)

	// Last pushed comes back first.
	c, err := pool.Pop()
	if err != nil {
		t.Fatalf("Pop() failed: %v", err)
	}
	if pool.Index(c) != pool.Index(b) {
		t.Errorf("Pop() = page %d, want last-pushed page %d", pool.Index(c), pool.Index(b))
	}
}

func TestPagePool_Alignment(t *testing.T) {
	const blocks = 8
	const order = 13
	pool := newTestPool(t, blocks, order)

	for range blocks {
		p, err := pool.Pop()
		if err != nil {
			t.Fatalf("Pop() failed: %v", err)
		}
		addr := uintptr(pool.Base()) + uintptr(pool.Index(p))<<order
		if addr&(1<<order-1) != 0 {
			t.Errorf("page %d not aligned to %d", pool.Index(p), 1<<order)
		}
	}
}

func TestPagePool_Index(t *testing.T) {
	const blocks = 8
	const order = 12
	pool := newTestPool(t, blocks, order)

	seen := make(map[int]bool)
	for range blocks {
		p, err := pool.Pop()
		if err != nil {
			t.Fatalf("Pop() failed: %v", err)
		}
		idx := pool.Index(p)
		if idx < 0 || idx >= blocks {
			t.Fatalf("Index() = %d out of range", idx)
		}
		if seen[idx] {
			t.Fatalf("Index() = %d seen twice", idx)
		}
		seen[idx] = true
	}
}

func TestPagePool_IoVecs(t *testing.T) {
	const blocks = 4
	const order = 12
	pool := newTestPool(t, blocks, order)

	vecs := pool.IoVecs()
	if len(vecs) != blocks {
		t.Fatalf("IoVecs() returned %d entries, want %d", len(vecs), blocks)
	}
	for i, v := range vecs {
		if v.Len != 1<<order {
			t.Errorf("iovec %d length = %d, want %d", i, v.Len, 1<<order)
		}
	}
}

func TestPagePool_PushForeignPanics(t *testing.T) {
	const blocks = 4
	const order = 12
	pool := newTestPool(t, blocks, order)

	defer func() {
		if r := recover(); r == nil {
			t.Error("Push() of a foreign buffer did not panic")
		}
	}()
	pool.Push(make([]byte, 1<<order))
}

func TestNewPagePool_InvalidArgs(t *testing.T) {
	mem := chunkio.AlignedMem(4<<12, 1<<12)

	if _, err := chunkio.NewPagePool(0, 12, mem); err == nil {
		t.Error("NewPagePool(0 blocks) did not fail")
	}
	if _, err := chunkio.NewPagePool(4, 3, mem); err == nil {
		t.Error("NewPagePool(order 3) did not fail")
	}
	if _, err := chunkio.NewPagePool(4, 12, nil); err == nil {
		t.Error("NewPagePool(nil buffer) did not fail")
	}
	if _, err := chunkio.NewPagePool(8, 12, mem); err == nil {
		t.Error("NewPagePool(short buffer) did not fail")
	}
	if _, err := chunkio.NewPagePool(4, 12, chunkio.AlignedMem(4<<12+1, 1<<12)[1:]); err == nil {
		t.Error("NewPagePool(unaligned buffer) did not fail")
	}
}

func TestPagePool_Concurrent(t *testing.T) {
	const blocks = 64
	const order = 12
	const goroutines = 16
	iterations := 2000
	if raceEnabled {
		iterations = 500
	}

	pool := newTestPool(t, blocks, order)

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for g := range goroutines {
		go func(id int) {
			defer wg.Done()
			for i := range iterations {
				p, err := pool.Pop()
				if err != nil {
					t.Errorf("goroutine %d iteration %d: Pop() failed: %v", id, i, err)
					return
				}
				// Simulate some work
				p[0] = byte(id)
				spin.Yield()
				pool.Push(p)
			}
		}(g)
	}

	wg.Wait()
}

func TestPagePool_HighContention(t *testing.T) {
	// High contention test with many goroutines on a small pool
	const blocks = 4
	const order = 12
	const goroutines = 16
	iterations := 2000
	if raceEnabled {
		iterations = 500
	}

	pool := newTestPool(t, blocks, order)

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for range goroutines {
		go func() {
			defer wg.Done()
			for range iterations {
				p, err := pool.Pop()
				if err != nil {
					spin.Yield()
					continue
				}
				spin.Yield()
				pool.Push(p)
			}
		}()
	}

	wg.Wait()

	// Every page is back: ownership never leaked.
	n := 0
	for {
		if _, err := pool.Pop(); err != nil {
			break
		}
		n++
	}
	if n != blocks {
		t.Errorf("pool drained %d pages, want %d", n, blocks)
	}
}
