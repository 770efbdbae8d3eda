// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package chunkio provides an out-of-core array of float64 elements whose
// capacity exceeds physical RAM, backed by a preallocated file on an SSD.
//
// Element reads and writes look like ordinary indexed accesses. Underneath,
// each chunk stages fixed-size pages between a shared RAM page pool and its
// byte range of the backing file through a per-chunk write-back cache and an
// asynchronous submission/completion ring.
//
// # Components
//
//   - PagePool: a bounded, lock-free LIFO of page-aligned RAM buffers shared
//     by all chunks of a process.
//   - Storage: a bump allocator over a preallocated backing file; hands out
//     byte ranges to chunks.
//   - Engine: the submission/completion ring abstraction. On Linux it is
//     implemented over io_uring with registered buffers; fixed-buffer reads
//     and writes move single pages, vectored writes flush coalesced runs of
//     dirty pages.
//   - Chunk: the user-facing facade. It owns a small associative cache of at
//     most CachelinesMax lines, a saturating sequential-access predictor that
//     drives one-page read-ahead, and a write-coalescing queue that merges
//     adjacent dirty pages into batched vectored writes.
//
// # Usage
//
//	st, _ := chunkio.OpenStorage("data.bin", 1<<30)
//	mem := chunkio.AlignedMem(64<<17, 1<<17)
//	pool, _ := chunkio.NewPagePool(64, 17, mem)
//	eng, _ := chunkio.OpenEngine(chunkio.DefaultQueueDepth)
//	ck, _ := chunkio.NewChunk(eng, st, pool, 512<<17)
//
//	ck.WriteDouble(42, 3.14)
//	v := ck.ReadDouble(42)
//	_ = ck.Sync()
//	_ = ck.Close()
//
// # Concurrency
//
// Each chunk is driven by exactly one executor: one goroutine performs its
// accesses, submits its I/O and drains its completions. Distinct chunks owned
// by distinct executors progress in parallel and may share one PagePool.
// Completion tags are chunk-relative, so an Engine instance must not be
// shared by two concurrently driven chunks; open one ring per chunk executor.
//
// # Durability
//
// Sync establishes a barrier: on return every earlier write is durable in the
// backing file. There is no crash consistency and no ordering guarantee
// between chunks. The file holds raw page images only; chunk boundaries must
// be re-supplied by the caller across process restarts (see AttachChunk).
package chunkio
