// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package chunkio

import (
	"bytes"
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"

	"code.hybscloud.com/iox"
	"github.com/stretchr/testify/require"
)

func TestChunkSinglePageWriteReadSync(t *testing.T) {
	// A chunk of exactly one page (2^17 bytes, 16384 doubles) exercises
	// the singleline path end to end.
	const order = 17
	rig := newTestRig(t, 2, order, 1<<order)
	ck := rig.ck

	n := ck.Len()
	require.Equal(t, uint64(16384), n)
	for i := uint64(0); i < n; i++ {
		ck.WriteDouble(i, 42.0)
	}
	require.NoError(t, ck.Sync())
	require.Equal(t, 42.0, ck.ReadDouble(0))
	require.Equal(t, 42.0, ck.ReadDouble(16383))
	checkInvariants(t, ck.cache)
}

func TestChunkWriteReadRoundTrip(t *testing.T) {
	const order = 12
	rig := newTestRig(t, 8, order, 16<<order)
	ck := rig.ck

	positions := []uint64{0, 1, 511, 512, 513, 4095, 4096, ck.Len() - 1}
	for _, pos := range positions {
		ck.WriteDouble(pos, float64(pos)+0.5)
		require.Equal(t, float64(pos)+0.5, ck.ReadDouble(pos), "pos %d", pos)
	}
	require.NoError(t, ck.Sync())
	for _, pos := range positions {
		require.Equal(t, float64(pos)+0.5, ck.ReadDouble(pos), "pos %d after sync", pos)
	}
}

func TestChunkOutOfRangeIsReported(t *testing.T) {
	const order = 12
	rig := newTestRig(t, 4, order, 4<<order)
	ck := rig.ck

	require.Equal(t, 0.0, ck.ReadDouble(ck.Len()))
	ck.WriteDouble(ck.Len(), 1.0) // dropped
	require.NoError(t, ck.Sync())
	checkInvariants(t, ck.cache)
}

func TestChunkRepeatedSyncIsIdempotent(t *testing.T) {
	const order = 12
	rig := newTestRig(t, 4, order, 8<<order)
	ck := rig.ck

	ck.WriteDouble(100, 7.0)
	require.NoError(t, ck.Sync())
	writes := rig.eng.writes
	require.NoError(t, ck.Sync())
	require.NoError(t, ck.Sync())
	require.Equal(t, writes, rig.eng.writes, "idempotent sync issued I/O")
	require.Equal(t, 7.0, ck.ReadDouble(100))
}

func TestChunkSyncBarrierVisibleInFile(t *testing.T) {
	// After sync, the backing file holds the raw page image: the double
	// written at pos 100 sits at offset + 100*8 inside page 0.
	const order = 12
	rig := newTestRig(t, 4, order, 8<<order)
	ck := rig.ck

	ck.WriteDouble(100, 7.0)
	require.NoError(t, ck.Sync())

	raw := make([]byte, 8)
	_, err := rig.st.file().ReadAt(raw, ck.Offset()+100*8)
	require.NoError(t, err)
	require.Equal(t, 7.0, math.Float64frombits(binary.LittleEndian.Uint64(raw)))
}

func TestChunkPoolExhaustionAndRecovery(t *testing.T) {
	// A 4-page pool serves chunk A's 4-page working set; creating B
	// fails until A releases its pages.
	const order = 12
	const poolBlocks = 4
	capacity := int64(16) << order

	st, err := OpenStorage(filepath.Join(t.TempDir(), "chunks.bin"), capacity)
	require.NoError(t, err)
	defer st.Close()

	mem := AlignedMem(poolBlocks<<order, 1<<order)
	pool, err := NewPagePool(poolBlocks, order, mem)
	require.NoError(t, err)

	engA := newStubEngine(st.file())
	ckA, err := NewChunk(engA, st, pool, 4<<order)
	require.NoError(t, err)

	// Touch all four pages so the working set grows to the pool size.
	elemsPerPage := uint64(1) << (order - doubleOrder)
	for page := uint64(0); page < 4; page++ {
		ckA.WriteDouble(page*elemsPerPage, float64(page))
	}
	require.Equal(t, poolBlocks, len(ckA.cache.lines))
	require.True(t, pool.Empty())

	engB := newStubEngine(st.file())
	_, err = NewChunk(engB, st, pool, 4<<order)
	require.ErrorIs(t, err, iox.ErrWouldBlock)

	require.NoError(t, ckA.Close())
	require.False(t, pool.Empty())

	ckB, err := NewChunk(engB, st, pool, 4<<order)
	require.NoError(t, err)
	require.NoError(t, ckB.Close())
}

func TestChunkCloseThenAttachPreservesContents(t *testing.T) {
	const order = 12
	const chunkBytes = int64(8) << order

	st, err := OpenStorage(filepath.Join(t.TempDir(), "reopen.bin"), 2*chunkBytes)
	require.NoError(t, err)
	defer st.Close()

	mem := AlignedMem(8<<order, 1<<order)
	pool, err := NewPagePool(8, order, mem)
	require.NoError(t, err)

	eng := newStubEngine(st.file())
	ck, err := NewChunk(eng, st, pool, chunkBytes)
	require.NoError(t, err)
	off := ck.Offset()

	n := ck.Len()
	for i := uint64(0); i < n; i += 97 {
		ck.WriteDouble(i, float64(i)*2)
	}
	require.NoError(t, ck.Close())

	eng2 := newStubEngine(st.file())
	ck2, err := AttachChunk(eng2, st, pool, off, chunkBytes)
	require.NoError(t, err)
	for i := uint64(0); i < n; i += 97 {
		require.Equal(t, float64(i)*2, ck2.ReadDouble(i), "pos %d after reattach", i)
	}
	require.NoError(t, ck2.Close())
}

func TestChunkSmallerThanOnePage(t *testing.T) {
	const order = 12
	rig := newTestRig(t, 2, order, 100) // 100 bytes rounds up to one page
	ck := rig.ck

	require.Equal(t, 1, ck.Pages())
	require.Equal(t, 1, len(ck.cache.lines))
	require.Equal(t, 1, cap(ck.cache.lines))

	ck.WriteDouble(0, 1.25)
	ck.WriteDouble(ck.Len()-1, 2.5)
	require.NoError(t, ck.Sync())
	require.Equal(t, 1.25, ck.ReadDouble(0))
	require.Equal(t, 2.5, ck.ReadDouble(ck.Len()-1))
}

func TestChunkPrint(t *testing.T) {
	const order = 12
	rig := newTestRig(t, 4, order, 4<<order)
	rig.ck.WriteDouble(0, 1.0)

	var buf bytes.Buffer
	rig.ck.Print(&buf)
	out := buf.String()
	require.Contains(t, out, "pagesize=4096")
	require.Contains(t, out, "READY")
	require.Contains(t, out, "DIRTY")
}

func TestChunkGeometryErrors(t *testing.T) {
	const order = 12
	rig := newTestRig(t, 4, order, 4<<order)

	_, err := NewChunk(nil, rig.st, rig.pool, 1<<order)
	require.Error(t, err)
	_, err = NewChunk(rig.eng, rig.st, rig.pool, 0)
	require.Error(t, err)
	_, err = AttachChunk(rig.eng, rig.st, rig.pool, 123, 1<<order)
	require.Error(t, err, "unaligned offset")
	_, err = AttachChunk(rig.eng, rig.st, rig.pool, rig.st.Capacity(), 1<<order)
	require.Error(t, err, "range beyond region")
}

func TestChunkStorageFullFailsCreate(t *testing.T) {
	const order = 12
	st, err := OpenStorage(filepath.Join(t.TempDir(), "small.bin"), 2<<order)
	require.NoError(t, err)
	defer st.Close()

	mem := AlignedMem(4<<order, 1<<order)
	pool, err := NewPagePool(4, order, mem)
	require.NoError(t, err)

	eng := newStubEngine(st.file())
	_, err = NewChunk(eng, st, pool, 4<<order)
	require.Error(t, err)
}
