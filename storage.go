// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package chunkio

import (
	"os"

	"github.com/pkg/errors"
)

// Storage is a bump allocator over a preallocated backing file. Allocate
// hands out monotonically increasing byte ranges; Free is a no-op. The
// region's lifetime bounds all chunks that allocate from it.
//
// Storage assumes external serialisation: callers allocate from one
// goroutine, or coordinate themselves. Page I/O against the returned
// offsets goes through an Engine, not through Storage.
type Storage struct {
	f        *os.File
	capacity int64
	offset   int64
}

// OpenStorage creates (or truncates) the file at path and preallocates
// capacity bytes, so later page writes never extend the file.
func OpenStorage(path string, capacity int64) (*Storage, error) {
	if capacity <= 0 {
		return nil, errors.Errorf("chunkio: bad storage capacity %d", capacity)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o660)
	if err != nil {
		return nil, errors.Wrapf(err, "chunkio: cannot open %s", path)
	}
	if err := preallocate(f, capacity); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "chunkio: cannot preallocate %d bytes", capacity)
	}
	return &Storage{f: f, capacity: capacity}, nil
}

// Allocate reserves n bytes and returns the byte offset of the reserved
// range. Fails when the region has less than n bytes left.
func (st *Storage) Allocate(n int64) (int64, error) {
	if n <= 0 {
		return -1, errors.Errorf("chunkio: bad allocation size %d", n)
	}
	if st.offset+n > st.capacity {
		return -1, errors.Errorf("chunkio: storage full: %d of %d bytes used, %d requested",
			st.offset, st.capacity, n)
	}
	off := st.offset
	st.offset += n
	return off, nil
}

// Free releases a previously allocated range.
//
// The bump allocator does not reclaim space; the call exists so chunk
// teardown has a place to report releases if a smarter allocator ever
// replaces this one.
func (st *Storage) Free(offset, n int64) {
	_ = offset
	_ = n
}

// Fd returns the backing file descriptor for engine submissions.
func (st *Storage) Fd() int { return int(st.f.Fd()) }

// Capacity returns the total region size in bytes.
func (st *Storage) Capacity() int64 { return st.capacity }

// Offset returns the current bump pointer.
func (st *Storage) Offset() int64 { return st.offset }

// Close truncates the backing file and releases the region. All chunks
// allocated from the region must be closed first.
func (st *Storage) Close() error {
	if st.f == nil {
		return nil
	}
	if err := st.f.Truncate(0); err != nil {
		logger.Errorf("chunkio: storage truncate: %v", err)
	}
	err := st.f.Close()
	st.f = nil
	st.capacity, st.offset = 0, 0
	return errors.Wrap(err, "chunkio: storage close")
}
