// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package chunkio

import (
	"unsafe"
)

// IoVec represents a scatter/gather I/O descriptor compatible with the
// standard Linux struct iovec. It is used to pass multiple non-contiguous
// user-space buffers to the kernel in a single vectored I/O system call
// (writev, pwritev, io_uring operations) and to register the page pool
// region with the ring.
//
// Memory layout matches the C struct iovec exactly:
//
//	struct iovec {
//	    void  *iov_base;  // Starting address
//	    size_t iov_len;   // Number of bytes
//	};
//
// The caller must ensure Base points to valid memory for the lifetime of
// any I/O operation using this IoVec.
type IoVec struct {
	Base *byte  // Starting address of the memory block
	Len  uint64 // Number of bytes to transfer
}

// IoVecFromBytes converts a slice of byte slices to an IoVec slice.
// The returned elements point directly to the buffer memory without copying;
// the input slices must remain valid for the lifetime of the I/O.
func IoVecFromBytes(bufs [][]byte) []IoVec {
	if len(bufs) == 0 {
		return nil
	}
	vec := make([]IoVec, len(bufs))
	for i := range len(bufs) {
		vec[i] = IoVec{Base: unsafe.SliceData(bufs[i]), Len: uint64(len(bufs[i]))}
	}
	return vec
}

// IoVecAddrLen extracts the raw pointer and length from an IoVec slice
// for direct syscall consumption (pwritev, io_uring submission, buffer
// registration).
//
// Returns (0, 0) for empty or nil slices.
func IoVecAddrLen(vec []IoVec) (addr uintptr, n int) {
	if len(vec) == 0 {
		return 0, 0
	}
	addr, n = uintptr(unsafe.Pointer(unsafe.SliceData(vec))), len(vec)
	return
}

// Bytes returns the memory described by the IoVec as a byte slice.
// The slice aliases the underlying buffer; it is not a copy.
func (v IoVec) Bytes() []byte {
	if v.Base == nil || v.Len == 0 {
		return nil
	}
	return unsafe.Slice(v.Base, v.Len)
}
