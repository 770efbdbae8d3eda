// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package chunkio

// batchTagBase splits the completion tag domain: tags below it are
// cacheline indices of single-page I/O, tags at or above it are tokens
// naming an in-flight coalesced batch.
const batchTagBase = 256

// Completion is one finished I/O operation drained from the ring.
// Tag is the opaque 64-bit payload chosen at submission; Res is the
// kernel result (bytes transferred, or a negated errno).
type Completion struct {
	Tag uint64
	Res int32
}

// Engine is the submission/completion ring a chunk performs its I/O
// through. Submissions return as soon as the operation is queued with the
// kernel; results arrive later as Completions.
//
// The implementations in this package take no locks, and tags are
// chunk-relative, so every Engine instance must serve at most one
// concurrently driven chunk. Open one ring per chunk executor.
type Engine interface {
	// RegisterBuffers registers a fixed set of RAM buffers with the
	// ring so subsequent fixed-buffer I/O may refer to them by index.
	// It is called before the first ReadFixed or WriteFixed. Registering
	// the same buffers again is a no-op; the io_uring engine rejects a
	// registration of different buffers.
	RegisterBuffers(iovs []IoVec) error

	// ReadFixed submits a read of len(buf) bytes at file offset off into
	// buf, which must be (part of) registered buffer bufIndex.
	ReadFixed(fd int, buf []byte, bufIndex int, off int64, tag uint64) error

	// WriteFixed submits a write of len(buf) bytes from buf at file
	// offset off; buf must be (part of) registered buffer bufIndex.
	WriteFixed(fd int, buf []byte, bufIndex int, off int64, tag uint64) error

	// Writev submits one vectored write of the given iovecs at file
	// offset off. The iovec array and the buffers it points at must stay
	// valid until the completion for tag is drained.
	Writev(fd int, iovs []IoVec, off int64, tag uint64) error

	// PollCompletions drains up to len(dst) ready completions without
	// blocking and reports how many were filled in.
	PollCompletions(dst []Completion) (int, error)

	// Close tears the ring down. Outstanding operations are abandoned;
	// callers drain their completions first.
	Close() error
}
