// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package chunkio

import (
	"unsafe"

	"code.hybscloud.com/chunkio/internal/uring"
	"code.hybscloud.com/iox"
	"github.com/pkg/errors"
)

// ringEngine adapts the raw io_uring binding to the Engine contract.
// Submissions are flushed to the kernel eagerly, one enter per operation;
// the chunk workload keeps at most a handful of operations in flight, so
// batching submissions would only delay the device.
type ringEngine struct {
	ring *uring.Ring

	// One registration per ring; repeated registration of the same
	// region (chunk re-creation after pool exhaustion) is a no-op.
	regBase *byte
	regLen  int
}

// OpenEngine opens an io_uring-backed Engine with the given submission
// queue depth. A depth of 0 or less selects DefaultQueueDepth.
func OpenEngine(queueDepth int) (Engine, error) {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	r, err := uring.New(uint32(queueDepth))
	if err != nil {
		return nil, errors.Wrap(err, "chunkio: open engine")
	}
	return &ringEngine{ring: r}, nil
}

func (e *ringEngine) RegisterBuffers(iovs []IoVec) error {
	if len(iovs) == 0 {
		return errors.New("chunkio: no buffers to register")
	}
	if e.regBase != nil {
		if e.regBase == iovs[0].Base && e.regLen == len(iovs) {
			return nil
		}
		return errors.New("chunkio: engine already has registered buffers")
	}
	if err := e.ring.RegisterBuffers(unsafe.Pointer(unsafe.SliceData(iovs)), uint32(len(iovs))); err != nil {
		return err
	}
	e.regBase, e.regLen = iovs[0].Base, len(iovs)
	return nil
}

func (e *ringEngine) ReadFixed(fd int, buf []byte, bufIndex int, off int64, tag uint64) error {
	return e.submit(uring.OpReadFixed, fd,
		unsafe.Pointer(unsafe.SliceData(buf)), uint32(len(buf)), uint64(off), uint16(bufIndex), tag)
}

func (e *ringEngine) WriteFixed(fd int, buf []byte, bufIndex int, off int64, tag uint64) error {
	return e.submit(uring.OpWriteFixed, fd,
		unsafe.Pointer(unsafe.SliceData(buf)), uint32(len(buf)), uint64(off), uint16(bufIndex), tag)
}

func (e *ringEngine) Writev(fd int, iovs []IoVec, off int64, tag uint64) error {
	if len(iovs) == 0 {
		return errors.New("chunkio: empty writev")
	}
	return e.submit(uring.OpWritev, fd,
		unsafe.Pointer(unsafe.SliceData(iovs)), uint32(len(iovs)), uint64(off), 0, tag)
}

func (e *ringEngine) PollCompletions(dst []Completion) (int, error) {
	n := 0
	for n < len(dst) {
		tag, res, ok := e.ring.PopCompletion()
		if !ok {
			break
		}
		dst[n] = Completion{Tag: tag, Res: res}
		n++
	}
	return n, nil
}

func (e *ringEngine) Close() error {
	return e.ring.Close()
}

func (e *ringEngine) submit(op uint8, fd int, addr unsafe.Pointer, length uint32, off uint64, bufIndex uint16, tag uint64) error {
	var aw iox.Backoff
	for {
		err := e.ring.PrepRW(op, fd, addr, length, off, bufIndex, tag)
		if err == nil {
			break
		}
		if err != uring.ErrRingFull {
			return err
		}
		// Ring full: the kernel owns every entry. Flush and let
		// completions free slots.
		if _, serr := e.ring.Submit(); serr != nil {
			return serr
		}
		aw.Wait()
	}
	_, err := e.ring.Submit()
	return err
}
