// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build linux

// Package uring is a minimal io_uring binding covering the operations the
// chunk cache needs: fixed-buffer single-page reads and writes, vectored
// writes for coalesced flushes, buffer registration and non-blocking
// completion reaping.
//
// Requires Linux 5.4+ (IORING_FEAT_SINGLE_MMAP).
package uring

import (
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Submission opcodes used by this module.
const (
	OpNop        = 0
	OpWritev     = 2
	OpReadFixed  = 4
	OpWriteFixed = 5
)

const (
	featSingleMmap = 1 << 0 // IORING_FEAT_SINGLE_MMAP

	enterGetEvents = 1 << 0 // IORING_ENTER_GETEVENTS

	registerBuffers   = 0 // IORING_REGISTER_BUFFERS
	unregisterBuffers = 1 // IORING_UNREGISTER_BUFFERS

	offSQRing = 0
	offSQEs   = 0x10000000
)

// ErrRingFull is returned by Prep* when the submission queue has no free
// entry; callers flush with Submit and retry.
var ErrRingFull = errors.New("uring: submission queue full")

type params struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        sqRingOffsets
	cqOff        cqRingOffsets
}

type sqRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	array       uint32
	resv1       uint32
	resv2       uint64
}

type cqRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	overflow    uint32
	cqes        uint32
	flags       uint64
	resv1       uint32
	resv2       uint64
}

// sqe is the 64-byte kernel submission queue entry.
type sqe struct {
	opcode      uint8
	flags       uint8
	ioprio      uint16
	fd          int32
	off         uint64
	addr        uint64
	len         uint32
	opcodeFlags uint32
	userData    uint64
	bufIndex    uint16
	personality uint16
	spliceFdIn  int32
	_           [2]uint64
}

// cqe is the 16-byte kernel completion queue entry.
type cqe struct {
	userData uint64
	res      int32
	flags    uint32
}

// Ring is one io_uring instance. It is not internally synchronised;
// the owning executor drives submissions and completions.
type Ring struct {
	fd int

	sqHead    *uint32
	sqTail    *uint32
	sqMask    uint32
	sqEntries uint32
	sqArray   *uint32
	sqes      []sqe

	cqHead *uint32
	cqTail *uint32
	cqMask uint32

	cqes []cqe

	sqeMem  []byte
	ringMem []byte

	registered bool
}

// New sets up an io_uring instance with the given submission queue depth
// (rounded up by the kernel to a power of two).
func New(entries uint32) (*Ring, error) {
	if entries == 0 {
		return nil, errors.New("uring: zero queue depth")
	}
	var p params
	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP,
		uintptr(entries), uintptr(unsafe.Pointer(&p)), 0)
	if errno != 0 {
		return nil, errors.Wrap(errno, "uring: io_uring_setup")
	}
	r := &Ring{fd: int(fd)}

	if p.features&featSingleMmap == 0 {
		_ = r.Close()
		return nil, errors.New("uring: kernel lacks IORING_FEAT_SINGLE_MMAP (need Linux 5.4+)")
	}

	sqSize := p.sqOff.array + p.sqEntries*4
	cqSize := p.cqOff.cqes + p.cqEntries*uint32(unsafe.Sizeof(cqe{}))
	ringSize := max(sqSize, cqSize)

	ringMem, err := unix.Mmap(r.fd, offSQRing, int(ringSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		_ = r.Close()
		return nil, errors.Wrap(err, "uring: mmap ring")
	}
	r.ringMem = ringMem

	sqeMem, err := unix.Mmap(r.fd, offSQEs, int(p.sqEntries*uint32(unsafe.Sizeof(sqe{}))),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		_ = r.Close()
		return nil, errors.Wrap(err, "uring: mmap sqes")
	}
	r.sqeMem = sqeMem

	r.sqHead = (*uint32)(unsafe.Pointer(&ringMem[p.sqOff.head]))
	r.sqTail = (*uint32)(unsafe.Pointer(&ringMem[p.sqOff.tail]))
	r.sqMask = *(*uint32)(unsafe.Pointer(&ringMem[p.sqOff.ringMask]))
	r.sqEntries = *(*uint32)(unsafe.Pointer(&ringMem[p.sqOff.ringEntries]))
	r.sqArray = (*uint32)(unsafe.Pointer(&ringMem[p.sqOff.array]))
	r.sqes = unsafe.Slice((*sqe)(unsafe.Pointer(unsafe.SliceData(sqeMem))), p.sqEntries)

	r.cqHead = (*uint32)(unsafe.Pointer(&ringMem[p.cqOff.head]))
	r.cqTail = (*uint32)(unsafe.Pointer(&ringMem[p.cqOff.tail]))
	r.cqMask = *(*uint32)(unsafe.Pointer(&ringMem[p.cqOff.ringMask]))
	r.cqes = unsafe.Slice((*cqe)(unsafe.Pointer(&ringMem[p.cqOff.cqes])), p.cqEntries)

	return r, nil
}

// Fd returns the ring file descriptor.
func (r *Ring) Fd() int { return r.fd }

// RegisterBuffers registers n iovecs starting at addr with the ring.
// May be called once per ring.
func (r *Ring) RegisterBuffers(addr unsafe.Pointer, n uint32) error {
	if r.registered {
		return errors.New("uring: buffers already registered")
	}
	_, _, errno := unix.Syscall6(unix.SYS_IO_URING_REGISTER,
		uintptr(r.fd), registerBuffers, uintptr(addr), uintptr(n), 0, 0)
	if errno != 0 {
		return errors.Wrap(errno, "uring: register buffers")
	}
	r.registered = true
	return nil
}

// PrepRW stages one submission queue entry without notifying the kernel.
// Returns ErrRingFull when all entries are in flight; the caller flushes
// with Submit and retries.
func (r *Ring) PrepRW(op uint8, fd int, addr unsafe.Pointer, length uint32, off uint64, bufIndex uint16, userData uint64) error {
	tail := atomic.LoadUint32(r.sqTail)
	head := atomic.LoadUint32(r.sqHead)
	if tail-head >= r.sqEntries {
		return ErrRingFull
	}
	idx := tail & r.sqMask
	e := &r.sqes[idx]
	*e = sqe{
		opcode:   op,
		fd:       int32(fd),
		off:      off,
		addr:     uint64(uintptr(addr)),
		len:      length,
		userData: userData,
		bufIndex: bufIndex,
	}
	// The indirection array maps ring positions to SQE indices; this
	// binding uses the identity mapping.
	*(*uint32)(unsafe.Add(unsafe.Pointer(r.sqArray), uintptr(idx)*4)) = idx
	atomic.AddUint32(r.sqTail, 1)
	return nil
}

// Pending returns the number of staged-but-unsubmitted entries.
func (r *Ring) Pending() uint32 {
	return atomic.LoadUint32(r.sqTail) - atomic.LoadUint32(r.sqHead)
}

// Submit notifies the kernel of all staged entries. Returns the number of
// entries the kernel consumed.
func (r *Ring) Submit() (int, error) {
	toSubmit := r.Pending()
	if toSubmit == 0 {
		return 0, nil
	}
	for {
		n, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER,
			uintptr(r.fd), uintptr(toSubmit), 0, 0, 0, 0)
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return int(n), errors.Wrap(errno, "uring: io_uring_enter")
		}
		return int(n), nil
	}
}

// PopCompletion reaps one completion without blocking.
func (r *Ring) PopCompletion() (userData uint64, res int32, ok bool) {
	head := atomic.LoadUint32(r.cqHead)
	tail := atomic.LoadUint32(r.cqTail)
	if head == tail {
		return 0, 0, false
	}
	c := &r.cqes[head&r.cqMask]
	userData, res = c.userData, c.res
	atomic.AddUint32(r.cqHead, 1)
	return userData, res, true
}

// Enter waits in the kernel until at least minComplete completions are
// available. Used by callers that have nothing better to do than sleep.
func (r *Ring) Enter(minComplete uint32) error {
	for {
		_, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER,
			uintptr(r.fd), 0, uintptr(minComplete), enterGetEvents, 0, 0)
		if errno == unix.EINTR || errno == unix.EAGAIN {
			continue
		}
		if errno != 0 {
			return errors.Wrap(errno, "uring: io_uring_enter getevents")
		}
		return nil
	}
}

// Close unmaps the rings and closes the instance.
func (r *Ring) Close() error {
	if r == nil {
		return nil
	}
	var firstErr error
	if r.registered {
		_, _, errno := unix.Syscall6(unix.SYS_IO_URING_REGISTER,
			uintptr(r.fd), unregisterBuffers, 0, 0, 0, 0)
		if errno != 0 {
			firstErr = errors.Wrap(errno, "uring: unregister buffers")
		}
		r.registered = false
	}
	if r.ringMem != nil {
		if err := unix.Munmap(r.ringMem); err != nil && firstErr == nil {
			firstErr = err
		}
		r.ringMem = nil
	}
	if r.sqeMem != nil {
		if err := unix.Munmap(r.sqeMem); err != nil && firstErr == nil {
			firstErr = err
		}
		r.sqeMem = nil
	}
	if r.fd >= 0 {
		if err := unix.Close(r.fd); err != nil && firstErr == nil {
			firstErr = err
		}
		r.fd = -1
	}
	return firstErr
}
