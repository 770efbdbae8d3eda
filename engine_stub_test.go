// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package chunkio

import (
	"os"

	"github.com/pkg/errors"
)

// stubWritev records one vectored write for assertions.
type stubWritev struct {
	off   int64
	count int
}

// stubEngine implements Engine over plain pread/pwrite against a file.
// Operations execute at submission; completions queue up and are drained
// by PollCompletions, so lines pass through their PENDING states exactly
// as with a kernel ring, just with deterministic timing.
type stubEngine struct {
	f *os.File

	queued  []Completion
	writevs []stubWritev

	reads  int
	writes int

	failReads  bool
	failWrites bool
}

func newStubEngine(f *os.File) *stubEngine {
	return &stubEngine{f: f}
}

func (e *stubEngine) RegisterBuffers(iovs []IoVec) error {
	_ = iovs
	return nil
}

func (e *stubEngine) ReadFixed(fd int, buf []byte, bufIndex int, off int64, tag uint64) error {
	_, _ = fd, bufIndex
	if e.failReads {
		return errors.New("stub: injected read failure")
	}
	n, err := e.f.ReadAt(buf, off)
	if err != nil && n != len(buf) {
		return err
	}
	e.reads++
	e.queued = append(e.queued, Completion{Tag: tag, Res: int32(n)})
	return nil
}

func (e *stubEngine) WriteFixed(fd int, buf []byte, bufIndex int, off int64, tag uint64) error {
	_, _ = fd, bufIndex
	if e.failWrites {
		return errors.New("stub: injected write failure")
	}
	n, err := e.f.WriteAt(buf, off)
	if err != nil {
		return err
	}
	e.writes++
	e.queued = append(e.queued, Completion{Tag: tag, Res: int32(n)})
	return nil
}

func (e *stubEngine) Writev(fd int, iovs []IoVec, off int64, tag uint64) error {
	_ = fd
	if e.failWrites {
		return errors.New("stub: injected writev failure")
	}
	total := 0
	at := off
	for _, v := range iovs {
		n, err := e.f.WriteAt(v.Bytes(), at)
		if err != nil {
			return err
		}
		total += n
		at += int64(n)
	}
	e.writes++
	e.writevs = append(e.writevs, stubWritev{off: off, count: len(iovs)})
	e.queued = append(e.queued, Completion{Tag: tag, Res: int32(total)})
	return nil
}

func (e *stubEngine) PollCompletions(dst []Completion) (int, error) {
	n := copy(dst, e.queued)
	e.queued = e.queued[n:]
	return n, nil
}

func (e *stubEngine) Close() error { return nil }
