// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package chunkio

import (
	"unsafe"

	"code.hybscloud.com/iox"
	"github.com/pkg/errors"
)

// Per-line I/O states. The order is meaningful: states at or above
// linePendingStore have an I/O in flight on the engine, and a hit line in
// one of them is drained before it is handed to the caller.
type lineState uint8

const (
	lineReady lineState = iota
	lineAwaitingStore
	linePendingStore
	linePendingLoad
)

func (s lineState) String() string {
	switch s {
	case lineReady:
		return "READY"
	case lineAwaitingStore:
		return "AWAITING_STORE"
	case linePendingStore:
		return "PENDING_STORE"
	case linePendingLoad:
		return "PENDING_LOAD"
	}
	return "INVALID"
}

const (
	// predictorThreshold is the saturating-counter value at which the
	// next sequential page is prefetched (~78% of full scale).
	predictorThreshold = 200

	// pressureRatio is the usage/actualSize fraction above which one
	// coalesced batch is flushed after an eviction.
	pressureRatio = 0.8

	// completionBurst bounds how many completions one poll drains.
	completionBurst = 16
)

// cacheline is one slot of a chunk's local cache: a RAM page on loan from
// the pool, the page id it represents, and its I/O state.
type cacheline struct {
	buf     []byte
	id      uint32
	pending lineState
	dirty   bool
}

// cache is the fixed-capacity associative page cache of one chunk. It
// tracks at most min(N, CachelinesMax) lines, a cursor at the line most
// recently served, a saturating sequential-access predictor, and the
// write-coalescing queue of evicted dirty pages.
//
// A cache is driven by a single executor; no internal locking.
type cache struct {
	eng  Engine
	pool *PagePool

	fd    int
	base  int64  // byte offset of the chunk in the backing file
	order uint32 // log2 page size
	pages uint32 // chunk capacity in pages (N)

	lines      []cacheline // len == actualSize, cap == K
	current    int
	usage      int // lines with pending != READY
	prediction uint8

	queue storeQueue

	// flights maps batch tags (>= batchTagBase) to the in-flight
	// coalesced writes they name. The iovec array is pinned here until
	// its completion is drained.
	flights map[uint64]*flightBatch
	nextTag uint64
}

type flightBatch struct {
	iovs  []IoVec
	lines []int
}

// newCache admits the first pool page, registers nothing (the engine's
// buffers were registered at chunk creation) and synchronously loads page
// 0 so the initial line is READY and reflects the backing file.
func newCache(eng Engine, pool *PagePool, fd int, base int64, pages uint32, prediction uint8) (*cache, error) {
	k := min(int(pages), CachelinesMax)
	buf, err := pool.Pop()
	if err != nil {
		return nil, err
	}
	c := &cache{
		eng:        eng,
		pool:       pool,
		fd:         fd,
		base:       base,
		order:      uint32(pool.BlockOrder()),
		pages:      pages,
		lines:      make([]cacheline, 1, k),
		prediction: prediction,
		flights:    make(map[uint64]*flightBatch),
		nextTag:    batchTagBase,
	}
	c.lines[0] = cacheline{buf: buf, id: 0, pending: linePendingLoad}
	c.usage++
	if err := c.submitLoad(0, 0); err != nil {
		c.release()
		return nil, err
	}
	if err := c.waitLine(0); err != nil {
		c.release()
		return nil, err
	}
	return c, nil
}

// fetch resolves page newID to a READY cacheline buffer, driving the
// admission/eviction state machine. On engine submission failure it
// returns a nil buffer and the error; the facade reports it.
func (c *cache) fetch(newID uint32) ([]byte, error) {
	cur := c.current
	if c.lines[cur].id == newID {
		c.bumpPrediction(+1)
		return c.lines[cur].buf, nil
	}

	// The cursor is moving off the current line. A dirty line is staged
	// for write-back; a clean one stays READY and becomes reusable once the
	// cursor has moved off it.
	// The staging is reverted on error exits so a failed operation leaves
	// no un-queued AWAITING_STORE line behind.
	oldID := c.lines[cur].id
	staged := false
	if c.lines[cur].dirty && c.lines[cur].pending == lineReady {
		c.lines[cur].pending = lineAwaitingStore
		c.usage++
		staged = true
	}
	unstage := func() {
		if staged && c.lines[cur].pending == lineAwaitingStore {
			c.lines[cur].pending = lineReady
			c.usage--
		}
	}

	for i := range c.lines {
		if i == cur || c.lines[i].id != newID {
			continue
		}
		// Hit on a non-current line.
		c.bumpPrediction(+1)
		if err := c.adoptLine(i); err != nil {
			unstage()
			return nil, err
		}
		if err := c.stageEviction(oldID, cur); err != nil {
			return nil, err
		}
		c.current = i
		c.prefetch(newID)
		return c.lines[i].buf, nil
	}

	// Miss: bring the page in on a fresh or recycled line.
	c.bumpPrediction(-1)
	var idx int
	if len(c.lines) == 1 {
		// With a single populated line there is nothing to recycle and
		// nothing in flight to wait for; if the pool cannot grow the
		// cache, the line swaps pages through the singleline sequence.
		var ok bool
		if idx, ok = c.tryAllocLine(); !ok {
			buf, err := c.fetchSingle(newID)
			if err != nil {
				unstage()
			}
			return buf, err
		}
	} else {
		var err error
		if idx, err = c.allocLine(); err != nil {
			unstage()
			return nil, err
		}
	}
	ln := &c.lines[idx]
	prevID := ln.id
	ln.id = newID
	ln.pending = linePendingLoad
	ln.dirty = false
	c.usage++
	if err := c.submitLoad(idx, newID); err != nil {
		ln.id = prevID
		ln.pending = lineReady
		c.usage--
		unstage()
		return nil, err
	}
	if err := c.waitLine(idx); err != nil {
		unstage()
		return nil, err
	}
	if idx != cur {
		if err := c.stageEviction(oldID, cur); err != nil {
			return nil, err
		}
	}
	c.current = idx
	c.prefetch(newID)
	return c.lines[idx].buf, nil
}

// fetchSingle swaps the only line between pages. The store and the load
// share one RAM buffer, so the store is drained before the load is issued;
// letting the load overwrite the buffer mid-store would persist torn
// pages.
func (c *cache) fetchSingle(newID uint32) ([]byte, error) {
	ln := &c.lines[0]
	if ln.pending == lineAwaitingStore {
		ln.pending = linePendingStore
		if err := c.submitStore(0, ln.id); err != nil {
			ln.pending = lineAwaitingStore
			return nil, err
		}
		if err := c.waitLine(0); err != nil {
			return nil, err
		}
	}
	prevID := ln.id
	ln.id = newID
	ln.pending = linePendingLoad
	ln.dirty = false
	c.usage++
	if err := c.submitLoad(0, newID); err != nil {
		ln.id = prevID
		ln.pending = lineReady
		c.usage--
		return nil, err
	}
	if err := c.waitLine(0); err != nil {
		return nil, err
	}
	c.current = 0
	return ln.buf, nil
}

// adoptLine makes a hit line usable. An in-flight load or store is
// drained; a queued store is cancelled — the dirty flag survives, so the
// next eviction re-flushes the freshest bytes.
func (c *cache) adoptLine(i int) error {
	for c.lines[i].pending >= linePendingStore {
		if err := c.pollWait(); err != nil {
			return err
		}
	}
	if c.lines[i].pending == lineAwaitingStore {
		if _, ok := c.queue.remove(c.lines[i].id); !ok {
			logger.Errorf("chunkio: line %d awaiting store but not queued", i)
		}
		c.lines[i].pending = lineReady
		c.usage--
	}
	return nil
}

// stageEviction queues the write-back of an evicted dirty line and flushes
// one coalesced batch when cache pressure crosses the threshold.
func (c *cache) stageEviction(oldID uint32, line int) error {
	if c.lines[line].pending != lineAwaitingStore || c.lines[line].id != oldID {
		return nil
	}
	c.queue.push(oldID, line)
	if float64(c.usage) > pressureRatio*float64(len(c.lines)) {
		return c.flushBatch()
	}
	return nil
}

// allocLine yields the index of a line ready to receive a load: grown
// from the pool while capacity remains, otherwise a recycled READY line.
// Blocks polling completions until a line frees up.
func (c *cache) allocLine() (int, error) {
	var aw iox.Backoff
	for {
		if idx, ok := c.tryAllocLine(); ok {
			return idx, nil
		}
		// Every line is in flight or queued. Turning one queued batch
		// into an in-flight store guarantees a future completion.
		if !c.queue.empty() {
			if err := c.flushBatch(); err != nil {
				return -1, err
			}
		}
		n, err := c.pollOnce()
		if err != nil {
			return -1, err
		}
		if n == 0 {
			aw.Wait()
		}
	}
}

// tryAllocLine is the non-blocking allocation step: grow, then scan.
func (c *cache) tryAllocLine() (int, bool) {
	if len(c.lines) < cap(c.lines) {
		if buf, err := c.pool.Pop(); err == nil {
			c.lines = append(c.lines, cacheline{buf: buf, id: c.pages})
			return len(c.lines) - 1, true
		}
	}
	for i := range c.lines {
		if i != c.current && c.lines[i].pending == lineReady {
			return i, true
		}
	}
	return -1, false
}

// prefetch opportunistically starts an asynchronous load of the next
// sequential page once the predictor reaches predictorThreshold. Best effort: when no line
// is free the read-ahead is skipped, and submission failures only log.
func (c *cache) prefetch(newID uint32) {
	next := newID + 1
	if next >= c.pages || c.prediction < predictorThreshold {
		return
	}
	for i := range c.lines {
		if c.lines[i].id == next {
			return
		}
	}
	// Hide the cursor from the allocation scan; restore on every exit.
	cur := c.current
	saved := c.lines[cur].pending
	c.lines[cur].pending = linePendingLoad
	defer func() { c.lines[cur].pending = saved }()

	idx, ok := c.tryAllocLine()
	if !ok {
		return
	}
	ln := &c.lines[idx]
	prevID := ln.id
	ln.id = next
	ln.pending = linePendingLoad
	ln.dirty = false
	c.usage++
	if err := c.submitLoad(idx, next); err != nil {
		logger.Errorf("chunkio: prefetch of page %d: %v", next, err)
		ln.id = prevID
		ln.pending = lineReady
		c.usage--
	}
}

// markDirty flags the current line after a write access.
func (c *cache) markDirty() {
	c.lines[c.current].dirty = true
}

func (c *cache) bumpPrediction(delta int) {
	if delta > 0 {
		if c.prediction < 255 {
			c.prediction++
		}
		return
	}
	if c.prediction > 0 {
		c.prediction--
	}
}

// flushBatch pops the head batch and submits it as one vectored write.
// The tag names a flight record holding the iovec array and the lines to
// release on completion.
func (c *cache) flushBatch() error {
	b := c.queue.popFront()
	if b == nil {
		return nil
	}
	fb := &flightBatch{
		iovs:  make([]IoVec, len(b.blocks)),
		lines: make([]int, len(b.blocks)),
	}
	for i, blk := range b.blocks {
		ln := &c.lines[blk.line]
		fb.iovs[i] = IoVec{Base: unsafe.SliceData(ln.buf), Len: uint64(len(ln.buf))}
		fb.lines[i] = blk.line
		ln.pending = linePendingStore
	}
	tag := c.nextTag
	c.nextTag++
	c.flights[tag] = fb
	off := c.base + int64(b.first())<<c.order
	if err := c.eng.Writev(c.fd, fb.iovs, off, tag); err != nil {
		logger.Errorf("chunkio: batched store of pages [%d,%d]: %v", b.first(), b.last(), err)
		delete(c.flights, tag)
		// Put the batch back so a later flush can retry it.
		for _, blk := range b.blocks {
			c.lines[blk.line].pending = lineAwaitingStore
			c.queue.push(blk.id, blk.line)
		}
		return errors.Wrap(err, "chunkio: writev submit")
	}
	return nil
}

// submitLoad issues a fixed-buffer read of page id into line idx.
func (c *cache) submitLoad(idx int, id uint32) error {
	ln := &c.lines[idx]
	off := c.base + int64(id)<<c.order
	if err := c.eng.ReadFixed(c.fd, ln.buf, c.pool.Index(ln.buf), off, uint64(idx)); err != nil {
		logger.Errorf("chunkio: load of page %d: %v", id, err)
		return errors.Wrap(err, "chunkio: read submit")
	}
	return nil
}

// submitStore issues a fixed-buffer write of line idx holding page id.
func (c *cache) submitStore(idx int, id uint32) error {
	ln := &c.lines[idx]
	off := c.base + int64(id)<<c.order
	if err := c.eng.WriteFixed(c.fd, ln.buf, c.pool.Index(ln.buf), off, uint64(idx)); err != nil {
		logger.Errorf("chunkio: store of page %d: %v", id, err)
		return errors.Wrap(err, "chunkio: write submit")
	}
	return nil
}

// pollOnce drains up to completionBurst ready completions.
func (c *cache) pollOnce() (int, error) {
	var comps [completionBurst]Completion
	n, err := c.eng.PollCompletions(comps[:])
	if err != nil {
		return 0, errors.Wrap(err, "chunkio: poll completions")
	}
	for _, comp := range comps[:n] {
		c.complete(comp.Tag, comp.Res)
	}
	return n, nil
}

// pollWait drains completions, yielding adaptively while none are ready.
func (c *cache) pollWait() error {
	var aw iox.Backoff
	for {
		n, err := c.pollOnce()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		aw.Wait()
	}
}

// waitLine blocks until line idx has no outstanding I/O.
func (c *cache) waitLine(idx int) error {
	for c.lines[idx].pending != lineReady {
		if err := c.pollWait(); err != nil {
			return err
		}
	}
	return nil
}

// complete dispatches one engine completion by tag. Completion errors are
// unrecoverable: the page image on disk or in RAM is torn.
func (c *cache) complete(tag uint64, res int32) {
	if res < 0 {
		logger.Fatalf("chunkio: i/o completion failed: tag=%d errno=%d", tag, -res)
	}
	if tag < batchTagBase {
		idx := int(tag)
		if idx >= len(c.lines) {
			logger.Fatalf("chunkio: completion for unknown line %d", idx)
		}
		ln := &c.lines[idx]
		if int(res) != len(ln.buf) {
			logger.Fatalf("chunkio: short page i/o: line=%d n=%d", idx, res)
		}
		switch ln.pending {
		case linePendingLoad:
			ln.pending = lineReady
			c.usage--
		case linePendingStore:
			ln.pending = lineReady
			ln.dirty = false
			c.usage--
		default:
			logger.Errorf("chunkio: spurious completion: line=%d state=%v", idx, ln.pending)
		}
		return
	}
	fb, ok := c.flights[tag]
	if !ok {
		logger.Fatalf("chunkio: completion for unknown batch tag %d", tag)
	}
	delete(c.flights, tag)
	want := 0
	for _, v := range fb.iovs {
		want += int(v.Len)
	}
	if int(res) != want {
		logger.Fatalf("chunkio: short batched store: n=%d want=%d", res, want)
	}
	for _, li := range fb.lines {
		ln := &c.lines[li]
		ln.pending = lineReady
		ln.dirty = false
		c.usage--
	}
}

// sync flushes every dirty line, including the current one, and blocks
// until all outstanding I/O has completed. On return every line is READY
// and CLEAN and the coalescing queue is empty.
func (c *cache) sync() error {
	for i := range c.lines {
		ln := &c.lines[i]
		if ln.dirty && ln.pending == lineReady {
			ln.pending = lineAwaitingStore
			c.usage++
			c.queue.push(ln.id, i)
		} else if ln.pending == lineAwaitingStore {
			// Re-queue is a no-op for already queued blocks; this picks
			// up lines whose earlier flush attempt failed.
			c.queue.push(ln.id, i)
		}
	}
	for !c.queue.empty() {
		if err := c.flushBatch(); err != nil {
			return err
		}
	}
	var aw iox.Backoff
	for c.usage > 0 {
		n, err := c.pollOnce()
		if err != nil {
			return err
		}
		if n == 0 {
			aw.Wait()
		}
	}
	return nil
}

// release hands every line buffer back to the pool. Callers sync first.
func (c *cache) release() {
	for i := range c.lines {
		if c.lines[i].buf != nil {
			c.pool.Push(c.lines[i].buf)
			c.lines[i].buf = nil
		}
	}
	c.lines = c.lines[:0]
	c.usage = 0
	c.current = 0
}
