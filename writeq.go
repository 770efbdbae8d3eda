// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package chunkio

// storeBlock is one evicted dirty page awaiting flush: the page id it
// holds and the cacheline whose buffer carries the data.
type storeBlock struct {
	id   uint32
	line int
}

// storeBatch is a run of blocks with strictly contiguous ascending ids.
// One batch flushes as a single vectored write.
type storeBatch struct {
	blocks []storeBlock
}

func (b *storeBatch) first() uint32 { return b.blocks[0].id }
func (b *storeBatch) last() uint32  { return b.blocks[len(b.blocks)-1].id }

// storeQueue orders evicted dirty pages into batches of contiguous ids.
// Invariants: batches are sorted by first id, disjoint, and adjacent
// batches differ by at least 2 in id (a gap of 1 would have merged).
//
// The queue holds at most CachelinesMax blocks, so scans are linear.
type storeQueue struct {
	batches []*storeBatch
}

// push records one evicted page. Pushing an id that is already queued is
// a no-op. Runs that become adjacent are merged, including the bridge
// case where one id joins two existing batches.
func (q *storeQueue) push(id uint32, line int) {
	for i, b := range q.batches {
		first, last := b.first(), b.last()
		switch {
		case id >= first && id <= last:
			// Already queued.
			return
		case last+1 == id:
			b.blocks = append(b.blocks, storeBlock{id: id, line: line})
			if i+1 < len(q.batches) && q.batches[i+1].first() == id+1 {
				b.blocks = append(b.blocks, q.batches[i+1].blocks...)
				q.batches = append(q.batches[:i+1], q.batches[i+2:]...)
			}
			return
		case id+1 == first:
			b.blocks = append([]storeBlock{{id: id, line: line}}, b.blocks...)
			return
		case id < first:
			q.batches = append(q.batches, nil)
			copy(q.batches[i+1:], q.batches[i:])
			q.batches[i] = &storeBatch{blocks: []storeBlock{{id: id, line: line}}}
			return
		}
	}
	q.batches = append(q.batches, &storeBatch{blocks: []storeBlock{{id: id, line: line}}})
}

// popFront removes and returns the head batch, or nil when empty.
func (q *storeQueue) popFront() *storeBatch {
	if len(q.batches) == 0 {
		return nil
	}
	b := q.batches[0]
	q.batches = q.batches[1:]
	return b
}

// remove cancels a queued block, splitting its batch when the id lies in
// the interior of a run. Returns the cacheline the block referenced.
func (q *storeQueue) remove(id uint32) (line int, ok bool) {
	for i, b := range q.batches {
		first, last := b.first(), b.last()
		if id < first || id > last {
			continue
		}
		k := int(id - first)
		line = b.blocks[k].line
		switch {
		case len(b.blocks) == 1:
			q.batches = append(q.batches[:i], q.batches[i+1:]...)
		case k == 0:
			b.blocks = b.blocks[1:]
		case k == len(b.blocks)-1:
			b.blocks = b.blocks[:k]
		default:
			tail := &storeBatch{blocks: append([]storeBlock(nil), b.blocks[k+1:]...)}
			b.blocks = b.blocks[:k]
			q.batches = append(q.batches, nil)
			copy(q.batches[i+2:], q.batches[i+1:])
			q.batches[i+1] = tail
		}
		return line, true
	}
	return 0, false
}

// empty reports whether no blocks are queued.
func (q *storeQueue) empty() bool { return len(q.batches) == 0 }

// blockCount returns the total number of queued blocks.
func (q *storeQueue) blockCount() int {
	n := 0
	for _, b := range q.batches {
		n += len(b.blocks)
	}
	return n
}
