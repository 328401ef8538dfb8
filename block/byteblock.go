// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package block implements the block data plane (C1-C3): fixed-size
// reference-counted ByteBlocks owned by a Pool that may spill them to
// external storage, the Block/PinnedBlock views over a ByteBlock, and
// File, an ordered append-only sequence of Blocks.
package block

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/thrillrt/thrill/diskio"
)

// ByteBlock is a pinned-or-pageable fixed-capacity byte buffer owned
// by exactly one Pool. Its data pointer is valid if and only if its
// pin count is greater than zero or it is currently resident; the
// Pool is the sole authority that may transition it between resident
// and paged-out.
//
// ByteBlock is destroyed (its RAM or disk extent released) when its
// last strong reference drops -- tracked here via a plain reference
// count rather than a finalizer, since every owner (Block, File,
// Stream queue) releases explicitly.
type ByteBlock struct {
	pool *Pool

	mu       sync.Mutex
	data     []byte     // nil when paged out
	capacity int64
	resident bool
	bid      diskio.BID // valid once spilled at least once
	waiters  []chan error

	pins int32 // atomic
	refs int32 // atomic: strong reference count
	lru  int64 // logical clock value at last unpin; used for eviction ordering
	heapIndex int // position in the pool's eviction candidate heap, or -1
}

// Capacity returns the fixed byte capacity of the block.
func (bb *ByteBlock) Capacity() int64 {
	return bb.capacity
}

// Pins returns the current pin count.
func (bb *ByteBlock) Pins() int32 {
	return atomic.LoadInt32(&bb.pins)
}

// addRef increments the strong reference count.
func (bb *ByteBlock) addRef() {
	atomic.AddInt32(&bb.refs, 1)
}

// release decrements the strong reference count and, if it reaches
// zero, returns the backing storage to the pool (RAM if resident,
// disk extent if paged out).
func (bb *ByteBlock) release() {
	if atomic.AddInt32(&bb.refs, -1) == 0 {
		bb.pool.releaseByteBlock(bb)
	}
}

// WriteAt copies p into the block's backing storage starting at byte
// offset off. It is only safe to call while the caller holds the
// block's sole pin, which is the case for a freshly-allocated block
// that hasn't yet been handed off to a BlockWriter's sink -- the
// producer side of C2/C4.
func (bb *ByteBlock) WriteAt(off int, p []byte) {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	if !bb.resident {
		panic("block: WriteAt on non-resident ByteBlock")
	}
	copy(bb.data[off:], p)
}

// View constructs an additional immutable Block over this ByteBlock
// covering [begin, end), with firstItem marking the offset of the
// first complete item and numItems the count of whole items in the
// view. It takes a new strong reference on bb, leaving the caller's
// own reference to bb untouched.
func (bb *ByteBlock) View(begin, end, firstItem, numItems int) (Block, error) {
	return newBlock(bb, begin, end, firstItem, numItems)
}

// Finish constructs the final immutable Block a BlockWriter emits for
// a freshly-allocated ByteBlock, transferring the strong reference
// the allocator vended (rather than taking a new one, which would
// leak the allocation's own reference since the writer never holds
// onto the raw ByteBlock afterward).
func (bb *ByteBlock) Finish(begin, end, firstItem, numItems int) (Block, error) {
	if !(begin <= firstItem && firstItem <= end && int64(end) <= bb.capacity) {
		return Block{}, fmt.Errorf("block: invalid view [%d,%d) first=%d cap=%d", begin, end, firstItem, bb.capacity)
	}
	return Block{bb: bb, Begin: begin, End: end, FirstItem: firstItem, NumItems: numItems}, nil
}

// Unpin decrements the pin count directly on a ByteBlock, used by
// producers that hold a bare ByteBlock reference (rather than a
// PinnedBlock) during construction, e.g. a BlockWriter finishing a
// block before it has constructed a View over it.
func (bb *ByteBlock) Unpin() {
	if atomic.AddInt32(&bb.pins, -1) == 0 {
		bb.pool.markUnpinned(bb)
	}
}
