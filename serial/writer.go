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

package serial

import (
	"github.com/thrillrt/thrill/block"
)

// BlockWriter serializes a sequence of T values into fixed-size
// Blocks handed off to a Sink (a File or a stream's per-destination
// queue), per §4.2. It holds exactly one "current" pinned block at a
// time; an item too large to fit in the remaining space of the
// current block is split across as many subsequent blocks as needed,
// and the writer records, for every finished block, the byte offset
// of the first item that begins within it.
type BlockWriter[T any] struct {
	pool      *block.Pool
	sink      block.Sink
	codec     Codec[T]
	blockSize int64

	cur          *block.ByteBlock
	curOff       int
	firstItemOff int // -1 until an item starts in the current block
	itemsInCur   int

	item ItemWriter
}

// NewBlockWriter constructs a BlockWriter that allocates blockSize-byte
// blocks from pool and appends finished ones to sink.
func NewBlockWriter[T any](pool *block.Pool, sink block.Sink, codec Codec[T], blockSize int64) *BlockWriter[T] {
	return &BlockWriter[T]{
		pool:         pool,
		sink:         sink,
		codec:        codec,
		blockSize:    blockSize,
		firstItemOff: -1,
	}
}

func (w *BlockWriter[T]) allocate() error {
	bb, err := w.pool.AllocateByteBlock(w.blockSize)
	if err != nil {
		return err
	}
	w.cur = bb
	w.curOff = 0
	w.firstItemOff = -1
	w.itemsInCur = 0
	return nil
}

// flush finishes the current block (if any bytes were written to it)
// and hands it to the sink.
func (w *BlockWriter[T]) flush() error {
	if w.cur == nil {
		return nil
	}
	first := w.firstItemOff
	if first < 0 {
		first = w.curOff // no item starts in this block
	}
	blk, err := w.cur.Finish(0, w.curOff, first, w.itemsInCur)
	w.cur.Unpin()
	if err != nil {
		return err
	}
	w.cur = nil
	return w.sink.Put(blk)
}

// Put serializes v and appends it to the block stream, splitting it
// across block boundaries as necessary.
func (w *BlockWriter[T]) Put(v T) error {
	w.item.Reset()
	w.codec.Encode(&w.item, v)
	data := w.item.Bytes()

	pos := 0
	for {
		if w.cur == nil {
			if err := w.allocate(); err != nil {
				return err
			}
		}
		if pos == 0 && w.firstItemOff < 0 {
			w.firstItemOff = w.curOff
		}
		avail := int(w.blockSize) - w.curOff
		n := len(data) - pos
		if n > avail {
			n = avail
		}
		if n > 0 {
			w.cur.WriteAt(w.curOff, data[pos:pos+n])
			w.curOff += n
			pos += n
		}
		if pos == len(data) {
			w.itemsInCur++
			break
		}
		if err := w.flush(); err != nil {
			return err
		}
	}
	if w.curOff == int(w.blockSize) {
		return w.flush()
	}
	return nil
}

// Close flushes any partially-filled current block and closes the
// underlying sink, per the "distinguished sentinel" contract of §4.2.
func (w *BlockWriter[T]) Close() error {
	if err := w.flush(); err != nil {
		return err
	}
	return w.sink.Close()
}

// Flush finishes the current block (if any) and hands it to the sink
// without closing the sink, so a single BlockWriter can span several
// independent write passes onto the same long-lived Sink (e.g. a
// reduce partition's scratch File, spilled to more than once over its
// lifetime).
func (w *BlockWriter[T]) Flush() error {
	return w.flush()
}
